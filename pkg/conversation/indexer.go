package conversation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/heartline/heartline/pkg/index"
	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/metrics"
	"github.com/heartline/heartline/pkg/provider"
	"github.com/heartline/heartline/pkg/storage"
)

const indexJobTimeout = 30 * time.Second

// indexer embeds persisted messages off the request path. Jobs are dropped
// when the queue is full; the index is best effort.
type indexer struct {
	embedder provider.Embedder
	index    index.Index
	limiter  *rate.Limiter
	logger   logger.Logger
	metrics  *metrics.Manager

	mu      sync.RWMutex
	closed  bool
	queue   chan *storage.Message
	workers sync.WaitGroup
	pending sync.WaitGroup
}

func newIndexer(e provider.Embedder, idx index.Index, opts Options, l logger.Logger, m *metrics.Manager) *indexer {
	limit := rate.Inf
	if opts.IndexRate > 0 {
		limit = rate.Limit(opts.IndexRate)
	}
	ix := &indexer{
		embedder: e,
		index:    idx,
		limiter:  rate.NewLimiter(limit, opts.IndexBurst),
		logger:   l,
		metrics:  m,
		queue:    make(chan *storage.Message, opts.IndexQueueSize),
	}
	for i := 0; i < opts.IndexWorkers; i++ {
		ix.workers.Add(1)
		go ix.worker()
	}
	return ix
}

// Submit enqueues m for embedding. It never blocks and reports whether the
// message was accepted.
func (ix *indexer) Submit(m *storage.Message) bool {
	if ix == nil {
		return false
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return false
	}
	ix.pending.Add(1)
	select {
	case ix.queue <- m:
		return true
	default:
		ix.pending.Done()
		ix.logger.Warn("index queue full, dropping message", "conversation_id", m.ConversationID, "message_id", m.ID)
		ix.metrics.RecordIndexOperation("upsert", "dropped")
		return false
	}
}

// Pending returns the number of queued jobs.
func (ix *indexer) Pending() int {
	if ix == nil {
		return 0
	}
	return len(ix.queue)
}

// flush blocks until every accepted job has been processed.
func (ix *indexer) flush() {
	if ix != nil {
		ix.pending.Wait()
	}
}

// Close stops accepting jobs, drains the queue and waits for the workers.
func (ix *indexer) Close() {
	if ix == nil {
		return
	}
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return
	}
	ix.closed = true
	close(ix.queue)
	ix.mu.Unlock()
	ix.workers.Wait()
}

func (ix *indexer) worker() {
	defer ix.workers.Done()
	for m := range ix.queue {
		ix.process(m)
		ix.pending.Done()
	}
}

func (ix *indexer) process(m *storage.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), indexJobTimeout)
	defer cancel()

	if err := ix.limiter.Wait(ctx); err != nil {
		ix.metrics.RecordIndexOperation("upsert", "throttled")
		return
	}
	vec, err := ix.embedder.Embed(ctx, m.Content)
	if err != nil {
		ix.logger.Warn("embedding failed", "conversation_id", m.ConversationID, "message_id", m.ID, "error", err)
		ix.metrics.RecordIndexOperation("embed", "error")
		return
	}
	meta := index.Metadata{
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Text:           m.Content,
		Seq:            m.Seq,
	}
	if err := ix.index.Upsert(ctx, m.ID, vec, meta); err != nil {
		ix.logger.Warn("index upsert failed", "conversation_id", m.ConversationID, "message_id", m.ID, "error", err)
		ix.metrics.RecordIndexOperation("upsert", "error")
		return
	}
	ix.metrics.RecordIndexOperation("upsert", "ok")
}
