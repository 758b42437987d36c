// Package conversation coordinates a chat turn: it keeps the context window,
// persists messages, summarizes on a cadence, feeds affinity deltas to the
// relationship engine and assembles the generation payload.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heartline/heartline/pkg/affinity"
	"github.com/heartline/heartline/pkg/cache"
	"github.com/heartline/heartline/pkg/index"
	"github.com/heartline/heartline/pkg/keylock"
	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/metrics"
	"github.com/heartline/heartline/pkg/provider"
	"github.com/heartline/heartline/pkg/relationship"
	"github.com/heartline/heartline/pkg/session"
	"github.com/heartline/heartline/pkg/storage"
)

const tracerName = "heartline.conversation"

// Turn is the result of recording one message.
type Turn struct {
	Message *storage.Message `json:"message"`
	// Count is the conversation's message count after this message.
	Count int64 `json:"count"`
	// Summary is set when this turn triggered a successful summarization.
	Summary *storage.Summary `json:"summary,omitempty"`

	// due holds the messages to summarize when the turn hit the cadence.
	due []*storage.Message
}

// Reply is the result of Respond.
type Reply struct {
	UserMessage *storage.Message `json:"user_message"`
	// Assistant is nil when Fallback is true.
	Assistant *storage.Message `json:"assistant,omitempty"`
	Text      string           `json:"text"`
	Fallback  bool             `json:"fallback"`
	Summary   *storage.Summary `json:"summary,omitempty"`
	Payload   *Payload         `json:"-"`
}

// Orchestrator is the conversation engine.
type Orchestrator struct {
	store         storage.Storage
	cache         cache.Store
	sessions      *session.Manager
	relationships *relationship.Engine
	generator     provider.Generator
	embedder      provider.Embedder
	index         index.Index
	indexer       *indexer
	summaries     *keylock.Map

	opts     Options
	fallback atomic.Pointer[string]
	logger   logger.Logger
	metrics  *metrics.Manager
	tracer   trace.Tracer
}

// New creates an Orchestrator. Zero option fields take their defaults.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("conversation: record store is required")
	}
	if deps.Relationships == nil {
		return nil, errors.New("conversation: relationship engine is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("conversation: generator is required")
	}
	opts = opts.withDefaults()

	o := &Orchestrator{
		store:         deps.Store,
		cache:         deps.Cache,
		sessions:      deps.Sessions,
		relationships: deps.Relationships,
		generator:     deps.Generator,
		embedder:      deps.Embedder,
		index:         deps.Index,
		summaries:     keylock.New(),
		opts:          opts,
		logger:        logger.Named(deps.Logger, "conversation"),
		metrics:       deps.Metrics,
		tracer:        otel.Tracer(tracerName),
	}
	o.fallback.Store(&opts.FallbackReply)
	if o.metrics == nil {
		o.metrics = metrics.NoOpManager()
	}
	if o.sessions == nil {
		o.sessions = session.NewManager(session.WithWindowSize(opts.WindowSize), session.WithClock(opts.Now))
	}
	if o.embedder != nil && o.index != nil {
		o.indexer = newIndexer(o.embedder, o.index, opts, o.logger, o.metrics)
	}
	return o, nil
}

// Sessions returns the session manager.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Options returns the effective options.
func (o *Orchestrator) Options() Options {
	opts := o.opts
	opts.FallbackReply = *o.fallback.Load()
	return opts
}

// SetFallbackReply replaces the reply sent when generation fails. Empty
// restores the default.
func (o *Orchestrator) SetFallbackReply(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = DefaultFallbackReply
	}
	o.fallback.Store(&text)
}

// Close drains the background indexer.
func (o *Orchestrator) Close() error {
	o.indexer.Close()
	return nil
}

// CreateConversation starts a conversation between userID and characterID.
// The session starts empty and the relationship is created on first contact.
func (o *Orchestrator) CreateConversation(ctx context.Context, userID, characterID string, convCtx json.RawMessage) (*storage.Conversation, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	if err := validateID("character_id", characterID); err != nil {
		return nil, err
	}
	if len(convCtx) > 0 && !json.Valid(convCtx) {
		return nil, invalid("context is not valid JSON")
	}

	now := o.opts.Now()
	conv := &storage.Conversation{
		ID:          uuid.NewString(),
		UserID:      userID,
		CharacterID: characterID,
		Context:     convCtx,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		return nil, storeError("create conversation", err)
	}
	o.cacheSet(ctx, cache.ConversationKey(conv.ID), conversationEntry{Conversation: conv})

	s := o.sessions.Reset(conv.ID)
	o.metrics.SetActiveSessions(o.sessions.Len())
	if rel, err := o.relationships.Get(ctx, userID, characterID); err != nil {
		o.logger.WarnContext(ctx, "relationship lookup failed", "conversation_id", conv.ID, "error", err)
	} else {
		s.SetRelationship(snapshotOf(rel))
	}

	o.logger.InfoContext(ctx, "conversation created", "conversation_id", conv.ID, "user_id", userID, "character_id", characterID)
	return conv, nil
}

// GetConversation returns the conversation if it belongs to userID.
func (o *Orchestrator) GetConversation(ctx context.Context, userID, conversationID string) (*storage.Conversation, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	return o.authorize(ctx, userID, conversationID)
}

// ListConversations lists userID's conversations, oldest first.
func (o *Orchestrator) ListConversations(ctx context.Context, userID string, filter *storage.ConversationFilter) ([]*storage.Conversation, int, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, 0, err
	}
	f := storage.ConversationFilter{}
	if filter != nil {
		f = *filter
	}
	f.UserID = userID
	convs, total, err := o.store.ListConversations(ctx, &f)
	if err != nil {
		return nil, 0, storeError("list conversations", err)
	}
	return convs, total, nil
}

// DeleteConversation removes a conversation, its messages and summaries,
// its cache entries, session and index entries.
func (o *Orchestrator) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	conv, err := o.authorize(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if err := o.store.DeleteConversation(ctx, conv.ID); err != nil {
		return storeError("delete conversation", err)
	}
	// The tombstone keeps a reader that loaded the conversation before the
	// delete from filling the cache with it.
	o.cacheSet(ctx, cache.ConversationKey(conv.ID), conversationEntry{Deleted: true})
	o.invalidate(ctx, cache.DerivedKeys(conv.ID)...)
	o.sessions.Delete(conv.ID)
	o.metrics.SetActiveSessions(o.sessions.Len())
	if o.index != nil {
		if err := o.index.DeleteConversation(ctx, conv.ID); err != nil {
			o.logger.WarnContext(ctx, "index cleanup failed", "conversation_id", conv.ID, "error", err)
		}
	}
	return nil
}

// SetScenario sets the active scenario of a conversation. Empty clears it.
func (o *Orchestrator) SetScenario(ctx context.Context, userID, conversationID, scenarioID string) error {
	conv, err := o.authorize(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	s, release, err := o.acquire(ctx, conv)
	if err != nil {
		return err
	}
	defer release()
	s.SetScenario(strings.TrimSpace(scenarioID))
	return nil
}

// RecordTurn persists a message from speaker, appends it to the context
// window and runs summarization when the message count reaches the cadence.
func (o *Orchestrator) RecordTurn(ctx context.Context, conversationID string, speaker storage.Sender, text string) (*Turn, error) {
	if !speaker.Valid() {
		return nil, invalid("unknown sender %q", speaker)
	}
	if strings.TrimSpace(text) == "" {
		return nil, invalid("message text is empty")
	}
	conv, err := o.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s, release, err := o.acquire(ctx, conv)
	if err != nil {
		return nil, err
	}
	turn, err := o.recordTurnLocked(ctx, conv, s, speaker, text)
	release()
	if err != nil {
		return nil, err
	}
	o.finishTurn(ctx, conv, turn)
	return turn, nil
}

// BuildGenerationPayload assembles the prompt for the next character reply.
func (o *Orchestrator) BuildGenerationPayload(ctx context.Context, conversationID string) (*Payload, error) {
	conv, err := o.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s, release, err := o.acquire(ctx, conv)
	if err != nil {
		return nil, err
	}
	defer release()
	return o.buildPayloadLocked(ctx, conv, s)
}

// Respond records the user's message, generates the character's reply and
// records it. A provider failure yields the fallback reply, which is not
// persisted. A cancelled ctx never persists a reply.
func (o *Orchestrator) Respond(ctx context.Context, userID, conversationID, text string) (*Reply, error) {
	ctx = logger.WithFields(ctx, "conversation_id", conversationID)
	ctx, span := o.tracer.Start(ctx, "conversation.respond",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	reply, err := o.respond(ctx, userID, conversationID, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("reply.fallback", reply.Fallback))
	return reply, nil
}

func (o *Orchestrator) respond(ctx context.Context, userID, conversationID, text string) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, invalid("message text is empty")
	}
	conv, err := o.authorize(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	s, release, err := o.acquire(ctx, conv)
	if err != nil {
		return nil, err
	}
	userTurn, err := o.recordTurnLocked(ctx, conv, s, storage.SenderUser, text)
	release()
	if err != nil {
		return nil, err
	}
	o.finishTurn(ctx, conv, userTurn)

	s, release, err = o.acquire(ctx, conv)
	if err != nil {
		return nil, err
	}
	payload, err := o.buildPayloadLocked(ctx, conv, s)
	release()
	if err != nil {
		return nil, err
	}

	out := &Reply{UserMessage: userTurn.Message, Summary: userTurn.Summary, Payload: payload}
	generated, err := o.generateReply(ctx, payload)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		o.logger.ErrorContext(ctx, "reply generation failed, using fallback", "error", err)
		out.Text = *o.fallback.Load()
		out.Fallback = true
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, release, err = o.acquire(ctx, conv)
	if err != nil {
		return nil, err
	}
	charTurn, err := o.recordTurnLocked(ctx, conv, s, storage.SenderCharacter, generated)
	release()
	if err != nil {
		return nil, err
	}
	o.finishTurn(ctx, conv, charTurn)
	out.Assistant = charTurn.Message
	out.Text = generated
	if charTurn.Summary != nil {
		out.Summary = charTurn.Summary
	}
	return out, nil
}

func (o *Orchestrator) generateReply(ctx context.Context, p *Payload) (string, error) {
	if o.opts.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.GenerationTimeout)
		defer cancel()
	}
	text, err := o.generate(ctx, provider.Request{
		Purpose:     provider.PurposeReply,
		System:      p.System,
		Prompt:      p.Prompt,
		MaxTokens:   p.MaxTokens,
		Temperature: o.opts.Temperature,
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", provider.ErrEmptyResponse
	}
	return text, nil
}

// generate calls the generator and records its latency and outcome.
func (o *Orchestrator) generate(ctx context.Context, req provider.Request) (string, error) {
	start := time.Now()
	text, err := o.generator.Complete(ctx, req)
	outcome := "ok"
	switch {
	case provider.IsTimeout(err):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	o.metrics.RecordGeneration(ctx, string(req.Purpose), outcome, time.Since(start))
	return text, err
}

// ListMessages returns the persisted messages of a conversation owned by userID.
func (o *Orchestrator) ListMessages(ctx context.Context, userID, conversationID string, filter *storage.MessageFilter) ([]*storage.Message, error) {
	conv, err := o.authorize(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := o.store.ListMessages(ctx, conv.ID, filter)
	if err != nil {
		return nil, storeError("list messages", err)
	}
	return msgs, nil
}

// ListSummaries returns every summary of a conversation, oldest first.
func (o *Orchestrator) ListSummaries(ctx context.Context, userID, conversationID string) ([]*storage.Summary, error) {
	conv, err := o.authorize(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	sums, err := o.store.ListSummaries(ctx, conv.ID)
	if err != nil {
		return nil, storeError("list summaries", err)
	}
	return sums, nil
}

// LatestSummary returns the newest summary of a conversation or ErrNotFound.
func (o *Orchestrator) LatestSummary(ctx context.Context, userID, conversationID string) (*storage.Summary, error) {
	conv, err := o.authorize(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	sum, err := o.latestSummary(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if sum == nil {
		return nil, fmt.Errorf("latest summary of %s: %w", conv.ID, ErrNotFound)
	}
	return sum, nil
}

func (o *Orchestrator) recordTurnLocked(ctx context.Context, conv *storage.Conversation, s *session.Session, speaker storage.Sender, text string) (*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg := &storage.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Sender:         speaker,
		Content:        text,
		CreatedAt:      o.opts.Now(),
	}
	count, err := o.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, storeError("append message", err)
	}
	s.Push(session.TurnFromMessage(msg))
	o.pushRecent(ctx, msg)
	o.indexer.Submit(msg)
	o.metrics.RecordTurn(string(speaker))

	turn := &Turn{Message: msg, Count: count}
	if count%int64(o.opts.SummaryEvery) == 0 {
		// The batch is fixed while appends are excluded; the provider calls
		// run in finishTurn once the turn scope is released.
		due, err := o.store.ListMessages(ctx, conv.ID, &storage.MessageFilter{Last: o.opts.SummaryEvery})
		if err != nil {
			o.logger.WarnContext(ctx, "summarization skipped, retrying at next cadence",
				"conversation_id", conv.ID, "count", count, "error", err)
		} else {
			turn.due = due
		}
	}
	return turn, nil
}

// finishTurn summarizes the batch a turn left due. It must run without the
// turn scope held.
func (o *Orchestrator) finishTurn(ctx context.Context, conv *storage.Conversation, turn *Turn) {
	if len(turn.due) == 0 {
		return
	}
	due := turn.due
	turn.due = nil

	sum, err := o.summarizeMessages(ctx, conv, due)
	switch {
	case errors.Is(err, errSummarized):
		o.logger.DebugContext(ctx, "batch already summarized", "conversation_id", conv.ID, "count", turn.Count)
	case err != nil:
		o.logger.WarnContext(ctx, "summarization failed, retrying at next cadence",
			"conversation_id", conv.ID, "count", turn.Count, "error", err)
	default:
		turn.Summary = sum
	}
}

// acquire takes the conversation's turn scope and hydrates the session on
// first use in this process. A session swept or deleted while the caller
// waited is dropped and the current one is taken instead.
func (o *Orchestrator) acquire(ctx context.Context, conv *storage.Conversation) (*session.Session, func(), error) {
	for {
		s, created := o.sessions.GetOrCreate(conv.ID)
		if created {
			o.metrics.SetActiveSessions(o.sessions.Len())
		}
		release, err := s.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		if cur, ok := o.sessions.Get(conv.ID); !ok || cur != s {
			release()
			continue
		}
		if !s.Hydrated() {
			if err := o.hydrate(ctx, conv, s); err != nil {
				release()
				return nil, nil, err
			}
		}
		return s, release, nil
	}
}

// hydrate rebuilds a lost window from the newest persisted messages.
func (o *Orchestrator) hydrate(ctx context.Context, conv *storage.Conversation, s *session.Session) error {
	msgs, err := o.recentMessages(ctx, conv.ID, s.WindowSize())
	if err != nil {
		return err
	}
	turns := make([]session.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, session.TurnFromMessage(m))
	}
	s.Hydrate(turns)
	o.logger.DebugContext(ctx, "session hydrated", "conversation_id", conv.ID, "turns", len(turns))
	return nil
}

// recentMessages reads the rolling list and falls back to the record store
// when it holds fewer than n messages.
func (o *Orchestrator) recentMessages(ctx context.Context, conversationID string, n int) ([]*storage.Message, error) {
	key := cache.RecentMessagesKey(conversationID)
	if o.cache != nil {
		raw, err := o.cache.RecentRange(ctx, key, n)
		switch {
		case err != nil:
			o.cacheFailed(ctx, "recent_range", err)
		case len(raw) >= n:
			msgs := make([]*storage.Message, 0, len(raw))
			for _, b := range raw {
				var m storage.Message
				if err := json.Unmarshal(b, &m); err != nil {
					msgs = nil
					break
				}
				msgs = append(msgs, &m)
			}
			if len(msgs) == len(raw) {
				o.metrics.RecordCacheHit(cache.KindRecentMessages)
				return msgs, nil
			}
		}
		o.metrics.RecordCacheMiss(cache.KindRecentMessages)
	}

	msgs, err := o.store.ListMessages(ctx, conversationID, &storage.MessageFilter{Last: n})
	if err != nil {
		return nil, storeError("list messages", err)
	}
	if o.cache != nil {
		o.invalidate(ctx, key)
		for _, m := range msgs {
			o.pushRecent(ctx, m)
		}
	}
	return msgs, nil
}

func (o *Orchestrator) pushRecent(ctx context.Context, m *storage.Message) {
	if o.cache == nil {
		return
	}
	key := cache.RecentMessagesKey(m.ConversationID)
	if err := cache.PushJSON(ctx, o.cache, key, m, o.opts.RecentListLen, o.opts.CacheTTL); err != nil {
		o.cacheFailed(ctx, "push_recent", err)
		o.invalidate(ctx, key)
	}
}

// conversation reads conversation metadata cache-aside.
func (o *Orchestrator) conversation(ctx context.Context, conversationID string) (*storage.Conversation, error) {
	if err := validateID("conversation_id", conversationID); err != nil {
		return nil, err
	}
	key := cache.ConversationKey(conversationID)
	if o.cache != nil {
		var entry conversationEntry
		err := cache.GetJSON(ctx, o.cache, key, &entry)
		switch {
		case err == nil && entry.Deleted:
			o.metrics.RecordCacheHit(cache.KindConversation)
			return nil, fmt.Errorf("get conversation %s: %w", conversationID, ErrNotFound)
		case err == nil && entry.Conversation != nil:
			o.metrics.RecordCacheHit(cache.KindConversation)
			return entry.Conversation, nil
		case err == nil, errors.Is(err, cache.ErrMiss):
			o.metrics.RecordCacheMiss(cache.KindConversation)
		default:
			o.cacheFailed(ctx, "get", err)
		}
	}
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storeError("get conversation", err)
	}
	o.cacheFill(ctx, key, conversationEntry{Conversation: conv})
	return conv, nil
}

// conversationEntry is the cached form of a conversation. Deleted marks a
// tombstone left by DeleteConversation.
type conversationEntry struct {
	Conversation *storage.Conversation `json:"conversation,omitempty"`
	Deleted      bool                  `json:"deleted,omitempty"`
}

// authorize loads the conversation and checks that userID owns it.
func (o *Orchestrator) authorize(ctx context.Context, userID, conversationID string) (*storage.Conversation, error) {
	conv, err := o.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrForbidden)
	}
	return conv, nil
}

// latestSummary reads the newest summary cache-aside. It returns nil when
// the conversation has none yet.
func (o *Orchestrator) latestSummary(ctx context.Context, conversationID string) (*storage.Summary, error) {
	key := cache.LatestSummaryKey(conversationID)
	if o.cache != nil {
		var sum storage.Summary
		err := cache.GetJSON(ctx, o.cache, key, &sum)
		switch {
		case err == nil:
			o.metrics.RecordCacheHit(cache.KindLatestSummary)
			return &sum, nil
		case errors.Is(err, cache.ErrMiss):
			o.metrics.RecordCacheMiss(cache.KindLatestSummary)
		default:
			o.cacheFailed(ctx, "get", err)
		}
	}
	sum, err := o.store.LatestSummary(ctx, conversationID)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("latest summary", err)
	}
	o.cacheFill(ctx, key, sum)
	return sum, nil
}

func (o *Orchestrator) cacheSet(ctx context.Context, key string, v any) {
	if o.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, o.cache, key, v, o.opts.CacheTTL); err != nil {
		o.cacheFailed(ctx, "set", err)
		o.invalidate(ctx, key)
	}
}

// cacheFill stores a value read from the record store unless a writer got
// there first.
func (o *Orchestrator) cacheFill(ctx context.Context, key string, v any) {
	if o.cache == nil {
		return
	}
	if _, err := cache.SetJSONIfAbsent(ctx, o.cache, key, v, o.opts.CacheTTL); err != nil {
		o.cacheFailed(ctx, "setnx", err)
	}
}

func (o *Orchestrator) invalidate(ctx context.Context, keys ...string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Invalidate(ctx, keys...); err != nil {
		o.cacheFailed(ctx, "invalidate", err)
	}
}

func (o *Orchestrator) cacheFailed(ctx context.Context, op string, err error) {
	o.logger.WarnContext(ctx, "cache unavailable, using record store", "op", op, "error", err)
	o.metrics.RecordCacheError(op)
}

func snapshotOf(r *storage.Relationship) session.RelationshipSnapshot {
	return session.RelationshipSnapshot{
		Affinity:         r.Affinity,
		Tier:             r.Type,
		Tone:             affinity.ToneLabel(r.Affinity),
		Nickname:         r.Nickname,
		InteractionCount: r.InteractionCount,
	}
}

func validateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("%s is required", field)
	}
	if strings.Contains(id, ":") {
		return invalid("%s must not contain ':'", field)
	}
	return nil
}
