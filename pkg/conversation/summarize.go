package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heartline/heartline/pkg/cache"
	"github.com/heartline/heartline/pkg/provider"
	"github.com/heartline/heartline/pkg/storage"
)

// errSummarized reports that a newer summary already covers the batch.
var errSummarized = errors.New("batch already summarized")

// Summarize summarizes the newest messages of a conversation owned by
// userID and applies the resulting affinity delta, regardless of cadence.
// When no message arrived since the latest summary, that summary is
// returned and affinity is left alone.
func (o *Orchestrator) Summarize(ctx context.Context, userID, conversationID string) (*storage.Summary, error) {
	conv, err := o.authorize(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := o.store.ListMessages(ctx, conv.ID, &storage.MessageFilter{Last: o.opts.SummaryEvery})
	if err != nil {
		return nil, storeError("list messages", err)
	}
	sum, err := o.summarizeMessages(ctx, conv, msgs)
	if errors.Is(err, errSummarized) {
		return o.latestSummary(ctx, conv.ID)
	}
	return sum, err
}

// summarizeMessages runs the provider calls for one batch. Batches of the
// same conversation are serialized so summaries stay in sequence order.
func (o *Orchestrator) summarizeMessages(ctx context.Context, conv *storage.Conversation, msgs []*storage.Message) (*storage.Summary, error) {
	if len(msgs) == 0 {
		return nil, invalid("conversation %s has no messages to summarize", conv.ID)
	}
	unlock, err := o.summaries.Lock(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, span := o.tracer.Start(ctx, "conversation.summarize",
		trace.WithAttributes(attribute.String("conversation.id", conv.ID)))
	defer span.End()

	sum, delta, err := o.summarize(ctx, conv, msgs)
	if errors.Is(err, errSummarized) {
		return nil, err
	}
	if err != nil {
		o.metrics.RecordSummarization("failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	o.metrics.RecordSummarization("ok")
	span.SetAttributes(attribute.Float64("affinity.delta", delta), attribute.Int64("summary.upto_seq", sum.UptoSeq))
	return sum, nil
}

func (o *Orchestrator) summarize(ctx context.Context, conv *storage.Conversation, msgs []*storage.Message) (*storage.Summary, float64, error) {
	upto := msgs[len(msgs)-1].Seq
	latest, err := o.store.LatestSummary(ctx, conv.ID)
	switch {
	case err == nil && latest.UptoSeq >= upto:
		return nil, 0, errSummarized
	case err != nil && !storage.IsNotFound(err):
		return nil, 0, storeError("latest summary", err)
	}

	prompt, err := renderTranscript(summaryTemplate, transcriptData{Messages: msgs})
	if err != nil {
		return nil, 0, fmt.Errorf("render summary prompt: %w", err)
	}
	text, err := o.generate(ctx, provider.Request{
		Purpose:     provider.PurposeSummary,
		System:      summarySystemPrompt,
		Prompt:      prompt,
		MaxTokens:   o.opts.SummaryMaxTokens,
		Temperature: o.opts.SummaryTemperature,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("summarize: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, 0, fmt.Errorf("summarize: %w", provider.ErrEmptyResponse)
	}

	sum := &storage.Summary{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Text:           text,
		UptoSeq:        upto,
		CreatedAt:      o.opts.Now(),
	}
	if err := o.store.AppendSummary(ctx, sum); err != nil {
		return nil, 0, storeError("append summary", err)
	}
	o.cacheSet(ctx, cache.LatestSummaryKey(conv.ID), sum)

	delta := o.score(ctx, conv.ID, sum.Text, msgs)
	rel, err := o.relationships.ApplyAffinityDelta(ctx, conv.UserID, conv.CharacterID, delta)
	if err != nil {
		// The summary stands; only the affinity update is lost.
		o.logger.ErrorContext(ctx, "affinity update after summary failed",
			"conversation_id", conv.ID, "delta", delta, "error", err)
		return sum, delta, nil
	}
	if s, ok := o.sessions.Get(conv.ID); ok {
		s.SetRelationship(snapshotOf(rel))
	}

	o.logger.InfoContext(ctx, "conversation summarized",
		"conversation_id", conv.ID, "upto_seq", sum.UptoSeq, "delta", delta,
		"affinity", rel.Affinity, "tier", rel.Type)
	return sum, delta, nil
}

// score asks the generator for an affinity delta. A failed call falls back
// to the keyword heuristic; an unparseable answer counts as no change.
func (o *Orchestrator) score(ctx context.Context, conversationID, summary string, msgs []*storage.Message) float64 {
	bound := o.opts.DeltaBound
	prompt, err := renderTranscript(scoreTemplate, transcriptData{Messages: msgs, Summary: summary, Bound: bound})
	if err != nil {
		o.logger.WarnContext(ctx, "render score prompt failed", "conversation_id", conversationID, "error", err)
		return keywordScore(msgs, bound)
	}
	reply, err := o.generate(ctx, provider.Request{
		Purpose:     provider.PurposeScore,
		System:      scoreSystemPrompt,
		Prompt:      prompt,
		MaxTokens:   8,
		Temperature: 0,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		delta := keywordScore(msgs, bound)
		o.logger.WarnContext(ctx, "affinity scoring failed, using keyword heuristic",
			"conversation_id", conversationID, "delta", delta, "error", err)
		return delta
	}
	delta, ok := parseScore(reply, bound)
	if !ok {
		o.logger.WarnContext(ctx, "unparseable affinity score", "conversation_id", conversationID, "reply", reply)
	}
	return delta
}
