package conversation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heartline/heartline/pkg/index"
	"github.com/heartline/heartline/pkg/session"
	"github.com/heartline/heartline/pkg/storage"
)

// Payload is everything sent to the generator for one reply.
type Payload struct {
	ConversationID string                       `json:"conversation_id"`
	Turns          []session.Turn               `json:"turns"`
	Summary        string                       `json:"summary"`
	HasSummary     bool                         `json:"has_summary"`
	Similar        []SimilarMessage             `json:"similar"`
	Relationship   session.RelationshipSnapshot `json:"relationship"`
	Nickname       string                       `json:"nickname"`
	Scenario       string                       `json:"scenario,omitempty"`
	System         string                       `json:"system"`
	Prompt         string                       `json:"prompt"`
	PromptTokens   int                          `json:"prompt_tokens"`
	MaxTokens      int                          `json:"max_tokens"`
	// Trimmed counts the trimming steps applied per stage.
	Trimmed map[string]int `json:"trimmed,omitempty"`
}

func (o *Orchestrator) buildPayloadLocked(ctx context.Context, conv *storage.Conversation, s *session.Session) (*Payload, error) {
	ctx, span := o.tracer.Start(ctx, "conversation.payload",
		trace.WithAttributes(attribute.String("conversation.id", conv.ID)))
	defer span.End()

	p, err := o.buildPayload(ctx, conv, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("payload.turns", len(p.Turns)),
		attribute.Int("payload.similar", len(p.Similar)),
		attribute.Int("payload.prompt_tokens", p.PromptTokens),
		attribute.Int("payload.max_tokens", p.MaxTokens),
	)
	return p, nil
}

func (o *Orchestrator) buildPayload(ctx context.Context, conv *storage.Conversation, s *session.Session) (*Payload, error) {
	turns := s.Turns()

	sum, err := o.latestSummary(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	// The relationship changes outside this conversation (nickname edits,
	// other conversations with the same character), so it is read every time.
	r, err := o.relationships.Get(ctx, conv.UserID, conv.CharacterID)
	if err != nil {
		return nil, err
	}
	rel := snapshotOf(r)
	s.SetRelationship(rel)
	nickname := o.opts.NicknameFallback
	if rel.Nickname != nil && *rel.Nickname != "" {
		nickname = *rel.Nickname
	}

	data := &promptData{
		Nickname: nickname,
		Tier:     string(rel.Tier),
		Tone:     rel.Tone,
		Affinity: rel.Affinity,
		Scenario: s.Scenario(),
		Similar:  o.similar(ctx, conv.ID, turns),
		Turns:    turns,
	}
	if sum != nil {
		data.Summary = sum.Text
	}

	b, err := fit(data, o.opts.SystemPrompt, o.opts.Tokenizer,
		o.opts.ContextLimitTokens, o.opts.MinOutputTokens, o.opts.MaxOutputTokens,
		o.metrics.RecordBudgetTrim)
	if err != nil {
		return nil, err
	}

	return &Payload{
		ConversationID: conv.ID,
		Turns:          data.Turns,
		Summary:        data.Summary,
		HasSummary:     sum != nil,
		Similar:        data.Similar,
		Relationship:   rel,
		Nickname:       nickname,
		Scenario:       data.Scenario,
		System:         o.opts.SystemPrompt,
		Prompt:         b.prompt,
		PromptTokens:   b.promptTokens,
		MaxTokens:      b.maxTokens,
		Trimmed:        b.trims,
	}, nil
}

// similar returns the past messages closest to the newest turn, excluding
// those already in the window. Index and embedding failures yield none.
func (o *Orchestrator) similar(ctx context.Context, conversationID string, turns []session.Turn) []SimilarMessage {
	if o.embedder == nil || o.index == nil || o.opts.SimilarTopK == 0 || len(turns) == 0 {
		return nil
	}
	query := turns[len(turns)-1].Text
	vec, err := o.embedder.Embed(ctx, query)
	if err != nil {
		o.logger.WarnContext(ctx, "embedding failed, skipping similar messages", "conversation_id", conversationID, "error", err)
		o.metrics.RecordIndexOperation("embed", "error")
		return nil
	}
	exclude := make([]string, 0, len(turns))
	for _, t := range turns {
		if t.ID != "" {
			exclude = append(exclude, t.ID)
		}
	}
	matches, err := o.index.Query(ctx, vec, index.Filter{ConversationID: conversationID, ExcludeIDs: exclude}, o.opts.SimilarTopK)
	if err != nil {
		o.logger.WarnContext(ctx, "index query failed, skipping similar messages", "conversation_id", conversationID, "error", err)
		o.metrics.RecordIndexOperation("query", "error")
		return nil
	}
	o.metrics.RecordIndexOperation("query", "ok")
	out := make([]SimilarMessage, 0, len(matches))
	for _, m := range matches {
		out = append(out, SimilarMessage{ID: m.ID, Sender: m.Metadata.Sender, Text: m.Metadata.Text, Score: m.Score})
	}
	return out
}
