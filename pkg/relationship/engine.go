// Package relationship owns the per user/character relationship record. All
// reads go through the cache-aside layer and every mutation is a per-key
// serialized read-modify-write-through against the record store.
package relationship

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heartline/heartline/pkg/affinity"
	"github.com/heartline/heartline/pkg/cache"
	"github.com/heartline/heartline/pkg/keylock"
	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/metrics"
	"github.com/heartline/heartline/pkg/storage"
)

const tracerName = "heartline.relationship"

// Engine reads and mutates relationship records.
type Engine struct {
	store      storage.Storage
	cache      cache.Store
	locks      *keylock.Map
	ttl        time.Duration
	deltaBound float64
	now        func() time.Time
	logger     logger.Logger
	metrics    *metrics.Manager
	tracer     trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithCacheTTL sets the TTL of cached relationship records.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

// WithDeltaBound sets the largest accepted |delta| for ApplyAffinityDelta.
func WithDeltaBound(bound float64) Option {
	return func(e *Engine) { e.deltaBound = bound }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.logger = logger.Named(l, "relationship") }
}

// WithMetrics sets the metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine. c may be nil, in which case every read goes to the
// record store.
func New(store storage.Storage, c cache.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		cache:      c,
		locks:      keylock.New(),
		ttl:        cache.DefaultTTL,
		deltaBound: affinity.DefaultDeltaBound,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.Nop(),
		metrics:    metrics.NoOpManager(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Get returns the relationship between userID and characterID, creating the
// default record (affinity 0, stranger) on first contact.
//
// A miss is filled under the per-key lock, the same scope writers hold from
// the store write through the cache write, so a fill never carries a record
// older than a completed update.
func (e *Engine) Get(ctx context.Context, userID, characterID string) (*storage.Relationship, error) {
	if err := validateIDs(userID, characterID); err != nil {
		return nil, err
	}
	key := cache.RelationshipKey(userID, characterID)
	if r, ok := e.readCache(ctx, key); ok {
		return r, nil
	}

	unlock, err := e.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if r, ok := e.readCache(ctx, key); ok {
		return r, nil
	}
	r, err := e.loadOrCreate(ctx, userID, characterID)
	if err != nil {
		return nil, err
	}
	e.writeCache(ctx, key, r)
	return r, nil
}

// ApplyAffinityDelta adds delta to the stored affinity, clamps the result,
// re-derives the tier and bumps the interaction count.
func (e *Engine) ApplyAffinityDelta(ctx context.Context, userID, characterID string, delta float64) (*storage.Relationship, error) {
	if err := affinity.ValidateDelta(delta, e.deltaBound); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := validateIDs(userID, characterID); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "relationship.apply_delta", trace.WithAttributes(
		attribute.String("relationship.user_id", userID),
		attribute.String("relationship.character_id", characterID),
		attribute.Float64("relationship.delta", delta),
	))
	defer span.End()

	var from affinity.Tier
	r, err := e.mutate(ctx, userID, characterID, func(r *storage.Relationship) error {
		from = r.Type
		r.Affinity, r.Type = affinity.Apply(r.Affinity, delta)
		r.InteractionCount++
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Float64("relationship.affinity", r.Affinity),
		attribute.String("relationship.tier", r.Type.String()),
	)
	e.metrics.RecordAffinityUpdate(delta)
	e.metrics.RecordTierTransition(from.String(), r.Type.String())
	if from != r.Type {
		e.logger.InfoContext(ctx, "relationship tier changed",
			"user_id", userID,
			"character_id", characterID,
			"from", from,
			"to", r.Type,
			"affinity", r.Affinity,
		)
	}
	return r, nil
}

// Patch is a partial update. Zero-valued fields are left untouched.
type Patch struct {
	// Nickname replaces the nickname when non-nil.
	Nickname *string
	// ClearNickname removes the nickname. It wins over Nickname.
	ClearNickname bool
	// Type overrides the derived tier when non-empty.
	Type affinity.Tier
	// CustomTraits are merged into the existing traits.
	CustomTraits map[string]float64
	// ConversationHistory replaces the opaque history blob when non-nil. A
	// JSON null clears it.
	ConversationHistory json.RawMessage
	// ClearConversationHistory removes the history. It wins over
	// ConversationHistory.
	ClearConversationHistory bool
}

// Update applies p under the relationship lock.
func (e *Engine) Update(ctx context.Context, userID, characterID string, p Patch) (*storage.Relationship, error) {
	if err := validateIDs(userID, characterID); err != nil {
		return nil, err
	}
	if p.Type != "" && !p.Type.Valid() {
		return nil, invalid("unknown relationship type %q", p.Type)
	}
	for k, v := range p.CustomTraits {
		if strings.TrimSpace(k) == "" {
			return nil, invalid("custom trait name must not be empty")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, invalid("custom trait %q is not a finite number", k)
		}
	}
	if p.ConversationHistory != nil && !json.Valid(p.ConversationHistory) {
		return nil, invalid("conversation history is not valid JSON")
	}

	return e.mutate(ctx, userID, characterID, func(r *storage.Relationship) error {
		switch {
		case p.ClearNickname:
			r.Nickname = nil
		case p.Nickname != nil:
			n := *p.Nickname
			r.Nickname = &n
		}
		if p.Type != "" {
			r.Type = p.Type
		}
		if len(p.CustomTraits) > 0 {
			if r.CustomTraits == nil {
				r.CustomTraits = make(map[string]float64, len(p.CustomTraits))
			}
			for k, v := range p.CustomTraits {
				r.CustomTraits[k] = v
			}
		}
		switch {
		case p.ClearConversationHistory || string(p.ConversationHistory) == "null":
			r.ConversationHistory = nil
		case p.ConversationHistory != nil:
			r.ConversationHistory = append(json.RawMessage(nil), p.ConversationHistory...)
		}
		return nil
	})
}

// SetNickname sets the nickname; nil clears it.
func (e *Engine) SetNickname(ctx context.Context, userID, characterID string, nickname *string) (*storage.Relationship, error) {
	return e.Update(ctx, userID, characterID, Patch{Nickname: nickname, ClearNickname: nickname == nil})
}

// SetTier overrides the relationship tier until the next affinity change
// re-derives it.
func (e *Engine) SetTier(ctx context.Context, userID, characterID string, tier affinity.Tier) (*storage.Relationship, error) {
	if tier == "" {
		return nil, invalid("relationship type must not be empty")
	}
	return e.Update(ctx, userID, characterID, Patch{Type: tier})
}

// MergeCustomTraits merges traits into the stored ones. Existing keys are
// overwritten, others are preserved.
func (e *Engine) MergeCustomTraits(ctx context.Context, userID, characterID string, traits map[string]float64) (*storage.Relationship, error) {
	return e.Update(ctx, userID, characterID, Patch{CustomTraits: traits})
}

// SetConversationHistory replaces the opaque conversation history blob. A nil
// history clears it.
func (e *Engine) SetConversationHistory(ctx context.Context, userID, characterID string, history json.RawMessage) (*storage.Relationship, error) {
	return e.Update(ctx, userID, characterID, Patch{ConversationHistory: history, ClearConversationHistory: history == nil})
}

// Invalidate drops the cached copy of a relationship.
func (e *Engine) Invalidate(ctx context.Context, userID, characterID string) error {
	if err := validateIDs(userID, characterID); err != nil {
		return err
	}
	if e.cache == nil {
		return nil
	}
	if err := e.cache.Invalidate(ctx, cache.RelationshipKey(userID, characterID)); err != nil {
		e.cacheFailed(ctx, "invalidate", err)
		return err
	}
	return nil
}

// mutate runs fn on the current record under the per-key lock, then writes
// the record store followed by the cache.
func (e *Engine) mutate(ctx context.Context, userID, characterID string, fn func(*storage.Relationship) error) (*storage.Relationship, error) {
	key := cache.RelationshipKey(userID, characterID)
	unlock, err := e.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The store is the source of truth inside the lock; a cached copy may
	// be stale if an earlier cache write failed.
	r, err := e.loadOrCreate(ctx, userID, characterID)
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	now := e.now()
	r.LastInteraction = now
	r.UpdatedAt = now

	if err := e.store.SaveRelationship(ctx, r); err != nil {
		return nil, storeError("save relationship", err)
	}
	e.writeCache(ctx, key, r)
	return r, nil
}

// lock takes the per-key lock and keeps the lock gauge current.
func (e *Engine) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	e.metrics.SetRelationshipLocks(e.locks.Len())
	return func() {
		unlock()
		e.metrics.SetRelationshipLocks(e.locks.Len())
	}, nil
}

func (e *Engine) loadOrCreate(ctx context.Context, userID, characterID string) (*storage.Relationship, error) {
	r, err := e.store.GetRelationship(ctx, userID, characterID)
	if err == nil {
		return r, nil
	}
	if !storage.IsNotFound(err) {
		return nil, storeError("get relationship", err)
	}

	r = storage.NewRelationship(userID, characterID, e.now())
	err = e.store.CreateRelationship(ctx, r)
	switch {
	case err == nil:
		e.logger.DebugContext(ctx, "relationship created", "user_id", userID, "character_id", characterID)
		return r, nil
	case storage.IsDuplicate(err):
		// Lost the insert race; the winner's record is authoritative.
		r, err = e.store.GetRelationship(ctx, userID, characterID)
		if err != nil {
			return nil, storeError("get relationship", err)
		}
		return r, nil
	default:
		return nil, storeError("create relationship", err)
	}
}

func (e *Engine) readCache(ctx context.Context, key string) (*storage.Relationship, bool) {
	if e.cache == nil {
		return nil, false
	}
	var r storage.Relationship
	err := cache.GetJSON(ctx, e.cache, key, &r)
	switch {
	case err == nil:
		e.metrics.RecordCacheHit(cache.KindRelationship)
		return &r, true
	case errors.Is(err, cache.ErrMiss):
		e.metrics.RecordCacheMiss(cache.KindRelationship)
	default:
		e.cacheFailed(ctx, "get", err)
	}
	return nil, false
}

func (e *Engine) writeCache(ctx context.Context, key string, r *storage.Relationship) {
	if e.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, e.cache, key, r, e.ttl); err != nil {
		e.cacheFailed(ctx, "set", err)
		// Never leave an older value behind a newer write.
		if err := e.cache.Invalidate(ctx, key); err != nil {
			e.cacheFailed(ctx, "invalidate", err)
		}
	}
}

func (e *Engine) cacheFailed(ctx context.Context, op string, err error) {
	e.metrics.RecordCacheError(op)
	e.logger.WarnContext(ctx, "relationship cache unavailable", "op", op, "error", err)
}

func validateIDs(userID, characterID string) error {
	if strings.TrimSpace(userID) == "" {
		return invalid("user id must not be empty")
	}
	if strings.TrimSpace(characterID) == "" {
		return invalid("character id must not be empty")
	}
	if strings.Contains(userID, ":") || strings.Contains(characterID, ":") {
		return invalid("ids must not contain ':'")
	}
	return nil
}
