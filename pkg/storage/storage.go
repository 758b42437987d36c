// Package storage provides the record store abstraction for relationships,
// conversations, messages and summaries.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/heartline/heartline/pkg/affinity"
)

// Storage defines the interface for the authoritative record store.
// Lookups of absent records return *NotFoundError.
type Storage interface {
	// Relationship operations
	CreateRelationship(ctx context.Context, r *Relationship) error
	GetRelationship(ctx context.Context, userID, characterID string) (*Relationship, error)
	SaveRelationship(ctx context.Context, r *Relationship) error

	// Conversation operations
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, filter *ConversationFilter) ([]*Conversation, int, error)
	DeleteConversation(ctx context.Context, id string) error

	// Message operations. AppendMessage assigns m.Seq and returns the
	// conversation's message count after the insert.
	AppendMessage(ctx context.Context, m *Message) (int64, error)
	ListMessages(ctx context.Context, conversationID string, filter *MessageFilter) ([]*Message, error)
	CountMessages(ctx context.Context, conversationID string) (int64, error)

	// Summary operations
	AppendSummary(ctx context.Context, s *Summary) error
	LatestSummary(ctx context.Context, conversationID string) (*Summary, error)
	ListSummaries(ctx context.Context, conversationID string) ([]*Summary, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderCharacter Sender = "character"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderCharacter
}

// Relationship is the persisted state between one user and one character.
type Relationship struct {
	UserID              string             `json:"user_id"`
	CharacterID         string             `json:"character_id"`
	Affinity            float64            `json:"affinity"`
	Type                affinity.Tier      `json:"relationship_type"`
	Nickname            *string            `json:"nickname,omitempty"`
	InteractionCount    int64              `json:"interaction_count"`
	LastInteraction     time.Time          `json:"last_interaction"`
	ConversationMemory  int                `json:"conversation_memory"`
	LearningRate        float64            `json:"learning_rate"`
	CustomTraits        map[string]float64 `json:"custom_traits"`
	ConversationHistory json.RawMessage    `json:"conversation_history,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	c := *r
	if r.Nickname != nil {
		n := *r.Nickname
		c.Nickname = &n
	}
	if r.CustomTraits != nil {
		c.CustomTraits = make(map[string]float64, len(r.CustomTraits))
		for k, v := range r.CustomTraits {
			c.CustomTraits[k] = v
		}
	}
	if r.ConversationHistory != nil {
		c.ConversationHistory = append(json.RawMessage(nil), r.ConversationHistory...)
	}
	return &c
}

// Conversation is the metadata of a single chat thread.
type Conversation struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	CharacterID string          `json:"character_id"`
	Context     json.RawMessage `json:"context,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Context != nil {
		out.Context = append(json.RawMessage(nil), c.Context...)
	}
	if c.State != nil {
		out.State = append(json.RawMessage(nil), c.State...)
	}
	return &out
}

// Message is a single persisted chat message.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Seq            int64             `json:"seq"`
	Sender         Sender            `json:"sender"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Summary is an append-only condensed view of a span of messages. The
// newest summary of a conversation supersedes older ones.
type Summary struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	UptoSeq        int64     `json:"upto_seq"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationFilter defines filtering options for listing conversations.
type ConversationFilter struct {
	UserID      string `json:"user_id,omitempty"`
	CharacterID string `json:"character_id,omitempty"`
	Limit       int    `json:"limit"`
	Offset      int    `json:"offset"`
}

// Matches reports whether c passes the filter's field predicates.
func (f *ConversationFilter) Matches(c *Conversation) bool {
	if f == nil {
		return true
	}
	if f.UserID != "" && c.UserID != f.UserID {
		return false
	}
	if f.CharacterID != "" && c.CharacterID != f.CharacterID {
		return false
	}
	return true
}

// MessageFilter selects a window of messages. Results are always returned
// oldest first.
type MessageFilter struct {
	// Last keeps only the newest Last messages. Zero means all.
	Last int `json:"last"`
	// AfterSeq keeps only messages with Seq greater than AfterSeq.
	AfterSeq int64 `json:"after_seq"`
}

// Paginate applies limit/offset to items and returns the page.
func Paginate[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		return items
	}
	start := offset
	end := offset + limit
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// NewRelationship returns the default record created on first contact.
func NewRelationship(userID, characterID string, now time.Time) *Relationship {
	return &Relationship{
		UserID:             userID,
		CharacterID:        characterID,
		Affinity:           0,
		Type:               affinity.TierStranger,
		ConversationMemory: 0,
		LearningRate:       0,
		CustomTraits:       map[string]float64{},
		LastInteraction:    now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// RelationshipID formats the composite key of a relationship for errors.
func RelationshipID(userID, characterID string) string {
	return userID + "/" + characterID
}

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// DuplicateKeyError indicates that an entity with the given ID already exists.
type DuplicateKeyError struct {
	EntityType string
	ID         string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.EntityType, e.ID)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// IsNotFound reports whether err is a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsDuplicate reports whether err is a *DuplicateKeyError.
func IsDuplicate(err error) bool {
	var dk *DuplicateKeyError
	return errors.As(err, &dk)
}
