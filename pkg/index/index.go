// Package index provides the similarity index used to find past messages
// that resemble the current turn. The index is an optimization: callers
// treat every error from it as non-fatal.
package index

import (
	"context"
	"errors"

	"github.com/heartline/heartline/pkg/storage"
)

var (
	// ErrIndexUnavailable is returned by a closed index.
	ErrIndexUnavailable = errors.New("index unavailable")
	// ErrDimensionMismatch is returned for vectors of the wrong length.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Metadata travels with each vector.
type Metadata struct {
	ConversationID string         `json:"conversation_id"`
	Sender         storage.Sender `json:"sender"`
	Text           string         `json:"text"`
	Seq            int64          `json:"seq"`
}

// Filter restricts a query.
type Filter struct {
	// ConversationID scopes results to one conversation. Required.
	ConversationID string
	// ExcludeIDs drops these ids from the results.
	ExcludeIDs []string
}

// Match is one query result.
type Match struct {
	ID       string   `json:"id"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Index stores vectors and answers nearest-neighbor queries.
type Index interface {
	Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error
	Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]Match, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}
