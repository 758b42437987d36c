// Package memory provides an in-memory implementation of the storage interface.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/heartline/heartline/pkg/storage"
)

// MemoryStorage implements the Storage interface using in-memory maps.
type MemoryStorage struct {
	mu            sync.RWMutex
	relationships map[string]*storage.Relationship
	conversations map[string]*storage.Conversation
	messages      map[string][]*storage.Message // conversationID -> messages in seq order
	summaries     map[string][]*storage.Summary // conversationID -> summaries in append order
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		relationships: make(map[string]*storage.Relationship),
		conversations: make(map[string]*storage.Conversation),
		messages:      make(map[string][]*storage.Message),
		summaries:     make(map[string][]*storage.Summary),
	}
}

func relationshipKey(userID, characterID string) string {
	return userID + "\x00" + characterID
}

// CreateRelationship stores a new relationship.
func (m *MemoryStorage) CreateRelationship(ctx context.Context, r *storage.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := relationshipKey(r.UserID, r.CharacterID)
	if _, exists := m.relationships[key]; exists {
		return &storage.DuplicateKeyError{
			EntityType: "relationship",
			ID:         storage.RelationshipID(r.UserID, r.CharacterID),
		}
	}
	m.relationships[key] = r.Clone()
	return nil
}

// GetRelationship retrieves a relationship by its composite key.
func (m *MemoryStorage) GetRelationship(ctx context.Context, userID, characterID string) (*storage.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.relationships[relationshipKey(userID, characterID)]
	if !exists {
		return nil, &storage.NotFoundError{
			EntityType: "relationship",
			ID:         storage.RelationshipID(userID, characterID),
		}
	}
	return r.Clone(), nil
}

// SaveRelationship replaces an existing relationship.
func (m *MemoryStorage) SaveRelationship(ctx context.Context, r *storage.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := relationshipKey(r.UserID, r.CharacterID)
	if _, exists := m.relationships[key]; !exists {
		return &storage.NotFoundError{
			EntityType: "relationship",
			ID:         storage.RelationshipID(r.UserID, r.CharacterID),
		}
	}
	m.relationships[key] = r.Clone()
	return nil
}

// CreateConversation stores a new conversation.
func (m *MemoryStorage) CreateConversation(ctx context.Context, c *storage.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[c.ID]; exists {
		return &storage.DuplicateKeyError{EntityType: "conversation", ID: c.ID}
	}
	m.conversations[c.ID] = c.Clone()
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStorage) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, exists := m.conversations[id]
	if !exists {
		return nil, &storage.NotFoundError{EntityType: "conversation", ID: id}
	}
	return c.Clone(), nil
}

// ListConversations lists conversations with optional filtering and pagination,
// ordered by creation time.
func (m *MemoryStorage) ListConversations(ctx context.Context, filter *storage.ConversationFilter) ([]*storage.Conversation, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*storage.Conversation
	for _, c := range m.conversations {
		if filter.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	total := len(out)
	if filter != nil {
		out = storage.Paginate(out, filter.Limit, filter.Offset)
	}
	return out, total, nil
}

// DeleteConversation deletes a conversation with its messages and summaries.
func (m *MemoryStorage) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[id]; !exists {
		return &storage.NotFoundError{EntityType: "conversation", ID: id}
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	delete(m.summaries, id)
	return nil
}

// AppendMessage appends a message and returns the new message count.
func (m *MemoryStorage) AppendMessage(ctx context.Context, msg *storage.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[msg.ConversationID]; !exists {
		return 0, &storage.NotFoundError{EntityType: "conversation", ID: msg.ConversationID}
	}
	msgs := m.messages[msg.ConversationID]
	msg.Seq = int64(len(msgs)) + 1
	m.messages[msg.ConversationID] = append(msgs, msg.Clone())
	return msg.Seq, nil
}

// ListMessages returns messages of a conversation, oldest first.
func (m *MemoryStorage) ListMessages(ctx context.Context, conversationID string, filter *storage.MessageFilter) ([]*storage.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*storage.Message
	for _, msg := range m.messages[conversationID] {
		if filter != nil && msg.Seq <= filter.AfterSeq {
			continue
		}
		out = append(out, msg.Clone())
	}
	if filter != nil && filter.Last > 0 && len(out) > filter.Last {
		out = out[len(out)-filter.Last:]
	}
	return out, nil
}

// CountMessages returns the number of messages in a conversation.
func (m *MemoryStorage) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.messages[conversationID])), nil
}

// AppendSummary stores a new summary.
func (m *MemoryStorage) AppendSummary(ctx context.Context, s *storage.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[s.ConversationID]; !exists {
		return &storage.NotFoundError{EntityType: "conversation", ID: s.ConversationID}
	}
	copied := *s
	m.summaries[s.ConversationID] = append(m.summaries[s.ConversationID], &copied)
	return nil
}

// LatestSummary returns the most recently appended summary.
func (m *MemoryStorage) LatestSummary(ctx context.Context, conversationID string) (*storage.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := m.summaries[conversationID]
	if len(sums) == 0 {
		return nil, &storage.NotFoundError{EntityType: "summary", ID: conversationID}
	}
	copied := *sums[len(sums)-1]
	return &copied, nil
}

// ListSummaries returns all summaries of a conversation, oldest first.
func (m *MemoryStorage) ListSummaries(ctx context.Context, conversationID string) ([]*storage.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := m.summaries[conversationID]
	out := make([]*storage.Summary, len(sums))
	for i, s := range sums {
		copied := *s
		out[i] = &copied
	}
	return out, nil
}

// Ping always succeeds.
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close clears all data.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.relationships = make(map[string]*storage.Relationship)
	m.conversations = make(map[string]*storage.Conversation)
	m.messages = make(map[string][]*storage.Message)
	m.summaries = make(map[string][]*storage.Summary)
	return nil
}
