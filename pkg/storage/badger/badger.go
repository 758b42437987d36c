// Package badger provides a Badger-based implementation of the storage interface.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/heartline/heartline/pkg/storage"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
	// InMemory runs badger without touching disk. Path is ignored.
	InMemory bool
}

// BadgerStorage implements the Storage interface using Badger.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
}

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return &BadgerStorage{
		db:     db,
		config: config,
	}, nil
}

// Key generation functions
func relationshipKey(userID, characterID string) []byte {
	return []byte(fmt.Sprintf("relationship:%s:%s", userID, characterID))
}

func conversationKey(id string) []byte {
	return []byte(fmt.Sprintf("conversation:%s", id))
}

func sequenceKey(conversationID string) []byte {
	return []byte(fmt.Sprintf("seq:%s", conversationID))
}

func messagePrefix(conversationID string) []byte {
	return []byte(fmt.Sprintf("message:%s:", conversationID))
}

func messageKey(conversationID string, seq int64) []byte {
	return []byte(fmt.Sprintf("message:%s:%020d", conversationID, seq))
}

func summaryPrefix(conversationID string) []byte {
	return []byte(fmt.Sprintf("summary:%s:", conversationID))
}

func summaryKey(conversationID string, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("summary:%s:%020d:%s", conversationID, createdAt.UnixNano(), id))
}

// Serialization helpers
func serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{
			Operation: "marshal",
			Cause:     err,
		}
	}
	return data, nil
}

func deserialize(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{
			Operation: "unmarshal",
			Cause:     err,
		}
	}
	return nil
}

// wrap converts raw badger failures into StorageUnavailableError, leaving
// domain errors untouched.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var nf *storage.NotFoundError
	var dk *storage.DuplicateKeyError
	var se *storage.SerializationError
	if errors.As(err, &nf) || errors.As(err, &dk) || errors.As(err, &se) {
		return err
	}
	return &storage.StorageUnavailableError{Cause: err}
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return deserialize(val, v)
	})
}

// CreateRelationship stores a new relationship.
func (b *BadgerStorage) CreateRelationship(ctx context.Context, r *storage.Relationship) error {
	data, err := serialize(r)
	if err != nil {
		return err
	}

	key := relationshipKey(r.UserID, r.CharacterID)
	dup := &storage.DuplicateKeyError{
		EntityType: "relationship",
		ID:         storage.RelationshipID(r.UserID, r.CharacterID),
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, key)
		if err != nil {
			return err
		}
		if ok {
			return dup
		}
		return txn.Set(key, data)
	})
	// A conflicting commit means another writer created the key first.
	if errors.Is(err, badger.ErrConflict) {
		return dup
	}
	return wrap(err)
}

// GetRelationship retrieves a relationship by its composite key.
func (b *BadgerStorage) GetRelationship(ctx context.Context, userID, characterID string) (*storage.Relationship, error) {
	var r storage.Relationship

	err := b.db.View(func(txn *badger.Txn) error {
		err := getJSON(txn, relationshipKey(userID, characterID), &r)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &storage.NotFoundError{
				EntityType: "relationship",
				ID:         storage.RelationshipID(userID, characterID),
			}
		}
		return err
	})
	if err != nil {
		return nil, wrap(err)
	}
	return &r, nil
}

// SaveRelationship replaces an existing relationship.
func (b *BadgerStorage) SaveRelationship(ctx context.Context, r *storage.Relationship) error {
	data, err := serialize(r)
	if err != nil {
		return err
	}

	key := relationshipKey(r.UserID, r.CharacterID)
	return wrap(b.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, key)
		if err != nil {
			return err
		}
		if !ok {
			return &storage.NotFoundError{
				EntityType: "relationship",
				ID:         storage.RelationshipID(r.UserID, r.CharacterID),
			}
		}
		return txn.Set(key, data)
	}))
}

// CreateConversation stores a new conversation.
func (b *BadgerStorage) CreateConversation(ctx context.Context, c *storage.Conversation) error {
	data, err := serialize(c)
	if err != nil {
		return err
	}

	dup := &storage.DuplicateKeyError{EntityType: "conversation", ID: c.ID}
	err = b.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, conversationKey(c.ID))
		if err != nil {
			return err
		}
		if ok {
			return dup
		}
		return txn.Set(conversationKey(c.ID), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return dup
	}
	return wrap(err)
}

// GetConversation retrieves a conversation by ID.
func (b *BadgerStorage) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	var c storage.Conversation

	err := b.db.View(func(txn *badger.Txn) error {
		err := getJSON(txn, conversationKey(id), &c)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &storage.NotFoundError{EntityType: "conversation", ID: id}
		}
		return err
	})
	if err != nil {
		return nil, wrap(err)
	}
	return &c, nil
}

// ListConversations lists conversations with optional filtering and pagination.
func (b *BadgerStorage) ListConversations(ctx context.Context, filter *storage.ConversationFilter) ([]*storage.Conversation, int, error) {
	var convs []*storage.Conversation

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("conversation:")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c storage.Conversation
			err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &c)
			})
			if err != nil {
				continue
			}
			if filter.Matches(&c) {
				convs = append(convs, &c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, wrap(err)
	}

	sort.Slice(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].CreatedAt.Before(convs[j].CreatedAt)
	})

	total := len(convs)
	if filter != nil {
		convs = storage.Paginate(convs, filter.Limit, filter.Offset)
	}
	return convs, total, nil
}

// DeleteConversation deletes a conversation with its messages and summaries.
func (b *BadgerStorage) DeleteConversation(ctx context.Context, id string) error {
	return wrap(b.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, conversationKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return &storage.NotFoundError{EntityType: "conversation", ID: id}
		}

		if err := txn.Delete(conversationKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(sequenceKey(id)); err != nil {
			return err
		}

		for _, prefix := range [][]byte{messagePrefix(id), summaryPrefix(id)} {
			if err := deletePrefix(txn, prefix); err != nil {
				return err
			}
		}
		return nil
	}))
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func readSeq(txn *badger.Txn, conversationID string) (int64, error) {
	item, err := txn.Get(sequenceKey(conversationID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return &storage.SerializationError{Operation: "sequence", Cause: fmt.Errorf("bad length %d", len(val))}
		}
		seq = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return seq, err
}

// AppendMessage appends a message and returns the new message count.
// Concurrent appends to one conversation conflict in badger and are retried.
func (b *BadgerStorage) AppendMessage(ctx context.Context, m *storage.Message) (int64, error) {
	for {
		seq, err := b.appendMessage(m)
		if errors.Is(err, badger.ErrConflict) {
			if ctx.Err() != nil {
				return 0, wrap(ctx.Err())
			}
			continue
		}
		if err != nil {
			return 0, wrap(err)
		}
		return seq, nil
	}
}

func (b *BadgerStorage) appendMessage(m *storage.Message) (int64, error) {
	var seq int64
	err := b.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, conversationKey(m.ConversationID))
		if err != nil {
			return err
		}
		if !ok {
			return &storage.NotFoundError{EntityType: "conversation", ID: m.ConversationID}
		}

		current, err := readSeq(txn, m.ConversationID)
		if err != nil {
			return err
		}
		seq = current + 1

		stored := m.Clone()
		stored.Seq = seq
		data, err := serialize(stored)
		if err != nil {
			return err
		}
		if err := txn.Set(messageKey(m.ConversationID, seq), data); err != nil {
			return err
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(seq))
		return txn.Set(sequenceKey(m.ConversationID), buf)
	})
	if err != nil {
		return 0, err
	}
	m.Seq = seq
	return seq, nil
}

// ListMessages returns messages of a conversation, oldest first.
func (b *BadgerStorage) ListMessages(ctx context.Context, conversationID string, filter *storage.MessageFilter) ([]*storage.Message, error) {
	var msgs []*storage.Message

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(conversationID)

		it := txn.NewIterator(opts)
		defer it.Close()

		start := opts.Prefix
		if filter != nil && filter.AfterSeq > 0 {
			start = messageKey(conversationID, filter.AfterSeq+1)
		}
		for it.Seek(start); it.Valid(); it.Next() {
			var m storage.Message
			err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &m)
			})
			if err != nil {
				return err
			}
			msgs = append(msgs, &m)
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}

	if filter != nil && filter.Last > 0 && len(msgs) > filter.Last {
		msgs = msgs[len(msgs)-filter.Last:]
	}
	return msgs, nil
}

// CountMessages returns the number of messages in a conversation.
func (b *BadgerStorage) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		seq, err = readSeq(txn, conversationID)
		return err
	})
	if err != nil {
		return 0, wrap(err)
	}
	return seq, nil
}

// AppendSummary stores a new summary.
func (b *BadgerStorage) AppendSummary(ctx context.Context, s *storage.Summary) error {
	data, err := serialize(s)
	if err != nil {
		return err
	}

	return wrap(b.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, conversationKey(s.ConversationID))
		if err != nil {
			return err
		}
		if !ok {
			return &storage.NotFoundError{EntityType: "conversation", ID: s.ConversationID}
		}
		return txn.Set(summaryKey(s.ConversationID, s.CreatedAt, s.ID), data)
	}))
}

// LatestSummary returns the most recent summary of a conversation.
func (b *BadgerStorage) LatestSummary(ctx context.Context, conversationID string) (*storage.Summary, error) {
	var sum *storage.Summary

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = summaryPrefix(conversationID)

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the greatest key <= the seek key.
		seek := append(summaryPrefix(conversationID), 0xFF)
		it.Seek(seek)
		if !it.Valid() {
			return &storage.NotFoundError{EntityType: "summary", ID: conversationID}
		}
		var s storage.Summary
		if err := it.Item().Value(func(val []byte) error {
			return deserialize(val, &s)
		}); err != nil {
			return err
		}
		sum = &s
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	return sum, nil
}

// ListSummaries returns all summaries of a conversation, oldest first.
func (b *BadgerStorage) ListSummaries(ctx context.Context, conversationID string) ([]*storage.Summary, error) {
	var sums []*storage.Summary

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = summaryPrefix(conversationID)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var s storage.Summary
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &s)
			}); err != nil {
				return err
			}
			sums = append(sums, &s)
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	return sums, nil
}

// Ping reports whether the database is open.
func (b *BadgerStorage) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return &storage.StorageUnavailableError{Cause: errors.New("badger: database closed")}
	}
	return nil
}

// Close closes the Badger database.
func (b *BadgerStorage) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	// Value log GC is best effort; ErrNoRewrite just means nothing to collect.
	_ = b.db.RunValueLogGC(0.5)

	return b.db.Close()
}
