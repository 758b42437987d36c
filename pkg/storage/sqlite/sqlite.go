// Package sqlite provides a SQLite-based implementation of the storage interface.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/heartline/heartline/pkg/affinity"
	"github.com/heartline/heartline/pkg/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds configuration for SQLiteStorage.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// SQLiteStorage implements the Storage interface on a single SQLite file.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens the database at cfg.Path and applies pending migrations.
func NewSQLiteStorage(cfg *Config) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	// One connection: SQLite has a single writer, and database/sql then
	// serializes callers instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &storage.StorageUnavailableError{Cause: fmt.Errorf("set pragma %q: %w", pragma, err)}
		}
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil || version <= current {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now().UnixNano(), strings.TrimSuffix(parts[1], ".sql"),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}

// isConstraint reports whether err is a primary key or unique violation.
func isConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

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

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return string(data), nil
}

func rawOrNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullToRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

const relationshipColumns = `user_id, character_id, affinity, relationship_type, nickname,
	interaction_count, last_interaction, conversation_memory, learning_rate,
	custom_traits, conversation_history, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRelationship(row scanner) (*storage.Relationship, error) {
	var (
		r                            storage.Relationship
		tier, traits                 string
		nickname, history            sql.NullString
		lastInteraction, created, up int64
	)
	err := row.Scan(&r.UserID, &r.CharacterID, &r.Affinity, &tier, &nickname,
		&r.InteractionCount, &lastInteraction, &r.ConversationMemory, &r.LearningRate,
		&traits, &history, &created, &up)
	if err != nil {
		return nil, err
	}
	r.Type = affinity.Tier(tier)
	if nickname.Valid {
		n := nickname.String
		r.Nickname = &n
	}
	r.CustomTraits = map[string]float64{}
	if traits != "" {
		if err := json.Unmarshal([]byte(traits), &r.CustomTraits); err != nil {
			return nil, &storage.SerializationError{Operation: "unmarshal", Cause: err}
		}
	}
	r.ConversationHistory = nullToRaw(history)
	r.LastInteraction = fromNanos(lastInteraction)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(up)
	return &r, nil
}

func relationshipArgs(r *storage.Relationship) ([]any, error) {
	traits := r.CustomTraits
	if traits == nil {
		traits = map[string]float64{}
	}
	traitsJSON, err := marshalJSON(traits)
	if err != nil {
		return nil, err
	}
	var nickname sql.NullString
	if r.Nickname != nil {
		nickname = sql.NullString{String: *r.Nickname, Valid: true}
	}
	return []any{
		r.Affinity, string(r.Type), nickname, r.InteractionCount, nanos(r.LastInteraction),
		r.ConversationMemory, r.LearningRate, traitsJSON, rawOrNull(r.ConversationHistory),
		nanos(r.CreatedAt), nanos(r.UpdatedAt),
	}, nil
}

// CreateRelationship stores a new relationship.
func (s *SQLiteStorage) CreateRelationship(ctx context.Context, r *storage.Relationship) error {
	args, err := relationshipArgs(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO relationships (`+relationshipColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{r.UserID, r.CharacterID}, args...)...)
	if isConstraint(err) {
		return &storage.DuplicateKeyError{
			EntityType: "relationship",
			ID:         storage.RelationshipID(r.UserID, r.CharacterID),
		}
	}
	return wrap(err)
}

// GetRelationship retrieves a relationship by its composite key.
func (s *SQLiteStorage) GetRelationship(ctx context.Context, userID, characterID string) (*storage.Relationship, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE user_id = ? AND character_id = ?`,
		userID, characterID)
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.NotFoundError{
			EntityType: "relationship",
			ID:         storage.RelationshipID(userID, characterID),
		}
	}
	if err != nil {
		return nil, wrap(err)
	}
	return r, nil
}

// SaveRelationship replaces an existing relationship.
func (s *SQLiteStorage) SaveRelationship(ctx context.Context, r *storage.Relationship) error {
	args, err := relationshipArgs(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE relationships SET
			affinity = ?, relationship_type = ?, nickname = ?, interaction_count = ?,
			last_interaction = ?, conversation_memory = ?, learning_rate = ?,
			custom_traits = ?, conversation_history = ?, created_at = ?, updated_at = ?
		WHERE user_id = ? AND character_id = ?`,
		append(args, r.UserID, r.CharacterID)...)
	if err != nil {
		return wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(err)
	}
	if n == 0 {
		return &storage.NotFoundError{
			EntityType: "relationship",
			ID:         storage.RelationshipID(r.UserID, r.CharacterID),
		}
	}
	return nil
}

// CreateConversation stores a new conversation.
func (s *SQLiteStorage) CreateConversation(ctx context.Context, c *storage.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, character_id, context, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.CharacterID, rawOrNull(c.Context), rawOrNull(c.State),
		nanos(c.CreatedAt), nanos(c.UpdatedAt))
	if isConstraint(err) {
		return &storage.DuplicateKeyError{EntityType: "conversation", ID: c.ID}
	}
	return wrap(err)
}

func scanConversation(row scanner) (*storage.Conversation, error) {
	var (
		c                storage.Conversation
		ctxJSON, state   sql.NullString
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.CharacterID, &ctxJSON, &state, &created, &updated); err != nil {
		return nil, err
	}
	c.Context = nullToRaw(ctxJSON)
	c.State = nullToRaw(state)
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStorage) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, character_id, context, state, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.NotFoundError{EntityType: "conversation", ID: id}
	}
	if err != nil {
		return nil, wrap(err)
	}
	return c, nil
}

// ListConversations lists conversations with optional filtering and pagination.
func (s *SQLiteStorage) ListConversations(ctx context.Context, filter *storage.ConversationFilter) ([]*storage.Conversation, int, error) {
	var (
		where []string
		args  []any
	)
	if filter != nil && filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter != nil && filter.CharacterID != "" {
		where = append(where, "character_id = ?")
		args = append(args, filter.CharacterID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations"+clause, args...).Scan(&total); err != nil {
		return nil, 0, wrap(err)
	}

	query := `SELECT id, user_id, character_id, context, state, created_at, updated_at
		FROM conversations` + clause + ` ORDER BY created_at, id`
	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, wrap(err)
	}
	defer rows.Close()

	var out []*storage.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, wrap(err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap(err)
	}
	return out, total, nil
}

// DeleteConversation deletes a conversation with its messages and summaries.
func (s *SQLiteStorage) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(err)
	}
	if n == 0 {
		return &storage.NotFoundError{EntityType: "conversation", ID: id}
	}
	for _, stmt := range []string{
		"DELETE FROM messages WHERE conversation_id = ?",
		"DELETE FROM summaries WHERE conversation_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return wrap(err)
		}
	}
	return wrap(tx.Commit())
}

// AppendMessage appends a message and returns the new message count.
func (s *SQLiteStorage) AppendMessage(ctx context.Context, m *storage.Message) (int64, error) {
	var metadata sql.NullString
	if len(m.Metadata) > 0 {
		data, err := marshalJSON(m.Metadata)
		if err != nil {
			return 0, err
		}
		metadata = sql.NullString{String: data, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap(err)
	}
	defer tx.Rollback()

	var found int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM conversations WHERE id = ?", m.ConversationID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &storage.NotFoundError{EntityType: "conversation", ID: m.ConversationID}
	}
	if err != nil {
		return 0, wrap(err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?",
		m.ConversationID).Scan(&seq); err != nil {
		return 0, wrap(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, id, sender, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, seq, m.ID, string(m.Sender), m.Content, metadata, nanos(m.CreatedAt))
	if err != nil {
		return 0, wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrap(err)
	}
	m.Seq = seq
	return seq, nil
}

// ListMessages returns messages of a conversation, oldest first.
func (s *SQLiteStorage) ListMessages(ctx context.Context, conversationID string, filter *storage.MessageFilter) ([]*storage.Message, error) {
	var after int64
	last := -1
	if filter != nil {
		after = filter.AfterSeq
		if filter.Last > 0 {
			last = filter.Last
		}
	}

	// Take the newest rows in descending order, then flip.
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, seq, id, sender, content, metadata, created_at
		 FROM messages WHERE conversation_id = ? AND seq > ?
		 ORDER BY seq DESC LIMIT ?`,
		conversationID, after, last)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []*storage.Message
	for rows.Next() {
		var (
			m        storage.Message
			sender   string
			metadata sql.NullString
			created  int64
		)
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.ID, &sender, &m.Content, &metadata, &created); err != nil {
			return nil, wrap(err)
		}
		m.Sender = storage.Sender(sender)
		m.CreatedAt = fromNanos(created)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, &storage.SerializationError{Operation: "unmarshal", Cause: err}
			}
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountMessages returns the number of messages in a conversation.
func (s *SQLiteStorage) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&n)
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

// AppendSummary stores a new summary.
func (s *SQLiteStorage) AppendSummary(ctx context.Context, sum *storage.Summary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (id, conversation_id, text, upto_seq, created_at)
		 SELECT ?, id, ?, ?, ? FROM conversations WHERE id = ?`,
		sum.ID, sum.Text, sum.UptoSeq, nanos(sum.CreatedAt), sum.ConversationID)
	if err != nil {
		return wrap(err)
	}
	// The INSERT ... SELECT inserts nothing for an unknown conversation.
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversations WHERE id = ?", sum.ConversationID).Scan(&n); err != nil {
		return wrap(err)
	}
	if n == 0 {
		return &storage.NotFoundError{EntityType: "conversation", ID: sum.ConversationID}
	}
	return nil
}

const summaryColumns = "id, conversation_id, text, upto_seq, created_at"

func scanSummary(row scanner) (*storage.Summary, error) {
	var (
		sum     storage.Summary
		created int64
	)
	if err := row.Scan(&sum.ID, &sum.ConversationID, &sum.Text, &sum.UptoSeq, &created); err != nil {
		return nil, err
	}
	sum.CreatedAt = fromNanos(created)
	return &sum, nil
}

// LatestSummary returns the most recently appended summary.
func (s *SQLiteStorage) LatestSummary(ctx context.Context, conversationID string) (*storage.Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM summaries WHERE conversation_id = ? ORDER BY pk DESC LIMIT 1`,
		conversationID)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.NotFoundError{EntityType: "summary", ID: conversationID}
	}
	if err != nil {
		return nil, wrap(err)
	}
	return sum, nil
}

// ListSummaries returns all summaries of a conversation, oldest first.
func (s *SQLiteStorage) ListSummaries(ctx context.Context, conversationID string) ([]*storage.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+summaryColumns+` FROM summaries WHERE conversation_id = ? ORDER BY pk`,
		conversationID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []*storage.Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, wrap(err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

// Ping checks the database connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
