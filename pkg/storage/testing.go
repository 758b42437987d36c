package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/heartline/heartline/pkg/affinity"
)

// StorageTestSuite defines a test suite that can be run against any Storage implementation.
type StorageTestSuite struct {
	NewStorage func(t *testing.T) Storage
}

// RunAllTests runs all storage tests against the provided storage implementation.
func (s *StorageTestSuite) RunAllTests(t *testing.T) {
	t.Run("RelationshipCRUD", s.TestRelationshipCRUD)
	t.Run("RelationshipDuplicate", s.TestRelationshipDuplicate)
	t.Run("RelationshipNotFound", s.TestRelationshipNotFound)
	t.Run("ConversationCRUD", s.TestConversationCRUD)
	t.Run("ListConversationsWithFilter", s.TestListConversationsWithFilter)
	t.Run("MessageSequence", s.TestMessageSequence)
	t.Run("MessageWindow", s.TestMessageWindow)
	t.Run("Summaries", s.TestSummaries)
	t.Run("DeleteConversationCascade", s.TestDeleteConversationCascade)
	t.Run("ConcurrentAppend", s.TestConcurrentAppend)
}

// TestRelationshipCRUD tests create, read and update of relationships.
func (s *StorageTestSuite) TestRelationshipCRUD(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	r := NewRelationship("user-1", "char-1", now)
	r.CustomTraits["humor"] = 0.4
	r.ConversationHistory = json.RawMessage(`{"topics":["music"]}`)

	if err := store.CreateRelationship(ctx, r); err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}

	got, err := store.GetRelationship(ctx, "user-1", "char-1")
	if err != nil {
		t.Fatalf("GetRelationship failed: %v", err)
	}
	if got.Type != affinity.TierStranger {
		t.Errorf("expected stranger, got %s", got.Type)
	}
	if got.CustomTraits["humor"] != 0.4 {
		t.Errorf("expected humor trait 0.4, got %v", got.CustomTraits["humor"])
	}
	if string(got.ConversationHistory) != `{"topics":["music"]}` {
		t.Errorf("conversation history not stored verbatim: %s", got.ConversationHistory)
	}

	nick := "sunny"
	got.Affinity = 15
	got.Type = affinity.TierAcquaintance
	got.InteractionCount = 3
	got.Nickname = &nick
	got.UpdatedAt = now.Add(time.Minute)
	if err := store.SaveRelationship(ctx, got); err != nil {
		t.Fatalf("SaveRelationship failed: %v", err)
	}

	updated, err := store.GetRelationship(ctx, "user-1", "char-1")
	if err != nil {
		t.Fatalf("GetRelationship (after update) failed: %v", err)
	}
	if updated.Affinity != 15 || updated.Type != affinity.TierAcquaintance {
		t.Errorf("unexpected affinity state: %v %s", updated.Affinity, updated.Type)
	}
	if updated.InteractionCount != 3 {
		t.Errorf("expected interaction count 3, got %d", updated.InteractionCount)
	}
	if updated.Nickname == nil || *updated.Nickname != "sunny" {
		t.Errorf("expected nickname sunny, got %v", updated.Nickname)
	}

	// Mutating the returned record must not leak into the store.
	updated.CustomTraits["humor"] = 99
	again, _ := store.GetRelationship(ctx, "user-1", "char-1")
	if again.CustomTraits["humor"] != 0.4 {
		t.Errorf("store was mutated through returned record")
	}
}

// TestRelationshipDuplicate tests that a second create on the same key fails.
func (s *StorageTestSuite) TestRelationshipDuplicate(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreateRelationship(ctx, NewRelationship("u", "c", now)); err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}
	err := store.CreateRelationship(ctx, NewRelationship("u", "c", now))
	if !IsDuplicate(err) {
		t.Fatalf("expected DuplicateKeyError, got %v", err)
	}

	// Same user, different character is a distinct key.
	if err := store.CreateRelationship(ctx, NewRelationship("u", "c2", now)); err != nil {
		t.Fatalf("CreateRelationship for second character failed: %v", err)
	}
}

// TestRelationshipNotFound tests lookup and save of a missing relationship.
func (s *StorageTestSuite) TestRelationshipNotFound(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()

	_, err := store.GetRelationship(ctx, "nobody", "nothing")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	err = store.SaveRelationship(ctx, NewRelationship("nobody", "nothing", time.Now()))
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError on save of missing record, got %v", err)
	}
}

// TestConversationCRUD tests conversation create, read and delete.
func (s *StorageTestSuite) TestConversationCRUD(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	conv := &Conversation{
		ID:          "conv-1",
		UserID:      "user-1",
		CharacterID: "char-1",
		Context:     json.RawMessage(`{"mood":"calm"}`),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if err := store.CreateConversation(ctx, conv); !IsDuplicate(err) {
		t.Errorf("expected DuplicateKeyError, got %v", err)
	}

	got, err := store.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.UserID != "user-1" || got.CharacterID != "char-1" {
		t.Errorf("unexpected conversation: %+v", got)
	}
	if string(got.Context) != `{"mood":"calm"}` {
		t.Errorf("unexpected context: %s", got.Context)
	}

	if err := store.DeleteConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if _, err := store.GetConversation(ctx, "conv-1"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError after delete, got %v", err)
	}
	if err := store.DeleteConversation(ctx, "conv-1"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError deleting twice, got %v", err)
	}
}

// TestListConversationsWithFilter tests filtering and pagination.
func (s *StorageTestSuite) TestListConversationsWithFilter(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		user := "user-a"
		if i%2 == 1 {
			user = "user-b"
		}
		conv := &Conversation{
			ID:          fmt.Sprintf("conv-%d", i),
			UserID:      user,
			CharacterID: "char-1",
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
			UpdatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := store.CreateConversation(ctx, conv); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
	}

	all, total, err := store.ListConversations(ctx, nil)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if total != 5 || len(all) != 5 {
		t.Errorf("expected 5 conversations, got %d/%d", len(all), total)
	}

	mine, total, err := store.ListConversations(ctx, &ConversationFilter{UserID: "user-a"})
	if err != nil {
		t.Fatalf("ListConversations (filtered) failed: %v", err)
	}
	if total != 3 || len(mine) != 3 {
		t.Errorf("expected 3 conversations for user-a, got %d/%d", len(mine), total)
	}
	for _, c := range mine {
		if c.UserID != "user-a" {
			t.Errorf("filter leaked conversation of %s", c.UserID)
		}
	}

	page, total, err := store.ListConversations(ctx, &ConversationFilter{UserID: "user-a", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListConversations (paged) failed: %v", err)
	}
	if total != 3 || len(page) != 1 {
		t.Errorf("expected last page of 1 with total 3, got %d/%d", len(page), total)
	}
}

// TestMessageSequence tests that appends return the running count.
func (s *StorageTestSuite) TestMessageSequence(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	createConversation(t, store, "conv-seq")

	for i := 1; i <= 12; i++ {
		sender := SenderUser
		if i%2 == 0 {
			sender = SenderCharacter
		}
		m := &Message{
			ID:             fmt.Sprintf("m-%02d", i),
			ConversationID: "conv-seq",
			Sender:         sender,
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      time.Now().UTC(),
		}
		count, err := store.AppendMessage(ctx, m)
		if err != nil {
			t.Fatalf("AppendMessage %d failed: %v", i, err)
		}
		if count != int64(i) {
			t.Errorf("expected count %d, got %d", i, count)
		}
		if m.Seq != int64(i) {
			t.Errorf("expected seq %d, got %d", i, m.Seq)
		}
	}

	count, err := store.CountMessages(ctx, "conv-seq")
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if count != 12 {
		t.Errorf("expected 12 messages, got %d", count)
	}

	_, err = store.AppendMessage(ctx, &Message{ID: "x", ConversationID: "missing", Sender: SenderUser, Content: "hi"})
	if !IsNotFound(err) {
		t.Errorf("expected NotFoundError for unknown conversation, got %v", err)
	}
}

// TestMessageWindow tests retrieval of the newest N messages in order.
func (s *StorageTestSuite) TestMessageWindow(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	createConversation(t, store, "conv-win")
	appendMessages(t, store, "conv-win", 15)

	last, err := store.ListMessages(ctx, "conv-win", &MessageFilter{Last: 10})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(last) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(last))
	}
	for i, m := range last {
		if m.Seq != int64(i+6) {
			t.Errorf("position %d: expected seq %d, got %d", i, i+6, m.Seq)
		}
	}

	after, err := store.ListMessages(ctx, "conv-win", &MessageFilter{AfterSeq: 12})
	if err != nil {
		t.Fatalf("ListMessages (after) failed: %v", err)
	}
	if len(after) != 3 || after[0].Seq != 13 {
		t.Errorf("unexpected messages after seq 12: %d", len(after))
	}

	all, err := store.ListMessages(ctx, "conv-win", nil)
	if err != nil {
		t.Fatalf("ListMessages (all) failed: %v", err)
	}
	if len(all) != 15 || all[0].Seq != 1 {
		t.Errorf("expected all 15 messages oldest first")
	}
}

// TestSummaries tests append-only summaries with newest-wins lookup.
func (s *StorageTestSuite) TestSummaries(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	createConversation(t, store, "conv-sum")

	if _, err := store.LatestSummary(ctx, "conv-sum"); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError before first summary, got %v", err)
	}

	base := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		sum := &Summary{
			ID:             fmt.Sprintf("s-%d", i),
			ConversationID: "conv-sum",
			Text:           fmt.Sprintf("summary %d", i),
			UptoSeq:        int64(i * 10),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendSummary(ctx, sum); err != nil {
			t.Fatalf("AppendSummary failed: %v", err)
		}
	}

	latest, err := store.LatestSummary(ctx, "conv-sum")
	if err != nil {
		t.Fatalf("LatestSummary failed: %v", err)
	}
	if latest.Text != "summary 3" || latest.UptoSeq != 30 {
		t.Errorf("expected newest summary, got %+v", latest)
	}

	all, err := store.ListSummaries(ctx, "conv-sum")
	if err != nil {
		t.Fatalf("ListSummaries failed: %v", err)
	}
	if len(all) != 3 || all[0].Text != "summary 1" {
		t.Errorf("expected 3 summaries oldest first, got %d", len(all))
	}
}

// TestDeleteConversationCascade tests that messages and summaries go with the conversation.
func (s *StorageTestSuite) TestDeleteConversationCascade(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	createConversation(t, store, "conv-del")
	appendMessages(t, store, "conv-del", 3)
	if err := store.AppendSummary(ctx, &Summary{ID: "s", ConversationID: "conv-del", Text: "x", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AppendSummary failed: %v", err)
	}

	if err := store.DeleteConversation(ctx, "conv-del"); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}

	msgs, err := store.ListMessages(ctx, "conv-del", nil)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected messages to be deleted, got %d", len(msgs))
	}
	if _, err := store.LatestSummary(ctx, "conv-del"); !IsNotFound(err) {
		t.Errorf("expected summaries to be deleted, got %v", err)
	}

	// Recreating the conversation starts a fresh sequence.
	createConversation(t, store, "conv-del")
	count, err := store.AppendMessage(ctx, &Message{ID: "new", ConversationID: "conv-del", Sender: SenderUser, Content: "again", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected fresh count 1, got %d", count)
	}
}

// TestConcurrentAppend tests that concurrent appends produce unique sequence numbers.
func (s *StorageTestSuite) TestConcurrentAppend(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	createConversation(t, store, "conv-conc")

	const n = 20
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := &Message{
				ID:             fmt.Sprintf("c-%d", i),
				ConversationID: "conv-conc",
				Sender:         SenderUser,
				Content:        "hi",
				CreatedAt:      time.Now().UTC(),
			}
			if _, err := store.AppendMessage(ctx, m); err != nil {
				t.Errorf("AppendMessage failed: %v", err)
				return
			}
			seqs <- m.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Errorf("duplicate sequence number %d", seq)
		}
		seen[seq] = true
	}

	count, _ := store.CountMessages(ctx, "conv-conc")
	if count != n {
		t.Errorf("expected %d messages, got %d", n, count)
	}
}

func createConversation(t *testing.T, store Storage, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.CreateConversation(context.Background(), &Conversation{
		ID:          id,
		UserID:      "user-1",
		CharacterID: "char-1",
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
}

func appendMessages(t *testing.T, store Storage, conversationID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := store.AppendMessage(context.Background(), &Message{
			ID:             fmt.Sprintf("%s-m%d", conversationID, i),
			ConversationID: conversationID,
			Sender:         SenderUser,
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
}
