package badger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/heartline/heartline/pkg/storage"
)

// TestBadgerStorageSuite runs the full storage test suite against BadgerStorage.
func TestBadgerStorageSuite(t *testing.T) {
	suite := &storage.StorageTestSuite{
		NewStorage: func(t *testing.T) storage.Storage {
			tmpDir, err := os.MkdirTemp("", "badger-test-*")
			if err != nil {
				t.Fatalf("Failed to create temp dir: %v", err)
			}

			t.Cleanup(func() {
				os.RemoveAll(tmpDir)
			})

			config := &Config{
				Path:              tmpDir,
				SyncWrites:        false,
				ValueLogFileSize:  1 << 20,
				NumVersionsToKeep: 1,
			}

			db, err := NewBadgerStorage(config)
			if err != nil {
				t.Fatalf("Failed to create BadgerStorage: %v", err)
			}

			return db
		},
	}

	suite.RunAllTests(t)
}

func setupTestDB(t *testing.T) (*BadgerStorage, func()) {
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	config := &Config{
		Path:              tmpDir,
		SyncWrites:        false,   // Faster for tests
		ValueLogFileSize:  1 << 20, // 1MB
		NumVersionsToKeep: 1,
	}

	db, err := NewBadgerStorage(config)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create BadgerStorage: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func TestBadgerStorage_PersistsAcrossReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "badger-reopen-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()
	cfg := &Config{Path: tmpDir, ValueLogFileSize: 1 << 20, NumVersionsToKeep: 1}

	db, err := NewBadgerStorage(cfg)
	if err != nil {
		t.Fatalf("NewBadgerStorage failed: %v", err)
	}
	rel := storage.NewRelationship("u1", "c1", time.Now().UTC())
	rel.Affinity = 22
	if err := db.CreateRelationship(ctx, rel); err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}
	if err := db.CreateConversation(ctx, &storage.Conversation{ID: "conv", UserID: "u1", CharacterID: "c1"}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if _, err := db.AppendMessage(ctx, &storage.Message{ID: "m1", ConversationID: "conv", Sender: storage.SenderUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err = NewBadgerStorage(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	got, err := db.GetRelationship(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("GetRelationship after reopen failed: %v", err)
	}
	if got.Affinity != 22 {
		t.Errorf("expected affinity 22, got %v", got.Affinity)
	}

	// The sequence counter survives a restart.
	count, err := db.AppendMessage(ctx, &storage.Message{ID: "m2", ConversationID: "conv", Sender: storage.SenderCharacter, Content: "hello"})
	if err != nil {
		t.Fatalf("AppendMessage after reopen failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
}

func TestBadgerStorage_ClosedIsUnavailable(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := db.Ping(ctx); err == nil {
		t.Fatal("expected Ping to fail on closed database")
	}

	_, err := db.GetRelationship(ctx, "u", "c")
	var unavailable *storage.StorageUnavailableError
	if err == nil || storage.IsNotFound(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if !errors.As(err, &unavailable) {
		t.Errorf("expected StorageUnavailableError, got %T", err)
	}
}

func TestBadgerStorage_InMemory(t *testing.T) {
	db, err := NewBadgerStorage(&Config{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadgerStorage failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.CreateRelationship(ctx, storage.NewRelationship("u", "c", time.Now())); err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}
	if _, err := db.GetRelationship(ctx, "u", "c"); err != nil {
		t.Fatalf("GetRelationship failed: %v", err)
	}
}
