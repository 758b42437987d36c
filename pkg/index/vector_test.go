package index

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/robfig/cron/v3"

	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/metrics"
	"github.com/heartline/heartline/pkg/storage"
)

func meta(conv string) Metadata {
	return Metadata{ConversationID: conv, Sender: storage.SenderUser, Text: "text of " + conv}
}

func TestVectorIndex_UpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	idx := NewVectorIndex(3)

	if err := idx.Upsert(ctx, "a", []float32{1, 0, 0}, meta("s1")); err != nil {
		t.Fatal(err)
	}
	if err := idx.Upsert(ctx, "b", []float32{0, 1, 0}, meta("s1")); err != nil {
		t.Fatal(err)
	}
	if err := idx.Upsert(ctx, "c", []float32{0.9, 0.1, 0}, meta("s1")); err != nil {
		t.Fatal(err)
	}

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, Filter{ConversationID: "s1"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 results, got %d", len(matches))
	}
	if matches[0].ID != "a" || matches[1].ID != "c" {
		t.Errorf("unexpected order: %+v", matches)
	}
	if math.Abs(matches[0].Score-1.0) > 0.001 {
		t.Errorf("expected score ~1.0, got %f", matches[0].Score)
	}
	if matches[0].Metadata.Text != "text of s1" {
		t.Errorf("metadata not returned: %+v", matches[0].Metadata)
	}
}

func TestVectorIndex_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := NewVectorIndex(3)
	if err := idx.Upsert(ctx, "a", []float32{1, 0}, meta("s1")); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if _, err := idx.Query(ctx, []float32{1}, Filter{ConversationID: "s1"}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
}

func TestVectorIndex_LazyDimension(t *testing.T) {
	ctx := context.Background()
	idx := NewVectorIndex(0)

	matches, err := idx.Query(ctx, []float32{1, 2}, Filter{ConversationID: "s1"}, 3)
	if err != nil || len(matches) != 0 {
		t.Fatalf("empty index should return nothing, got %v %v", matches, err)
	}
	if err := idx.Upsert(ctx, "a", []float32{1, 2, 3, 4}, meta("s1")); err != nil {
		t.Fatal(err)
	}
	if idx.Dimension() != 4 {
		t.Errorf("expected dimension fixed to 4, got %d", idx.Dimension())
	}
	if err := idx.Upsert(ctx, "b", []float32{1}, meta("s1")); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
}

func TestVectorIndex_ConversationScopeAndExclude(t *testing.T) {
	ctx := context.Background()
	idx := NewVectorIndex(2)
	_ = idx.Upsert(ctx, "a", []float32{1, 0}, meta("s1"))
	_ = idx.Upsert(ctx, "b", []float32{0.9, 0.1}, meta("s2"))
	_ = idx.Upsert(ctx, "c", []float32{0.8, 0.2}, meta("s1"))

	matches, err := idx.Query(ctx, []float32{1, 0}, Filter{ConversationID: "s1", ExcludeIDs: []string{"a"}}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ID != "c" {
		t.Errorf("expected only 'c' from s1, got %+v", matches)
	}

	if _, err := idx.Query(ctx, []float32{1, 0}, Filter{}, 10); err == nil {
		t.Error("expected an error for an unscoped query")
	}
}

func TestVectorIndex_DeleteConversation(t *testing.T) {
	ctx := context.Background()
	idx := NewVectorIndex(2)
	_ = idx.Upsert(ctx, "a", []float32{1, 0}, meta("s1"))
	_ = idx.Upsert(ctx, "b", []float32{0, 1}, meta("s1"))
	_ = idx.Upsert(ctx, "c", []float32{1, 1}, meta("s2"))

	if err := idx.DeleteConversation(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 1 {
		t.Errorf("expected 1 vector, got %d", idx.Len())
	}
	idx.Delete("c")
	if idx.Len() != 0 {
		t.Errorf("expected 0 vectors, got %d", idx.Len())
	}
}

func TestVectorIndex_Closed(t *testing.T) {
	ctx := context.Background()
	idx := NewVectorIndex(2)
	_ = idx.Close()

	if err := idx.Upsert(ctx, "a", []float32{1, 0}, meta("s1")); !errors.Is(err, ErrIndexUnavailable) {
		t.Errorf("expected ErrIndexUnavailable, got %v", err)
	}
	if _, err := idx.Query(ctx, []float32{1, 0}, Filter{ConversationID: "s1"}, 1); !errors.Is(err, ErrIndexUnavailable) {
		t.Errorf("expected ErrIndexUnavailable, got %v", err)
	}
}

func TestVectorIndex_SaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "index.bin")

	idx := NewVectorIndex(2)
	_ = idx.Upsert(ctx, "a", []float32{1, 0}, Metadata{ConversationID: "s1", Sender: storage.SenderCharacter, Text: "héllo", Seq: 7})
	_ = idx.Upsert(ctx, "b", []float32{0, 1}, meta("s2"))
	if err := idx.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored := NewVectorIndex(0)
	if err := restored.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if restored.Len() != 2 || restored.Dimension() != 2 {
		t.Fatalf("expected 2 vectors of dim 2, got %d of dim %d", restored.Len(), restored.Dimension())
	}
	matches, err := restored.Query(ctx, []float32{1, 0}, Filter{ConversationID: "s1"}, 1)
	if err != nil || len(matches) != 1 {
		t.Fatalf("query after load failed: %v %v", matches, err)
	}
	want := Metadata{ConversationID: "s1", Sender: storage.SenderCharacter, Text: "héllo", Seq: 7}
	if matches[0].Metadata != want {
		t.Errorf("metadata lost: %+v", matches[0].Metadata)
	}

	if err := NewVectorIndex(3).Load(path); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
}

func TestVectorIndex_LoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	if err := os.WriteFile(path, []byte("definitely not an index"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := NewVectorIndex(0).Load(path); err == nil {
		t.Fatal("expected an error for a non-snapshot file")
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 1},
		{[]float32{1, 0}, []float32{0, 1}, 0},
		{[]float32{1, 0}, []float32{-1, 0}, -1},
		{[]float32{0, 0}, []float32{1, 0}, 0},
		{[]float32{1}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		if got := cosineSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("cosineSimilarity(%v, %v) = %f, want %f", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSnapshotter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.bin")
	idx := NewVectorIndex(2)
	s := NewSnapshotter(idx, path, logger.Nop(), metrics.NoOpManager())

	if err := s.Restore(); err != nil {
		t.Fatalf("Restore of a missing file should be a no-op, got %v", err)
	}

	s.Run()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("an unchanged index should not be written")
	}

	_ = idx.Upsert(ctx, "a", []float32{1, 0}, meta("s1"))
	s.Run()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected a snapshot, got %v", err)
	}

	restored := NewVectorIndex(2)
	if err := NewSnapshotter(restored, path, nil, nil).Restore(); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.Len() != 1 {
		t.Errorf("expected 1 restored vector, got %d", restored.Len())
	}

	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	again, _ := os.Stat(path)
	if !again.ModTime().Equal(info.ModTime()) {
		t.Error("snapshot rewritten without changes")
	}
}

func TestSnapshotter_Schedule(t *testing.T) {
	c := cron.New(cron.WithParser(ScheduleParser))
	s := NewSnapshotter(NewVectorIndex(2), filepath.Join(t.TempDir(), "i.bin"), nil, nil)

	if _, err := s.Schedule(c, "@every 5m"); err != nil {
		t.Errorf("descriptor rejected: %v", err)
	}
	if _, err := s.Schedule(c, "*/10 * * * *"); err != nil {
		t.Errorf("5-field expression rejected: %v", err)
	}
	if _, err := s.Schedule(c, "not a schedule"); err == nil {
		t.Error("expected an invalid schedule error")
	}
	if len(c.Entries()) != 2 {
		t.Errorf("expected 2 entries, got %d", len(c.Entries()))
	}
}
