package index

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/heartline/heartline/pkg/storage"
)

// VectorIndex is a brute-force cosine-similarity index kept in memory and
// optionally snapshotted to disk. For hundreds of thousands of vectors this
// can be replaced with an HNSW implementation behind the same interface.
type VectorIndex struct {
	mu        sync.RWMutex
	dimension int
	vectors   map[string][]float32
	meta      map[string]Metadata
	version   uint64
	closed    bool
}

var _ Index = (*VectorIndex)(nil)

// NewVectorIndex creates an index for vectors of the given dimension. A zero
// dimension is fixed by the first inserted vector.
func NewVectorIndex(dimension int) *VectorIndex {
	return &VectorIndex{
		dimension: dimension,
		vectors:   make(map[string][]float32),
		meta:      make(map[string]Metadata),
	}
}

// Dimension returns the vector dimension, zero if not yet known.
func (v *VectorIndex) Dimension() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dimension
}

// Upsert adds or replaces the vector stored under id.
func (v *VectorIndex) Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrIndexUnavailable
	}
	if v.dimension == 0 {
		v.dimension = len(vector)
	}
	if len(vector) != v.dimension || len(vector) == 0 {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, v.dimension, len(vector))
	}
	v.vectors[id] = slices.Clone(vector)
	v.meta[id] = meta
	v.version++
	return nil
}

// Delete removes a vector.
func (v *VectorIndex) Delete(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.vectors[id]; !ok {
		return
	}
	delete(v.vectors, id)
	delete(v.meta, id)
	v.version++
}

// Query returns the topK vectors most similar to vector within the filter's
// conversation, best first.
func (v *VectorIndex) Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if filter.ConversationID == "" {
		return nil, fmt.Errorf("index: query requires a conversation id")
	}
	if topK <= 0 {
		return nil, nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, ErrIndexUnavailable
	}
	if v.dimension == 0 {
		return nil, nil
	}
	if len(vector) != v.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, v.dimension, len(vector))
	}

	var results []Match
	for id, vec := range v.vectors {
		m := v.meta[id]
		if m.ConversationID != filter.ConversationID || slices.Contains(filter.ExcludeIDs, id) {
			continue
		}
		results = append(results, Match{ID: id, Score: cosineSimilarity(vector, vec), Metadata: m})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if topK > len(results) {
		topK = len(results)
	}
	return results[:topK], nil
}

// DeleteConversation removes all vectors of a conversation.
func (v *VectorIndex) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrIndexUnavailable
	}
	for id, m := range v.meta {
		if m.ConversationID == conversationID {
			delete(v.vectors, id)
			delete(v.meta, id)
			v.version++
		}
	}
	return nil
}

// Len returns the number of vectors in the index.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

// Version changes on every mutation.
func (v *VectorIndex) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// Close makes every later call fail with ErrIndexUnavailable.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

const snapshotMagic = "HLVX"

// Save writes the index to path atomically.
// Format: "HLVX" [dimension:uint32][count:uint32] then for each entry:
// [id][conversation][sender][text] as uint32-length-prefixed strings,
// [seq:int64][vector:float32*dim].
func (v *VectorIndex) Save(path string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("index: save failed: %w", err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("index: save failed: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	w := bufio.NewWriter(f)
	if err := v.encode(w); err != nil {
		f.Close()
		return fmt.Errorf("index: save failed: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("index: save failed: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("index: save failed: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("index: save failed: %w", err)
	}
	return nil
}

func (v *VectorIndex) encode(w io.Writer) error {
	if _, err := io.WriteString(w, snapshotMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(v.dimension)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(v.vectors))); err != nil {
		return err
	}
	for id, vec := range v.vectors {
		m := v.meta[id]
		for _, s := range []string{id, m.ConversationID, string(m.Sender), m.Text} {
			if err := writeString(w, s); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, m.Seq); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, vec); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the index contents with the snapshot at path.
func (v *VectorIndex) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("index: load failed: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("index: load failed: %w", err)
	}
	if string(magic) != snapshotMagic {
		return fmt.Errorf("index: load failed: not a snapshot file")
	}
	var dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dimension != 0 && int(dim) != v.dimension {
		return fmt.Errorf("%w: file has %d, index expects %d", ErrDimensionMismatch, dim, v.dimension)
	}

	vectors := make(map[string][]float32, count)
	meta := make(map[string]Metadata, count)
	for i := uint32(0); i < count; i++ {
		var fields [4]string
		for j := range fields {
			s, err := readString(r)
			if err != nil {
				return fmt.Errorf("index: load failed: %w", err)
			}
			fields[j] = s
		}
		m := Metadata{ConversationID: fields[1], Sender: storage.Sender(fields[2]), Text: fields[3]}
		if err := binary.Read(r, binary.LittleEndian, &m.Seq); err != nil {
			return fmt.Errorf("index: load failed: %w", err)
		}
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("index: load failed: %w", err)
		}
		vectors[fields[0]] = vec
		meta[fields[0]] = m
	}

	v.dimension = int(dim)
	v.vectors = vectors
	v.meta = meta
	v.version++
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a []float32, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dotProduct / denom
}
