package provider

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimension is the vector size of HashingEmbedder when unset.
const DefaultHashDimension = 256

// HashingEmbedder is an offline Embedder using the hashing trick over
// lower-cased word tokens. Vectors are L2-normalized, so texts sharing
// words have a positive cosine similarity.
type HashingEmbedder struct {
	Dim int
}

// Dimension implements Embedder.
func (h HashingEmbedder) Dimension() int {
	if h.Dim <= 0 {
		return DefaultHashDimension
	}
	return h.Dim
}

// Embed implements Embedder.
func (h HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dim := h.Dimension()
	vec := make([]float32, dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, tok := range tokens {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		vec[sum%uint64(dim)] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}
