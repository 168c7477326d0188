// Package vector provides embedding and similarity search over tenant
// memories, backed by an in-process chromem index. The sqlite rows in
// internal/storage remain the system of record; this index is rebuilt
// from them at startup.
package vector

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder converts text into a fixed-dimension vector. Implementations
// must be deterministic: the same text always yields the same vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// LocalEmbedder is a dependency-free feature-hashing embedder: each token
// is hashed into a bucket, bucket counts are accumulated, and the result
// is L2-normalized. Texts sharing tokens land in shared buckets, so token
// overlap shows up as cosine similarity. It is not a semantic model, but
// it runs everywhere and needs no network or weights.
type LocalEmbedder struct {
	dims int
}

func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{dims: 384}
}

func (e *LocalEmbedder) Dimensions() int {
	return e.dims
}

func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dims))
		// The high bits pick the sign so antonym buckets don't all
		// accumulate positively.
		sign := float32(1)
		if (sum>>63)&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}
	normalize(vec)
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
}

// Cosine returns the cosine similarity of two vectors. Mismatched lengths
// or zero vectors score zero.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
