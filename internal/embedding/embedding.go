// Package embedding provides text embedders for the memory engine's vector
// retrieval path.
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalDimensions is the vector size produced by the Local embedder.
const LocalDimensions = 64

// Local is a deterministic, dependency-free embedder. It hashes each token
// into a fixed-size bag-of-words vector and normalizes to unit length, so
// identical text always embeds identically and lexically similar texts land
// near each other. Useful for tests and offline deployments; not a
// substitute for a real model.
type Local struct{}

// NewLocal returns the deterministic hash embedder.
func NewLocal() *Local { return &Local{} }

func (*Local) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, LocalDimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%LocalDimensions]++
	}

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag == 0 {
		return vec, nil
	}
	mag = math.Sqrt(mag)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / mag)
	}
	return vec, nil
}
