package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// StubEmbedder is a deterministic, zero-dependency Embedder. It is used in
// tests and as a fallback when no local model is configured: it hashes
// overlapping trigrams of the input into a fixed-size vector, so that
// semantically identical text always maps to the same vector and
// unrelated text lands far apart in expectation, without requiring any
// real model weights.
type StubEmbedder struct {
	dim int
}

// NewStubEmbedder constructs a StubEmbedder producing vectors of the given
// dimension.
func NewStubEmbedder(dim int) *StubEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &StubEmbedder{dim: dim}
}

func (s *StubEmbedder) Dimension() int { return s.dim }

func (s *StubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, s.dim)
	if len(text) == 0 {
		return v, nil
	}

	runes := []rune(text)
	n := 3
	if len(runes) < n {
		n = len(runes)
	}
	for i := 0; i+n <= len(runes) || (i == 0 && n == 0); i++ {
		gram := string(runes[i : i+n])
		h := fnv.New64a()
		_, _ = h.Write([]byte(gram))
		bucket := h.Sum64() % uint64(s.dim)
		v[bucket]++
		if n == 0 {
			break
		}
	}

	var normSq float64
	for _, x := range v {
		normSq += float64(x) * float64(x)
	}
	if normSq == 0 {
		return v, nil
	}
	norm := float32(math.Sqrt(normSq))
	for i := range v {
		v[i] /= norm
	}
	return v, nil
}
