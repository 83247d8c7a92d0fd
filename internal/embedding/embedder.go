// Package embedding implements the engine's "external embedding function"
// (spec.md §4.4 step 1) and the fingerprint→vector cache (§4.5) that sits
// in front of it. The engine treats Embedder as an opaque producer of a
// fixed-dimension unit vector; it never inspects which implementation is
// wired in.
package embedding

import "context"

// Embedder turns text into a fixed-dimension vector. Implementations are
// not required to return a unit vector — callers that need one should
// normalize via index.Normalize.
type Embedder interface {
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}
