// Package index defines the vector-similarity store contract spec.md §4.3
// requires ("implementation-neutral") and a brute-force in-memory adapter
// that satisfies it, suitable up to a few thousand entries per context.
package index

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"
)

// ErrNotFound names the error for an operation on a context namespace that
// was never ensured. MemoryAdapter never returns it: Add ensures the
// namespace itself, and the other operations on an unensured adapter act
// on an empty set.
var ErrNotFound = errors.New("index: namespace not found")

// Meta is the metadata attached to a stored vector.
type Meta struct {
	ID         string
	Role       string
	CreatedAt  time.Time
	Model      string
	Provider   string
	RequestID  string
	TokenCount int
	SessionID  string
}

// Predicate filters candidates during Search by their metadata.
type Predicate func(Meta) bool

// Result is one scored hit from Search.
type Result struct {
	ID    string
	Score float32
	Meta  Meta
}

// Item is one stored vector as returned by ListItems, used by maintenance
// and retention sweeps.
type Item struct {
	ID     string
	Vector []float32
	Meta   Meta
}

// Adapter is the contract every vector store backend must satisfy.
// Implementations may be exact or approximate; callers must not assume
// ordering beyond what Search documents.
type Adapter interface {
	// Ensure idempotently creates the namespace. Cheap when absent of
	// content; no storage is allocated until the first write.
	Ensure(ctx context.Context) error

	// Add appends a unit vector with attached metadata.
	Add(ctx context.Context, id string, vector []float32, meta Meta) error

	// Search returns the top-k entries whose predicate holds, ordered by
	// descending inner-product similarity on L2-normalized vectors, ties
	// broken by descending CreatedAt then ascending ID.
	Search(ctx context.Context, queryVector []float32, k int, pred Predicate) ([]Result, error)

	Delete(ctx context.Context, ids []string) error
	Clear(ctx context.Context) error
	Drop(ctx context.Context) error

	// ListItems iterates stored items for maintenance and retention sweeps.
	ListItems(ctx context.Context) ([]Item, error)
}

// Normalize returns v scaled to unit L2 norm. A zero vector is returned
// unchanged (its norm is already, trivially, non-informative).
func Normalize(v []float32) []float32 {
	normSq := vek32.Dot(v, v)
	if normSq <= 0 {
		return v
	}
	norm := math32.Sqrt(normSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// flatEntry is one vector stored in a MemoryAdapter.
type flatEntry struct {
	id     string
	vector []float32
	meta   Meta
}

// MemoryAdapter is a brute-force, exact Adapter backed by a flat slice of
// L2-normalized float32 vectors. It is safe for concurrent use.
type MemoryAdapter struct {
	mu      sync.RWMutex
	ensured bool
	entries map[string]*flatEntry
}

// NewMemoryAdapter constructs an empty MemoryAdapter for one context
// namespace.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{entries: make(map[string]*flatEntry)}
}

func (m *MemoryAdapter) Ensure(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured = true
	if m.entries == nil {
		m.entries = make(map[string]*flatEntry)
	}
	return nil
}

func (m *MemoryAdapter) Add(_ context.Context, id string, vector []float32, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured = true
	meta.ID = id
	m.entries[id] = &flatEntry{id: id, vector: Normalize(vector), meta: meta}
	return nil
}

func (m *MemoryAdapter) Search(_ context.Context, queryVector []float32, k int, pred Predicate) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	qv := Normalize(queryVector)

	m.mu.RLock()
	candidates := make([]Result, 0, len(m.entries))
	for _, e := range m.entries {
		if pred != nil && !pred(e.meta) {
			continue
		}
		score := vek32.Dot(qv, e.vector)
		candidates = append(candidates, Result{ID: e.id, Score: score, Meta: e.meta})
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if !candidates[i].Meta.CreatedAt.Equal(candidates[j].Meta.CreatedAt) {
			return candidates[i].Meta.CreatedAt.After(candidates[j].Meta.CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func (m *MemoryAdapter) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
	}
	return nil
}

func (m *MemoryAdapter) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*flatEntry)
	return nil
}

func (m *MemoryAdapter) Drop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.ensured = false
	return nil
}

func (m *MemoryAdapter) ListItems(_ context.Context) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Item, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, Item{ID: e.id, Vector: e.vector, Meta: e.meta})
	}
	return out, nil
}
