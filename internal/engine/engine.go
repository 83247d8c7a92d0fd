// Package engine implements the temporally-windowed retrieval engine
// described in spec.md §4.4 — the heart of the core. It turns a
// natural-language query and a (ctx, session) pair into an ordered list of
// chunks that becomes the provider preamble.
package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kestrel-labs/memoryrouter/internal/domain"
	"github.com/kestrel-labs/memoryrouter/internal/embedding"
	"github.com/kestrel-labs/memoryrouter/internal/index"
)

// ErrBudgetExceeded is returned when Retrieve misses its time budget. The
// orchestrator treats this as a degrade-to-empty-preamble signal, not a
// request failure (spec.md §5, §7).
var ErrBudgetExceeded = errors.New("engine: retrieval budget exceeded")

// ChunkStore resolves the full content of chunks the index names. The
// vector index itself only carries search metadata (role, created_at,
// model, provider, request id, token count) — not content.
type ChunkStore interface {
	GetMany(ctx context.Context, contextID string, ids []string) ([]*domain.Chunk, error)
}

// Config bounds and tunes one Engine instance. Defaults match spec.md §4.4.
type Config struct {
	Windows           WindowConfig
	OversampleFactor  int
	ScoreFloor        float32
	Budget            time.Duration
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		Windows:          DefaultWindowConfig(),
		OversampleFactor: 2,
		ScoreFloor:       0.1,
		Budget:           500 * time.Millisecond,
	}
}

// Engine retrieves and ranks chunks for one (context, session, query).
type Engine struct {
	cfg   Config
	clock func() time.Time
}

// New constructs an Engine. A nil clock defaults to time.Now.
func New(cfg Config, clock func() time.Time) *Engine {
	if cfg.OversampleFactor < 2 {
		cfg.OversampleFactor = 2
	}
	if cfg.ScoreFloor == 0 {
		cfg.ScoreFloor = 0.1
	}
	if cfg.Budget == 0 {
		cfg.Budget = 500 * time.Millisecond
	}
	if len(cfg.Windows.Bounds) == 0 {
		cfg.Windows = DefaultWindowConfig()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Engine{cfg: cfg, clock: clock}
}

// Request describes one retrieve call.
type Request struct {
	ContextID   string
	SessionID   string
	Query       string
	Limit       int
	RecencyBias domain.RecencyBias
}

// Scored is one chunk in the retrieve result, carrying its derived window
// and the effective score it was ranked by.
type Scored struct {
	Chunk  domain.Chunk
	Window domain.Window
	Score  float32
}

// Result is the outcome of one Retrieve call.
type Result struct {
	Chunks          []Scored
	RetrievedTokens int
}

// Retrieve runs the eight steps of spec.md §4.4 against idx (the adapter
// already scoped to req.ContextID) and chunks (the store that resolves
// full chunk content for the ids the index returns).
func (e *Engine) Retrieve(ctx context.Context, req Request, idx index.Adapter, chunks ChunkStore, embedder embedding.Embedder) (Result, error) {
	if req.Limit <= 0 {
		return Result{}, nil
	}

	budgetCtx, cancel := context.WithTimeout(ctx, e.cfg.Budget)
	defer cancel()

	result, err := e.retrieve(budgetCtx, req, idx, chunks, embedder)
	if err != nil {
		if errors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
			return Result{}, ErrBudgetExceeded
		}
		return Result{}, err
	}
	return result, nil
}

func (e *Engine) retrieve(ctx context.Context, req Request, idx index.Adapter, chunkStore ChunkStore, embedder embedding.Embedder) (Result, error) {
	// Step 1: query embedding, via the (cached) external embedder.
	qv, err := embedder.Embed(ctx, req.Query)
	if err != nil {
		return Result{}, err
	}

	// Step 2: candidate search, oversampled, scoped to the selected
	// session. The adapter itself is already isolated to one context id,
	// so there is no cross-context leakage to guard against here.
	k := req.Limit * e.cfg.OversampleFactor
	sessionID := req.SessionID
	pred := func(m index.Meta) bool { return m.SessionID == sessionID }

	hits, err := idx.Search(ctx, qv, k, pred)
	if err != nil {
		return Result{}, err
	}
	if len(hits) == 0 {
		return Result{}, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	fullChunks, err := chunkStore.GetMany(ctx, req.ContextID, ids)
	if err != nil {
		return Result{}, err
	}
	byID := make(map[string]*domain.Chunk, len(fullChunks))
	for _, c := range fullChunks {
		byID[c.ID] = c
	}

	now := e.clock()
	beta := req.RecencyBias.Beta()

	// Steps 3-4: window classification and recency decay.
	type candidate struct {
		chunk  domain.Chunk
		window domain.Window
		score  float32
	}
	candidates := make([]candidate, 0, len(hits))
	for _, h := range hits {
		c, ok := byID[h.ID]
		if !ok {
			continue
		}
		w := e.cfg.Windows.Classify(now, c.CreatedAt)
		ageHours := now.Sub(c.CreatedAt).Hours()
		decay := (1 - beta) + beta*math.Exp(-ageHours/24)
		score := h.Score * float32(decay)
		candidates = append(candidates, candidate{chunk: *c, window: w, score: score})
	}

	// Step 5: equal allocation with backfill.
	byWindow := make(map[domain.Window][]candidate)
	for _, c := range candidates {
		byWindow[c.window] = append(byWindow[c.window], c)
	}
	windows := e.cfg.Windows.Windows()
	w := len(windows)
	if w == 0 {
		w = 1
	}
	quota := (req.Limit + w - 1) / w

	for win := range byWindow {
		sort.Slice(byWindow[win], func(i, j int) bool { return byWindow[win][i].score > byWindow[win][j].score })
	}

	selected := make([]candidate, 0, req.Limit*2)
	usedIdx := make(map[domain.Window]int)
	deficit := 0
	for _, win := range windows {
		group := byWindow[win]
		take := quota
		if take > len(group) {
			deficit += quota - len(group)
			take = len(group)
		}
		selected = append(selected, group[:take]...)
		usedIdx[win] = take
	}

	if deficit > 0 {
		var remaining []candidate
		for _, win := range windows {
			group := byWindow[win]
			remaining = append(remaining, group[usedIdx[win]:]...)
		}
		sort.Slice(remaining, func(i, j int) bool { return remaining[i].score > remaining[j].score })
		if deficit > len(remaining) {
			deficit = len(remaining)
		}
		selected = append(selected, remaining[:deficit]...)
	}

	// Step 6: dedup by normalized content, keeping the higher score.
	bestByContent := make(map[string]candidate)
	for _, c := range selected {
		key := normalizeContent(c.chunk.Content)
		existing, ok := bestByContent[key]
		if !ok || c.score > existing.score {
			bestByContent[key] = c
		}
	}
	deduped := make([]candidate, 0, len(bestByContent))
	for _, c := range bestByContent {
		deduped = append(deduped, c)
	}

	// Step 7: minimum score floor, with the recency fallback this
	// specification picks when the floor would leave the result empty.
	var final []candidate
	for _, c := range deduped {
		if c.score >= e.cfg.ScoreFloor {
			final = append(final, c)
		}
	}
	if len(final) == 0 && len(deduped) > 0 {
		final = deduped
		sort.Slice(final, func(i, j int) bool {
			if !final[i].chunk.CreatedAt.Equal(final[j].chunk.CreatedAt) {
				return final[i].chunk.CreatedAt.After(final[j].chunk.CreatedAt)
			}
			return final[i].chunk.ID < final[j].chunk.ID
		})
	} else {
		// Step 8: final ordering, descending effective score. Ties break by
		// CreatedAt desc then ID asc, matching the index's own tie-break, so
		// retrieval stays deterministic across repeated calls.
		sort.Slice(final, func(i, j int) bool {
			if final[i].score != final[j].score {
				return final[i].score > final[j].score
			}
			if !final[i].chunk.CreatedAt.Equal(final[j].chunk.CreatedAt) {
				return final[i].chunk.CreatedAt.After(final[j].chunk.CreatedAt)
			}
			return final[i].chunk.ID < final[j].chunk.ID
		})
	}

	if len(final) > req.Limit {
		final = final[:req.Limit]
	}

	out := make([]Scored, len(final))
	retrievedTokens := 0
	for i, c := range final {
		out[i] = Scored{Chunk: c.chunk, Window: c.window, Score: c.score}
		retrievedTokens += c.chunk.TokenCount
	}
	return Result{Chunks: out, RetrievedTokens: retrievedTokens}, nil
}

// normalizeContent lowercases and collapses whitespace, per spec.md §4.4
// step 6's content-based dedup key.
func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
