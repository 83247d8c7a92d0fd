// Package storer implements spec.md §4.6: selective persistence of the
// messages and assistant output belonging to one completed inference call.
package storer

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrel-labs/memoryrouter/internal/domain"
	"github.com/kestrel-labs/memoryrouter/internal/embedding"
	"github.com/kestrel-labs/memoryrouter/internal/estimator"
	"github.com/kestrel-labs/memoryrouter/internal/index"
)

// Message is one input message as seen by the storer, carrying the
// per-message memory flag the HTTP layer parsed out of the request body.
type Message struct {
	Role    string
	Content string
	// Memory is false for a caller-marked ephemeral message: it is counted
	// in Result.EphemeralTokens (informational, not billed) and is never
	// written to the index.
	Memory bool
}

// Input bundles everything the storer needs for one call, per spec.md
// §4.6's input list.
type Input struct {
	ContextID       string
	SessionID       string
	Model           string
	Provider        string
	RequestID       string
	InputMessages   []Message
	AssistantOutput string
	StoreInput      bool
	StoreResponse   bool
}

// Result reports what the storer did, for the metering service to bill.
type Result struct {
	StoredInputTokens  int
	StoredOutputTokens int
	EphemeralTokens    int
	StoredChunkCount   int
	PartialFailure     bool
}

// Config tunes chunking behavior.
type Config struct {
	SoftLimitTokens int
}

// Storer owns the write side of memory: it chunks accepted text, embeds it
// through the shared cache, and writes both the vector index and the full
// chunk record.
type Storer struct {
	cfg      Config
	index    index.Adapter
	chunks   domain.ChunkStore
	sessions domain.SessionStore
	embedder embedding.Embedder
	clock    func() time.Time
	log      *zap.Logger
}

// New constructs a Storer. idx must already be scoped to input.ContextID
// (the orchestrator resolves it from the adapter pool before calling).
func New(cfg Config, idx index.Adapter, chunks domain.ChunkStore, sessions domain.SessionStore, embedder embedding.Embedder, log *zap.Logger) *Storer {
	if cfg.SoftLimitTokens <= 0 {
		cfg.SoftLimitTokens = DefaultSoftLimitTokens
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Storer{cfg: cfg, index: idx, chunks: chunks, sessions: sessions, embedder: embedder, clock: time.Now, log: log}
}

// Store runs the rules in spec.md §4.6. It never returns an error for
// partial persistence failure: storage problems are logged, reflected in
// Result.PartialFailure, and otherwise swallowed, because "storage
// failures must not fail the client request."
func (s *Storer) Store(ctx context.Context, in Input) Result {
	var res Result
	now := s.clock()

	if in.StoreInput {
		for _, m := range in.InputMessages {
			if m.Role == "system" {
				continue
			}
			tokens := estimator.Text(m.Content)
			if !m.Memory {
				res.EphemeralTokens += tokens
				continue
			}
			res.StoredInputTokens += tokens
			n, err := s.storeText(ctx, in, roleOf(m.Role), m.Content, now)
			res.StoredChunkCount += n
			if err != nil {
				res.PartialFailure = true
			}
		}
	} else {
		for _, m := range in.InputMessages {
			if m.Role == "system" {
				continue
			}
			res.EphemeralTokens += estimator.Text(m.Content)
		}
	}

	if in.StoreResponse && strings.TrimSpace(in.AssistantOutput) != "" {
		res.StoredOutputTokens += estimator.Text(in.AssistantOutput)
		n, err := s.storeText(ctx, in, domain.RoleAssistant, in.AssistantOutput, now)
		res.StoredChunkCount += n
		if err != nil {
			res.PartialFailure = true
		}
	}

	if res.StoredChunkCount > 0 {
		s.bumpSessionCounters(ctx, in, res)
	}

	return res
}

func (s *Storer) storeText(ctx context.Context, in Input, role domain.Role, text string, now time.Time) (int, error) {
	pieces := Split(text, s.cfg.SoftLimitTokens)
	stored := 0
	var firstErr error
	for _, piece := range pieces {
		if err := s.storeChunk(ctx, in, role, piece, now); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.log.Warn("storer: chunk persist failed",
				zap.String("context_id", in.ContextID),
				zap.String("session_id", in.SessionID),
				zap.Error(err),
			)
			continue
		}
		stored++
	}
	return stored, firstErr
}

func (s *Storer) storeChunk(ctx context.Context, in Input, role domain.Role, content string, now time.Time) error {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	chunk := &domain.Chunk{
		ID:             id,
		ContextID:      in.ContextID,
		SessionID:      in.SessionID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
		OriginModel:    in.Model,
		OriginProvider: in.Provider,
		TokenCount:     estimator.Text(content),
		RequestID:      in.RequestID,
		ContentHash:    embedding.Fingerprint(content),
	}
	if err := s.chunks.Save(ctx, chunk); err != nil {
		return err
	}

	meta := index.Meta{
		Role:       string(role),
		CreatedAt:  now,
		Model:      in.Model,
		Provider:   in.Provider,
		RequestID:  in.RequestID,
		TokenCount: chunk.TokenCount,
		SessionID:  in.SessionID,
	}
	return s.index.Add(ctx, id, vec, meta)
}

func (s *Storer) bumpSessionCounters(ctx context.Context, in Input, res Result) {
	sess, err := s.sessions.Get(ctx, in.ContextID, in.SessionID)
	if err != nil {
		sess = &domain.Session{ContextID: in.ContextID, SessionID: in.SessionID, CreatedAt: s.clock()}
	}
	sess.LastUsedAt = s.clock()
	sess.ChunkCount += res.StoredChunkCount
	sess.TokenCount += int64(res.StoredInputTokens + res.StoredOutputTokens)
	if err := s.sessions.Save(ctx, sess); err != nil {
		s.log.Warn("storer: session counter update failed", zap.String("context_id", in.ContextID), zap.Error(err))
	}
}

func roleOf(raw string) domain.Role {
	if raw == string(domain.RoleAssistant) {
		return domain.RoleAssistant
	}
	return domain.RoleUser
}
