package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kestrel-labs/memoryrouter/internal/apperr"
	"github.com/kestrel-labs/memoryrouter/internal/domain"
	"github.com/kestrel-labs/memoryrouter/internal/engine"
)

// ownerOf resolves the owner of the bearer context id, the scope every
// owner-level management endpoint (list contexts, billing) operates in.
func (s *Server) ownerOf(r *http.Request) (*domain.Context, error) {
	contextID := contextIDFrom(r.Context())
	memCtx, err := s.deps.Contexts.Get(r.Context(), contextID)
	if err != nil {
		return nil, apperr.Auth("INVALID_CONTEXT", "unknown or inactive context id")
	}
	return memCtx, nil
}

type contextView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

func toContextView(c *domain.Context) contextView {
	return contextView{ID: c.ID, Name: c.Name, Active: c.Active, CreatedAt: c.CreatedAt, LastUsedAt: c.LastUsedAt}
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	owner, err := s.ownerOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.deps.Contexts.ListByOwner(r.Context(), owner.OwnerID)
	if err != nil {
		writeError(w, apperr.Internal("listing contexts", err))
		return
	}
	out := make([]contextView, len(rows))
	for i, c := range rows {
		out[i] = toContextView(c)
	}
	writeJSON(w, http.StatusOK, out)
}

type createContextRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	owner, err := s.ownerOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body createContextRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	now := time.Now()
	c := &domain.Context{
		ID: domain.ContextIDPrefix + uuid.NewString(), OwnerID: owner.OwnerID,
		Name: body.Name, Active: true, CreatedAt: now, LastUsedAt: now,
	}
	if err := s.deps.Contexts.Save(r.Context(), c); err != nil {
		writeError(w, apperr.Internal("creating context", err))
		return
	}
	writeJSON(w, http.StatusCreated, toContextView(c))
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextID")
	if err := s.deps.Contexts.Delete(r.Context(), contextID); err != nil {
		writeError(w, apperr.Internal("deleting context", err))
		return
	}
	if err := s.deps.Chunks.DeleteByContext(r.Context(), contextID); err != nil {
		s.deps.Log.Warn("server: chunk cleanup after context delete failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextID")
	if err := s.deps.Chunks.DeleteByContext(r.Context(), contextID); err != nil {
		writeError(w, apperr.Internal("clearing context memory", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type contextStats struct {
	SessionCount int `json:"session_count"`
	ChunkCount   int `json:"chunk_count"`
}

func (s *Server) handleContextStats(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextID")
	sessions, err := s.deps.Sessions.ListByContext(r.Context(), contextID)
	if err != nil {
		writeError(w, apperr.Internal("loading sessions", err))
		return
	}
	chunkCount := 0
	for _, sess := range sessions {
		chunkCount += sess.ChunkCount
	}
	writeJSON(w, http.StatusOK, contextStats{SessionCount: len(sessions), ChunkCount: chunkCount})
}

type sessionView struct {
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ChunkCount int       `json:"chunk_count"`
	TokenCount int64     `json:"token_count"`
}

func toSessionView(sess *domain.Session) sessionView {
	return sessionView{
		SessionID: sess.SessionID, CreatedAt: sess.CreatedAt, LastUsedAt: sess.LastUsedAt,
		ChunkCount: sess.ChunkCount, TokenCount: sess.TokenCount,
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextID")
	rows, err := s.deps.Sessions.ListByContext(r.Context(), contextID)
	if err != nil {
		writeError(w, apperr.Internal("listing sessions", err))
		return
	}
	out := make([]sessionView, len(rows))
	for i, sess := range rows {
		out[i] = toSessionView(sess)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	contextID, sessionID := chi.URLParam(r, "contextID"), chi.URLParam(r, "sessionID")
	sess, err := s.deps.Sessions.Get(r.Context(), contextID, sessionID)
	if err != nil {
		writeError(w, apperr.Validation("SESSION_NOT_FOUND", "no such session"))
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	contextID, sessionID := chi.URLParam(r, "contextID"), chi.URLParam(r, "sessionID")
	rows, err := s.deps.Chunks.ListBySession(r.Context(), contextID, sessionID)
	if err == nil {
		ids := make([]string, len(rows))
		for i, c := range rows {
			ids[i] = c.ID
		}
		_ = s.deps.Chunks.Delete(r.Context(), contextID, ids)
	}
	if err := s.deps.Sessions.Delete(r.Context(), contextID, sessionID); err != nil {
		writeError(w, apperr.Internal("deleting session", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchResultView struct {
	ChunkID string  `json:"chunk_id"`
	Role    string  `json:"role"`
	Window  string  `json:"window"`
	Score   float32 `json:"score"`
	Content string  `json:"content"`
}

// handleSearchSession exposes the retrieval engine directly, for clients
// that want to inspect what a given query would surface without spending
// a provider call.
func (s *Server) handleSearchSession(w http.ResponseWriter, r *http.Request) {
	contextID, sessionID := chi.URLParam(r, "contextID"), chi.URLParam(r, "sessionID")
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, apperr.Validation("MISSING_QUERY", "q query parameter is required"))
		return
	}
	limit := 12
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}

	idx, err := s.deps.IndexPool.Get(r.Context(), contextID)
	if err != nil {
		writeError(w, apperr.Internal("resolving index adapter", err))
		return
	}
	result, err := s.deps.Engine.Retrieve(r.Context(), engine.Request{
		ContextID: contextID, SessionID: sessionID, Query: query, Limit: limit,
		RecencyBias: domain.RecencyMedium,
	}, idx, s.deps.Chunks, s.deps.Embedder)
	if err != nil {
		writeError(w, apperr.Internal("retrieving", err))
		return
	}

	out := make([]searchResultView, len(result.Chunks))
	for i, c := range result.Chunks {
		out[i] = searchResultView{
			ChunkID: c.Chunk.ID, Role: string(c.Chunk.Role), Window: string(c.Window),
			Score: c.Score, Content: c.Chunk.Content,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.Validation("INVALID_LIMIT", "limit must be a positive integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
