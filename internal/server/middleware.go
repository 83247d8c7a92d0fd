package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/kestrel-labs/memoryrouter/internal/apperr"
	"github.com/kestrel-labs/memoryrouter/internal/domain"
)

type ctxKey int

const (
	ctxKeyContextID ctxKey = iota
	ctxKeyMemoryControl
)

// memoryControl is the parsed form of the X-Memory-* header table from
// spec.md §6.
type memoryControl struct {
	SessionID     string
	Mode          domain.MemoryMode
	StoreInput    bool
	StoreResponse bool
	ContextLimit  int
	RecencyBias   domain.RecencyBias
}

// authenticate extracts the bearer context id and fails the request with
// 401 when it's missing or doesn't carry the "mk_" prefix.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || !strings.HasPrefix(token, domain.ContextIDPrefix) {
			writeError(w, apperr.Auth("MISSING_CONTEXT_ID", "Authorization: Bearer <context-id> is required"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyContextID, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// parseMemoryControl reads the X-Memory-* headers and attaches the parsed
// result to the request context, defaulting the session id to the context
// id itself when X-Session-ID is absent (spec.md §6).
func (s *Server) parseMemoryControl(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contextID, _ := r.Context().Value(ctxKeyContextID).(string)

		sessionID := r.Header.Get("X-Session-ID")
		if sessionID == "" {
			sessionID = contextID
		}

		limit := 12
		if raw := r.Header.Get("X-Memory-Context-Limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}

		mc := memoryControl{
			SessionID:     sessionID,
			Mode:          domain.ParseMemoryMode(r.Header.Get("X-Memory-Mode")),
			StoreInput:    headerBoolDefault(r, "X-Memory-Store", true),
			StoreResponse: headerBoolDefault(r, "X-Memory-Store-Response", true),
			ContextLimit:  limit,
			RecencyBias:   domain.ParseRecencyBias(r.Header.Get("X-Memory-Recency-Bias")),
		}

		ctx := context.WithValue(r.Context(), ctxKeyMemoryControl, mc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func headerBoolDefault(r *http.Request, name string, def bool) bool {
	raw := r.Header.Get(name)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func contextIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyContextID).(string)
	return id
}

func memoryControlFrom(ctx context.Context) memoryControl {
	mc, _ := ctx.Value(ctxKeyMemoryControl).(memoryControl)
	return mc
}

// writeError renders err as the JSON error envelope spec.md §7 specifies,
// using the *apperr.Error status/code when available and falling back to
// 500 for anything else.
func writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Internal("unexpected error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}
