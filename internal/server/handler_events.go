package server

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/kestrel-labs/memoryrouter/internal/apperr"
	"github.com/kestrel-labs/memoryrouter/internal/events"
)

type subscriptionEventEnvelope struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload events.Payload `json:"data"`
}

// handleSubscriptionEvent is the external billing system's webhook intake
// (spec.md §4.10): verify the HMAC signature, then dispatch idempotently.
// Malformed signatures fail with 400; unknown event types and replays both
// report success since there is nothing left for the caller to retry.
func (s *Server) handleSubscriptionEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperr.Validation("INVALID_BODY", "could not read request body"))
		return
	}

	timestamp := r.Header.Get("X-Webhook-Timestamp")
	sig := r.Header.Get("X-Webhook-Signature")
	if err := s.deps.Verifier.Verify(timestamp, body, sig); err != nil {
		writeError(w, err)
		return
	}

	var env subscriptionEventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, apperr.Validation("INVALID_BODY", "malformed JSON event body"))
		return
	}

	status, err := s.deps.Dispatcher.Dispatch(r.Context(), env.ID, env.Type, body, env.Payload)
	if err != nil {
		s.deps.Log.Warn("server: event dispatch failed", zap.String("event_id", env.ID), zap.String("type", env.Type), zap.Error(err))
		writeError(w, apperr.Internal("processing subscription event", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}
