package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/kestrel-labs/memoryrouter/internal/apperr"
	"github.com/kestrel-labs/memoryrouter/internal/orchestrator"
	"github.com/kestrel-labs/memoryrouter/internal/stream"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// chatCompletionsRequest is the OpenAI-compatible inbound shape for
// POST /v1/chat/completions.
type chatCompletionsRequest struct {
	Model     string          `json:"model"`
	Messages  []chatMessageIn `json:"messages"`
	Stream    bool            `json:"stream"`
	MaxTokens int             `json:"max_tokens"`
}

type chatMessageIn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Memory  *bool  `json:"memory,omitempty"`
}

// messagesRequest is the Anthropic-style inbound shape for POST
// /v1/messages, whose system prompt is a top-level field rather than a
// message with role "system".
type messagesRequest struct {
	Model     string          `json:"model"`
	System    string          `json:"system"`
	Messages  []chatMessageIn `json:"messages"`
	Stream    bool            `json:"stream"`
	MaxTokens int             `json:"max_tokens"`
}

// validRoles are the message roles every provider adapter understands.
// "system" is only valid in chatCompletionsRequest.Messages — messagesRequest
// carries it in a separate top-level field instead.
var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// validateChatMessages rejects an empty messages array or any message with
// an unsupported role, per the 400-on-malformed-request contract.
func validateChatMessages(messages []chatMessageIn) error {
	if len(messages) == 0 {
		return apperr.Validation("MISSING_FIELD", "messages must not be empty")
	}
	for _, m := range messages {
		if !validRoles[m.Role] {
			return apperr.Validation("UNSUPPORTED_ROLE", fmt.Sprintf("unsupported message role %q", m.Role))
		}
	}
	return nil
}

func toOrchestratorMessages(in []chatMessageIn) []orchestrator.ChatMessage {
	out := make([]orchestrator.ChatMessage, len(in))
	for i, m := range in {
		memory := true
		if m.Memory != nil {
			memory = *m.Memory
		}
		out[i] = orchestrator.ChatMessage{Role: m.Role, Content: m.Content, Memory: memory}
	}
	return out
}

func (s *Server) baseRequest(r *http.Request) (string, memoryControl) {
	return contextIDFrom(r.Context()), memoryControlFrom(r.Context())
}

func setMemoryHeaders(w http.ResponseWriter, resp *orchestrator.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("X-Memory-Provider", resp.ProviderFamily)
}

// handleChatCompletions handles POST /v1/chat/completions: the OpenAI wire
// shape, with the system preamble (if any) spliced into the messages array.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("INVALID_BODY", "malformed JSON request body"))
		return
	}
	if body.Model == "" {
		writeError(w, apperr.Validation("MISSING_FIELD", "model is required"))
		return
	}
	if err := validateChatMessages(body.Messages); err != nil {
		writeError(w, err)
		return
	}

	contextID, mc := s.baseRequest(r)
	req := orchestrator.Request{
		ContextID: contextID, SessionID: mc.SessionID, Mode: mc.Mode,
		StoreInput: mc.StoreInput, StoreResponse: mc.StoreResponse,
		ContextLimit: mc.ContextLimit, RecencyBias: mc.RecencyBias,
		Model: body.Model, Messages: toOrchestratorMessages(body.Messages),
		MaxTokens: body.MaxTokens, Stream: body.Stream,
	}

	resp, err := s.deps.Orchestrator.Handle(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	setMemoryHeaders(w, resp)

	if resp.Stream != nil {
		if err := stream.Write(w, resp.Stream); err != nil {
			s.deps.Log.Warn("server: stream write failed", zap.String("request_id", resp.RequestID), zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp.ChatResponse)
}

// handleMessages handles POST /v1/messages: the Anthropic-style wire
// shape, whose system prompt lives outside the messages array.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var body messagesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("INVALID_BODY", "malformed JSON request body"))
		return
	}
	if body.Model == "" {
		writeError(w, apperr.Validation("MISSING_FIELD", "model is required"))
		return
	}
	if err := validateChatMessages(body.Messages); err != nil {
		writeError(w, err)
		return
	}
	if body.MaxTokens <= 0 {
		writeError(w, apperr.Validation("MISSING_FIELD", "max_tokens is required"))
		return
	}

	contextID, mc := s.baseRequest(r)
	system := body.System
	req := orchestrator.Request{
		ContextID: contextID, SessionID: mc.SessionID, Mode: mc.Mode,
		StoreInput: mc.StoreInput, StoreResponse: mc.StoreResponse,
		ContextLimit: mc.ContextLimit, RecencyBias: mc.RecencyBias,
		Model: body.Model, Messages: toOrchestratorMessages(body.Messages),
		MaxTokens: body.MaxTokens, Stream: body.Stream, SystemField: &system,
	}

	resp, err := s.deps.Orchestrator.Handle(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	setMemoryHeaders(w, resp)

	if resp.Stream != nil {
		if err := stream.Write(w, resp.Stream); err != nil {
			s.deps.Log.Warn("server: stream write failed", zap.String("request_id", resp.RequestID), zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp.ChatResponse)
}
