// Package orchestrator wires every component into the nine-step sequence
// spec.md §4.11 describes for one inference call: resolve, admit, retrieve,
// splice, forward, capture, store, meter.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrel-labs/memoryrouter/internal/apperr"
	"github.com/kestrel-labs/memoryrouter/internal/domain"
	"github.com/kestrel-labs/memoryrouter/internal/embedding"
	"github.com/kestrel-labs/memoryrouter/internal/engine"
	"github.com/kestrel-labs/memoryrouter/internal/estimator"
	"github.com/kestrel-labs/memoryrouter/internal/formatter"
	"github.com/kestrel-labs/memoryrouter/internal/index"
	"github.com/kestrel-labs/memoryrouter/internal/metrics"
	"github.com/kestrel-labs/memoryrouter/internal/provider"
	"github.com/kestrel-labs/memoryrouter/internal/quota"
	"github.com/kestrel-labs/memoryrouter/internal/storer"
	"github.com/kestrel-labs/memoryrouter/internal/stream"
)

// ChatMessage is one input message as parsed off the HTTP request, before
// the engine's preamble has been spliced in.
type ChatMessage struct {
	Role    string
	Content string
	Memory  bool // per-message memory flag; defaults true at the HTTP layer
}

// Request is everything one inference call needs, already parsed out of
// the HTTP body and the memory-control headers from spec.md §6.
type Request struct {
	ContextID     string
	SessionID     string // already defaulted to ContextID when unset
	Mode          domain.MemoryMode
	StoreInput    bool
	StoreResponse bool
	ContextLimit  int
	RecencyBias   domain.RecencyBias

	Model     string
	Messages  []ChatMessage
	MaxTokens int
	Stream    bool

	// SystemField is set only for the Messages-style surface, whose system
	// prompt lives outside the messages array. Chat-style requests leave
	// this nil and receive their preamble inside Messages instead.
	SystemField *string
}

// DefaultContextLimit is used when X-Memory-Context-Limit is absent.
const DefaultContextLimit = 12

// DefaultDisconnectGrace overrides stream's own default: spec.md §5 sets
// the client-disconnect capture grace window at 2s for this deployment.
const DefaultDisconnectGrace = 2 * time.Second

// Response is what the HTTP layer renders back to the caller.
type Response struct {
	RequestID       string
	ProviderFamily  string
	Headers         map[string]string
	ChatResponse    *provider.ChatResponse // set for non-streaming calls
	Stream          <-chan provider.StreamChunk
}

// ProviderRouter resolves a BYOK credential to a Provider. *provider.Router
// satisfies this; tests substitute a fake that skips the network.
type ProviderRouter interface {
	Provider(cred provider.Credential) (provider.Provider, error)
}

// Deps bundles every collaborator the orchestrator wires together.
type Deps struct {
	Contexts    domain.ContextStore
	Sessions    domain.SessionStore
	Credentials domain.CredentialStore
	Chunks      domain.ChunkStore

	Quota    *quota.Gate
	Engine   *engine.Engine
	Router   ProviderRouter
	Embedder embedding.Embedder

	IndexPool *index.Pool

	StorerConfig storer.Config
	AsyncTimeout time.Duration // bound on the off-critical-path store+meter task

	Metrics *metrics.Metrics // optional; nil no-ops every observation

	Log *zap.Logger
}

type Orchestrator struct {
	deps Deps
}

func New(deps Deps) *Orchestrator {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.AsyncTimeout <= 0 {
		deps.AsyncTimeout = 10 * time.Second
	}
	return &Orchestrator{deps: deps}
}

// Handle runs steps 1-7 synchronously and launches steps 8 in the
// background, per spec.md §4.11 ("performed off the request's critical
// path"). The returned Response either carries a complete ChatResponse or
// a Stream the HTTP layer forwards with stream.Write.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	requestID := uuid.NewString()
	log := o.deps.Log.With(zap.String("request_id", requestID))

	// Step 1: resolve context id -> owner, session.
	memCtx, err := o.deps.Contexts.Get(ctx, req.ContextID)
	if err != nil {
		return nil, apperr.Auth("INVALID_CONTEXT", "unknown or inactive context id")
	}
	if !memCtx.Active {
		return nil, apperr.Auth("INVALID_CONTEXT", "context id is inactive")
	}

	// Step 2: admission check.
	admission, err := o.deps.Quota.Admit(ctx, memCtx.OwnerID)
	if err != nil {
		if appErr, ok := apperr.As(err); ok {
			o.deps.Metrics.ObserveAdmissionDenied(appErr.Code)
		}
		return nil, err
	}

	headers := map[string]string{"X-Memory-Session": req.SessionID}
	if admission.Warning {
		headers["X-Billing-Warning"] = "account in grace period"
		if admission.GraceDeadline != nil {
			headers["X-Grace-Period-Ends"] = admission.GraceDeadline.Format(time.RFC3339)
		}
	}

	// Step 5 (credential lookup happens before the provider call, but we
	// resolve it early so a missing key fails before we've spent engine
	// budget on retrieval).
	family, trimmedModel := provider.ParseModel(req.Model)
	cred, err := o.deps.Credentials.Get(ctx, memCtx.OwnerID, family)
	if err != nil || !cred.Active {
		return nil, apperr.CredentialMissing(family)
	}

	idx, err := o.deps.IndexPool.Get(ctx, req.ContextID)
	if err != nil {
		return nil, apperr.Internal("resolving index adapter", err)
	}

	retrievedTokens := 0
	messages := req.Messages
	systemField := req.SystemField

	// Step 3-4: retrieval, only for modes that read memory.
	if req.Mode.RetrievesMemory() {
		limit := req.ContextLimit
		if limit <= 0 {
			limit = DefaultContextLimit
		}
		query := lastUserMessage(messages)
		retrieveStart := time.Now()
		result, err := o.deps.Engine.Retrieve(ctx, engine.Request{
			ContextID: req.ContextID, SessionID: req.SessionID, Query: query,
			Limit: limit, RecencyBias: req.RecencyBias,
		}, idx, o.deps.Chunks, o.deps.Embedder)
		o.deps.Metrics.ObserveRetrieveLatency(time.Since(retrieveStart).Seconds())
		if err != nil && err != engine.ErrBudgetExceeded {
			log.Warn("orchestrator: retrieve failed, continuing without a preamble", zap.Error(err))
		}
		if err == nil && len(result.Chunks) > 0 {
			retrievedTokens = result.RetrievedTokens
			entries := make([]formatter.Entry, len(result.Chunks))
			for i, c := range result.Chunks {
				entries[i] = formatter.Entry{Role: string(c.Chunk.Role), Window: string(c.Window), Content: c.Chunk.Content}
			}
			preamble := formatter.Format(req.Model, entries)
			if preamble != "" {
				messages, systemField = splice(messages, systemField, preamble)
			}
		}
	}

	headers["X-Memory-Tokens-Retrieved"] = fmt.Sprintf("%d", retrievedTokens)

	// Step 6: call the provider.
	p, err := o.deps.Router.Provider(provider.Credential{Family: family, APIKey: cred.Ciphertext})
	if err != nil {
		return nil, apperr.CredentialMissing(family)
	}

	chatReq := toChatRequest(trimmedModel, messages, systemField, req.MaxTokens)

	resp := &Response{RequestID: requestID, ProviderFamily: family, Headers: headers}

	if req.Stream {
		chunks, err := p.ChatCompletionStream(ctx, chatReq)
		if err != nil {
			o.deps.Metrics.ObserveRequest(family, "error")
			return nil, classifyProviderError(family, err)
		}
		toClient, capture := stream.Tee(chunks, stream.TeeConfig{DisconnectGrace: DefaultDisconnectGrace})
		resp.Stream = toClient
		o.deps.Metrics.ObserveRequest(family, "success")

		go o.finishAsync(memCtx, req, messages, family, trimmedModel, requestID, retrievedTokens, func() (string, *provider.Usage) {
			c := <-capture
			return c.Text, c.Usage
		})
		return resp, nil
	}

	chatResp, err := p.ChatCompletion(ctx, chatReq)
	if err != nil {
		o.deps.Metrics.ObserveRequest(family, "error")
		return nil, classifyProviderError(family, err)
	}
	o.deps.Metrics.ObserveRequest(family, "success")
	resp.ChatResponse = chatResp
	headers["X-Memory-Tokens-Stored"] = "0" // approximate; finalized once the async store completes

	go o.finishAsync(memCtx, req, messages, family, trimmedModel, requestID, retrievedTokens, func() (string, *provider.Usage) {
		return chatResp.Content, &chatResp.Usage
	})

	return resp, nil
}

// finishAsync runs step 8 (storer, then metering) off the request's
// critical path, on a detached context bounded by AsyncTimeout so a client
// disconnect never aborts storage for what the provider already produced.
func (o *Orchestrator) finishAsync(memCtx *domain.Context, req Request, messages []ChatMessage, family, model, requestID string, retrievedTokens int, await func() (string, *provider.Usage)) {
	// The provider's own usage figures are informational only: billing is
	// computed from what the storer actually persisted (spec.md §4.9).
	assistantOutput, _ := await()

	ctx, cancel := context.WithTimeout(context.Background(), o.deps.AsyncTimeout)
	defer cancel()

	var result storer.Result
	if req.Mode.WritesMemory() {
		idx, err := o.deps.IndexPool.Get(ctx, req.ContextID)
		if err != nil {
			o.deps.Log.Warn("orchestrator: index adapter unavailable for storer", zap.String("request_id", requestID), zap.Error(err))
		} else {
			st := storer.New(o.deps.StorerConfig, idx, o.deps.Chunks, o.deps.Sessions, o.deps.Embedder, o.deps.Log)
			result = st.Store(ctx, storer.Input{
				ContextID: req.ContextID, SessionID: req.SessionID,
				Model: model, Provider: family, RequestID: requestID,
				InputMessages:   toStorerMessages(messages),
				AssistantOutput: assistantOutput,
				StoreInput:      req.StoreInput,
				StoreResponse:   req.StoreResponse,
			})
		}
	} else {
		for _, m := range messages {
			if m.Role == "system" {
				continue
			}
			result.EphemeralTokens += estimator.Text(m.Content)
		}
	}

	usageInput := quota.UsageInput{
		OwnerID: memCtx.OwnerID, ContextID: req.ContextID, RequestID: requestID,
		StoredInputTokens: result.StoredInputTokens, StoredOutputTokens: result.StoredOutputTokens,
		RetrievedTokens: retrievedTokens, EphemeralTokens: result.EphemeralTokens,
		Model: model, ProviderFamily: family, PartialFailure: result.PartialFailure,
	}
	if err := o.deps.Quota.Record(ctx, usageInput); err != nil {
		o.deps.Log.Warn("orchestrator: metering failed", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	o.deps.Metrics.AddBillableTokens(family, float64(result.StoredInputTokens+result.StoredOutputTokens))
}

func lastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// splice prepends preamble to an existing system entry, or inserts a new
// one at the head, per spec.md §4.11 step 4.
func splice(messages []ChatMessage, systemField *string, preamble string) ([]ChatMessage, *string) {
	if systemField != nil {
		merged := preamble
		if strings.TrimSpace(*systemField) != "" {
			merged = preamble + "\n\n" + *systemField
		}
		return messages, &merged
	}

	for i, m := range messages {
		if m.Role == "system" {
			out := append([]ChatMessage(nil), messages...)
			out[i].Content = preamble + "\n\n" + m.Content
			return out, nil
		}
	}
	out := make([]ChatMessage, 0, len(messages)+1)
	out = append(out, ChatMessage{Role: "system", Content: preamble, Memory: false})
	out = append(out, messages...)
	return out, nil
}

func toChatRequest(model string, messages []ChatMessage, systemField *string, maxTokens int) *provider.ChatRequest {
	req := &provider.ChatRequest{Model: model, MaxTokens: maxTokens}
	if systemField != nil && strings.TrimSpace(*systemField) != "" {
		req.Messages = append(req.Messages, provider.Message{Role: "system", Content: *systemField})
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	return req
}

func toStorerMessages(messages []ChatMessage) []storer.Message {
	out := make([]storer.Message, len(messages))
	for i, m := range messages {
		out[i] = storer.Message{Role: m.Role, Content: m.Content, Memory: m.Memory}
	}
	return out
}

func classifyProviderError(family string, err error) error {
	if appErr, ok := apperr.As(err); ok {
		return appErr
	}
	return apperr.UpstreamProvider(family, 502, nil, err)
}
