package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/memoryrouter/internal/config"
	"github.com/kestrel-labs/memoryrouter/internal/domain"
	"github.com/kestrel-labs/memoryrouter/internal/embedding"
	"github.com/kestrel-labs/memoryrouter/internal/engine"
	"github.com/kestrel-labs/memoryrouter/internal/events"
	"github.com/kestrel-labs/memoryrouter/internal/index"
	"github.com/kestrel-labs/memoryrouter/internal/orchestrator"
	"github.com/kestrel-labs/memoryrouter/internal/provider"
	"github.com/kestrel-labs/memoryrouter/internal/quota"
	"github.com/kestrel-labs/memoryrouter/internal/storer"
	"github.com/kestrel-labs/memoryrouter/internal/storetest"
)

type fakeProvider struct {
	resp *provider.ChatResponse
}

func (f *fakeProvider) Name() string { return "openai" }
func (f *fakeProvider) ChatCompletion(_ context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	return f.resp, nil
}
func (f *fakeProvider) ChatCompletionStream(_ context.Context, _ *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	out := make(chan provider.StreamChunk, 1)
	out <- provider.StreamChunk{Done: true}
	close(out)
	return out, nil
}

type fakeRouter struct{ p provider.Provider }

func (r *fakeRouter) Provider(cred provider.Credential) (provider.Provider, error) { return r.p, nil }

type harness struct {
	srv         *Server
	owners      *storetest.Owners
	contexts    *storetest.Contexts
	chunks      *storetest.Chunks
	events      *storetest.Events
	webhookKey  []byte
}

func newTestHarness(t *testing.T) *harness {
	t.Helper()

	owners := storetest.NewOwners()
	contexts := storetest.NewContexts()
	sessions := storetest.NewSessions()
	credentials := storetest.NewCredentials()
	chunks := storetest.NewChunks()
	usage := storetest.NewUsage()
	evs := storetest.NewEvents()

	require.NoError(t, owners.Save(context.Background(), &domain.Owner{ID: "owner-1", State: domain.BillingActive}))
	require.NoError(t, contexts.Save(context.Background(), &domain.Context{ID: "mk_test", OwnerID: "owner-1", Active: true}))
	require.NoError(t, credentials.Save(context.Background(), &domain.ProviderCredential{
		OwnerID: "owner-1", Family: "openai", Ciphertext: "sk-test", Active: true,
	}))

	pool := index.NewPool(16, nil, func(string) index.Adapter { return index.NewMemoryAdapter() })
	p := &fakeProvider{resp: &provider.ChatResponse{ID: "r1", Content: "hi there"}}

	gate := quota.New(quota.DefaultConfig(), owners, usage)
	orch := orchestrator.New(orchestrator.Deps{
		Contexts: contexts, Sessions: sessions, Credentials: credentials, Chunks: chunks,
		Quota:        gate,
		Engine:       engine.New(engine.DefaultConfig(), nil),
		Router:       &fakeRouter{p: p},
		Embedder:     embedding.NewStubEmbedder(32),
		IndexPool:    pool,
		StorerConfig: storer.Config{},
	})

	secret := []byte("whtest")
	verifier := events.NewVerifier(secret, 5*time.Minute)
	dispatcher := events.NewDispatcher(evs, owners, gate, nil)

	srv := New(&config.Config{}, Deps{
		Orchestrator: orch, Contexts: contexts, Sessions: sessions, Chunks: chunks,
		Owners: owners, Usage: usage, Credentials: credentials,
		Engine: engine.New(engine.DefaultConfig(), nil), IndexPool: pool, Embedder: embedding.NewStubEmbedder(32),
		Verifier: verifier, Dispatcher: dispatcher,
	})

	return &harness{srv: srv, owners: owners, contexts: contexts, chunks: chunks, events: evs, webhookKey: secret}
}

func TestAuthenticateRejectsMissingBearer(t *testing.T) {
	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticateRejectsMalformedContextID(t *testing.T) {
	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer not-a-context-id")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChatCompletionsRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	body := `{"model":"openai/gpt-4o-mini","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "Bearer mk_test")
	req.Header.Set("X-Session-ID", "s1")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "openai", w.Header().Get("X-Memory-Provider"))

	var decoded provider.ChatResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&decoded))
	assert.Equal(t, "hi there", decoded.Content)

	require.Eventually(t, func() bool {
		rows, err := h.chunks.ListBySession(context.Background(), "mk_test", "s1")
		return err == nil && len(rows) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestChatCompletionsRejectsMissingModel(t *testing.T) {
	h := newTestHarness(t)
	body := `{"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "Bearer mk_test")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionsRejectsEmptyMessages(t *testing.T) {
	h := newTestHarness(t)
	body := `{"model":"openai/gpt-4o-mini","messages":[]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "Bearer mk_test")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionsRejectsUnsupportedRole(t *testing.T) {
	h := newTestHarness(t)
	body := `{"model":"openai/gpt-4o-mini","messages":[{"role":"tool","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "Bearer mk_test")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMessagesRejectsMissingMaxTokens(t *testing.T) {
	h := newTestHarness(t)
	body := `{"model":"anthropic/claude-3-5-sonnet","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "Bearer mk_test")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMemoryControlHeaderDefaults(t *testing.T) {
	h := newTestHarness(t)
	body := `{"model":"openai/gpt-4o-mini","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "Bearer mk_test")
	// no X-Session-ID, no X-Memory-Mode: session defaults to context id, mode defaults to auto.
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		rows, err := h.chunks.ListBySession(context.Background(), "mk_test", "mk_test")
		return err == nil && len(rows) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryManagementCRUD(t *testing.T) {
	h := newTestHarness(t)

	createReq := httptest.NewRequest(http.MethodPost, "/v1/memory/contexts", bytes.NewReader([]byte(`{"name":"second"}`)))
	createReq.Header.Set("Authorization", "Bearer mk_test")
	createW := httptest.NewRecorder()
	h.srv.ServeHTTP(createW, createReq)
	require.Equal(t, http.StatusCreated, createW.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/memory/contexts", nil)
	listReq.Header.Set("Authorization", "Bearer mk_test")
	listW := httptest.NewRecorder()
	h.srv.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	var rows []contextView
	require.NoError(t, json.NewDecoder(listW.Body).Decode(&rows))
	assert.Len(t, rows, 2) // seeded mk_test + the one just created
}

func TestBillingOverview(t *testing.T) {
	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/billing/overview", nil)
	req.Header.Set("Authorization", "Bearer mk_test")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out billingOverview
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, "ACTIVE", out.State)
}

func sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSubscriptionWebhookVerifiesAndDispatches(t *testing.T) {
	h := newTestHarness(t)
	body := []byte(`{"id":"evt_1","type":"payment_instrument.attached","data":{"owner_id":"owner-1"}}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := sign(h.webhookKey, ts, body)

	req := httptest.NewRequest(http.MethodPost, "/v1/events/subscriptions", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", sig)
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	owner, err := h.owners.Get(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.True(t, owner.HasPaymentInstrument)

	// Replaying the same event id is a no-op success, not an error.
	req2 := httptest.NewRequest(http.MethodPost, "/v1/events/subscriptions", bytes.NewReader(body))
	req2.Header.Set("X-Webhook-Timestamp", ts)
	req2.Header.Set("X-Webhook-Signature", sig)
	w2 := httptest.NewRecorder()
	h.srv.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)
	var status map[string]string
	require.NoError(t, json.NewDecoder(w2.Body).Decode(&status))
	assert.Equal(t, "already_processed", status["status"])
}

func TestSubscriptionWebhookRejectsBadSignature(t *testing.T) {
	h := newTestHarness(t)
	body := []byte(`{"id":"evt_2","type":"payment.failed","data":{"owner_id":"owner-1"}}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/v1/events/subscriptions", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthCheck(t *testing.T) {
	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
