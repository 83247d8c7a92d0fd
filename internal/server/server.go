// Package server wires the HTTP surface from spec.md §6 onto the
// orchestrator and the domain stores: inference endpoints, memory and
// billing management, and the subscription-events webhook.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kestrel-labs/memoryrouter/internal/config"
	"github.com/kestrel-labs/memoryrouter/internal/domain"
	"github.com/kestrel-labs/memoryrouter/internal/embedding"
	"github.com/kestrel-labs/memoryrouter/internal/engine"
	"github.com/kestrel-labs/memoryrouter/internal/events"
	"github.com/kestrel-labs/memoryrouter/internal/index"
	"github.com/kestrel-labs/memoryrouter/internal/metrics"
	"github.com/kestrel-labs/memoryrouter/internal/orchestrator"
)

// Deps bundles everything the HTTP layer needs beyond the orchestrator
// itself: direct store access for the management and billing surface,
// which reads and mutates state the orchestrator never touches.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Contexts     domain.ContextStore
	Sessions     domain.SessionStore
	Chunks       domain.ChunkStore
	Owners       domain.OwnerStore
	Usage        domain.UsageStore
	Credentials  domain.CredentialStore

	Engine    *engine.Engine
	IndexPool *index.Pool
	Embedder  embedding.Embedder

	Verifier   *events.Verifier
	Dispatcher *events.Dispatcher

	Metrics *metrics.Metrics

	Log *zap.Logger
}

// Server holds the HTTP router and every dependency its handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config
	deps   Deps
}

// New builds a Server, wires its routes, and returns it ready to serve.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	s := &Server{cfg: cfg, deps: deps}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if s.cfg != nil && s.cfg.Server.ReadTimeout > 0 {
		r.Use(middleware.Timeout(s.readTimeout()))
	}

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Post("/v1/events/subscriptions", s.handleSubscriptionEvent)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.parseMemoryControl)

		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/messages", s.handleMessages)

		r.Route("/v1/memory/contexts", func(r chi.Router) {
			r.Get("/", s.handleListContexts)
			r.Post("/", s.handleCreateContext)
			r.Delete("/{contextID}", s.handleDeleteContext)
			r.Post("/{contextID}/clear", s.handleClearContext)
			r.Get("/{contextID}/stats", s.handleContextStats)

			r.Get("/{contextID}/sessions", s.handleListSessions)
			r.Get("/{contextID}/sessions/{sessionID}", s.handleGetSession)
			r.Delete("/{contextID}/sessions/{sessionID}", s.handleDeleteSession)
			r.Get("/{contextID}/sessions/{sessionID}/search", s.handleSearchSession)
		})

		r.Route("/v1/billing", func(r chi.Router) {
			r.Get("/overview", s.handleBillingOverview)
			r.Get("/usage", s.handleUsageDetails)
			r.Get("/quota", s.handleQuotaStatus)
			r.Get("/payment-methods", s.handlePaymentMethods)
			r.Get("/invoices", s.handleInvoices)
		})
	})

	s.router = r
}

func (s *Server) readTimeout() time.Duration {
	if s.cfg.Server.ReadTimeout > 0 {
		return s.cfg.Server.ReadTimeout
	}
	return 30 * time.Second
}

// ServeHTTP makes Server satisfy http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
