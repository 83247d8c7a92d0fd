// Package main is the entry point for the memoryrouter gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kestrel-labs/memoryrouter/internal/config"
	"github.com/kestrel-labs/memoryrouter/internal/domain"
	"github.com/kestrel-labs/memoryrouter/internal/embedding"
	"github.com/kestrel-labs/memoryrouter/internal/engine"
	"github.com/kestrel-labs/memoryrouter/internal/events"
	"github.com/kestrel-labs/memoryrouter/internal/index"
	"github.com/kestrel-labs/memoryrouter/internal/metrics"
	"github.com/kestrel-labs/memoryrouter/internal/orchestrator"
	"github.com/kestrel-labs/memoryrouter/internal/provider"
	"github.com/kestrel-labs/memoryrouter/internal/quota"
	"github.com/kestrel-labs/memoryrouter/internal/server"
	"github.com/kestrel-labs/memoryrouter/internal/storer"
	"github.com/kestrel-labs/memoryrouter/internal/storetest"
)

// noopSubmitter logs what it would have reported. A real deployment wires
// quota.Reporter to the external billing system's usage-reporting API
// instead; that system is an external collaborator per spec.md §1's scope
// note, so this binary has nothing real to call.
type noopSubmitter struct{ log *zap.Logger }

func (s noopSubmitter) Submit(_ context.Context, ownerID string, units int64) error {
	s.log.Info("quota: would report usage to external billing system", zap.String("owner_id", ownerID), zap.Int64("units", units))
	return nil
}

func main() {
	configPath := os.Getenv("MEMORYROUTER_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Store layer: a real deployment points these at a database. That
	// driver is an external collaborator per spec.md §1's scope note, so
	// this binary wires the in-memory stores built for testing — callers
	// provision owners, contexts, and credentials through the management
	// API once a real backend is wired in.
	owners := storetest.NewOwners()
	contexts := storetest.NewContexts()
	sessions := storetest.NewSessions()
	credentials := storetest.NewCredentials()
	chunks := storetest.NewChunks()
	usage := storetest.NewUsage()
	evs := storetest.NewEvents()

	seedDevData(owners, contexts, logger)

	embedder := buildEmbedder(cfg, logger)

	indexPool := index.NewPool(cfg.Index.PoolSize, cfg.Index.Shards, func(string) index.Adapter {
		return index.NewMemoryAdapter()
	})

	engineCfg := engine.DefaultConfig()
	if cfg.Engine.Budget > 0 {
		engineCfg.Budget = cfg.Engine.Budget
	}
	if cfg.Engine.OversampleFactor > 0 {
		engineCfg.OversampleFactor = cfg.Engine.OversampleFactor
	}
	if cfg.Engine.ScoreFloor > 0 {
		engineCfg.ScoreFloor = float32(cfg.Engine.ScoreFloor)
	}
	if cfg.Engine.HotWindow > 0 && cfg.Engine.WorkingWindow > 0 && cfg.Engine.LongTermWindow > 0 {
		engineCfg.Windows = engine.WindowConfig{Bounds: []engine.WindowBound{
			{Window: domain.WindowHot, UpperBound: cfg.Engine.HotWindow},
			{Window: domain.WindowWorking, UpperBound: cfg.Engine.WorkingWindow},
			{Window: domain.WindowLongTerm, UpperBound: cfg.Engine.LongTermWindow},
			{Window: domain.WindowArchive, UpperBound: 0},
		}}
	}
	eng := engine.New(engineCfg, nil)

	quotaCfg := quota.DefaultConfig()
	if cfg.Quota.FreeAllowanceTokens > 0 {
		quotaCfg.FreeAllowanceTokens = cfg.Quota.FreeAllowanceTokens
	}
	quotaCfg.UnitPriceMicros = cfg.Quota.UnitPriceMicros
	if cfg.Quota.GraceWindow > 0 {
		quotaCfg.GraceWindow = cfg.Quota.GraceWindow
	}
	if cfg.Quota.ReportUnitTokens > 0 {
		quotaCfg.ReportUnitTokens = cfg.Quota.ReportUnitTokens
	}
	gate := quota.New(quotaCfg, owners, usage)

	reporter := quota.NewReporter(quotaCfg, owners, noopSubmitter{log: logger}, logger)
	reportCtx, stopReporting := context.WithCancel(context.Background())
	reportInterval := cfg.Quota.ReportInterval
	if reportInterval <= 0 {
		reportInterval = time.Hour
	}
	go reporter.Run(reportCtx, reportInterval, owners.Save)
	defer stopReporting()

	router := provider.NewRouter(&http.Client{Timeout: cfg.Server.ProviderTimeout})

	mtr := metrics.New()

	orch := orchestrator.New(orchestrator.Deps{
		Contexts: contexts, Sessions: sessions, Credentials: credentials, Chunks: chunks,
		Quota:        gate,
		Engine:       eng,
		Router:       router,
		Embedder:     embedder,
		IndexPool:    indexPool,
		StorerConfig: storer.Config{},
		AsyncTimeout: cfg.Server.AsyncStoreTimeout,
		Metrics:      mtr,
		Log:          logger,
	})

	verifier := events.NewVerifier([]byte(cfg.Events.Secret), cfg.Events.Skew)
	dispatcher := events.NewDispatcher(evs, owners, gate, logger)

	srv := server.New(cfg, server.Deps{
		Orchestrator: orch, Contexts: contexts, Sessions: sessions, Chunks: chunks,
		Owners: owners, Usage: usage, Credentials: credentials,
		Engine: eng, IndexPool: indexPool, Embedder: embedder,
		Verifier: verifier, Dispatcher: dispatcher,
		Metrics: mtr,
		Log:     logger,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("memoryrouter listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

// buildEmbedder selects the configured embedding backend and wraps it with
// the fingerprint cache from spec.md §4.5, sharing the cache across
// replicas over Redis when one is configured.
func buildEmbedder(cfg *config.Config, logger *zap.Logger) embedding.Embedder {
	var base embedding.Embedder
	switch cfg.Embedding.Backend {
	case "local":
		local, err := embedding.NewLocalEmbedder(embedding.LocalEmbedderConfig{
			TokenizerPath: cfg.Embedding.TokenizerPath,
			ModelPath:     cfg.Embedding.ModelPath,
			Dimension:     cfg.Embedding.Dimension,
			InputName:     "input_ids",
			AttentionName: "attention_mask",
			OutputName:    "last_hidden_state",
		})
		if err != nil {
			logger.Fatal("failed to load local embedding model", zap.Error(err))
		}
		base = local
	default:
		dim := cfg.Embedding.Dimension
		if dim <= 0 {
			dim = 384
		}
		base = embedding.NewStubEmbedder(dim)
	}

	cache := embedding.NewCache(base, cfg.Embedding.CacheTTL)
	if cfg.Redis.Addr == "" {
		return cache
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	logger.Info("embedding cache: sharing fingerprint cache over redis", zap.String("addr", cfg.Redis.Addr))
	return cache.WithRedis(rdb, "shared")
}

// seedDevData provisions one owner and context so the binary has something
// to route against immediately. A real deployment removes this once a
// management UI or API call creates owners.
func seedDevData(owners *storetest.Owners, contexts *storetest.Contexts, logger *zap.Logger) {
	ctx := context.Background()
	ownerID := "dev-owner"
	if err := owners.Save(ctx, &domain.Owner{ID: ownerID, State: domain.BillingActive, CreatedAt: time.Now()}); err != nil {
		logger.Warn("seed: failed to create dev owner", zap.Error(err))
		return
	}
	contextID := domain.ContextIDPrefix + "dev"
	if err := contexts.Save(ctx, &domain.Context{
		ID: contextID, OwnerID: ownerID, Name: "dev", Active: true, CreatedAt: time.Now(), LastUsedAt: time.Now(),
	}); err != nil {
		logger.Warn("seed: failed to create dev context", zap.Error(err))
		return
	}
	logger.Info("seed: dev context ready, provider credentials must be added via the credential store before routing a request", zap.String("context_id", contextID))
}
