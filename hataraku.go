// Package hataraku is the public API for embedding the hataraku agent
// execution engine.
//
// Consumers import this package to construct the server with their own
// tools and model client without forking it:
//
//	app, err := hataraku.New(
//	    hataraku.WithVersion(version),
//	    hataraku.WithLogger(logger),
//	    hataraku.WithTools(myCRMTools...),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: hataraku (root)
// imports internal/*, but internal/* never imports hataraku (root).
// Public types (Tool, Decision, etc.) are standalone structs with no
// internal imports in their signatures; the adapters live here because
// this is the only file that sees both sides of the boundary.
package hataraku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joho/godotenv"

	"github.com/hataraku-ai/hataraku/internal/budget"
	"github.com/hataraku-ai/hataraku/internal/config"
	"github.com/hataraku-ai/hataraku/internal/embedding"
	"github.com/hataraku-ai/hataraku/internal/engine"
	"github.com/hataraku-ai/hataraku/internal/llm"
	"github.com/hataraku-ai/hataraku/internal/mcp"
	"github.com/hataraku-ai/hataraku/internal/memory"
	"github.com/hataraku-ai/hataraku/internal/server"
	"github.com/hataraku-ai/hataraku/internal/store"
	"github.com/hataraku-ai/hataraku/internal/store/inmem"
	"github.com/hataraku-ai/hataraku/internal/storage"
	"github.com/hataraku-ai/hataraku/internal/telemetry"
	"github.com/hataraku-ai/hataraku/internal/tool"
	"github.com/hataraku-ai/hataraku/migrations"
)

// App is the hataraku server lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB // nil in standalone (in-memory) mode
	store        store.Store
	manager      *engine.Manager
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server. It connects to the database (or selects
// the in-memory store), runs migrations, wires all subsystems, and
// returns a ready-to-run App. It does NOT start any goroutines or
// accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hataraku starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Select the store: Postgres when configured, in-memory otherwise.
	var (
		st        store.Store
		db        *storage.DB
		storeKind string
	)
	if cfg.DatabaseURL != "" {
		db, err = storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		st = db
		storeKind = "postgres"
	} else {
		logger.Warn("no DATABASE_URL configured, using in-memory store",
			"consequence", "executions and memories are lost on restart")
		st = inmem.New()
		storeKind = "inmem"
	}

	// Embedding provider. An external override takes priority over config.
	var embedder embedding.Provider
	switch {
	case o.embeddingProvider != nil:
		embedder = &embeddingProviderAdapter{provider: o.embeddingProvider}
	case cfg.EmbeddingProvider == "ollama":
		embedder = embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
		logger.Info("embeddings: ollama", "model", cfg.OllamaModel, "dims", cfg.EmbeddingDimensions)
	default:
		embedder = embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		logger.Info("embeddings: disabled (ranking uses structural signals only)")
	}

	// Decision client. An external override takes priority over the
	// built-in OpenAI-compatible client.
	var client llm.DecisionClient
	if o.decisionClient != nil {
		client = &decisionClientAdapter{client: o.decisionClient}
	} else {
		client = llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, llm.Pricing{
			PromptPerMTok:     cfg.LLMPromptPerMTokUsd,
			CompletionPerMTok: cfg.LLMCompletionPerMTokUsd,
		}, logger)
	}

	// Tool registry. Construction fails fast on duplicate names or
	// malformed schemas.
	defs := make([]tool.Definition, 0, len(o.tools))
	for _, t := range o.tools {
		defs = append(defs, toToolDefinition(t))
	}
	registry, err := tool.New(defs...)
	if err != nil {
		if db != nil {
			db.Close()
		}
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("tools: %w", err)
	}

	// Wire the engine.
	memories := memory.NewService(st, embedder, logger)
	tracker := budget.NewTracker(st, budget.OrgLimits{
		DailyTokens:  cfg.OrgDailyTokens,
		DailyCostUsd: cfg.OrgDailyCostUsd,
	}, logger)
	eng := engine.New(st, registry, client, memories, tracker, logger)
	manager := engine.NewManager(eng, st, logger)

	// MCP control surface.
	mcpSrv := mcp.New(manager, st, memories, logger)

	// HTTP server.
	handlers := server.NewHandlers(server.HandlersDeps{
		Manager:   manager,
		Store:     st,
		Memories:  memories,
		Logger:    logger,
		Version:   version,
		StoreKind: storeKind,
	})
	srv := server.New(server.ServerConfig{
		Handlers:            handlers,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		store:        st,
		manager:      manager,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the App's HTTP handler, middleware included. Exposed
// for embedding in a larger mux and for httptest-based integration
// tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server and blocks until ctx is cancelled or a
// fatal server error occurs. On return, Shutdown is called
// automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown: (1) stop accepting
// HTTP requests and drain in-flight, (2) let running executions finish
// within the shutdown grace, flagging stragglers for cancellation. It
// then closes the store and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hataraku shutting down", "running_executions", a.manager.RunningCount())

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, a.cfg.ShutdownGrace)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: execution drain.
	drainCtx, drainCancel := context.WithTimeout(ctx, a.cfg.ShutdownGrace)
	err := a.manager.Close(drainCtx)
	drainCancel()
	if err != nil {
		a.logger.Error("execution drain incomplete",
			"error", err,
			"configured_grace", a.cfg.ShutdownGrace)
	}

	// Cleanup.
	_ = a.otelShutdown(context.Background())
	if a.db != nil {
		a.db.Close()
	}

	a.logger.Info("hataraku stopped")
	if err != nil {
		return fmt.Errorf("execution drain failed: %w", err)
	}
	return nil
}
