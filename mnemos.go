// Package mnemos is the embeddable Mnemos server: a multi-tenant,
// vector-searchable memory service exposed over MCP. Construct with New(),
// run with Run() (HTTP) or RunStdio() (local single-user transport).
package mnemos

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mnemos-ai/mnemos/internal/config"
	"github.com/mnemos-ai/mnemos/internal/contacts"
	"github.com/mnemos-ai/mnemos/internal/ctxutil"
	"github.com/mnemos-ai/mnemos/internal/llm"
	"github.com/mnemos-ai/mnemos/internal/mcp"
	"github.com/mnemos-ai/mnemos/internal/ratelimit"
	"github.com/mnemos-ai/mnemos/internal/search"
	"github.com/mnemos-ai/mnemos/internal/server"
	"github.com/mnemos-ai/mnemos/internal/service/embedding"
	"github.com/mnemos-ai/mnemos/internal/service/memsvc"
	"github.com/mnemos-ai/mnemos/internal/service/writebuf"
	"github.com/mnemos-ai/mnemos/internal/session"
	"github.com/mnemos-ai/mnemos/internal/storage"
	"github.com/mnemos-ai/mnemos/internal/telemetry"
	"github.com/mnemos-ai/mnemos/migrations"
)

// App is the Mnemos server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	buffer       *writebuf.Service
	index        *search.QdrantIndex    // nil when Qdrant is not configured
	authn        *session.Authenticator // nil when auth is disabled
	mcpSrv       *mcp.Server
	core         *memsvc.Service
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Mnemos server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept connections; call Run()
// or RunStdio().
func New(opts ...Option) (*App, error) {
	// Apply options.
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

	logger.Info("mnemos starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run migrations. Applied files are tracked in schema_version, so errors
	// here indicate real failures, not re-runs.
	if ran, err := db.RunMigrations(context.Background(), migrations.FS, storage.MigrateOptions{}); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	} else if len(ran) > 0 {
		logger.Info("migrations applied", "files", ran)
	}

	// Embedding provider. An external override takes priority over auto-detect.
	provider := o.embeddingProvider
	if provider == nil {
		provider = newEmbeddingProvider(cfg, logger)
	}
	gateway := embedding.NewGateway(provider, db, cfg.EmbedderRPM, logger)

	// Qdrant ANN index (optional; pgvector scan remains the fallback).
	var qdrantIndex *search.QdrantIndex
	if cfg.QdrantAddr != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantAddr,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbedderDimension), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no MNEMOS_QDRANT_ADDR)")
	}

	// Interface slots stay nil unless the index exists; a typed nil pointer
	// in a non-nil interface would defeat the nil checks downstream.
	var searchIndex search.Index
	var bufIndex writebuf.VectorIndex
	var svcIndex memsvc.VectorIndex
	if qdrantIndex != nil {
		searchIndex = qdrantIndex
		bufIndex = qdrantIndex
		svcIndex = qdrantIndex
	}

	// Hybrid search engine.
	engine := search.New(db, gateway, searchIndex, logger)

	// Durable write buffer and worker.
	buffer := writebuf.New(db, gateway, bufIndex, writebuf.Config{
		MaxAttempts:     cfg.BufferMaxAttempts,
		BackoffBase:     cfg.BufferBackoffBase,
		BackoffCap:      cfg.BufferBackoffCap,
		MemoriesPerUser: cfg.QuotaMemoriesPerUser,
		EntitiesPerUser: cfg.QuotaEntitiesPerUser,
	}, logger)

	// Duplicate judge. MockJudge keeps dedup deterministic without a key.
	judge := o.judge
	if judge == nil {
		if cfg.LLMAPIKey != "" {
			judge, err = llm.NewChatJudge(llm.Config{
				APIKey:  cfg.LLMAPIKey,
				BaseURL: cfg.LLMBaseURL,
				Model:   cfg.LLMModel,
			})
			if err != nil {
				db.Close()
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("llm judge: %w", err)
			}
			logger.Info("duplicate judge: llm", "model", cfg.LLMModel)
		} else {
			judge = llm.MockJudge{}
			logger.Info("duplicate judge: heuristic (no MNEMOS_LLM_API_KEY)")
		}
	}
	syncer := contacts.NewEngine(db, judge, logger)

	// Memory core facade.
	core := memsvc.New(db, engine, gateway, buffer, syncer, svcIndex, logger)

	// Token verifier and session cache.
	verifier := o.verifier
	if verifier == nil {
		verifier, err = newVerifier(cfg, db)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	var authn *session.Authenticator
	if verifier != nil {
		authn = session.New(verifier, cfg.SessionTTL, logger)
	}

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.PerMinute(cfg.RateLimitPerMinute)
		logger.Info("rate limiting: memory (in-process token bucket)", "rpm", cfg.RateLimitPerMinute)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server.
	mcpSrv := mcp.New(core, logger, mcp.Options{
		LocalTools: o.stdio,
		SyncDefaults: contacts.Options{
			BatchSize:      cfg.SyncBatchSize,
			StreamCap:      cfg.SyncStreamCap,
			PreThreshold:   float32(cfg.DedupThreshold),
			JudgeThreshold: cfg.JudgeThreshold,
		},
	})

	// HTTP server.
	srv := server.New(server.Config{
		DB:             db,
		Authenticator:  authn,
		Limiter:        limiter,
		MCPServer:      mcpSrv.MCPServer(),
		Index:          svcIndex,
		Logger:         logger,
		Port:           cfg.Port,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		RequestTimeout: cfg.RequestTimeout,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Version:        version,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		buffer:       buffer,
		index:        qdrantIndex,
		authn:        authn,
		mcpSrv:       mcpSrv,
		core:         core,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the write worker, background loops, and the HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically; callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	if a.authn == nil {
		return fmt.Errorf("mnemos: the HTTP transport requires a token verifier: set MNEMOS_AUTH_PROVIDER_URL, MNEMOS_JWT_PUBLIC_KEY, or MNEMOS_AUTH_STATIC_TOKEN (or serve over stdio)")
	}

	a.startBackground(ctx)
	go a.authn.RunCleanup(ctx, 5*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	// Shut down on both exits; a server error must still release the pool
	// and the background workers.
	if err := a.Shutdown(context.Background()); runErr == nil {
		runErr = err
	}
	return runErr
}

// RunStdio serves MCP over stdin/stdout for a single local user, resolved
// once at startup. The write worker and backfill loop run as in HTTP mode.
// Blocks until ctx is cancelled or stdin closes, then shuts down.
func (a *App) RunStdio(ctx context.Context) error {
	user, err := a.db.EnsureUser(ctx, a.cfg.LocalUserEmail, "Local User")
	if err != nil {
		return fmt.Errorf("mnemos: resolve local user: %w", err)
	}
	id := session.Identity{UserID: user.ID, Email: user.Email}
	a.logger.Info("stdio transport ready", "user_id", id.UserID, "email", id.Email)

	a.startBackground(ctx)

	stdio := mcpserver.NewStdioServer(a.mcpSrv.MCPServer())
	// stdout belongs to the protocol; everything else goes to stderr.
	stdio.SetErrorLogger(log.New(os.Stderr, "", log.LstdFlags))
	stdio.SetContextFunc(func(ctx context.Context) context.Context {
		return ctxutil.WithIdentity(ctx, id)
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- stdio.Listen(ctx, os.Stdin, os.Stdout)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("stdio listen error", "error", err)
		}
	}

	return a.Shutdown(context.Background())
}

// startBackground launches the worker goroutines shared by both transports.
func (a *App) startBackground(ctx context.Context) {
	go a.buffer.Run(ctx)
	if a.cfg.MonitorEnabled {
		go a.buffer.RunBackfill(ctx, a.cfg.MonitorInterval)
	}
	go a.failureLogLoop(ctx)
}

// failureLogLoop surfaces writes that exhausted their retry budget. The
// durable queue keeps the row in failed state for operator inspection; this
// loop makes sure the event also lands in the logs.
func (a *App) failureLogLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-a.buffer.Failures():
			a.logger.Error("buffered write permanently failed",
				"write_id", f.WriteID,
				"user_id", f.UserID,
				"memory_id", f.MemoryID,
				"reason", f.Reason,
			)
		}
	}
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight handlers, then close the index, OTEL providers, and the
// database pool. Buffered writes survive restarts in Postgres, so the worker
// needs no drain phase.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("mnemos shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	if a.index != nil {
		_ = a.index.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("mnemos stopped")
	return nil
}

// newEmbeddingProvider selects the embedding provider from configuration:
// OpenAI-compatible when a key is set, otherwise noop (vector search degrades
// to keyword+metadata until a key appears and backfill catches up).
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	if cfg.EmbedderAPIKey == "" {
		logger.Warn("no embedder API key, using noop provider (semantic search disabled)")
		return embedding.NewNoopProvider(cfg.EmbedderDimension)
	}
	logger.Info("embedding provider: openai-compatible",
		"model", cfg.EmbedderModel, "dimensions", cfg.EmbedderDimension)
	return embedding.NewOpenAIProvider(cfg.EmbedderBaseURL, cfg.EmbedderAPIKey, cfg.EmbedderModel, cfg.EmbedderDimension)
}

// newVerifier selects the token verifier from configuration. Returns nil
// when auth is disabled; config.Validate guarantees at least one source
// otherwise.
func newVerifier(cfg config.Config, db *storage.DB) (session.Verifier, error) {
	switch {
	case cfg.AuthDisabled:
		return nil, nil
	case cfg.AuthProviderURL != "":
		return session.NewHTTPVerifier(cfg.AuthProviderURL, cfg.AuthProviderKey), nil
	case cfg.JWTPublicKey != "":
		return session.NewJWTVerifier(cfg.JWTPublicKey)
	case cfg.AuthStaticToken != "":
		return session.NewStaticVerifier(cfg.AuthStaticToken, cfg.AuthStaticEmail, db)
	default:
		return nil, nil
	}
}
