// Package kinko is the public API for embedding the Kinko treasury scenario
// service.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kinko.New(
//	    kinko.WithVersion(version),
//	    kinko.WithLogger(logger),
//	    kinko.WithRecommendationHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the root.
// Public types (RecommendationEvent, MarketSnapshot) are standalone structs;
// the adapters converting them live here because this is the only file that
// sees both sides of the boundary.
package kinko

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kinko/api"
	"github.com/ashita-ai/kinko/internal/admission"
	"github.com/ashita-ai/kinko/internal/config"
	"github.com/ashita-ai/kinko/internal/generator"
	"github.com/ashita-ai/kinko/internal/learning"
	"github.com/ashita-ai/kinko/internal/market"
	"github.com/ashita-ai/kinko/internal/mcp"
	"github.com/ashita-ai/kinko/internal/model"
	"github.com/ashita-ai/kinko/internal/orchestrator"
	"github.com/ashita-ai/kinko/internal/pipeline"
	"github.com/ashita-ai/kinko/internal/ratelimit"
	"github.com/ashita-ai/kinko/internal/seed"
	"github.com/ashita-ai/kinko/internal/server"
	"github.com/ashita-ai/kinko/internal/simulation"
	"github.com/ashita-ai/kinko/internal/storage"
	"github.com/ashita-ai/kinko/internal/telemetry"
	"github.com/ashita-ai/kinko/migrations"
)

// App is the Kinko server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	coord        *orchestrator.Coordinator
	admit        *admission.Controller
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Kinko server. It connects to the database, runs
// migrations, reconciles runs orphaned by a previous process, seeds the
// treasury context, wires all subsystems, and returns a ready-to-run App.
// It does NOT accept HTTP connections; call Run().
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

	logger.Info("kinko starting", "version", version, "port", cfg.Port, "strategy", cfg.Strategy())

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	// Every failure past this point must release the pool and exporters.
	fail := func(err error) (*App, error) {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, err
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	if n, err := db.ReconcileOrphanedRuns(ctx); err != nil {
		return fail(err)
	} else if n > 0 {
		logger.Warn("failed runs interrupted by previous shutdown", "count", n)
	}

	if err := seedContext(ctx, db, cfg.SeedFile, logger); err != nil {
		return fail(err)
	}

	admit := admission.New(cfg.MaxConcurrentRuns, cfg.StaleSlotThreshold, cfg.SweepInterval, logger)
	if err := admit.RegisterMetrics(telemetry.Meter("kinko/admission")); err != nil {
		logger.Warn("admission metrics registration failed", "error", err)
	}

	sim := newSimulationProvider(cfg, logger)

	gen := newGenerator(cfg, logger)
	if o.generator != nil {
		gen = o.generator
		logger.Info("generator: external")
	}

	mkt := newMarketProvider(cfg, logger)
	if o.market != nil {
		mkt = &marketAdapter{inner: o.market}
		logger.Info("market data: external")
	}

	pdeps := pipeline.Deps{
		Generator:     gen,
		Market:        mkt,
		HistoryWindow: cfg.LearningWindow,
		Logger:        logger,
	}
	if cfg.LearningEnabled {
		pdeps.Stats = db
	}
	strategy, err := pipeline.New(cfg.Strategy(), pdeps)
	if err != nil {
		_ = admit.Close()
		return fail(err)
	}

	// Adjuster and Recorder stay nil interfaces when learning is disabled.
	var (
		adjuster orchestrator.Adjuster
		recorder orchestrator.Recorder
	)
	if cfg.LearningEnabled {
		adjuster = learning.NewAdjuster(db, cfg.LearningWindow, logger)
		recorder = learning.NewRecorder(db, logger)
		logger.Info("historical learning: enabled", "window", cfg.LearningWindow)
	} else {
		logger.Info("historical learning: disabled")
	}

	otelSink, err := telemetry.NewOTELSink(telemetry.Meter("kinko/recommendations"), logger)
	if err != nil {
		_ = admit.Close()
		return fail(fmt.Errorf("telemetry sink: %w", err))
	}
	sink := telemetry.MultiSink{otelSink, telemetry.NewAuditSink(db)}
	if len(o.hooks) > 0 {
		sink = append(sink, &hookSink{hooks: o.hooks})
	}

	coord, err := orchestrator.New(orchestrator.Deps{
		Store:        db,
		Simulation:   sim,
		Admission:    admit,
		Strategy:     strategy,
		Baseline:     pipeline.NewBaseline(gen, logger),
		Adjuster:     adjuster,
		Recorder:     recorder,
		Sink:         sink,
		Logger:       logger,
		BatchTimeout: cfg.StaleSlotThreshold,
	})
	if err != nil {
		_ = admit.Close()
		return fail(err)
	}

	mcpSrv := mcp.New(coord, db, cfg.LearningWindow, logger, version)

	var (
		limiter    ratelimit.Limiter
		retryAfter time.Duration
	)
	if cfg.RateLimitRPS > 0 {
		ml := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		limiter, retryAfter = ml, ml.RetryAfter()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Store:               db,
		Coordinator:         coord,
		Simulation:          sim,
		Admission:           admit,
		Logger:              logger,
		Limiter:             limiter,
		RetryAfter:          retryAfter,
		MCPServer:           mcpSrv.MCPServer(),
		LearningEnabled:     cfg.LearningEnabled,
		LearningWindow:      cfg.LearningWindow,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		coord:        coord,
		admit:        admit,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server, then blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has been called; callers should not
// call it separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(context.Background())
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight ones,
// (2) wait for admitted batches to reach a terminal state.
// It then stops the admission sweeper and rate limiter and closes the
// database pool and OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kinko shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: batch drain. Batches still running at the deadline are
	// cancelled and fail their runs.
	var drainErr error
	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	if err := a.coord.Drain(drainCtx); err != nil {
		a.logger.Error("batch drain incomplete; in-flight runs were failed",
			"error", err,
			"active_runs", a.admit.Occupancy(),
			"configured_timeout", a.cfg.ShutdownDrainTimeout,
		)
		drainErr = fmt.Errorf("batch drain: %w", err)
	}
	drainCancel()

	_ = a.admit.Close()
	_ = a.limiter.Close()
	if err := a.otelShutdown(context.Background()); err != nil {
		a.logger.Warn("telemetry shutdown error", "error", err)
	}
	a.db.Close()

	a.logger.Info("kinko stopped")
	return drainErr
}

// seedContext writes the treasury context into an empty database. A
// configured seed file takes precedence over the built-in demo context.
func seedContext(ctx context.Context, db *storage.DB, path string, logger *slog.Logger) error {
	var (
		sc  model.SimulationContext
		err error
	)
	if path != "" {
		sc, err = seed.Load(path)
	} else {
		sc, err = seed.Default()
	}
	if err != nil {
		return err
	}
	seeded, err := db.SeedContext(ctx, sc)
	if err != nil {
		return err
	}
	if seeded {
		logger.Info("treasury context seeded", "accounts", len(sc.Accounts), "source", seedSource(path))
	}
	return nil
}

func seedSource(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}

// newSimulationProvider uses the remote simulation service when configured,
// otherwise the in-process calculator.
func newSimulationProvider(cfg config.Config, logger *slog.Logger) simulation.Provider {
	if cfg.SimulationURL != "" {
		logger.Info("simulation: http", "url", cfg.SimulationURL, "timeout", cfg.SimulationTimeout)
		return simulation.NewHTTPProvider(cfg.SimulationURL, cfg.SimulationTimeout)
	}
	logger.Info("simulation: local")
	return simulation.NewLocalProvider()
}

// newGenerator returns the Anthropic client when an API key is present.
// Without one, every strategy falls back to deterministic recommendation text.
func newGenerator(cfg config.Config, logger *slog.Logger) generator.Generator {
	if cfg.AnthropicAPIKey == "" {
		logger.Warn("no ANTHROPIC_API_KEY, using noop generator (recommendations will be degraded)")
		return generator.NoopGenerator{}
	}
	logger.Info("generator: anthropic", "model", cfg.GeneratorModel, "rpm", cfg.GeneratorRPM)
	return generator.NewAnthropicClient(cfg.AnthropicAPIKey, logger,
		generator.WithModel(cfg.GeneratorModel),
		generator.WithBaseURL(cfg.GeneratorURL),
		generator.WithRateLimit(cfg.GeneratorRPM),
	)
}

func newMarketProvider(cfg config.Config, logger *slog.Logger) market.Provider {
	if cfg.MarketDataURL != "" {
		logger.Info("market data: http", "url", cfg.MarketDataURL, "cache_ttl", cfg.MarketCacheTTL)
		return market.NewHTTPProvider(cfg.MarketDataURL, cfg.MarketCacheTTL)
	}
	logger.Info("market data: static")
	return market.StaticProvider{}
}

// ── Adapters ─────────────────────────────────────────────────────────────────

// marketAdapter wraps a public MarketProvider as a market.Provider.
type marketAdapter struct {
	inner MarketProvider
}

func (a *marketAdapter) Snapshot(ctx context.Context) (model.MarketSnapshot, error) {
	s, err := a.inner.Snapshot(ctx)
	if err != nil {
		return model.MarketSnapshot{}, err
	}
	return model.MarketSnapshot{
		FedFundsRate:     s.FedFundsRate,
		Treasury3MYield:  s.Treasury3MYield,
		MoneyMarketYield: s.MoneyMarketYield,
		Source:           s.Source,
		AsOf:             s.AsOf,
	}, nil
}

// hookSink fans terminal run events out to public RecommendationHooks.
type hookSink struct {
	hooks []RecommendationHook
}

func (s *hookSink) RecordRecommendation(ctx context.Context, e model.RecommendationEvent) error {
	pub := toPublicEvent(e)
	var errs []error
	for _, h := range s.hooks {
		if err := h.OnRecommendation(ctx, pub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func toPublicEvent(e model.RecommendationEvent) RecommendationEvent {
	return RecommendationEvent{
		ScenarioID:     e.ScenarioID,
		BatchID:        e.BatchID,
		Mode:           string(e.Mode),
		Strategy:       e.Strategy,
		Status:         string(e.Status),
		Confidence:     e.Confidence,
		BaseConfidence: e.BaseConfidence,
		TransferAmount: e.TransferAmount,
		Degraded:       e.Degraded,
		Error:          e.Error,
		Duration:       e.Duration,
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
