// Package kaji is the public API for embedding the kaji agent-run server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kaji.New(
//	    kaji.WithVersion(version),
//	    kaji.WithLogger(logger),
//	    kaji.WithToolExecutor(myExecutor),
//	    kaji.WithArbiter(myLLMArbiter),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kaji (root) imports
// internal/*, but internal/* never imports kaji (root). Public interface
// types use only pkg/runstate and stdlib types; the adapters that bridge
// them to internal packages live here because this is the only file that
// sees both sides of the boundary.
package kaji

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joho/godotenv"

	"github.com/kajihq/kaji/internal/config"
	"github.com/kajihq/kaji/internal/model"
	"github.com/kajihq/kaji/internal/orchestrator"
	"github.com/kajihq/kaji/internal/ratelimit"
	"github.com/kajihq/kaji/internal/router"
	"github.com/kajihq/kaji/internal/server"
	"github.com/kajihq/kaji/internal/storage"
	"github.com/kajihq/kaji/internal/telemetry"
	"github.com/kajihq/kaji/migrations"
	"github.com/kajihq/kaji/pkg/runstate"
)

// App is the kaji server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	manager      *orchestrator.Manager
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the kaji server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
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

	logger.Info("kaji starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database and migrate.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Route decider. The arbiter is optional; without one, sub-threshold
	// requests fail open to the chat path.
	var arb router.Arbiter
	if o.arbiter != nil {
		arb = &arbiterAdapter{a: o.arbiter}
	}
	decider := router.New(router.Config{
		Threshold:      cfg.RouteThreshold,
		ArbiterTimeout: cfg.ArbiterTimeout,
	}, arb, logger)

	// Event broker: the orchestrator's sink and the SSE fan-out.
	broker := server.NewBroker(logger)

	// Tool executor. Without one the server still routes and observes, but
	// any started run fails its first step.
	var exec orchestrator.ToolExecutor = noToolExecutor{}
	if o.executor != nil {
		exec = &executorAdapter{e: o.executor}
	} else {
		logger.Warn("no tool executor configured; runs will fail their steps")
	}
	var synth orchestrator.Synthesizer
	if o.synthesizer != nil {
		synth = &synthesizerAdapter{s: o.synthesizer}
	}

	manager := orchestrator.NewManager(orchestrator.Config{
		MaxIterations:          cfg.MaxIterations,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		ShutdownGrace:          cfg.ShutdownGrace,
	}, db, broker, exec, synth, logger)

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process GCRA)",
			"rps", cfg.RateLimitPerSecond, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Runs:                manager,
		Store:               db,
		Decider:             decider,
		Broker:              broker,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		manager:      manager,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically —
// callers should not call Shutdown separately.
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

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) wait for live runs up to the configured grace, then cancel them.
// It then closes the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kaji shutting down")

	// Phase 1: HTTP drain.
	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	// Phase 2: orchestrator drain. Terminal events are persisted by the run
	// goroutines before they exit.
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Error("orchestrator shutdown error", "error", err)
	}

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("kaji stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// arbiterAdapter bridges the public Arbiter to the route decider's contract,
// including verdict validation the decider relies on.
type arbiterAdapter struct {
	a Arbiter
}

func (ad *arbiterAdapter) Arbitrate(ctx context.Context, text string) (model.RouteDecision, error) {
	v, err := ad.a.Arbitrate(ctx, text)
	if err != nil {
		return model.RouteDecision{}, err
	}
	return model.RouteDecision{
		Route:      model.Route(v.Route),
		Confidence: v.Confidence,
		Reasons:    v.Reasons,
		ToolNeeds:  v.ToolNeeds,
		PlanHint:   v.PlanHint,
	}, nil
}

// executorAdapter bridges the public ToolExecutor to the orchestrator's.
type executorAdapter struct {
	e ToolExecutor
}

func (ad *executorAdapter) Execute(ctx context.Context, call orchestrator.ToolCall) (orchestrator.ToolOutcome, error) {
	out, err := ad.e.Execute(ctx, ToolCall{
		ID:        call.ID,
		Kind:      call.Kind,
		StepID:    call.StepID,
		Objective: call.Objective,
		Detail:    call.Detail,
	})
	if err != nil {
		return orchestrator.ToolOutcome{}, err
	}
	return orchestrator.ToolOutcome{
		Sources:  out.Sources,
		Deep:     out.Deep,
		Artifact: out.Artifact,
		Response: out.Response,
	}, nil
}

// synthesizerAdapter bridges the public Synthesizer to the orchestrator's.
type synthesizerAdapter struct {
	s Synthesizer
}

func (ad *synthesizerAdapter) Synthesize(ctx context.Context, objective string, sources []runstate.Source) (string, error) {
	return ad.s.Synthesize(ctx, objective, sources)
}

// noToolExecutor rejects every call. Used when no executor is configured so
// the failure surfaces as step failures instead of a nil dereference.
type noToolExecutor struct{}

func (noToolExecutor) Execute(_ context.Context, call orchestrator.ToolCall) (orchestrator.ToolOutcome, error) {
	return orchestrator.ToolOutcome{}, fmt.Errorf("no tool executor configured (call %s)", call.ID)
}
