package commands

import (
	"context"
	"fmt"

	"github.com/planweave/planweave/pkg/compiler"
	"github.com/planweave/planweave/pkg/config"
	"github.com/planweave/planweave/pkg/engine"
	"github.com/planweave/planweave/pkg/stores"
	"github.com/planweave/planweave/pkg/telemetry"
	"github.com/planweave/planweave/pkg/workers"
)

// runtime bundles everything a command needs to operate an engine.
type runtime struct {
	cfg     *config.Config
	engine  *engine.Engine
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	cleanup func()
}

// buildRuntime assembles the full stack from configuration: telemetry,
// storage backend, compiler, workers, and the engine itself.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	var (
		plans     engine.PlanStore
		artifacts engine.ArtifactStore
		trace     engine.TraceLog
		closeFn   = func() {}
	)

	switch cfg.Storage.Backend {
	case "sqlite":
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Storage.Path})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		plans, artifacts, trace = store, store, store
		closeFn = func() { _ = store.Close() }
	default:
		store := stores.NewMemoryStore()
		plans, artifacts, trace = store, store, store
	}

	comp := compiler.New(logger)
	if cfg.TemplateDir != "" {
		if err := comp.LoadDir(cfg.TemplateDir); err != nil {
			closeFn()
			return nil, err
		}
	}

	eng := engine.New(engine.Options{
		Compiler:    comp,
		Plans:       plans,
		Artifacts:   artifacts,
		Trace:       trace,
		Workers:     workers.NewDefaultRegistry(),
		Timeouts:    cfg.Execution.Timeouts,
		MaxParallel: cfg.Execution.MaxParallel,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
	})

	return &runtime{
		cfg:     cfg,
		engine:  eng,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		cleanup: func() {
			_ = tracer.Shutdown(context.Background())
			closeFn()
		},
	}, nil
}
