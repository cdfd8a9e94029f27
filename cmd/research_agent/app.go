package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/jonathan/research-assistant/internal/config"
	"github.com/jonathan/research-assistant/internal/db"
	"github.com/jonathan/research-assistant/internal/executor"
	"github.com/jonathan/research-assistant/internal/fetch"
	"github.com/jonathan/research-assistant/internal/llm"
	"github.com/jonathan/research-assistant/internal/observability"
	"github.com/jonathan/research-assistant/internal/orchestrator"
	"github.com/jonathan/research-assistant/internal/streaming"
)

// Collaborator constructors, replaced in tests
var (
	newLLMClient = func(ctx context.Context, cfg *config.Config) (llm.Client, error) {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("API key is required: set GEMINI_API_KEY or api_key in the config file")
		}
		llmCfg, err := llmConfig(cfg.LLM)
		if err != nil {
			return nil, err
		}
		return llm.NewClient(ctx, llmCfg, cfg.APIKey)
	}
	newExecutor = func(cfg *config.Config, logger *zap.Logger) executor.Executor {
		return executor.NewPythonExecutor(cfg.Executor.Interpreter, cfg.Executor.WorkDir, cfg.Executor.Timeout.Std(), logger)
	}
)

// llmConfig converts the file configuration into the client configuration
func llmConfig(c config.LLMConfig) (*llm.Config, error) {
	out, err := llm.DefaultConfig().WithOverrides(c.Models)
	if err != nil {
		return nil, fmt.Errorf("invalid llm.models entry: %w", err)
	}
	if c.Provider != "" {
		out.Provider = llm.Provider(c.Provider)
	}
	return out, nil
}

// app holds the wired runtime shared by the subcommands
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    db.SessionStore
	hub      *streaming.Hub
	registry *prometheus.Registry
	engine   *orchestrator.Engine
}

// newStoreApp wires only logging and storage, which is all read-only commands need
func newStoreApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	store, err := db.Open(ctx, db.Options{
		Backend:     cfg.Storage.Backend,
		SQLitePath:  cfg.Storage.SQLitePath,
		DatabaseURL: cfg.Storage.DatabaseURL,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	return &app{cfg: cfg, logger: logger, store: store}, nil
}

// newApp wires the full engine: model client, executor, enrichment, events and metrics
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a, err := newStoreApp(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := newLLMClient(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.hub = streaming.NewHub()

	opts := orchestrator.Options{
		LLM:              client,
		Executor:         newExecutor(cfg, a.logger.Named("executor")),
		Store:            a.store,
		Events:           a.hub,
		Metrics:          observability.MustNewMetrics(a.registry),
		Logger:           a.logger.Named("orchestrator"),
		FlightTimeout:    cfg.Orchestrator.FlightTimeout.Std(),
		StuckAfter:       cfg.Orchestrator.StuckAfter.Std(),
		StreamDelay:      cfg.Orchestrator.StreamDelay.Std(),
		MaxAnalysisSteps: cfg.Orchestrator.MaxAnalysisSteps,
		ContextChars:     cfg.Orchestrator.ContextChars,
	}
	if cfg.Fetch.EnrichReferences {
		fetchOpts := fetch.DefaultOptions()
		if t := cfg.Fetch.Timeout.Std(); t > 0 {
			fetchOpts.Timeout = t
		}
		opts.Enricher = fetch.NewCachedFetcher(&fetch.CachedFetcherConfig{
			CacheSize: cfg.Fetch.CacheSize,
			CacheTTL:  cfg.Fetch.CacheTTL.Std(),
			Options:   fetchOpts,
			Logger:    a.logger.Named("fetch"),
		})
	}

	engine, err := orchestrator.New(opts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	a.engine = engine
	return a, nil
}

// Close stops the engine and releases storage
func (a *app) Close() {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
	}
	_ = a.logger.Sync()
}
