package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/vk/visiongraph/internal/config"
	"github.com/vk/visiongraph/internal/ctxlog"
	"github.com/vk/visiongraph/internal/engine"
	"github.com/vk/visiongraph/internal/graphfile"
	"github.com/vk/visiongraph/internal/logsink"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	registry   *prometheus.Registry
	engine     *engine.Engine
	graph      *graphfile.Description
	sink       *logsink.Sink
	httpServer *http.Server
}

// NewApp builds the engine described by cfg, publishes modules into it
// (the core modules when none are given) and loads the graph file. The
// returned App owns the engine until Close.
func NewApp(ctx context.Context, outW io.Writer, cfg *Config, modules ...engine.Module) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	engineCfg, err := config.NewLoader().Load(ctx, cfg.EngineConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load engine configuration: %w", err)
	}
	if cfg.Workers > 0 {
		engineCfg.Workers = cfg.Workers
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e, err := engine.New(ctx, *engineCfg,
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithMetrics(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	a := &App{
		ctx:      ctx,
		outW:     outW,
		logger:   logger,
		config:   cfg,
		registry: reg,
		engine:   e,
	}
	if err := a.startup(modules); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	return a, nil
}

func (a *App) startup(modules []engine.Module) error {
	if a.config.LogSinkURL != "" {
		sink, err := logsink.Dial(a.ctx, logsink.Config{URL: a.config.LogSinkURL})
		if err != nil {
			return fmt.Errorf("failed to connect log sink: %w", err)
		}
		a.sink = sink
		a.engine.RegisterLogCallback(sink.Callback, true)
	}
	if len(modules) == 0 {
		modules = coreModules
	}
	if err := a.LoadModules(modules...); err != nil {
		return err
	}
	return a.LoadGraph()
}

// Engine returns the application's engine. This is primarily for testing.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Graph returns the loaded graph description.
func (a *App) Graph() *graphfile.Description {
	return a.graph
}

// Close releases the graph, the engine and the log sink, and stops the
// health check server if it is still running.
func (a *App) Close() error {
	var errs []error
	errs = append(errs, a.closeHealthCheckServer())
	if a.graph != nil {
		errs = append(errs, a.graph.Release())
		a.graph = nil
	}
	if a.engine != nil {
		a.engine.RegisterLogCallback(nil, false)
		errs = append(errs, a.engine.Release())
		a.engine = nil
	}
	if a.sink != nil {
		a.logger.Debug("Closing log sink.", "sent", a.sink.Sent(), "dropped", a.sink.Dropped())
		errs = append(errs, a.sink.Close())
		a.sink = nil
	}
	return errors.Join(errs...)
}
