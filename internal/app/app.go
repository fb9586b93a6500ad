package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vk/mediagrid/internal/callback"
	"github.com/vk/mediagrid/internal/config"
	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/vk/mediagrid/internal/engine"
	"github.com/vk/mediagrid/internal/executor"
	"github.com/vk/mediagrid/internal/hcl_adapter"
	"github.com/vk/mediagrid/internal/progress"
	"github.com/vk/mediagrid/internal/registry"
	"go.uber.org/multierr"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	registry   *registry.Registry
	engine     *engine.Engine
	tracker    *progress.Tracker
	httpServer *http.Server
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger, registry and
// engine. Without modules the core modules are registered.
func NewApp(outW io.Writer, cfg *Config, modules ...registry.Module) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	if len(modules) == 0 {
		modules = coreModules
	}
	reg := registry.New().Use(modules...)
	logger.Debug("All Go modules registered.", "count", len(modules), "names", reg.Names())

	eng := engine.New(reg, engine.Options{
		QueueCapacity: cfg.QueueCapacity,
		DrainTimeout:  cfg.DrainTimeout,
		FaultPolicy:   registry.FaultPolicy(cfg.FaultPolicy),
	})

	return &App{
		outW:     outW,
		logger:   logger,
		config:   cfg,
		registry: reg,
		engine:   eng,
	}
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry { return a.registry }

// Engine returns the engine running the graph.
func (a *App) Engine() *engine.Engine { return a.engine }

// Progress returns the progress tracker, or nil when tracking is disabled.
func (a *App) Progress() *progress.Tracker { return a.tracker }

// Run loads the graph, runs it to completion while applying the configured
// update documents, then drains it. Cancelling ctx stops the run early and
// drains what is in flight.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	doc, err := loadDocument(ctx, a.config.GraphPath)
	if err != nil {
		return err
	}
	a.logger.Debug("Graph description loaded.", "nodes", len(doc.Nodes))

	if a.config.HealthcheckPort > 0 {
		if err := a.startHealthcheckServer(a.config.HealthcheckPort); err != nil {
			return err
		}
		defer a.closeHealthcheckServer(context.WithoutCancel(ctx))
	}

	if err := a.engine.Build(ctx, doc); err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}
	if err := a.registerProgress(ctx); err != nil {
		a.engine.ForceStop(ctx)
		return err
	}

	a.logger.Info("🚀 Starting graph...", "run_id", a.engine.ID(), "nodes", len(doc.Nodes))
	if err := a.engine.Start(ctx, false); err != nil {
		a.engine.ForceStop(ctx)
		return fmt.Errorf("failed to start graph: %w", err)
	}

	updateErr := a.applyUpdates(ctx)
	runErr := a.engine.Wait(ctx)
	if errors.Is(runErr, context.Canceled) {
		a.logger.Info("Run interrupted, draining graph.")
		runErr = nil
	}
	closeErr := a.close(context.WithoutCancel(ctx))
	if runErr == nil && closeErr == nil {
		a.logger.Info("🏁 Graph finished.")
	}
	return multierr.Combine(updateErr, runErr, closeErr)
}

func (a *App) registerProgress(ctx context.Context) error {
	dec, enc := a.config.ProgressDecoder, a.config.ProgressEncoder
	if dec == "" && enc == "" {
		return nil
	}
	a.tracker = progress.NewTracker(ctx, nil)
	if dec != "" {
		if err := a.engine.RegisterCallback(dec, 0, callback.Output, a.tracker.DecoderHandler()); err != nil {
			return fmt.Errorf("progress decoder: %w", err)
		}
	}
	if enc != "" {
		if err := a.engine.RegisterCallback(enc, 0, callback.Input, a.tracker.EncoderHandler()); err != nil {
			return fmt.Errorf("progress encoder: %w", err)
		}
	}
	a.logger.Debug("Progress tracking enabled.", "decoder", dec, "encoder", enc)
	return nil
}

// applyUpdates applies every update document in order, UpdateDelay apart.
// A rejected update leaves the graph as it was; the remaining documents are
// still applied.
func (a *App) applyUpdates(ctx context.Context) error {
	var errs error
	for _, path := range a.config.UpdatePaths {
		select {
		case <-time.After(a.config.UpdateDelay):
		case <-ctx.Done():
			return errs
		}

		logger := a.logger.With("update", path)
		doc, err := loadDocument(ctx, path)
		if err != nil {
			logger.Warn("Update document could not be loaded.", "error", err)
			errs = multierr.Append(errs, err)
			continue
		}
		if doc.Options != (config.Options{}) {
			logger.Warn("Options in update documents are ignored.")
		}

		resolved, err := a.engine.Update(ctx, doc.Update())
		if err != nil {
			logger.Warn("Update failed.", "code", engine.Code(err), "error", err)
			errs = multierr.Append(errs, fmt.Errorf("update %s: %w", path, err))
			continue
		}
		if src, err := hcl_adapter.WriteUpdate(resolved); err == nil {
			logger.Debug("Resolved update.", "document", string(src))
		}
	}
	return errs
}

// close drains the graph, force-stopping whatever misses the drain timeout.
func (a *App) close(ctx context.Context) error {
	err := a.engine.Close(ctx)
	var timeout *executor.TimeoutError
	if errors.As(err, &timeout) {
		a.logger.Error("Force-stopping nodes that did not drain.", "nodes", timeout.Aliases)
		a.engine.ForceStop(ctx)
	}
	return err
}
