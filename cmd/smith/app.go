package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"shapesmith/internal/assistant"
	"shapesmith/internal/config"
	"shapesmith/internal/dispatch"
	"shapesmith/internal/engine"
	"shapesmith/internal/policy"
	"shapesmith/internal/sandbox"
	"shapesmith/internal/synth"
	"shapesmith/internal/techniques"
)

// app is the wired engine stack for one command.
type app struct {
	registry  *techniques.Registry
	checker   *policy.Checker
	store     *techniques.Store
	watcher   *techniques.Watcher
	assistant assistant.Assistant
	engine    *engine.Engine
	pool      *engine.Pool
}

// appOptions lets tests replace collaborators.
type appOptions struct {
	assistant assistant.Assistant
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	registry, err := techniques.NewCatalogRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to load technique catalog: %w", err)
	}
	a := &app{
		registry: registry,
		checker:  policy.NewChecker(cfg.PolicyConfig()),
	}

	if cfg.Store.Path != "" {
		a.store, err = techniques.OpenStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		n, err := a.store.Restore(registry, a.checker)
		if err != nil {
			a.close()
			return nil, err
		}
		registry.SetPersister(a.store)
		logger.Debug("Restored synthesized techniques", zap.Int("count", n), zap.String("store", cfg.Store.Path))
	}

	if cfg.Catalog.Dir != "" {
		a.watcher, err = techniques.NewWatcher(cfg.Catalog.Dir, registry, a.checker)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := a.watcher.Start(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to watch %s: %w", cfg.Catalog.Dir, err)
		}
		if !cfg.Catalog.Watch {
			a.watcher.Stop()
			a.watcher = nil
		}
	}

	a.assistant = opts.assistant
	if a.assistant == nil && cfg.Assistant.Provider == "genai" && cfg.Assistant.APIKey != "" {
		a.assistant, err = assistant.NewGenAIAssistant(ctx, cfg.Assistant.APIKey, cfg.Assistant.Model, catalogLines(registry))
		if err != nil {
			a.close()
			return nil, err
		}
	}

	var synthesizer *synth.Synthesizer
	if cfg.Synthesis.Enabled && a.assistant != nil {
		synthesizer = synth.New(a.assistant, a.checker, cfg.SynthConfig())
	}

	a.engine = engine.New(cfg.ExecutionConfig(), engine.Deps{
		Registry:    registry,
		Dispatcher:  dispatch.New(cfg.Adapters(), cfg.FallbackParadigm()),
		Sandbox:     sandbox.NewExecutor(cfg.ExecutorConfig(), a.checker),
		Synthesizer: synthesizer,
		Sinks:       []engine.Sink{engine.LogSink},
	})
	a.pool = engine.NewPool(a.engine, cfg.Engine.Workers)

	logger.Debug("Engine ready",
		zap.Int("techniques", registry.Len()),
		zap.Bool("synthesis", synthesizer != nil),
		zap.Int("workers", cfg.Engine.Workers))
	return a, nil
}

func (a *app) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("Failed to close technique store", zap.Error(err))
		}
	}
}

// catalogLines lists registered techniques for the plan prompt.
func catalogLines(r *techniques.Registry) []string {
	impls := r.List()
	lines := make([]string, 0, len(impls))
	for _, impl := range impls {
		lines = append(lines, fmt.Sprintf("%s (%s): %s", impl.ID, impl.Paradigm, impl.Description))
	}
	return lines
}
