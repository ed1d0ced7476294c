// Package app assembles the bot: configuration, storage, providers,
// the message pipeline, platform adapters, and the control plane.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RockChinQ/LangBot/internal/api"
	"github.com/RockChinQ/LangBot/internal/commands"
	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/logging"
	"github.com/RockChinQ/LangBot/internal/metrics"
	"github.com/RockChinQ/LangBot/internal/pipeline"
	"github.com/RockChinQ/LangBot/internal/platform"
	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/internal/provider"
	"github.com/RockChinQ/LangBot/internal/provider/runners"
	"github.com/RockChinQ/LangBot/internal/sessions"
	"github.com/RockChinQ/LangBot/internal/taskmgr"
	"github.com/RockChinQ/LangBot/internal/tools"

	// Adapter factories register themselves at init time.
	_ "github.com/RockChinQ/LangBot/internal/platform/sources"
)

// Options configure application boot.
type Options struct {
	// ConfigDir holds the bundle files (command.json, pipeline.json,
	// platform.json, provider.json, system.json).
	ConfigDir string
	// Debug forces debug-level logging regardless of the system bundle.
	Debug   bool
	Version string
	// Plugins are registered on the event bus before any adapter
	// starts, in slice order.
	Plugins []plugin.Plugin
}

// App owns every long-lived component and their shutdown order.
type App struct {
	opts Options

	configmgr *config.Manager
	store     *sessions.Store
	host      *plugin.Host
	mt        *metrics.Metrics
	tools     *tools.Manager
	models    *provider.ModelManager
	runners   *runners.Registry
	sessmgr   *sessions.Manager
	engine    *commands.Engine
	pool      *pipeline.Pool
	platform  *platform.Manager
	apiserver *api.Server
	tasks     *taskmgr.Manager

	logger *slog.Logger
}

// New boots every component up to, but not including, the long-running
// loops. Run starts those.
func New(ctx context.Context, opts Options) (*App, error) {
	configmgr := config.NewManager(opts.ConfigDir, nil)
	if err := configmgr.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	snap := configmgr.Current()

	level := snap.System.LoggingLevel
	if opts.Debug {
		level = "debug"
	}
	logger, ring := logging.Setup(level)
	logger.Info("starting langbot", "version", opts.Version, "config", opts.ConfigDir)

	store, err := sessions.OpenStore(snap.System.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	mt := metrics.New()
	host := plugin.NewHost(logger)
	toolmgr := tools.NewManager(logger, mt)
	if err := registerPlugins(ctx, host, toolmgr, opts.Plugins); err != nil {
		store.Close()
		return nil, err
	}
	models, err := provider.NewModelManager(ctx, snap.Provider, snap.System.LLMTimeout, mt, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init models: %w", err)
	}

	registry := runners.NewRegistry()
	for _, r := range []runners.Runner{
		runners.NewLocalAgent(models, toolmgr, host, logger),
		runners.NewDifyServiceAPI(logger),
		runners.NewCozeAPI(logger),
	} {
		if err := registry.Register(r); err != nil {
			store.Close()
			return nil, err
		}
	}

	sessmgr := sessions.NewManager(configmgr.Current, store, host, toolmgr, mt, logger)

	engine, err := commands.NewEngine(sessmgr, models, host, configmgr.Current, opts.Version, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init commands: %w", err)
	}

	tasks := taskmgr.NewManager(logger)

	stages := []pipeline.Stage{
		pipeline.NewGroupRespondRuleStage(logger),
		pipeline.NewBanSessionStage(logger),
		pipeline.NewPreProcessorStage(host, logger),
		pipeline.NewRateLimitStage(logger),
		pipeline.NewSessionAcquireStage(sessmgr, host, logger),
		pipeline.NewProcessorStage(engine, registry, logger),
		pipeline.NewResponseWrapperStage(host, logger),
		pipeline.NewSendReplyStage(logger),
	}
	controller := pipeline.NewController(stages, host, mt, logger)
	if err := controller.Initialize(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	pool := pipeline.NewPool(controller, snap.System.PipelineConcurrency, logger)

	// Resent queries re-enter the pipeline through the same queue as
	// fresh platform events.
	engine.Requeue = func(_ context.Context, query *entities.Query) error {
		return pool.AddQuery(query)
	}

	platformmgr := platform.NewManager(store, pool, configmgr.Current, tasks, logger)
	apiserver := api.NewServer(configmgr, platformmgr, models, sessmgr, host, tasks, ring, opts.Version, logger)

	return &App{
		opts:      opts,
		configmgr: configmgr,
		store:     store,
		host:      host,
		mt:        mt,
		tools:     toolmgr,
		models:    models,
		runners:   registry,
		sessmgr:   sessmgr,
		engine:    engine,
		pool:      pool,
		platform:  platformmgr,
		apiserver: apiserver,
		tasks:     tasks,
		logger:    logger,
	}, nil
}

// registerPlugins adds each plugin to the event bus and registers the
// tools it contributes, attributed to the plugin by name.
func registerPlugins(ctx context.Context, host *plugin.Host, tm *tools.Manager, plugins []plugin.Plugin) error {
	for _, p := range plugins {
		name := p.Manifest().Name
		if err := host.Register(ctx, p); err != nil {
			return fmt.Errorf("register plugin %q: %w", name, err)
		}
		contrib, ok := p.(plugin.ToolProvider)
		if !ok {
			continue
		}
		for _, t := range contrib.Tools() {
			if t.Source == "" {
				t.Source = name
			}
			if err := tm.Register(t); err != nil {
				return fmt.Errorf("register tool %q from plugin %q: %w", t.Name, name, err)
			}
		}
	}
	return nil
}

// Tools exposes the tool registry so embedders can register their own
// tools between New and Run.
func (a *App) Tools() *tools.Manager { return a.tools }

// Run starts the long-running loops and blocks until ctx is cancelled,
// then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	appScope := []taskmgr.Scope{taskmgr.ScopeApplication}
	a.tasks.Create(ctx, "config-watcher", "system", appScope, func(ctx context.Context, _ *taskmgr.Context) error {
		return a.configmgr.Watch(ctx)
	})
	a.tasks.Create(ctx, "pipeline-pool", "system", appScope, func(ctx context.Context, _ *taskmgr.Context) error {
		return a.pool.Run(ctx)
	})
	a.tasks.Create(ctx, "session-sweeper", "system", appScope, func(ctx context.Context, _ *taskmgr.Context) error {
		return a.sessmgr.RunSweeper(ctx)
	})
	a.tasks.Create(ctx, "control-plane", "system", appScope, func(ctx context.Context, _ *taskmgr.Context) error {
		return a.apiserver.Run(ctx)
	})

	if err := a.platform.Start(ctx); err != nil {
		return fmt.Errorf("start platform adapters: %w", err)
	}

	a.logger.Info("langbot is running")
	<-ctx.Done()
	return a.shutdown()
}

// shutdown stops adapters before the pipeline so no new queries arrive
// while in-flight ones drain, then persists sessions and closes the
// store.
func (a *App) shutdown() error {
	a.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.platform.Stop(ctx)
	if err := a.tasks.ShutdownScope(ctx, taskmgr.ScopePlatform); err != nil {
		a.logger.Warn("platform tasks did not stop cleanly", "error", err)
	}
	if err := a.tasks.ShutdownScope(ctx, taskmgr.ScopeApplication); err != nil {
		a.logger.Warn("application tasks did not stop cleanly", "error", err)
	}

	a.sessmgr.Shutdown(ctx)
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing store", "error", err)
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}
