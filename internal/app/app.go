// -----------------------------------------------------------------------
// Last Modified: Wednesday, 14th October 2026 3:40:18 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/handlers"
	"github.com/ternarybob/moyuren/internal/interfaces"
	"github.com/ternarybob/moyuren/internal/models"
	"github.com/ternarybob/moyuren/internal/services/coordinator"
	"github.com/ternarybob/moyuren/internal/services/generator"
	"github.com/ternarybob/moyuren/internal/services/janitor"
	"github.com/ternarybob/moyuren/internal/services/lock"
	"github.com/ternarybob/moyuren/internal/services/renderer"
	"github.com/ternarybob/moyuren/internal/services/scheduler"
	"github.com/ternarybob/moyuren/internal/services/sources"
	"github.com/ternarybob/moyuren/internal/storage/artifacts"
	"github.com/ternarybob/moyuren/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config   *common.Config
	Logger   arbor.ILogger
	Calendar *common.Calendar

	// Storage
	Database   *badger.BadgerDB
	RunStorage interfaces.RunStorage
	Store      *artifacts.Store
	Lock       interfaces.GenerationLock

	// Pipeline
	Aggregator  *sources.Aggregator
	Renderer    *renderer.ChromeRenderer
	Generator   *generator.Service
	Coordinator *coordinator.Service
	Janitor     *janitor.Service
	Scheduler   *scheduler.Service // nil when scheduling is disabled

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	MoyurenHandler   *handlers.MoyurenHandler
	TemplatesHandler *handlers.TemplatesHandler
	OpsHandler       *handlers.OpsHandler

	runHistoryOptional bool
}

// Option adjusts how New builds the application
type Option func(*App)

// RunHistoryOptional lets New continue without run history when another
// process (normally the server) holds the database. The CLI commands use it.
func RunHistoryOptional() Option {
	return func(a *App) {
		a.runHistoryOptional = true
	}
}

// New initializes the application with all dependencies.
// Nothing runs in the background until Start.
func New(cfg *common.Config, logger arbor.ILogger, opts ...Option) (*App, error) {
	calendar, err := common.NewCalendarFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Calendar: calendar,
	}
	for _, opt := range opts {
		opt(app)
	}

	if err := app.initStorage(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Int("templates", len(cfg.Templates)).
		Int("sources", len(cfg.Sources)).
		Str("timezone", calendar.Location().String()).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens the artifact store, the generation lock and run history.
// RunStorage stays nil when run history is optional and locked elsewhere.
func (a *App) initStorage() error {
	for _, dir := range []string{a.Config.Paths.StaticDir, a.Config.Paths.StateDir, a.Config.Paths.CacheDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &models.StorageError{Op: "write", Path: dir, Err: err}
		}
	}

	store, err := artifacts.NewStore(a.Config.Paths.StateDir, a.Config.Paths.StaticDir, a.Logger)
	if err != nil {
		return err
	}
	a.Store = store

	fileLock, err := lock.NewFileLock(filepath.Join(a.Config.Paths.StateDir, "locks"), a.Logger)
	if err != nil {
		return err
	}
	a.Lock = fileLock

	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	switch {
	case err == nil:
		a.Database = db
		a.RunStorage = badger.NewRunStorage(db, a.Logger)
	case errors.Is(err, badger.ErrDatabaseLocked) && a.runHistoryOptional:
		a.Logger.Warn().
			Str("path", a.Config.Storage.Badger.Path).
			Msg("Run history is held by another process, continuing without it")
	default:
		return err
	}

	a.Logger.Debug().
		Str("static_dir", a.Config.Paths.StaticDir).
		Str("state_dir", a.Config.Paths.StateDir).
		Str("cache_dir", a.Config.Paths.CacheDir).
		Msg("Storage initialized")
	return nil
}

// initServices wires the generation pipeline
func (a *App) initServices() error {
	members := sources.Build(a.Config, a.Calendar, a.Logger)
	a.Aggregator = sources.NewAggregator(a.Logger, sources.DefaultMaxParallel, members...)

	r, err := renderer.NewChromeRenderer(a.Config, a.Logger)
	if err != nil {
		return err
	}
	a.Renderer = r

	a.Generator = generator.NewService(a.Config, a.Aggregator, a.Renderer, a.Store, a.Lock, a.RunStorage, a.Calendar, a.Logger)

	a.Coordinator = coordinator.NewService(
		a.Store,
		a.Generator,
		a.Calendar,
		a.Config.TemplateNames(),
		coordinator.OptionsFromConfig(a.Config),
		a.Logger,
	)

	a.Janitor = janitor.NewService(a.Store, a.Aggregator.Sources(), a.RunStorage, a.Calendar, a.Logger)

	if a.Config.Scheduler.Enabled {
		a.Scheduler = scheduler.NewService(a.Config, a.Generator, a.Janitor, a.Calendar, a.Logger)
	}
	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.MoyurenHandler = handlers.NewMoyurenHandler(a.Config, a.Coordinator, a.Store, a.Calendar, a.Logger)
	a.TemplatesHandler = handlers.NewTemplatesHandler(a.Config, a.Store, a.Calendar, a.Logger)

	// A nil *scheduler.Service must not become a non-nil interface
	var sched handlers.SchedulerStatus
	if a.Scheduler != nil {
		sched = a.Scheduler
	}
	a.OpsHandler = handlers.NewOpsHandler(a.Config, a.Generator, a.Janitor, a.RunStorage, sched, a.Calendar, a.Logger)
}

// Start warms the caches, makes sure every template has an artifact and
// starts the scheduler. Templates without any artifact are generated
// synchronously; templates with an artifact from an earlier day are refreshed
// in the background.
func (a *App) Start(ctx context.Context) error {
	for _, source := range a.Aggregator.Sources() {
		if err := source.Warm(ctx); err != nil {
			a.Logger.Warn().Err(err).Str("source", source.Name()).Msg("Failed to warm source cache")
		}
	}

	today := a.Calendar.Today()
	for _, template := range a.Config.TemplateNames() {
		latest, err := a.Store.Latest(ctx, template)
		switch {
		case errors.Is(err, models.ErrNotFound):
			a.Logger.Info().Str("template", template).Msg("No artifact yet, generating before serving")
			if _, err := a.Generator.Generate(ctx, template, today, models.TriggerStartup); err != nil && !errors.Is(err, models.ErrBusy) {
				// Serving continues; requests will retry generation
				a.Logger.Error().Err(err).Str("template", template).Msg("Startup generation failed")
			}
		case err != nil:
			a.Logger.Warn().Err(err).Str("template", template).Msg("Failed to read latest pointer")
		case latest.Date < today:
			template := template
			a.Logger.Info().Str("template", template).Str("latest", latest.Date).Msg("Artifact is stale, refreshing in background")
			common.SafeGo(a.Logger, "startup:"+template, func() {
				if _, err := a.Generator.Generate(context.Background(), template, today, models.TriggerStartup); err != nil && !errors.Is(err, models.ErrBusy) {
					a.Logger.Warn().Err(err).Str("template", template).Msg("Startup refresh failed")
				}
			})
		}
	}

	if a.Scheduler != nil {
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	return nil
}

// Close stops the scheduler, waiting up to the shutdown timeout for running
// passes, then releases the browser and the database
func (a *App) Close() error {
	if a.Scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.Scheduler.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
		cancel()
	}

	if a.Renderer != nil {
		if err := a.Renderer.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close renderer")
		}
	}

	if a.Database != nil {
		if err := a.Database.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
