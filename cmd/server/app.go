package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"govcheck/internal/adapters/httppage"
	pg "govcheck/internal/adapters/postgres"
	"govcheck/internal/adapters/sqlite"
	"govcheck/internal/config"
	"govcheck/internal/evaluators"
	"govcheck/internal/metrics"
	"govcheck/internal/ports"
	"govcheck/internal/services/analyses"
	"govcheck/internal/services/categories"
	"govcheck/internal/services/orchestrator"
	"govcheck/internal/services/profiles"
	"govcheck/internal/services/progress"
	"govcheck/internal/services/recorder"
	"govcheck/internal/services/session"
)

type store interface {
	analyses.Store
	ports.ProfileRepository
	Migrate(ctx context.Context, log *slog.Logger) error
}

// app holds the wired object graph shared by every command.
type app struct {
	log      *slog.Logger
	clock    clockwork.Clock
	store    store
	closeDB  func()
	orch     *orchestrator.Orchestrator
	analyses *analyses.Service
	profiles *profiles.Service
	gatherer prometheus.Gatherer
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	log := slog.Default()
	clock := clockwork.NewRealClock()

	st, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	registry, err := categories.NewRegistry(evaluators.All()...)
	if err != nil {
		closeDB()
		return nil, err
	}

	browser := httppage.New(httppage.Options{UserAgent: cfg.UserAgent, MaxBytes: cfg.MaxPageBytes})
	rec := recorder.New(st, log, recorder.WithClock(clock))
	bus := progress.NewBus(clock, log)
	orch := orchestrator.New(orchestrator.Config{
		Sessions:          session.NewManager(browser, cfg.WaitUntil, log),
		Runner:            categories.NewRunner(registry, cfg.CategoryTimeout, clock, log),
		Recorder:          rec,
		Bus:               bus,
		Metrics:           metrics.New(prometheus.DefaultRegisterer),
		Clock:             clock,
		NavigationTimeout: cfg.NavigationTimeout,
		Logger:            log,
	})
	return &app{
		log:     log,
		clock:   clock,
		store:   st,
		closeDB: closeDB,
		orch:    orch,
		analyses: analyses.New(analyses.Config{
			Store:        st,
			Recorder:     rec,
			Orchestrator: orch,
			Registry:     registry,
			Bus:          bus,
			MaxInline:    cfg.MaxInlineAnalyses,
			Logger:       log,
		}),
		profiles: profiles.New(st),
		gatherer: prometheus.DefaultGatherer,
	}, nil
}

func (a *app) close() { a.closeDB() }

func openStore(ctx context.Context, cfg config.Config) (store, func(), error) {
	switch cfg.DBDriver {
	case "postgres":
		db, err := pg.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		return db, db.Close, nil
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return db, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
}
