package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"loom/pkg/aggregate"
	"loom/pkg/config"
	"loom/pkg/coordinator"
	"loom/pkg/session"
	"loom/pkg/statedb"
)

// app is the state one CLI invocation works against: the resolved config, the
// open state database and the stores restored from it.
type app struct {
	cfg      config.Config
	db       *statedb.DB
	sessions *session.Store
	workers  *coordinator.Coordinator
	logger   *slog.Logger
}

// openApp loads the config, opens the state database and restores both stores.
func openApp(ctx context.Context, opts *globalOpts) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default()

	db, err := statedb.Open(ctx, cfg.DBPath, statedb.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	sessions, err := session.Open(ctx, db,
		session.WithEventSink(db),
		session.WithLogger(logger),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("restore sessions: %w", err)
	}

	workers, err := coordinator.Open(ctx, db,
		coordinator.WithSessions(sessions),
		coordinator.WithEventSink(db),
		coordinator.WithLogger(logger),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("restore workers: %w", err)
	}

	return &app{cfg: cfg, db: db, sessions: sessions, workers: workers, logger: logger}, nil
}

// withApp opens the app, runs fn and closes the database.
func withApp(ctx context.Context, opts *globalOpts, fn func(*app) error) (err error) {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.Close()) }()
	return fn(a)
}

// Close releases the state database.
func (a *app) Close() error { return a.db.Close() }

// aggregator returns a summary builder over the restored stores.
func (a *app) aggregator(opts ...aggregate.Option) *aggregate.Aggregator {
	return aggregate.New(a.sessions, a.workers, opts...)
}
