package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/core/config"
	"github.com/flowflex/stagecondition/internal/core/db"
	"github.com/flowflex/stagecondition/internal/core/events"
	"github.com/flowflex/stagecondition/internal/core/metrics"
	"github.com/flowflex/stagecondition/internal/core/store"
	"github.com/flowflex/stagecondition/internal/engine"
	"github.com/flowflex/stagecondition/internal/rules"
)

// runtime is the wired engine shared by serve and evaluate.
type runtime struct {
	conn     *sqlx.DB
	queries  *db.Queries
	store    *store.Store
	bus      *events.Bus
	executor *events.Executor
	orch     *engine.Orchestrator
}

// openRuntime connects the database and the event bus and wires the
// dispatcher and orchestrator from cfg. m may be nil.
func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*runtime, error) {
	conn, err := db.Open(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rt := &runtime{conn: conn}

	migrator, err := db.NewMigrator(conn, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if _, err := migrator.Up(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	} else {
		pending, err := migrator.Pending(ctx)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to check migrations: %w", err)
		}
		if len(pending) > 0 {
			rt.Close()
			return nil, fmt.Errorf("migrations %v not applied - run 'stagecondition migrate' first", pending)
		}
	}

	if rt.queries, err = db.LoadQueries(conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to load queries: %w", err)
	}
	if rt.store, err = store.New(conn, store.WithLogger(logger)); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if rt.bus, err = events.Open(cfg.Events.Bus(), logger); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to open event bus: %w", err)
	}

	rt.executor = events.NewExecutor(rt.store, rt.bus.Publisher)
	dispatcher := actions.NewDispatcher(actions.Services{
		Directory:  rt.store,
		Fields:     rt.store,
		Properties: rt.store,
		Executor:   rt.executor,
		Mailer:     events.NewMailer(rt.bus.Publisher),
	},
		actions.WithTimeouts(cfg.Engine.ActionTimeouts()),
		actions.WithRetry(cfg.Engine.RetryPolicy()),
		actions.WithLogger(logger),
		actions.WithMetrics(m),
	)

	rt.orch = engine.New(rt.store, rt.store, dispatcher,
		engine.WithRulesEngine(rules.NewEngine(
			rules.WithLogger(logger),
			rules.WithCacheSize(cfg.Engine.PredicateCacheSize),
		)),
		engine.WithAudit(rt.store),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
	)
	return rt, nil
}

// Close releases the bus and the database.
func (rt *runtime) Close() error {
	var errs []error
	if rt.bus != nil {
		errs = append(errs, rt.bus.Close())
	}
	if rt.conn != nil {
		errs = append(errs, rt.conn.Close())
	}
	return errors.Join(errs...)
}
