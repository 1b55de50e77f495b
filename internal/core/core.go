// Package core wires C1-C9 together into a single embeddable unit and runs
// the bootstrap contract (§6) against the configured store.
package core

import (
	"context"
	"database/sql"

	"github.com/popemkt/nxus/internal/automation"
	"github.com/popemkt/nxus/internal/bootstrap"
	"github.com/popemkt/nxus/internal/clock"
	"github.com/popemkt/nxus/internal/computed"
	"github.com/popemkt/nxus/internal/config"
	"github.com/popemkt/nxus/internal/eventbus"
	"github.com/popemkt/nxus/internal/logger"
	"github.com/popemkt/nxus/internal/nodedb"
	"github.com/popemkt/nxus/internal/query"
	"github.com/popemkt/nxus/internal/store"
	"github.com/popemkt/nxus/internal/subscription"
	"github.com/popemkt/nxus/pkg/pgnotify"
)

// Core exposes every component a host process (CLI, HTTP server, embedding
// application) needs, already wired to a single store and event bus.
type Core struct {
	Store      store.Store
	Bus        *eventbus.Bus
	Nodes      *nodedb.Service
	Query      *query.Evaluator
	Subs       *subscription.Service
	Computed   *computed.Service
	Automation *automation.Engine

	reconciler *computed.PeriodicReconciler
	mirror     *eventbus.Bridge
	mirrorBus  *pgnotify.Bus
	log        *logger.Logger
}

// New wires a Core against db. A nil db selects the in-memory store, useful
// for tests and single-process embedding.
func New(db *sql.DB, cfg *config.Config, log *logger.Logger) *Core {
	if cfg == nil {
		cfg = config.New()
	}
	if log == nil {
		log = logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output, FilePrefix: cfg.Logging.FilePrefix})
	}

	var st store.Store
	if db != nil {
		st = store.NewPostgresStore(db)
	} else {
		st = store.NewMemoryStore()
	}

	bus := eventbus.New(log)
	clk := clock.SystemClock{}

	nodes := nodedb.New(st, bus, clk, cfg.Fields)
	eval := query.NewEvaluator(nodes, st, clk, cfg.Query)
	subs := subscription.NewService(eval, nodes, bus, log)
	comp := computed.NewService(nodes, eval, subs, clk, log)
	auto := automation.NewEngine(nodes, subs, comp, clk, cfg.Automation, log)

	c := &Core{
		Store:      st,
		Bus:        bus,
		Nodes:      nodes,
		Query:      eval,
		Subs:       subs,
		Computed:   comp,
		Automation: auto,
		log:        log,
	}

	if cfg.Computed.ReconcileSchedule != "" {
		reconciler, err := computed.NewPeriodicReconciler(comp, cfg.Computed.ReconcileSchedule, log)
		if err != nil {
			log.WithError(err).Error("invalid computed field reconcile schedule, sweep disabled")
		} else {
			c.reconciler = reconciler
		}
	}

	if db != nil && cfg.Mirror.Enabled {
		if cfg.Database.DSN == "" {
			log.Error("mutation mirror enabled but no database DSN configured, mirror disabled")
		} else if pgBus, err := pgnotify.NewWithDB(db, cfg.Database.DSN); err != nil {
			log.WithError(err).Error("failed to start pgnotify mutation mirror, mirror disabled")
		} else {
			c.mirrorBus = pgBus
			c.mirror = eventbus.NewBridge(bus, pgBus, log)
		}
	}

	return c
}

// Start begins any background work the core owns (currently just the
// optional computed-field reconciliation sweep). Safe to call even when no
// background work is configured.
func (c *Core) Start() {
	if c.reconciler != nil {
		c.reconciler.Start()
	}
}

// Stop halts background work started by Start, including detaching and
// closing the mutation mirror if one was wired.
func (c *Core) Stop() {
	if c.reconciler != nil {
		c.reconciler.Stop()
	}
	if c.mirror != nil {
		c.mirror.Close()
	}
	if c.mirrorBus != nil {
		if err := c.mirrorBus.Close(); err != nil {
			c.log.WithError(err).Error("failed to close pgnotify mutation mirror")
		}
	}
}

// Bootstrap installs the system node set if it hasn't already run. Callers
// typically invoke this once at process start when cfg.Bootstrap.AutoBootstrap
// is set; it's also exposed directly for tests and manual invocation.
func (c *Core) Bootstrap(ctx context.Context) error {
	return bootstrap.Run(ctx, c.Nodes, c.log)
}
