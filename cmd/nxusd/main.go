// Command nxusd runs the node-property core as a standalone headless
// process: it loads configuration, opens the configured store, applies the
// bootstrap contract, and then blocks until asked to shut down. It exposes
// no network surface of its own; embedding processes talk to the wired
// internal/core.Core directly or drive it through an external transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/popemkt/nxus/internal/config"
	"github.com/popemkt/nxus/internal/core"
	"github.com/popemkt/nxus/internal/logger"
	"github.com/popemkt/nxus/internal/platform/database"
	"github.com/popemkt/nxus/internal/platform/migrations"
	"github.com/popemkt/nxus/internal/runtime"
	"github.com/popemkt/nxus/pkg/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file (overrides configs/config.yaml)")
		dsn         = flag.String("dsn", "", "PostgreSQL DSN; when empty the in-memory store is used")
		migrate     = flag.Bool("migrate", false, "apply embedded schema migrations before starting")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.FullVersion())
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyEnvironmentDefaults(cfg)

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolvedDSN := resolveDSN(*dsn, cfg)

	return start(ctx, resolvedDSN, *migrate, cfg, log)
}

// applyEnvironmentDefaults nudges config defaults that depend on the
// deployment environment (NXUS_ENV) rather than an explicit setting: a
// production environment logs JSON (machine-parseable) instead of the
// human-oriented text format config.New defaults to.
func applyEnvironmentDefaults(cfg *config.Config) {
	if runtime.IsProduction() && cfg.Logging.Format == "text" {
		cfg.Logging.Format = "json"
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if flagDSN != "" {
		return flagDSN
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	return cfg.Database.DSN
}

func start(ctx context.Context, dsn string, migrate bool, cfg *config.Config, log *logger.Logger) error {
	c, closeDB, err := buildCore(ctx, dsn, migrate, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeDB != nil {
			_ = closeDB()
		}
	}()

	if cfg.Bootstrap.AutoBootstrap {
		if err := c.Bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	c.Start()
	defer c.Stop()

	log.WithField("version", version.Version).Info("nxusd started")
	<-ctx.Done()
	log.Info("shutting down")

	return nil
}

func buildCore(ctx context.Context, dsn string, migrate bool, cfg *config.Config, log *logger.Logger) (*core.Core, func() error, error) {
	cfg.Database.DSN = dsn
	if dsn == "" {
		return core.New(nil, cfg, log), nil, nil
	}

	db, err := database.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	database.Configure(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)

	if migrate || cfg.Database.MigrateOnStart {
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	return core.New(db, cfg, log), db.Close, nil
}
