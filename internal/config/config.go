// Package config provides layered configuration loading (defaults, then a YAML
// file, then environment variables) for the core and its embedding process.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls the persistent store (C1).
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnectionString builds a PostgreSQL connection string from host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// BootstrapConfig controls the bootstrap contract (§6).
type BootstrapConfig struct {
	// AutoBootstrap runs the bootstrap sequence against an empty store on startup.
	AutoBootstrap bool `json:"auto_bootstrap" yaml:"auto_bootstrap" env:"BOOTSTRAP_AUTO"`
}

// AutomationConfig bounds the automation engine's re-entrancy (C8, §4.8/§5).
type AutomationConfig struct {
	MaxDepth int `json:"max_depth" yaml:"max_depth" env:"AUTOMATION_MAX_DEPTH"`
}

// QueryConfig bounds the query evaluator's default/maximum page size (C4, §4.4).
type QueryConfig struct {
	DefaultLimit int `json:"default_limit" yaml:"default_limit" env:"QUERY_DEFAULT_LIMIT"`
	MaxLimit     int `json:"max_limit" yaml:"max_limit" env:"QUERY_MAX_LIMIT"`
}

// ComputedConfig controls the computed-field service's optional periodic
// consistency sweep (C9, §4.9).
type ComputedConfig struct {
	// ReconcileSchedule is a standard five-field cron expression. Empty
	// disables the sweep; the push-based recompute-on-change path is the
	// only mechanism in that case.
	ReconcileSchedule string `json:"reconcile_schedule" yaml:"reconcile_schedule" env:"COMPUTED_RECONCILE_SCHEDULE"`
}

// MirrorConfig controls the optional pgnotify mutation mirror
// (internal/eventbus.Bridge). It is purely additive: the core's in-process
// event bus (C5) never depends on it, and it only takes effect against a
// PostgreSQL-backed store (a nil *sql.DB core never builds one).
type MirrorConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"MIRROR_ENABLED"`
}

// FieldsConfig resolves the §9 open question on field autocreation during
// setProperty: AutoCreate enabled with an empty Allowed list permits any
// field to be created on demand (suitable for tests/automations); a
// non-empty Allowed list bounds autocreation to a permitted-fields policy,
// as the spec recommends for production builds.
type FieldsConfig struct {
	AutoCreate bool     `json:"auto_create" yaml:"auto_create" env:"FIELDS_AUTO_CREATE"`
	Allowed    []string `json:"allowed" yaml:"allowed"`
}

// Config is the top-level configuration structure.
type Config struct {
	Database   DatabaseConfig   `json:"database"`
	Logging    LoggingConfig    `json:"logging"`
	Bootstrap  BootstrapConfig  `json:"bootstrap"`
	Automation AutomationConfig `json:"automation"`
	Query      QueryConfig      `json:"query"`
	Fields     FieldsConfig     `json:"fields"`
	Computed   ComputedConfig   `json:"computed"`
	Mirror     MirrorConfig     `json:"mirror"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "nxus",
		},
		Bootstrap: BootstrapConfig{
			AutoBootstrap: true,
		},
		Automation: AutomationConfig{
			MaxDepth: 16,
		},
		Query: QueryConfig{
			DefaultLimit: 500,
			MaxLimit:     5000,
		},
		Fields: FieldsConfig{
			AutoCreate: true,
		},
	}
}

// Load loads configuration from an optional .env file, an optional YAML file,
// and environment variables, in that order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, applying defaults first.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN, matching
// the common "just set one env var" deployment convention.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Automation.MaxDepth <= 0 {
		c.Automation.MaxDepth = 16
	}
	if c.Query.DefaultLimit <= 0 {
		c.Query.DefaultLimit = 500
	}
	if c.Query.MaxLimit <= 0 {
		c.Query.MaxLimit = 5000
	}
}
