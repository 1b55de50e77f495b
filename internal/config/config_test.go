package config

import "testing"

func TestNewDefaults(t *testing.T) {
	cfg := New()

	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %v, want postgres", cfg.Database.Driver)
	}
	if cfg.Query.DefaultLimit != 500 {
		t.Errorf("Query.DefaultLimit = %v, want 500", cfg.Query.DefaultLimit)
	}
	if cfg.Automation.MaxDepth != 16 {
		t.Errorf("Automation.MaxDepth = %v, want 16", cfg.Automation.MaxDepth)
	}
	if !cfg.Bootstrap.AutoBootstrap {
		t.Errorf("Bootstrap.AutoBootstrap = false, want true")
	}
}

func TestNormalizeFixesZeroedOverrides(t *testing.T) {
	cfg := &Config{}
	cfg.normalize()

	if cfg.Automation.MaxDepth != 16 {
		t.Errorf("Automation.MaxDepth = %v, want 16", cfg.Automation.MaxDepth)
	}
	if cfg.Query.DefaultLimit != 500 {
		t.Errorf("Query.DefaultLimit = %v, want 500", cfg.Query.DefaultLimit)
	}
	if cfg.Query.MaxLimit != 5000 {
		t.Errorf("Query.MaxLimit = %v, want 5000", cfg.Query.MaxLimit)
	}
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	cfg, err := LoadFile("/does/not/exist.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v, want nil", err)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %v, want postgres", cfg.Database.Driver)
	}
}

func TestConnectionString(t *testing.T) {
	c := DatabaseConfig{Host: "localhost", Port: 5432, User: "nxus", Password: "secret", Name: "nxus", SSLMode: "disable"}
	want := "host=localhost port=5432 user=nxus password=secret dbname=nxus sslmode=disable"
	if got := c.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %v, want %v", got, want)
	}
}
