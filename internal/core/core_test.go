package core

import (
	"context"
	"testing"

	"github.com/popemkt/nxus/internal/config"
	"github.com/popemkt/nxus/internal/model"
	"github.com/popemkt/nxus/internal/nodedb"
	"github.com/popemkt/nxus/internal/query"
	"github.com/popemkt/nxus/internal/sysids"
)

func TestNewWiresEndToEnd(t *testing.T) {
	ctx := context.Background()
	c := New(nil, config.New(), nil)

	if err := c.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	// Bootstrapping twice must stay a no-op.
	if err := c.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}

	nodeID, err := c.Nodes.CreateNode(ctx, nodedb.CreateNodeInput{Supertag: sysids.SupertagItem})
	if err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}
	if err := c.Nodes.SetProperty(ctx, nodeID, "field:title", model.EncodeText("hello"), 0); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}

	result, err := c.Query.Evaluate(ctx, query.Definition{
		Filters: []query.Filter{{Kind: query.FilterSupertag, SupertagSystemID: sysids.SupertagItem}},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	found := false
	for _, n := range result.Nodes {
		if n.ID == nodeID {
			found = true
		}
	}
	if !found {
		t.Fatalf("Evaluate() result = %+v, want node %s present", result, nodeID)
	}
}

// TestStartStopWithoutBackgroundWorkIsNilSafe exercises the lifecycle a host
// process drives (Start then Stop) when neither the reconciler nor the
// mutation mirror is configured (the default for a nil *sql.DB core), since
// both must be no-ops rather than nil-pointer panics.
func TestStartStopWithoutBackgroundWorkIsNilSafe(t *testing.T) {
	c := New(nil, config.New(), nil)
	c.Start()
	c.Stop()
}

// TestNewDoesNotWireMirrorWithoutPostgres confirms a nil *sql.DB core never
// attempts to build the pgnotify mirror even when Mirror.Enabled is set,
// since there is no database connection for it to dial.
func TestNewDoesNotWireMirrorWithoutPostgres(t *testing.T) {
	cfg := config.New()
	cfg.Mirror.Enabled = true
	c := New(nil, cfg, nil)
	if c.mirror != nil || c.mirrorBus != nil {
		t.Fatalf("expected no mutation mirror without a *sql.DB, got mirror=%v mirrorBus=%v", c.mirror, c.mirrorBus)
	}
	c.Stop()
}
