package bootstrap

import (
	"context"
	"testing"

	"github.com/popemkt/nxus/internal/clock"
	"github.com/popemkt/nxus/internal/config"
	"github.com/popemkt/nxus/internal/eventbus"
	"github.com/popemkt/nxus/internal/nodedb"
	"github.com/popemkt/nxus/internal/store"
	"github.com/popemkt/nxus/internal/sysids"
)

func newTestNodes(t *testing.T) *nodedb.Service {
	t.Helper()
	st := store.NewMemoryStore()
	bus := eventbus.New(nil)
	clk := clock.FixedClock{}
	return nodedb.New(st, bus, clk, config.FieldsConfig{AutoCreate: true})
}

func TestRunInstallsSystemNodesAndSelfReference(t *testing.T) {
	nodes := newTestNodes(t)
	ctx := context.Background()

	if err := Run(ctx, nodes, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, id := range append([]string{sysids.FieldSupertag, sysids.FieldExtends, sysids.FieldFieldType, sysids.SupertagMeta, sysids.FieldMeta, sysids.SystemMeta}, commonSupertags...) {
		if _, err := nodes.FindNode(ctx, id); err != nil {
			t.Fatalf("FindNode(%q) error = %v, want installed", id, err)
		}
	}

	supertagMeta, err := nodes.FindNode(ctx, sysids.SupertagMeta)
	if err != nil {
		t.Fatalf("FindNode(#Supertag) error = %v", err)
	}
	if len(supertagMeta.Supertags) != 1 || supertagMeta.Supertags[0].SystemID != sysids.SupertagMeta {
		t.Fatalf("#Supertag.Supertags = %+v, want self-tagged", supertagMeta.Supertags)
	}

	fieldSupertag, err := nodes.FindNode(ctx, sysids.FieldSupertag)
	if err != nil {
		t.Fatalf("FindNode(field:supertag) error = %v", err)
	}
	if len(fieldSupertag.Supertags) != 1 || fieldSupertag.Supertags[0].SystemID != sysids.SupertagMeta {
		t.Fatalf("field:supertag.Supertags = %+v, want tagged #Supertag", fieldSupertag.Supertags)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	nodes := newTestNodes(t)
	ctx := context.Background()

	if err := Run(ctx, nodes, nil); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if err := Run(ctx, nodes, nil); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	n, err := nodes.FindNode(ctx, sysids.FieldSupertag)
	if err != nil {
		t.Fatalf("FindNode() error = %v", err)
	}
	if len(n.Supertags) != 1 {
		t.Fatalf("field:supertag.Supertags = %+v after double Run, want exactly one (no duplicate wiring)", n.Supertags)
	}
}
