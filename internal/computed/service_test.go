package computed

import (
	"context"
	"testing"

	"github.com/popemkt/nxus/internal/clock"
	"github.com/popemkt/nxus/internal/config"
	"github.com/popemkt/nxus/internal/eventbus"
	"github.com/popemkt/nxus/internal/model"
	"github.com/popemkt/nxus/internal/nodedb"
	"github.com/popemkt/nxus/internal/query"
	"github.com/popemkt/nxus/internal/store"
	"github.com/popemkt/nxus/internal/subscription"
	"github.com/popemkt/nxus/internal/sysids"
)

func newTestService(t *testing.T) (*Service, *nodedb.Service) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := eventbus.New(nil)
	clk := clock.FixedClock{}
	nodes := nodedb.New(st, bus, clk, config.FieldsConfig{AutoCreate: true})
	eval := query.NewEvaluator(nodes, st, clk, config.QueryConfig{DefaultLimit: 500, MaxLimit: 5000})
	subs := subscription.NewService(eval, nodes, bus, nil)
	svc := NewService(nodes, eval, subs, clk, nil)
	if _, err := nodes.CreateNode(context.Background(), nodedb.CreateNodeInput{SystemID: sysids.SupertagComputedField}); err != nil {
		t.Fatalf("seed #ComputedField supertag: %v", err)
	}
	return svc, nodes
}

func TestComputedCountStartsAtZeroAndTracksMembership(t *testing.T) {
	svc, nodes := newTestService(t)
	ctx := context.Background()

	id, err := svc.Create(ctx, "subscription count", Definition{
		Aggregation: COUNT,
		Query:       query.Definition{Filters: []query.Filter{{Kind: query.FilterSupertag, SupertagSystemID: sysids.SupertagTag}}},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	v, ok := svc.Value(id)
	if !ok || v == nil || *v != 0 {
		t.Fatalf("Value() = %v, %v, want 0", v, ok)
	}

	tagID, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: sysids.SupertagTag})
	for i := 0; i < 3; i++ {
		if _, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Supertag: tagID}); err != nil {
			t.Fatalf("CreateNode() error = %v", err)
		}
	}

	v, ok = svc.Value(id)
	if !ok || v == nil || *v != 3 {
		t.Fatalf("Value() after 3 creates = %v, %v, want 3", v, ok)
	}
}

func TestComputedSumOverFieldSkipsNonNumeric(t *testing.T) {
	svc, nodes := newTestService(t)
	ctx := context.Background()

	itemID, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: sysids.SupertagItem})
	n1, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Supertag: itemID})
	n2, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Supertag: itemID})
	if err := nodes.SetProperty(ctx, n1, "field:amount", model.EncodeNumber(2), 0); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}
	if err := nodes.SetProperty(ctx, n2, "field:amount", model.EncodeNumber(3), 0); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}
	n3, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Supertag: itemID})
	if err := nodes.SetProperty(ctx, n3, "field:amount", model.EncodeText("n/a"), 0); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}

	id, err := svc.Create(ctx, "amount sum", Definition{
		Aggregation:   SUM,
		FieldSystemID: "field:amount",
		Query:         query.Definition{Filters: []query.Filter{{Kind: query.FilterSupertag, SupertagSystemID: sysids.SupertagItem}}},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	v, ok := svc.Value(id)
	if !ok || v == nil || *v != 5 {
		t.Fatalf("Value() = %v, %v, want 5", v, ok)
	}
}

func TestSubscribeToValueReceivesChange(t *testing.T) {
	svc, nodes := newTestService(t)
	ctx := context.Background()

	id, err := svc.Create(ctx, "item count", Definition{
		Aggregation: COUNT,
		Query:       query.Definition{Filters: []query.Filter{{Kind: query.FilterSupertag, SupertagSystemID: sysids.SupertagItem}}},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var changes []ValueChange
	unsub, err := svc.SubscribeToValue(ctx, id, func(c ValueChange) { changes = append(changes, c) })
	if err != nil {
		t.Fatalf("SubscribeToValue() error = %v", err)
	}
	defer unsub()

	if _, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: sysids.SupertagItem}); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}
	if _, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Supertag: sysids.SupertagItem}); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}

	if len(changes) != 1 {
		t.Fatalf("changes = %+v, want exactly one", changes)
	}
	if changes[0].Previous == nil || *changes[0].Previous != 0 {
		t.Fatalf("changes[0].Previous = %v, want 0", changes[0].Previous)
	}
	if changes[0].Current == nil || *changes[0].Current != 1 {
		t.Fatalf("changes[0].Current = %v, want 1", changes[0].Current)
	}
}
