package query

import (
	"context"
	"testing"

	"github.com/popemkt/nxus/internal/clock"
	"github.com/popemkt/nxus/internal/config"
	"github.com/popemkt/nxus/internal/eventbus"
	"github.com/popemkt/nxus/internal/model"
	"github.com/popemkt/nxus/internal/nodedb"
	"github.com/popemkt/nxus/internal/store"
	"github.com/popemkt/nxus/internal/sysids"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *nodedb.Service) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := eventbus.New(nil)
	clk := clock.FixedClock{}
	nodes := nodedb.New(st, bus, clk, config.FieldsConfig{AutoCreate: true})

	ctx := context.Background()
	if _, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: sysids.FieldSupertag}); err != nil {
		t.Fatalf("bootstrap field:supertag: %v", err)
	}
	if _, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: sysids.FieldExtends}); err != nil {
		t.Fatalf("bootstrap field:extends: %v", err)
	}

	eval := NewEvaluator(nodes, st, clk, config.QueryConfig{DefaultLimit: 500, MaxLimit: 5000})
	return eval, nodes
}

func TestEvaluateContentFilter(t *testing.T) {
	eval, nodes := newTestEvaluator(t)
	ctx := context.Background()

	wantID, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "Buy oat milk"})
	_, _ = nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "Write report"})

	res, err := eval.Evaluate(ctx, Definition{
		Filters: []Filter{{Kind: FilterContent, Query: "oat"}},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.TotalCount != 1 || res.Nodes[0].ID != wantID {
		t.Fatalf("result = %+v, want single match %s", res, wantID)
	}
}

func TestEvaluateSupertagFilterFollowsInheritance(t *testing.T) {
	eval, nodes := newTestEvaluator(t)
	ctx := context.Background()

	itemID, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: sysids.SupertagItem})
	taskID, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: "#Task"})
	if err := nodes.SetProperty(ctx, taskID, sysids.FieldExtends, model.EncodeRef(itemID), 0); err != nil {
		t.Fatalf("SetProperty(extends) error = %v", err)
	}

	taggedID, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "a task", Supertag: "#Task"})
	_, _ = nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "untagged"})

	res, err := eval.Evaluate(ctx, Definition{
		Filters: []Filter{{Kind: FilterSupertag, SupertagSystemID: sysids.SupertagItem}},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.TotalCount != 1 || res.Nodes[0].ID != taggedID {
		t.Fatalf("result = %+v, want single match %s (tagged via inherited #Item)", res, taggedID)
	}
}

func TestEvaluatePropertyFilterAndSortAndLimit(t *testing.T) {
	eval, nodes := newTestEvaluator(t)
	ctx := context.Background()

	lowID, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "low"})
	highID, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "high"})
	if err := nodes.SetProperty(ctx, lowID, "field:priority", model.EncodeNumber(1), 0); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}
	if err := nodes.SetProperty(ctx, highID, "field:priority", model.EncodeNumber(5), 0); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}

	res, err := eval.Evaluate(ctx, Definition{
		Filters: []Filter{{Kind: FilterProperty, FieldSystemID: "field:priority", Op: OpGte, Value: float64(1)}},
		Sort:    &Sort{Field: "field:priority", Direction: SortDesc},
		Limit:   1,
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.TotalCount != 2 {
		t.Fatalf("TotalCount = %d, want 2 (limit applies only to the returned page)", res.TotalCount)
	}
	if len(res.Nodes) != 1 || res.Nodes[0].ID != highID {
		t.Fatalf("Nodes = %+v, want [%s] (highest priority first)", res.Nodes, highID)
	}
}

func TestEvaluateAndOrNotComposition(t *testing.T) {
	eval, nodes := newTestEvaluator(t)
	ctx := context.Background()

	matchID, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "urgent report"})
	doneID, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "urgent cleanup"})
	if err := nodes.SetProperty(ctx, matchID, "field:status", model.EncodeText("todo"), 0); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}
	if err := nodes.SetProperty(ctx, doneID, "field:status", model.EncodeText("done"), 0); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}

	res, err := eval.Evaluate(ctx, Definition{
		Filters: []Filter{
			{Kind: FilterContent, Query: "urgent"},
			{Kind: FilterNot, Filters: []Filter{
				{Kind: FilterProperty, FieldSystemID: "field:status", Op: OpEq, Value: "done"},
			}},
		},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.TotalCount != 1 || res.Nodes[0].ID != matchID {
		t.Fatalf("result = %+v, want single match %s", res, matchID)
	}
}

func TestEvaluateDefaultLimitFromConfig(t *testing.T) {
	eval, nodes := newTestEvaluator(t)
	ctx := context.Background()
	eval.cfg = config.QueryConfig{DefaultLimit: 1, MaxLimit: 5000}

	_, _ = nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "a"})
	_, _ = nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "b"})

	res, err := eval.Evaluate(ctx, Definition{})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.TotalCount != 4 {
		t.Fatalf("TotalCount = %d, want 4 (the two seeded field nodes plus a and b)", res.TotalCount)
	}
	if len(res.Nodes) != 1 {
		t.Fatalf("len(Nodes) = %d, want 1 (default limit)", len(res.Nodes))
	}
}
