package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/popemkt/nxus/internal/clock"
	"github.com/popemkt/nxus/internal/config"
	"github.com/popemkt/nxus/internal/eventbus"
	"github.com/popemkt/nxus/internal/model"
	"github.com/popemkt/nxus/internal/nodedb"
	"github.com/popemkt/nxus/internal/query"
	"github.com/popemkt/nxus/internal/store"
)

func newTestService(t *testing.T) (*Service, *nodedb.Service) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := eventbus.New(nil)
	clk := clock.FixedClock{}
	nodes := nodedb.New(st, bus, clk, config.FieldsConfig{AutoCreate: true})
	eval := query.NewEvaluator(nodes, st, clk, config.QueryConfig{DefaultLimit: 500, MaxLimit: 5000})
	svc := NewService(eval, nodes, bus, nil)
	return svc, nodes
}

func TestSubscribeDeliversAddedOnCreate(t *testing.T) {
	svc, nodes := newTestService(t)
	ctx := context.Background()

	var diffs []Diff
	handle, err := svc.Subscribe(ctx, query.Definition{
		Filters: []query.Filter{{Kind: query.FilterContent, Query: "urgent"}},
	}, func(d Diff) { diffs = append(diffs, d) })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if len(handle.GetLastResults()) != 0 {
		t.Fatalf("GetLastResults() = %v, want empty before any matching node exists", handle.GetLastResults())
	}

	id, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "urgent report"})
	if err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}

	if len(diffs) != 1 {
		t.Fatalf("diffs = %+v, want exactly one callback", diffs)
	}
	if len(diffs[0].Added) != 1 || diffs[0].Added[0] != id {
		t.Fatalf("diffs[0].Added = %v, want [%s]", diffs[0].Added, id)
	}
}

func TestSubscribeDeliversRemovedOnDelete(t *testing.T) {
	svc, nodes := newTestService(t)
	ctx := context.Background()

	id, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "urgent report"})

	var diffs []Diff
	_, err := svc.Subscribe(ctx, query.Definition{
		Filters: []query.Filter{{Kind: query.FilterContent, Query: "urgent"}},
	}, func(d Diff) { diffs = append(diffs, d) })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := nodes.DeleteNode(ctx, id); err != nil {
		t.Fatalf("DeleteNode() error = %v", err)
	}

	if len(diffs) != 1 || len(diffs[0].Removed) != 1 || diffs[0].Removed[0] != id {
		t.Fatalf("diffs = %+v, want one Removed diff for %s", diffs, id)
	}
}

func TestSubscribeDeliversChangedOnPropertyMutation(t *testing.T) {
	svc, nodes := newTestService(t)
	ctx := context.Background()

	id, _ := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "n1"})
	if err := nodes.SetProperty(ctx, id, "field:status", model.EncodeText("todo"), 0); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}

	// hasField matches regardless of the field's value, so the subscription's
	// result membership is unaffected by the mutation below — only its
	// dependency key (field:status, referenced directly by the filter)
	// triggers re-evaluation, and the diff lands in Changed.
	var diffs []Diff
	_, err := svc.Subscribe(ctx, query.Definition{
		Filters: []query.Filter{{Kind: query.FilterHasField, FieldSystemID: "field:status"}},
	}, func(d Diff) { diffs = append(diffs, d) })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := nodes.SetProperty(ctx, id, "field:status", model.EncodeText("done"), 0); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}

	if len(diffs) != 1 || len(diffs[0].Changed) != 1 || diffs[0].Changed[0] != id {
		t.Fatalf("diffs = %+v, want one Changed diff for %s", diffs, id)
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	svc, nodes := newTestService(t)
	ctx := context.Background()

	var diffs []Diff
	handle, err := svc.Subscribe(ctx, query.Definition{
		Filters: []query.Filter{{Kind: query.FilterContent, Query: "urgent"}},
	}, func(d Diff) { diffs = append(diffs, d) })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	handle.Unsubscribe()
	handle.Unsubscribe() // idempotent

	if _, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "urgent report"}); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}
	if len(diffs) != 0 {
		t.Fatalf("diffs = %+v, want none after Unsubscribe", diffs)
	}
}

// TestSubscribeTracksMultipleIndependentQueries exercises two overlapping
// subscriptions against the same node set, each keyed on a different filter
// dimension, to check the reverse index (C6) keeps their dependency sets
// separate rather than cross-notifying.
func TestSubscribeTracksMultipleIndependentQueries(t *testing.T) {
	svc, nodes := newTestService(t)
	ctx := context.Background()

	var contentDiffs, fieldDiffs []Diff
	_, err := svc.Subscribe(ctx, query.Definition{
		Filters: []query.Filter{{Kind: query.FilterContent, Query: "urgent"}},
	}, func(d Diff) { contentDiffs = append(contentDiffs, d) })
	require.NoError(t, err)

	_, err = svc.Subscribe(ctx, query.Definition{
		Filters: []query.Filter{{Kind: query.FilterHasField, FieldSystemID: "field:owner"}},
	}, func(d Diff) { fieldDiffs = append(fieldDiffs, d) })
	require.NoError(t, err)

	id, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: "urgent report"})
	require.NoError(t, err)
	require.Len(t, contentDiffs, 1, "content subscription should observe the new node")
	require.Empty(t, fieldDiffs, "field subscription should not fire on an unrelated content-only create")

	require.NoError(t, nodes.SetProperty(ctx, id, "field:owner", model.EncodeText("alice"), 0))
	require.Len(t, fieldDiffs, 1, "field subscription should observe the property being set")
	require.Len(t, contentDiffs, 1, "content subscription should be unaffected by an unrelated property mutation")
}
