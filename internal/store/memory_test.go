package store

import (
	"context"
	"testing"

	"github.com/popemkt/nxus/internal/errors"
	"github.com/popemkt/nxus/internal/model"
)

func TestMemoryStoreCreateAndGetNode(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n := model.Node{ID: "n1", Content: "hello", SystemID: "field:status", CreatedAt: 1, UpdatedAt: 1}
	if err := s.CreateNode(ctx, n); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}

	got, ok, err := s.GetNode(ctx, "n1")
	if err != nil || !ok {
		t.Fatalf("GetNode() = %v, %v, %v", got, ok, err)
	}
	if got.Content != "hello" {
		t.Errorf("Content = %v, want hello", got.Content)
	}

	bySystem, ok, err := s.GetNodeBySystemID(ctx, "field:status")
	if err != nil || !ok || bySystem.ID != "n1" {
		t.Fatalf("GetNodeBySystemID() = %v, %v, %v", bySystem, ok, err)
	}
}

func TestMemoryStoreDuplicateSystemID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateNode(ctx, model.Node{ID: "n1", SystemID: "field:status"}); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}
	err := s.CreateNode(ctx, model.Node{ID: "n2", SystemID: "field:status"})
	if !errors.Is(err, errors.DuplicateSystemId) {
		t.Fatalf("expected DuplicateSystemId, got %v", err)
	}
}

func TestMemoryStoreUpsertPropertyReplacesByPosition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p1, err := s.UpsertProperty(ctx, model.Property{NodeID: "n1", FieldNodeID: "f1", Value: `"todo"`, Order: 0, CreatedAt: 1, UpdatedAt: 1})
	if err != nil {
		t.Fatalf("UpsertProperty() error = %v", err)
	}
	p2, err := s.UpsertProperty(ctx, model.Property{NodeID: "n1", FieldNodeID: "f1", Value: `"done"`, Order: 0, CreatedAt: 1, UpdatedAt: 2})
	if err != nil {
		t.Fatalf("UpsertProperty() error = %v", err)
	}
	if p1.ID != p2.ID {
		t.Errorf("expected same property ID when replacing the same (node, field, order) slot, got %v and %v", p1.ID, p2.ID)
	}

	props, err := s.ListPropertiesForNode(ctx, "n1")
	if err != nil {
		t.Fatalf("ListPropertiesForNode() error = %v", err)
	}
	if len(props) != 1 || props[0].Value != `"done"` {
		t.Fatalf("expected 1 property holding the replaced value, got %+v", props)
	}
}

func TestMemoryStoreAppendPropertyNeverDeduplicates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.AppendProperty(ctx, model.Property{NodeID: "n1", FieldNodeID: "f1", Value: `"tag"`, Order: 0, CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("AppendProperty() error = %v", err)
	}
	if _, err := s.AppendProperty(ctx, model.Property{NodeID: "n1", FieldNodeID: "f1", Value: `"tag"`, Order: 1, CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("AppendProperty() error = %v", err)
	}

	props, err := s.ListPropertiesForNode(ctx, "n1")
	if err != nil {
		t.Fatalf("ListPropertiesForNode() error = %v", err)
	}
	if len(props) != 2 {
		t.Fatalf("expected 2 properties with an identical value, got %d: %+v", len(props), props)
	}
}

func TestMemoryStoreReplacePropertiesForField(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.ReplacePropertiesForField(ctx, "n1", "f1", []model.Property{{NodeID: "n1", FieldNodeID: "f1", Value: `"a"`}}); err != nil {
		t.Fatalf("ReplacePropertiesForField() error = %v", err)
	}
	if err := s.ReplacePropertiesForField(ctx, "n1", "f1", []model.Property{{NodeID: "n1", FieldNodeID: "f1", Value: `"b"`}}); err != nil {
		t.Fatalf("ReplacePropertiesForField() error = %v", err)
	}

	props, _ := s.ListPropertiesForNode(ctx, "n1")
	if len(props) != 1 || props[0].Value != `"b"` {
		t.Fatalf("expected single replaced property b, got %+v", props)
	}
}

func TestMemoryStoreListPropertiesByFieldAndValue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.UpsertProperty(ctx, model.Property{NodeID: "n1", FieldNodeID: "links_to", Value: "target-1"}); err != nil {
		t.Fatalf("UpsertProperty() error = %v", err)
	}
	if _, err := s.UpsertProperty(ctx, model.Property{NodeID: "n2", FieldNodeID: "links_to", Value: "target-1"}); err != nil {
		t.Fatalf("UpsertProperty() error = %v", err)
	}

	refs, err := s.ListPropertiesByFieldAndValue(ctx, "links_to", "target-1")
	if err != nil {
		t.Fatalf("ListPropertiesByFieldAndValue() error = %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 back-references, got %d", len(refs))
	}
}
