package store

import (
	"context"
	"sort"
	"sync"

	"github.com/popemkt/nxus/internal/errors"
	"github.com/popemkt/nxus/internal/model"
	"github.com/popemkt/nxus/internal/nodeid"
)

// MemoryStore is an in-process Store implementation. It is the default for
// embedding and for tests; it never touches a database.
type MemoryStore struct {
	mu sync.Mutex

	nodes      map[string]model.Node
	bySystemID map[string]string // systemId -> nodeId
	properties map[string]model.Property
	// byNodeField indexes property IDs by (nodeId, fieldNodeId) for fast replace/delete.
	byNodeField map[[2]string][]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:       make(map[string]model.Node),
		bySystemID:  make(map[string]string),
		properties:  make(map[string]model.Property),
		byNodeField: make(map[[2]string][]string),
	}
}

// WithTx runs fn directly: each Store method already serializes its own
// critical section behind the store mutex, and the core's concurrency model
// (§5) is single-threaded and cooperative, so a multi-step sequence issued
// from one goroutine never interleaves with another. WithTx provides no
// rollback since MemoryStore mutations are simple map writes performed only
// after validation.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *MemoryStore) CreateNode(ctx context.Context, n model.Node) error {
	return s.withLock(func() error {
		if n.SystemID != "" {
			if _, exists := s.bySystemID[n.SystemID]; exists {
				return errors.DuplicateSystemIdError(n.SystemID)
			}
		}
		s.nodes[n.ID] = n
		if n.SystemID != "" {
			s.bySystemID[n.SystemID] = n.ID
		}
		return nil
	})
}

func (s *MemoryStore) GetNode(ctx context.Context, id string) (model.Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	return n, ok, nil
}

func (s *MemoryStore) GetNodeBySystemID(ctx context.Context, systemID string) (model.Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySystemID[systemID]
	if !ok {
		return model.Node{}, false, nil
	}
	n, ok := s.nodes[id]
	return n, ok, nil
}

func (s *MemoryStore) UpdateNode(ctx context.Context, n model.Node) error {
	return s.withLock(func() error {
		existing, ok := s.nodes[n.ID]
		if !ok {
			return errors.NotFoundError("node", n.ID)
		}
		if existing.SystemID != n.SystemID {
			if existing.SystemID != "" {
				delete(s.bySystemID, existing.SystemID)
			}
			if n.SystemID != "" {
				s.bySystemID[n.SystemID] = n.ID
			}
		}
		s.nodes[n.ID] = n
		return nil
	})
}

func (s *MemoryStore) ListNodes(ctx context.Context) ([]model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertProperty(ctx context.Context, p model.Property) (model.Property, error) {
	var result model.Property
	err := s.withLock(func() error {
		key := [2]string{p.NodeID, p.FieldNodeID}
		for _, id := range s.byNodeField[key] {
			existing := s.properties[id]
			if existing.Order == p.Order {
				p.ID = existing.ID
				p.CreatedAt = existing.CreatedAt
				s.properties[id] = p
				result = p
				return nil
			}
		}
		if p.ID == "" {
			p.ID = nodeid.New()
		}
		s.properties[p.ID] = p
		s.byNodeField[key] = append(s.byNodeField[key], p.ID)
		result = p
		return nil
	})
	return result, err
}

// AppendProperty inserts p unconditionally, with no collapsing against any
// existing (node, field, value) or (node, field, order) row. addPropertyValue
// (§4.2) builds on this directly: it performs no deduplication whatsoever.
func (s *MemoryStore) AppendProperty(ctx context.Context, p model.Property) (model.Property, error) {
	var result model.Property
	err := s.withLock(func() error {
		key := [2]string{p.NodeID, p.FieldNodeID}
		if p.ID == "" {
			p.ID = nodeid.New()
		}
		s.properties[p.ID] = p
		s.byNodeField[key] = append(s.byNodeField[key], p.ID)
		result = p
		return nil
	})
	return result, err
}

func (s *MemoryStore) ReplacePropertiesForField(ctx context.Context, nodeID, fieldNodeID string, values []model.Property) error {
	return s.withLock(func() error {
		key := [2]string{nodeID, fieldNodeID}
		for _, id := range s.byNodeField[key] {
			delete(s.properties, id)
		}
		ids := make([]string, 0, len(values))
		for _, p := range values {
			if p.ID == "" {
				p.ID = nodeid.New()
			}
			s.properties[p.ID] = p
			ids = append(ids, p.ID)
		}
		s.byNodeField[key] = ids
		return nil
	})
}

func (s *MemoryStore) DeletePropertiesForField(ctx context.Context, nodeID, fieldNodeID string) error {
	return s.withLock(func() error {
		key := [2]string{nodeID, fieldNodeID}
		for _, id := range s.byNodeField[key] {
			delete(s.properties, id)
		}
		delete(s.byNodeField, key)
		return nil
	})
}

func (s *MemoryStore) ListPropertiesForNode(ctx context.Context, nodeID string) ([]model.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listForNodeLocked(nodeID), nil
}

func (s *MemoryStore) listForNodeLocked(nodeID string) []model.Property {
	var out []model.Property
	for _, p := range s.properties {
		if p.NodeID == nodeID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FieldNodeID != out[j].FieldNodeID {
			return out[i].FieldNodeID < out[j].FieldNodeID
		}
		return out[i].Order < out[j].Order
	})
	return out
}

func (s *MemoryStore) ListPropertiesForNodes(ctx context.Context, nodeIDs []string) (map[string][]model.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]model.Property, len(nodeIDs))
	for _, id := range nodeIDs {
		out[id] = s.listForNodeLocked(id)
	}
	return out, nil
}

func (s *MemoryStore) ListPropertiesByFieldAndValue(ctx context.Context, fieldNodeID, value string) ([]model.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Property
	for _, p := range s.properties {
		if p.FieldNodeID == fieldNodeID && p.Value == value {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// withLock serializes a single mutating operation behind the store mutex.
func (s *MemoryStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}
