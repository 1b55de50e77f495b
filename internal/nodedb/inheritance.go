package nodedb

import (
	"context"

	"github.com/popemkt/nxus/internal/errors"
	"github.com/popemkt/nxus/internal/model"
	"github.com/popemkt/nxus/internal/sysids"
)

// maxInheritanceDepth bounds the extends-chain traversal (§4.3: "cap depth
// to, e.g., 16").
const maxInheritanceDepth = 16

// ResolveSupertagClosure implements C3: given a target supertag (by systemId
// or internal ID), returns the target plus every supertag whose extends-chain
// reaches it. It is never cached across writes — adding an extends edge must
// be immediately visible (§4.3).
func (s *Service) ResolveSupertagClosure(ctx context.Context, supertagIdentifier string) ([]model.Node, error) {
	target, err := s.resolveNode(ctx, supertagIdentifier)
	if err != nil {
		return nil, err
	}

	extendsField, err := s.resolveNode(ctx, sysids.FieldExtends)
	if err != nil {
		// No extends field has ever been written: no supertag can extend
		// anything, so the closure is just the target itself.
		if errors.Is(err, errors.NotFound) {
			return []model.Node{target}, nil
		}
		return nil, err
	}

	all, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, errors.StoreErr("list nodes for inheritance resolution", err)
	}

	// parentOf maps a supertag node ID to the node ID it directly extends.
	parentOf := make(map[string]string, len(all))
	for _, n := range all {
		props, err := s.store.ListPropertiesForNode(ctx, n.ID)
		if err != nil {
			return nil, errors.StoreErr("list properties for inheritance resolution", err)
		}
		for _, p := range props {
			if p.FieldNodeID != extendsField.ID {
				continue
			}
			if ref := model.DecodePropertyValue(p.Value).Ref; ref != "" {
				parentOf[n.ID] = ref
				break
			}
		}
	}

	visited := map[string]bool{target.ID: true}
	closure := []model.Node{target}

	// reaches reports whether startID's extends-chain reaches targetID,
	// within the depth cap, defensively breaking on cycles.
	reaches := func(startID string) bool {
		seen := map[string]bool{}
		cur := startID
		for depth := 0; depth < maxInheritanceDepth; depth++ {
			if cur == target.ID {
				return true
			}
			if seen[cur] {
				return false // cycle
			}
			seen[cur] = true
			parent, ok := parentOf[cur]
			if !ok {
				return false
			}
			cur = parent
		}
		return false
	}

	for _, n := range all {
		if visited[n.ID] {
			continue
		}
		if reaches(n.ID) {
			visited[n.ID] = true
			closure = append(closure, n)
		}
	}

	return closure, nil
}

// ResolveSupertagClosureIDs is ResolveSupertagClosure projected onto node IDs,
// the shape the query evaluator seeds its candidate set from (§4.4).
func (s *Service) ResolveSupertagClosureIDs(ctx context.Context, supertagIdentifier string) (map[string]bool, error) {
	nodes, err := s.ResolveSupertagClosure(ctx, supertagIdentifier)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}
	return ids, nil
}
