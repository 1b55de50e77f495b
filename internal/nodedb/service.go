// Package nodedb implements the node service (C2, §4.2): CRUD on nodes,
// property mutation, and supertag assignment, plus the system-node cache
// the rest of the core relies on for cheap systemId resolution.
package nodedb

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/popemkt/nxus/internal/clock"
	"github.com/popemkt/nxus/internal/config"
	"github.com/popemkt/nxus/internal/errors"
	"github.com/popemkt/nxus/internal/eventbus"
	"github.com/popemkt/nxus/internal/model"
	"github.com/popemkt/nxus/internal/nodeid"
	"github.com/popemkt/nxus/internal/store"
	"github.com/popemkt/nxus/internal/sysids"
)

// Service is the node service (C2). It is the only component that writes to
// the store directly; every other component reads through it or through the
// query evaluator.
type Service struct {
	store store.Store
	bus   *eventbus.Bus
	clock clock.Clock
	cfg   config.FieldsConfig

	mu    sync.Mutex
	cache map[string]model.Node // systemId -> node, per §4.2's system-node cache
}

// New constructs a node service. bus may be nil in tests that don't need
// event delivery; clock defaults to the system clock.
func New(st store.Store, bus *eventbus.Bus, clk clock.Clock, cfg config.FieldsConfig) *Service {
	if bus == nil {
		bus = eventbus.New(nil)
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		store: st,
		bus:   bus,
		clock: clk,
		cfg:   cfg,
		cache: make(map[string]model.Node),
	}
}

// ClearSystemNodeCache drops every cached systemId->node mapping, per the
// spec's explicit invalidation-by-clear policy (§4.2, §9).
func (s *Service) ClearSystemNodeCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]model.Node)
}

func (s *Service) cacheGet(systemID string) (model.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.cache[systemID]
	return n, ok
}

func (s *Service) cachePut(systemID string, n model.Node) {
	if systemID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[systemID] = n
}

// ResolveNode resolves identifier by systemId then by internal ID, exported
// for the query evaluator (C4) and other components that need the same
// resolution/caching behavior the node service uses internally.
func (s *Service) ResolveNode(ctx context.Context, identifier string) (model.Node, error) {
	return s.resolveNode(ctx, identifier)
}

// resolveNode resolves identifier by systemId first, then by internal ID
// (§4.2: "findNode ... resolves by systemId then by ID").
func (s *Service) resolveNode(ctx context.Context, identifier string) (model.Node, error) {
	if cached, ok := s.cacheGet(identifier); ok {
		if n, found, err := s.store.GetNode(ctx, cached.ID); err == nil && found {
			return n, nil
		}
	}

	if n, found, err := s.store.GetNodeBySystemID(ctx, identifier); err != nil {
		return model.Node{}, errors.StoreErr("resolve node by systemId", err)
	} else if found {
		s.cachePut(identifier, n)
		return n, nil
	}

	n, found, err := s.store.GetNode(ctx, identifier)
	if err != nil {
		return model.Node{}, errors.StoreErr("resolve node by id", err)
	}
	if !found {
		return model.Node{}, errors.NotFoundError("node", identifier)
	}
	if n.SystemID != "" {
		s.cachePut(n.SystemID, n)
	}
	return n, nil
}

// CreateNodeInput is the argument to CreateNode.
type CreateNodeInput struct {
	Content  string
	SystemID string
	// Supertag is a systemId or internal ID of the supertag to assign.
	Supertag string
	OwnerID  string
}

// CreateNode inserts a node and, if a supertag was requested, assigns it in
// the same operation (§4.2). Events are published only after the whole
// operation commits, so a rollback (e.g. an unresolvable supertag) never
// lets a listener observe a node that was never durably created.
func (s *Service) CreateNode(ctx context.Context, in CreateNodeInput) (string, error) {
	var id string
	var pending []eventbus.Event

	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now().UnixMilli()
		id = nodeid.New()
		n := model.Node{
			ID:           id,
			Content:      in.Content,
			ContentPlain: strings.ToLower(in.Content),
			SystemID:     in.SystemID,
			OwnerID:      in.OwnerID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.CreateNode(ctx, n); err != nil {
			return err
		}
		if in.SystemID != "" {
			s.cachePut(in.SystemID, n)
		}
		pending = append(pending, eventbus.Event{Type: eventbus.NodeCreated, NodeID: id, At: now})

		if in.Supertag != "" {
			evt, err := s.addNodeSupertag(ctx, id, in.Supertag, now)
			if err != nil {
				return err
			}
			pending = append(pending, evt)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	for _, evt := range pending {
		s.bus.Publish(evt)
	}
	return id, nil
}

// FindNode resolves identifier and assembles its properties and supertags
// (§4.2). Soft-deleted nodes remain resolvable here; only query results
// exclude them (§3).
func (s *Service) FindNode(ctx context.Context, identifier string) (model.AssembledNode, error) {
	n, err := s.resolveNode(ctx, identifier)
	if err != nil {
		return model.AssembledNode{}, err
	}
	return s.assemble(ctx, n)
}

func (s *Service) assemble(ctx context.Context, n model.Node) (model.AssembledNode, error) {
	props, err := s.store.ListPropertiesForNode(ctx, n.ID)
	if err != nil {
		return model.AssembledNode{}, errors.StoreErr("list properties for node", err)
	}

	byField := make(map[string][]model.Property)
	for _, p := range props {
		byField[p.FieldNodeID] = append(byField[p.FieldNodeID], p)
	}

	supertagField, err := s.resolveNode(ctx, sysids.FieldSupertag)
	var supertags []model.SupertagRef
	if err == nil {
		for _, p := range byField[supertagField.ID] {
			v := model.DecodePropertyValue(p.Value)
			if v.Ref == "" {
				continue
			}
			ref := model.SupertagRef{ID: v.Ref}
			if st, sterr := s.resolveNode(ctx, v.Ref); sterr == nil {
				ref.SystemID = st.SystemID
			}
			supertags = append(supertags, ref)
		}
	}

	return model.AssembledNode{Node: n, Properties: byField, Supertags: supertags}, nil
}

// UpdateNodeContent rewrites content and bumps updatedAt (§4.2).
func (s *Service) UpdateNodeContent(ctx context.Context, identifier, content string) error {
	n, err := s.resolveNode(ctx, identifier)
	if err != nil {
		return err
	}
	before := n.Content
	now := s.clock.Now().UnixMilli()
	n.Content = content
	n.ContentPlain = strings.ToLower(content)
	n.UpdatedAt = now
	if err := s.store.UpdateNode(ctx, n); err != nil {
		return err
	}
	if n.SystemID != "" {
		s.cachePut(n.SystemID, n)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.NodeUpdated, NodeID: n.ID, PreviousValue: before, Value: content, At: now})
	return nil
}

// resolveOrCreateField resolves a field identifier, autocreating a bare
// field node on demand when the fields policy allows it (§4.2, §9 open
// question: field autocreation policy).
func (s *Service) resolveOrCreateField(ctx context.Context, identifier string) (model.Node, error) {
	n, err := s.resolveNode(ctx, identifier)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, errors.NotFound) {
		return model.Node{}, err
	}
	if !s.fieldAllowed(identifier) {
		return model.Node{}, errors.InvalidDefinitionError("field",
			fmt.Sprintf("field %q does not exist and autocreation is not permitted", identifier))
	}

	now := s.clock.Now().UnixMilli()
	id := nodeid.New()
	field := model.Node{ID: id, SystemID: identifier, Content: identifier, CreatedAt: now, UpdatedAt: now}
	if err := s.store.CreateNode(ctx, field); err != nil {
		return model.Node{}, err
	}
	s.cachePut(identifier, field)
	s.bus.Publish(eventbus.Event{Type: eventbus.NodeCreated, NodeID: id, At: now})
	return field, nil
}

func (s *Service) fieldAllowed(identifier string) bool {
	if !s.cfg.AutoCreate {
		return false
	}
	if len(s.cfg.Allowed) == 0 {
		return true
	}
	for _, a := range s.cfg.Allowed {
		if a == identifier {
			return true
		}
	}
	return false
}

// SetProperty upserts a property (§4.2). order <= 0 means "scalar": it
// replaces whatever was stored for (nodeId, field). order > 0 positions a
// list entry, upserting by (field, order) rather than clearing siblings.
func (s *Service) SetProperty(ctx context.Context, nodeIdentifier, fieldIdentifier, value string, order int) error {
	n, err := s.resolveNode(ctx, nodeIdentifier)
	if err != nil {
		return err
	}
	field, err := s.resolveOrCreateField(ctx, fieldIdentifier)
	if err != nil {
		return err
	}

	now := s.clock.Now().UnixMilli()
	var previous string
	existing, err := s.store.ListPropertiesForNode(ctx, n.ID)
	if err != nil {
		return errors.StoreErr("list properties for node", err)
	}
	for _, p := range existing {
		if p.FieldNodeID == field.ID && p.Order == order {
			previous = p.Value
		}
	}

	if order <= 0 {
		if err := s.store.ReplacePropertiesForField(ctx, n.ID, field.ID, []model.Property{
			{NodeID: n.ID, FieldNodeID: field.ID, Value: value, Order: order, CreatedAt: now, UpdatedAt: now},
		}); err != nil {
			return errors.StoreErr("replace property", err)
		}
	} else {
		if _, err := s.store.UpsertProperty(ctx, model.Property{
			NodeID: n.ID, FieldNodeID: field.ID, Value: value, Order: order, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return errors.StoreErr("upsert property", err)
		}
	}

	s.bus.Publish(eventbus.Event{
		Type: eventbus.PropertySet, NodeID: n.ID, FieldID: field.ID, FieldSystemID: field.SystemID,
		PreviousValue: previous, Value: value, At: now,
	})
	return nil
}

// AddPropertyValue appends a list entry at the next available order (§4.2).
// It performs no deduplication whatsoever: two calls with an identical value
// each produce their own row, per §4.2's explicit list semantics.
func (s *Service) AddPropertyValue(ctx context.Context, nodeIdentifier, fieldIdentifier, value string) error {
	n, err := s.resolveNode(ctx, nodeIdentifier)
	if err != nil {
		return err
	}
	field, err := s.resolveOrCreateField(ctx, fieldIdentifier)
	if err != nil {
		return err
	}

	existing, err := s.store.ListPropertiesForNode(ctx, n.ID)
	if err != nil {
		return errors.StoreErr("list properties for node", err)
	}
	nextOrder := 0
	for _, p := range existing {
		if p.FieldNodeID == field.ID && p.Order >= nextOrder {
			nextOrder = p.Order + 1
		}
	}

	now := s.clock.Now().UnixMilli()
	if _, err := s.store.AppendProperty(ctx, model.Property{
		NodeID: n.ID, FieldNodeID: field.ID, Value: value, Order: nextOrder, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return errors.StoreErr("append property", err)
	}

	s.bus.Publish(eventbus.Event{
		Type: eventbus.PropertyAdded, NodeID: n.ID, FieldID: field.ID, FieldSystemID: field.SystemID,
		Value: value, At: now,
	})
	return nil
}

// ClearProperty deletes every property for (nodeId, field) (§4.2).
func (s *Service) ClearProperty(ctx context.Context, nodeIdentifier, fieldIdentifier string) error {
	n, err := s.resolveNode(ctx, nodeIdentifier)
	if err != nil {
		return err
	}
	field, err := s.resolveNode(ctx, fieldIdentifier)
	if err != nil {
		return err
	}
	if err := s.store.DeletePropertiesForField(ctx, n.ID, field.ID); err != nil {
		return errors.StoreErr("clear property", err)
	}
	now := s.clock.Now().UnixMilli()
	s.bus.Publish(eventbus.Event{
		Type: eventbus.PropertyRemoved, NodeID: n.ID, FieldID: field.ID, FieldSystemID: field.SystemID, At: now,
	})
	return nil
}

// AddNodeSupertag assigns a supertag and emits a supertag:added event
// distinct from a plain property event (§4.2).
func (s *Service) AddNodeSupertag(ctx context.Context, nodeIdentifier, supertagIdentifier string) error {
	n, err := s.resolveNode(ctx, nodeIdentifier)
	if err != nil {
		return err
	}
	now := s.clock.Now().UnixMilli()
	evt, err := s.addNodeSupertag(ctx, n.ID, supertagIdentifier, now)
	if err != nil {
		return err
	}
	s.bus.Publish(evt)
	return nil
}

// addNodeSupertag performs the write and returns the event to publish,
// without publishing it, so callers composing several writes in one
// transaction (CreateNode) can defer publication until after commit.
func (s *Service) addNodeSupertag(ctx context.Context, nodeID, supertagIdentifier string, now int64) (eventbus.Event, error) {
	supertagField, err := s.resolveOrCreateField(ctx, sysids.FieldSupertag)
	if err != nil {
		return eventbus.Event{}, err
	}
	supertag, err := s.resolveNode(ctx, supertagIdentifier)
	if err != nil {
		return eventbus.Event{}, err
	}

	existing, err := s.store.ListPropertiesForNode(ctx, nodeID)
	if err != nil {
		return eventbus.Event{}, errors.StoreErr("list properties for node", err)
	}
	order := 0
	for _, p := range existing {
		if p.FieldNodeID == supertagField.ID && model.DecodePropertyValue(p.Value).Ref == supertag.ID {
			order = p.Order
			break
		}
		if p.FieldNodeID == supertagField.ID && p.Order >= order {
			order = p.Order + 1
		}
	}

	if _, err := s.store.UpsertProperty(ctx, model.Property{
		NodeID: nodeID, FieldNodeID: supertagField.ID, Value: model.EncodeRef(supertag.ID), Order: order, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return eventbus.Event{}, errors.StoreErr("add node supertag", err)
	}

	return eventbus.Event{
		Type: eventbus.SupertagAdded, NodeID: nodeID,
		SupertagID: supertag.ID, SupertagSystemID: supertag.SystemID, At: now,
	}, nil
}

// RemoveNodeSupertag unassigns a supertag (§4.2).
func (s *Service) RemoveNodeSupertag(ctx context.Context, nodeIdentifier, supertagIdentifier string) error {
	n, err := s.resolveNode(ctx, nodeIdentifier)
	if err != nil {
		return err
	}
	supertagField, err := s.resolveNode(ctx, sysids.FieldSupertag)
	if err != nil {
		return err
	}
	supertag, err := s.resolveNode(ctx, supertagIdentifier)
	if err != nil {
		return err
	}

	existing, err := s.store.ListPropertiesForNode(ctx, n.ID)
	if err != nil {
		return errors.StoreErr("list properties for node", err)
	}
	var remaining []model.Property
	removed := false
	for _, p := range existing {
		if p.FieldNodeID == supertagField.ID {
			if model.DecodePropertyValue(p.Value).Ref == supertag.ID {
				removed = true
				continue
			}
			remaining = append(remaining, p)
		}
	}
	if !removed {
		return nil
	}
	if err := s.store.ReplacePropertiesForField(ctx, n.ID, supertagField.ID, remaining); err != nil {
		return errors.StoreErr("remove node supertag", err)
	}

	now := s.clock.Now().UnixMilli()
	s.bus.Publish(eventbus.Event{
		Type: eventbus.SupertagRemoved, NodeID: n.ID,
		SupertagID: supertag.ID, SupertagSystemID: supertag.SystemID, At: now,
	})
	return nil
}

// DeleteNode soft-deletes a node (§3: "Deletion is soft").
func (s *Service) DeleteNode(ctx context.Context, identifier string) error {
	n, err := s.resolveNode(ctx, identifier)
	if err != nil {
		return err
	}
	now := s.clock.Now().UnixMilli()
	n.DeletedAt = &now
	n.UpdatedAt = now
	if err := s.store.UpdateNode(ctx, n); err != nil {
		return err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.NodeDeleted, NodeID: n.ID, At: now})
	return nil
}

// LinkNodes is sugar over SetProperty for a single-reference field (§4.2).
func (s *Service) LinkNodes(ctx context.Context, sourceIdentifier, fieldIdentifier, targetIdentifier string) error {
	target, err := s.resolveNode(ctx, targetIdentifier)
	if err != nil {
		return err
	}
	return s.SetProperty(ctx, sourceIdentifier, fieldIdentifier, model.EncodeRef(target.ID), 0)
}
