// Package subscription implements the dependency tracker (C6, §4.6) and the
// query subscription service (C7, §4.7) built on top of it.
package subscription

import (
	"context"
	"sort"
	"sync"

	"github.com/popemkt/nxus/internal/errors"
	"github.com/popemkt/nxus/internal/eventbus"
	"github.com/popemkt/nxus/internal/nodedb"
	"github.com/popemkt/nxus/internal/query"
	"github.com/popemkt/nxus/internal/sysids"
)

// Key is an opaque dependency key (§4.6). Field and supertag identifiers are
// registered in both their systemId and internal-ID forms so a mutation event
// carrying either form still matches.
type Key string

const (
	KeyContent        Key = "__content__"
	KeyNodeMembership Key = "__node_membership__"
	KeyAnySupertag    Key = "__any_supertag__"
	KeyOwner          Key = "__owner__"
	KeyCreatedAt      Key = "__created_at__"
	KeyUpdatedAt      Key = "__updated_at__"
)

// SupertagKey builds the supertag:<id> key form for identifier (either a
// systemId or an internal ID — callers register both).
func SupertagKey(identifier string) Key {
	return Key("supertag:" + identifier)
}

// Tracker maintains the reverse index key -> set(subscriptionId) and answers
// "which subscriptions are affected by this event?" in O(affected) (§4.6).
type Tracker struct {
	nodes *nodedb.Service

	mu             sync.Mutex
	bySubscription map[string]map[Key]bool
	byKey          map[Key]map[string]bool
}

// NewTracker constructs a Tracker. nodes is used to resolve field/supertag
// identifiers named in a query definition to both of their ID forms.
func NewTracker(nodes *nodedb.Service) *Tracker {
	return &Tracker{
		nodes:          nodes,
		bySubscription: make(map[string]map[Key]bool),
		byKey:          make(map[Key]map[string]bool),
	}
}

// Register extracts def's dependency set and indexes it under subscriptionID,
// first removing any prior registration for that ID (re-registration on a
// replaced definition, §4.6).
func (t *Tracker) Register(ctx context.Context, subscriptionID string, def query.Definition) error {
	keys, err := t.ExtractKeys(ctx, def)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.unregisterLocked(subscriptionID)
	t.bySubscription[subscriptionID] = keys
	for k := range keys {
		if t.byKey[k] == nil {
			t.byKey[k] = make(map[string]bool)
		}
		t.byKey[k][subscriptionID] = true
	}
	return nil
}

// Unregister drops subscriptionID's dependency entries.
func (t *Tracker) Unregister(subscriptionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unregisterLocked(subscriptionID)
}

func (t *Tracker) unregisterLocked(subscriptionID string) {
	keys, ok := t.bySubscription[subscriptionID]
	if !ok {
		return
	}
	for k := range keys {
		delete(t.byKey[k], subscriptionID)
		if len(t.byKey[k]) == 0 {
			delete(t.byKey, k)
		}
	}
	delete(t.bySubscription, subscriptionID)
}

// Affected returns the (sorted, deduplicated) subscription IDs whose
// dependency set intersects e's mutation keys.
func (t *Tracker) Affected(e eventbus.Event) []string {
	keys := KeysForEvent(e)

	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	for k := range keys {
		for id := range t.byKey[k] {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// KeysForEvent implements §4.6's mutation-to-keys table.
func KeysForEvent(e eventbus.Event) map[Key]bool {
	keys := make(map[Key]bool)
	switch e.Type {
	case eventbus.NodeCreated, eventbus.NodeDeleted:
		keys[KeyNodeMembership] = true
		keys[KeyAnySupertag] = true
	case eventbus.NodeUpdated:
		keys[KeyContent] = true
		keys[KeyUpdatedAt] = true
	case eventbus.PropertySet, eventbus.PropertyAdded, eventbus.PropertyRemoved:
		keys[KeyUpdatedAt] = true
		if e.FieldID != "" {
			keys[Key(e.FieldID)] = true
		}
		if e.FieldSystemID != "" {
			keys[Key(e.FieldSystemID)] = true
		}
	case eventbus.SupertagAdded, eventbus.SupertagRemoved:
		keys[KeyAnySupertag] = true
		keys[KeyUpdatedAt] = true
		if e.SupertagID != "" {
			keys[SupertagKey(e.SupertagID)] = true
		}
		if e.SupertagSystemID != "" {
			keys[SupertagKey(e.SupertagSystemID)] = true
		}
	}
	return keys
}

// ExtractKeys walks def's filter tree and sort field per §4.6's extraction
// rules, resolving field/supertag identifiers to both their ID forms.
func (t *Tracker) ExtractKeys(ctx context.Context, def query.Definition) (map[Key]bool, error) {
	keys := map[Key]bool{KeyNodeMembership: true}
	if err := t.walk(ctx, def.Filters, keys); err != nil {
		return nil, err
	}
	if def.Sort != nil {
		if err := t.addSortKey(ctx, def.Sort.Field, keys); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func (t *Tracker) walk(ctx context.Context, filters []query.Filter, keys map[Key]bool) error {
	for _, f := range filters {
		switch f.Kind {
		case query.FilterSupertag:
			if err := t.addSupertagKeys(ctx, f, keys); err != nil {
				return err
			}
		case query.FilterProperty, query.FilterHasField:
			if err := t.addFieldKey(ctx, f.FieldSystemID, keys); err != nil {
				return err
			}
		case query.FilterContent:
			keys[KeyContent] = true
		case query.FilterTemporal:
			if f.TemporalField == query.TemporalUpdatedAt {
				keys[KeyUpdatedAt] = true
			} else {
				keys[KeyCreatedAt] = true
			}
		case query.FilterRelation:
			switch f.RelationType {
			case query.RelationChildOf, query.RelationOwnedBy:
				keys[KeyOwner] = true
			default: // linksTo / linkedFrom
				if f.FieldSystemID != "" {
					if err := t.addFieldKey(ctx, f.FieldSystemID, keys); err != nil {
						return err
					}
				} else {
					keys[KeyNodeMembership] = true // conservative, §4.6
				}
			}
		case query.FilterAnd, query.FilterOr, query.FilterNot:
			if err := t.walk(ctx, f.Filters, keys); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tracker) addSupertagKeys(ctx context.Context, f query.Filter, keys map[Key]bool) error {
	if err := t.addKeyedIdentifier(ctx, f.SupertagSystemID, SupertagKey, keys); err != nil {
		return err
	}
	if err := t.addFieldKey(ctx, sysids.FieldSupertag, keys); err != nil {
		return err
	}
	if f.IncludeInherited == nil || *f.IncludeInherited {
		keys[KeyAnySupertag] = true
	}
	return nil
}

func (t *Tracker) addFieldKey(ctx context.Context, identifier string, keys map[Key]bool) error {
	return t.addKeyedIdentifier(ctx, identifier, func(s string) Key { return Key(s) }, keys)
}

// addKeyedIdentifier registers identifier (as given) plus, when it resolves
// to a node, both its internal-ID and systemId forms — wrapped by toKey so
// the same helper serves bare field keys and supertag:<id> keys.
func (t *Tracker) addKeyedIdentifier(ctx context.Context, identifier string, toKey func(string) Key, keys map[Key]bool) error {
	if identifier == "" {
		return nil
	}
	keys[toKey(identifier)] = true
	n, err := t.nodes.ResolveNode(ctx, identifier)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return nil
		}
		return err
	}
	keys[toKey(n.ID)] = true
	if n.SystemID != "" {
		keys[toKey(n.SystemID)] = true
	}
	return nil
}

func (t *Tracker) addSortKey(ctx context.Context, field string, keys map[Key]bool) error {
	switch field {
	case "content":
		keys[KeyContent] = true
		return nil
	case "createdAt":
		keys[KeyCreatedAt] = true
		return nil
	case "updatedAt":
		keys[KeyUpdatedAt] = true
		return nil
	default:
		return t.addFieldKey(ctx, field, keys)
	}
}
