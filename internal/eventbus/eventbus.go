// Package eventbus implements the synchronous mutation event bus (C5, §4.5).
// Every node/property/supertag mutation is published here inline by the node
// service; listeners run in the publisher's goroutine and a panicking or
// erroring listener is caught, logged, and never allowed to block or fail
// its siblings.
package eventbus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/popemkt/nxus/internal/errors"
	"github.com/popemkt/nxus/internal/logger"
	"github.com/popemkt/nxus/internal/metrics"
)

// Type enumerates the closed set of mutation event kinds (§4.5).
type Type string

const (
	NodeCreated     Type = "node:created"
	NodeUpdated     Type = "node:updated"
	NodeDeleted     Type = "node:deleted"
	PropertySet     Type = "property:set"
	PropertyAdded   Type = "property:added"
	PropertyRemoved Type = "property:removed"
	SupertagAdded   Type = "supertag:added"
	SupertagRemoved Type = "supertag:removed"
)

// Event is a single mutation notification. Not every field is populated for
// every Type: node:created/node:deleted set NodeID only, node:updated also
// carries the previous and new content in PreviousValue/Value, property:*
// events additionally set FieldID/FieldSystemID plus Value on property:set and
// property:added (PreviousValue for property:set), supertag:* events set SupertagID/SupertagSystemID in place of the field
// pair. Both the internal-ID and systemId forms are carried so dependency
// matching (C6) can key off either (§4.2: "precision matters").
type Event struct {
	Type             Type
	NodeID           string
	FieldID          string
	FieldSystemID    string
	SupertagID       string
	SupertagSystemID string
	Value            string
	PreviousValue    string
	At               int64 // milliseconds since epoch
}

// Filter narrows which events a listener receives. Within a dimension the
// match is OR (any of the listed IDs); across dimensions it is AND — a zero
// value dimension (nil/empty slice) imposes no constraint (§4.5). FieldIDs
// and SupertagIDs match against either the internal-ID or systemId form
// carried on the event.
type Filter struct {
	Types       []Type
	NodeIDs     []string
	FieldIDs    []string
	SupertagIDs []string
}

// Match reports whether e satisfies every non-empty dimension of f.
func (f Filter) Match(e Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.NodeIDs) > 0 && !containsString(f.NodeIDs, e.NodeID) {
		return false
	}
	if len(f.FieldIDs) > 0 && !containsString(f.FieldIDs, e.FieldID) && !containsString(f.FieldIDs, e.FieldSystemID) {
		return false
	}
	if len(f.SupertagIDs) > 0 && !containsString(f.SupertagIDs, e.SupertagID) && !containsString(f.SupertagIDs, e.SupertagSystemID) {
		return false
	}
	return true
}

func containsType(ts []Type, t Type) bool {
	for _, want := range ts {
		if want == t {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, want := range ss {
		if want == s {
			return true
		}
	}
	return false
}

// Listener receives matching events. It must not block for long: the bus
// calls listeners inline on the publisher's goroutine (§5).
type Listener func(e Event)

type registration struct {
	id       string
	filter   Filter
	listener Listener
}

// Subscription is a handle returned by Subscribe, used to unsubscribe later.
type Subscription struct {
	id  string
	bus *Bus
}

// Unsubscribe removes the listener from the bus. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Bus delivers mutation events to subscribed listeners synchronously, inline
// with the call to Publish (§4.5: "delivery is synchronous; a listener
// observes the mutation before the call that caused it returns").
type Bus struct {
	mu     sync.Mutex
	nextID int
	regs   map[string]*registration
	log    *logger.Logger
}

// New constructs an empty Bus.
func New(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("eventbus")
	}
	return &Bus{
		regs: make(map[string]*registration),
		log:  log,
	}
}

// Subscribe registers a listener that fires for every event matching filter.
func (b *Bus) Subscribe(filter Filter, listener Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := fmt.Sprintf("sub-%d", b.nextID)
	b.regs[id] = &registration{id: id, filter: filter, listener: listener}
	return &Subscription{id: id, bus: b}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.regs, id)
}

// Publish delivers e to every matching listener, in registration order. A
// listener that panics or is otherwise misbehaved is caught so the remaining
// listeners and the caller are never affected (§4.5, C5 edge case: "a
// listener exception must never propagate to the mutation's caller").
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	matched := make([]*registration, 0, len(b.regs))
	for _, reg := range b.regs {
		if reg.filter.Match(e) {
			matched = append(matched, reg)
		}
	}
	b.mu.Unlock()

	// Registration IDs are "sub-N" with N increasing, so ordering by length
	// and then lexically restores registration order.
	sort.Slice(matched, func(i, j int) bool {
		a, c := matched[i].id, matched[j].id
		if len(a) != len(c) {
			return len(a) < len(c)
		}
		return a < c
	})

	for _, reg := range matched {
		b.invoke(reg, e)
	}
}

func (b *Bus) invoke(reg *registration, e Event) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.ListenerFailedError("eventbus", fmt.Errorf("panic: %v", r))
			metrics.RecordListenerFailure("eventbus")
			b.log.WithField("subscription_id", reg.id).
				WithField("event_type", string(e.Type)).
				WithError(err).
				Error("event listener panicked")
		}
	}()
	reg.listener(e)
}
