package subscription

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/popemkt/nxus/internal/errors"
	"github.com/popemkt/nxus/internal/eventbus"
	"github.com/popemkt/nxus/internal/logger"
	"github.com/popemkt/nxus/internal/metrics"
	"github.com/popemkt/nxus/internal/model"
	"github.com/popemkt/nxus/internal/nodedb"
	"github.com/popemkt/nxus/internal/query"
)

// Diff describes how a subscription's result set changed since its last
// evaluation (§4.7).
type Diff struct {
	Added      []string
	Removed    []string
	Changed    []string
	TotalCount int
}

// Callback receives a Diff whenever a subscribed query's results change. It
// never fires for the initial evaluation — that result is available via
// Handle.GetLastResults (§4.7).
type Callback func(Diff)

type state struct {
	id          string
	def         query.Definition
	callback    Callback
	lastIDs     []string
	lastOrder   map[string]int
	lastNodes   map[string]model.AssembledNode
}

// Handle is returned by Service.Subscribe.
type Handle struct {
	id  string
	svc *Service
}

// ID returns the subscription's internal identifier.
func (h *Handle) ID() string { return h.id }

// Unsubscribe stops delivery. Idempotent.
func (h *Handle) Unsubscribe() { h.svc.unsubscribe(h.id) }

// GetLastResults returns the node IDs from the most recent evaluation, in
// result order. Returns nil if the subscription was already unsubscribed.
func (h *Handle) GetLastResults() []string { return h.svc.lastResults(h.id) }

// Service is the query subscription service (C7). A single C5 listener is
// shared across every subscription; the dependency tracker (C6) narrows each
// event down to the subscriptions it could possibly affect.
type Service struct {
	evaluator *query.Evaluator
	tracker   *Tracker
	bus       *eventbus.Bus
	log       *logger.Logger

	mu     sync.Mutex
	subs   map[string]*state
	nextID int
	busSub *eventbus.Subscription
}

// NewService constructs a subscription service.
func NewService(eval *query.Evaluator, nodes *nodedb.Service, bus *eventbus.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("subscription")
	}
	return &Service{
		evaluator: eval,
		tracker:   NewTracker(nodes),
		bus:       bus,
		log:       log,
		subs:      make(map[string]*state),
	}
}

// Subscribe evaluates def once, registers its dependencies, and arranges for
// callback to fire on every subsequent change (§4.7).
func (s *Service) Subscribe(ctx context.Context, def query.Definition, callback Callback) (*Handle, error) {
	res, err := s.evaluator.Evaluate(ctx, def)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("subscription-%d", s.nextID)
	s.subs[id] = &state{
		id:        id,
		def:       def,
		callback:  callback,
		lastIDs:   idsOf(res.Nodes),
		lastOrder: orderOf(res.Nodes),
		lastNodes: byID(res.Nodes),
	}
	needsBusSubscribe := s.busSub == nil
	if needsBusSubscribe {
		s.busSub = s.bus.Subscribe(eventbus.Filter{}, s.handleEvent)
	}
	s.mu.Unlock()

	if err := s.tracker.Register(ctx, id, def); err != nil {
		s.mu.Lock()
		delete(s.subs, id)
		var busSub *eventbus.Subscription
		if len(s.subs) == 0 && s.busSub != nil {
			busSub = s.busSub
			s.busSub = nil
		}
		s.mu.Unlock()
		if busSub != nil {
			busSub.Unsubscribe()
		}
		return nil, err
	}

	return &Handle{id: id, svc: s}, nil
}

func (s *Service) unsubscribe(id string) {
	s.mu.Lock()
	_, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	empty := len(s.subs) == 0
	var busSub *eventbus.Subscription
	if empty && s.busSub != nil {
		busSub = s.busSub
		s.busSub = nil
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.tracker.Unregister(id)
	if busSub != nil {
		busSub.Unsubscribe()
	}
}

func (s *Service) lastResults(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subs[id]
	if !ok {
		return nil
	}
	out := make([]string, len(st.lastIDs))
	copy(out, st.lastIDs)
	return out
}

// handleEvent is the sole C5 listener shared by every subscription (§4.7).
// Ordering across subscriptions is unspecified but stable per subscription:
// C6's Affected list is processed in sorted-ID order.
func (s *Service) handleEvent(e eventbus.Event) {
	for _, id := range s.tracker.Affected(e) {
		s.reevaluate(id)
	}
}

func (s *Service) reevaluate(id string) {
	s.mu.Lock()
	st, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	res, err := s.evaluator.Evaluate(context.Background(), st.def)
	if err != nil {
		s.log.WithField("subscription_id", id).WithError(err).Error("subscription re-evaluation failed")
		return
	}

	newIDs := idsOf(res.Nodes)
	newOrder := orderOf(res.Nodes)
	newNodes := byID(res.Nodes)

	diff := Diff{TotalCount: res.TotalCount}
	for _, nid := range newIDs {
		if _, existed := st.lastOrder[nid]; !existed {
			diff.Added = append(diff.Added, nid)
		} else if !reflect.DeepEqual(st.lastNodes[nid], newNodes[nid]) {
			diff.Changed = append(diff.Changed, nid)
		}
	}
	for _, oid := range st.lastIDs {
		if _, stillThere := newOrder[oid]; !stillThere {
			diff.Removed = append(diff.Removed, oid)
		}
	}

	s.mu.Lock()
	st.lastIDs = newIDs
	st.lastOrder = newOrder
	st.lastNodes = newNodes
	s.mu.Unlock()

	if len(diff.Added) == 0 && len(diff.Removed) == 0 && len(diff.Changed) == 0 {
		return
	}
	s.invokeCallback(id, st.callback, diff)
}

// invokeCallback isolates a misbehaving subscriber callback the same way C5
// isolates a listener: caught, logged, never propagated (§4.7).
func (s *Service) invokeCallback(id string, cb Callback, diff Diff) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.ListenerFailedError("subscription", fmt.Errorf("panic: %v", r))
			metrics.RecordListenerFailure("subscription")
			s.log.WithField("subscription_id", id).WithError(err).Error("subscription callback panicked")
		}
	}()
	cb(diff)
}

func idsOf(nodes []model.AssembledNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func orderOf(nodes []model.AssembledNode) map[string]int {
	out := make(map[string]int, len(nodes))
	for i, n := range nodes {
		out[n.ID] = i
	}
	return out
}

func byID(nodes []model.AssembledNode) map[string]model.AssembledNode {
	out := make(map[string]model.AssembledNode, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out
}
