package computed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/popemkt/nxus/internal/clock"
	"github.com/popemkt/nxus/internal/errors"
	"github.com/popemkt/nxus/internal/logger"
	"github.com/popemkt/nxus/internal/metrics"
	"github.com/popemkt/nxus/internal/model"
	"github.com/popemkt/nxus/internal/nodedb"
	"github.com/popemkt/nxus/internal/query"
	"github.com/popemkt/nxus/internal/subscription"
	"github.com/popemkt/nxus/internal/sysids"
)

type fieldState struct {
	id        string
	def       Definition
	value     *float64
	handle    *subscription.Handle
	listeners map[int]ValueCallback
	nextLisID int
}

// Service is the computed-field service (C9).
type Service struct {
	nodes *nodedb.Service
	eval  *query.Evaluator
	subs  *subscription.Service
	clock clock.Clock
	log   *logger.Logger

	mu     sync.Mutex
	fields map[string]*fieldState // computed field node ID -> state
}

// NewService constructs a computed-field service.
func NewService(nodes *nodedb.Service, eval *query.Evaluator, subs *subscription.Service, clk clock.Clock, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("computed")
	}
	return &Service{
		nodes:  nodes,
		eval:   eval,
		subs:   subs,
		clock:  clk,
		log:    log,
		fields: make(map[string]*fieldState),
	}
}

// Create persists a computed field node, evaluates it once, and subscribes
// to its query so the value stays live (§4.9).
func (s *Service) Create(ctx context.Context, name string, def Definition) (string, error) {
	if def.Aggregation != COUNT && def.FieldSystemID == "" {
		return "", errors.InvalidDefinitionError("computed field", fmt.Sprintf("%s aggregation requires fieldId", def.Aggregation))
	}

	id, err := s.nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: name, Supertag: sysids.SupertagComputedField})
	if err != nil {
		return "", err
	}

	defJSON, err := json.Marshal(def)
	if err != nil {
		return "", errors.InvalidDefinitionError("computed field", err.Error())
	}
	if err := s.nodes.SetProperty(ctx, id, sysids.FieldComputedFieldDefinition, string(defJSON), 0); err != nil {
		return "", err
	}

	st := &fieldState{id: id, def: def, listeners: make(map[int]ValueCallback)}
	s.mu.Lock()
	s.fields[id] = st
	s.mu.Unlock()

	res, err := s.eval.Evaluate(ctx, def.Query)
	if err != nil {
		return "", err
	}
	fieldID, err := s.resolveFieldID(ctx, def.FieldSystemID)
	if err != nil {
		return "", err
	}
	initial := aggregate(def.Aggregation, fieldID, res.Nodes)
	if err := s.writeValue(ctx, st, initial); err != nil {
		return "", err
	}

	handle, err := s.subs.Subscribe(ctx, def.Query, func(subscription.Diff) { s.recompute(id) })
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	st.handle = handle
	s.mu.Unlock()

	return id, nil
}

// recompute re-evaluates the defining query, and if the aggregated value
// changed, persists it (emitting property:set, which the automation engine
// may be watching) and notifies subscribeToValue listeners.
func (s *Service) recompute(id string) {
	s.mu.Lock()
	st, ok := s.fields[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	res, err := s.eval.Evaluate(ctx, st.def.Query)
	if err != nil {
		s.log.WithField("computed_field_id", id).WithError(err).Error("computed field re-evaluation failed")
		return
	}
	fieldID, err := s.resolveFieldID(ctx, st.def.FieldSystemID)
	if err != nil {
		s.log.WithField("computed_field_id", id).WithError(err).Error("computed field re-evaluation failed")
		return
	}
	next := aggregate(st.def.Aggregation, fieldID, res.Nodes)

	s.mu.Lock()
	previous := st.value
	s.mu.Unlock()
	if floatPtrEqual(previous, next) {
		return
	}

	if err := s.writeValue(ctx, st, next); err != nil {
		s.log.WithField("computed_field_id", id).WithError(err).Error("failed to persist computed field value")
		return
	}
	s.notify(st, ValueChange{Previous: previous, Current: next})
}

// resolveFieldID resolves a field systemId to its internal node ID, the same
// way Properties is keyed (mirroring query.Evaluator.resolveFieldID). An
// empty identifier (COUNT aggregations carry no FieldSystemID) resolves to
// "" without touching the store.
func (s *Service) resolveFieldID(ctx context.Context, identifier string) (string, error) {
	if identifier == "" {
		return "", nil
	}
	n, err := s.nodes.ResolveNode(ctx, identifier)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return "", nil
		}
		return "", err
	}
	return n.ID, nil
}

func (s *Service) writeValue(ctx context.Context, st *fieldState, value *float64) error {
	now := s.clock.Now().UnixMilli()
	if err := s.nodes.SetProperty(ctx, st.id, sysids.FieldComputedFieldValue, encodeOptionalNumber(value), 0); err != nil {
		return err
	}
	if err := s.nodes.SetProperty(ctx, st.id, sysids.FieldComputedFieldUpdatedAt, model.EncodeNumber(float64(now)), 0); err != nil {
		return err
	}
	s.mu.Lock()
	st.value = value
	s.mu.Unlock()
	return nil
}

// notify fans value changes out to subscribeToValue listeners, isolating a
// misbehaving one the same way C5/C7 do.
func (s *Service) notify(st *fieldState, change ValueChange) {
	s.mu.Lock()
	callbacks := make([]ValueCallback, 0, len(st.listeners))
	for _, cb := range st.listeners {
		callbacks = append(callbacks, cb)
	}
	s.mu.Unlock()

	for _, cb := range callbacks {
		s.invoke(st.id, cb, change)
	}
}

func (s *Service) invoke(id string, cb ValueCallback, change ValueChange) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.ListenerFailedError("computed", fmt.Errorf("panic: %v", r))
			metrics.RecordListenerFailure("computed")
			s.log.WithField("computed_field_id", id).WithError(err).Error("value listener panicked")
		}
	}()
	cb(change)
}

// SubscribeToValue registers callback for every future value change of the
// computed field named by identifier, returning an unsubscribe function. This
// is the contract C8's threshold trigger builds on (§4.9).
func (s *Service) SubscribeToValue(ctx context.Context, identifier string, callback ValueCallback) (func(), error) {
	n, err := s.nodes.ResolveNode(ctx, identifier)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	st, ok := s.fields[n.ID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NotFoundError("computed field", identifier)
	}
	lisID := st.nextLisID
	st.nextLisID++
	st.listeners[lisID] = callback
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(st.listeners, lisID)
	}, nil
}

// Value returns the computed field's current materialized value, keyed by
// the node ID Create returned.
func (s *Service) Value(id string) (*float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.fields[id]
	if !ok {
		return nil, false
	}
	return st.value, true
}

func encodeOptionalNumber(v *float64) string {
	if v == nil {
		return "null"
	}
	return model.EncodeNumber(*v)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// aggregate implements §4.9's aggregation semantics. For non-COUNT
// aggregations, only the first property row per node (order 0, the scalar
// slot SetProperty writes to) is considered — a node's aggregated field is
// expected to be scalar, not a list.
func aggregate(agg Aggregation, fieldID string, nodes []model.AssembledNode) *float64 {
	if agg == COUNT {
		v := float64(len(nodes))
		return &v
	}

	var sum float64
	var min, max float64
	count := 0
	for _, n := range nodes {
		props := n.Properties[fieldID]
		if len(props) == 0 {
			continue
		}
		pv := model.DecodePropertyValue(props[0].Value)
		if pv.Kind != model.KindNumber {
			continue
		}
		if count == 0 {
			min, max = pv.Num, pv.Num
		} else {
			if pv.Num < min {
				min = pv.Num
			}
			if pv.Num > max {
				max = pv.Num
			}
		}
		sum += pv.Num
		count++
	}
	if count == 0 {
		return nil
	}

	switch agg {
	case SUM:
		return &sum
	case AVG:
		avg := sum / float64(count)
		return &avg
	case MIN:
		return &min
	case MAX:
		return &max
	default:
		return nil
	}
}
