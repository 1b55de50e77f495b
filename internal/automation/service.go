package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/popemkt/nxus/internal/clock"
	"github.com/popemkt/nxus/internal/computed"
	"github.com/popemkt/nxus/internal/config"
	"github.com/popemkt/nxus/internal/errors"
	"github.com/popemkt/nxus/internal/logger"
	"github.com/popemkt/nxus/internal/metrics"
	"github.com/popemkt/nxus/internal/model"
	"github.com/popemkt/nxus/internal/nodedb"
	"github.com/popemkt/nxus/internal/subscription"
	"github.com/popemkt/nxus/internal/sysids"
)

type automationState struct {
	id      string
	def     Definition
	handle  *subscription.Handle
	unwatch func()
	latched bool
}

// Engine is the automation engine (C8, §4.8).
type Engine struct {
	nodes    *nodedb.Service
	subs     *subscription.Service
	computed *computed.Service
	clock    clock.Clock
	cfg      config.AutomationConfig
	log      *logger.Logger

	mu          sync.Mutex
	automations map[string]*automationState
	activeStack []string
}

// NewEngine constructs an automation engine.
func NewEngine(nodes *nodedb.Service, subs *subscription.Service, comp *computed.Service, clk clock.Clock, cfg config.AutomationConfig, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("automation")
	}
	return &Engine{
		nodes:       nodes,
		subs:        subs,
		computed:    comp,
		clock:       clk,
		cfg:         cfg,
		log:         log,
		automations: make(map[string]*automationState),
	}
}

// Create persists an automation node and, if def.Enabled, subscribes to its
// trigger source (§4.8).
func (e *Engine) Create(ctx context.Context, def Definition) (string, error) {
	if err := validate(def); err != nil {
		return "", err
	}

	id, err := e.nodes.CreateNode(ctx, nodedb.CreateNodeInput{Content: def.Name, Supertag: sysids.SupertagAutomation})
	if err != nil {
		return "", err
	}

	defJSON, err := json.Marshal(def)
	if err != nil {
		return "", errors.InvalidDefinitionError("automation", err.Error())
	}
	if err := e.nodes.SetProperty(ctx, id, sysids.FieldAutomationDefinition, string(defJSON), 0); err != nil {
		return "", err
	}
	if err := e.nodes.SetProperty(ctx, id, sysids.FieldAutomationEnabled, model.EncodeBool(def.Enabled), 0); err != nil {
		return "", err
	}

	st := &automationState{id: id, def: def}
	e.mu.Lock()
	e.automations[id] = st
	e.mu.Unlock()

	if def.Enabled {
		if err := e.subscribeTrigger(ctx, st); err != nil {
			e.mu.Lock()
			delete(e.automations, id)
			e.mu.Unlock()
			return "", err
		}
	}
	return id, nil
}

func validate(def Definition) error {
	switch def.Trigger.Kind {
	case TriggerQueryMembership:
		if def.Trigger.Query == nil {
			return errors.InvalidDefinitionError("automation", "query_membership trigger requires queryDefinition")
		}
	case TriggerThreshold:
		if def.Trigger.ComputedFieldID == "" {
			return errors.InvalidDefinitionError("automation", "threshold trigger requires computedFieldId")
		}
	default:
		return errors.InvalidDefinitionError("automation", fmt.Sprintf("unknown trigger kind %q", def.Trigger.Kind))
	}
	switch def.Action.Kind {
	case ActionSetProperty, ActionAddSupertag, ActionRemoveSupertag:
	default:
		return errors.InvalidDefinitionError("automation", fmt.Sprintf("unknown action kind %q", def.Action.Kind))
	}
	return nil
}

func (e *Engine) subscribeTrigger(ctx context.Context, st *automationState) error {
	switch st.def.Trigger.Kind {
	case TriggerQueryMembership:
		handle, err := e.subs.Subscribe(ctx, *st.def.Trigger.Query, func(d subscription.Diff) { e.onMembershipDiff(st.id, d) })
		if err != nil {
			return err
		}
		e.mu.Lock()
		st.handle = handle
		e.mu.Unlock()
	case TriggerThreshold:
		unwatch, err := e.computed.SubscribeToValue(ctx, st.def.Trigger.ComputedFieldID, func(c computed.ValueChange) { e.onThresholdChange(st.id, c) })
		if err != nil {
			return err
		}
		e.mu.Lock()
		st.unwatch = unwatch
		e.mu.Unlock()
	}
	return nil
}

// onMembershipDiff dispatches a subscription diff to fire for every node on
// the side the trigger's configured event names (§4.8).
func (e *Engine) onMembershipDiff(id string, d subscription.Diff) {
	e.mu.Lock()
	st, ok := e.automations[id]
	e.mu.Unlock()
	if !ok {
		return
	}

	var targets []string
	switch st.def.Trigger.Event {
	case OnEnter:
		targets = d.Added
	case OnExit:
		targets = d.Removed
	case OnChange:
		targets = append(append([]string{}, d.Added...), d.Changed...)
	}
	for _, nodeID := range targets {
		e.fire(id, nodeID)
	}
}

// onThresholdChange implements the fireOnce latch (§4.8): the latch resets
// whenever the condition stops holding, suppresses refiring while it holds
// and fireOnce is set, and fires on every tick the condition holds when
// fireOnce is unset.
func (e *Engine) onThresholdChange(id string, c computed.ValueChange) {
	e.mu.Lock()
	st, ok := e.automations[id]
	e.mu.Unlock()
	if !ok {
		return
	}

	trig := st.def.Trigger
	meetsNow := evalCondition(trig.Operator, trig.Value, c.Current)

	e.mu.Lock()
	if !meetsNow {
		st.latched = false
		e.mu.Unlock()
		return
	}
	if st.latched {
		e.mu.Unlock()
		return
	}
	st.latched = trig.FireOnce
	e.mu.Unlock()

	target := st.def.Action.TargetNodeID
	if target == "" {
		e.log.WithField("automation_id", id).Warn("threshold automation fired with no target node configured, skipping action")
		e.persistLastFired(context.Background(), id)
		return
	}
	e.fire(id, target)
}

func evalCondition(op Operator, threshold float64, v *float64) bool {
	if v == nil {
		return false
	}
	switch op {
	case OpGte:
		return *v >= threshold
	case OpGt:
		return *v > threshold
	case OpLte:
		return *v <= threshold
	case OpLt:
		return *v < threshold
	case OpEq:
		return *v == threshold
	default:
		return false
	}
}

// fire runs automationID's action against targetNodeID, guarding against
// re-entrant cycles via an active-automation stack (§4.8/§5): an automation
// already on the stack, or a stack at the configured depth limit, is
// suppressed and logged rather than fired.
func (e *Engine) fire(automationID, targetNodeID string) {
	e.mu.Lock()
	for _, active := range e.activeStack {
		if active == automationID {
			depth := len(e.activeStack)
			e.mu.Unlock()
			err := errors.CycleDetectedError(automationID, depth)
			e.log.WithField("automation_id", automationID).WithError(err).Warn("automation cycle detected, suppressing fire")
			metrics.RecordAutomationSuppressed(automationID)
			return
		}
	}
	maxDepth := e.cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 16
	}
	if len(e.activeStack) >= maxDepth {
		depth := len(e.activeStack)
		e.mu.Unlock()
		err := errors.CycleDetectedError(automationID, depth)
		e.log.WithField("automation_id", automationID).WithError(err).Warn("automation depth limit reached, suppressing fire")
		metrics.RecordAutomationSuppressed(automationID)
		return
	}
	e.activeStack = append(e.activeStack, automationID)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.activeStack = e.activeStack[:len(e.activeStack)-1]
		e.mu.Unlock()
	}()

	e.runAction(automationID, targetNodeID)
}

func (e *Engine) runAction(automationID, targetNodeID string) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.ListenerFailedError("automation", fmt.Errorf("panic: %v", r))
			metrics.RecordListenerFailure("automation")
			e.log.WithField("automation_id", automationID).WithError(err).Error("automation action panicked")
		}
	}()

	e.mu.Lock()
	st, ok := e.automations[automationID]
	e.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	if err := e.applyAction(ctx, st.def.Action, targetNodeID); err != nil {
		e.log.WithField("automation_id", automationID).WithError(err).Error("automation action failed")
	}
	e.persistLastFired(ctx, automationID)
}

func (e *Engine) applyAction(ctx context.Context, action Action, targetNodeID string) error {
	switch action.Kind {
	case ActionSetProperty:
		value := e.resolveActionValue(action.Value)
		return e.nodes.SetProperty(ctx, targetNodeID, action.FieldID, value, 0)
	case ActionAddSupertag:
		return e.nodes.AddNodeSupertag(ctx, targetNodeID, action.SupertagID)
	case ActionRemoveSupertag:
		return e.nodes.RemoveNodeSupertag(ctx, targetNodeID, action.SupertagID)
	default:
		return errors.InvalidDefinitionError("automation action", fmt.Sprintf("unknown kind %q", action.Kind))
	}
}

// resolveActionValue resolves the {"$now": true} marker to the current
// clock time and otherwise encodes v the way the node service expects a
// property value string to look (§4.8).
func (e *Engine) resolveActionValue(v any) string {
	if m, ok := v.(map[string]any); ok {
		if now, ok := m["$now"].(bool); ok && now {
			return model.EncodeNumber(float64(e.clock.Now().UnixMilli()))
		}
	}
	switch val := v.(type) {
	case string:
		return model.EncodeText(val)
	case float64:
		return model.EncodeNumber(val)
	case bool:
		return model.EncodeBool(val)
	case nil:
		return model.EncodeText("")
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return model.EncodeText(fmt.Sprintf("%v", val))
		}
		return string(b)
	}
}

func (e *Engine) persistLastFired(ctx context.Context, automationID string) {
	e.mu.Lock()
	st, ok := e.automations[automationID]
	e.mu.Unlock()
	if !ok {
		return
	}
	now := e.clock.Now().UnixMilli()
	if err := e.nodes.SetProperty(ctx, automationID, sysids.FieldAutomationLastFired, model.EncodeNumber(float64(now)), 0); err != nil {
		e.log.WithField("automation_id", automationID).WithError(err).Error("failed to persist automation_last_fired")
		return
	}

	stateJSON, err := json.Marshal(struct {
		Latched bool `json:"latched"`
	}{Latched: st.latched})
	if err != nil {
		return
	}
	if err := e.nodes.SetProperty(ctx, automationID, sysids.FieldAutomationState, string(stateJSON), 0); err != nil {
		e.log.WithField("automation_id", automationID).WithError(err).Error("failed to persist automation_state")
	}
}

// SetEnabled toggles an automation, subscribing or unsubscribing its
// trigger accordingly.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) error {
	e.mu.Lock()
	st, ok := e.automations[id]
	e.mu.Unlock()
	if !ok {
		return errors.NotFoundError("automation", id)
	}
	if st.def.Enabled == enabled {
		return nil
	}

	if enabled {
		if err := e.subscribeTrigger(ctx, st); err != nil {
			return err
		}
	} else {
		e.unsubscribeTrigger(st)
	}
	st.def.Enabled = enabled
	return e.nodes.SetProperty(ctx, id, sysids.FieldAutomationEnabled, model.EncodeBool(enabled), 0)
}

// Delete unsubscribes and soft-deletes the automation's underlying node
// (§4.8: "delete(id) (unsubscribes and soft-deletes the node)").
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	st, ok := e.automations[id]
	if ok {
		delete(e.automations, id)
	}
	e.mu.Unlock()
	if !ok {
		return errors.NotFoundError("automation", id)
	}
	e.unsubscribeTrigger(st)
	return e.nodes.DeleteNode(ctx, id)
}

func (e *Engine) unsubscribeTrigger(st *automationState) {
	if st.handle != nil {
		st.handle.Unsubscribe()
		st.handle = nil
	}
	if st.unwatch != nil {
		st.unwatch()
		st.unwatch = nil
	}
}

// Trigger fires automationID's action against nodeID directly, bypassing
// trigger matching but still subject to cycle detection. Intended for
// manual invocation (e.g. a "run now" API call).
func (e *Engine) Trigger(id, nodeID string) error {
	e.mu.Lock()
	_, ok := e.automations[id]
	e.mu.Unlock()
	if !ok {
		return errors.NotFoundError("automation", id)
	}
	e.fire(id, nodeID)
	return nil
}

// Clear unsubscribes every automation. Used by tests and shutdown paths.
func (e *Engine) Clear() {
	e.mu.Lock()
	states := make([]*automationState, 0, len(e.automations))
	for _, st := range e.automations {
		states = append(states, st)
	}
	e.automations = make(map[string]*automationState)
	e.mu.Unlock()
	for _, st := range states {
		e.unsubscribeTrigger(st)
	}
}
