// Package automation implements the automation engine (C8, §4.8): persisted
// trigger/action rules that subscribe to a query (C7) or a computed field
// (C9) and run an action through the node service (C2) when they fire.
package automation

import "github.com/popemkt/nxus/internal/query"

// TriggerKind discriminates the two trigger variants.
type TriggerKind string

const (
	TriggerQueryMembership TriggerKind = "query_membership"
	TriggerThreshold       TriggerKind = "threshold"
)

// MembershipEvent names which side of a subscription diff a query_membership
// trigger reacts to.
type MembershipEvent string

const (
	OnEnter  MembershipEvent = "onEnter"
	OnExit   MembershipEvent = "onExit"
	OnChange MembershipEvent = "onChange"
)

// Operator enumerates a threshold trigger's comparison.
type Operator string

const (
	OpGte Operator = "gte"
	OpGt  Operator = "gt"
	OpLte Operator = "lte"
	OpLt  Operator = "lt"
	OpEq  Operator = "eq"
)

// Trigger is one automation's trigger definition.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// query_membership
	Query *query.Definition `json:"queryDefinition,omitempty"`
	Event MembershipEvent   `json:"event,omitempty"`

	// threshold
	ComputedFieldID string   `json:"computedFieldId,omitempty"`
	Operator        Operator `json:"operator,omitempty"`
	Value           float64  `json:"value,omitempty"`
	FireOnce        bool     `json:"fireOnce,omitempty"`
}

// ActionKind discriminates the three action variants.
type ActionKind string

const (
	ActionSetProperty    ActionKind = "set_property"
	ActionAddSupertag    ActionKind = "add_supertag"
	ActionRemoveSupertag ActionKind = "remove_supertag"
)

// Action is one automation's effect when its trigger fires. FieldID and
// SupertagID are systemId or internal-ID identifiers, matching every other
// identifier argument in the node service. Value may carry the {"$now":
// true} marker, resolved to the firing instant at action time.
type Action struct {
	Kind ActionKind `json:"kind"`

	FieldID string `json:"fieldId,omitempty"`
	Value   any    `json:"value,omitempty"`

	SupertagID string `json:"supertagId,omitempty"`

	// TargetNodeID is used by threshold triggers, which have no intrinsic
	// target node (§4.8); query_membership triggers ignore it and use the
	// node that entered/exited/changed instead.
	TargetNodeID string `json:"targetNodeId,omitempty"`
}

// Definition is a complete automation: {name, enabled, trigger, action}
// (§4.8), persisted as automation_definition.
type Definition struct {
	Name    string  `json:"name"`
	Enabled bool    `json:"enabled"`
	Trigger Trigger `json:"trigger"`
	Action  Action  `json:"action"`
}
