// Package query implements the query evaluator (C4, §4.4): a filter tree
// walks assembled nodes and produces a sorted result set capped at a limit.
package query

// FilterKind discriminates the filter-tree variants (§4.4).
type FilterKind string

const (
	FilterSupertag FilterKind = "supertag"
	FilterProperty FilterKind = "property"
	FilterContent  FilterKind = "content"
	FilterRelation FilterKind = "relation"
	FilterTemporal FilterKind = "temporal"
	FilterHasField FilterKind = "hasField"
	FilterAnd      FilterKind = "and"
	FilterOr       FilterKind = "or"
	FilterNot      FilterKind = "not"
)

// Op enumerates the comparison operators a property filter may use.
type Op string

const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpContains   Op = "contains"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
	OpIn         Op = "in"
)

// RelationKind enumerates the relation filter's variants.
type RelationKind string

const (
	RelationChildOf    RelationKind = "childOf"
	RelationOwnedBy    RelationKind = "ownedBy"
	RelationLinksTo    RelationKind = "linksTo"
	RelationLinkedFrom RelationKind = "linkedFrom"
)

// TemporalField names the node timestamp a temporal filter compares.
type TemporalField string

const (
	TemporalCreatedAt TemporalField = "createdAt"
	TemporalUpdatedAt TemporalField = "updatedAt"
)

// TemporalOp enumerates the temporal filter's comparison modes.
type TemporalOp string

const (
	TemporalBefore TemporalOp = "before"
	TemporalAfter  TemporalOp = "after"
	TemporalWithin TemporalOp = "within"
)

// Filter is one node of the filter tree. It is a single struct rather than an
// interface so definitions round-trip through JSON unchanged (automations and
// computed fields store a QueryDefinition as part of their own definition,
// §4.8/§4.9); Kind discriminates which of the other fields apply.
type Filter struct {
	Kind FilterKind `json:"kind"`

	// supertag
	SupertagSystemID  string `json:"supertagSystemId,omitempty"`
	IncludeInherited  *bool  `json:"includeInherited,omitempty"` // default true

	// property / hasField
	FieldSystemID string `json:"fieldSystemId,omitempty"`
	Op            Op     `json:"op,omitempty"`
	Value         any    `json:"value,omitempty"`
	Negate        bool   `json:"negate,omitempty"`

	// content
	Query         string `json:"query,omitempty"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`

	// relation
	RelationType RelationKind `json:"relationType,omitempty"`
	TargetNodeID string       `json:"targetNodeId,omitempty"`

	// temporal
	TemporalField TemporalField `json:"field,omitempty"`
	TemporalOp    TemporalOp    `json:"temporalOp,omitempty"`
	Date          *int64        `json:"date,omitempty"`
	Days          *int          `json:"days,omitempty"`

	// and / or / not
	Filters []Filter `json:"filters,omitempty"`
}

// includeInherited reports the supertag filter's default-true inheritance flag.
func (f Filter) includeInherited() bool {
	return f.IncludeInherited == nil || *f.IncludeInherited
}

// SortDirection enumerates ascending/descending sort order.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Sort names the field a result set is ordered by: "content", "createdAt",
// "updatedAt", or a field systemId/ID for a property-value sort.
type Sort struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction,omitempty"`
}

// Definition is a complete query: an implicit AND of top-level Filters, an
// optional Sort, and an optional result-count Limit (§4.4).
type Definition struct {
	Filters []Filter `json:"filters"`
	Sort    *Sort    `json:"sort,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}
