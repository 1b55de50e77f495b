// Package computed implements the computed-field service (C9, §4.9): a live
// aggregation over a query's result set, persisted as a node and kept fresh
// by subscribing to the query via C7.
package computed

import "github.com/popemkt/nxus/internal/query"

// Aggregation enumerates the supported aggregation functions.
type Aggregation string

const (
	COUNT Aggregation = "COUNT"
	SUM   Aggregation = "SUM"
	AVG   Aggregation = "AVG"
	MIN   Aggregation = "MIN"
	MAX   Aggregation = "MAX"
)

// Definition is a computed field's definition, persisted as
// computed_field_definition (§4.9). FieldSystemID names the property every
// non-COUNT aggregation reads; COUNT ignores it.
type Definition struct {
	Aggregation   Aggregation      `json:"aggregation"`
	Query         query.Definition `json:"query"`
	FieldSystemID string           `json:"fieldId,omitempty"`
}

// ValueChange is delivered to a subscribeToValue callback on every
// materialized change (§4.9).
type ValueChange struct {
	Previous *float64
	Current  *float64
}

// ValueCallback receives a ValueChange. It must not block for long: it runs
// synchronously with the mutation that produced the change.
type ValueCallback func(ValueChange)
