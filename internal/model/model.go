// Package model defines the node/property data model (§3) and the
// PropertyValue codec (§9) shared by every other component.
package model

import (
	"encoding/json"
)

// Node is a row of the nodes relation (§3, §4.1).
type Node struct {
	ID           string
	Content      string
	ContentPlain string
	SystemID     string
	OwnerID      string
	CreatedAt    int64 // milliseconds since epoch
	UpdatedAt    int64
	DeletedAt    *int64
}

// IsDeleted reports whether the node has been soft-deleted.
func (n Node) IsDeleted() bool { return n.DeletedAt != nil }

// Property is a row of the properties relation (§3, §4.1).
type Property struct {
	ID          string
	NodeID      string
	FieldNodeID string
	Value       string // serialized PropertyValue
	Order       int
	CreatedAt   int64
	UpdatedAt   int64
}

// SupertagRef names a supertag a node carries, in both ID forms (§4.2: "dependency
// matching compares against both forms").
type SupertagRef struct {
	ID       string
	SystemID string
}

// AssembledNode is a node row joined with its properties (grouped by field
// node ID) and its directly-assigned supertags.
type AssembledNode struct {
	Node
	// Properties maps fieldNodeID -> the properties assigned to that field,
	// ordered by Property.Order.
	Properties map[string][]Property
	// Supertags lists the supertags directly assigned via field:supertag
	// (not the inherited closure; C3 computes that separately).
	Supertags []SupertagRef
}

// PropertyValueKind tags the deserialized shape of a property's value column.
type PropertyValueKind int

const (
	KindNull PropertyValueKind = iota
	KindBool
	KindNumber
	KindText
	KindRef
	KindRefs
	KindJSON
)

// PropertyValue is the tagged-variant deserialization of a property's raw
// text value (§9). Field type classifies which variant is expected, but the
// evaluator always deserializes defensively: a row that is not valid JSON
// decodes to KindRef with Ref, Text and Raw all set to the raw string, never
// panicking.
type PropertyValue struct {
	Kind PropertyValueKind
	Bool bool
	Num  float64
	Text string
	Ref  string
	Refs []string
	Raw  string
}

// DecodePropertyValue deserializes a property's raw text value. Scalars are
// stored as JSON strings/numbers/booleans/null, lists as JSON arrays, and
// references as a raw node ID with no quoting. Decoding never errors: a value
// that isn't valid JSON is treated as a raw reference/text value.
func DecodePropertyValue(raw string) PropertyValue {
	if raw == "" {
		return PropertyValue{Kind: KindNull, Raw: raw}
	}

	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		// Not valid JSON: treat the raw string as either a bare node-ID
		// reference or free text, per §6 ("consumers must JSON-parse with a
		// fallback to raw string").
		return PropertyValue{Kind: KindRef, Ref: raw, Text: raw, Raw: raw}
	}

	switch v := generic.(type) {
	case nil:
		return PropertyValue{Kind: KindNull, Raw: raw}
	case bool:
		return PropertyValue{Kind: KindBool, Bool: v, Raw: raw}
	case float64:
		return PropertyValue{Kind: KindNumber, Num: v, Raw: raw}
	case string:
		return PropertyValue{Kind: KindText, Text: v, Ref: v, Raw: raw}
	case []any:
		refs := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				refs = append(refs, s)
			}
		}
		return PropertyValue{Kind: KindRefs, Refs: refs, Raw: raw}
	default:
		return PropertyValue{Kind: KindJSON, Raw: raw}
	}
}

// EncodeText serializes a scalar text value as a property value (a JSON string).
func EncodeText(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// EncodeNumber serializes a numeric value as a property value.
func EncodeNumber(n float64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// EncodeBool serializes a boolean value as a property value.
func EncodeBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// EncodeRef serializes a single-reference value: a bare node ID, unquoted.
func EncodeRef(nodeID string) string {
	return nodeID
}

// EncodeRefs serializes a multi-reference value as a JSON array of node IDs.
func EncodeRefs(nodeIDs []string) string {
	b, _ := json.Marshal(nodeIDs)
	return string(b)
}
