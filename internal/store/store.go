// Package store defines the persistent store port (C1, §4.1) and its two
// implementations: an in-memory store for tests and embedding without a
// database, and a PostgreSQL-backed store for production use.
package store

import (
	"context"

	"github.com/popemkt/nxus/internal/model"
)

// Store is the persistence port C2 (and higher layers) depend on. It
// presents a synchronous, single-writer interface: implementations must
// serialize writes and never return partial results to a reader (§4.1, §5).
type Store interface {
	// WithTx runs fn within a single logical transaction. Nested calls reuse
	// the outer transaction. Memory implementations may treat this as a no-op
	// beyond serializing via a mutex, consistent with the single-writer model.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateNode(ctx context.Context, n model.Node) error
	GetNode(ctx context.Context, id string) (model.Node, bool, error)
	GetNodeBySystemID(ctx context.Context, systemID string) (model.Node, bool, error)
	UpdateNode(ctx context.Context, n model.Node) error
	ListNodes(ctx context.Context) ([]model.Node, error)

	// UpsertProperty inserts or replaces the property occupying (nodeID,
	// fieldNodeID, order), used by SetProperty (§4.2) to overwrite a scalar or
	// list-slot value in place.
	UpsertProperty(ctx context.Context, p model.Property) (model.Property, error)
	// AppendProperty inserts p unconditionally, performing no deduplication
	// against any existing row. addPropertyValue (§4.2) is built on this and
	// this alone: "never deduplicates raw JSON equality" means exactly that —
	// two calls with an identical (node, field, value) each produce their own
	// row.
	AppendProperty(ctx context.Context, p model.Property) (model.Property, error)
	// ReplacePropertiesForField atomically deletes all properties for
	// (nodeID, fieldNodeID) and inserts the given replacements, used by
	// scalar/single-reference field writes (§4.2: "scalar fields replace").
	ReplacePropertiesForField(ctx context.Context, nodeID, fieldNodeID string, values []model.Property) error
	DeletePropertiesForField(ctx context.Context, nodeID, fieldNodeID string) error
	ListPropertiesForNode(ctx context.Context, nodeID string) ([]model.Property, error)
	ListPropertiesForNodes(ctx context.Context, nodeIDs []string) (map[string][]model.Property, error)
	// ListPropertiesByFieldAndValue supports reverse-reference lookups
	// (relation filters' linkedFrom, §4.4) via the properties.value index.
	ListPropertiesByFieldAndValue(ctx context.Context, fieldNodeID, value string) ([]model.Property, error)
}
