package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/popemkt/nxus/internal/errors"
	"github.com/popemkt/nxus/internal/model"
	"github.com/popemkt/nxus/internal/nodeid"
)

// querier abstracts database execution so PostgresStore methods work
// identically inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type txKey struct{}

func txFromContext(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

func contextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// PostgresStore is the production Store implementation backed by the
// nodes/properties schema in internal/platform/migrations (§4.1).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-migrated *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) querier(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a single transaction. A transaction already present
// on ctx is reused rather than nested, so a writer in internal/nodedb can
// call several Store methods under one WithTx without surprises.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StoreErr("begin transaction", err)
	}
	txCtx := contextWithTx(ctx, tx)

	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.StoreErr("commit transaction", err)
	}
	return nil
}

func (s *PostgresStore) CreateNode(ctx context.Context, n model.Node) error {
	const q = `
		INSERT INTO nodes (id, content, content_plain, system_id, owner_id, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`
	_, err := s.querier(ctx).ExecContext(ctx, q,
		n.ID, n.Content, n.ContentPlain, n.SystemID, n.OwnerID, n.CreatedAt, n.UpdatedAt, n.DeletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.DuplicateSystemIdError(n.SystemID)
		}
		return errors.StoreErr("create node", err)
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (model.Node, bool, error) {
	const q = `
		SELECT id, content, content_plain, COALESCE(system_id, ''), owner_id, created_at, updated_at, deleted_at
		FROM nodes WHERE id = $1`
	return s.scanNodeRow(s.querier(ctx).QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) GetNodeBySystemID(ctx context.Context, systemID string) (model.Node, bool, error) {
	const q = `
		SELECT id, content, content_plain, COALESCE(system_id, ''), owner_id, created_at, updated_at, deleted_at
		FROM nodes WHERE system_id = $1`
	return s.scanNodeRow(s.querier(ctx).QueryRowContext(ctx, q, systemID))
}

func (s *PostgresStore) scanNodeRow(row *sql.Row) (model.Node, bool, error) {
	var n model.Node
	err := row.Scan(&n.ID, &n.Content, &n.ContentPlain, &n.SystemID, &n.OwnerID, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt)
	if err == sql.ErrNoRows {
		return model.Node{}, false, nil
	}
	if err != nil {
		return model.Node{}, false, errors.StoreErr("get node", err)
	}
	return n, true, nil
}

func (s *PostgresStore) UpdateNode(ctx context.Context, n model.Node) error {
	const q = `
		UPDATE nodes SET content = $2, content_plain = $3, system_id = NULLIF($4, ''),
			owner_id = $5, updated_at = $6, deleted_at = $7
		WHERE id = $1`
	res, err := s.querier(ctx).ExecContext(ctx, q,
		n.ID, n.Content, n.ContentPlain, n.SystemID, n.OwnerID, n.UpdatedAt, n.DeletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.DuplicateSystemIdError(n.SystemID)
		}
		return errors.StoreErr("update node", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.StoreErr("update node rows affected", err)
	}
	if rows == 0 {
		return errors.NotFoundError("node", n.ID)
	}
	return nil
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]model.Node, error) {
	const q = `
		SELECT id, content, content_plain, COALESCE(system_id, ''), owner_id, created_at, updated_at, deleted_at
		FROM nodes ORDER BY id`
	rows, err := s.querier(ctx).QueryContext(ctx, q)
	if err != nil {
		return nil, errors.StoreErr("list nodes", err)
	}
	defer rows.Close()

	var out []model.Node
	for rows.Next() {
		var n model.Node
		if err := rows.Scan(&n.ID, &n.Content, &n.ContentPlain, &n.SystemID, &n.OwnerID, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt); err != nil {
			return nil, errors.StoreErr("scan node", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpsertProperty implements the position-level upsert SetProperty builds on:
// it replaces whatever row currently occupies (node_id, field_node_id,
// "order"), regardless of that row's previous value. The properties table's
// unique index on that triple makes the insert path race-safe under ON
// CONFLICT, while concurrent callers still serialize through WithTx.
func (s *PostgresStore) UpsertProperty(ctx context.Context, p model.Property) (model.Property, error) {
	if p.ID == "" {
		p.ID = nodeid.New()
	}
	const q = `
		INSERT INTO properties (id, node_id, field_node_id, value, "order", created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (node_id, field_node_id, "order")
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		RETURNING id, node_id, field_node_id, value, "order", created_at, updated_at`
	row := s.querier(ctx).QueryRowContext(ctx, q, p.ID, p.NodeID, p.FieldNodeID, p.Value, p.Order, p.CreatedAt, p.UpdatedAt)

	var out model.Property
	if err := row.Scan(&out.ID, &out.NodeID, &out.FieldNodeID, &out.Value, &out.Order, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return model.Property{}, errors.StoreErr("upsert property", err)
	}
	return out, nil
}

// AppendProperty inserts p unconditionally. addPropertyValue (§4.2) builds on
// this directly — it performs no deduplication against any existing row,
// including an identical (node, field, value) triple.
func (s *PostgresStore) AppendProperty(ctx context.Context, p model.Property) (model.Property, error) {
	if p.ID == "" {
		p.ID = nodeid.New()
	}
	const q = `
		INSERT INTO properties (id, node_id, field_node_id, value, "order", created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, node_id, field_node_id, value, "order", created_at, updated_at`
	row := s.querier(ctx).QueryRowContext(ctx, q, p.ID, p.NodeID, p.FieldNodeID, p.Value, p.Order, p.CreatedAt, p.UpdatedAt)

	var out model.Property
	if err := row.Scan(&out.ID, &out.NodeID, &out.FieldNodeID, &out.Value, &out.Order, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return model.Property{}, errors.StoreErr("append property", err)
	}
	return out, nil
}

func (s *PostgresStore) ReplacePropertiesForField(ctx context.Context, nodeID, fieldNodeID string, values []model.Property) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.DeletePropertiesForField(ctx, nodeID, fieldNodeID); err != nil {
			return err
		}
		for _, p := range values {
			p.NodeID = nodeID
			p.FieldNodeID = fieldNodeID
			if _, err := s.UpsertProperty(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) DeletePropertiesForField(ctx context.Context, nodeID, fieldNodeID string) error {
	const q = `DELETE FROM properties WHERE node_id = $1 AND field_node_id = $2`
	_, err := s.querier(ctx).ExecContext(ctx, q, nodeID, fieldNodeID)
	if err != nil {
		return errors.StoreErr("delete properties for field", err)
	}
	return nil
}

func (s *PostgresStore) ListPropertiesForNode(ctx context.Context, nodeID string) ([]model.Property, error) {
	const q = `
		SELECT id, node_id, field_node_id, value, "order", created_at, updated_at
		FROM properties WHERE node_id = $1 ORDER BY field_node_id, "order"`
	rows, err := s.querier(ctx).QueryContext(ctx, q, nodeID)
	if err != nil {
		return nil, errors.StoreErr("list properties for node", err)
	}
	defer rows.Close()
	return scanProperties(rows)
}

func (s *PostgresStore) ListPropertiesForNodes(ctx context.Context, nodeIDs []string) (map[string][]model.Property, error) {
	out := make(map[string][]model.Property, len(nodeIDs))
	if len(nodeIDs) == 0 {
		return out, nil
	}

	ids := make([]any, len(nodeIDs))
	placeholders := make([]string, len(nodeIDs))
	for i, id := range nodeIDs {
		ids[i] = id
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf(`
		SELECT id, node_id, field_node_id, value, "order", created_at, updated_at
		FROM properties WHERE node_id IN (%s) ORDER BY node_id, field_node_id, "order"`,
		strings.Join(placeholders, ", "))
	rows, err := s.querier(ctx).QueryContext(ctx, q, ids...)
	if err != nil {
		return nil, errors.StoreErr("list properties for nodes", err)
	}
	defer rows.Close()

	props, err := scanProperties(rows)
	if err != nil {
		return nil, err
	}
	for _, id := range nodeIDs {
		out[id] = nil
	}
	for _, p := range props {
		out[p.NodeID] = append(out[p.NodeID], p)
	}
	return out, nil
}

func (s *PostgresStore) ListPropertiesByFieldAndValue(ctx context.Context, fieldNodeID, value string) ([]model.Property, error) {
	const q = `
		SELECT id, node_id, field_node_id, value, "order", created_at, updated_at
		FROM properties WHERE field_node_id = $1 AND value = $2 ORDER BY id`
	rows, err := s.querier(ctx).QueryContext(ctx, q, fieldNodeID, value)
	if err != nil {
		return nil, errors.StoreErr("list properties by field and value", err)
	}
	defer rows.Close()
	return scanProperties(rows)
}

func scanProperties(rows *sql.Rows) ([]model.Property, error) {
	var out []model.Property
	for rows.Next() {
		var p model.Property
		if err := rows.Scan(&p.ID, &p.NodeID, &p.FieldNodeID, &p.Value, &p.Order, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, errors.StoreErr("scan property", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// isUniqueViolation recognizes the unique_violation SQLSTATE (23505) that the
// properties/nodes unique indexes raise on a conflicting insert.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "23505")
}
