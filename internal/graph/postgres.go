package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists the property graph in two relational tables,
// graph_node and graph_edge, with JSONB property documents.
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

// Begin opens a database transaction scoped to graph mutation.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin graph tx: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

// GetNode loads one node by id.
func (s *PostgresStore) GetNode(ctx context.Context, id string) (Node, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, org_id, kind, props FROM graph_node WHERE id = $1
`, id)
	var n Node
	var props []byte
	err := row.Scan(&n.ID, &n.OrgID, &n.Kind, &props)
	if err == sql.ErrNoRows {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, fmt.Errorf("select node: %w", err)
	}
	if err := json.Unmarshal(props, &n.Props); err != nil {
		return Node{}, false, fmt.Errorf("unmarshal node props: %w", err)
	}
	return n, true, nil
}

// NodesByFile returns nodes promoted from one source file within an org.
func (s *PostgresStore) NodesByFile(ctx context.Context, orgID, fileID string) ([]Node, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, org_id, kind, props FROM graph_node
WHERE org_id = $1 AND props->>'file_id' = $2 ORDER BY id
`, orgID, fileID)
	if err != nil {
		return nil, fmt.Errorf("nodes by file: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		var props []byte
		if err := rows.Scan(&n.ID, &n.OrgID, &n.Kind, &props); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if err := json.Unmarshal(props, &n.Props); err != nil {
			return nil, fmt.Errorf("unmarshal node props: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RelationshipsFrom returns outgoing edges of one node.
func (s *PostgresStore) RelationshipsFrom(ctx context.Context, nodeID string) ([]Relationship, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, from_id, to_id, rel_type, props FROM graph_edge WHERE from_id = $1 ORDER BY id
`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("relationships from: %w", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var r Relationship
		var props []byte
		if err := rows.Scan(&r.ID, &r.FromID, &r.ToID, &r.RelType, &props); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		if err := json.Unmarshal(props, &r.Props); err != nil {
			return nil, fmt.Errorf("unmarshal relationship props: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) CreateNode(ctx context.Context, n Node) error {
	props, err := json.Marshal(orEmpty(n.Props))
	if err != nil {
		return fmt.Errorf("marshal node props: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO graph_node (id, org_id, kind, props) VALUES ($1,$2,$3,$4)
`, n.ID, n.OrgID, n.Kind, props); err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func (t *postgresTx) CreateRelationship(ctx context.Context, r Relationship) error {
	props, err := json.Marshal(orEmpty(r.Props))
	if err != nil {
		return fmt.Errorf("marshal relationship props: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO graph_edge (id, from_id, to_id, rel_type, props) VALUES ($1,$2,$3,$4,$5)
`, r.ID, r.FromID, r.ToID, r.RelType, props); err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

func (t *postgresTx) DeleteNode(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM graph_node WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

func (t *postgresTx) DeleteRelationship(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM graph_edge WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	return nil
}

func (t *postgresTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit graph tx: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("rollback graph tx: %w", err)
	}
	return nil
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
