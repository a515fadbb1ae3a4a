// Package graph defines the property-graph store the promotion engine writes
// to. The engine only depends on the Store/Tx interfaces; a postgres-backed
// implementation serves production and an in-memory one serves tests.
package graph

import "context"

// Node is a durable graph node with free-form properties.
type Node struct {
	ID    string
	OrgID string
	Kind  string
	Props map[string]interface{}
}

// Relationship is a directed, typed edge between two nodes.
type Relationship struct {
	ID      string
	FromID  string
	ToID    string
	RelType string
	Props   map[string]interface{}
}

// Store exposes graph reads and transaction entry.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	GetNode(ctx context.Context, id string) (Node, bool, error)
	NodesByFile(ctx context.Context, orgID, fileID string) ([]Node, error)
	RelationshipsFrom(ctx context.Context, nodeID string) ([]Relationship, error)
}

// Tx is one all-or-nothing unit of graph mutation. Nothing written through a
// Tx is visible until Commit; Rollback discards everything.
type Tx interface {
	CreateNode(ctx context.Context, n Node) error
	CreateRelationship(ctx context.Context, r Relationship) error
	DeleteNode(ctx context.Context, id string) error
	DeleteRelationship(ctx context.Context, id string) error
	Commit() error
	Rollback() error
}
