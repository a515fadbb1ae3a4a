package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process graph store. Transactions buffer mutations and
// apply them atomically on Commit under the store mutex.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]Node
	edges map[string]Relationship
}

// NewMemoryStore creates an empty in-memory graph.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]Node),
		edges: make(map[string]Relationship),
	}
}

// Begin opens a buffered transaction.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	return &memoryTx{store: s}, nil
}

// GetNode loads one node by id.
func (s *MemoryStore) GetNode(ctx context.Context, id string) (Node, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok, nil
}

// NodesByFile returns nodes whose file_id property matches.
func (s *MemoryStore) NodesByFile(ctx context.Context, orgID, fileID string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Node
	for _, n := range s.nodes {
		if n.OrgID != orgID {
			continue
		}
		if fid, _ := n.Props["file_id"].(string); fid == fileID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RelationshipsFrom returns outgoing edges of one node.
func (s *MemoryStore) RelationshipsFrom(ctx context.Context, nodeID string) ([]Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Relationship
	for _, r := range s.edges {
		if r.FromID == nodeID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// NodeCount reports the number of committed nodes.
func (s *MemoryStore) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// RelationshipCount reports the number of committed edges.
func (s *MemoryStore) RelationshipCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

type memoryOp struct {
	createNode *Node
	createEdge *Relationship
	deleteNode string
	deleteEdge string
}

type memoryTx struct {
	store *MemoryStore
	ops   []memoryOp
	done  bool
}

func (t *memoryTx) CreateNode(ctx context.Context, n Node) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.ops = append(t.ops, memoryOp{createNode: &n})
	return nil
}

func (t *memoryTx) CreateRelationship(ctx context.Context, r Relationship) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.ops = append(t.ops, memoryOp{createEdge: &r})
	return nil
}

func (t *memoryTx) DeleteNode(ctx context.Context, id string) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.ops = append(t.ops, memoryOp{deleteNode: id})
	return nil
}

func (t *memoryTx) DeleteRelationship(ctx context.Context, id string) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.ops = append(t.ops, memoryOp{deleteEdge: id})
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		switch {
		case op.createNode != nil:
			if _, exists := t.store.nodes[op.createNode.ID]; exists {
				return fmt.Errorf("node %s already exists", op.createNode.ID)
			}
			t.store.nodes[op.createNode.ID] = *op.createNode
		case op.createEdge != nil:
			t.store.edges[op.createEdge.ID] = *op.createEdge
		case op.deleteNode != "":
			delete(t.store.nodes, op.deleteNode)
		case op.deleteEdge != "":
			delete(t.store.edges, op.deleteEdge)
		}
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	t.done = true
	t.ops = nil
	return nil
}
