package graph

import (
	"context"
	"testing"
)

func TestMemoryTxCommitAppliesAtomically(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.CreateNode(ctx, Node{ID: "n-1", OrgID: "org-1", Kind: "scene", Props: map[string]interface{}{"file_id": "f-1"}}); err != nil {
		t.Fatalf("create node: %v", err)
	}
	if err := tx.CreateRelationship(ctx, Relationship{ID: "r-1", FromID: "n-1", ToID: "n-1", RelType: "SELF"}); err != nil {
		t.Fatalf("create relationship: %v", err)
	}

	if store.NodeCount() != 0 {
		t.Fatal("writes must not be visible before commit")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if store.NodeCount() != 1 || store.RelationshipCount() != 1 {
		t.Fatalf("expected 1 node and 1 edge, got %d/%d", store.NodeCount(), store.RelationshipCount())
	}
}

func TestMemoryTxRollbackDiscards(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.CreateNode(ctx, Node{ID: "n-1", OrgID: "org-1", Kind: "scene"}); err != nil {
		t.Fatalf("create node: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if store.NodeCount() != 0 {
		t.Fatal("rolled back writes must not be visible")
	}
	if err := tx.CreateNode(ctx, Node{ID: "n-2"}); err == nil {
		t.Fatal("expected error writing to a finished transaction")
	}
}

func TestNodesByFileFiltersOrgAndFile(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tx, _ := store.Begin(ctx)
	_ = tx.CreateNode(ctx, Node{ID: "a", OrgID: "org-1", Kind: "scene", Props: map[string]interface{}{"file_id": "f-1"}})
	_ = tx.CreateNode(ctx, Node{ID: "b", OrgID: "org-1", Kind: "scene", Props: map[string]interface{}{"file_id": "f-2"}})
	_ = tx.CreateNode(ctx, Node{ID: "c", OrgID: "org-2", Kind: "scene", Props: map[string]interface{}{"file_id": "f-1"}})
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	nodes, err := store.NodesByFile(ctx, "org-1", "f-1")
	if err != nil {
		t.Fatalf("nodes by file: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "a" {
		t.Fatalf("expected node a only, got %+v", nodes)
	}
}
