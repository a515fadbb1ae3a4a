package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ContentCluster aggregates promoted counts per source file. It is mutated
// only by promotion/rollback deltas, never written directly.
type ContentCluster struct {
	FileID               string
	EntitiesCount        int
	LinksCount           int
	CrossLayerLinksCount int
	Status               string
}

// ClusterDelta is the signed adjustment a promotion or rollback applies.
type ClusterDelta struct {
	Entities        int
	Links           int
	CrossLayerLinks int
}

// ApplyClusterDelta upserts the cluster row and adjusts its counters. Status
// is recomputed from the resulting entity count.
func (s *Store) ApplyClusterDelta(ctx context.Context, fileID string, delta ClusterDelta) error {
	if fileID == "" {
		return fmt.Errorf("file_id is required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO content_cluster (file_id, entities_count, links_count, cross_layer_links_count, status, updated_at)
VALUES ($1, GREATEST($2,0), GREATEST($3,0), GREATEST($4,0),
        CASE WHEN $2 > 0 THEN 'populated' ELSE 'empty' END, $5)
ON CONFLICT (file_id) DO UPDATE SET
  entities_count = GREATEST(content_cluster.entities_count + $2, 0),
  links_count = GREATEST(content_cluster.links_count + $3, 0),
  cross_layer_links_count = GREATEST(content_cluster.cross_layer_links_count + $4, 0),
  status = CASE WHEN content_cluster.entities_count + $2 > 0 THEN 'populated' ELSE 'empty' END,
  updated_at = $5
`, fileID, delta.Entities, delta.Links, delta.CrossLayerLinks, nowUTC())
	if err != nil {
		return fmt.Errorf("apply cluster delta: %w", err)
	}
	return nil
}

// GetContentCluster loads the aggregate for one file. A file with no
// promotions yet reports an empty cluster rather than an error.
func (s *Store) GetContentCluster(ctx context.Context, fileID string) (ContentCluster, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT file_id, entities_count, links_count, cross_layer_links_count, status
FROM content_cluster WHERE file_id = $1
`, fileID)

	var c ContentCluster
	err := row.Scan(&c.FileID, &c.EntitiesCount, &c.LinksCount, &c.CrossLayerLinksCount, &c.Status)
	if err == sql.ErrNoRows {
		return ContentCluster{FileID: fileID, Status: ClusterStatusEmpty}, nil
	}
	if err != nil {
		return ContentCluster{}, fmt.Errorf("select content cluster: %w", err)
	}
	return c, nil
}
