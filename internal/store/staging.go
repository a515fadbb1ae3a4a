package store

import (
	"context"
	"fmt"
)

// StagedEntity is an extracted, not-yet-durable entity keyed by content hash.
type StagedEntity struct {
	JobID        string
	Kind         string
	Data         map[string]interface{}
	Hash         string
	Confidence   float64
	SourceOffset int
}

// StagedLink is an extracted relationship between two staged entities,
// referenced by their content hashes.
type StagedLink struct {
	JobID      string
	FromHash   string
	ToHash     string
	RelType    string
	Data       map[string]interface{}
	Confidence float64
}

// UpsertStagedEntity writes a staged entity keyed by (job_id, hash).
// Re-staging an identical extraction is a no-op update, which makes
// re-running a job idempotent.
func (s *Store) UpsertStagedEntity(ctx context.Context, ent StagedEntity) error {
	if ent.JobID == "" || ent.Hash == "" {
		return fmt.Errorf("job_id and hash are required")
	}
	data, err := marshalMap(ent.Data)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO extracted_entity_temp (job_id, hash, kind, data, confidence, source_offset, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (job_id, hash) DO UPDATE
SET kind = EXCLUDED.kind, data = EXCLUDED.data, confidence = EXCLUDED.confidence, source_offset = EXCLUDED.source_offset
`, ent.JobID, ent.Hash, ent.Kind, data, ent.Confidence, ent.SourceOffset, nowUTC())
	if err != nil {
		return fmt.Errorf("upsert staged entity: %w", err)
	}
	return nil
}

// UpsertStagedLink writes a staged link keyed by (job_id, from, to, rel_type).
func (s *Store) UpsertStagedLink(ctx context.Context, link StagedLink) error {
	if link.JobID == "" || link.FromHash == "" || link.ToHash == "" || link.RelType == "" {
		return fmt.Errorf("job_id, endpoints and rel_type are required")
	}
	data, err := marshalMap(link.Data)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO extracted_link_temp (job_id, from_hash, to_hash, rel_type, data, confidence, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (job_id, from_hash, to_hash, rel_type) DO UPDATE
SET data = EXCLUDED.data, confidence = EXCLUDED.confidence
`, link.JobID, link.FromHash, link.ToHash, link.RelType, data, link.Confidence, nowUTC())
	if err != nil {
		return fmt.Errorf("upsert staged link: %w", err)
	}
	return nil
}

// ListStagedEntities returns all staged entities for a job in insertion order.
func (s *Store) ListStagedEntities(ctx context.Context, jobID string) ([]StagedEntity, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT job_id, hash, kind, data, confidence, source_offset
FROM extracted_entity_temp WHERE job_id = $1 ORDER BY created_at, hash
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list staged entities: %w", err)
	}
	defer rows.Close()

	var out []StagedEntity
	for rows.Next() {
		var ent StagedEntity
		var raw []byte
		if err := rows.Scan(&ent.JobID, &ent.Hash, &ent.Kind, &raw, &ent.Confidence, &ent.SourceOffset); err != nil {
			return nil, fmt.Errorf("scan staged entity: %w", err)
		}
		if ent.Data, err = unmarshalMap(raw); err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

// ListStagedLinks returns all staged links for a job in insertion order.
func (s *Store) ListStagedLinks(ctx context.Context, jobID string) ([]StagedLink, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT job_id, from_hash, to_hash, rel_type, data, confidence
FROM extracted_link_temp WHERE job_id = $1 ORDER BY created_at, from_hash, to_hash
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list staged links: %w", err)
	}
	defer rows.Close()

	var out []StagedLink
	for rows.Next() {
		var link StagedLink
		var raw []byte
		if err := rows.Scan(&link.JobID, &link.FromHash, &link.ToHash, &link.RelType, &raw, &link.Confidence); err != nil {
			return nil, fmt.Errorf("scan staged link: %w", err)
		}
		if link.Data, err = unmarshalMap(raw); err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

// PurgeStaged removes all staged rows for a job after a successful promotion.
func (s *Store) PurgeStaged(ctx context.Context, jobID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM extracted_link_temp WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("purge staged links: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM extracted_entity_temp WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("purge staged entities: %w", err)
	}
	return nil
}
