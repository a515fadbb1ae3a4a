package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound indicates the requested extraction job does not exist.
var ErrJobNotFound = errors.New("extraction job not found")

// ExtractionJob tracks one parse-and-stage attempt over a file.
type ExtractionJob struct {
	ID            string
	OrgID         string
	FileID        string
	Slot          string
	Parser        string
	ParserVersion string
	Status        string
	Metadata      map[string]interface{}
	EntitiesCount int
	LinksCount    int
	Confidence    float64
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateExtractionJob inserts a queued job and returns its id.
func (s *Store) CreateExtractionJob(ctx context.Context, job ExtractionJob) (string, error) {
	if job.OrgID == "" || job.FileID == "" {
		return "", fmt.Errorf("org_id and file_id are required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	meta, err := marshalMap(job.Metadata)
	if err != nil {
		return "", err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO extraction_job (id, org_id, file_id, slot, parser, parser_version, status, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
`, job.ID, job.OrgID, job.FileID, nullableString(job.Slot), nullableString(job.Parser), nullableString(job.ParserVersion), job.Status, meta, nowUTC())
	if err != nil {
		return "", fmt.Errorf("insert extraction job: %w", err)
	}
	return job.ID, nil
}

// GetExtractionJob loads one job by id.
func (s *Store) GetExtractionJob(ctx context.Context, id string) (ExtractionJob, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, org_id, file_id, COALESCE(slot,''), COALESCE(parser,''), COALESCE(parser_version,''),
       status, metadata, entities_count, links_count, confidence, COALESCE(error,''), created_at, updated_at
FROM extraction_job WHERE id = $1
`, id)

	var job ExtractionJob
	var rawMeta []byte
	err := row.Scan(&job.ID, &job.OrgID, &job.FileID, &job.Slot, &job.Parser, &job.ParserVersion,
		&job.Status, &rawMeta, &job.EntitiesCount, &job.LinksCount, &job.Confidence, &job.Error,
		&job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return ExtractionJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return ExtractionJob{}, fmt.Errorf("select extraction job: %w", err)
	}
	if job.Metadata, err = unmarshalMap(rawMeta); err != nil {
		return ExtractionJob{}, err
	}
	return job, nil
}

// MarkJobStatus updates the job status unconditionally.
func (s *Store) MarkJobStatus(ctx context.Context, id, status string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE extraction_job SET status = $2, updated_at = $3 WHERE id = $1
`, id, status, nowUTC())
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return requireRow(res, id)
}

// CASJobStatus transitions the job from one status to another atomically.
// It reports false when the job was not in the expected status, which guards
// against two callers promoting the same job concurrently.
func (s *Store) CASJobStatus(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE extraction_job SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2
`, id, from, to, nowUTC())
	if err != nil {
		return false, fmt.Errorf("cas job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas job status rows: %w", err)
	}
	return n == 1, nil
}

// MarkJobCompleted records a successful extraction with its aggregates.
func (s *Store) MarkJobCompleted(ctx context.Context, id string, entities, links int, confidence float64) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE extraction_job
SET status = $2, entities_count = $3, links_count = $4, confidence = $5, error = NULL, updated_at = $6
WHERE id = $1
`, id, JobStatusCompleted, entities, links, confidence, nowUTC())
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return requireRow(res, id)
}

// MarkJobError records a terminal failure status with the error message.
func (s *Store) MarkJobError(ctx context.Context, id, status, errMsg string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE extraction_job SET status = $2, error = $3, updated_at = $4 WHERE id = $1
`, id, status, errMsg, nowUTC())
	if err != nil {
		return fmt.Errorf("mark job error: %w", err)
	}
	return requireRow(res, id)
}

// ListPromotedJobsBefore returns ids of promoted jobs last updated before the
// cutoff that still hold staging rows. The janitor uses this to purge stale
// staging data.
func (s *Store) ListPromotedJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id FROM extraction_job j
WHERE status = $1 AND updated_at < $2
  AND (EXISTS (SELECT 1 FROM extracted_entity_temp WHERE job_id = j.id)
    OR EXISTS (SELECT 1 FROM extracted_link_temp WHERE job_id = j.id))
ORDER BY updated_at ASC LIMIT $3
`, JobStatusPromoted, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list promoted jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}
