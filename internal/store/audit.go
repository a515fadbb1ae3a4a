package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrAuditNotFound indicates the requested promotion audit does not exist.
var ErrAuditNotFound = errors.New("promotion audit not found")

// PromotionAudit records one promote or rollback action. After holds the
// minimal state required to reverse a promotion: the ids of every node and
// relationship created plus the commit id.
type PromotionAudit struct {
	ID        string
	JobID     string
	Actor     string
	Action    string
	Before    map[string]interface{}
	After     map[string]interface{}
	CreatedAt time.Time
}

// CreatePromotionAudit inserts an audit row and returns its id.
func (s *Store) CreatePromotionAudit(ctx context.Context, audit PromotionAudit) (string, error) {
	if audit.JobID == "" || audit.Action == "" {
		return "", fmt.Errorf("job_id and action are required")
	}
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	before, err := marshalMap(audit.Before)
	if err != nil {
		return "", err
	}
	after, err := marshalMap(audit.After)
	if err != nil {
		return "", err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO promotion_audit (id, job_id, actor, action, before_json, after_json, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, audit.ID, audit.JobID, audit.Actor, audit.Action, before, after, nowUTC())
	if err != nil {
		return "", fmt.Errorf("insert promotion audit: %w", err)
	}
	return audit.ID, nil
}

// GetPromotionAudit loads one audit row by id.
func (s *Store) GetPromotionAudit(ctx context.Context, id string) (PromotionAudit, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, job_id, actor, action, before_json, after_json, created_at
FROM promotion_audit WHERE id = $1
`, id)

	var audit PromotionAudit
	var before, after []byte
	err := row.Scan(&audit.ID, &audit.JobID, &audit.Actor, &audit.Action, &before, &after, &audit.CreatedAt)
	if err == sql.ErrNoRows {
		return PromotionAudit{}, fmt.Errorf("%w: %s", ErrAuditNotFound, id)
	}
	if err != nil {
		return PromotionAudit{}, fmt.Errorf("select promotion audit: %w", err)
	}
	if audit.Before, err = unmarshalMap(before); err != nil {
		return PromotionAudit{}, err
	}
	if audit.After, err = unmarshalMap(after); err != nil {
		return PromotionAudit{}, err
	}
	return audit, nil
}

// ListPromotionAudits returns audits for a job, newest first.
func (s *Store) ListPromotionAudits(ctx context.Context, jobID string) ([]PromotionAudit, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, job_id, actor, action, before_json, after_json, created_at
FROM promotion_audit WHERE job_id = $1 ORDER BY created_at DESC
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list promotion audits: %w", err)
	}
	defer rows.Close()

	var out []PromotionAudit
	for rows.Next() {
		var audit PromotionAudit
		var before, after []byte
		if err := rows.Scan(&audit.ID, &audit.JobID, &audit.Actor, &audit.Action, &before, &after, &audit.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan promotion audit: %w", err)
		}
		if audit.Before, err = unmarshalMap(before); err != nil {
			return nil, err
		}
		if audit.After, err = unmarshalMap(after); err != nil {
			return nil, err
		}
		out = append(out, audit)
	}
	return out, rows.Err()
}
