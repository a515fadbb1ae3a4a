package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps the relational database holding staging tables, extraction
// jobs, promotion audits and content cluster aggregates.
type Store struct {
	DB *sql.DB
}

// Extraction job statuses persisted in extraction_job.status.
const (
	JobStatusQueued          = "queued"
	JobStatusRunning         = "running"
	JobStatusCompleted       = "completed"
	JobStatusFailed          = "failed"
	JobStatusPromoting       = "promoting"
	JobStatusPromoted        = "promoted"
	JobStatusPromotionFailed = "promotion_failed"
	JobStatusRolledBack      = "rolled_back"
	// durable graph writes survived a failed promotion and could not be
	// removed; the job is parked until an operator reconciles the graph
	JobStatusPromotionInconsistent = "promotion_inconsistent"
)

// Promotion audit actions.
const (
	AuditActionPromote  = "promote"
	AuditActionRollback = "rollback"
)

// Content cluster statuses.
const (
	ClusterStatusEmpty     = "empty"
	ClusterStatusPopulated = "populated"
)

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// NewWithDSN opens a postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json document: %w", err)
	}
	return raw, nil
}

func unmarshalMap(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal json document: %w", err)
	}
	return m, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
