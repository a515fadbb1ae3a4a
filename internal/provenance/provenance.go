// Package provenance maintains the append-only record of durable change: a
// signed commit DAG, per-tool action records and content-hash-deduplicated
// entity versions. Rows here are never updated or deleted; rollbacks add
// compensating commits instead.
package provenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/showrunnerhq/backlot/internal/content"
)

// Commit author types.
const (
	AuthorTypeUser   = "user"
	AuthorTypeAgent  = "agent"
	AuthorTypeSystem = "system"
)

// DefaultBranch is used when a commit does not name a branch.
const DefaultBranch = "main"

// ErrCommitNotFound indicates the referenced commit does not exist.
var ErrCommitNotFound = errors.New("commit not found")

// Store persists commits, actions and versions.
type Store struct {
	DB     *sql.DB
	signer *content.Signer
	logger *log.Logger
	now    func() time.Time
}

// New builds a provenance store around an existing database handle.
func New(db *sql.DB, signer *content.Signer, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{DB: db, signer: signer, logger: logger, now: time.Now}
}

// Commit is a signed, append-only record of one durable change.
type Commit struct {
	ID             string
	OrgID          string
	Author         string
	AuthorType     string
	Message        string
	BranchName     string
	ParentCommitID string
	Signature      string
	Metadata       map[string]interface{}
	CreatedAt      time.Time
}

// CommitInput is the caller-supplied part of a commit.
type CommitInput struct {
	OrgID          string
	Author         string
	AuthorType     string
	Message        string
	BranchName     string
	ParentCommitID string
	Metadata       map[string]interface{}
}

// Action records what one tool did within a commit.
type Action struct {
	ID           string
	CommitID     string
	ActionType   string
	Tool         string
	EntityType   string
	EntityID     string
	Inputs       map[string]interface{}
	Outputs      map[string]interface{}
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
}

// ActionInput is the caller-supplied part of an action.
type ActionInput struct {
	ActionType   string
	Tool         string
	EntityType   string
	EntityID     string
	Inputs       map[string]interface{}
	Outputs      map[string]interface{}
	Status       string
	ErrorMessage string
}

// Version is a deduplicated snapshot of one entity's properties.
type Version struct {
	ID          string
	OrgID       string
	EntityID    string
	EntityType  string
	Properties  map[string]interface{}
	CommitID    string
	ContentHash string
	CreatedAt   time.Time
}

// VersionInput is the caller-supplied part of a version.
type VersionInput struct {
	OrgID      string
	EntityID   string
	EntityType string
	Properties map[string]interface{}
	CommitID   string
}

// commitBody is the canonical signed payload. Field order is fixed by the
// struct; timestamps are RFC3339Nano UTC so the encoding is reproducible.
type commitBody struct {
	ID             string `json:"id"`
	OrgID          string `json:"org_id"`
	Author         string `json:"author"`
	AuthorType     string `json:"author_type"`
	Message        string `json:"message"`
	BranchName     string `json:"branch_name"`
	ParentCommitID string `json:"parent_commit_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func canonicalBody(c Commit) ([]byte, error) {
	body := commitBody{
		ID:             c.ID,
		OrgID:          c.OrgID,
		Author:         c.Author,
		AuthorType:     c.AuthorType,
		Message:        c.Message,
		BranchName:     c.BranchName,
		ParentCommitID: c.ParentCommitID,
		CreatedAt:      c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal commit body: %w", err)
	}
	return raw, nil
}

// CreateCommit signs the canonical commit body and persists the commit.
// A parent id chains commits into a DAG; branch defaults to "main".
func (s *Store) CreateCommit(ctx context.Context, in CommitInput) (string, error) {
	if in.OrgID == "" || in.Author == "" {
		return "", fmt.Errorf("org_id and author are required")
	}
	authorType := in.AuthorType
	if authorType == "" {
		authorType = AuthorTypeSystem
	}
	branch := in.BranchName
	if branch == "" {
		branch = DefaultBranch
	}

	commit := Commit{
		ID:             uuid.NewString(),
		OrgID:          in.OrgID,
		Author:         in.Author,
		AuthorType:     authorType,
		Message:        in.Message,
		BranchName:     branch,
		ParentCommitID: in.ParentCommitID,
		Metadata:       in.Metadata,
		// postgres timestamptz keeps microseconds; sign exactly what a
		// reload will see or ValidateCommit fails on every fresh commit
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	body, err := canonicalBody(commit)
	if err != nil {
		return "", err
	}
	commit.Signature = s.signer.Sign(body)

	meta, err := json.Marshal(commit.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal commit metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO provenance_commit (id, org_id, author, author_type, message, branch_name, parent_commit_id, signature, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, commit.ID, commit.OrgID, commit.Author, commit.AuthorType, commit.Message, commit.BranchName,
		nullable(commit.ParentCommitID), commit.Signature, meta, commit.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert commit: %w", err)
	}
	return commit.ID, nil
}

// CreateAction attaches an action record to an existing commit.
func (s *Store) CreateAction(ctx context.Context, commitID string, in ActionInput) (string, error) {
	if commitID == "" {
		return "", fmt.Errorf("commit_id is required")
	}
	var exists bool
	if err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM provenance_commit WHERE id = $1)`, commitID).Scan(&exists); err != nil {
		return "", fmt.Errorf("check commit: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrCommitNotFound, commitID)
	}

	id := uuid.NewString()
	inputs, err := json.Marshal(in.Inputs)
	if err != nil {
		return "", fmt.Errorf("marshal action inputs: %w", err)
	}
	outputs, err := json.Marshal(in.Outputs)
	if err != nil {
		return "", fmt.Errorf("marshal action outputs: %w", err)
	}
	status := in.Status
	if status == "" {
		status = "completed"
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO commit_action (id, commit_id, action_type, tool, entity_type, entity_id, inputs, outputs, status, error_message, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, id, commitID, in.ActionType, in.Tool, nullable(in.EntityType), nullable(in.EntityID),
		inputs, outputs, status, nullable(in.ErrorMessage), s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert action: %w", err)
	}
	return id, nil
}

// CreateVersion persists a property snapshot unless an identical one already
// exists for (org, entity). Identical snapshots return the existing id, so
// version history grows with distinct states rather than update frequency.
func (s *Store) CreateVersion(ctx context.Context, in VersionInput) (string, error) {
	if in.OrgID == "" || in.EntityID == "" {
		return "", fmt.Errorf("org_id and entity_id are required")
	}
	hash, err := content.PropertyHash(in.Properties)
	if err != nil {
		return "", err
	}

	var existing string
	err = s.DB.QueryRowContext(ctx, `
SELECT id FROM entity_version WHERE org_id = $1 AND entity_id = $2 AND content_hash = $3
`, in.OrgID, in.EntityID, hash).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("select entity version: %w", err)
	}

	id := uuid.NewString()
	props, err := json.Marshal(in.Properties)
	if err != nil {
		return "", fmt.Errorf("marshal version properties: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO entity_version (id, org_id, entity_id, entity_type, properties, commit_id, content_hash, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (org_id, entity_id, content_hash) DO NOTHING
`, id, in.OrgID, in.EntityID, in.EntityType, props, nullable(in.CommitID), hash, s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert entity version: %w", err)
	}

	// a concurrent writer may have won the conflict; reselect for the winner's id
	err = s.DB.QueryRowContext(ctx, `
SELECT id FROM entity_version WHERE org_id = $1 AND entity_id = $2 AND content_hash = $3
`, in.OrgID, in.EntityID, hash).Scan(&existing)
	if err != nil {
		return "", fmt.Errorf("reselect entity version: %w", err)
	}
	return existing, nil
}

// ValidateCommit recomputes the canonical body from the persisted fields and
// verifies the stored signature. A mismatch is reported as false rather than
// an error so routine audits do not crash callers.
func (s *Store) ValidateCommit(ctx context.Context, commitID string) (bool, error) {
	commit, err := s.getCommit(ctx, commitID)
	if err != nil {
		return false, err
	}
	body, err := canonicalBody(commit)
	if err != nil {
		return false, err
	}
	ok := s.signer.Verify(body, commit.Signature)
	if !ok {
		s.logger.Printf("integrity failure: commit %s signature mismatch", commitID)
	}
	return ok, nil
}

func (s *Store) getCommit(ctx context.Context, id string) (Commit, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, org_id, author, author_type, message, branch_name, COALESCE(parent_commit_id,''), signature, metadata, created_at
FROM provenance_commit WHERE id = $1
`, id)
	return scanCommit(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommit(row rowScanner) (Commit, error) {
	var c Commit
	var meta []byte
	err := row.Scan(&c.ID, &c.OrgID, &c.Author, &c.AuthorType, &c.Message, &c.BranchName,
		&c.ParentCommitID, &c.Signature, &meta, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return Commit{}, ErrCommitNotFound
	}
	if err != nil {
		return Commit{}, fmt.Errorf("scan commit: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return Commit{}, fmt.Errorf("unmarshal commit metadata: %w", err)
		}
	}
	return c, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
