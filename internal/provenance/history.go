package provenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CommitWithActions pairs a commit with its attached action records.
type CommitWithActions struct {
	Commit  Commit
	Actions []Action
}

// CommitSummary is the condensed commit view attached to version history.
type CommitSummary struct {
	ID             string
	Author         string
	AuthorType     string
	Message        string
	ParentCommitID string
	CreatedAt      time.Time
}

// VersionWithCommit pairs a version with its resolved commit summary.
type VersionWithCommit struct {
	Version Version
	Commit  *CommitSummary
}

// GetCommitHistory returns an org's commits newest-first with their actions.
func (s *Store) GetCommitHistory(ctx context.Context, orgID string, limit int) ([]CommitWithActions, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, org_id, author, author_type, message, branch_name, COALESCE(parent_commit_id,''), signature, metadata, created_at
FROM provenance_commit WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2
`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	var out []CommitWithActions
	for rows.Next() {
		commit, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, CommitWithActions{Commit: commit})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		actions, err := s.listActions(ctx, out[i].Commit.ID)
		if err != nil {
			return nil, err
		}
		out[i].Actions = actions
	}
	return out, nil
}

// GetEntityVersionHistory returns an entity's versions newest-first, each
// with the summary of the commit that produced it.
func (s *Store) GetEntityVersionHistory(ctx context.Context, orgID, entityID string) ([]VersionWithCommit, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT v.id, v.org_id, v.entity_id, v.entity_type, v.properties, COALESCE(v.commit_id,''), v.content_hash, v.created_at,
       COALESCE(c.id,''), COALESCE(c.author,''), COALESCE(c.author_type,''), COALESCE(c.message,''), COALESCE(c.parent_commit_id,''), COALESCE(c.created_at, v.created_at)
FROM entity_version v
LEFT JOIN provenance_commit c ON c.id = v.commit_id
WHERE v.org_id = $1 AND v.entity_id = $2
ORDER BY v.created_at DESC
`, orgID, entityID)
	if err != nil {
		return nil, fmt.Errorf("list entity versions: %w", err)
	}
	defer rows.Close()

	var out []VersionWithCommit
	for rows.Next() {
		var v Version
		var props []byte
		var summary CommitSummary
		var commitCreated sql.NullTime
		if err := rows.Scan(&v.ID, &v.OrgID, &v.EntityID, &v.EntityType, &props, &v.CommitID, &v.ContentHash, &v.CreatedAt,
			&summary.ID, &summary.Author, &summary.AuthorType, &summary.Message, &summary.ParentCommitID, &commitCreated); err != nil {
			return nil, fmt.Errorf("scan entity version: %w", err)
		}
		if len(props) > 0 {
			if err := json.Unmarshal(props, &v.Properties); err != nil {
				return nil, fmt.Errorf("unmarshal version properties: %w", err)
			}
		}
		item := VersionWithCommit{Version: v}
		if summary.ID != "" {
			if commitCreated.Valid {
				summary.CreatedAt = commitCreated.Time
			}
			item.Commit = &summary
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) listActions(ctx context.Context, commitID string) ([]Action, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, commit_id, action_type, tool, COALESCE(entity_type,''), COALESCE(entity_id,''), inputs, outputs, status, COALESCE(error_message,''), created_at
FROM commit_action WHERE commit_id = $1 ORDER BY created_at
`, commitID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		var inputs, outputs []byte
		if err := rows.Scan(&a.ID, &a.CommitID, &a.ActionType, &a.Tool, &a.EntityType, &a.EntityID,
			&inputs, &outputs, &a.Status, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if len(inputs) > 0 {
			if err := json.Unmarshal(inputs, &a.Inputs); err != nil {
				return nil, fmt.Errorf("unmarshal action inputs: %w", err)
			}
		}
		if len(outputs) > 0 {
			if err := json.Unmarshal(outputs, &a.Outputs); err != nil {
				return nil, fmt.Errorf("unmarshal action outputs: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
