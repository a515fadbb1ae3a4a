// Package promotion transactionally turns staged data into durable graph
// state. A promotion creates a signed commit, writes every staged entity and
// link inside one graph transaction, adjusts the owning content cluster and
// records an audit whose after-state is sufficient to reverse the whole
// operation. Rollback replays that after-state as deletions under a
// compensating commit; history is never rewritten.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/showrunnerhq/backlot/internal/graph"
	"github.com/showrunnerhq/backlot/internal/provenance"
	"github.com/showrunnerhq/backlot/internal/store"
)

// StoreAPI captures the relational store methods the engine requires.
type StoreAPI interface {
	GetExtractionJob(ctx context.Context, id string) (store.ExtractionJob, error)
	CASJobStatus(ctx context.Context, id, from, to string) (bool, error)
	MarkJobStatus(ctx context.Context, id, status string) error
	MarkJobError(ctx context.Context, id, status, errMsg string) error
	ListStagedEntities(ctx context.Context, jobID string) ([]store.StagedEntity, error)
	ListStagedLinks(ctx context.Context, jobID string) ([]store.StagedLink, error)
	PurgeStaged(ctx context.Context, jobID string) error
	CreatePromotionAudit(ctx context.Context, audit store.PromotionAudit) (string, error)
	GetPromotionAudit(ctx context.Context, id string) (store.PromotionAudit, error)
	ApplyClusterDelta(ctx context.Context, fileID string, delta store.ClusterDelta) error
}

// ProvenanceAPI captures the commit store methods the engine requires.
type ProvenanceAPI interface {
	CreateCommit(ctx context.Context, in provenance.CommitInput) (string, error)
	CreateAction(ctx context.Context, commitID string, in provenance.ActionInput) (string, error)
	CreateVersion(ctx context.Context, in provenance.VersionInput) (string, error)
}

// Engine validates staged data and commits it to the graph.
type Engine struct {
	logger         *log.Logger
	store          StoreAPI
	graph          graph.Store
	prov           ProvenanceAPI
	purgeOnSuccess bool
}

// NewEngine constructs a promotion engine.
func NewEngine(logger *log.Logger, st StoreAPI, g graph.Store, prov ProvenanceAPI, purgeOnSuccess bool) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{logger: logger, store: st, graph: g, prov: prov, purgeOnSuccess: purgeOnSuccess}
}

// Options tune one promotion call.
type Options struct {
	AutoPromoted bool
	ReviewNotes  string
}

// Result summarises one successful promotion.
type Result struct {
	NodesCreated         int
	RelationshipsCreated int
	SkippedLinks         int
	CommitID             string
	AuditID              string
}

// RollbackResult summarises one successful rollback.
type RollbackResult struct {
	NodesRemoved         int
	RelationshipsRemoved int
	CommitID             string
	AuditID              string
}

// Promote commits a job's staged entities and links to the graph.
//
// The call is all-or-nothing: any failure before the graph transaction
// commits rolls the transaction back, marks the job promotion_failed and
// rethrows for queue-level retry. A status compare-and-swap guards against
// two callers promoting the same job concurrently.
func (e *Engine) Promote(ctx context.Context, jobID, orgID, actor string, opts Options) (Result, error) {
	job, err := e.store.GetExtractionJob(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if job.OrgID != orgID {
		return Result{}, &ValidationError{Reason: fmt.Sprintf("job %s does not belong to org %s", jobID, orgID)}
	}

	entities, err := e.store.ListStagedEntities(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	links, err := e.store.ListStagedLinks(ctx, jobID)
	if err != nil {
		return Result{}, err
	}

	if err := e.validateStaged(job, entities, links); err != nil {
		if markErr := e.store.MarkJobError(ctx, jobID, store.JobStatusPromotionFailed, err.Error()); markErr != nil {
			e.logger.Printf("mark job %s promotion_failed: %v", jobID, markErr)
		}
		return Result{}, err
	}

	claimed, err := e.store.CASJobStatus(ctx, jobID, store.JobStatusCompleted, store.JobStatusPromoting)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		// allow re-promotion after an earlier failure
		claimed, err = e.store.CASJobStatus(ctx, jobID, store.JobStatusPromotionFailed, store.JobStatusPromoting)
		if err != nil {
			return Result{}, err
		}
	}
	if !claimed {
		return Result{}, &ValidationError{Reason: fmt.Sprintf("job %s is not in a promotable state", jobID)}
	}

	res, err := e.promoteClaimed(ctx, job, entities, links, actor, opts)
	if err != nil {
		failStatus := store.JobStatusPromotionFailed
		var inc *InconsistencyError
		if errors.As(err, &inc) {
			failStatus = store.JobStatusPromotionInconsistent
		}
		if markErr := e.store.MarkJobError(ctx, jobID, failStatus, err.Error()); markErr != nil {
			e.logger.Printf("mark job %s %s: %v", jobID, failStatus, markErr)
		}
		recordPromotionFailed(ctx)
		return Result{}, err
	}

	if err := e.store.MarkJobStatus(ctx, jobID, store.JobStatusPromoted); err != nil {
		return res, err
	}
	if e.purgeOnSuccess {
		if err := e.store.PurgeStaged(ctx, jobID); err != nil {
			e.logger.Printf("purge staging for job %s: %v", jobID, err)
		}
	}
	recordPromotionSucceeded(ctx, res.NodesCreated, res.RelationshipsCreated)
	return res, nil
}

func (e *Engine) promoteClaimed(ctx context.Context, job store.ExtractionJob, entities []store.StagedEntity, links []store.StagedLink, actor string, opts Options) (Result, error) {
	tx, err := e.graph.Begin(ctx)
	if err != nil {
		return Result{}, &TransactionError{Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil {
				e.logger.Printf("rollback graph tx for job %s: %v", job.ID, rbErr)
			}
		}
	}()

	commitID, err := e.prov.CreateCommit(ctx, provenance.CommitInput{
		OrgID:      job.OrgID,
		Author:     actor,
		AuthorType: authorType(opts.AutoPromoted),
		Message:    fmt.Sprintf("promote extraction job %s", job.ID),
		Metadata: map[string]interface{}{
			"action":        "promotion",
			"jobId":         job.ID,
			"entitiesCount": len(entities),
			"linksCount":    len(links),
			"autoPromoted":  opts.AutoPromoted,
			"reviewNotes":   opts.ReviewNotes,
		},
	})
	if err != nil {
		return Result{}, err
	}

	// entities first so every link endpoint is resolvable
	hashToID := make(map[string]string, len(entities))
	nodeIDs := make([]string, 0, len(entities))
	for _, ent := range entities {
		nodeID := uuid.NewString()
		props := make(map[string]interface{}, len(ent.Data)+6)
		for k, v := range ent.Data {
			props[k] = v
		}
		props["org_id"] = job.OrgID
		props["file_id"] = job.FileID
		props["created_by"] = actor
		props["commit_id"] = commitID
		props["extraction_confidence"] = ent.Confidence
		props["extraction_source_offset"] = ent.SourceOffset

		if err := tx.CreateNode(ctx, graph.Node{ID: nodeID, OrgID: job.OrgID, Kind: ent.Kind, Props: props}); err != nil {
			return Result{}, &TransactionError{Op: "create node", Err: err}
		}
		if _, err := e.prov.CreateVersion(ctx, provenance.VersionInput{
			OrgID:      job.OrgID,
			EntityID:   nodeID,
			EntityType: ent.Kind,
			Properties: props,
			CommitID:   commitID,
		}); err != nil {
			return Result{}, err
		}
		hashToID[ent.Hash] = nodeID
		nodeIDs = append(nodeIDs, nodeID)
	}

	relIDs := make([]string, 0, len(links))
	crossLayer := 0
	skipped := 0
	for _, link := range links {
		fromID, okFrom := hashToID[link.FromHash]
		toID, okTo := hashToID[link.ToHash]
		if !okFrom || !okTo {
			e.logger.Printf("job %s: skipping link %s: unresolved endpoint", job.ID, link.RelType)
			skipped++
			continue
		}
		relID := uuid.NewString()
		props := make(map[string]interface{}, len(link.Data)+2)
		for k, v := range link.Data {
			props[k] = v
		}
		props["commit_id"] = commitID
		props["extraction_confidence"] = link.Confidence
		if err := tx.CreateRelationship(ctx, graph.Relationship{
			ID: relID, FromID: fromID, ToID: toID, RelType: link.RelType, Props: props,
		}); err != nil {
			return Result{}, &TransactionError{Op: "create relationship", Err: err}
		}
		relIDs = append(relIDs, relID)
		if isCrossLayer(entityKindByHash(entities, link.FromHash), entityKindByHash(entities, link.ToHash)) {
			crossLayer++
		}
	}

	if _, err := e.prov.CreateAction(ctx, commitID, provenance.ActionInput{
		ActionType: "promote_staged_data",
		Tool:       "promotion-engine",
		EntityType: "extraction_job",
		EntityID:   job.ID,
		Inputs:     map[string]interface{}{"stagedEntities": len(entities), "stagedLinks": len(links)},
		Outputs:    map[string]interface{}{"nodesCreated": len(nodeIDs), "relationshipsCreated": len(relIDs), "skippedLinks": skipped},
	}); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(); err != nil {
		return Result{}, &TransactionError{Op: "commit", Err: err}
	}
	committed = true

	// the graph writes are durable from here; a failure below must remove
	// them again or a reclaimed job would create every node a second time
	delta := store.ClusterDelta{
		Entities:        len(nodeIDs),
		Links:           len(relIDs),
		CrossLayerLinks: crossLayer,
	}
	if err := e.store.ApplyClusterDelta(ctx, job.FileID, delta); err != nil {
		return Result{}, e.undoCommitted(ctx, job, nodeIDs, relIDs, store.ClusterDelta{}, err)
	}

	// the audit's after-state is the contract rollback depends on
	auditID, err := e.store.CreatePromotionAudit(ctx, store.PromotionAudit{
		JobID:  job.ID,
		Actor:  actor,
		Action: store.AuditActionPromote,
		Before: map[string]interface{}{
			"stagedEntities": len(entities),
			"stagedLinks":    len(links),
		},
		After: map[string]interface{}{
			"nodeIds":              toAnySlice(nodeIDs),
			"relationshipIds":      toAnySlice(relIDs),
			"commitId":             commitID,
			"fileId":               job.FileID,
			"orgId":                job.OrgID,
			"crossLayerLinksCount": crossLayer,
		},
	})
	if err != nil {
		return Result{}, e.undoCommitted(ctx, job, nodeIDs, relIDs, delta, err)
	}

	return Result{
		NodesCreated:         len(nodeIDs),
		RelationshipsCreated: len(relIDs),
		SkippedLinks:         skipped,
		CommitID:             commitID,
		AuditID:              auditID,
	}, nil
}

// undoCommitted removes graph writes that outlived a failed promotion step
// and reverses any applied cluster delta, keeping promotion_failed safe to
// retry. If the removal itself fails the orphaned writes stay durable and the
// cause comes back wrapped in an InconsistencyError so the job is parked
// instead of reclaimed.
func (e *Engine) undoCommitted(ctx context.Context, job store.ExtractionJob, nodeIDs, relIDs []string, applied store.ClusterDelta, cause error) error {
	tx, err := e.graph.Begin(ctx)
	if err != nil {
		return &InconsistencyError{JobID: job.ID, Err: fmt.Errorf("%v; undo begin: %v", cause, err)}
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil {
				e.logger.Printf("rollback undo tx for job %s: %v", job.ID, rbErr)
			}
		}
	}()
	for _, relID := range relIDs {
		if err := tx.DeleteRelationship(ctx, relID); err != nil {
			return &InconsistencyError{JobID: job.ID, Err: fmt.Errorf("%v; undo relationship %s: %v", cause, relID, err)}
		}
	}
	for _, nodeID := range nodeIDs {
		if err := tx.DeleteNode(ctx, nodeID); err != nil {
			return &InconsistencyError{JobID: job.ID, Err: fmt.Errorf("%v; undo node %s: %v", cause, nodeID, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return &InconsistencyError{JobID: job.ID, Err: fmt.Errorf("%v; undo commit: %v", cause, err)}
	}
	committed = true

	if applied != (store.ClusterDelta{}) {
		if err := e.store.ApplyClusterDelta(ctx, job.FileID, store.ClusterDelta{
			Entities:        -applied.Entities,
			Links:           -applied.Links,
			CrossLayerLinks: -applied.CrossLayerLinks,
		}); err != nil {
			e.logger.Printf("reverse cluster delta for job %s: %v", job.ID, err)
		}
	}
	e.logger.Printf("job %s: removed %d nodes and %d relationships after post-commit failure: %v",
		job.ID, len(nodeIDs), len(relIDs), cause)
	return cause
}

// Rollback reverses a promotion using the audit's after-state. It creates a
// compensating commit chained to the original, deletes every recorded node
// and relationship and applies the negative cluster delta. The original
// commit and audit rows remain untouched.
func (e *Engine) Rollback(ctx context.Context, auditID, orgID, actor, reason string) (RollbackResult, error) {
	audit, err := e.store.GetPromotionAudit(ctx, auditID)
	if err != nil {
		return RollbackResult{}, err
	}
	if audit.Action != store.AuditActionPromote {
		return RollbackResult{}, &ValidationError{Reason: fmt.Sprintf("audit %s is not a promotion audit", auditID)}
	}
	auditOrg, _ := audit.After["orgId"].(string)
	if auditOrg != orgID {
		return RollbackResult{}, &ValidationError{Reason: fmt.Sprintf("audit %s does not belong to org %s", auditID, orgID)}
	}

	nodeIDs := stringSlice(audit.After["nodeIds"])
	relIDs := stringSlice(audit.After["relationshipIds"])
	originalCommit, _ := audit.After["commitId"].(string)
	fileID, _ := audit.After["fileId"].(string)
	crossLayer := intValue(audit.After["crossLayerLinksCount"])

	commitID, err := e.prov.CreateCommit(ctx, provenance.CommitInput{
		OrgID:          orgID,
		Author:         actor,
		AuthorType:     provenance.AuthorTypeUser,
		Message:        fmt.Sprintf("rollback promotion audit %s", auditID),
		ParentCommitID: originalCommit,
		Metadata: map[string]interface{}{
			"action":  "rollback",
			"auditId": auditID,
			"reason":  reason,
		},
	})
	if err != nil {
		return RollbackResult{}, err
	}

	tx, err := e.graph.Begin(ctx)
	if err != nil {
		return RollbackResult{}, &TransactionError{Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil {
				e.logger.Printf("rollback graph tx for audit %s: %v", auditID, rbErr)
			}
		}
	}()

	// relationships first; their endpoints are about to disappear
	for _, relID := range relIDs {
		if err := tx.DeleteRelationship(ctx, relID); err != nil {
			return RollbackResult{}, &TransactionError{Op: "delete relationship", Err: err}
		}
	}
	for _, nodeID := range nodeIDs {
		if err := tx.DeleteNode(ctx, nodeID); err != nil {
			return RollbackResult{}, &TransactionError{Op: "delete node", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return RollbackResult{}, &TransactionError{Op: "commit", Err: err}
	}
	committed = true

	if fileID != "" {
		if err := e.store.ApplyClusterDelta(ctx, fileID, store.ClusterDelta{
			Entities:        -len(nodeIDs),
			Links:           -len(relIDs),
			CrossLayerLinks: -crossLayer,
		}); err != nil {
			return RollbackResult{}, err
		}
	}

	rollbackAuditID, err := e.store.CreatePromotionAudit(ctx, store.PromotionAudit{
		JobID:  audit.JobID,
		Actor:  actor,
		Action: store.AuditActionRollback,
		Before: audit.After,
		After: map[string]interface{}{
			"nodesRemoved":         len(nodeIDs),
			"relationshipsRemoved": len(relIDs),
			"commitId":             commitID,
			"reason":               reason,
		},
	})
	if err != nil {
		return RollbackResult{}, err
	}

	if err := e.store.MarkJobStatus(ctx, audit.JobID, store.JobStatusRolledBack); err != nil {
		return RollbackResult{}, err
	}
	recordRollback(ctx, len(nodeIDs), len(relIDs))

	return RollbackResult{
		NodesRemoved:         len(nodeIDs),
		RelationshipsRemoved: len(relIDs),
		CommitID:             commitID,
		AuditID:              rollbackAuditID,
	}, nil
}

func authorType(autoPromoted bool) string {
	if autoPromoted {
		return provenance.AuthorTypeSystem
	}
	return provenance.AuthorTypeUser
}

func entityKindByHash(entities []store.StagedEntity, hash string) string {
	for _, ent := range entities {
		if ent.Hash == hash {
			return ent.Kind
		}
	}
	return ""
}

func toAnySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
