// Package service is the application surface glueing the store, queue,
// engines and orchestrator together. HTTP handlers and CLI commands call
// into it rather than into the subsystems directly.
package service

import (
	"context"
	"fmt"
	"log"

	"github.com/showrunnerhq/backlot/internal/extraction"
	"github.com/showrunnerhq/backlot/internal/promotion"
	"github.com/showrunnerhq/backlot/internal/queue/streams"
	"github.com/showrunnerhq/backlot/internal/store"
)

// JobStore is the store surface the service needs.
type JobStore interface {
	CreateExtractionJob(ctx context.Context, job store.ExtractionJob) (string, error)
	GetExtractionJob(ctx context.Context, id string) (store.ExtractionJob, error)
	ListPromotionAudits(ctx context.Context, jobID string) ([]store.PromotionAudit, error)
}

// Promoter runs promotions and rollbacks.
type Promoter interface {
	Promote(ctx context.Context, jobID, orgID, actor string, opts promotion.Options) (promotion.Result, error)
	Rollback(ctx context.Context, auditID, orgID, actor, reason string) (promotion.RollbackResult, error)
}

// WorkflowStarter starts registered workflow definitions.
type WorkflowStarter interface {
	StartWorkflow(ctx context.Context, definition, orgID string, wfCtx map[string]interface{}) (string, error)
}

// Service exposes the platform's ingestion operations.
type Service struct {
	logger    *log.Logger
	jobs      JobStore
	policies  extraction.PolicyStore
	queue     streams.JobEnqueuer
	promoter  Promoter
	workflows WorkflowStarter
}

// New constructs the service.
func New(logger *log.Logger, jobs JobStore, policies extraction.PolicyStore, queue streams.JobEnqueuer, promoter Promoter, workflows WorkflowStarter) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{logger: logger, jobs: jobs, policies: policies, queue: queue, promoter: promoter, workflows: workflows}
}

// ExtractionRequest describes one requested extraction.
type ExtractionRequest struct {
	OrgID    string
	FileID   string
	Slot     string
	Actor    string
	Metadata map[string]interface{}
}

// RequestExtraction resolves the org's policy, records a queued job and
// enqueues it. Extractions are refused when the policy disables the slot.
func (s *Service) RequestExtraction(ctx context.Context, req ExtractionRequest) (string, error) {
	if req.OrgID == "" || req.FileID == "" {
		return "", fmt.Errorf("org_id and file_id are required")
	}
	policy, found, err := s.policies.LookupPolicy(ctx, req.OrgID, req.Slot)
	if err != nil {
		return "", fmt.Errorf("looking up policy: %w", err)
	}
	if !found {
		return "", fmt.Errorf("no extraction policy for org %s slot %q", req.OrgID, req.Slot)
	}
	if !policy.Enabled {
		return "", fmt.Errorf("extraction disabled for org %s slot %q", req.OrgID, req.Slot)
	}

	jobID, err := s.jobs.CreateExtractionJob(ctx, store.ExtractionJob{
		OrgID:         req.OrgID,
		FileID:        req.FileID,
		Slot:          req.Slot,
		Parser:        policy.ParserName,
		ParserVersion: policy.ParserVersion,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("creating extraction job: %w", err)
	}
	err = s.queue.AddJob(ctx, streams.StreamExtractionJobs, streams.EventExtractionJob, streams.JobPayload{
		JobID: jobID,
		OrgID: req.OrgID,
		Actor: req.Actor,
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing extraction job: %w", err)
	}
	s.logger.Printf("[SVC] extraction job %s queued for org %s file %s", jobID, req.OrgID, req.FileID)
	return jobID, nil
}

// GetExtractionJob returns job state for status polling.
func (s *Service) GetExtractionJob(ctx context.Context, jobID string) (store.ExtractionJob, error) {
	return s.jobs.GetExtractionJob(ctx, jobID)
}

// PromoteExtraction promotes a completed job's staged data synchronously.
func (s *Service) PromoteExtraction(ctx context.Context, jobID, orgID, actor, reviewNotes string) (promotion.Result, error) {
	return s.promoter.Promote(ctx, jobID, orgID, actor, promotion.Options{ReviewNotes: reviewNotes})
}

// RollbackPromotion reverses a promotion identified by its audit record.
func (s *Service) RollbackPromotion(ctx context.Context, auditID, orgID, actor, reason string) (promotion.RollbackResult, error) {
	if reason == "" {
		return promotion.RollbackResult{}, fmt.Errorf("a rollback reason is required")
	}
	return s.promoter.Rollback(ctx, auditID, orgID, actor, reason)
}

// ListPromotionAudits returns a job's promotion/rollback history.
func (s *Service) ListPromotionAudits(ctx context.Context, jobID string) ([]store.PromotionAudit, error) {
	return s.jobs.ListPromotionAudits(ctx, jobID)
}

// StartClusterWorkflow kicks off a named workflow over a file.
func (s *Service) StartClusterWorkflow(ctx context.Context, definition, orgID, fileID string, params map[string]interface{}) (string, error) {
	if orgID == "" || fileID == "" {
		return "", fmt.Errorf("org_id and file_id are required")
	}
	wfCtx := map[string]interface{}{"file_id": fileID}
	for k, v := range params {
		wfCtx[k] = v
	}
	return s.workflows.StartWorkflow(ctx, definition, orgID, wfCtx)
}
