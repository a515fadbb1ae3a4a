// Package extraction turns file content into content-addressed staged data.
// Parsers are pure functions registered by (parser name, mime type); running
// a job twice with identical output is a no-op thanks to hash-keyed upserts.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/showrunnerhq/backlot/internal/content"
	"github.com/showrunnerhq/backlot/internal/queue/streams"
	"github.com/showrunnerhq/backlot/internal/store"
)

// ParserError wraps a parser failure. The job is marked failed and the error
// rethrown so the queue can retry or alert.
type ParserError struct {
	Parser string
	Err    error
}

func (e *ParserError) Error() string {
	return fmt.Sprintf("parser %s: %v", e.Parser, e.Err)
}

func (e *ParserError) Unwrap() error { return e.Err }

// FileContent is what the external content store returns for a file.
type FileContent struct {
	Text     string
	Metadata map[string]interface{}
	Path     string
}

// ContentStore fetches file content; implemented by the platform's file
// service, external to this module.
type ContentStore interface {
	GetFileContent(ctx context.Context, fileID string) (FileContent, error)
}

// Policy is the per-(org, slot) extraction/promotion policy from the parser
// registry.
type Policy struct {
	ParserName    string
	ParserVersion string
	MinConfidence float64
	FeatureFlag   bool
	Enabled       bool
}

// PolicyStore resolves policies; implemented externally.
type PolicyStore interface {
	LookupPolicy(ctx context.Context, orgID, slot string) (Policy, bool, error)
}

// StagingStore captures the store methods the engine requires.
type StagingStore interface {
	GetExtractionJob(ctx context.Context, id string) (store.ExtractionJob, error)
	MarkJobStatus(ctx context.Context, id, status string) error
	MarkJobCompleted(ctx context.Context, id string, entities, links int, confidence float64) error
	MarkJobError(ctx context.Context, id, status, errMsg string) error
	UpsertStagedEntity(ctx context.Context, ent store.StagedEntity) error
	UpsertStagedLink(ctx context.Context, link store.StagedLink) error
}

// Engine runs parsers over file content and writes staged data.
type Engine struct {
	logger   *log.Logger
	staging  StagingStore
	files    ContentStore
	parsers  *Registry
	policies PolicyStore
	queue    streams.JobEnqueuer
}

// NewEngine constructs an extraction engine.
func NewEngine(logger *log.Logger, staging StagingStore, files ContentStore, parsers *Registry, policies PolicyStore, queue streams.JobEnqueuer) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{logger: logger, staging: staging, files: files, parsers: parsers, policies: policies, queue: queue}
}

// Result summarises one extraction run.
type Result struct {
	JobID         string
	EntitiesCount int
	LinksCount    int
	Confidence    float64
	AutoPromoted  bool
	Metadata      map[string]interface{}
}

// RunExtraction executes the parser for a job, stages entities/links keyed by
// (jobID, hash), records job aggregates and, when the org's policy allows,
// fires a promotion job enqueue without waiting on it.
func (e *Engine) RunExtraction(ctx context.Context, jobID string) (Result, error) {
	job, err := e.staging.GetExtractionJob(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if err := e.staging.MarkJobStatus(ctx, jobID, store.JobStatusRunning); err != nil {
		return Result{}, err
	}

	fc, err := e.files.GetFileContent(ctx, job.FileID)
	if err != nil {
		markErr := fmt.Errorf("get file content: %w", err)
		_ = e.staging.MarkJobError(ctx, jobID, store.JobStatusFailed, markErr.Error())
		return Result{}, markErr
	}
	mimeType, _ := fc.Metadata["mime_type"].(string)

	parse, ok := e.parsers.Lookup(job.Parser, mimeType)
	if !ok {
		perr := &ParserError{Parser: job.Parser, Err: fmt.Errorf("no parser registered for mime type %q", mimeType)}
		_ = e.staging.MarkJobError(ctx, jobID, store.JobStatusFailed, perr.Error())
		return Result{}, perr
	}

	parsed, err := parse(fc.Text, fc.Metadata)
	if err != nil {
		perr := &ParserError{Parser: job.Parser, Err: err}
		_ = e.staging.MarkJobError(ctx, jobID, store.JobStatusFailed, perr.Error())
		recordExtractionFailed(ctx, job.Parser)
		return Result{}, perr
	}

	hashes := make([]string, len(parsed.Entities))
	entityConfs := make([]float64, 0, len(parsed.Entities))
	for i, ent := range parsed.Entities {
		hash, err := content.EntityHash(ent.Kind, ent.Data)
		if err != nil {
			return Result{}, e.failJob(ctx, jobID, fmt.Errorf("hash entity %d: %w", i, err))
		}
		hashes[i] = hash
		if err := e.staging.UpsertStagedEntity(ctx, store.StagedEntity{
			JobID:        jobID,
			Kind:         ent.Kind,
			Data:         ent.Data,
			Hash:         hash,
			Confidence:   ent.Confidence,
			SourceOffset: ent.SourceOffset,
		}); err != nil {
			return Result{}, e.failJob(ctx, jobID, fmt.Errorf("stage entity %d: %w", i, err))
		}
		entityConfs = append(entityConfs, ent.Confidence)
	}

	linkConfs := make([]float64, 0, len(parsed.Links))
	for i, link := range parsed.Links {
		if link.From < 0 || link.From >= len(hashes) || link.To < 0 || link.To >= len(hashes) {
			return Result{}, e.failJob(ctx, jobID, fmt.Errorf("link %d references entity out of range", i))
		}
		if err := e.staging.UpsertStagedLink(ctx, store.StagedLink{
			JobID:      jobID,
			FromHash:   hashes[link.From],
			ToHash:     hashes[link.To],
			RelType:    link.RelType,
			Data:       link.Data,
			Confidence: link.Confidence,
		}); err != nil {
			return Result{}, e.failJob(ctx, jobID, fmt.Errorf("stage link %d: %w", i, err))
		}
		linkConfs = append(linkConfs, link.Confidence)
	}

	confidence := JobConfidence(entityConfs, linkConfs)
	if err := e.staging.MarkJobCompleted(ctx, jobID, len(parsed.Entities), len(parsed.Links), confidence); err != nil {
		return Result{}, err
	}
	recordExtractionCompleted(ctx, job.Parser, len(parsed.Entities), len(parsed.Links))

	res := Result{
		JobID:         jobID,
		EntitiesCount: len(parsed.Entities),
		LinksCount:    len(parsed.Links),
		Confidence:    confidence,
		Metadata:      parsed.Metadata,
	}
	res.AutoPromoted = e.maybeAutoPromote(ctx, job, confidence)
	return res, nil
}

// failJob marks a job failed, keeping the causing error as the one returned.
func (e *Engine) failJob(ctx context.Context, jobID string, cause error) error {
	if err := e.staging.MarkJobError(ctx, jobID, store.JobStatusFailed, cause.Error()); err != nil {
		e.logger.Printf("mark job %s failed: %v", jobID, err)
	}
	return cause
}

// maybeAutoPromote consults the per-(org, slot) policy and enqueues a
// promotion job when the confidence gate passes. Enqueue failures are logged,
// never propagated: extraction already succeeded.
func (e *Engine) maybeAutoPromote(ctx context.Context, job store.ExtractionJob, confidence float64) bool {
	if e.policies == nil || e.queue == nil {
		return false
	}
	policy, ok, err := e.policies.LookupPolicy(ctx, job.OrgID, job.Slot)
	if err != nil {
		e.logger.Printf("policy lookup for org %s slot %s: %v", job.OrgID, job.Slot, err)
		return false
	}
	if !ok || !ShouldAutoPromote(confidence, policy) {
		return false
	}
	err = e.queue.AddJob(ctx, streams.StreamPromotionJobs, streams.EventPromotionJob, streams.JobPayload{
		JobID: job.ID,
		OrgID: job.OrgID,
		Actor: "system:auto-promotion",
		Metadata: map[string]interface{}{
			"auto_promoted": true,
			"confidence":    confidence,
		},
	})
	if err != nil {
		e.logger.Printf("enqueue auto-promotion for job %s: %v", job.ID, err)
		return false
	}
	recordAutoPromotion(ctx, job.Parser)
	return true
}

// JobConfidence combines per-item confidences into one job score: the average
// of entity confidences and link confidences, averaged together when both
// exist, else whichever side is non-empty, else 0.
func JobConfidence(entityConfs, linkConfs []float64) float64 {
	avgEntities, okEntities := average(entityConfs)
	avgLinks, okLinks := average(linkConfs)
	switch {
	case okEntities && okLinks:
		return (avgEntities + avgLinks) / 2
	case okEntities:
		return avgEntities
	case okLinks:
		return avgLinks
	default:
		return 0
	}
}

// ShouldAutoPromote evaluates the confidence gate of a policy. A policy
// disabled after job creation blocks auto-promotion even though the
// extraction itself already ran.
func ShouldAutoPromote(confidence float64, p Policy) bool {
	if !p.Enabled || !p.FeatureFlag {
		return false
	}
	return confidence >= p.MinConfidence
}

func average(vals []float64) (float64, bool) {
	if len(vals) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals)), true
}

// IsParserError reports whether err is (or wraps) a ParserError.
func IsParserError(err error) bool {
	var pe *ParserError
	return errors.As(err, &pe)
}
