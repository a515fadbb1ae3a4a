// Package agents holds the workflow step implementations the orchestrator
// dispatches to. Extraction and promotion hand their work to the job queue
// and suspend; the curator agents inspect the graph synchronously.
package agents

import (
	"context"
	"fmt"
	"log"

	"github.com/showrunnerhq/backlot/internal/graph"
	"github.com/showrunnerhq/backlot/internal/orchestrator"
	"github.com/showrunnerhq/backlot/internal/queue/streams"
	"github.com/showrunnerhq/backlot/internal/store"
)

// Agent names referenced by workflow definitions.
const (
	NameExtractor        = "content-extractor"
	NamePromoter         = "content-promoter"
	NameCrossLinkCurator = "cross-link-curator"
	NameOntologyCurator  = "ontology-curator"
)

// JobCreator is the store surface the extractor needs.
type JobCreator interface {
	CreateExtractionJob(ctx context.Context, job store.ExtractionJob) (string, error)
}

// Extractor creates an extraction job and enqueues it. The step suspends
// until the worker reports completion.
type Extractor struct {
	logger *log.Logger
	jobs   JobCreator
	queue  streams.JobEnqueuer
}

// NewExtractor constructs the content-extractor agent.
func NewExtractor(logger *log.Logger, jobs JobCreator, queue streams.JobEnqueuer) *Extractor {
	if logger == nil {
		logger = log.Default()
	}
	return &Extractor{logger: logger, jobs: jobs, queue: queue}
}

func (a *Extractor) Name() string { return NameExtractor }

func (a *Extractor) Execute(ctx context.Context, wf *orchestrator.Workflow, step *orchestrator.WorkflowStep) (orchestrator.StepOutcome, error) {
	fileID := paramOrContext(wf, step, "file_id")
	if fileID == "" {
		return orchestrator.StepOutcome{}, fmt.Errorf("file_id missing from step params and workflow context")
	}
	slot := paramOrContext(wf, step, "slot")
	parser := paramOrContext(wf, step, "parser")

	jobID, err := a.jobs.CreateExtractionJob(ctx, store.ExtractionJob{
		OrgID:    wf.OrgID,
		FileID:   fileID,
		Slot:     slot,
		Parser:   parser,
		Metadata: map[string]interface{}{"workflow_id": wf.ID},
	})
	if err != nil {
		return orchestrator.StepOutcome{}, fmt.Errorf("creating extraction job: %w", err)
	}
	err = a.queue.AddJob(ctx, streams.StreamExtractionJobs, streams.EventExtractionJob, streams.JobPayload{
		JobID:      jobID,
		OrgID:      wf.OrgID,
		WorkflowID: wf.ID,
		StepID:     step.ID,
	})
	if err != nil {
		return orchestrator.StepOutcome{}, fmt.Errorf("enqueueing extraction job: %w", err)
	}
	a.logger.Printf("[AGENT] extraction job %s enqueued for workflow %s", jobID, wf.ID)
	return orchestrator.StepOutcome{Async: true}, nil
}

// Promoter enqueues promotion of an extraction job produced by an earlier
// step. The step suspends until the worker reports completion.
type Promoter struct {
	logger *log.Logger
	queue  streams.JobEnqueuer
}

// NewPromoter constructs the content-promoter agent.
func NewPromoter(logger *log.Logger, queue streams.JobEnqueuer) *Promoter {
	if logger == nil {
		logger = log.Default()
	}
	return &Promoter{logger: logger, queue: queue}
}

func (a *Promoter) Name() string { return NamePromoter }

func (a *Promoter) Execute(ctx context.Context, wf *orchestrator.Workflow, step *orchestrator.WorkflowStep) (orchestrator.StepOutcome, error) {
	jobFrom := "extract"
	if v, ok := step.Params["job_from"].(string); ok && v != "" {
		jobFrom = v
	}
	jobID, _ := wf.Context[jobFrom+".job_id"].(string)
	if jobID == "" {
		return orchestrator.StepOutcome{}, fmt.Errorf("no job_id from step %q in workflow context", jobFrom)
	}
	actor := paramOrContext(wf, step, "actor")
	err := a.queue.AddJob(ctx, streams.StreamPromotionJobs, streams.EventPromotionJob, streams.JobPayload{
		JobID:      jobID,
		OrgID:      wf.OrgID,
		Actor:      actor,
		WorkflowID: wf.ID,
		StepID:     step.ID,
	})
	if err != nil {
		return orchestrator.StepOutcome{}, fmt.Errorf("enqueueing promotion job: %w", err)
	}
	a.logger.Printf("[AGENT] promotion of job %s enqueued for workflow %s", jobID, wf.ID)
	return orchestrator.StepOutcome{Async: true}, nil
}

// paramOrContext reads a string value from step params, falling back to the
// workflow context under the same key.
func paramOrContext(wf *orchestrator.Workflow, step *orchestrator.WorkflowStep, key string) string {
	if v, ok := step.Params[key].(string); ok && v != "" {
		return v
	}
	if v, ok := wf.Context[key].(string); ok {
		return v
	}
	return ""
}

// nodesForWorkflowFile loads the promoted nodes for the workflow's file.
func nodesForWorkflowFile(ctx context.Context, g graph.Store, wf *orchestrator.Workflow, step *orchestrator.WorkflowStep) ([]graph.Node, string, error) {
	fileID := paramOrContext(wf, step, "file_id")
	if fileID == "" {
		return nil, "", fmt.Errorf("file_id missing from step params and workflow context")
	}
	nodes, err := g.NodesByFile(ctx, wf.OrgID, fileID)
	if err != nil {
		return nil, "", fmt.Errorf("loading nodes for file %s: %w", fileID, err)
	}
	return nodes, fileID, nil
}
