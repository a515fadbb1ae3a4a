// Package worker consumes extraction and promotion jobs from the queue,
// runs the matching engine and reports completion events back to the bus
// for workflow steps awaiting them.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/showrunnerhq/backlot/internal/bus"
	"github.com/showrunnerhq/backlot/internal/extraction"
	"github.com/showrunnerhq/backlot/internal/promotion"
	"github.com/showrunnerhq/backlot/internal/queue/streams"
)

// ExtractionRunner runs one extraction job to completion.
type ExtractionRunner interface {
	RunExtraction(ctx context.Context, jobID string) (extraction.Result, error)
}

// PromotionRunner promotes one extraction job's staged data.
type PromotionRunner interface {
	Promote(ctx context.Context, jobID, orgID, actor string, opts promotion.Options) (promotion.Result, error)
}

// MessageSource is the consumer surface the processor reads from.
// *streams.Consumer satisfies it.
type MessageSource interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
}

// Processor drains job streams and dispatches to the engines.
type Processor struct {
	logger     *log.Logger
	source     MessageSource
	extraction ExtractionRunner
	promotion  PromotionRunner
	events     bus.Bus

	block      time.Duration
	batchSize  int64
	claimEvery time.Duration
	claimIdle  time.Duration
}

// NewProcessor constructs a worker processor.
func NewProcessor(logger *log.Logger, source MessageSource, ext ExtractionRunner, prom PromotionRunner, events bus.Bus) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		logger:     logger,
		source:     source,
		extraction: ext,
		promotion:  prom,
		events:     events,
		block:      5 * time.Second,
		batchSize:  16,
		claimEvery: time.Minute,
		claimIdle:  5 * time.Minute,
	}
}

// Run consumes both job streams until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	lastClaim := time.Now()
	claimCursors := map[string]string{
		streams.StreamExtractionJobs: "0-0",
		streams.StreamPromotionJobs:  "0-0",
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for _, stream := range []string{streams.StreamExtractionJobs, streams.StreamPromotionJobs} {
			msgs, err := p.source.Read(ctx, stream, streams.WithBlock(p.block), streams.WithCount(p.batchSize))
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Printf("[WORKER] read %s: %v", stream, err)
				continue
			}
			for _, msg := range msgs {
				p.process(ctx, stream, msg)
			}
		}

		if time.Since(lastClaim) >= p.claimEvery {
			for stream, cursor := range claimCursors {
				msgs, next, err := p.source.AutoClaim(ctx, stream, p.claimIdle, cursor, p.batchSize)
				if err != nil {
					p.logger.Printf("[WORKER] autoclaim %s: %v", stream, err)
					continue
				}
				claimCursors[stream] = next
				for _, msg := range msgs {
					p.process(ctx, stream, msg)
				}
			}
			lastClaim = time.Now()
		}
	}
}

// process handles one message and always acknowledges it: job outcomes are
// recorded in the store and surfaced as completion events, so redelivery
// would only re-run work that already reached a terminal state.
func (p *Processor) process(ctx context.Context, stream string, msg streams.Message) {
	var payload streams.JobPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		p.logger.Printf("[WORKER] undecodable payload on %s (%s): %v", stream, msg.ID, err)
		p.ack(ctx, stream, msg.ID)
		return
	}

	var (
		result map[string]interface{}
		runErr error
	)
	switch msg.Envelope.EventType {
	case streams.EventExtractionJob:
		result, runErr = p.runExtraction(ctx, payload)
	case streams.EventPromotionJob:
		result, runErr = p.runPromotion(ctx, payload)
	default:
		p.logger.Printf("[WORKER] unknown event type %q on %s (%s)", msg.Envelope.EventType, stream, msg.ID)
		p.ack(ctx, stream, msg.ID)
		return
	}

	if runErr != nil {
		p.logger.Printf("[WORKER] %s job %s failed: %v", msg.Envelope.EventType, payload.JobID, runErr)
	}
	p.notify(ctx, payload, result, runErr)
	p.ack(ctx, stream, msg.ID)
}

func (p *Processor) runExtraction(ctx context.Context, payload streams.JobPayload) (map[string]interface{}, error) {
	res, err := p.extraction.RunExtraction(ctx, payload.JobID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"job_id":        res.JobID,
		"entities":      res.EntitiesCount,
		"links":         res.LinksCount,
		"confidence":    res.Confidence,
		"auto_promoted": res.AutoPromoted,
	}, nil
}

func (p *Processor) runPromotion(ctx context.Context, payload streams.JobPayload) (map[string]interface{}, error) {
	opts := promotion.Options{}
	if v, ok := payload.Metadata["auto_promoted"].(bool); ok {
		opts.AutoPromoted = v
	}
	if v, ok := payload.Metadata["review_notes"].(string); ok {
		opts.ReviewNotes = v
	}
	res, err := p.promotion.Promote(ctx, payload.JobID, payload.OrgID, payload.Actor, opts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"job_id":        payload.JobID,
		"nodes":         res.NodesCreated,
		"relationships": res.RelationshipsCreated,
		"skipped_links": res.SkippedLinks,
		"commit_id":     res.CommitID,
		"audit_id":      res.AuditID,
	}, nil
}

// notify publishes a completion event when the job belongs to a workflow
// step.
func (p *Processor) notify(ctx context.Context, payload streams.JobPayload, result map[string]interface{}, runErr error) {
	if payload.WorkflowID == "" || p.events == nil {
		return
	}
	ev := bus.CompletionEvent{
		WorkflowID: payload.WorkflowID,
		StepID:     payload.StepID,
		JobID:      payload.JobID,
		Success:    runErr == nil,
		Result:     result,
		OccurredAt: time.Now().UTC(),
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	if err := p.events.Publish(ctx, bus.TopicJobCompleted, ev); err != nil {
		p.logger.Printf("[WORKER] publish completion for %s/%s: %v", payload.WorkflowID, payload.StepID, err)
	}
}

func (p *Processor) ack(ctx context.Context, stream, id string) {
	if err := p.source.Ack(ctx, stream, id); err != nil {
		p.logger.Printf("[WORKER] ack %s (%s): %v", stream, id, err)
	}
}
