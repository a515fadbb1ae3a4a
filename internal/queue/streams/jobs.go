package streams

import "context"

// Streams and event types used by the extraction/promotion pipeline.
const (
	StreamExtractionJobs = "jobs.extraction"
	StreamPromotionJobs  = "jobs.promotion"

	EventExtractionJob = "job.extraction"
	EventPromotionJob  = "job.promotion"

	// WorkerGroup is the consumer group shared by all queue workers.
	WorkerGroup = "backlot-workers"
)

// JobPayload is the dispatch payload for extraction and promotion jobs.
// WorkflowID/StepID are set when the job was enqueued by an orchestrator
// step, so the worker can signal completion back to it.
type JobPayload struct {
	JobID      string                 `json:"job_id"`
	OrgID      string                 `json:"org_id"`
	Actor      string                 `json:"actor,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	StepID     string                 `json:"step_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// JobEnqueuer is the narrow publishing surface engines and agents depend on.
type JobEnqueuer interface {
	AddJob(ctx context.Context, stream, eventType string, payload JobPayload) error
}

// Queue implements JobEnqueuer on top of a stream Publisher.
type Queue struct {
	pub *Publisher
}

// NewQueue wraps a Publisher as a job queue.
func NewQueue(pub *Publisher) *Queue {
	return &Queue{pub: pub}
}

// AddJob publishes a job payload to the named stream.
func (q *Queue) AddJob(ctx context.Context, stream, eventType string, payload JobPayload) error {
	_, err := q.pub.PublishRaw(ctx, stream, eventType, payload)
	return err
}
