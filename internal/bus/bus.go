// Package bus carries workflow completion events over named topics. Workers
// publish when an async job finishes; the orchestrator subscribes to resume
// suspended workflow steps. The explicit topic indirection lets publisher and
// subscriber live in different processes.
package bus

import (
	"context"
	"time"
)

// TopicJobCompleted carries completion events for extraction/promotion jobs.
const TopicJobCompleted = "events.job.completed"

// CompletionEvent signals that an async job finished, successfully or not.
type CompletionEvent struct {
	WorkflowID string                 `json:"workflow_id"`
	StepID     string                 `json:"step_id"`
	JobID      string                 `json:"job_id"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Handler processes one completion event.
type Handler func(ctx context.Context, ev CompletionEvent)

// Bus publishes and subscribes completion events on named topics.
type Bus interface {
	Publish(ctx context.Context, topic string, ev CompletionEvent) error
	// Subscribe registers a handler for a topic and returns a cancel
	// function that stops delivery.
	Subscribe(ctx context.Context, topic string, h Handler) (func(), error)
}
