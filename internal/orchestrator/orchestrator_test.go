package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/showrunnerhq/backlot/internal/bus"
)

type recordingAgent struct {
	name  string
	runs  []string
	fail  map[string]bool
	async map[string]bool

	// context as seen by the most recent Execute call
	lastContext map[string]interface{}
}

func (a *recordingAgent) Name() string { return a.name }

func (a *recordingAgent) Execute(_ context.Context, wf *Workflow, step *WorkflowStep) (StepOutcome, error) {
	a.runs = append(a.runs, step.ID)
	a.lastContext = make(map[string]interface{}, len(wf.Context))
	for k, v := range wf.Context {
		a.lastContext[k] = v
	}
	if a.fail[step.ID] {
		return StepOutcome{}, fmt.Errorf("agent %s failed on %s", a.name, step.ID)
	}
	if a.async[step.ID] {
		return StepOutcome{Async: true}, nil
	}
	return StepOutcome{Result: map[string]interface{}{"ran": step.ID}}, nil
}

func newOrchestrator(t *testing.T, agent *recordingAgent) *Orchestrator {
	t.Helper()
	o := New(log.New(io.Discard, "", 0), NewInMemoryStateStore(), bus.NewInMemory())
	if err := o.RegisterAgent(agent); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return o
}

func linearDef(agent string) Definition {
	return Definition{
		Name: "linear",
		Steps: []StepDefinition{
			{ID: "a", Agent: agent},
			{ID: "b", Agent: agent, DependsOn: []string{"a"}},
			{ID: "c", Agent: agent, DependsOn: []string{"b"}},
		},
	}
}

func TestLinearWorkflowRunsInOrder(t *testing.T) {
	agent := &recordingAgent{name: "noop"}
	o := newOrchestrator(t, agent)
	if err := o.RegisterDefinition(linearDef("noop")); err != nil {
		t.Fatalf("register definition: %v", err)
	}

	id, err := o.StartWorkflow(context.Background(), "linear", "org-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(agent.runs) != len(want) {
		t.Fatalf("ran %v", agent.runs)
	}
	for i, id := range want {
		if agent.runs[i] != id {
			t.Fatalf("run order = %v", agent.runs)
		}
	}
	// upstream results were merged into the context downstream steps saw
	if agent.lastContext["a.ran"] != "a" {
		t.Fatalf("step result not merged into context: %v", agent.lastContext)
	}
	// completed workflows leave the registry
	if _, err := o.GetWorkflow(context.Background(), id); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("completed workflow still in registry: %v", err)
	}
}

func TestFailedStepSkipsDownstream(t *testing.T) {
	agent := &recordingAgent{name: "noop", fail: map[string]bool{"b": true}}
	o := newOrchestrator(t, agent)
	if err := o.RegisterDefinition(linearDef("noop")); err != nil {
		t.Fatalf("register definition: %v", err)
	}

	id, err := o.StartWorkflow(context.Background(), "linear", "org-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// failed workflows stay queryable so a step can be retried
	wf, err := o.GetWorkflow(context.Background(), id)
	if err != nil {
		t.Fatalf("failed workflow left the registry: %v", err)
	}
	if wf.Status != WorkflowStatusFailed {
		t.Fatalf("workflow status = %s", wf.Status)
	}
	if wf.Error != "steps failed: b" {
		t.Fatalf("workflow error = %q", wf.Error)
	}
	if wf.Steps["c"].Status != StepStatusSkipped {
		t.Fatalf("step c status = %s", wf.Steps["c"].Status)
	}
	if wf.Steps["a"].Status != StepStatusCompleted {
		t.Fatalf("step a status = %s", wf.Steps["a"].Status)
	}
}

func TestAsyncStepSuspendsAndResumes(t *testing.T) {
	agent := &recordingAgent{name: "noop", async: map[string]bool{"b": true}}
	o := newOrchestrator(t, agent)
	if err := o.RegisterDefinition(linearDef("noop")); err != nil {
		t.Fatalf("register definition: %v", err)
	}

	id, err := o.StartWorkflow(context.Background(), "linear", "org-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	wf, _ := o.GetWorkflow(context.Background(), id)
	if wf.Status != WorkflowStatusRunning {
		t.Fatalf("workflow status = %s, want running while b is in flight", wf.Status)
	}
	if wf.Steps["b"].Status != StepStatusRunning {
		t.Fatalf("step b status = %s", wf.Steps["b"].Status)
	}
	if wf.Steps["c"].Status != StepStatusPending {
		t.Fatalf("step c status = %s", wf.Steps["c"].Status)
	}

	err = o.HandleCompletion(context.Background(), bus.CompletionEvent{
		WorkflowID: id,
		StepID:     "b",
		Success:    true,
		Result:     map[string]interface{}{"jobId": "job-9"},
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("handle completion: %v", err)
	}
	// c ran with the async result in its context, then the workflow
	// completed and left the registry
	if agent.runs[len(agent.runs)-1] != "c" {
		t.Fatalf("run order = %v", agent.runs)
	}
	if agent.lastContext["b.jobId"] != "job-9" {
		t.Fatalf("async result not merged: %v", agent.lastContext)
	}
	if _, err := o.GetWorkflow(context.Background(), id); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("completed workflow still in registry: %v", err)
	}
}

func TestFailedCompletionFailsWorkflow(t *testing.T) {
	agent := &recordingAgent{name: "noop", async: map[string]bool{"a": true}}
	o := newOrchestrator(t, agent)
	if err := o.RegisterDefinition(linearDef("noop")); err != nil {
		t.Fatalf("register definition: %v", err)
	}

	id, _ := o.StartWorkflow(context.Background(), "linear", "org-1", nil)
	if err := o.HandleCompletion(context.Background(), bus.CompletionEvent{
		WorkflowID: id, StepID: "a", Success: false, Error: "parser exploded",
	}); err != nil {
		t.Fatalf("handle completion: %v", err)
	}
	wf, _ := o.GetWorkflow(context.Background(), id)
	if wf.Status != WorkflowStatusFailed {
		t.Fatalf("workflow status = %s", wf.Status)
	}
	if wf.Steps["a"].Error != "parser exploded" {
		t.Fatalf("step error = %q", wf.Steps["a"].Error)
	}
}

func TestRetryFailedStepResumesWorkflow(t *testing.T) {
	agent := &recordingAgent{name: "noop", fail: map[string]bool{"b": true}}
	o := newOrchestrator(t, agent)
	if err := o.RegisterDefinition(linearDef("noop")); err != nil {
		t.Fatalf("register definition: %v", err)
	}

	id, _ := o.StartWorkflow(context.Background(), "linear", "org-1", nil)

	agent.fail = nil
	if err := o.RetryWorkflowStep(context.Background(), id, "b"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	// a, b (failed), b again, then c
	want := []string{"a", "b", "b", "c"}
	if len(agent.runs) != len(want) {
		t.Fatalf("ran %v", agent.runs)
	}
	for i, stepID := range want {
		if agent.runs[i] != stepID {
			t.Fatalf("run order = %v", agent.runs)
		}
	}
	if _, err := o.GetWorkflow(context.Background(), id); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("retried workflow should complete and leave the registry: %v", err)
	}
}

func TestRetryRejectsNonFailedStep(t *testing.T) {
	agent := &recordingAgent{name: "noop", fail: map[string]bool{"b": true}}
	o := newOrchestrator(t, agent)
	if err := o.RegisterDefinition(linearDef("noop")); err != nil {
		t.Fatalf("register definition: %v", err)
	}
	id, _ := o.StartWorkflow(context.Background(), "linear", "org-1", nil)
	// a completed before b failed; only failed steps are retryable
	if err := o.RetryWorkflowStep(context.Background(), id, "a"); err == nil {
		t.Fatal("expected error retrying a completed step")
	}
}

func TestDefinitionValidation(t *testing.T) {
	agent := &recordingAgent{name: "noop"}
	o := newOrchestrator(t, agent)

	err := o.RegisterDefinition(Definition{
		Name:  "bad-dep",
		Steps: []StepDefinition{{ID: "a", Agent: "noop", DependsOn: []string{"ghost"}}},
	})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("expected ErrUnknownDependency, got %v", err)
	}

	err = o.RegisterDefinition(Definition{
		Name: "cyclic",
		Steps: []StepDefinition{
			{ID: "a", Agent: "noop", DependsOn: []string{"b"}},
			{ID: "b", Agent: "noop", DependsOn: []string{"a"}},
		},
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}

	err = o.RegisterDefinition(Definition{
		Name:  "no-agent",
		Steps: []StepDefinition{{ID: "a", Agent: "ghost"}},
	})
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestParallelBranchesBothRun(t *testing.T) {
	agent := &recordingAgent{name: "noop"}
	o := newOrchestrator(t, agent)
	err := o.RegisterDefinition(Definition{
		Name: "diamond",
		Steps: []StepDefinition{
			{ID: "root", Agent: "noop"},
			{ID: "left", Agent: "noop", DependsOn: []string{"root"}},
			{ID: "right", Agent: "noop", DependsOn: []string{"root"}},
			{ID: "join", Agent: "noop", DependsOn: []string{"left", "right"}},
		},
	})
	if err != nil {
		t.Fatalf("register definition: %v", err)
	}

	id, _ := o.StartWorkflow(context.Background(), "diamond", "org-1", nil)
	if len(agent.runs) != 4 {
		t.Fatalf("ran %v", agent.runs)
	}
	if agent.runs[0] != "root" || agent.runs[3] != "join" {
		t.Fatalf("run order = %v", agent.runs)
	}
	if _, err := o.GetWorkflow(context.Background(), id); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("completed workflow still in registry: %v", err)
	}
}
