// Package orchestrator runs multi-step workflows over registered agents.
// Steps form a DAG; independent steps run as soon as their dependencies
// complete, and steps whose work happens on a queue suspend until a
// completion event arrives on the bus.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/showrunnerhq/backlot/internal/bus"
)

// Workflow statuses.
const (
	WorkflowStatusPending   = "pending"
	WorkflowStatusRunning   = "running"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusFailed    = "failed"
)

// Step statuses.
const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
)

// Workflow is one in-flight execution of a Definition.
type Workflow struct {
	ID         string
	OrgID      string
	Definition string
	Status     string
	Steps      map[string]*WorkflowStep
	Context    map[string]interface{}
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WorkflowStep is one node of a workflow's DAG.
type WorkflowStep struct {
	ID        string
	Agent     string
	DependsOn []string
	Params    map[string]interface{}
	Status    string
	Result    map[string]interface{}
	Error     string
	Attempts  int
}

// StepOutcome is what an agent returns from Execute. Async outcomes leave
// the step running until a completion event resumes it.
type StepOutcome struct {
	Async  bool
	Result map[string]interface{}
}

// Agent executes one workflow step.
type Agent interface {
	Name() string
	Execute(ctx context.Context, wf *Workflow, step *WorkflowStep) (StepOutcome, error)
}

// StateStore persists workflow state between scheduling rounds.
type StateStore interface {
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// ErrWorkflowNotFound indicates an unknown workflow id.
var ErrWorkflowNotFound = fmt.Errorf("workflow not found")

// Orchestrator schedules workflow steps and reacts to completion events.
type Orchestrator struct {
	logger *log.Logger
	state  StateStore
	bus    bus.Bus

	mu     sync.Mutex
	agents map[string]Agent
	defs   map[string]Definition
}

// New constructs an orchestrator. Call Start to begin consuming completion
// events from the bus.
func New(logger *log.Logger, state StateStore, b bus.Bus) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		logger: logger,
		state:  state,
		bus:    b,
		agents: make(map[string]Agent),
		defs:   make(map[string]Definition),
	}
}

// RegisterAgent makes an agent available to workflow definitions.
func (o *Orchestrator) RegisterAgent(agent Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.agents[agent.Name()]; exists {
		return fmt.Errorf("agent %q already registered", agent.Name())
	}
	o.agents[agent.Name()] = agent
	return nil
}

// RegisterDefinition validates and stores a workflow definition.
func (o *Orchestrator) RegisterDefinition(def Definition) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := def.validate(o.agents); err != nil {
		return fmt.Errorf("definition %q: %w", def.Name, err)
	}
	o.defs[def.Name] = def
	return nil
}

// Start subscribes to job completion events. The returned function stops
// the subscription.
func (o *Orchestrator) Start(ctx context.Context) (func(), error) {
	return o.bus.Subscribe(ctx, bus.TopicJobCompleted, func(ctx context.Context, ev bus.CompletionEvent) {
		if err := o.HandleCompletion(ctx, ev); err != nil {
			o.logger.Printf("[ORCH] handle completion for %s/%s: %v", ev.WorkflowID, ev.StepID, err)
		}
	})
}

// StartWorkflow instantiates a registered definition and schedules its
// ready steps. It returns the new workflow's id.
func (o *Orchestrator) StartWorkflow(ctx context.Context, definition, orgID string, wfCtx map[string]interface{}) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	def, ok := o.defs[definition]
	if !ok {
		return "", fmt.Errorf("unknown workflow definition %q", definition)
	}
	if wfCtx == nil {
		wfCtx = map[string]interface{}{}
	}

	now := time.Now().UTC()
	wf := &Workflow{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		Definition: def.Name,
		Status:     WorkflowStatusRunning,
		Steps:      make(map[string]*WorkflowStep, len(def.Steps)),
		Context:    wfCtx,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, sd := range def.Steps {
		wf.Steps[sd.ID] = &WorkflowStep{
			ID:        sd.ID,
			Agent:     sd.Agent,
			DependsOn: append([]string(nil), sd.DependsOn...),
			Params:    sd.Params,
			Status:    StepStatusPending,
		}
	}
	if err := o.state.SaveWorkflow(ctx, wf); err != nil {
		return "", err
	}
	o.logger.Printf("[ORCH] workflow %s (%s) started for org %s", wf.ID, wf.Definition, orgID)
	if err := o.schedule(ctx, wf); err != nil {
		return wf.ID, err
	}
	return wf.ID, nil
}

// GetWorkflow returns the current state of an active or failed workflow.
// Completed workflows are removed from the registry when they finish.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.GetWorkflow(ctx, id)
}

// HandleCompletion resumes the step an async agent left running.
func (o *Orchestrator) HandleCompletion(ctx context.Context, ev bus.CompletionEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	wf, err := o.state.GetWorkflow(ctx, ev.WorkflowID)
	if err != nil {
		// workflow may already be finalized; completion is stale
		o.logger.Printf("[ORCH] completion for unknown workflow %s (step %s)", ev.WorkflowID, ev.StepID)
		return nil
	}
	step, ok := wf.Steps[ev.StepID]
	if !ok {
		return fmt.Errorf("workflow %s has no step %s", ev.WorkflowID, ev.StepID)
	}
	if step.Status != StepStatusRunning {
		o.logger.Printf("[ORCH] stale completion for step %s/%s in status %s", ev.WorkflowID, ev.StepID, step.Status)
		return nil
	}

	if ev.Success {
		step.Status = StepStatusCompleted
		step.Result = ev.Result
		mergeResult(wf, step)
	} else {
		step.Status = StepStatusFailed
		step.Error = ev.Error
	}
	wf.UpdatedAt = time.Now().UTC()
	if err := o.state.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	return o.schedule(ctx, wf)
}

// RetryWorkflowStep resets a failed step to pending and resumes scheduling.
func (o *Orchestrator) RetryWorkflowStep(ctx context.Context, workflowID, stepID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	wf, err := o.state.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	step, ok := wf.Steps[stepID]
	if !ok {
		return fmt.Errorf("workflow %s has no step %s", workflowID, stepID)
	}
	if step.Status != StepStatusFailed {
		return fmt.Errorf("step %s is %s, only failed steps can be retried", stepID, step.Status)
	}
	step.Status = StepStatusPending
	step.Error = ""
	for _, other := range wf.Steps {
		if other.Status == StepStatusSkipped {
			other.Status = StepStatusPending
		}
	}
	wf.Status = WorkflowStatusRunning
	wf.Error = ""
	wf.UpdatedAt = time.Now().UTC()
	if err := o.state.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	return o.schedule(ctx, wf)
}

// schedule runs every ready step until none remain, then finalizes the
// workflow if it can no longer make progress. Caller holds o.mu.
func (o *Orchestrator) schedule(ctx context.Context, wf *Workflow) error {
	for {
		ready := o.readySteps(wf)
		if len(ready) == 0 {
			break
		}
		for _, step := range ready {
			o.runStep(ctx, wf, step)
		}
	}
	o.finalize(wf)
	if wf.Status == WorkflowStatusCompleted {
		// failed workflows stay queryable for RetryWorkflowStep; completed
		// ones leave the registry so it does not grow without bound
		return o.state.DeleteWorkflow(ctx, wf.ID)
	}
	return o.state.SaveWorkflow(ctx, wf)
}

// readySteps returns pending steps whose dependencies have all completed,
// in a stable order.
func (o *Orchestrator) readySteps(wf *Workflow) []*WorkflowStep {
	var ready []*WorkflowStep
	for _, step := range wf.Steps {
		if step.Status != StepStatusPending {
			continue
		}
		ok := true
		for _, dep := range step.DependsOn {
			if wf.Steps[dep].Status != StepStatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

func (o *Orchestrator) runStep(ctx context.Context, wf *Workflow, step *WorkflowStep) {
	agent := o.agents[step.Agent]
	step.Status = StepStatusRunning
	step.Attempts++
	outcome, err := agent.Execute(ctx, wf, step)
	if err != nil {
		o.logger.Printf("[ORCH] step %s/%s failed: %v", wf.ID, step.ID, err)
		step.Status = StepStatusFailed
		step.Error = err.Error()
		return
	}
	if outcome.Async {
		// the step resumes when its completion event arrives
		return
	}
	step.Status = StepStatusCompleted
	step.Result = outcome.Result
	mergeResult(wf, step)
}

// finalize settles the workflow status once no step can run.
func (o *Orchestrator) finalize(wf *Workflow) {
	var failed []string
	running := 0
	pending := 0
	for _, step := range wf.Steps {
		switch step.Status {
		case StepStatusFailed:
			failed = append(failed, step.ID)
		case StepStatusRunning:
			running++
		case StepStatusPending:
			pending++
		}
	}
	wf.UpdatedAt = time.Now().UTC()

	if len(failed) == 0 && running == 0 && pending == 0 {
		wf.Status = WorkflowStatusCompleted
		o.logger.Printf("[ORCH] workflow %s completed", wf.ID)
		return
	}
	if len(failed) > 0 && running == 0 {
		// downstream steps can never become ready
		for _, step := range wf.Steps {
			if step.Status == StepStatusPending {
				step.Status = StepStatusSkipped
			}
		}
		sort.Strings(failed)
		wf.Status = WorkflowStatusFailed
		wf.Error = fmt.Sprintf("steps failed: %s", strings.Join(failed, ", "))
		o.logger.Printf("[ORCH] workflow %s failed: %s", wf.ID, wf.Error)
		return
	}
	wf.Status = WorkflowStatusRunning
}

// mergeResult folds a completed step's result into the workflow context so
// downstream steps can see it.
func mergeResult(wf *Workflow, step *WorkflowStep) {
	for k, v := range step.Result {
		wf.Context[step.ID+"."+k] = v
	}
}
