package orchestrator

import (
	"context"
	"sync"
)

// InMemoryStateStore keeps workflow state in process memory. Suitable for a
// single orchestrator instance; swap in a durable implementation for
// multi-instance deployments.
type InMemoryStateStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewInMemoryStateStore constructs an empty state store.
func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{workflows: make(map[string]*Workflow)}
}

func (s *InMemoryStateStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf
	return nil
}

func (s *InMemoryStateStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf, nil
}

func (s *InMemoryStateStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, id)
	return nil
}
