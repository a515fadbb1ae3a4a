package orchestrator

import (
	"fmt"
)

// ErrUnknownDependency indicates a step depends on an id missing from the
// definition.
var ErrUnknownDependency = fmt.Errorf("unknown dependency")

// ErrCycleDetected indicates the step graph contains a cycle.
var ErrCycleDetected = fmt.Errorf("cycle detected")

// ErrUnknownAgent indicates a step names an agent that is not registered.
var ErrUnknownAgent = fmt.Errorf("unknown agent")

// StepDefinition declares one step of a workflow definition.
type StepDefinition struct {
	ID        string
	Agent     string
	DependsOn []string
	Params    map[string]interface{}
}

// Definition is a reusable workflow template.
type Definition struct {
	Name  string
	Steps []StepDefinition
}

// validate checks agents, dependency references and acyclicity.
func (d Definition) validate(agents map[string]Agent) error {
	if d.Name == "" {
		return fmt.Errorf("definition name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition has no steps")
	}

	byID := make(map[string]StepDefinition, len(d.Steps))
	for _, step := range d.Steps {
		if _, dup := byID[step.ID]; dup {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		if _, ok := agents[step.Agent]; !ok {
			return fmt.Errorf("%w: step %s names %q", ErrUnknownAgent, step.ID, step.Agent)
		}
		byID[step.ID] = step
	}

	indegree := make(map[string]int, len(d.Steps))
	adjacency := make(map[string][]string, len(d.Steps))
	for _, step := range d.Steps {
		if _, ok := indegree[step.ID]; !ok {
			indegree[step.ID] = 0
		}
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, step.ID, dep)
			}
			adjacency[dep] = append(adjacency[dep], step.ID)
			indegree[step.ID]++
		}
	}

	queue := make([]string, 0, len(d.Steps))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[current] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(d.Steps) {
		return ErrCycleDetected
	}
	return nil
}
