package agents

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/showrunnerhq/backlot/internal/graph"
	"github.com/showrunnerhq/backlot/internal/orchestrator"
)

// LinkProposal is a suggested relationship between two promoted nodes.
type LinkProposal struct {
	FromID  string `json:"from_id"`
	ToID    string `json:"to_id"`
	RelType string `json:"rel_type"`
	Reason  string `json:"reason"`
}

// CrossLinkCurator proposes relationships between nodes of different
// content layers. It never writes to the graph; proposals go back into the
// workflow context for review.
type CrossLinkCurator struct {
	logger *log.Logger
	graph  graph.Store
}

// NewCrossLinkCurator constructs the cross-link-curator agent.
func NewCrossLinkCurator(logger *log.Logger, g graph.Store) *CrossLinkCurator {
	if logger == nil {
		logger = log.Default()
	}
	return &CrossLinkCurator{logger: logger, graph: g}
}

func (a *CrossLinkCurator) Name() string { return NameCrossLinkCurator }

func (a *CrossLinkCurator) Execute(ctx context.Context, wf *orchestrator.Workflow, step *orchestrator.WorkflowStep) (orchestrator.StepOutcome, error) {
	nodes, fileID, err := nodesForWorkflowFile(ctx, a.graph, wf, step)
	if err != nil {
		return orchestrator.StepOutcome{}, err
	}

	var departments []graph.Node
	var vendors []graph.Node
	var scenes []graph.Node
	for _, n := range nodes {
		switch n.Kind {
		case "department":
			departments = append(departments, n)
		case "vendor":
			vendors = append(vendors, n)
		case "scene":
			scenes = append(scenes, n)
		}
	}

	var proposals []LinkProposal
	for _, vendor := range vendors {
		dept, _ := vendor.Props["department"].(string)
		if dept == "" {
			continue
		}
		for _, d := range departments {
			name, _ := d.Props["name"].(string)
			if !strings.EqualFold(name, dept) {
				continue
			}
			linked, err := a.alreadyLinked(ctx, vendor.ID, d.ID, "SUPPLIES")
			if err != nil {
				return orchestrator.StepOutcome{}, err
			}
			if !linked {
				proposals = append(proposals, LinkProposal{
					FromID:  vendor.ID,
					ToID:    d.ID,
					RelType: "SUPPLIES",
					Reason:  fmt.Sprintf("vendor lists department %q", dept),
				})
			}
		}
	}
	for _, scene := range scenes {
		heading, _ := scene.Props["heading"].(string)
		for _, vendor := range vendors {
			name, _ := vendor.Props["name"].(string)
			if name == "" || !strings.Contains(strings.ToUpper(heading), strings.ToUpper(name)) {
				continue
			}
			proposals = append(proposals, LinkProposal{
				FromID:  vendor.ID,
				ToID:    scene.ID,
				RelType: "REFERENCES",
				Reason:  fmt.Sprintf("scene heading mentions vendor %q", name),
			})
		}
	}
	sort.Slice(proposals, func(i, j int) bool {
		if proposals[i].FromID != proposals[j].FromID {
			return proposals[i].FromID < proposals[j].FromID
		}
		return proposals[i].ToID < proposals[j].ToID
	})

	a.logger.Printf("[AGENT] %d cross-layer link proposals for file %s", len(proposals), fileID)
	return orchestrator.StepOutcome{Result: map[string]interface{}{
		"proposals":      proposals,
		"proposal_count": len(proposals),
	}}, nil
}

func (a *CrossLinkCurator) alreadyLinked(ctx context.Context, fromID, toID, relType string) (bool, error) {
	rels, err := a.graph.RelationshipsFrom(ctx, fromID)
	if err != nil {
		return false, err
	}
	for _, rel := range rels {
		if rel.ToID == toID && rel.RelType == relType {
			return true, nil
		}
	}
	return false, nil
}

// requiredProps lists the properties every node of a kind must carry.
var requiredProps = map[string][]string{
	"scene":      {"number", "heading"},
	"character":  {"name"},
	"vendor":     {"name"},
	"department": {"name"},
}

// OntologyViolation records one missing required property.
type OntologyViolation struct {
	NodeID   string `json:"node_id"`
	Kind     string `json:"kind"`
	Property string `json:"property"`
}

// OntologyCurator checks promoted nodes against the kind ontology. With
// the strict param set the step fails when violations exist; otherwise they
// are reported in the result.
type OntologyCurator struct {
	logger *log.Logger
	graph  graph.Store
}

// NewOntologyCurator constructs the ontology-curator agent.
func NewOntologyCurator(logger *log.Logger, g graph.Store) *OntologyCurator {
	if logger == nil {
		logger = log.Default()
	}
	return &OntologyCurator{logger: logger, graph: g}
}

func (a *OntologyCurator) Name() string { return NameOntologyCurator }

func (a *OntologyCurator) Execute(ctx context.Context, wf *orchestrator.Workflow, step *orchestrator.WorkflowStep) (orchestrator.StepOutcome, error) {
	nodes, fileID, err := nodesForWorkflowFile(ctx, a.graph, wf, step)
	if err != nil {
		return orchestrator.StepOutcome{}, err
	}

	var violations []OntologyViolation
	for _, n := range nodes {
		required, ok := requiredProps[n.Kind]
		if !ok {
			a.logger.Printf("[AGENT] node %s has unmapped kind %q", n.ID, n.Kind)
			continue
		}
		for _, prop := range required {
			v, present := n.Props[prop]
			if !present || v == "" || v == nil {
				violations = append(violations, OntologyViolation{NodeID: n.ID, Kind: n.Kind, Property: prop})
			}
		}
	}

	strict, _ := step.Params["strict"].(bool)
	if strict && len(violations) > 0 {
		return orchestrator.StepOutcome{}, fmt.Errorf("file %s has %d ontology violations", fileID, len(violations))
	}
	return orchestrator.StepOutcome{Result: map[string]interface{}{
		"violations":      violations,
		"violation_count": len(violations),
		"nodes_checked":   len(nodes),
	}}, nil
}
