package agents

import "github.com/showrunnerhq/backlot/internal/orchestrator"

// FullProcessingDefinition is the standard pipeline for a newly ingested
// file: extract, promote, then run both curators against the promoted
// nodes.
func FullProcessingDefinition() orchestrator.Definition {
	return orchestrator.Definition{
		Name: "full-processing",
		Steps: []orchestrator.StepDefinition{
			{ID: "extract", Agent: NameExtractor},
			{ID: "promote", Agent: NamePromoter, DependsOn: []string{"extract"}},
			{ID: "cross-link", Agent: NameCrossLinkCurator, DependsOn: []string{"promote"}},
			{ID: "validate-ontology", Agent: NameOntologyCurator, DependsOn: []string{"promote"}},
		},
	}
}
