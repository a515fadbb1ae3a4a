package promotion

import (
	"fmt"

	"github.com/showrunnerhq/backlot/internal/store"
)

// layerForKind maps entity kinds to their content layer. Kinds outside the
// map are tolerated; promotion only logs them so new extractors can ship
// ahead of ontology updates.
var layerForKind = map[string]string{
	"scene":      "narrative",
	"character":  "narrative",
	"vendor":     "production",
	"department": "production",
}

// crossLayerRelTypes are the relationship types allowed to span layers.
var crossLayerRelTypes = map[string]bool{
	"SUPPLIES":     true,
	"REFERENCES":   true,
	"SCHEDULED_AS": true,
}

func isCrossLayer(fromKind, toKind string) bool {
	fromLayer, okFrom := layerForKind[fromKind]
	toLayer, okTo := layerForKind[toKind]
	if !okFrom || !okTo {
		return false
	}
	return fromLayer != toLayer
}

// validateStaged runs pre-promotion checks. Structural violations return a
// ValidationError and fail the promotion; softer inconsistencies are logged
// and let through.
func (e *Engine) validateStaged(job store.ExtractionJob, entities []store.StagedEntity, links []store.StagedLink) error {
	if len(entities) == 0 {
		return &ValidationError{Reason: fmt.Sprintf("job %s has no staged entities", job.ID)}
	}

	seenScenes := map[string]bool{}
	for _, ent := range entities {
		if _, known := layerForKind[ent.Kind]; !known {
			e.logger.Printf("job %s: entity kind %q has no layer mapping", job.ID, ent.Kind)
		}
		if ent.Kind != "scene" {
			continue
		}
		num := fmt.Sprintf("%v", ent.Data["number"])
		if seenScenes[num] {
			return &ValidationError{Reason: fmt.Sprintf("duplicate scene number %s in staged data", num)}
		}
		seenScenes[num] = true
	}

	byHash := make(map[string]string, len(entities))
	for _, ent := range entities {
		byHash[ent.Hash] = ent.Kind
	}
	for _, link := range links {
		fromKind, okFrom := byHash[link.FromHash]
		toKind, okTo := byHash[link.ToHash]
		if !okFrom || !okTo {
			// endpoint may live outside this job; resolved or skipped later
			continue
		}
		if isCrossLayer(fromKind, toKind) && !crossLayerRelTypes[link.RelType] {
			e.logger.Printf("job %s: cross-layer link %s between %s and %s is not in the allowed set", job.ID, link.RelType, fromKind, toKind)
		}
	}
	return nil
}
