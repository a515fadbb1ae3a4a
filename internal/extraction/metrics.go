package extraction

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	extractionMetricsOnce sync.Once
	extractionsCompleted  otelmetric.Int64Counter
	extractionsFailed     otelmetric.Int64Counter
	entitiesStaged        otelmetric.Int64Counter
	linksStaged           otelmetric.Int64Counter
	autoPromotions        otelmetric.Int64Counter
)

func initExtractionMetrics() {
	meter := otel.Meter("backlot/extraction")
	var err error
	extractionsCompleted, err = meter.Int64Counter(
		"extractions_completed_total",
		otelmetric.WithDescription("Extraction jobs that completed and staged data"),
	)
	if err != nil {
		log.Printf("extraction metrics init: extractions_completed_total: %v", err)
	}
	extractionsFailed, err = meter.Int64Counter(
		"extractions_failed_total",
		otelmetric.WithDescription("Extraction jobs that failed in the parser"),
	)
	if err != nil {
		log.Printf("extraction metrics init: extractions_failed_total: %v", err)
	}
	entitiesStaged, err = meter.Int64Counter(
		"entities_staged_total",
		otelmetric.WithDescription("Entities written to the staging store"),
	)
	if err != nil {
		log.Printf("extraction metrics init: entities_staged_total: %v", err)
	}
	linksStaged, err = meter.Int64Counter(
		"links_staged_total",
		otelmetric.WithDescription("Links written to the staging store"),
	)
	if err != nil {
		log.Printf("extraction metrics init: links_staged_total: %v", err)
	}
	autoPromotions, err = meter.Int64Counter(
		"auto_promotions_enqueued_total",
		otelmetric.WithDescription("Promotion jobs enqueued by the confidence gate"),
	)
	if err != nil {
		log.Printf("extraction metrics init: auto_promotions_enqueued_total: %v", err)
	}
}

func recordExtractionCompleted(ctx context.Context, parser string, entities, links int) {
	extractionMetricsOnce.Do(initExtractionMetrics)
	attrs := otelmetric.WithAttributes(attribute.String("parser", parser))
	if extractionsCompleted != nil {
		extractionsCompleted.Add(ctx, 1, attrs)
	}
	if entitiesStaged != nil {
		entitiesStaged.Add(ctx, int64(entities), attrs)
	}
	if linksStaged != nil {
		linksStaged.Add(ctx, int64(links), attrs)
	}
}

func recordExtractionFailed(ctx context.Context, parser string) {
	extractionMetricsOnce.Do(initExtractionMetrics)
	if extractionsFailed != nil {
		extractionsFailed.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("parser", parser)))
	}
}

func recordAutoPromotion(ctx context.Context, parser string) {
	extractionMetricsOnce.Do(initExtractionMetrics)
	if autoPromotions != nil {
		autoPromotions.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("parser", parser)))
	}
}
