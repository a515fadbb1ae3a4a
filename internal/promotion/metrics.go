package promotion

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce        sync.Once
	promotionsOK       metric.Int64Counter
	promotionsFailed   metric.Int64Counter
	nodesPromoted      metric.Int64Counter
	relsPromoted       metric.Int64Counter
	rollbacksCompleted metric.Int64Counter
	nodesRolledBack    metric.Int64Counter
	relsRolledBack     metric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("backlot/promotion")
	promotionsOK, _ = meter.Int64Counter("promotions_completed_total")
	promotionsFailed, _ = meter.Int64Counter("promotions_failed_total")
	nodesPromoted, _ = meter.Int64Counter("nodes_promoted_total")
	relsPromoted, _ = meter.Int64Counter("relationships_promoted_total")
	rollbacksCompleted, _ = meter.Int64Counter("rollbacks_completed_total")
	nodesRolledBack, _ = meter.Int64Counter("nodes_rolled_back_total")
	relsRolledBack, _ = meter.Int64Counter("relationships_rolled_back_total")
}

func recordPromotionSucceeded(ctx context.Context, nodes, rels int) {
	metricsOnce.Do(initMetrics)
	promotionsOK.Add(ctx, 1)
	nodesPromoted.Add(ctx, int64(nodes))
	relsPromoted.Add(ctx, int64(rels))
}

func recordPromotionFailed(ctx context.Context) {
	metricsOnce.Do(initMetrics)
	promotionsFailed.Add(ctx, 1)
}

func recordRollback(ctx context.Context, nodes, rels int) {
	metricsOnce.Do(initMetrics)
	rollbacksCompleted.Add(ctx, 1)
	nodesRolledBack.Add(ctx, int64(nodes))
	relsRolledBack.Add(ctx, int64(rels))
}
