package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	repoOpsOnce    sync.Once
	repoOpsCounter metric.Int64Counter
)

// RecordRepositoryOperation counts a repository call by entity, operation and
// outcome. Uses the globally registered meter provider; a noop provider makes
// this free in tests.
func RecordRepositoryOperation(ctx context.Context, entity, operation, outcome string) {
	repoOpsOnce.Do(func() {
		meter := otel.Meter("gatekeep-backend/repository")
		repoOpsCounter, _ = meter.Int64Counter(
			"repository_operations_total",
			metric.WithDescription("Repository operations by entity, operation and outcome."),
		)
	})
	if repoOpsCounter == nil {
		return
	}
	repoOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}
