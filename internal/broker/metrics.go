package broker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type outcome string

const (
	outcomeHit    outcome = "hit"
	outcomeJoined outcome = "joined"
	outcomeMiss   outcome = "miss"
)

type brokerMetricsCollection struct {
	acquireCount            metric.Int64Counter
	acquisitionFailureCount metric.Int64Counter
	invalidationCount       metric.Int64Counter
}

var metrics brokerMetricsCollection

func init() {
	const name = "conduit/broker"
	meter := otel.Meter(name)

	acquireCount, err := meter.Int64Counter(
		"broker/acquire_count",
		metric.WithDescription("Calls to Acquire, by cache outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create acquire count metric: %w", err))
	}

	acquisitionFailureCount, err := meter.Int64Counter(
		"broker/acquisition_failure_count",
		metric.WithDescription("Underlying acquisitions that failed"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create acquisition failure count metric: %w", err))
	}

	invalidationCount, err := meter.Int64Counter(
		"broker/invalidation_count",
		metric.WithDescription("Cached handles dropped after reporting a disconnection"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create invalidation count metric: %w", err))
	}

	metrics = brokerMetricsCollection{
		acquireCount:            acquireCount,
		acquisitionFailureCount: acquisitionFailureCount,
		invalidationCount:       invalidationCount,
	}
}

func recordAcquire(ctx context.Context, o outcome) {
	metrics.acquireCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(o))))
}

func recordAcquisitionFailure(ctx context.Context) {
	metrics.acquisitionFailureCount.Add(ctx, 1)
}

func recordInvalidation(ctx context.Context) {
	metrics.invalidationCount.Add(ctx, 1)
}
