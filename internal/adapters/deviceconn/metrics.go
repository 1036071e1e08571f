package deviceconn

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type disconnectReason string

const (
	reasonEOF       disconnectReason = "eof"
	reasonClosed    disconnectReason = "closed"
	reasonReadError disconnectReason = "read_error"
)

type deviceConnMetricsCollection struct {
	dialCount       metric.Int64Counter
	disconnectCount metric.Int64Counter
	dialDuration    metric.Float64Histogram
}

func setupDeviceConnMetrics(meter metric.Meter) (*deviceConnMetricsCollection, error) {
	dialCount, err := meter.Int64Counter("deviceconn/dial_count")
	if err != nil {
		return nil, fmt.Errorf("failed to create dial count metric: %w", err)
	}

	disconnectCount, err := meter.Int64Counter("deviceconn/disconnect_count")
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnect count metric: %w", err)
	}

	dialDuration, err := meter.Float64Histogram(
		"deviceconn/dial_duration",
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dial duration metric: %w", err)
	}

	return &deviceConnMetricsCollection{
		dialCount:       dialCount,
		disconnectCount: disconnectCount,
		dialDuration:    dialDuration,
	}, nil
}

func (m *deviceConnMetricsCollection) recordDial(ctx context.Context, result string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.dialCount.Add(ctx, 1, attrs)
	m.dialDuration.Record(ctx, seconds, attrs)
}

func (m *deviceConnMetricsCollection) recordDisconnect(reason disconnectReason) {
	m.disconnectCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", string(reason))))
}
