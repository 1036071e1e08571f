package throttle

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type result string

const (
	resultImmediate result = "immediate"
	resultDeferred  result = "deferred"
	resultCoalesced result = "coalesced"
)

type trigger string

const (
	triggerImmediate trigger = "immediate"
	triggerTimer     trigger = "timer"
	triggerForced    trigger = "forced"
)

type throttleMetricsCollection struct {
	scheduleCount metric.Int64Counter
	sendCount     metric.Int64Counter
}

var metrics throttleMetricsCollection

func init() {
	const name = "conduit/throttle"
	meter := otel.Meter(name)

	scheduleCount, err := meter.Int64Counter(
		"throttle/schedule_count",
		metric.WithDescription("Calls to ScheduleSend, by how they were handled"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create schedule count metric: %w", err))
	}

	sendCount, err := meter.Int64Counter(
		"throttle/send_count",
		metric.WithDescription("Invocations of the underlying send, by trigger"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create send count metric: %w", err))
	}

	metrics = throttleMetricsCollection{
		scheduleCount: scheduleCount,
		sendCount:     sendCount,
	}
}

// The dispatcher has no request context; counters are recorded against the background context
func recordSchedule(r result) {
	metrics.scheduleCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", string(r))))
}

func recordSend(t trigger) {
	metrics.sendCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("trigger", string(t))))
}
