package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Amund211/conduit/internal/domain"
	"github.com/Amund211/conduit/internal/logging"
	"github.com/Amund211/conduit/internal/reporting"
	"github.com/Amund211/conduit/internal/throttle"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const persistTimeout = 10 * time.Second

type eventRepository interface {
	StoreEvents(ctx context.Context, events []domain.Event) error
}

type eventRelayMetricsCollection struct {
	recordedCount      metric.Int64Counter
	droppedCount       metric.Int64Counter
	persistedCount     metric.Int64Counter
	persistFailedCount metric.Int64Counter
}

func setupEventRelayMetrics(meter metric.Meter) (eventRelayMetricsCollection, error) {
	recordedCount, err := meter.Int64Counter("relay/recorded_event_count")
	if err != nil {
		return eventRelayMetricsCollection{}, fmt.Errorf("failed to create recorded count metric: %w", err)
	}

	droppedCount, err := meter.Int64Counter("relay/dropped_event_count")
	if err != nil {
		return eventRelayMetricsCollection{}, fmt.Errorf("failed to create dropped count metric: %w", err)
	}

	persistedCount, err := meter.Int64Counter("relay/persisted_event_count")
	if err != nil {
		return eventRelayMetricsCollection{}, fmt.Errorf("failed to create persisted count metric: %w", err)
	}

	persistFailedCount, err := meter.Int64Counter("relay/persist_failure_count")
	if err != nil {
		return eventRelayMetricsCollection{}, fmt.Errorf("failed to create persist failure count metric: %w", err)
	}

	return eventRelayMetricsCollection{
		recordedCount:      recordedCount,
		droppedCount:       droppedCount,
		persistedCount:     persistedCount,
		persistFailedCount: persistFailedCount,
	}, nil
}

// EventRelay buffers events in memory and persists them in batches, at most once per flush
// interval.
//
// The buffer is bounded: when it is full the oldest events are dropped. Batches that fail to persist
// are put back at the front of the buffer and retried on the next send.
type EventRelay struct {
	repo        eventRepository
	maxBuffered int
	dispatcher  *throttle.Dispatcher

	// Background persists outlive the request that triggered them
	baseCtx context.Context

	lock   sync.Mutex
	buffer []domain.Event

	inFlight sync.WaitGroup

	// Held across the stopped check and ScheduleSend so Stop cannot interleave
	scheduleLock sync.Mutex
	stopped      bool

	metrics eventRelayMetricsCollection
}

func NewEventRelay(
	baseCtx context.Context,
	repo eventRepository,
	flushInterval time.Duration,
	maxBuffered int,
	nowFunc func() time.Time,
	afterFunc throttle.AfterFunc,
) (*EventRelay, error) {
	if maxBuffered <= 0 {
		return nil, fmt.Errorf("maxBuffered must be positive, got %d", maxBuffered)
	}

	metrics, err := setupEventRelayMetrics(otel.Meter("conduit/app/event_relay"))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	relay := &EventRelay{
		repo:        repo,
		maxBuffered: maxBuffered,
		baseCtx:     context.WithoutCancel(baseCtx),
		metrics:     metrics,
	}

	dispatcher, err := throttle.New(flushInterval, relay.persistInBackground, nowFunc, afterFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	relay.dispatcher = dispatcher

	return relay, nil
}

// Record buffers events and makes sure they are persisted within one flush interval
func (r *EventRelay) Record(ctx context.Context, events ...domain.Event) {
	if len(events) == 0 {
		return
	}

	r.lock.Lock()
	r.buffer = append(r.buffer, events...)
	dropped := r.trimLocked()
	r.lock.Unlock()

	r.metrics.recordedCount.Add(ctx, int64(len(events)))
	if dropped > 0 {
		r.metrics.droppedCount.Add(ctx, int64(dropped))
		logging.FromContext(ctx).WarnContext(ctx, "Event buffer full, dropped oldest events", "dropped", dropped)
	}

	r.scheduleSend()
}

// Buffered returns the number of events waiting to be persisted
func (r *EventRelay) Buffered() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.buffer)
}

// Flush waits for in-flight batches and then persists everything left in the buffer
func (r *EventRelay) Flush(ctx context.Context) error {
	r.inFlight.Wait()

	batch := r.drain()
	if len(batch) == 0 {
		return nil
	}

	return r.persist(reporting.WithProcessHub(ctx), batch)
}

// Stop cancels any deferred send and keeps new ones from being scheduled. Events recorded or
// requeued afterwards stay in the buffer until Flush.
func (r *EventRelay) Stop() {
	r.scheduleLock.Lock()
	defer r.scheduleLock.Unlock()

	r.stopped = true
	r.dispatcher.Stop()
}

func (r *EventRelay) scheduleSend() {
	r.scheduleLock.Lock()
	defer r.scheduleLock.Unlock()

	if r.stopped {
		return
	}
	r.dispatcher.ScheduleSend()
}

func (r *EventRelay) persistInBackground() {
	batch := r.drain()
	if len(batch) == 0 {
		return
	}

	r.inFlight.Add(1)
	go func() {
		defer r.inFlight.Done()

		ctx, cancel := context.WithTimeout(reporting.WithProcessHub(r.baseCtx), persistTimeout)
		defer cancel()

		if err := r.persist(ctx, batch); err != nil {
			// Retry on the next send
			r.scheduleSend()
		}
	}()
}

func (r *EventRelay) persist(ctx context.Context, batch []domain.Event) error {
	err := r.repo.StoreEvents(ctx, batch)
	if err != nil {
		r.metrics.persistFailedCount.Add(ctx, 1)
		dropped := r.requeue(batch)
		if dropped > 0 {
			r.metrics.droppedCount.Add(ctx, int64(dropped))
		}

		// NOTE: The repository reports its own failures
		logging.FromContext(ctx).WarnContext(
			ctx,
			"Failed to persist events, requeued batch",
			slog.Int("count", len(batch)),
			slog.Int("dropped", dropped),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to persist %d events: %w", len(batch), err)
	}

	r.metrics.persistedCount.Add(ctx, int64(len(batch)))
	logging.FromContext(ctx).InfoContext(ctx, "Persisted events", slog.Int("count", len(batch)))
	return nil
}

func (r *EventRelay) drain() []domain.Event {
	r.lock.Lock()
	defer r.lock.Unlock()

	batch := r.buffer
	r.buffer = nil
	return batch
}

// requeue puts a failed batch back in front of anything recorded since it was drained
func (r *EventRelay) requeue(batch []domain.Event) int {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.buffer = append(append(make([]domain.Event, 0, len(batch)+len(r.buffer)), batch...), r.buffer...)
	return r.trimLocked()
}

// trimLocked drops the oldest events beyond the cap. Must be called with the lock held.
func (r *EventRelay) trimLocked() int {
	excess := len(r.buffer) - r.maxBuffered
	if excess <= 0 {
		return 0
	}
	r.buffer = append([]domain.Event(nil), r.buffer[excess:]...)
	return excess
}
