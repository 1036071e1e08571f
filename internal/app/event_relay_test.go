package app_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Amund211/conduit/internal/app"
	"github.com/Amund211/conduit/internal/domain"
	"github.com/Amund211/conduit/internal/domaintest"
	"github.com/Amund211/conduit/internal/throttle"
	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/require"
)

type mockEventRepository struct {
	t *testing.T

	// StoreEvents waits for gate to close when it is set
	gate chan struct{}

	lock    sync.Mutex
	batches [][]domain.Event
	errs    []error
}

func (m *mockEventRepository) StoreEvents(ctx context.Context, events []domain.Event) error {
	m.t.Helper()

	if m.gate != nil {
		<-m.gate
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return err
		}
	}

	m.batches = append(m.batches, events)
	return nil
}

func (m *mockEventRepository) storedBatches() [][]domain.Event {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([][]domain.Event(nil), m.batches...)
}

func (m *mockEventRepository) requireBatches(expected ...[]domain.Event) {
	m.t.Helper()

	require.Eventually(m.t, func() bool {
		return len(m.storedBatches()) == len(expected)
	}, time.Second, time.Millisecond)
	require.Equal(m.t, expected, m.storedBatches())
}

func TestEventRelay(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	const interval = 5 * time.Second

	newRelay := func(t *testing.T, maxBuffered int) (*app.EventRelay, *mockEventRepository, *domaintest.MockedTime) {
		t.Helper()

		mocked := domaintest.NewMockedTime(t, start)
		repo := &mockEventRepository{t: t}
		relay, err := app.NewEventRelay(t.Context(), repo, interval, maxBuffered, mocked.Now, mocked.AfterFunc)
		require.NoError(t, err)
		return relay, repo, mocked
	}

	event := func(t *testing.T) domain.Event {
		return domaintest.NewEventBuilder(domaintest.NewEventID(t), start).Build()
	}

	t.Run("first record persists right away", func(t *testing.T) {
		t.Parallel()

		relay, repo, mocked := newRelay(t, 10)
		e := event(t)

		relay.Record(t.Context(), e)

		repo.requireBatches([]domain.Event{e})
		require.Equal(t, 0, mocked.PendingTimers())
		require.Equal(t, 0, relay.Buffered())
	})

	t.Run("records within the interval are batched", func(t *testing.T) {
		t.Parallel()

		relay, repo, mocked := newRelay(t, 10)
		e0, e1, e2 := event(t), event(t), event(t)

		relay.Record(t.Context(), e0)
		repo.requireBatches([]domain.Event{e0})

		mocked.Advance(time.Second)
		relay.Record(t.Context(), e1)
		mocked.Advance(time.Second)
		relay.Record(t.Context(), e2)

		require.Equal(t, 2, relay.Buffered())
		require.Equal(t, 1, mocked.PendingTimers())

		mocked.AdvanceTo(start, interval)
		repo.requireBatches([]domain.Event{e0}, []domain.Event{e1, e2})
	})

	t.Run("full buffer drops the oldest events", func(t *testing.T) {
		t.Parallel()

		relay, repo, mocked := newRelay(t, 2)
		e0, e1, e2, e3 := event(t), event(t), event(t), event(t)

		relay.Record(t.Context(), e0)
		repo.requireBatches([]domain.Event{e0})

		relay.Record(t.Context(), e1, e2, e3)
		require.Equal(t, 2, relay.Buffered())

		mocked.Advance(interval)
		repo.requireBatches([]domain.Event{e0}, []domain.Event{e2, e3})
	})

	t.Run("failed batches are retried", func(t *testing.T) {
		t.Parallel()

		relay, repo, mocked := newRelay(t, 10)
		repo.errs = []error{errors.New("connection refused")}
		e0, e1 := event(t), event(t)

		relay.Record(t.Context(), e0)

		// The failed batch is requeued and a retry is scheduled
		require.Eventually(t, func() bool {
			return mocked.PendingTimers() == 1
		}, time.Second, time.Millisecond)
		require.Equal(t, 1, relay.Buffered())
		require.Empty(t, repo.storedBatches())

		relay.Record(t.Context(), e1)

		mocked.Advance(interval)
		repo.requireBatches([]domain.Event{e0, e1})
	})

	t.Run("flush persists the buffer", func(t *testing.T) {
		t.Parallel()

		relay, repo, mocked := newRelay(t, 10)
		e0, e1 := event(t), event(t)

		relay.Record(t.Context(), e0)
		relay.Record(t.Context(), e1)
		require.Equal(t, 1, mocked.PendingTimers())

		relay.Stop()
		require.Equal(t, 0, mocked.PendingTimers())

		require.NoError(t, relay.Flush(t.Context()))
		require.Equal(t, [][]domain.Event{{e0}, {e1}}, repo.storedBatches())
		require.Equal(t, 0, relay.Buffered())

		// Nothing left to flush
		require.NoError(t, relay.Flush(t.Context()))
		require.Len(t, repo.storedBatches(), 2)
	})

	t.Run("failed flush keeps the events", func(t *testing.T) {
		t.Parallel()

		relay, repo, mocked := newRelay(t, 10)
		e0, e1 := event(t), event(t)

		relay.Record(t.Context(), e0)
		repo.requireBatches([]domain.Event{e0})
		relay.Record(t.Context(), e1)
		relay.Stop()
		require.Equal(t, 0, mocked.PendingTimers())

		storeErr := errors.New("database is down")
		repo.lock.Lock()
		repo.errs = []error{storeErr}
		repo.lock.Unlock()

		err := relay.Flush(t.Context())
		require.ErrorIs(t, err, storeErr)
		require.Equal(t, 1, relay.Buffered())

		require.NoError(t, relay.Flush(t.Context()))
		require.Equal(t, [][]domain.Event{{e0}, {e1}}, repo.storedBatches())
	})

	t.Run("failed batch after stop is not rescheduled", func(t *testing.T) {
		t.Parallel()

		relay, repo, mocked := newRelay(t, 10)
		repo.errs = []error{errors.New("connection refused")}
		repo.gate = make(chan struct{})
		e0 := event(t)

		relay.Record(t.Context(), e0)
		relay.Stop()
		close(repo.gate)

		require.Eventually(t, func() bool {
			return relay.Buffered() == 1
		}, time.Second, time.Millisecond)

		require.NoError(t, relay.Flush(t.Context()))
		require.Equal(t, 0, mocked.PendingTimers())
		require.Equal(t, [][]domain.Event{{e0}}, repo.storedBatches())
	})

	t.Run("records after stop wait for flush", func(t *testing.T) {
		t.Parallel()

		relay, repo, mocked := newRelay(t, 10)
		e0, e1 := event(t), event(t)

		relay.Record(t.Context(), e0)
		repo.requireBatches([]domain.Event{e0})

		relay.Stop()
		relay.Record(t.Context(), e1)
		require.Equal(t, 0, mocked.PendingTimers())
		require.Equal(t, 1, relay.Buffered())

		mocked.Advance(interval)
		repo.requireBatches([]domain.Event{e0})

		require.NoError(t, relay.Flush(t.Context()))
		repo.requireBatches([]domain.Event{e0}, []domain.Event{e1})
	})

	t.Run("persist failures are reported by the repository only", func(t *testing.T) {
		t.Parallel()

		var reported atomic.Int32
		client, err := sentry.NewClient(sentry.ClientOptions{
			BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
				reported.Add(1)
				return nil
			},
		})
		require.NoError(t, err)
		ctx := sentry.SetHubOnContext(t.Context(), sentry.NewHub(client, sentry.NewScope()))

		mocked := domaintest.NewMockedTime(t, start)
		storeErr := errors.New("database is down")
		repo := &mockEventRepository{t: t, errs: []error{storeErr}}
		relay, err := app.NewEventRelay(ctx, repo, interval, 10, mocked.Now, mocked.AfterFunc)
		require.NoError(t, err)

		e0 := event(t)
		relay.Record(ctx, e0)
		relay.Stop()

		// Waits for the failed background persist, then stores the requeued batch
		require.NoError(t, relay.Flush(ctx))
		require.Equal(t, [][]domain.Event{{e0}}, repo.storedBatches())
		require.Equal(t, int32(0), reported.Load())
	})

	t.Run("recording nothing is a no-op", func(t *testing.T) {
		t.Parallel()

		relay, repo, mocked := newRelay(t, 10)
		relay.Record(t.Context())

		require.Equal(t, 0, mocked.PendingTimers())
		require.Empty(t, repo.storedBatches())
	})
}

func TestNewEventRelay(t *testing.T) {
	t.Parallel()

	repo := &mockEventRepository{t: t}

	_, err := app.NewEventRelay(t.Context(), repo, time.Second, 0, time.Now, throttle.RealAfterFunc)
	require.Error(t, err)

	_, err = app.NewEventRelay(t.Context(), repo, 0, 10, time.Now, throttle.RealAfterFunc)
	require.ErrorIs(t, err, throttle.ErrInvalidConfig)
}
