package throttle_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/Amund211/conduit/internal/domaintest"
	"github.com/Amund211/conduit/internal/throttle"
	"github.com/stretchr/testify/require"
)

type sendRecorder struct {
	clock  *domaintest.MockedTime
	start  time.Time
	sentAt []time.Duration
}

func (r *sendRecorder) send() {
	r.sentAt = append(r.sentAt, r.clock.Now().Sub(r.start))
}

func (r *sendRecorder) count() int {
	return len(r.sentAt)
}

func newDispatcher(t *testing.T, interval time.Duration) (*throttle.Dispatcher, *domaintest.MockedTime, *sendRecorder) {
	t.Helper()

	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	clock := domaintest.NewMockedTime(t, start)
	recorder := &sendRecorder{clock: clock, start: start}

	d, err := throttle.New(interval, recorder.send, clock.Now, clock.AfterFunc)
	require.NoError(t, err)
	return d, clock, recorder
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func TestNew(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		interval  time.Duration
		send      func()
		nowFunc   func() time.Time
		afterFunc throttle.AfterFunc
	}{
		{
			name:      "zero interval",
			interval:  0,
			send:      func() {},
			nowFunc:   time.Now,
			afterFunc: throttle.RealAfterFunc,
		},
		{
			name:      "negative interval",
			interval:  -time.Second,
			send:      func() {},
			nowFunc:   time.Now,
			afterFunc: throttle.RealAfterFunc,
		},
		{
			name:      "missing send",
			interval:  time.Second,
			nowFunc:   time.Now,
			afterFunc: throttle.RealAfterFunc,
		},
		{
			name:     "missing clock",
			interval: time.Second,
			send:     func() {},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			d, err := throttle.New(c.interval, c.send, c.nowFunc, c.afterFunc)
			require.ErrorIs(t, err, throttle.ErrInvalidConfig)
			require.Nil(t, d)
		})
	}
}

func TestDispatcher(t *testing.T) {
	t.Parallel()

	t.Run("first send is immediate", func(t *testing.T) {
		t.Parallel()
		d, clock, recorder := newDispatcher(t, ms(50))

		d.ScheduleSend()

		require.Equal(t, []time.Duration{0}, recorder.sentAt)
		require.False(t, d.Pending())
		require.Equal(t, 0, clock.PendingTimers())
	})

	t.Run("requests within the window are coalesced", func(t *testing.T) {
		t.Parallel()
		d, clock, recorder := newDispatcher(t, ms(50))
		start := clock.Now()

		d.ScheduleSend()
		clock.AdvanceTo(start, ms(10))
		d.ScheduleSend()
		clock.AdvanceTo(start, ms(20))
		d.ScheduleSend()

		require.Equal(t, 1, recorder.count())
		require.True(t, d.Pending())

		clock.AdvanceTo(start, ms(60))
		require.Equal(t, []time.Duration{0, ms(50)}, recorder.sentAt)
		require.False(t, d.Pending())
	})

	t.Run("sends are delivered gradually", func(t *testing.T) {
		t.Parallel()
		d, clock, recorder := newDispatcher(t, ms(50))
		start := clock.Now()

		d.ScheduleSend()
		require.Equal(t, 1, recorder.count())

		clock.AdvanceTo(start, ms(25))
		d.ScheduleSend()
		require.Equal(t, 1, recorder.count())

		clock.AdvanceTo(start, ms(50))
		require.Equal(t, 2, recorder.count())

		d.ScheduleSend()
		require.Equal(t, 2, recorder.count())
		require.True(t, d.Pending())

		clock.AdvanceTo(start, ms(100))
		require.Equal(t, []time.Duration{0, ms(50), ms(100)}, recorder.sentAt)
	})

	t.Run("scheduling is idempotent while a timer is pending", func(t *testing.T) {
		t.Parallel()
		d, clock, recorder := newDispatcher(t, ms(50))
		start := clock.Now()

		d.ScheduleSend()
		for i := 1; i < 40; i++ {
			clock.AdvanceTo(start, ms(i))
			d.ScheduleSend()
			require.Equal(t, 1, clock.PendingTimers())
		}

		clock.AdvanceTo(start, ms(200))
		require.Equal(t, []time.Duration{0, ms(50)}, recorder.sentAt)
		require.Equal(t, 0, clock.PendingTimers())
	})

	t.Run("deadline is not extended by later requests", func(t *testing.T) {
		t.Parallel()
		d, clock, recorder := newDispatcher(t, ms(50))
		start := clock.Now()

		d.ScheduleSend()
		clock.AdvanceTo(start, ms(5))
		d.ScheduleSend()
		clock.AdvanceTo(start, ms(49))
		d.ScheduleSend()

		clock.AdvanceTo(start, ms(50))
		require.Equal(t, []time.Duration{0, ms(50)}, recorder.sentAt)
	})

	t.Run("send after a quiet period is immediate", func(t *testing.T) {
		t.Parallel()
		d, clock, recorder := newDispatcher(t, ms(50))
		start := clock.Now()

		d.ScheduleSend()
		clock.AdvanceTo(start, ms(50))
		d.ScheduleSend()
		clock.AdvanceTo(start, ms(500))
		d.ScheduleSend()

		require.Equal(t, []time.Duration{0, ms(50), ms(500)}, recorder.sentAt)
		require.False(t, d.Pending())
	})

	t.Run("minimum delay floor", func(t *testing.T) {
		t.Parallel()
		d, clock, recorder := newDispatcher(t, ms(50))
		start := clock.Now()

		d.ScheduleSend()
		clock.AdvanceTo(start, ms(48))
		d.ScheduleSend()

		clock.AdvanceTo(start, ms(50))
		require.Equal(t, 1, recorder.count())

		clock.AdvanceTo(start, ms(48)+throttle.MinimumDelay)
		require.Equal(t, []time.Duration{0, ms(48) + throttle.MinimumDelay}, recorder.sentAt)
	})

	t.Run("send immediately bypasses the throttle", func(t *testing.T) {
		t.Parallel()
		d, clock, recorder := newDispatcher(t, ms(50))
		start := clock.Now()

		d.SendImmediately()
		d.SendImmediately()
		require.Equal(t, 2, recorder.count())

		// The forced sends count as the last send
		clock.AdvanceTo(start, ms(10))
		d.ScheduleSend()
		require.Equal(t, 2, recorder.count())
		require.True(t, d.Pending())

		// And they do not cancel the pending timer
		clock.AdvanceTo(start, ms(20))
		d.SendImmediately()
		clock.AdvanceTo(start, ms(50))
		require.Equal(t, []time.Duration{0, 0, ms(20), ms(50)}, recorder.sentAt)
	})

	t.Run("stop cancels the pending send", func(t *testing.T) {
		t.Parallel()
		d, clock, recorder := newDispatcher(t, ms(50))
		start := clock.Now()

		d.ScheduleSend()
		clock.AdvanceTo(start, ms(10))
		d.ScheduleSend()
		require.True(t, d.Pending())

		d.Stop()
		require.False(t, d.Pending())
		require.Equal(t, 0, clock.PendingTimers())

		clock.AdvanceTo(start, ms(100))
		require.Equal(t, 1, recorder.count())

		// Still usable after stopping
		d.ScheduleSend()
		require.Equal(t, []time.Duration{0, ms(100)}, recorder.sentAt)

		d.Stop()
	})

	t.Run("panicking send leaves consistent state", func(t *testing.T) {
		t.Parallel()

		start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
		clock := domaintest.NewMockedTime(t, start)
		calls := 0
		d, err := throttle.New(ms(50), func() {
			calls++
			panic("send failed")
		}, clock.Now, clock.AfterFunc)
		require.NoError(t, err)

		require.Panics(t, d.ScheduleSend)
		require.Equal(t, 1, calls)

		// The failed send still counts, so the next one is deferred
		clock.AdvanceTo(start, ms(10))
		d.ScheduleSend()
		require.Equal(t, 1, calls)
		require.True(t, d.Pending())

		require.Panics(t, func() {
			clock.AdvanceTo(start, ms(50))
		})
		require.Equal(t, 2, calls)
		require.False(t, d.Pending())
	})

	t.Run("send may schedule another send", func(t *testing.T) {
		t.Parallel()

		start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
		clock := domaintest.NewMockedTime(t, start)
		var d *throttle.Dispatcher
		sends := 0
		d, err := throttle.New(ms(50), func() {
			sends++
			if sends < 3 {
				d.ScheduleSend()
			}
		}, clock.Now, clock.AfterFunc)
		require.NoError(t, err)

		d.ScheduleSend()
		require.Equal(t, 1, sends)

		clock.AdvanceTo(start, ms(200))
		require.Equal(t, 3, sends)
		require.False(t, d.Pending())
	})
}

func TestDispatcherRealClock(t *testing.T) {
	t.Parallel()

	sends := atomic.Int32{}
	d, err := throttle.New(20*time.Millisecond, func() {
		sends.Add(1)
	}, time.Now, throttle.RealAfterFunc)
	require.NoError(t, err)
	defer d.Stop()

	for range 10 {
		d.ScheduleSend()
	}
	require.Equal(t, int32(1), sends.Load())

	require.Eventually(t, func() bool {
		return sends.Load() == 2
	}, 5*time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), sends.Load())
}
