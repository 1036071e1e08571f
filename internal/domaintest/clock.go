package domaintest

import (
	"sync"
	"testing"
	"time"

	"github.com/Amund211/conduit/internal/throttle"
)

// MockedTime is a manually advanced clock. Timers fire synchronously from Advance, in expiry order,
// with Now() reporting their expiry time while they run.
type MockedTime struct {
	t *testing.T

	lock        sync.Mutex
	currentTime time.Time
	timers      []*mockedTimer
	sequence    int
}

type mockedTimer struct {
	clock     *MockedTime
	expiresAt time.Time
	sequence  int
	f         func()
	done      bool
}

func NewMockedTime(t *testing.T, start time.Time) *MockedTime {
	return &MockedTime{
		t:           t,
		currentTime: start,
	}
}

func (m *MockedTime) Now() time.Time {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.currentTime
}

func (m *MockedTime) AfterFunc(d time.Duration, f func()) throttle.Timer {
	m.t.Helper()

	m.lock.Lock()
	defer m.lock.Unlock()

	m.sequence++
	timer := &mockedTimer{
		clock:     m,
		expiresAt: m.currentTime.Add(d),
		sequence:  m.sequence,
		f:         f,
	}
	m.timers = append(m.timers, timer)
	return timer
}

func (m *MockedTime) After(d time.Duration) <-chan time.Time {
	m.t.Helper()

	ch := make(chan time.Time, 1)
	m.AfterFunc(d, func() {
		ch <- m.Now()
	})
	return ch
}

// Advance moves the clock forward by d, firing every timer that expires on the way.
func (m *MockedTime) Advance(d time.Duration) {
	m.t.Helper()

	m.lock.Lock()
	target := m.currentTime.Add(d)
	m.lock.Unlock()

	for {
		m.lock.Lock()
		next := m.popNextTimer(target)
		if next == nil {
			m.currentTime = target
			m.lock.Unlock()
			return
		}
		m.currentTime = next.expiresAt
		m.lock.Unlock()

		next.f()
	}
}

// AdvanceTo moves the clock to the given offset from start.
func (m *MockedTime) AdvanceTo(start time.Time, offset time.Duration) {
	m.t.Helper()

	d := start.Add(offset).Sub(m.Now())
	if d < 0 {
		m.t.Fatalf("cannot move the clock backwards by %s", -d)
	}
	m.Advance(d)
}

// PendingTimers returns the number of timers that have neither fired nor been stopped.
func (m *MockedTime) PendingTimers() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.timers)
}

// popNextTimer must be called with the lock held
func (m *MockedTime) popNextTimer(until time.Time) *mockedTimer {
	nextIndex := -1
	for i, timer := range m.timers {
		if timer.expiresAt.After(until) {
			continue
		}
		if nextIndex == -1 {
			nextIndex = i
			continue
		}
		current := m.timers[nextIndex]
		if timer.expiresAt.Before(current.expiresAt) ||
			(timer.expiresAt.Equal(current.expiresAt) && timer.sequence < current.sequence) {
			nextIndex = i
		}
	}
	if nextIndex == -1 {
		return nil
	}

	next := m.timers[nextIndex]
	next.done = true
	m.timers = append(m.timers[:nextIndex], m.timers[nextIndex+1:]...)
	return next
}

func (timer *mockedTimer) Stop() bool {
	m := timer.clock
	m.lock.Lock()
	defer m.lock.Unlock()

	if timer.done {
		return false
	}
	timer.done = true
	for i, other := range m.timers {
		if other == timer {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			break
		}
	}
	return true
}
