// Package throttle rate limits a send operation to at most one call per interval.
package throttle

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// MinimumDelay is the shortest delay a deferred send is ever scheduled with.
const MinimumDelay = 5 * time.Millisecond

var ErrInvalidConfig = errors.New("invalid throttle config")

// Dispatcher calls send at most once per interval.
//
// Calls to ScheduleSend made while a send is deferred are coalesced into that single deferred send.
// The deadline of a deferred send is never extended by later calls.
type Dispatcher struct {
	interval  time.Duration
	send      func()
	nowFunc   func() time.Time
	afterFunc AfterFunc

	mutex      sync.Mutex
	lastSend   time.Time
	hasSent    bool
	pending    Timer
	generation uint64
}

func New(interval time.Duration, send func(), nowFunc func() time.Time, afterFunc AfterFunc) (*Dispatcher, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidConfig, interval)
	}
	if send == nil {
		return nil, fmt.Errorf("%w: missing send function", ErrInvalidConfig)
	}
	if nowFunc == nil || afterFunc == nil {
		return nil, fmt.Errorf("%w: missing clock", ErrInvalidConfig)
	}

	return &Dispatcher{
		interval:  interval,
		send:      send,
		nowFunc:   nowFunc,
		afterFunc: afterFunc,
	}, nil
}

// ScheduleSend sends now if allowed, otherwise makes sure a deferred send is scheduled.
//
// send is called on the caller's goroutine when sending immediately, and on the timer's goroutine
// when deferred. It is never called with the dispatcher lock held.
func (d *Dispatcher) ScheduleSend() {
	d.mutex.Lock()

	if d.pending != nil {
		d.mutex.Unlock()
		recordSchedule(resultCoalesced)
		return
	}

	now := d.nowFunc()
	elapsed := now.Sub(d.lastSend)
	if !d.hasSent || elapsed >= d.interval {
		d.markSent(now)
		d.mutex.Unlock()

		recordSchedule(resultImmediate)
		d.doSend(triggerImmediate)
		return
	}

	delay := max(d.interval-elapsed, MinimumDelay)
	d.generation++
	generation := d.generation
	d.pending = d.afterFunc(delay, func() {
		d.fire(generation)
	})
	d.mutex.Unlock()

	recordSchedule(resultDeferred)
}

// SendImmediately sends regardless of the throttle. A pending deferred send is left untouched and
// will still fire.
func (d *Dispatcher) SendImmediately() {
	d.mutex.Lock()
	d.markSent(d.nowFunc())
	d.mutex.Unlock()

	d.doSend(triggerForced)
}

// Stop cancels the pending deferred send, if any. The dispatcher can still be used afterwards.
func (d *Dispatcher) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.pending != nil {
		d.pending.Stop()
		d.pending = nil
	}
}

// Pending reports whether a deferred send is scheduled.
func (d *Dispatcher) Pending() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.pending != nil
}

func (d *Dispatcher) fire(generation uint64) {
	d.mutex.Lock()
	if d.pending == nil || d.generation != generation {
		// Stopped, or raced with Stop and a newer schedule
		d.mutex.Unlock()
		return
	}
	d.pending = nil
	d.markSent(d.nowFunc())
	d.mutex.Unlock()

	d.doSend(triggerTimer)
}

// markSent must be called with the lock held
func (d *Dispatcher) markSent(now time.Time) {
	d.lastSend = now
	d.hasSent = true
}

func (d *Dispatcher) doSend(t trigger) {
	recordSend(t)
	d.send()
}
