package ratelimiting

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrDeadlineUnreachable is returned when waiting for a free slot would not leave enough time to
// finish the operation before the context deadline.
var ErrDeadlineUnreachable = errors.New("rate limit wait would exceed deadline")

// WindowLimiter allows at most limit operations to start within any window.
// Completed operations are recorded with their finish time, so slow operations hold their slot
// for longer.
type WindowLimiter struct {
	limit     int
	window    time.Duration
	nowFunc   func() time.Time
	afterFunc func(time.Duration) <-chan time.Time

	slots chan struct{}

	mutex    sync.Mutex
	finished []time.Time
}

func NewWindowLimiter(
	limit int,
	window time.Duration,
	nowFunc func() time.Time,
	afterFunc func(time.Duration) <-chan time.Time,
) *WindowLimiter {
	slots := make(chan struct{}, limit)
	for range limit {
		slots <- struct{}{}
	}

	// Seed the history outside the window so the first operations start right away
	finished := make([]time.Time, limit)
	longAgo := nowFunc().Add(-window)
	for i := range finished {
		finished[i] = longAgo
	}

	return &WindowLimiter{
		limit:     limit,
		window:    window,
		nowFunc:   nowFunc,
		afterFunc: afterFunc,

		slots:    slots,
		finished: finished,
	}
}

// Do waits for a free slot and runs operation.
// If the context has a deadline, the wait plus maxOperationTime must fit before it, otherwise
// ErrDeadlineUnreachable is returned without waiting. The error from operation is returned as is.
func (l *WindowLimiter) Do(ctx context.Context, maxOperationTime time.Duration, operation func() error) error {
	select {
	case <-l.slots:
		defer func() {
			l.slots <- struct{}{}
		}()
	case <-ctx.Done():
		return ctx.Err()
	}

	oldest, err := l.takeOldest(ctx, maxOperationTime)
	if err != nil {
		return err
	}

	// Give the history entry back untouched unless the operation actually ran
	reinsert := oldest
	defer func() {
		l.recordFinished(reinsert)
	}()

	if wait := l.waitFor(oldest); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.afterFunc(wait):
		}
	}

	err = operation()
	reinsert = l.nowFunc()
	return err
}

func (l *WindowLimiter) waitFor(finishedAt time.Time) time.Duration {
	return l.window - l.nowFunc().Sub(finishedAt)
}

func (l *WindowLimiter) takeOldest(ctx context.Context, maxOperationTime time.Duration) (time.Time, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	oldest := l.finished[0]
	if deadline, ok := ctx.Deadline(); ok {
		needed := l.waitFor(oldest) + maxOperationTime
		if needed > deadline.Sub(l.nowFunc()) {
			return time.Time{}, ErrDeadlineUnreachable
		}
	}

	l.finished = l.finished[1:]
	return oldest, nil
}

func (l *WindowLimiter) recordFinished(finishedAt time.Time) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.finished = insertSorted(l.finished, finishedAt)
}

func insertSorted(history []time.Time, t time.Time) []time.Time {
	i, _ := slices.BinarySearchFunc(history, t, func(a, b time.Time) int {
		return a.Compare(b)
	})
	return slices.Insert(history, i, t)
}
