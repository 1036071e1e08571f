// Package broker shares lazily acquired resources between callers.
//
// A Broker maps a key (for example a device address) to a single live handle. Concurrent callers
// asking for the same key while an acquisition is in flight join that acquisition instead of
// starting their own, and the cached handle is dropped as soon as it reports a disconnection so the
// next caller starts fresh.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"

	"github.com/Amund211/conduit/internal/logging"
)

var (
	ErrEmptyKey     = errors.New("broker: empty key")
	ErrBrokerClosed = errors.New("broker: closed")
	ErrNilHandle    = errors.New("broker: acquisition returned a nil handle")
)

// Handle is a resource that can report its own failure.
//
// Disconnected must return a channel that is closed at most once, when the resource fails or is
// closed. A nil channel means the handle never reports failure.
type Handle interface {
	Disconnected() <-chan struct{}
}

// AcquireFunc establishes the resource for key. It must return a non-nil handle when err is nil.
type AcquireFunc[H Handle] func(ctx context.Context, key string) (H, error)

type Broker[H Handle] struct {
	acquire AcquireFunc[H]
	table   *entryTable[H]

	closed    chan struct{}
	closeOnce sync.Once
}

func New[H Handle](acquire AcquireFunc[H]) *Broker[H] {
	return &Broker[H]{
		acquire: acquire,
		table:   newEntryTable[H](),
		closed:  make(chan struct{}),
	}
}

// Acquire returns the handle for key, acquiring it if needed.
//
// Callers that arrive while an acquisition for key is in flight receive the exact same handle or
// error as the caller that started it. If ctx ends while waiting, Acquire returns ctx.Err(), but the
// acquisition itself keeps running and still settles the entry for everyone else.
func (b *Broker[H]) Acquire(ctx context.Context, key string) (H, error) {
	var empty H
	if key == "" {
		return empty, ErrEmptyKey
	}

	select {
	case <-b.closed:
		return empty, ErrBrokerClosed
	default:
	}

	result := b.table.getOrClaim(key)
	switch {
	case result.claimed:
		recordAcquire(ctx, outcomeMiss)
		logging.FromContext(ctx).InfoContext(ctx, "Acquiring resource", "key", key, "cache", "miss")

		go b.run(ctx, key, result.entry)
	case result.ready:
		recordAcquire(ctx, outcomeHit)
		return result.entry.handle, nil
	default:
		recordAcquire(ctx, outcomeJoined)
		logging.FromContext(ctx).InfoContext(ctx, "Waiting for in-flight acquisition", "key", key)
	}

	select {
	case <-result.entry.done:
	case <-ctx.Done():
		return empty, ctx.Err()
	}

	if result.entry.err != nil {
		return empty, result.entry.err
	}
	return result.entry.handle, nil
}

func (b *Broker[H]) run(ctx context.Context, key string, e *entry[H]) {
	// The acquisition is shared, so it must outlive the caller that happened to start it
	ctx = context.WithoutCancel(ctx)
	logger := logging.FromContext(ctx)

	handle, err := b.acquire(ctx, key)
	if err == nil && isNil(handle) {
		err = ErrNilHandle
	}
	if err != nil {
		var empty H
		b.table.resolve(key, e, empty, err)

		recordAcquisitionFailure(ctx)
		logger.WarnContext(ctx, "Acquisition failed", "key", key, slog.String("error", err.Error()))
		return
	}

	b.table.resolve(key, e, handle, nil)

	select {
	case <-handle.Disconnected():
		if b.table.deleteIfCurrent(key, e) {
			recordInvalidation(ctx)
			logger.InfoContext(ctx, "Resource disconnected, dropping cached handle", "key", key)
		}
	case <-b.closed:
	}
}

// isNil reports whether h is a nil interface or a nil pointer-like value.
func isNil[H Handle](h H) bool {
	v := reflect.ValueOf(h)
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// Len returns the number of pending and ready entries.
func (b *Broker[H]) Len() int {
	return b.table.len()
}

// Close stops watching cached handles for disconnection. Subsequent calls to Acquire fail with
// ErrBrokerClosed. Handles are not closed; they are owned by whoever acquired them.
func (b *Broker[H]) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
}
