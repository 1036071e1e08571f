package broker

import "sync"

type entryState int

const (
	statePending entryState = iota
	stateReady
)

// entry is either pending (an acquisition is in flight) or ready (holding a live handle).
// handle and err are only read after done is closed.
type entry[H Handle] struct {
	state  entryState
	done   chan struct{}
	handle H
	err    error
}

type lookupResult[H Handle] struct {
	entry   *entry[H]
	ready   bool
	claimed bool
}

type entryTable[H Handle] struct {
	entries map[string]*entry[H]
	lock    sync.Mutex
}

func newEntryTable[H Handle]() *entryTable[H] {
	return &entryTable[H]{
		entries: make(map[string]*entry[H]),
	}
}

// getOrClaim returns the current entry for key, or installs a new pending entry and reports it as claimed.
func (t *entryTable[H]) getOrClaim(key string) lookupResult[H] {
	t.lock.Lock()
	defer t.lock.Unlock()

	existing, ok := t.entries[key]
	if ok {
		return lookupResult[H]{
			entry:   existing,
			ready:   existing.state == stateReady,
			claimed: false,
		}
	}

	claimed := &entry[H]{
		state: statePending,
		done:  make(chan struct{}),
	}
	t.entries[key] = claimed
	return lookupResult[H]{entry: claimed, claimed: true}
}

// resolve settles a pending entry. On success it becomes ready, on failure it is removed.
func (t *entryTable[H]) resolve(key string, e *entry[H], handle H, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	e.handle = handle
	e.err = err
	if err == nil {
		e.state = stateReady
	}
	close(e.done)

	if err != nil && t.entries[key] == e {
		delete(t.entries, key)
	}
}

// deleteIfCurrent removes key only while it still maps to e.
func (t *entryTable[H]) deleteIfCurrent(key string, e *entry[H]) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.entries[key] != e {
		return false
	}
	delete(t.entries, key)
	return true
}

func (t *entryTable[H]) len() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.entries)
}
