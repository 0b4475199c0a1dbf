// ABOUTME: Keyed mutual exclusion with strict FIFO hand-off per key.
// ABOUTME: Serializes queue and group mutations that share an agent, command, or group key.

package keymutex

import (
	"errors"
	"sync"
)

// ErrNotHeld is returned by Release when the key is not currently locked.
var ErrNotHeld = errors.New("key not held")

// waitList holds the acquirers parked on a held key, oldest first.
// A key is held exactly when it has an entry in Mutex.keys.
type waitList struct {
	waiters []chan struct{}
}

// Mutex is a set of independent locks addressed by string keys.
// The zero value is not usable; create one with New.
type Mutex struct {
	mu   sync.Mutex
	keys map[string]*waitList
}

// New creates an empty keyed mutex.
func New() *Mutex {
	return &Mutex{
		keys: make(map[string]*waitList),
	}
}

// Acquire blocks until the caller holds key. If the key is free the lock is
// taken immediately; otherwise the caller is queued behind earlier waiters.
// There is no timeout: a holder that never releases starves the key.
func (m *Mutex) Acquire(key string) {
	m.mu.Lock()
	wl, held := m.keys[key]
	if !held {
		m.keys[key] = &waitList{}
		m.mu.Unlock()
		return
	}

	ready := make(chan struct{})
	wl.waiters = append(wl.waiters, ready)
	m.mu.Unlock()

	// Release closes ready after transferring ownership, so no re-check is needed.
	<-ready
}

// Release gives key to the longest-waiting acquirer, or frees it when nobody
// is waiting. Releasing a key that is not held returns ErrNotHeld.
func (m *Mutex) Release(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wl, held := m.keys[key]
	if !held {
		return ErrNotHeld
	}

	if len(wl.waiters) == 0 {
		delete(m.keys, key)
		return nil
	}

	next := wl.waiters[0]
	wl.waiters[0] = nil
	wl.waiters = wl.waiters[1:]
	close(next)
	return nil
}

// Do runs fn while holding key. The key is released on every exit path,
// including a panic in fn, and fn's error is returned unchanged.
func (m *Mutex) Do(key string, fn func() error) error {
	m.Acquire(key)
	defer m.Release(key) //nolint:errcheck // held by construction
	return fn()
}

// Run is the value-returning form of Do.
func Run[T any](m *Mutex, key string, fn func() (T, error)) (T, error) {
	m.Acquire(key)
	defer m.Release(key) //nolint:errcheck // held by construction
	return fn()
}

// Held reports whether key is currently locked.
func (m *Mutex) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.keys[key]
	return held
}

// Waiting returns the number of acquirers queued on key.
func (m *Mutex) Waiting(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wl, held := m.keys[key]; held {
		return len(wl.waiters)
	}
	return 0
}
