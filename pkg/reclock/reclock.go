// Package reclock implements the per-record lock: a plain exclusive mutex
// for structural mutation, a reader-count
// condition variable that payload transfer waits on ("wait for zero
// readers"), and the session lock used by the Session store's Read/Write
// commands.
//
// Go's sync.Cond has no timed Wait, so both WaitUntilNoReaders and the
// session lock's timeout implement the common pattern of a timer goroutine
// that wakes the waiter via Broadcast when the deadline passes.
package reclock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Lock is the per-record lock: an exclusive mutex plus a reader count used
// by attach/detach of shared buffers.
type Lock struct {
	mu sync.Mutex

	readersMu   sync.Mutex
	readersCond *sync.Cond
	readers     atomic.Int32

	session sessionLock
}

// New returns a ready-to-use record lock.
func New() *Lock {
	l := &Lock{}
	l.readersCond = sync.NewCond(&l.readersMu)
	l.session.cond = sync.NewCond(&l.session.mu)
	return l
}

// Lock acquires the exclusive structural lock, blocking until available.
func (l *Lock) Lock() { l.mu.Lock() }

// Unlock releases the exclusive structural lock.
func (l *Lock) Unlock() { l.mu.Unlock() }

// TryLock attempts to acquire the exclusive lock without blocking, as used
// by the optimizer's non-blocking try-lock step.
func (l *Lock) TryLock() bool { return l.mu.TryLock() }

// AddReader increments the reader count, returning the new value. Called
// when a SharedBuffer attaches to the record.
func (l *Lock) AddReader() int32 {
	return l.readers.Add(1)
}

// ReleaseReader decrements the reader count, waking any waiter blocked in
// WaitUntilNoReaders when it reaches zero.
func (l *Lock) ReleaseReader() int32 {
	n := l.readers.Add(-1)
	if n == 0 {
		l.readersMu.Lock()
		l.readersCond.Broadcast()
		l.readersMu.Unlock()
	}
	return n
}

// ReaderCount returns the current reader count.
func (l *Lock) ReaderCount() int32 { return l.readers.Load() }

// WaitUntilNoReaders blocks until the reader count reaches zero or timeout
// elapses, returning whether it reached zero. Used by Write before
// transfer_payload, which requires zero readers.
func (l *Lock) WaitUntilNoReaders(timeout time.Duration) bool {
	if l.readers.Load() == 0 {
		return true
	}
	l.readersMu.Lock()
	defer l.readersMu.Unlock()
	deadline := time.Now().Add(timeout)
	for l.readers.Load() > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, func() {
			l.readersMu.Lock()
			l.readersCond.Broadcast()
			l.readersMu.Unlock()
		})
		l.readersCond.Wait()
		timer.Stop()
	}
	return true
}

// BreakObserver is called whenever a session lock is broken after its wait
// timed out, so tests can observe the event without scraping logs.
type BreakObserver func(previousHolder uint64)

type sessionLock struct {
	mu       sync.Mutex
	cond     *sync.Cond
	holder   uint64 // 0 means unheld
	observer BreakObserver
}

// SetBreakObserver installs a hook invoked on every lock-break for this
// record. Intended for tests; production code leaves it nil.
func (l *Lock) SetBreakObserver(fn BreakObserver) {
	l.session.mu.Lock()
	l.session.observer = fn
	l.session.mu.Unlock()
}

// AcquireSession takes the session lock keyed by requestID. requestID 0
// means "no locking" and always succeeds immediately. If the lock is held
// by a different requestID, AcquireSession waits up to timeout; if the
// holder has not released by then, the lock is broken (taken over) and broke
// is reported true so the caller can log the required warning.
func (l *Lock) AcquireSession(requestID uint64, timeout time.Duration) (broke bool) {
	if requestID == 0 {
		return false
	}
	l.session.mu.Lock()
	defer l.session.mu.Unlock()

	if l.session.holder == 0 || l.session.holder == requestID {
		l.session.holder = requestID
		return false
	}

	deadline := time.Now().Add(timeout)
	for l.session.holder != 0 && l.session.holder != requestID {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timer := time.AfterFunc(remaining, func() {
			l.session.mu.Lock()
			l.session.cond.Broadcast()
			l.session.mu.Unlock()
		})
		l.session.cond.Wait()
		timer.Stop()
	}

	if l.session.holder != 0 && l.session.holder != requestID {
		previous := l.session.holder
		broke = true
		if l.session.observer != nil {
			l.session.observer(previous)
		}
	}
	l.session.holder = requestID
	return broke
}

// ReleaseSession releases the session lock if held by requestID, waking any
// waiter. Releasing with a non-matching or zero requestID is a no-op.
func (l *Lock) ReleaseSession(requestID uint64) {
	if requestID == 0 {
		return
	}
	l.session.mu.Lock()
	if l.session.holder == requestID {
		l.session.holder = 0
		l.session.cond.Broadcast()
	}
	l.session.mu.Unlock()
}
