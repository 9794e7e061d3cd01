// Package shardlock implements the per-shard dynamic read/write lock: shared/exclusive access with atomic upgrade/downgrade, plus the
// deferred-disposal deletion queue drained on exclusive-unlock.
package shardlock

import (
	"sync"

	"github.com/cybercache/corecache/pkg/record"
)

// Drainer is implemented by the owning shard: it knows how to physically
// unlink a record from the hash table once the record has zero readers.
// Kept as a small interface rather than an import cycle on pkg/shard.
type Drainer interface {
	UnlinkForDispose(rec *record.Record)
}

// DrainQuotas configures how many deletion-queue entries are processed per
// exclusive-unlock.
type DrainQuotas struct {
	AfterResize int
	Ordinary    int
}

// DefaultDrainQuotas holds the out-of-the-box drain quotas.
var DefaultDrainQuotas = DrainQuotas{AfterResize: 4, Ordinary: 64}

// Lock is the per-shard dynamic lock.
type Lock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	writer  bool

	resized bool

	delMu    sync.Mutex
	delQueue []*record.Record

	drainer Drainer
	quotas  DrainQuotas
}

// New returns a Lock that drains its deletion queue through drainer using
// quotas.
func New(drainer Drainer, quotas DrainQuotas) *Lock {
	l := &Lock{drainer: drainer, quotas: quotas}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// LockShared blocks until no writer holds or is waiting-equivalent, then
// registers this goroutine as a reader.
func (l *Lock) LockShared() {
	l.mu.Lock()
	for l.writer {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

// UnlockShared releases one shared hold.
func (l *Lock) UnlockShared() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

// LockExclusive blocks until no reader or writer remains, then takes
// exclusive ownership.
func (l *Lock) LockExclusive() {
	l.mu.Lock()
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.writer = true
	l.mu.Unlock()
}

// UnlockExclusive drains the deletion queue (per the resized-aware quota)
// while still holding exclusive access to the hash table, then releases the
// lock.
func (l *Lock) UnlockExclusive() {
	l.drain()
	l.mu.Lock()
	l.writer = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

// UpgradeLock converts this goroutine's shared hold into exclusive
// ownership, waiting out any other concurrent readers.
func (l *Lock) UpgradeLock() {
	l.mu.Lock()
	l.readers--
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.writer = true
	l.mu.Unlock()
}

// DowngradeLock atomically converts exclusive ownership back into a single
// shared hold for this goroutine.
func (l *Lock) DowngradeLock() {
	l.mu.Lock()
	l.writer = false
	l.readers = 1
	l.cond.Broadcast()
	l.mu.Unlock()
}

// MarkResized records that add() grew the bucket array during the current
// exclusive hold, so the next UnlockExclusive uses the after-resize drain
// quota.
func (l *Lock) MarkResized() {
	l.mu.Lock()
	l.resized = true
	l.mu.Unlock()
}

// EnqueueForDeletion posts rec to the shard's deletion queue with
// PutAlways semantics: it never blocks or fails the caller.
func (l *Lock) EnqueueForDeletion(rec *record.Record) {
	l.delMu.Lock()
	l.delQueue = append(l.delQueue, rec)
	l.delMu.Unlock()
}

// QueueLen reports the current deletion-queue depth; used by health checks
// and tests. Takes the lock so callers see a consistent snapshot.
func (l *Lock) QueueLen() int {
	l.delMu.Lock()
	defer l.delMu.Unlock()
	return len(l.delQueue)
}

func (l *Lock) drain() {
	l.mu.Lock()
	quota := l.quotas.Ordinary
	if l.resized {
		quota = l.quotas.AfterResize
		l.resized = false
	}
	l.mu.Unlock()

	l.delMu.Lock()
	n := len(l.delQueue)
	if n > quota {
		n = quota
	}
	batch := l.delQueue[:n]
	l.delQueue = l.delQueue[n:]
	l.delMu.Unlock()

	var requeue []*record.Record
	for _, rec := range batch {
		if rec.Lock.ReaderCount() == 0 {
			l.drainer.UnlinkForDispose(rec)
		} else {
			requeue = append(requeue, rec)
		}
	}
	if len(requeue) > 0 {
		l.delMu.Lock()
		l.delQueue = append(l.delQueue, requeue...)
		l.delMu.Unlock()
	}
}
