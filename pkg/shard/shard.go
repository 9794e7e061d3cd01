// Package shard implements a single hash-table shard: an open-chained
// bucket array plus a global list, kept in insertion order, used for
// enumeration, growing by doubling when the load factor is exceeded.
// Callers are responsible for holding the shard's Lock (from
// pkg/shardlock) at the appropriate level before calling any method here.
package shard

import (
	"github.com/cybercache/corecache/pkg/hashcode"
	"github.com/cybercache/corecache/pkg/record"
	"github.com/cybercache/corecache/pkg/shardlock"
	"github.com/cybercache/corecache/pkg/types"
)

// MaxBuckets caps bucket-array growth.
const MaxBuckets = 1 << 31

// MinFillFactor and MaxFillFactor bound the configurable fill factor.
const (
	MinFillFactor     = 0.5
	MaxFillFactor     = 10.0
	DefaultFillFactor = 1.5
)

// Shard is one hash table within a Store, selected by the low bits of a
// record's hash (numShards below).
type Shard struct {
	Lock *shardlock.Lock

	numShards  int
	fillFactor float64

	buckets              []*record.Record
	globalHead, globalTail *record.Record
	count                int
}

// New creates a shard with initialBuckets (rounded up to a power of two),
// belonging to a store with numShards total shards. The shard registers
// itself as its own shardlock.Drainer.
func New(numShards, initialBuckets int, fillFactor float64) *Shard {
	if fillFactor < MinFillFactor {
		fillFactor = MinFillFactor
	} else if fillFactor > MaxFillFactor {
		fillFactor = MaxFillFactor
	}
	size := 1
	for size < initialBuckets {
		size <<= 1
	}
	s := &Shard{
		numShards:  numShards,
		fillFactor: fillFactor,
		buckets:    make([]*record.Record, size),
	}
	s.Lock = shardlock.New(s, shardlock.DefaultDrainQuotas)
	return s
}

// Count returns the number of records currently held (includes records
// still pending deletion-queue drain).
func (s *Shard) Count() int { return s.count }

func (s *Shard) bucketIndex(hash uint64, numBuckets int) int {
	return hashcode.BucketIndex(hash, s.numShards, numBuckets)
}

// Find scans the bucket chain for (hash, key), matching equality by
// (hash, length, bytes). A shared lock suffices. A record already marked
// for deletion is invisible here: it stays linked only until the deletion
// queue drains it, and no command path may observe it — a Write for the
// same key creates a fresh record instead (Add prepends, so the fresh one
// shadows the doomed one for the remainder of its stay).
func (s *Shard) Find(hash uint64, key []byte) *record.Record {
	idx := s.bucketIndex(hash, len(s.buckets))
	for cur := s.buckets[idx]; cur != nil; cur = cur.BucketNext {
		if cur.Equal(hash, key) && !cur.HasFlag(types.BeingDeleted) {
			return cur
		}
	}
	return nil
}

// Add inserts rec into the bucket and global list, growing (and rehashing
// in place) first if the new count would exceed buckets × fill_factor.
// Requires the exclusive lock. Returns whether a resize happened.
func (s *Shard) Add(rec *record.Record) (resized bool) {
	if float64(s.count+1) > float64(len(s.buckets))*s.fillFactor && len(s.buckets)*2 <= MaxBuckets {
		s.grow()
		s.Lock.MarkResized()
		resized = true
	}

	idx := s.bucketIndex(rec.Hash, len(s.buckets))
	rec.BucketNext = s.buckets[idx]
	rec.BucketPrev = nil
	if s.buckets[idx] != nil {
		s.buckets[idx].BucketPrev = rec
	}
	s.buckets[idx] = rec

	rec.GlobalPrev = s.globalTail
	rec.GlobalNext = nil
	if s.globalTail != nil {
		s.globalTail.GlobalNext = rec
	} else {
		s.globalHead = rec
	}
	s.globalTail = rec

	s.count++
	return resized
}

func (s *Shard) grow() {
	newSize := len(s.buckets) * 2
	newBuckets := make([]*record.Record, newSize)
	for cur := s.globalHead; cur != nil; cur = cur.GlobalNext {
		idx := s.bucketIndex(cur.Hash, newSize)
		cur.BucketNext = newBuckets[idx]
		cur.BucketPrev = nil
		if newBuckets[idx] != nil {
			newBuckets[idx].BucketPrev = cur
		}
		newBuckets[idx] = cur
	}
	s.buckets = newBuckets
}

// Remove unlinks rec from its bucket and global list. Requires the
// exclusive lock.
func (s *Shard) Remove(rec *record.Record) {
	idx := s.bucketIndex(rec.Hash, len(s.buckets))
	if rec.BucketPrev != nil {
		rec.BucketPrev.BucketNext = rec.BucketNext
	} else {
		s.buckets[idx] = rec.BucketNext
	}
	if rec.BucketNext != nil {
		rec.BucketNext.BucketPrev = rec.BucketPrev
	}

	if rec.GlobalPrev != nil {
		rec.GlobalPrev.GlobalNext = rec.GlobalNext
	} else {
		s.globalHead = rec.GlobalNext
	}
	if rec.GlobalNext != nil {
		rec.GlobalNext.GlobalPrev = rec.GlobalPrev
	} else {
		s.globalTail = rec.GlobalPrev
	}

	rec.BucketNext, rec.BucketPrev, rec.GlobalNext, rec.GlobalPrev = nil, nil, nil, nil
	s.count--
}

// Enumerate calls fn for every record in the shard in global-list order,
// stopping early if fn returns false. May be used under a shared lock.
func (s *Shard) Enumerate(fn func(*record.Record) bool) {
	for cur := s.globalHead; cur != nil; cur = cur.GlobalNext {
		if !fn(cur) {
			return
		}
	}
}

// UnlinkForDispose implements shardlock.Drainer: called by the shard's own
// Lock once a queued record's reader count has reached zero.
func (s *Shard) UnlinkForDispose(rec *record.Record) {
	s.Remove(rec)
	rec.SetFlag(types.Deleted)
}

// DisposeAll tears the shard down, reporting (best-effort) how many
// records were still linked elsewhere (optimizer chain or tag refs) at
// destruction time — those links leak their owning structure's memory, so
// callers should treat a nonzero count as a bug, not a crash.
func (s *Shard) DisposeAll() (leaked int) {
	for cur := s.globalHead; cur != nil; cur = cur.GlobalNext {
		if cur.HasFlag(types.LinkedByOptimizer) || cur.HasFlag(types.LinkedByTM) || cur.NumTagRefs() > 0 {
			leaked++
		}
	}
	s.buckets = nil
	s.globalHead, s.globalTail = nil, nil
	s.count = 0
	return leaked
}
