package optimizer

import (
	"time"

	"github.com/cybercache/corecache/pkg/compress"
	"github.com/cybercache/corecache/pkg/metrics"
	"github.com/cybercache/corecache/pkg/record"
	"github.com/cybercache/corecache/pkg/types"
)

// loadBucket maps the current CPU load fraction to one of the five budget
// buckets (0%, 1-33%, 34-66%, 67-99%, 100%).
func (o *Optimizer) loadBucket() PassBudget {
	load := o.load()
	budgets := o.cfg.PassBudgets
	switch {
	case load <= 0:
		return budgets[0]
	case load < 0.34:
		return budgets[1]
	case load < 0.67:
		return budgets[2]
	case load < 1.0:
		return budgets[3]
	default:
		return budgets[4]
	}
}

// runPass walks the LRU chains looking for candidates to re-compress,
// resuming from where the previous pass left off, then applies the domain's GC policy. Bounded by
// the current load bucket's check/recompression budget so a busy server
// degrades this into a no-op rather than starving client commands.
func (o *Optimizer) runPass() {
	o.lastPass = time.Now()
	metrics.OptimizerPassesTotal.WithLabelValues(o.domain.String()).Inc()

	budget := o.loadBucket()
	checks, recompressions := 0, 0

	class := o.iterClass
	node := o.iterNode
	for checks < budget.MaxChecks && recompressions < budget.MaxRecompressions {
		if o.queue.Len() > 0 {
			// Yield early: a waiting message takes priority over the
			// background pass.
			break
		}
		if node == nil {
			class = (class + 1) % types.NumUserAgentClasses
			node = o.chains[class].head
			if node == nil {
				// Every chain empty or already visited this lap; stop
				// early rather than spinning.
				if class == o.iterClass {
					break
				}
				continue
			}
		}
		checks++
		next := node.LRUNext
		if o.tryRecompress(node) {
			recompressions++
		}
		node = next
	}
	o.iterClass = class
	o.iterNode = node

	o.runGC(0, false)
}

// tryRecompress attempts to shrink rec's stored payload by trying every
// configured compressor against the decompressed bytes, installing the
// smallest result if it is strictly smaller than the current size. Records
// whose compressed size is below RecompressThreshold are not tried.
// Non-blocking: a record already being written or read is simply skipped
// this pass.
func (o *Optimizer) tryRecompress(rec *record.Record) bool {
	if rec.HasFlag(types.BeingDeleted) || rec.HasFlag(types.Optimized) || !rec.HasFlag(types.Payload) {
		return false
	}
	if rec.CompressedSize < o.cfg.RecompressThreshold {
		return false
	}
	if !rec.Lock.TryLock() {
		return false
	}
	if rec.Lock.ReaderCount() != 0 {
		rec.Lock.Unlock()
		return false
	}
	compressor, size, bytes := rec.Compressor, rec.CompressedSize, rec.Bytes
	rec.Lock.Unlock()

	plain, err := compress.Unpack(compressor, bytes, rec.UncompressedSize)
	if err != nil {
		rec.SetFlag(types.Optimized)
		return false
	}

	best, id, ok := o.compressor.Best(plain, size)

	rec.Lock.Lock()
	defer rec.Lock.Unlock()
	rec.SetFlag(types.Optimized)
	if !ok || rec.HasFlag(types.BeingDeleted) || rec.Lock.ReaderCount() != 0 {
		return false
	}
	rec.Bytes = best
	rec.CompressedSize = len(best)
	rec.Compressor = id
	metrics.OptimizerRecompressionsTotal.WithLabelValues(o.domain.String()).Inc()
	return true
}

// runGC evicts records per the domain's configured EvictionMode. threshold
// of zero means "use time.Now()" as the cutoff; an explicit GC(seconds)
// command passes a caller-chosen one. explicit distinguishes a GC command
// from the scheduled pass: lru mode only evicts on command, strict-lru
// never does (memory pressure still reaches both via FreeMemory).
func (o *Optimizer) runGC(threshold time.Duration, explicit bool) {
	cutoff := time.Now()
	if threshold > 0 {
		cutoff = time.Now().Add(-threshold)
	}

	switch o.cfg.Mode {
	case types.StrictExpirationLRU, types.ExpirationLRU:
		o.evictExpired(cutoff)
	case types.LRU:
		// Expiration timestamps are ignored; an explicit request evicts
		// by LRU age instead.
		if explicit {
			o.evictOlderThan(cutoff)
		}
	case types.StrictLRU:
	}
}

// evictExpired walks each chain from the head (oldest) evicting expired
// records, but never past the chain's configured RetainMin floor: once a chain's count
// would drop to its retain minimum, the rest of that chain — however
// expired — is left alone.
func (o *Optimizer) evictExpired(cutoff time.Time) {
	for class := range o.chains {
		retain := o.cfg.RetainMin[class]
		c := &o.chains[class]
		node := c.head
		for node != nil && c.count > retain {
			next := node.LRUNext
			if node.Expiration.IsZero() || node.Expiration.After(cutoff) {
				node = next
				continue
			}
			o.evictRecord(node)
			metrics.OptimizerEvictionsTotal.WithLabelValues(o.domain.String(), "expired").Inc()
			node = next
		}
	}
}

// evictOlderThan evicts records whose last modification predates cutoff,
// oldest first, regardless of expiration (lru mode's explicit GC). Each
// chain's RetainMin floor still applies.
func (o *Optimizer) evictOlderThan(cutoff time.Time) {
	for class := range o.chains {
		retain := o.cfg.RetainMin[class]
		c := &o.chains[class]
		node := c.head
		for node != nil && c.count > retain {
			next := node.LRUNext
			// Reads promote without touching LastModified, so the chain
			// is not strictly ordered by it; scan rather than stop.
			if !node.LastModified.Before(cutoff) {
				node = next
				continue
			}
			o.evictRecord(node)
			metrics.OptimizerEvictionsTotal.WithLabelValues(o.domain.String(), "lru").Inc()
			node = next
		}
	}
}

// evictForBytes evicts oldest-first across all classes until at least
// bytes worth of compressed payload has been released or every chain is
// exhausted, used by begin_memory_deallocation.
func (o *Optimizer) evictForBytes(bytes int64) int64 {
	var freed int64
	for freed < bytes {
		node := o.oldestAcrossChains()
		if node == nil {
			break
		}
		freed += int64(node.CompressedSize)
		o.evictRecord(node)
		metrics.OptimizerEvictionsTotal.WithLabelValues(o.domain.String(), "memory_pressure").Inc()
	}
	return freed
}

func (o *Optimizer) oldestAcrossChains() *record.Record {
	var oldest *record.Record
	for class := range o.chains {
		node := o.chains[class].head
		if node == nil {
			continue
		}
		if oldest == nil || node.LastModified.Before(oldest.LastModified) {
			oldest = node
		}
	}
	return oldest
}
