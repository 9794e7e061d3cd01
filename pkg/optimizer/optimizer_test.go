package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cybercache/corecache/pkg/record"
	"github.com/cybercache/corecache/pkg/types"
)

type fakeRouter struct {
	enqueued []*record.Record
}

func (r *fakeRouter) EnqueueForDeletion(rec *record.Record) {
	r.enqueued = append(r.enqueued, rec)
}

type fakeUnlinker struct {
	unlinked []*record.Record
}

func (u *fakeUnlinker) PostUnlink(rec *record.Record) {
	u.unlinked = append(u.unlinked, rec)
}

func newTestOptimizer(domain types.Domain, mutate func(*Config)) (*Optimizer, *fakeRouter) {
	cfg := DefaultConfig(domain)
	for i := range cfg.RetainMin {
		cfg.RetainMin[i] = 0
	}
	if mutate != nil {
		mutate(&cfg)
	}
	router := &fakeRouter{}
	return New(domain, cfg, nil, router, nil), router
}

// pump drains the optimizer's queue synchronously, the way Run's loop
// would, including any messages re-enqueued while draining.
func pump(o *Optimizer) {
	for {
		msg, ok := o.queue.TryGet()
		if !ok {
			return
		}
		o.handle(msg)
	}
}

func newLinkedRecord(o *Optimizer, key string, ua types.UserAgentClass, lifetime time.Duration) *record.Record {
	rec := record.New([]byte(key), uint64(len(key)), types.KindSession)
	o.onWrite(rec, ua, lifetime)
	return rec
}

func TestWriteLinksRecordIntoClassChain(t *testing.T) {
	o, _ := newTestOptimizer(types.Session, nil)
	rec := newLinkedRecord(o, "s1", types.UAUser, time.Hour)

	require.True(t, rec.HasFlag(types.LinkedByOptimizer))
	require.Equal(t, 1, o.chains[types.UAUser].count)
	require.Same(t, rec, o.chains[types.UAUser].tail)
	require.False(t, rec.Expiration.IsZero())
}

func TestSecondWriteRelinksInsteadOfDoubleLinking(t *testing.T) {
	o, _ := newTestOptimizer(types.Session, nil)
	rec := newLinkedRecord(o, "s1", types.UAUser, time.Hour)
	newLinkedRecord(o, "s2", types.UAUser, time.Hour)

	o.onWrite(rec, types.UAUser, time.Hour)
	require.Equal(t, 2, o.chains[types.UAUser].count)
	require.Same(t, rec, o.chains[types.UAUser].tail)
}

func TestReadPromotesToChainTail(t *testing.T) {
	o, _ := newTestOptimizer(types.Session, nil)
	a := newLinkedRecord(o, "a", types.UAUser, time.Hour)
	b := newLinkedRecord(o, "b", types.UAUser, time.Hour)

	require.Same(t, b, o.chains[types.UAUser].tail)
	o.onRead(a, types.UAUser)
	require.Same(t, a, o.chains[types.UAUser].tail)
	require.Same(t, b, o.chains[types.UAUser].head)
}

func TestReadIgnoredWhenNotLinked(t *testing.T) {
	o, _ := newTestOptimizer(types.Session, nil)
	rec := record.New([]byte("s1"), 1, types.KindSession)

	o.onRead(rec, types.UAUser)
	require.Equal(t, 0, o.chains[types.UAUser].count)
	require.False(t, rec.HasFlag(types.LinkedByOptimizer))
}

func TestOutOfOrderDeleteRetriesThenDrops(t *testing.T) {
	o, router := newTestOptimizer(types.Session, func(cfg *Config) {
		cfg.MaxDeleteRetries = 3
	})
	rec := record.New([]byte("s1"), 1, types.KindSession)

	o.onDelete(deleteMsg{rec: rec})
	require.Equal(t, 1, o.queue.Len())

	pump(o)
	require.Equal(t, 0, o.queue.Len())
	require.Equal(t, int64(3), o.deleteRetriesTotal)
	require.Empty(t, router.enqueued)
}

func TestDeleteRetrySucceedsOnceWriteArrives(t *testing.T) {
	o, router := newTestOptimizer(types.Session, func(cfg *Config) {
		cfg.MaxDeleteRetries = 256
	})
	rec := record.New([]byte("s1"), 1, types.KindSession)

	// Delete dequeued before the corresponding Write: one retry cycle.
	o.onDelete(deleteMsg{rec: rec})
	require.Equal(t, 1, o.queue.Len())

	o.onWrite(rec, types.UAUser, time.Hour)
	pump(o)

	require.False(t, rec.HasFlag(types.LinkedByOptimizer))
	require.Equal(t, []*record.Record{rec}, router.enqueued)
	require.Equal(t, 0, o.chains[types.UAUser].count)
}

func TestEvictionRoutesThroughTagUnlinker(t *testing.T) {
	o, router := newTestOptimizer(types.FPC, nil)
	unlinker := &fakeUnlinker{}
	o.SetTagUnlinker(unlinker)

	rec := newLinkedRecord(o, "page", types.UAUser, time.Hour)
	o.evictRecord(rec)

	require.Equal(t, []*record.Record{rec}, unlinker.unlinked)
	require.Empty(t, router.enqueued)
}

func TestGCEvictsExpiredButHonorsRetainMin(t *testing.T) {
	o, router := newTestOptimizer(types.Session, func(cfg *Config) {
		cfg.Mode = types.ExpirationLRU
		cfg.RetainMin[types.UAUser] = 1
	})
	for _, key := range []string{"a", "b", "c"} {
		newLinkedRecord(o, key, types.UAUser, -time.Hour) // already expired
	}

	o.runGC(0, true)
	require.Len(t, router.enqueued, 2)
	require.Equal(t, 1, o.chains[types.UAUser].count)
}

func TestGCLeavesUnexpiredRecordsAlone(t *testing.T) {
	o, router := newTestOptimizer(types.Session, func(cfg *Config) {
		cfg.Mode = types.ExpirationLRU
	})
	newLinkedRecord(o, "live", types.UAUser, time.Hour)

	o.runGC(0, true)
	require.Empty(t, router.enqueued)
}

func TestLRUModeScheduledPassEvictsNothing(t *testing.T) {
	o, router := newTestOptimizer(types.FPC, func(cfg *Config) {
		cfg.Mode = types.LRU
	})
	for _, key := range []string{"a", "b", "c"} {
		newLinkedRecord(o, key, types.UAUser, -time.Hour)
	}

	o.runGC(0, false)
	require.Empty(t, router.enqueued)
}

func TestLRUModeExplicitGCIgnoresExpiration(t *testing.T) {
	o, router := newTestOptimizer(types.FPC, func(cfg *Config) {
		cfg.Mode = types.LRU
	})
	rec := newLinkedRecord(o, "a", types.UAUser, time.Hour) // not expired
	rec.LastModified = time.Now().Add(-time.Minute)

	o.runGC(0, true)
	require.Equal(t, []*record.Record{rec}, router.enqueued)
}

func TestStrictLRUIgnoresExplicitGC(t *testing.T) {
	o, router := newTestOptimizer(types.Session, func(cfg *Config) {
		cfg.Mode = types.StrictLRU
	})
	newLinkedRecord(o, "a", types.UAUser, -time.Hour)

	o.runGC(0, true)
	require.Empty(t, router.enqueued)
}

func TestEvictForBytesFreesOldestFirst(t *testing.T) {
	o, router := newTestOptimizer(types.Session, nil)
	old := newLinkedRecord(o, "old", types.UAUser, time.Hour)
	old.CompressedSize = 10
	old.LastModified = time.Now().Add(-time.Hour)
	fresh := newLinkedRecord(o, "fresh", types.UAUser, time.Hour)
	fresh.CompressedSize = 10

	freed := o.evictForBytes(5)
	require.Equal(t, int64(10), freed)
	require.Equal(t, []*record.Record{old}, router.enqueued)

	freed = o.evictForBytes(25)
	require.Equal(t, int64(10), freed) // iterator exhausted before the target
	require.Equal(t, []*record.Record{old, fresh}, router.enqueued)
}

func TestFreeMemoryFromOwnLoopRunsSynchronously(t *testing.T) {
	o, router := newTestOptimizer(types.Session, nil)
	rec := newLinkedRecord(o, "a", types.UAUser, time.Hour)
	rec.CompressedSize = 8

	o.inLoop.Store(true)
	defer o.inLoop.Store(false)
	require.Equal(t, int64(8), o.FreeMemory(4))
	require.Equal(t, []*record.Record{rec}, router.enqueued)
}

func TestTouchPromotesAndExtends(t *testing.T) {
	o, _ := newTestOptimizer(types.FPC, nil)
	a := newLinkedRecord(o, "a", types.UAUser, time.Hour)
	newLinkedRecord(o, "b", types.UAUser, time.Hour)

	before := a.Expiration
	o.onTouch(a, 2*time.Hour)
	require.Same(t, a, o.chains[types.UAUser].tail)
	require.True(t, a.Expiration.After(before))
}

func TestTouchOnInfiniteExpirationIsNoOp(t *testing.T) {
	o, _ := newTestOptimizer(types.FPC, nil)
	rec := newLinkedRecord(o, "a", types.UAUser, -1)
	require.True(t, rec.Expiration.Equal(types.MaxTimestamp))

	o.onTouch(rec, time.Hour)
	require.True(t, rec.Expiration.Equal(types.MaxTimestamp))
}

func TestSessionLifetimeRampsAcrossWrites(t *testing.T) {
	o, _ := newTestOptimizer(types.Session, func(cfg *Config) {
		cfg.SessionFirstWriteLifetime = time.Minute
		cfg.SessionRampWrites = 2
		cfg.SessionDefaultLifetime = time.Hour
	})
	rec := record.New([]byte("s1"), 1, types.KindSession)

	o.onWrite(rec, types.UAUser, 0)
	require.WithinDuration(t, time.Now().Add(time.Minute), rec.Expiration, 5*time.Second)

	o.onWrite(rec, types.UAUser, 0)
	require.WithinDuration(t, time.Now().Add(time.Minute), rec.Expiration, 5*time.Second)

	o.onWrite(rec, types.UAUser, 0)
	require.WithinDuration(t, time.Now().Add(time.Hour), rec.Expiration, 5*time.Second)
}

func TestFPCZeroLifetimeUsesPerClassDefault(t *testing.T) {
	o, _ := newTestOptimizer(types.FPC, func(cfg *Config) {
		cfg.FPCDefaultLifetime[types.UABot] = 30 * time.Minute
	})
	rec := record.New([]byte("p1"), 1, types.KindPage)

	o.onWrite(rec, types.UABot, 0)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), rec.Expiration, 5*time.Second)
}

func TestReconfigureAppliesThroughQueue(t *testing.T) {
	o, _ := newTestOptimizer(types.Session, nil)
	cfg := o.cfg
	cfg.RecompressThreshold = 4096

	o.Reconfigure(cfg)
	pump(o)
	require.Equal(t, 4096, o.cfg.RecompressThreshold)
}
