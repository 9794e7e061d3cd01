// Package store implements the Session and FPC payload object stores: sharded hash tables of record.Record, each shard guarded by its own
// shardlock.Lock, with payload handoff through pkg/buffer and background
// maintenance delegated to a pkg/optimizer actor (and, for FPC, a
// pkg/tagmanager actor as well).
package store

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cybercache/corecache/pkg/buffer"
	"github.com/cybercache/corecache/pkg/ccerr"
	"github.com/cybercache/corecache/pkg/compress"
	"github.com/cybercache/corecache/pkg/hashcode"
	"github.com/cybercache/corecache/pkg/log"
	"github.com/cybercache/corecache/pkg/metrics"
	"github.com/cybercache/corecache/pkg/optimizer"
	"github.com/cybercache/corecache/pkg/record"
	"github.com/cybercache/corecache/pkg/response"
	"github.com/cybercache/corecache/pkg/shard"
	"github.com/cybercache/corecache/pkg/types"
)

// Config bundles the tunables shared by both store variants.
type Config struct {
	NumShards      int
	InitialBuckets int
	FillFactor     float64
	// LockTimeout bounds both the Session store's session-lock acquisition
	// and the "wait for zero
	// readers" step every Write/Save performs before transferring a
	// payload.
	LockTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumShards:      16,
		InitialBuckets: 64,
		FillFactor:     shard.DefaultFillFactor,
		LockTimeout:    3 * time.Second,
	}
}

// base holds the fields both SessionStore and FPCStore need: the shard
// array, hasher, memory accounting, and a domain-tagged logger.
type base struct {
	domain types.Domain
	cfg    Config
	shards []*shard.Shard
	hasher hashcode.Hasher
	acct   *buffer.MemoryAccounting
	logger zerolog.Logger
}

func newBase(domain types.Domain, cfg Config, hasher hashcode.Hasher, acct *buffer.MemoryAccounting) base {
	shards := make([]*shard.Shard, cfg.NumShards)
	for i := range shards {
		shards[i] = shard.New(cfg.NumShards, cfg.InitialBuckets, cfg.FillFactor)
	}
	return base{
		domain: domain,
		cfg:    cfg,
		shards: shards,
		hasher: hasher,
		acct:   acct,
		logger: log.WithComponent("store").With().Str("domain", domain.String()).Logger(),
	}
}

func (b *base) shardFor(hash uint64) *shard.Shard {
	return b.shards[hashcode.ShardIndex(hash, len(b.shards))]
}

// EnqueueForDeletion implements optimizer.ShardRouter: routes an evicted
// record to its owning shard's deletion queue.
func (b *base) EnqueueForDeletion(rec *record.Record) {
	b.shardFor(rec.Hash).Lock.EnqueueForDeletion(rec)
}

// EnumerateRecords implements tagmanager.StoreBackend (FPC only, but
// harmless to expose generically): walks every shard under its shared lock.
func (b *base) EnumerateRecords(fn func(rec *record.Record) bool) {
	for _, sh := range b.shards {
		sh.Lock.LockShared()
		sh.Enumerate(fn)
		sh.Lock.UnlockShared()
	}
}

// releasePayload drops rec's installed payload bytes and un-accounts their
// memory, matching "release buffer" in the command descriptions. Callers
// hold at least a shared shard lock; flag mutation is atomic so this is
// safe without the record's own exclusive lock.
func (b *base) releasePayload(rec *record.Record) {
	if rec.HasFlag(types.Payload) {
		if b.acct != nil {
			b.acct.ReleasePayload(b.domain, rec.CompressedSize)
		}
		rec.Bytes = nil
		rec.CompressedSize = 0
		rec.ClearFlag(types.Payload)
	}
}

// Count returns the total number of records across all shards.
func (b *base) Count() int {
	total := 0
	for _, sh := range b.shards {
		total += sh.Count()
	}
	return total
}

// Stats reports a metrics.DomainStats snapshot for this store. opt is the
// store's own optimizer instance, whose queue depth is reported alongside
// the shard-level numbers.
func (b *base) Stats(opt *optimizer.Optimizer) metrics.DomainStats {
	var depth int
	for _, sh := range b.shards {
		depth += sh.Lock.QueueLen()
	}
	stats := metrics.DomainStats{
		Domain:             b.domain.String(),
		Records:            b.Count(),
		MemoryUsedBytes:    b.acct.Used(b.domain),
		MemoryQuotaBytes:   b.acct.Quota(b.domain),
		FillingPercentage:  b.acct.FillingPercentage(b.domain),
		Shards:             len(b.shards),
		DeletionQueueDepth: depth,
	}
	if opt != nil {
		stats.OptimizerQueueLen = opt.QueueLen()
	}
	return stats
}

// reply maps a bounded ccerr.Result to the single response.Consumer call
// the error-handling design allows: exactly one Post* per
// command, Failure treated as an OK no-op rather than an ERROR.
func reply(resp response.Consumer, result ccerr.Result, data ...any) {
	if resp == nil {
		return
	}
	switch {
	case result.IsError():
		resp.PostError(result.Message)
	case len(data) > 0:
		resp.PostData(data...)
	default:
		resp.PostOK()
	}
}

// attachAndRead is the Read/Load fast path shared by both stores: attach a
// SharedBuffer to rec, copy out its (decompressed) bytes, and release the
// attachment, all before the record's session lock (if any) is released.
func attachAndRead(domain types.Domain, acct *buffer.MemoryAccounting, rec *record.Record) ([]byte, error) {
	buf := buffer.New(domain, acct)
	if err := buf.AttachPayload(rec); err != nil {
		return nil, err
	}
	defer buf.Release()
	return buf.Bytes()
}

// installPayload copies payload into an owned SharedBuffer and transfers it
// into rec, the common Write/Save fast path. Requires the caller to already
// hold rec.Lock exclusively and have waited for zero readers.
func installPayload(domain types.Domain, acct *buffer.MemoryAccounting, rec *record.Record, payload []byte) error {
	buf := buffer.New(domain, acct)
	if err := buf.SetSize(len(payload)); err != nil {
		return err
	}
	raw, err := buf.Bytes()
	if err != nil {
		return err
	}
	copy(raw, payload)
	if err := buf.TransferPayload(rec, domain, len(payload), compress.None); err != nil {
		return err
	}
	buf.Release()
	return nil
}
