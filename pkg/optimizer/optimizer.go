// Package optimizer implements the single-threaded per-domain optimizer
// actor: four user-agent LRU chains, GC/eviction, a background
// re-compression pass, and auto-save scheduling. One instance runs for the
// Session domain and one for FPC; domain-specific policy is a switch on
// types.Domain rather than a separate Go type per domain.
package optimizer

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cybercache/corecache/pkg/buffer"
	"github.com/cybercache/corecache/pkg/compress"
	"github.com/cybercache/corecache/pkg/log"
	"github.com/cybercache/corecache/pkg/metrics"
	"github.com/cybercache/corecache/pkg/queue"
	"github.com/cybercache/corecache/pkg/record"
	"github.com/cybercache/corecache/pkg/types"
)

// DefaultMaxDeleteRetries bounds the out-of-order Delete re-enqueue policy.
const DefaultMaxDeleteRetries = 256

// ShardRouter lets the optimizer post a now-unlinked record to its owning
// shard's deletion queue without importing pkg/store.
type ShardRouter interface {
	EnqueueForDeletion(rec *record.Record)
}

// DispatcherBackend receives the optimizer's auto-save request. Implemented by pkg/dispatcher, which imports pkg/optimizer
// — so the optimizer only depends on this interface, not the concrete type.
type DispatcherBackend interface {
	RequestSaveStore(domain types.Domain)
}

// TagUnlinker receives an eviction notice for a record whose tag
// cross-references must be torn down before physical disposal: only the
// FPC optimizer is given one, since sessions
// carry no tags. When set, evictRecord hands eviction off to it instead of
// posting straight to the shard's deletion queue — the tag manager does
// that itself once it has cleared the record's tags.
type TagUnlinker interface {
	PostUnlink(rec *record.Record)
}

// LoadProvider reports current CPU load as a fraction in [0, 1], used to
// pick the re-compression pass budget bucket. Defaults to a provider that
// always reports idle.
type LoadProvider func() float64

// PassBudget caps one optimization pass for a given CPU-load bucket.
type PassBudget struct {
	MaxChecks         int
	MaxRecompressions int
}

// DefaultPassBudgets covers the five load buckets (0%, 1-33%, 34-66%,
// 67-99%, 100%), loosening the budget as load drops.
var DefaultPassBudgets = [5]PassBudget{
	{MaxChecks: 4096, MaxRecompressions: 256},
	{MaxChecks: 2048, MaxRecompressions: 128},
	{MaxChecks: 1024, MaxRecompressions: 64},
	{MaxChecks: 256, MaxRecompressions: 16},
	{MaxChecks: 64, MaxRecompressions: 4},
}

// Config bundles the Reconfigure-able tunables.
type Config struct {
	Mode                 types.EvictionMode
	RetainMin            [types.NumUserAgentClasses]int
	CompressorIDs []compress.ID
	// RecompressThreshold is the minimum compressed payload size, in
	// bytes, worth considering for re-compression.
	RecompressThreshold int
	OptimizationInterval time.Duration
	AutoSaveInterval     time.Duration
	QueueCapacity        int
	QueueMaxCapacity     int
	PassBudgets          [5]PassBudget
	MaxDeleteRetries     int

	// Session-specific lifetime ramp.
	SessionFirstWriteLifetime time.Duration
	SessionRampWrites         int
	SessionDefaultLifetime    time.Duration

	// FPC-specific per-class lifetime policy, indexed by
	// types.UserAgentClass.
	FPCDefaultLifetime  [types.NumUserAgentClasses]time.Duration
	FPCReadExtra        [types.NumUserAgentClasses]time.Duration
	FPCMaxLifetime      [types.NumUserAgentClasses]time.Duration
}

// DefaultConfig returns sensible defaults for domain.
func DefaultConfig(domain types.Domain) Config {
	cfg := Config{
		RecompressThreshold:  256,
		OptimizationInterval: 20 * time.Second,
		AutoSaveInterval:     0, // disabled unless configured
		QueueCapacity:        32,
		QueueMaxCapacity:     1024,
		PassBudgets:          DefaultPassBudgets,
		MaxDeleteRetries:     DefaultMaxDeleteRetries,
		CompressorIDs:        []compress.ID{compress.Zlib, compress.Zstd},
	}
	for i := range cfg.RetainMin {
		cfg.RetainMin[i] = 16
	}
	if domain == Session {
		cfg.Mode = types.ExpirationLRU
		cfg.SessionFirstWriteLifetime = time.Minute
		cfg.SessionRampWrites = 3
		cfg.SessionDefaultLifetime = time.Hour
	} else {
		cfg.Mode = types.LRU
		for i := range cfg.FPCDefaultLifetime {
			cfg.FPCDefaultLifetime[i] = time.Hour
			cfg.FPCReadExtra[i] = 10 * time.Minute
			cfg.FPCMaxLifetime[i] = 24 * time.Hour
		}
	}
	return cfg
}

// exported aliases so callers can write optimizer.Session / optimizer.FPC
// without importing pkg/types directly for this one symbol.
const (
	Session = types.Session
	FPC     = types.FPC
)

type chain struct {
	head, tail *record.Record
	count      int
}

func (c *chain) linkTail(rec *record.Record) {
	rec.LRUPrev = c.tail
	rec.LRUNext = nil
	if c.tail != nil {
		c.tail.LRUNext = rec
	} else {
		c.head = rec
	}
	c.tail = rec
	c.count++
}

func (c *chain) unlink(rec *record.Record) {
	if rec.LRUPrev != nil {
		rec.LRUPrev.LRUNext = rec.LRUNext
	} else if c.head == rec {
		c.head = rec.LRUNext
	}
	if rec.LRUNext != nil {
		rec.LRUNext.LRUPrev = rec.LRUPrev
	} else if c.tail == rec {
		c.tail = rec.LRUPrev
	}
	rec.LRUPrev, rec.LRUNext = nil, nil
	c.count--
}

func (c *chain) promote(rec *record.Record) {
	if c.tail == rec {
		return
	}
	c.unlink(rec)
	c.linkTail(rec)
}

// Optimizer is the single-threaded per-domain actor.
type Optimizer struct {
	domain types.Domain
	cfg    Config

	queue *queue.Queue[any]

	chains [types.NumUserAgentClasses]chain

	acct       *buffer.MemoryAccounting
	compressor *compress.List
	router      ShardRouter
	tagUnlinker TagUnlinker
	dispatcher  DispatcherBackend
	load        LoadProvider
	logger      zerolog.Logger

	inLoop  atomic.Bool
	stopCh  chan struct{}
	stopped chan struct{}

	lastPass time.Time
	lastSave time.Time

	iterClass int
	iterNode  *record.Record

	deleteRetriesTotal int64
	recompressedTotal  int64
	evictedTotal        int64
}

// New builds an Optimizer for domain. acct is the shared memory-accounting
// tracker; router lets evicted records reach their owning shard's deletion
// queue; dispatcher (may be nil) receives auto-save requests.
func New(domain types.Domain, cfg Config, acct *buffer.MemoryAccounting, router ShardRouter, dispatcher DispatcherBackend) *Optimizer {
	compressorList, err := compress.NewList(cfg.CompressorIDs)
	if err != nil {
		compressorList = &compress.List{}
	}
	o := &Optimizer{
		domain:     domain,
		cfg:        cfg,
		queue:      queue.New[any](cfg.QueueCapacity, cfg.QueueMaxCapacity),
		acct:       acct,
		compressor: compressorList,
		router:     router,
		dispatcher: dispatcher,
		load:       func() float64 { return 0 },
		logger:     log.WithComponent("optimizer").With().Str("domain", domain.String()).Logger(),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	return o
}

// SetLoadProvider overrides the CPU-load probe used to pick a pass budget.
func (o *Optimizer) SetLoadProvider(lp LoadProvider) { o.load = lp }

// SetTagUnlinker wires the FPC domain's tag manager in, so eviction routes
// through tag teardown instead of going straight to the deletion queue.
func (o *Optimizer) SetTagUnlinker(tu TagUnlinker) { o.tagUnlinker = tu }

// SetRouter wires the owning store in after construction, breaking the
// construction-order cycle between a store (which needs its optimizer
// built first) and the optimizer (which needs a router to post evictions
// to). Harmless to call even when a TagUnlinker is also set, since
// evictRecord prefers the unlinker when present.
func (o *Optimizer) SetRouter(r ShardRouter) { o.router = r }

// QueueLen reports the optimizer's pending message count, used by metrics
// collection.
func (o *Optimizer) QueueLen() int { return o.queue.Len() }

// Run executes the optimizer's loop until Stop is called. Intended to run
// in its own goroutine.
func (o *Optimizer) Run() {
	defer close(o.stopped)
	o.lastPass = time.Now()
	for {
		select {
		case <-o.stopCh:
			o.drainOnQuit()
			return
		default:
		}

		remaining := o.cfg.OptimizationInterval - time.Since(o.lastPass)
		if remaining <= 0 {
			o.runPass()
			continue
		}
		msg, ok := o.queue.GetTimeout(remaining)
		if ok {
			o.inLoop.Store(true)
			cont := o.handle(msg)
			o.inLoop.Store(false)
			if !cont {
				o.drainOnQuit()
				return
			}
		} else {
			o.runPass()
		}
	}
}

// Stop requests cooperative shutdown and blocks until the loop exits.
func (o *Optimizer) Stop() {
	select {
	case <-o.stopCh:
	default:
		close(o.stopCh)
	}
	<-o.stopped
}

func (o *Optimizer) drainOnQuit() {
	for {
		msg, ok := o.queue.TryGet()
		if !ok {
			return
		}
		o.inLoop.Store(true)
		o.handle(msg)
		o.inLoop.Store(false)
	}
}

// --- message types ---

type writeMsg struct {
	rec      *record.Record
	ua       types.UserAgentClass
	lifetime time.Duration
}
type readMsg struct {
	rec *record.Record
	ua  types.UserAgentClass
}
type deleteMsg struct {
	rec     *record.Record
	retries int
}
type gcMsg struct{ threshold time.Duration }
type touchMsg struct {
	rec      *record.Record
	lifetime time.Duration
}
type freeMemoryMsg struct {
	bytes int64
	done  chan int64
}
type reconfigureMsg struct{ cfg Config }
type quitMsg struct{}

// PostWrite enqueues a write notice.
func (o *Optimizer) PostWrite(rec *record.Record, ua types.UserAgentClass, lifetime time.Duration) {
	o.queue.Put(writeMsg{rec: rec, ua: ua, lifetime: lifetime})
}

// PostRead enqueues a read notice.
func (o *Optimizer) PostRead(rec *record.Record, ua types.UserAgentClass) {
	o.queue.Put(readMsg{rec: rec, ua: ua})
}

// PostDelete enqueues a delete notice.
func (o *Optimizer) PostDelete(rec *record.Record) {
	_ = o.queue.PutAlways(deleteMsg{rec: rec})
}

// PostGC enqueues a GC run request with the given expiration threshold.
func (o *Optimizer) PostGC(threshold time.Duration) {
	o.queue.Put(gcMsg{threshold: threshold})
}

// PostTouch enqueues a touch notice (FPC only).
func (o *Optimizer) PostTouch(rec *record.Record, lifetime time.Duration) {
	o.queue.Put(touchMsg{rec: rec, lifetime: lifetime})
}

// Reconfigure pushes a configuration change through the queue so it
// applies between message processing, never concurrently with a pass.
func (o *Optimizer) Reconfigure(cfg Config) {
	o.queue.Put(reconfigureMsg{cfg: cfg})
}

// Quit causes Run's loop to drain the queue and terminate.
func (o *Optimizer) Quit() {
	o.queue.Put(quitMsg{})
}

// FreeMemory evicts until at least bytes have been released or the
// iterator is exhausted, returning the amount actually freed. If called
// from the optimizer's own loop goroutine it runs synchronously; otherwise
// it posts a message and waits.
func (o *Optimizer) FreeMemory(bytes int64) int64 {
	if o.inLoop.Load() {
		return o.evictForBytes(bytes)
	}
	done := make(chan int64, 1)
	if err := o.queue.PutAlways(freeMemoryMsg{bytes: bytes, done: done}); err != nil {
		return 0
	}
	select {
	case freed := <-done:
		return freed
	case <-time.After(1500 * time.Millisecond):
		return 0
	}
}

func (o *Optimizer) handle(msg any) (cont bool) {
	switch m := msg.(type) {
	case writeMsg:
		o.onWrite(m.rec, m.ua, m.lifetime)
	case readMsg:
		o.onRead(m.rec, m.ua)
	case deleteMsg:
		o.onDelete(m)
	case gcMsg:
		o.runGC(m.threshold, true)
	case touchMsg:
		o.onTouch(m.rec, m.lifetime)
	case freeMemoryMsg:
		freed := o.evictForBytes(m.bytes)
		if m.done != nil {
			m.done <- freed
		}
	case reconfigureMsg:
		o.cfg = m.cfg
		compressorList, err := compress.NewList(m.cfg.CompressorIDs)
		if err == nil {
			o.compressor = compressorList
		}
	case quitMsg:
		return false
	}
	return true
}

func (o *Optimizer) onWrite(rec *record.Record, ua types.UserAgentClass, lifetime time.Duration) {
	rec.UserAgentClass = ua
	c := &o.chains[ua]
	if rec.HasFlag(types.LinkedByOptimizer) {
		c.unlink(rec)
	}
	c.linkTail(rec)
	rec.SetFlag(types.LinkedByOptimizer)
	rec.ClearFlag(types.Optimized)
	now := time.Now()
	rec.LastModified = now
	rec.Expiration = o.expirationForWrite(rec, ua, lifetime, now)
	o.maybeAutoSave()
}

func (o *Optimizer) onRead(rec *record.Record, ua types.UserAgentClass) {
	if !rec.HasFlag(types.LinkedByOptimizer) {
		return
	}
	o.chains[ua].promote(rec)
	if o.domain == types.Session && o.cfg.Mode == types.ExpirationLRU {
		if !rec.Expiration.IsZero() && time.Now().After(rec.Expiration) {
			rec.Expiration = time.Now().Add(o.cfg.SessionDefaultLifetime)
		}
	}
}

func (o *Optimizer) onTouch(rec *record.Record, lifetime time.Duration) {
	if !rec.HasFlag(types.LinkedByOptimizer) {
		return
	}
	o.chains[rec.UserAgentClass].promote(rec)
	// Open Question 4: a record whose expiration is already infinite is
	// left untouched, matching the source's behavior.
	if rec.Expiration.Equal(types.MaxTimestamp) {
		return
	}
	extra := o.cfg.FPCReadExtra[rec.UserAgentClass]
	if lifetime > 0 {
		extra = lifetime
	}
	newExp := time.Now().Add(extra)
	maxLifetime := o.cfg.FPCMaxLifetime[rec.UserAgentClass]
	if maxLifetime > 0 {
		if cap := rec.LastModified.Add(maxLifetime); newExp.After(cap) {
			newExp = cap
		}
	}
	rec.Expiration = newExp
}

func (o *Optimizer) onDelete(m deleteMsg) {
	rec := m.rec
	if !rec.HasFlag(types.LinkedByOptimizer) {
		maxRetries := o.cfg.MaxDeleteRetries
		if maxRetries <= 0 {
			maxRetries = DefaultMaxDeleteRetries
		}
		if m.retries < maxRetries {
			atomic.AddInt64(&o.deleteRetriesTotal, 1)
			metrics.OptimizerDeleteRetriesTotal.WithLabelValues(o.domain.String()).Inc()
			_ = o.queue.PutAlways(deleteMsg{rec: rec, retries: m.retries + 1})
			return
		}
		o.logger.Error().Str("key", string(rec.Key)).Msg("dropping delete notice after exceeding out-of-order retry budget")
		return
	}
	o.evictRecord(rec)
}

// evictRecord unlinks rec from its LRU chain and hands it off for physical
// disposal. FPC records route through the tag manager first so their tag
// cross-references are torn down before the shard ever sees them; session
// records (no tagUnlinker configured) go straight to the shard's deletion
// queue. Either way, the shard lock's own drain loop decides whether rec's
// reader count has reached zero yet;
// a nonzero count there just means the shard requeues it.
func (o *Optimizer) evictRecord(rec *record.Record) {
	o.chains[rec.UserAgentClass].unlink(rec)
	rec.ClearFlag(types.LinkedByOptimizer)
	if o.tagUnlinker != nil {
		o.tagUnlinker.PostUnlink(rec)
		return
	}
	if o.router != nil {
		o.router.EnqueueForDeletion(rec)
	}
}

func (o *Optimizer) expirationForWrite(rec *record.Record, ua types.UserAgentClass, lifetime time.Duration, now time.Time) time.Time {
	if o.domain == types.Session {
		if lifetime == 0 {
			rec.WriteCount++
			if rec.WriteCount <= o.cfg.SessionRampWrites && o.cfg.SessionFirstWriteLifetime > 0 {
				return now.Add(o.cfg.SessionFirstWriteLifetime)
			}
			return now.Add(o.cfg.SessionDefaultLifetime)
		}
		return now.Add(lifetime)
	}
	// FPC: lifetime 0 means the per-class default; a negative lifetime
	// (represented upstream as MAX_TIMESTAMP) means infinite.
	if lifetime < 0 {
		return types.MaxTimestamp
	}
	if lifetime == 0 {
		return now.Add(o.cfg.FPCDefaultLifetime[ua])
	}
	return now.Add(lifetime)
}

func (o *Optimizer) maybeAutoSave() {
	if o.cfg.AutoSaveInterval <= 0 || o.dispatcher == nil {
		return
	}
	if time.Since(o.lastSave) >= o.cfg.AutoSaveInterval {
		o.lastSave = time.Now()
		o.dispatcher.RequestSaveStore(o.domain)
	}
}
