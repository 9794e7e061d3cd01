package dispatcher

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cybercache/corecache/pkg/binlog"
	"github.com/cybercache/corecache/pkg/buffer"
	"github.com/cybercache/corecache/pkg/compress"
	"github.com/cybercache/corecache/pkg/config"
	"github.com/cybercache/corecache/pkg/log"
	"github.com/cybercache/corecache/pkg/metrics"
	"github.com/cybercache/corecache/pkg/optimizer"
	"github.com/cybercache/corecache/pkg/record"
	"github.com/cybercache/corecache/pkg/response"
	"github.com/cybercache/corecache/pkg/snapshot"
	"github.com/cybercache/corecache/pkg/store"
	"github.com/cybercache/corecache/pkg/types"
	"github.com/cybercache/corecache/pkg/worker"
)

// Config bundles the dispatcher's own tunables.
type Config struct {
	HealthCheckInterval    time.Duration
	ShutdownTimeout        time.Duration
	BinlogMaxBytes         int64
	DeallocationChunkBytes int64
	DeallocationMaxWait    time.Duration
	Version                string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval:    5 * time.Second,
		ShutdownTimeout:        10 * time.Second,
		BinlogMaxBytes:         64 << 20,
		DeallocationChunkBytes: 16 << 20,
		DeallocationMaxWait:    1500 * time.Millisecond,
	}
}

// domainEntities groups everything the dispatcher needs to drive store-save
// and store-load for one payload domain.
type domainEntities struct {
	binlogWriter *binlog.Writer
	binlogPath   string
}

// Dispatcher is the main dispatcher. It is built in two phases:
// New constructs it with no store references yet (so it can already be
// handed to both optimizers as their optimizer.DispatcherBackend at
// construction time), and SetStores wires the concrete stores in once they
// exist.
type Dispatcher struct {
	cfg           Config
	configStore   *config.Store
	acct          *buffer.MemoryAccounting
	snapshotStore *snapshot.Store
	domains       map[types.Domain]*domainEntities

	sessionStore *store.SessionStore
	fpcStore     *store.FPCStore

	saveRequests chan types.Domain
	stopCh       chan struct{}
	stopped      chan struct{}

	dealloc   sync.Mutex
	deallocCV *sync.Cond
	deallocBusy bool

	shutdownFn func()

	instanceID    string
	startTime     time.Time
	errorsTotal   atomic.Int64
	warningsTotal atomic.Int64

	logger zerolog.Logger
}

// New builds a Dispatcher. snapshotStore and the per-domain binlog writers
// may be nil (a deployment with persistence disabled); configStore must not
// be nil.
func New(cfg Config, configStore *config.Store, acct *buffer.MemoryAccounting, snapshotStore *snapshot.Store) *Dispatcher {
	d := &Dispatcher{
		cfg:           cfg,
		configStore:   configStore,
		acct:          acct,
		snapshotStore: snapshotStore,
		domains:       make(map[types.Domain]*domainEntities),
		saveRequests:  make(chan types.Domain, 8),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
		instanceID:    uuid.NewString(),
		startTime:     time.Now(),
		logger:        log.WithComponent("dispatcher"),
	}
	d.deallocCV = sync.NewCond(&d.dealloc)
	metrics.SetVersion(cfg.Version)
	metrics.RegisterComponent("dispatcher", true, "")
	return d
}

// SetStores completes construction once the two stores exist (their
// optimizers were built with this Dispatcher as their DispatcherBackend —
// see cmd/cybercached/main.go).
func (d *Dispatcher) SetStores(sessionStore *store.SessionStore, fpcStore *store.FPCStore) {
	d.sessionStore = sessionStore
	d.fpcStore = fpcStore
	metrics.RegisterComponent("store", true, "")
}

// SetBinlog registers domain's binlog writer and the filesystem path it was
// opened from (needed to reopen a fresh file on rotation).
func (d *Dispatcher) SetBinlog(domain types.Domain, w *binlog.Writer, path string) {
	d.domains[domain] = &domainEntities{binlogWriter: w, binlogPath: path}
}

// SetShutdownFunc registers the callback Dispatch invokes for a SHUTDOWN
// command, typically one that stops the worker pool, the two optimizers,
// the tag manager, and the binlog/replicator threads in the reverse
// dependency order. A nil func makes SHUTDOWN a
// no-op beyond acknowledging the request.
func (d *Dispatcher) SetShutdownFunc(fn func()) { d.shutdownFn = fn }

// Run executes the dispatcher's health-check timer and its store-save
// request queue until Stop is called. Intended to run in its own goroutine.
func (d *Dispatcher) Run() {
	defer close(d.stopped)
	ticker := time.NewTicker(d.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.healthCheck()
		case domain := <-d.saveRequests:
			if err := d.saveStore(domain); err != nil {
				d.logger.Error().Err(err).Str("domain", domain.String()).Msg("auto-save failed")
				d.errorsTotal.Add(1)
			}
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.stopped
}

// healthCheck updates component health and opportunistically runs memory
// reclamation for any domain that has drifted over quota, without waiting
// for an allocation failure to trigger it.
func (d *Dispatcher) healthCheck() {
	healthy := d.sessionStore != nil && d.fpcStore != nil
	metrics.UpdateComponent("dispatcher", healthy, "")
	if !healthy {
		return
	}
	for _, dom := range []types.Domain{types.Session, types.FPC} {
		if d.acct.OverQuota(dom) {
			d.BeginMemoryDeallocation(dom, d.cfg.DeallocationChunkBytes)
		}
	}
}

// RequestSaveStore implements optimizer.DispatcherBackend: an optimizer's
// auto-save timer posts here. Fire-and-forget: a
// full saveRequests queue silently drops the request rather than blocking
// the optimizer's own loop, the next auto-save interval will simply ask
// again.
func (d *Dispatcher) RequestSaveStore(domain types.Domain) {
	select {
	case d.saveRequests <- domain:
	default:
		d.logger.Warn().Str("domain", domain.String()).Msg("save-store request dropped, queue full")
		d.warningsTotal.Add(1)
	}
}

// BeginMemoryDeallocation coordinates process-wide memory reclamation:
// acquire the single deallocation slot, pick a victim domain
// (preferring whichever is over quota; ties go to the larger used size),
// and ask its optimizer to free at least requested bytes. Returns whether
// deallocation actually ran (false if it timed out waiting for the slot).
func (d *Dispatcher) BeginMemoryDeallocation(hint types.Domain, requested int64) bool {
	d.dealloc.Lock()
	deadline := time.Now().Add(d.cfg.DeallocationMaxWait)
	for d.deallocBusy {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			d.dealloc.Unlock()
			metrics.MemoryDeallocationFailuresTotal.Inc()
			return false
		}
		waitWithTimeout(d.deallocCV, remaining)
	}
	d.deallocBusy = true
	d.dealloc.Unlock()

	defer func() {
		d.dealloc.Lock()
		d.deallocBusy = false
		d.deallocCV.Broadcast()
		d.dealloc.Unlock()
	}()

	// hint is the calling thread's own domain; VictimDomain decides for
	// real, preferring whichever domain is actually over quota regardless
	// of which one asked.
	victim := d.acct.VictimDomain()

	chunk := requested
	if d.cfg.DeallocationChunkBytes > chunk {
		chunk = d.cfg.DeallocationChunkBytes
	}
	if 2*requested > chunk {
		chunk = 2 * requested
	}

	timer := metrics.NewTimer()
	opt := d.optimizerFor(victim)
	if opt == nil {
		metrics.MemoryDeallocationFailuresTotal.Inc()
		return false
	}
	freed := opt.FreeMemory(chunk)
	timer.ObserveDuration(metrics.MemoryDeallocationWaitSeconds)
	if freed <= 0 {
		metrics.MemoryDeallocationFailuresTotal.Inc()
		return false
	}
	return true
}

func (d *Dispatcher) optimizerFor(domain types.Domain) *optimizer.Optimizer {
	switch domain {
	case types.Session:
		if d.sessionStore != nil {
			return d.sessionStore.Optimizer()
		}
	case types.FPC:
		if d.fpcStore != nil {
			return d.fpcStore.Optimizer()
		}
	}
	return nil
}

// waitWithTimeout blocks on cv for at most timeout, the same timer-goroutine
// pattern pkg/queue uses since sync.Cond has no timed Wait.
func waitWithTimeout(cv *sync.Cond, timeout time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() { cv.Broadcast() })
	go func() {
		<-done
		timer.Stop()
	}()
	cv.Wait()
	close(done)
}

// Stats reports both domains' current statistics, used both by the STATS
// admin command and as the metrics.StatsFunc a metrics.Collector polls.
func (d *Dispatcher) Stats() []metrics.DomainStats {
	var stats []metrics.DomainStats
	if d.sessionStore != nil {
		stats = append(stats, d.sessionStore.Stats(d.sessionStore.Optimizer()))
	}
	if d.fpcStore != nil {
		stats = append(stats, d.fpcStore.Stats(d.fpcStore.Optimizer()))
	}
	return stats
}

// Dispatch implements worker.AdminDispatcher: the configuration-domain
// commands the worker forwards here unchanged. Authentication has already
// happened in pkg/worker before a command reaches this method.
func (d *Dispatcher) Dispatch(cmd *worker.Command, resp response.Consumer) {
	switch cmd.ID {
	case worker.Ping:
		resp.PostOK()
	case worker.Check:
		d.handleCheck(resp)
	case worker.Info:
		d.handleInfo(resp)
	case worker.Stats:
		d.handleStats(resp)
	case worker.Shutdown:
		d.handleShutdown(resp)
	case worker.LoadConfig:
		d.handleLoadConfig(cmd, resp)
	case worker.Restore:
		d.handleRestore(cmd, resp)
	case worker.StoreSave:
		d.handleStoreSave(cmd, resp)
	case worker.Get:
		d.handleGet(cmd, resp)
	case worker.Set:
		d.handleSet(cmd, resp)
	case worker.Log:
		d.handleLog(cmd, resp)
	case worker.Rotate:
		d.handleRotate(cmd, resp)
	default:
		resp.PostError(fmt.Sprintf("dispatcher: unhandled command id %d", cmd.ID))
	}
}

func (d *Dispatcher) handleCheck(resp response.Consumer) {
	var queueDepth int
	if d.sessionStore != nil {
		queueDepth += d.sessionStore.Optimizer().QueueLen()
	}
	if d.fpcStore != nil {
		queueDepth += d.fpcStore.Optimizer().QueueLen()
	}
	resp.PostData(queueDepth, d.errorsTotal.Load(), d.warningsTotal.Load())
}

// InstanceID identifies this server instance across restarts; INFO reports
// it so operators can tell whether two probes hit the same process.
func (d *Dispatcher) InstanceID() string { return d.instanceID }

func (d *Dispatcher) handleInfo(resp response.Consumer) {
	resp.PostData(d.cfg.Version, d.instanceID, time.Since(d.startTime).String(), d.startTime)
}

func (d *Dispatcher) handleStats(resp response.Consumer) {
	resp.PostData(toAnySlice(d.Stats())...)
}

func toAnySlice(stats []metrics.DomainStats) []any {
	out := make([]any, len(stats))
	for i, s := range stats {
		out[i] = s
	}
	return out
}

func (d *Dispatcher) handleShutdown(resp response.Consumer) {
	resp.PostOK()
	if d.shutdownFn != nil {
		go d.shutdownFn()
	}
}

func (d *Dispatcher) handleLoadConfig(cmd *worker.Command, resp response.Consumer) {
	path := string(cmd.Key)
	if path == "" {
		resp.PostError("LOADCONFIG requires a configuration file path")
		return
	}
	cfg, err := config.Load(path)
	if err != nil {
		resp.PostError(err.Error())
		return
	}
	d.configStore.Reload(cfg)
	resp.PostOK()
}

func (d *Dispatcher) handleGet(cmd *worker.Command, resp response.Consumer) {
	value, err := d.configStore.Get(string(cmd.Key))
	if err != nil {
		resp.PostError(err.Error())
		return
	}
	resp.PostData(value)
}

func (d *Dispatcher) handleSet(cmd *worker.Command, resp response.Consumer) {
	if err := d.configStore.Set(string(cmd.Key), string(cmd.Payload)); err != nil {
		resp.PostError(err.Error())
		return
	}
	resp.PostOK()
}

func (d *Dispatcher) handleLog(cmd *worker.Command, resp response.Consumer) {
	level, err := zerolog.ParseLevel(string(cmd.Key))
	if err != nil {
		resp.PostError(err.Error())
		return
	}
	zerolog.SetGlobalLevel(level)
	resp.PostOK()
}

func (d *Dispatcher) handleRotate(cmd *worker.Command, resp response.Consumer) {
	de, ok := d.domains[cmd.Domain]
	if !ok || de.binlogWriter == nil {
		resp.PostError("no binlog configured for domain")
		return
	}
	path := de.binlogPath + "." + strconv.FormatInt(time.Now().UnixNano(), 10)
	newStore, err := binlog.OpenBoltLogStore(path)
	if err != nil {
		resp.PostError(err.Error())
		return
	}
	if err := de.binlogWriter.Rotate(newStore); err != nil {
		resp.PostError(err.Error())
		return
	}
	de.binlogPath = path
	resp.PostOK()
}

// handleStoreSave drives the store-save procedure for cmd.Domain: enumerate every live record under its shard's shared lock,
// build a persisted snapshot.Entry for it, and append a synthetic,
// non-network WRITE/SAVE command to the domain's binlog through a
// notifying SnapshotWriter, so a later replay of the binlog alone can
// reconstruct the same state without the snapshot file.
func (d *Dispatcher) handleStoreSave(cmd *worker.Command, resp response.Consumer) {
	if err := d.saveStore(cmd.Domain); err != nil {
		resp.PostError(err.Error())
		return
	}
	resp.PostOK()
}

func (d *Dispatcher) saveStore(domain types.Domain) error {
	if d.snapshotStore == nil {
		return fmt.Errorf("dispatcher: no snapshot store configured")
	}
	entries, err := d.collectEntries(domain)
	if err != nil {
		return err
	}
	if err := d.snapshotStore.Save(domain, entries); err != nil {
		return err
	}
	d.echoToBinlog(domain, entries)
	return nil
}

func (d *Dispatcher) collectEntries(domain types.Domain) ([]snapshot.Entry, error) {
	var entries []snapshot.Entry
	var enumErr error
	collect := func(rec *record.Record) bool {
		if rec.HasFlag(types.BeingDeleted) || rec.HasFlag(types.Deleted) {
			return true
		}
		entry := snapshot.Entry{
			Key:              append([]byte(nil), rec.Key...),
			Payload:          append([]byte(nil), rec.Bytes...),
			Compressor:       rec.Compressor,
			UncompressedSize: rec.UncompressedSize,
			UserAgentClass:   rec.UserAgentClass,
			ExpirationUnix:   expirationUnix(rec),
		}
		if domain == types.FPC {
			names, err := d.fetchTagNames(rec)
			if err != nil {
				enumErr = err
				return false
			}
			entry.Tags = names
		}
		entries = append(entries, entry)
		return true
	}
	switch domain {
	case types.Session:
		if d.sessionStore == nil {
			return nil, fmt.Errorf("dispatcher: session store not wired")
		}
		d.sessionStore.EnumerateRecords(collect)
	case types.FPC:
		if d.fpcStore == nil {
			return nil, fmt.Errorf("dispatcher: FPC store not wired")
		}
		d.fpcStore.EnumerateRecords(collect)
	default:
		return nil, fmt.Errorf("dispatcher: unknown domain %v", domain)
	}
	return entries, enumErr
}

func expirationUnix(rec *record.Record) int64 {
	if rec.Expiration.IsZero() || rec.Expiration.Equal(types.MaxTimestamp) {
		return 0
	}
	return rec.Expiration.Unix()
}

// metadataCapture is a response.Consumer that hands a single PostData call
// back over a channel, letting saveStore synchronously read a record's tag
// names from the tag manager's single owning thread without blocking it.
type metadataCapture struct {
	ch chan []string
}

func newMetadataCapture() *metadataCapture { return &metadataCapture{ch: make(chan []string, 1)} }

func (c *metadataCapture) PostOK()          { c.ch <- nil }
func (c *metadataCapture) PostError(string) { c.ch <- nil }
func (c *metadataCapture) PostList(items []string) { c.ch <- items }
func (c *metadataCapture) PostData(values ...any) {
	if len(values) == 3 {
		if names, ok := values[2].([]string); ok {
			c.ch <- names
			return
		}
	}
	c.ch <- nil
}

func (d *Dispatcher) fetchTagNames(rec *record.Record) ([][]byte, error) {
	tm := d.fpcStore.TagManager()
	capture := newMetadataCapture()
	tm.PostGetMetadatas(rec, capture)
	select {
	case names := <-capture.ch:
		out := make([][]byte, len(names))
		for i, n := range names {
			out[i] = []byte(n)
		}
		return out, nil
	case <-time.After(d.cfg.ShutdownTimeout):
		return nil, fmt.Errorf("dispatcher: timed out waiting for tag metadata of %q", rec.Key)
	}
}

// echoToBinlog appends one synthetic, non-network command per saved entry
//: a plain *binlog.Writer refuses
// FromNetwork-false commands, so the echo goes through a SnapshotWriter,
// which reuses the writer's low-level append without that check.
func (d *Dispatcher) echoToBinlog(domain types.Domain, entries []snapshot.Entry) {
	de, ok := d.domains[domain]
	if !ok || de.binlogWriter == nil {
		return
	}
	sw := binlog.NewSnapshotWriter(de.binlogWriter)
	kind := binlog.KindWrite
	if domain == types.FPC {
		kind = binlog.KindSave
	}
	for _, e := range entries {
		cmd := &binlog.Command{
			Domain:         domain,
			Kind:           kind,
			Key:            e.Key,
			Payload:        e.Payload,
			Tags:           e.Tags,
			UserAgentClass: e.UserAgentClass,
			FromNetwork:    false,
		}
		if _, err := sw.Append(cmd); err != nil {
			d.logger.Error().Err(err).Str("key", string(e.Key)).Msg("snapshot echo append failed")
			d.errorsTotal.Add(1)
		}
	}
	sw.Finish()
	<-sw.Done()
	if de.binlogWriter.NeedsRotation(d.cfg.BinlogMaxBytes) {
		d.logger.Info().Str("domain", domain.String()).Msg("binlog due for rotation")
	}
}

// handleRestore drives the store-load procedure:
// replay every persisted entry back through the normal Write/Save command
// path with a discarding response consumer. This restarts each record's
// expiration clock from the configured defaults rather than preserving the
// exact original timestamp — see the "store-load lifetime" decision in
// DESIGN.md.
func (d *Dispatcher) handleRestore(cmd *worker.Command, resp response.Consumer) {
	if d.snapshotStore == nil {
		resp.PostError("no snapshot store configured")
		return
	}
	var loadErr error
	err := d.snapshotStore.Load(cmd.Domain, func(e snapshot.Entry) error {
		d.restoreEntry(cmd.Domain, e)
		return nil
	})
	if err != nil {
		loadErr = err
	}
	if loadErr != nil {
		resp.PostError(loadErr.Error())
		return
	}
	resp.PostOK()
}

func (d *Dispatcher) restoreEntry(domain types.Domain, e snapshot.Entry) {
	payload, err := decodeEntryPayload(e)
	if err != nil {
		d.logger.Error().Err(err).Str("key", string(e.Key)).Msg("store-load decode failed")
		d.errorsTotal.Add(1)
		return
	}
	switch domain {
	case types.Session:
		if d.sessionStore != nil {
			d.sessionStore.Write(e.Key, e.UserAgentClass, 0, 0, payload, response.Discard{})
		}
	case types.FPC:
		if d.fpcStore != nil {
			tags := make([][]byte, len(e.Tags))
			copy(tags, e.Tags)
			d.fpcStore.Save(e.Key, e.UserAgentClass, 0, payload, tags, response.Discard{})
		}
	}
}

func decodeEntryPayload(e snapshot.Entry) ([]byte, error) {
	if e.Compressor == compress.None {
		return e.Payload, nil
	}
	return compress.Unpack(e.Compressor, e.Payload, e.UncompressedSize)
}
