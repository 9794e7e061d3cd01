// Package tagmanager implements the FPC tag index actor: a single
// goroutine owns a name-to-Tag map and is the only mutator
// of tag cross-references, so the payload stores can mutate record payloads
// fully concurrently without touching tag state.
package tagmanager

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cybercache/corecache/pkg/buffer"
	"github.com/cybercache/corecache/pkg/log"
	"github.com/cybercache/corecache/pkg/metrics"
	"github.com/cybercache/corecache/pkg/optimizer"
	"github.com/cybercache/corecache/pkg/queue"
	"github.com/cybercache/corecache/pkg/record"
	"github.com/cybercache/corecache/pkg/response"
	"github.com/cybercache/corecache/pkg/types"
)

// sentinelTagName marks a record that was saved with no real tags, so
// enumeration and "not matching any tag" queries have a uniform
// cross-reference to scan instead of special-casing the empty list.
var sentinelTagName = []byte("\x00untagged")

// StoreBackend is implemented by the FPC store, letting the tag manager
// enqueue disposed records and enumerate all live records without
// importing pkg/store (which itself imports pkg/tagmanager).
type StoreBackend interface {
	EnqueueForDeletion(rec *record.Record)
	EnumerateRecords(fn func(rec *record.Record) bool)
}

// Config bundles the tag manager's tunables.
type Config struct {
	QueueCapacity    int
	QueueMaxCapacity int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{QueueCapacity: 32, QueueMaxCapacity: 4096}
}

// TagManager is the single-threaded FPC tag index.
type TagManager struct {
	cfg   Config
	tags  map[string]*record.Tag
	queue *queue.Queue[any]

	store  StoreBackend
	fpcOpt *optimizer.Optimizer
	acct   *buffer.MemoryAccounting
	logger zerolog.Logger

	stopCh  chan struct{}
	stopped chan struct{}
}

// New builds a TagManager. store may be nil at construction time (the FPC
// store needs this TagManager built first); call SetStore once it exists.
// fpcOpt receives write-notices after Save relinks tags; acct is the FPC
// domain's memory accounting, used to release disposed payloads.
func New(cfg Config, store StoreBackend, fpcOpt *optimizer.Optimizer, acct *buffer.MemoryAccounting) *TagManager {
	return &TagManager{
		cfg:     cfg,
		tags:    make(map[string]*record.Tag),
		queue:   queue.New[any](cfg.QueueCapacity, cfg.QueueMaxCapacity),
		store:   store,
		fpcOpt:  fpcOpt,
		acct:    acct,
		logger:  log.WithComponent("tagmanager"),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// SetStore wires the owning FPC store in after construction, breaking the
// construction-order cycle (the store's constructor wants this TagManager
// already built).
func (tm *TagManager) SetStore(store StoreBackend) { tm.store = store }

// Run processes messages until Stop is called.
func (tm *TagManager) Run() {
	defer close(tm.stopped)
	for {
		msg, ok := tm.queue.GetTimeout(time.Second)
		metrics.TagManagerQueueLength.Set(float64(tm.queue.Len()))
		if !ok {
			select {
			case <-tm.stopCh:
				tm.Drain()
				return
			default:
				continue
			}
		}
		if !tm.handle(msg) {
			tm.Drain()
			return
		}
	}
}

// Stop requests shutdown and waits for the loop to exit.
func (tm *TagManager) Stop() {
	select {
	case <-tm.stopCh:
	default:
		close(tm.stopCh)
	}
	tm.queue.Put(quitMsg{})
	<-tm.stopped
}

// Drain processes every currently-queued message synchronously on the
// calling goroutine. Run calls this on shutdown; tests that don't want to
// spin up Run's background goroutine can call it directly after posting a
// command to pump the actor forward.
func (tm *TagManager) Drain() {
	for {
		msg, ok := tm.queue.TryGet()
		if !ok {
			return
		}
		tm.handle(msg)
	}
}

type unlinkMsg struct{ rec *record.Record }
type saveMsg struct {
	rec      *record.Record
	tags     [][]byte
	lifetime time.Duration
	resp     response.Consumer
}
type removeMsg struct {
	rec  *record.Record
	resp response.Consumer
}
type cleanMsg struct {
	mode types.CleanMode
	tags [][]byte
	resp response.Consumer
}
type getIdsMsg struct{ resp response.Consumer }
type getTagsMsg struct{ resp response.Consumer }
type getIdsMatchingMsg struct {
	mode types.CleanMode // reuses CleanMatchingAllTags/AnyTags/NotMatchingAnyTag
	tags [][]byte
	resp response.Consumer
}
type getMetadatasMsg struct {
	rec  *record.Record
	resp response.Consumer
}
type quitMsg struct{}

// PostUnlink enqueues an Unlink message (from the optimizer's GC path).
func (tm *TagManager) PostUnlink(rec *record.Record) { tm.queue.Put(unlinkMsg{rec: rec}) }

// PostSave enqueues a Save command. lifetime is forwarded to the FPC
// optimizer's write-notice unchanged (0 means its per-class default,
// negative means infinite). The caller must have released any payload
// reader reference on rec first: the tag
// manager reads and mutates rec directly, it never clones the Record
// itself, but it must never be left holding a reader reference that would
// make a concurrent Write wait on it.
func (tm *TagManager) PostSave(rec *record.Record, tags [][]byte, lifetime time.Duration, resp response.Consumer) {
	tm.queue.Put(saveMsg{rec: rec, tags: tags, lifetime: lifetime, resp: resp})
}

// PostRemove enqueues a Remove command; see PostSave's reader-reference note.
func (tm *TagManager) PostRemove(rec *record.Record, resp response.Consumer) {
	tm.queue.Put(removeMsg{rec: rec, resp: resp})
}

// PostClean enqueues a Clean command.
func (tm *TagManager) PostClean(mode types.CleanMode, tags [][]byte, resp response.Consumer) {
	tm.queue.Put(cleanMsg{mode: mode, tags: tags, resp: resp})
}

// PostGetIds enqueues a GetIds command.
func (tm *TagManager) PostGetIds(resp response.Consumer) { tm.queue.Put(getIdsMsg{resp: resp}) }

// PostGetTags enqueues a GetTags command.
func (tm *TagManager) PostGetTags(resp response.Consumer) { tm.queue.Put(getTagsMsg{resp: resp}) }

// PostGetIdsMatching enqueues one of the three matching variants: mode must
// be CleanMatchingAllTags, CleanMatchingAnyTag, or CleanNotMatchingAnyTag.
func (tm *TagManager) PostGetIdsMatching(mode types.CleanMode, tags [][]byte, resp response.Consumer) {
	tm.queue.Put(getIdsMatchingMsg{mode: mode, tags: tags, resp: resp})
}

// PostGetMetadatas enqueues a GetMetadatas command; see PostSave's
// reader-reference note.
func (tm *TagManager) PostGetMetadatas(rec *record.Record, resp response.Consumer) {
	tm.queue.Put(getMetadatasMsg{rec: rec, resp: resp})
}

func (tm *TagManager) handle(msg any) (cont bool) {
	switch m := msg.(type) {
	case unlinkMsg:
		tm.onUnlink(m.rec)
	case saveMsg:
		tm.onSave(m.rec, m.tags, m.lifetime, m.resp)
	case removeMsg:
		tm.onRemove(m.rec, m.resp)
	case cleanMsg:
		tm.onClean(m.mode, m.tags, m.resp)
	case getIdsMsg:
		tm.onGetIds(m.resp)
	case getTagsMsg:
		tm.onGetTags(m.resp)
	case getIdsMatchingMsg:
		tm.onGetIdsMatching(m.mode, m.tags, m.resp)
	case getMetadatasMsg:
		tm.onGetMetadatas(m.rec, m.resp)
	case quitMsg:
		return false
	}
	return true
}

func tagKey(name []byte) string { return string(name) }

func (tm *TagManager) findOrCreateTag(name []byte) *record.Tag {
	key := tagKey(name)
	t, ok := tm.tags[key]
	if !ok {
		t = &record.Tag{Name: append([]byte(nil), name...)}
		tm.tags[key] = t
	}
	return t
}

func (tm *TagManager) disposeIfEmpty(t *record.Tag) {
	if t.Empty() {
		delete(tm.tags, tagKey(t.Name))
	}
}

// unlinkRecordTags removes every one of rec's tag cross-references,
// disposing any tag whose marked list becomes empty as a result.
func (tm *TagManager) unlinkRecordTags(rec *record.Record) {
	refs := rec.TagRefs
	rec.TagRefs = nil
	for _, ref := range refs {
		t := ref.Tag
		t.Unlink(ref)
		tm.disposeIfEmpty(t)
	}
}

func (tm *TagManager) releasePayload(rec *record.Record) {
	if rec.HasFlag(types.Payload) {
		if tm.acct != nil {
			tm.acct.ReleasePayload(types.FPC, rec.CompressedSize)
		}
		rec.Bytes = nil
		rec.CompressedSize = 0
		rec.ClearFlag(types.Payload)
	}
}

// onUnlink implements the optimizer GC path: tear down the record's tag
// cross-references and hand it back to its shard for disposal.
func (tm *TagManager) onUnlink(rec *record.Record) {
	if !rec.HasFlag(types.LinkedByTM) {
		// Tolerates a redundant Unlink for the same record.
		return
	}
	tm.unlinkRecordTags(rec)
	rec.ClearFlag(types.LinkedByTM)
	tm.releasePayload(rec)
	if tm.store != nil {
		tm.store.EnqueueForDeletion(rec)
	}
}

// onSave implements Save.
func (tm *TagManager) onSave(rec *record.Record, tagNames [][]byte, lifetime time.Duration, resp response.Consumer) {
	tm.unlinkRecordTags(rec)

	if len(tagNames) == 0 {
		tagNames = [][]byte{sentinelTagName}
	}
	seen := make(map[string]bool, len(tagNames))
	for _, name := range tagNames {
		key := tagKey(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		t := tm.findOrCreateTag(name)
		ref := &record.TagRef{Record: rec}
		t.Link(ref)
		rec.TagRefs = append(rec.TagRefs, ref)
	}
	rec.SetFlag(types.LinkedByTM)
	if tm.fpcOpt != nil {
		tm.fpcOpt.PostWrite(rec, rec.UserAgentClass, lifetime)
	}
	if resp != nil {
		resp.PostOK()
	}
}

// onRemove implements Remove: unlink tags, release payload, dispose,
// notify the optimizer.
func (tm *TagManager) onRemove(rec *record.Record, resp response.Consumer) {
	linked := rec.HasFlag(types.LinkedByTM)
	tm.unlinkRecordTags(rec)
	rec.ClearFlag(types.LinkedByTM)
	tm.releasePayload(rec)
	// A record no longer linked was already enqueued by an earlier Unlink.
	if linked && tm.store != nil {
		tm.store.EnqueueForDeletion(rec)
	}
	if tm.fpcOpt != nil {
		tm.fpcOpt.PostDelete(rec)
	}
	if resp != nil {
		resp.PostOK()
	}
}

// onGetMetadatas responds with the record's expiration, last-modification
// time, and tag name list (filtering the untagged sentinel).
func (tm *TagManager) onGetMetadatas(rec *record.Record, resp response.Consumer) {
	names := tm.tagNamesOf(rec)
	if resp != nil {
		resp.PostData(rec.Expiration, rec.LastModified, names)
	}
}

func (tm *TagManager) tagNamesOf(rec *record.Record) []string {
	names := make([]string, 0, len(rec.TagRefs))
	for _, ref := range rec.TagRefs {
		if ref.Tag == nil {
			continue
		}
		if tagKey(ref.Tag.Name) == tagKey(sentinelTagName) {
			continue
		}
		names = append(names, string(ref.Tag.Name))
	}
	return names
}

func (tm *TagManager) onGetIds(resp response.Consumer) {
	var ids []string
	if tm.store != nil {
		tm.store.EnumerateRecords(func(rec *record.Record) bool {
			ids = append(ids, string(rec.Key))
			return true
		})
	}
	if resp != nil {
		resp.PostList(ids)
	}
}

func (tm *TagManager) onGetTags(resp response.Consumer) {
	names := make([]string, 0, len(tm.tags))
	for key := range tm.tags {
		if key == tagKey(sentinelTagName) {
			continue
		}
		names = append(names, key)
	}
	if resp != nil {
		resp.PostList(names)
	}
}

// onClean dispatches to the appropriate strategy; "old" is forwarded to the
// FPC optimizer's GC, everything else is handled here directly.
func (tm *TagManager) onClean(mode types.CleanMode, tagNames [][]byte, resp response.Consumer) {
	switch mode {
	case types.CleanOld:
		if tm.fpcOpt != nil {
			tm.fpcOpt.PostGC(0)
		}
	case types.CleanAll:
		tm.cleanMatching(func(*record.Record) bool { return true })
	case types.CleanMatchingAllTags:
		tm.cleanMatchingAllTags(tagNames)
	case types.CleanMatchingAnyTag:
		set := tm.tagSet(tagNames)
		tm.cleanMatching(func(rec *record.Record) bool { return tm.matchesAny(rec, set) })
	case types.CleanNotMatchingAnyTag:
		set := tm.tagSet(tagNames)
		tm.cleanMatching(func(rec *record.Record) bool { return !tm.matchesAny(rec, set) })
	}
	if resp != nil {
		resp.PostOK()
	}
}

func (tm *TagManager) tagSet(names [][]byte) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[tagKey(n)] = true
	}
	return set
}

func (tm *TagManager) matchesAny(rec *record.Record, set map[string]bool) bool {
	for _, ref := range rec.TagRefs {
		if ref.Tag != nil && set[tagKey(ref.Tag.Name)] {
			return true
		}
	}
	return false
}

func (tm *TagManager) matchesAll(rec *record.Record, names [][]byte) bool {
	for _, name := range names {
		found := false
		for _, ref := range rec.TagRefs {
			if ref.Tag != nil && tagKey(ref.Tag.Name) == tagKey(name) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// cleanMatching enumerates the whole FPC domain and forwards every match.
func (tm *TagManager) cleanMatching(match func(*record.Record) bool) {
	if tm.store == nil {
		return
	}
	var hits []*record.Record
	tm.store.EnumerateRecords(func(rec *record.Record) bool {
		if match(rec) {
			hits = append(hits, rec)
		}
		return true
	})
	for _, rec := range hits {
		tm.disposeMatch(rec)
	}
}

// disposeMatch marks rec for deletion and forwards a delete-notice to the
// optimizer. MarkBeingDeleted makes this idempotent against a concurrent
// Remove/expiry on the same record racing in from a store goroutine: whichever one wins the mark is the only one that
// unlinks tags and notifies the optimizer.
func (tm *TagManager) disposeMatch(rec *record.Record) {
	if !rec.MarkBeingDeleted() {
		return
	}
	tm.unlinkRecordTags(rec)
	rec.ClearFlag(types.LinkedByTM)
	if tm.fpcOpt != nil {
		tm.fpcOpt.PostDelete(rec)
	}
}

// cleanMatchingAllTags iterates the shortest marked-list among the
// requested tags, bounding work by the smallest candidate set, with the
// dummy-reference trick keeping every requested tag alive while that list
// is iterated.
func (tm *TagManager) cleanMatchingAllTags(tagNames [][]byte) {
	if len(tagNames) == 0 {
		return
	}
	tags := make([]*record.Tag, 0, len(tagNames))
	for _, name := range tagNames {
		t, ok := tm.tags[tagKey(name)]
		if !ok {
			return // at least one requested tag doesn't exist: no matches
		}
		tags = append(tags, t)
	}

	shortest := tags[0]
	for _, t := range tags[1:] {
		if t.Count < shortest.Count {
			shortest = t
		}
	}

	dummies := make([]*record.TagRef, len(tags))
	for i, t := range tags {
		dummies[i] = &record.TagRef{}
		t.Link(dummies[i])
	}

	var hits []*record.Record
	for ref := shortest.Head; ref != nil; ref = ref.Next {
		if ref.Record == nil {
			continue // a dummy reference
		}
		if tm.matchesAll(ref.Record, tagNames) {
			hits = append(hits, ref.Record)
		}
	}
	for _, rec := range hits {
		tm.disposeMatch(rec)
	}

	for i, t := range tags {
		t.Unlink(dummies[i])
		tm.disposeIfEmpty(t)
	}
}

// onGetIdsMatching implements GetIdsMatching{Tags,AnyTags,NotMatchingTags}.
func (tm *TagManager) onGetIdsMatching(mode types.CleanMode, tagNames [][]byte, resp response.Consumer) {
	var ids []string
	switch mode {
	case types.CleanMatchingAllTags:
		ids = tm.idsMatchingAllTags(tagNames)
	case types.CleanMatchingAnyTag:
		set := tm.tagSet(tagNames)
		tm.enumerateFPC(func(rec *record.Record) {
			if tm.matchesAny(rec, set) {
				ids = append(ids, string(rec.Key))
			}
		})
	case types.CleanNotMatchingAnyTag:
		set := tm.tagSet(tagNames)
		tm.enumerateFPC(func(rec *record.Record) {
			if !tm.matchesAny(rec, set) {
				ids = append(ids, string(rec.Key))
			}
		})
	}
	if resp != nil {
		resp.PostList(ids)
	}
}

func (tm *TagManager) enumerateFPC(fn func(*record.Record)) {
	if tm.store == nil {
		return
	}
	tm.store.EnumerateRecords(func(rec *record.Record) bool {
		fn(rec)
		return true
	})
}

func (tm *TagManager) idsMatchingAllTags(tagNames [][]byte) []string {
	if len(tagNames) == 0 {
		return nil
	}
	tags := make([]*record.Tag, 0, len(tagNames))
	for _, name := range tagNames {
		t, ok := tm.tags[tagKey(name)]
		if !ok {
			return nil
		}
		tags = append(tags, t)
	}
	shortest := tags[0]
	for _, t := range tags[1:] {
		if t.Count < shortest.Count {
			shortest = t
		}
	}
	var ids []string
	for ref := shortest.Head; ref != nil; ref = ref.Next {
		if ref.Record == nil {
			continue
		}
		if tm.matchesAll(ref.Record, tagNames) {
			ids = append(ids, string(ref.Record.Key))
		}
	}
	return ids
}
