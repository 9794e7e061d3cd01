package store

import (
	"time"

	"github.com/cybercache/corecache/pkg/buffer"
	"github.com/cybercache/corecache/pkg/ccerr"
	"github.com/cybercache/corecache/pkg/hashcode"
	"github.com/cybercache/corecache/pkg/optimizer"
	"github.com/cybercache/corecache/pkg/record"
	"github.com/cybercache/corecache/pkg/response"
	"github.com/cybercache/corecache/pkg/tagmanager"
	"github.com/cybercache/corecache/pkg/types"
)

// FPCStore implements the Full-Page Cache object store: Load/Test/Save/Remove/Clean/Touch plus the tag-query
// commands, which it forwards unchanged to its tagmanager.TagManager.
type FPCStore struct {
	base
	opt *optimizer.Optimizer
	tm  *tagmanager.TagManager
}

// NewFPCStore builds an FPC store. opt owns eviction/lifetime policy for
// every record here; tm owns tag cross-references. opt is wired to route
// evictions through tm so tags never outlive their record.
func NewFPCStore(cfg Config, hasher hashcode.Hasher, acct *buffer.MemoryAccounting, opt *optimizer.Optimizer, tm *tagmanager.TagManager) *FPCStore {
	s := &FPCStore{
		base: newBase(types.FPC, cfg, hasher, acct),
		opt:  opt,
		tm:   tm,
	}
	opt.SetTagUnlinker(tm)
	opt.SetRouter(s)
	tm.SetStore(s)
	return s
}

// Optimizer returns the store's backing optimizer.
func (s *FPCStore) Optimizer() *optimizer.Optimizer { return s.opt }

// TagManager returns the store's tag index actor.
func (s *FPCStore) TagManager() *tagmanager.TagManager { return s.tm }

// Load returns id's payload if present and unexpired.
func (s *FPCStore) Load(id []byte, ua types.UserAgentClass, resp response.Consumer) {
	hash := s.hasher.Sum64(id)
	sh := s.shardFor(hash)

	sh.Lock.LockShared()
	rec := sh.Find(hash, id)
	if rec == nil {
		sh.Lock.UnlockShared()
		reply(resp, ccerr.NotFound)
		return
	}
	if s.isExpired(rec) {
		s.expireRecord(rec)
		sh.Lock.UnlockShared()
		reply(resp, ccerr.NotFound)
		return
	}

	payload, err := attachAndRead(types.FPC, s.acct, rec)
	sh.Lock.UnlockShared()

	if err != nil {
		reply(resp, ccerr.InternalFromErr(err))
		return
	}
	if payload == nil {
		reply(resp, ccerr.NotFound)
		return
	}
	reply(resp, ccerr.Ok, payload)
	s.opt.PostRead(rec, ua)
}

// Test reports whether id exists (and is unexpired) without reading its
// payload, responding with its last-modification time.
func (s *FPCStore) Test(id []byte, resp response.Consumer) {
	hash := s.hasher.Sum64(id)
	sh := s.shardFor(hash)

	sh.Lock.LockShared()
	rec := sh.Find(hash, id)
	if rec == nil || s.isExpired(rec) {
		if rec != nil {
			s.expireRecord(rec)
		}
		sh.Lock.UnlockShared()
		reply(resp, ccerr.NotFound)
		return
	}
	lastModified := rec.LastModified
	sh.Lock.UnlockShared()
	reply(resp, ccerr.Ok, lastModified)
}

// Save finds-or-creates id's record, installs payload, then forwards tag
// linkage and the optimizer write-notice to the tag manager. lifetime 0 means the FPC domain's per-class default, negative
// means infinite.
func (s *FPCStore) Save(id []byte, ua types.UserAgentClass, lifetime time.Duration, payload []byte, tags [][]byte, resp response.Consumer) {
	hash := s.hasher.Sum64(id)
	sh := s.shardFor(hash)

	sh.Lock.LockShared()
	rec := sh.Find(hash, id)
	if rec == nil {
		sh.Lock.UpgradeLock()
		rec = sh.Find(hash, id)
		if rec == nil {
			rec = record.New(append([]byte(nil), id...), hash, types.KindPage)
			sh.Add(rec)
		}
		sh.Lock.DowngradeLock()
	}
	rec.UserAgentClass = ua

	rec.Lock.Lock()
	if !rec.Lock.WaitUntilNoReaders(s.cfg.LockTimeout) {
		s.logger.Warn().Str("key", string(id)).Msg("proceeding with save despite outstanding readers")
	}
	err := installPayload(types.FPC, s.acct, rec, payload)
	rec.Lock.Unlock()
	sh.Lock.UnlockShared()

	if err != nil {
		reply(resp, ccerr.InternalFromErr(err))
		return
	}
	// The payload is installed and we hold no reader reference on rec, so
	// it is safe to hand off to the tag manager's single thread now.
	s.tm.PostSave(rec, tags, lifetime, resp)
}

// Remove disposes of id immediately.
func (s *FPCStore) Remove(id []byte, resp response.Consumer) {
	hash := s.hasher.Sum64(id)
	sh := s.shardFor(hash)

	sh.Lock.LockShared()
	rec := sh.Find(hash, id)
	sh.Lock.UnlockShared()
	if rec == nil {
		reply(resp, ccerr.NotFound)
		return
	}
	// Mark before handing off to the tag manager's queue so a concurrent
	// Load cannot attach to rec while the Remove is still in flight, and so
	// a racing second Remove/Clean/expiry on the same key is a no-op.
	if !rec.MarkBeingDeleted() {
		reply(resp, ccerr.NotFound)
		return
	}
	s.tm.PostRemove(rec, resp)
}

// Clean removes every record matching mode/tags.
func (s *FPCStore) Clean(mode types.CleanMode, tags [][]byte, resp response.Consumer) {
	s.tm.PostClean(mode, tags, resp)
}

// GetFillingPercentage reports how full the FPC domain's memory quota is.
func (s *FPCStore) GetFillingPercentage(resp response.Consumer) {
	reply(resp, ccerr.Ok, s.acct.FillingPercentage(types.FPC))
}

// GetMetadatas responds with id's expiration, last-modification time, and
// tag list.
func (s *FPCStore) GetMetadatas(id []byte, resp response.Consumer) {
	hash := s.hasher.Sum64(id)
	sh := s.shardFor(hash)

	sh.Lock.LockShared()
	rec := sh.Find(hash, id)
	sh.Lock.UnlockShared()
	if rec == nil {
		reply(resp, ccerr.NotFound)
		return
	}
	s.tm.PostGetMetadatas(rec, resp)
}

// Touch extends id's expiration. A zero lifetime means
// the FPC domain's per-class read-extension default.
func (s *FPCStore) Touch(id []byte, lifetime time.Duration, resp response.Consumer) {
	hash := s.hasher.Sum64(id)
	sh := s.shardFor(hash)

	sh.Lock.LockShared()
	rec := sh.Find(hash, id)
	sh.Lock.UnlockShared()
	if rec == nil {
		reply(resp, ccerr.NotFound)
		return
	}
	s.opt.PostTouch(rec, lifetime)
	reply(resp, ccerr.Ok)
}

// GetIds lists every FPC record's key.
func (s *FPCStore) GetIds(resp response.Consumer) { s.tm.PostGetIds(resp) }

// GetTags lists every known tag name.
func (s *FPCStore) GetTags(resp response.Consumer) { s.tm.PostGetTags(resp) }

// GetIdsMatching lists every record's key matching mode/tags.
func (s *FPCStore) GetIdsMatching(mode types.CleanMode, tags [][]byte, resp response.Consumer) {
	s.tm.PostGetIdsMatching(mode, tags, resp)
}

// GC requests an opportunistic sweep of expired FPC pages.
func (s *FPCStore) GC(threshold time.Duration, resp response.Consumer) {
	s.opt.PostGC(threshold)
	reply(resp, ccerr.Ok)
}

func (s *FPCStore) isExpired(rec *record.Record) bool {
	return !rec.Expiration.IsZero() && !rec.Expiration.Equal(types.MaxTimestamp) && time.Now().After(rec.Expiration)
}

// expireRecord hands an expired record to the tag manager:
// only it may clear TagRefs, so the store itself never
// touches tag state directly. Marking BEING_DELETED first keeps a
// concurrently-racing Load from attaching to it in the meantime; the mark
// is idempotent so two racing expirers (e.g. concurrent Load and Test)
// post at most one Unlink.
func (s *FPCStore) expireRecord(rec *record.Record) {
	if !rec.MarkBeingDeleted() {
		return
	}
	s.tm.PostUnlink(rec)
}
