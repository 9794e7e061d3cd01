package store

import (
	"time"

	"github.com/cybercache/corecache/pkg/buffer"
	"github.com/cybercache/corecache/pkg/ccerr"
	"github.com/cybercache/corecache/pkg/hashcode"
	"github.com/cybercache/corecache/pkg/optimizer"
	"github.com/cybercache/corecache/pkg/record"
	"github.com/cybercache/corecache/pkg/response"
	"github.com/cybercache/corecache/pkg/types"
)

// SessionStore implements the session object store: Read/Write/Destroy/GC over session-id-keyed records, with a
// per-record session lock serializing concurrent requests for the same id.
type SessionStore struct {
	base
	opt *optimizer.Optimizer
}

// NewSessionStore builds a session store backed by opt, the session-domain
// optimizer that owns eviction and lifetime policy for every record here.
func NewSessionStore(cfg Config, hasher hashcode.Hasher, acct *buffer.MemoryAccounting, opt *optimizer.Optimizer) *SessionStore {
	s := &SessionStore{
		base: newBase(types.Session, cfg, hasher, acct),
		opt:  opt,
	}
	opt.SetRouter(s)
	return s
}

// Optimizer returns the store's backing optimizer, for wiring into a
// dispatcher's periodic GC / stats collection.
func (s *SessionStore) Optimizer() *optimizer.Optimizer { return s.opt }

// Read returns id's payload if present and unexpired. A miss (never
// written, already expired, or disposed) is reported as ccerr.NotFound, an
// OK response carrying no data, never an ERROR.
func (s *SessionStore) Read(id []byte, ua types.UserAgentClass, requestID uint64, resp response.Consumer) {
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

	broke := rec.Lock.AcquireSession(requestID, s.cfg.LockTimeout)
	if broke {
		s.logger.Warn().Str("key", string(id)).Msg("session lock broken after timeout")
	}

	payload, err := attachAndRead(types.Session, s.acct, rec)
	sh.Lock.UnlockShared()
	rec.Lock.ReleaseSession(requestID)

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

// Write stores payload under id, creating the record on first write. A
// lifetime of zero means "use the session domain's default ramp".
func (s *SessionStore) Write(id []byte, ua types.UserAgentClass, lifetime time.Duration, requestID uint64, payload []byte, resp response.Consumer) {
	hash := s.hasher.Sum64(id)
	sh := s.shardFor(hash)

	sh.Lock.LockShared()
	rec := sh.Find(hash, id)
	if rec == nil {
		sh.Lock.UpgradeLock()
		rec = sh.Find(hash, id) // may have been created by a racing writer
		if rec == nil {
			rec = record.New(append([]byte(nil), id...), hash, types.KindSession)
			sh.Add(rec)
		}
		sh.Lock.DowngradeLock()
	}

	broke := rec.Lock.AcquireSession(requestID, s.cfg.LockTimeout)
	if broke {
		s.logger.Warn().Str("key", string(id)).Msg("session lock broken after timeout")
	}

	rec.Lock.Lock()
	if !rec.Lock.WaitUntilNoReaders(s.cfg.LockTimeout) {
		s.logger.Warn().Str("key", string(id)).Msg("proceeding with write despite outstanding readers")
	}
	err := installPayload(types.Session, s.acct, rec, payload)
	rec.Lock.Unlock()
	sh.Lock.UnlockShared()

	if err != nil {
		reply(resp, ccerr.InternalFromErr(err))
		rec.Lock.ReleaseSession(requestID)
		return
	}
	reply(resp, ccerr.Ok)
	rec.Lock.ReleaseSession(requestID)
	s.opt.PostWrite(rec, ua, lifetime)
}

// Destroy removes id immediately, independent of its expiration.
func (s *SessionStore) Destroy(id []byte, resp response.Consumer) {
	hash := s.hasher.Sum64(id)
	sh := s.shardFor(hash)

	sh.Lock.LockShared()
	rec := sh.Find(hash, id)
	if rec == nil {
		sh.Lock.UnlockShared()
		reply(resp, ccerr.NotFound)
		return
	}
	s.expireRecord(rec)
	sh.Lock.UnlockShared()

	reply(resp, ccerr.Ok)
}

// GC requests an opportunistic sweep of expired sessions. threshold of zero means "now"; a positive value
// moves the cutoff that far into the past, so only records that expired at
// least that long ago are evicted.
func (s *SessionStore) GC(threshold time.Duration, resp response.Consumer) {
	s.opt.PostGC(threshold)
	reply(resp, ccerr.Ok)
}

func (s *SessionStore) isExpired(rec *record.Record) bool {
	return !rec.Expiration.IsZero() && !rec.Expiration.Equal(types.MaxTimestamp) && time.Now().After(rec.Expiration)
}

// expireRecord marks rec for deletion under the caller's shared shard lock
// and releases its payload's memory accounting; the shard's own deletion
// queue (drained on the next exclusive unlock) performs the physical
// unlink once readers drop to zero. Idempotent: if a concurrent caller
// (another racing Read/Destroy) already won the mark, this is a no-op, so
// rec is never enqueued for disposal twice.
func (s *SessionStore) expireRecord(rec *record.Record) {
	if !rec.MarkBeingDeleted() {
		return
	}
	s.releasePayload(rec)
	s.EnqueueForDeletion(rec)
	s.opt.PostDelete(rec)
}
