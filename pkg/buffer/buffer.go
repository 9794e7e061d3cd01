// Package buffer implements the SharedBuffer payload container:
// a reference-counted handoff vehicle for payload bytes, used both to carry
// an inbound request body and to let replication/binlog/response code read
// a stored record's payload without copying it. It also implements the
// per-domain memory accounting the rest of the core charges against.
package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cybercache/corecache/pkg/compress"
	"github.com/cybercache/corecache/pkg/record"
	"github.com/cybercache/corecache/pkg/types"
)

// source tags which mode a SharedBuffer is in: owning its own bytes, or
// attached to a record and reading through it. Owned becomes Attached only
// through TransferPayload; Attached never transitions back.
type source int

const (
	sourceEmpty source = iota
	sourceOwned
	sourceAttached
)

// ownedBytes is the ref-counted backing store shared by clones of an Owned
// SharedBuffer.
type ownedBytes struct {
	refs  atomic.Int32
	bytes []byte
}

// SharedBuffer carries payload bytes between an in-flight request, a
// stored record, and outbound replication/binlog copies. Not safe
// for concurrent use by multiple goroutines on the same instance — callers
// clone it (cheaply) to hand a snapshot to another goroutine.
type SharedBuffer struct {
	mu     sync.Mutex // guards the attach/detach transition
	src    source
	domain types.Domain
	acct   *MemoryAccounting

	owned *ownedBytes

	record     *record.Record
	compressor compress.ID
	usize      int
}

// New creates an empty container bound to a memory domain, ref-count 1.
func New(domain types.Domain, acct *MemoryAccounting) *SharedBuffer {
	return &SharedBuffer{domain: domain, acct: acct, src: sourceEmpty}
}

// Clone returns a new container referring to the same underlying bytes. If
// b owns its buffer, the clone shares the same ref-counted ownedBytes; if
// attached, the underlying record's reader count is incremented.
func (b *SharedBuffer) Clone() *SharedBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()

	clone := &SharedBuffer{domain: b.domain, acct: b.acct, src: b.src}
	switch b.src {
	case sourceOwned:
		b.owned.refs.Add(1)
		clone.owned = b.owned
	case sourceAttached:
		b.record.Lock.AddReader()
		clone.record = b.record
		clone.compressor = b.compressor
		clone.usize = b.usize
	}
	return clone
}

// AttachPayload transitions an empty container into attached mode, reading
// through rec from now on. Requires rec be locked by the caller, not
// BEING_DELETED, and that b currently holds no buffer.
func (b *SharedBuffer) AttachPayload(rec *record.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.src != sourceEmpty {
		return fmt.Errorf("buffer: attach_payload called on a non-empty container")
	}
	if rec.HasFlag(types.Deleted) || rec.HasFlag(types.BeingDeleted) {
		return fmt.Errorf("buffer: cannot attach to a record marked for deletion")
	}
	rec.Lock.AddReader()
	b.src = sourceAttached
	b.record = rec
	b.compressor = rec.Compressor
	b.usize = rec.UncompressedSize
	return nil
}

// TransferPayload moves b's own bytes into rec, replacing rec's payload
// buffer fields atomically (the caller holds rec.Lock), then attaches b to
// rec. Requires rec be locked, have zero readers, and no SharedBuffer own
// its current buffer beyond this call.
func (b *SharedBuffer) TransferPayload(rec *record.Record, domain types.Domain, usize int, compressor compress.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.src != sourceOwned {
		return fmt.Errorf("buffer: transfer_payload requires an owned buffer")
	}
	if rec.Lock.ReaderCount() != 0 {
		return fmt.Errorf("buffer: transfer_payload requires zero readers on the record")
	}

	oldSize := rec.CompressedSize
	rec.Bytes = b.owned.bytes
	rec.CompressedSize = len(b.owned.bytes)
	rec.UncompressedSize = usize
	rec.Compressor = compressor
	rec.SetFlag(types.Payload)

	if b.acct != nil {
		b.acct.adjust(domain, rec.CompressedSize-oldSize)
	}

	b.releaseOwnedLocked()
	rec.Lock.AddReader()
	b.src = sourceAttached
	b.record = rec
	b.compressor = compressor
	b.usize = usize
	return nil
}

// SetSize allocates an owned buffer of n bytes, forbidden once attached.
func (b *SharedBuffer) SetSize(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.src == sourceAttached {
		return fmt.Errorf("buffer: set_size called on an attached container")
	}
	b.releaseOwnedLocked()
	b.owned = &ownedBytes{bytes: make([]byte, n)}
	b.owned.refs.Store(1)
	b.src = sourceOwned
	if b.acct != nil {
		b.acct.adjust(b.domain, n)
	}
	return nil
}

// Bytes returns the container's bytes, decompressed on the fly when
// attached and the stored form is compressed. The owned-mode fast path
// returns the raw bytes directly.
func (b *SharedBuffer) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.src {
	case sourceOwned:
		return b.owned.bytes, nil
	case sourceAttached:
		return compress.Unpack(b.record.Compressor, b.record.Bytes, b.record.UncompressedSize)
	default:
		return nil, nil
	}
}

// Size returns the on-wire (possibly compressed) size of the buffer.
func (b *SharedBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.src {
	case sourceOwned:
		return len(b.owned.bytes)
	case sourceAttached:
		return b.record.CompressedSize
	default:
		return 0
	}
}

// USize returns the uncompressed size.
func (b *SharedBuffer) USize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.src {
	case sourceOwned:
		return len(b.owned.bytes)
	case sourceAttached:
		return b.usize
	default:
		return 0
	}
}

// Compressor returns the compressor ID in effect.
func (b *SharedBuffer) Compressor() compress.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.compressor
}

// Release disposes of b: in attached mode it decrements the underlying
// record's reader count (possibly unblocking the record's final disposal);
// in owned mode it decrements the shared ref count and releases memory
// accounting once it reaches zero. Idempotent on an empty buffer.
func (b *SharedBuffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.src {
	case sourceOwned:
		b.releaseOwnedLocked()
	case sourceAttached:
		b.record.Lock.ReleaseReader()
		b.record = nil
	}
	b.src = sourceEmpty
}

func (b *SharedBuffer) releaseOwnedLocked() {
	if b.owned == nil {
		return
	}
	if b.owned.refs.Add(-1) == 0 && b.acct != nil {
		b.acct.adjust(b.domain, -len(b.owned.bytes))
	}
	b.owned = nil
}

// MemoryAccounting tracks bytes used per domain plus the global sum, used
// by GetFillingPercentage and the memory-reclamation coordination in
// pkg/dispatcher.
type MemoryAccounting struct {
	mu    sync.Mutex
	used  [types.NumDomains]int64
	quota [types.NumDomains]int64
}

// NewMemoryAccounting builds an accounting tracker with per-domain quotas.
func NewMemoryAccounting(sessionQuota, fpcQuota int64) *MemoryAccounting {
	m := &MemoryAccounting{}
	m.quota[types.Session] = sessionQuota
	m.quota[types.FPC] = fpcQuota
	return m
}

// ReleasePayload un-accounts size bytes from domain, used when a record is
// finally disposed of (its payload bytes were never a separate SharedBuffer
// once installed — see TransferPayload — so disposal subtracts directly
// rather than going through Release).
func (m *MemoryAccounting) ReleasePayload(domain types.Domain, size int) {
	m.adjust(domain, -size)
}

func (m *MemoryAccounting) adjust(domain types.Domain, delta int) {
	m.mu.Lock()
	m.used[domain] += int64(delta)
	if m.used[domain] < 0 {
		m.used[domain] = 0
	}
	m.mu.Unlock()
}

// Used returns bytes currently accounted to domain.
func (m *MemoryAccounting) Used(domain types.Domain) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[domain]
}

// Quota returns the configured quota for domain (0 = unlimited).
func (m *MemoryAccounting) Quota(domain types.Domain) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quota[domain]
}

// SetQuota reconfigures the quota for domain.
func (m *MemoryAccounting) SetQuota(domain types.Domain, quota int64) {
	m.mu.Lock()
	m.quota[domain] = quota
	m.mu.Unlock()
}

// OverQuota reports whether domain currently exceeds its configured quota.
// A zero quota means unlimited and is never "over".
func (m *MemoryAccounting) OverQuota(domain types.Domain) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quota[domain] > 0 && m.used[domain] > m.quota[domain]
}

// FillingPercentage returns an integer in [0, 100]: GetFillingPercentage's
// source. Domains with no quota report 0.
func (m *MemoryAccounting) FillingPercentage(domain types.Domain) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quota[domain] <= 0 {
		return 0
	}
	pct := int(m.used[domain] * 100 / m.quota[domain])
	if pct > 100 {
		pct = 100
	}
	return pct
}

// GlobalUsed returns the sum of per-domain usage.
func (m *MemoryAccounting) GlobalUsed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, u := range m.used {
		total += u
	}
	return total
}

// VictimDomain selects the domain memory reclamation should evict from:
// preferring whichever is over quota, ties broken by larger used size.
func (m *MemoryAccounting) VictimDomain() types.Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	over := make([]types.Domain, 0, types.NumDomains)
	for d := 0; d < types.NumDomains; d++ {
		dom := types.Domain(d)
		if m.quota[dom] > 0 && m.used[dom] > m.quota[dom] {
			over = append(over, dom)
		}
	}
	pick := func(candidates []types.Domain) types.Domain {
		best := candidates[0]
		for _, d := range candidates[1:] {
			if m.used[d] > m.used[best] {
				best = d
			}
		}
		return best
	}
	if len(over) > 0 {
		return pick(over)
	}
	all := make([]types.Domain, 0, types.NumDomains)
	for d := 0; d < types.NumDomains; d++ {
		all = append(all, types.Domain(d))
	}
	return pick(all)
}
