// Package record implements the hash-table entry ("hash object") shared by
// both payload stores and the tag manager: Record for session/page entries,
// Tag and TagRef for the FPC tag index. Linkage fields are split by owner:
// the shard
// owns the bucket/global chain, the optimizer owns the LRU chain, the tag
// manager owns the TagRefs.
package record

import (
	"sync/atomic"
	"time"

	"github.com/cybercache/corecache/pkg/compress"
	"github.com/cybercache/corecache/pkg/reclock"
	"github.com/cybercache/corecache/pkg/types"
)

// Record is a single stored entry: a session record, an FPC page record, or
// (in the tag manager's own hash store) a tag record. Key and Hash are
// immutable after creation. Flags are read/written atomically so the
// optimizer, tag manager, and store goroutines can inspect them without all
// taking the record lock.
type Record struct {
	Key  []byte
	Hash uint64
	Kind types.RecordKind

	flags atomic.Uint32

	UserAgentClass types.UserAgentClass
	Lock           *reclock.Lock

	// Shard-owned linkage (guarded by the owning shard's lock).
	BucketNext, BucketPrev *Record
	GlobalNext, GlobalPrev *Record

	// Optimizer-owned LRU linkage (payload records only).
	LRUNext, LRUPrev *Record

	// Tag-manager-owned cross references (FPC page records only).
	TagRefs []*TagRef

	// Payload buffer fields; all four replaced atomically under Lock.
	Compressor       compress.ID
	CompressedSize   int
	UncompressedSize int
	Bytes            []byte

	LastModified time.Time
	Expiration   time.Time

	// Session-specific: ramps a session's configured lifetime across its
	// first few writes before settling at the steady-state TTL.
	WriteCount int
}

// New creates a record in its initial, unlinked state.
func New(key []byte, hash uint64, kind types.RecordKind) *Record {
	return &Record{
		Key:  key,
		Hash: hash,
		Kind: kind,
		Lock: reclock.New(),
	}
}

// Flags returns the current flag bit set.
func (r *Record) Flags() types.Flags {
	return types.Flags(r.flags.Load())
}

// HasFlag reports whether every bit in mask is set.
func (r *Record) HasFlag(mask types.Flags) bool {
	return types.Flags(r.flags.Load())&mask == mask
}

// SetFlag atomically ORs bits into the flag set.
func (r *Record) SetFlag(mask types.Flags) {
	for {
		old := r.flags.Load()
		if old&uint32(mask) == uint32(mask) {
			return
		}
		if r.flags.CompareAndSwap(old, old|uint32(mask)) {
			return
		}
	}
}

// MarkBeingDeleted atomically sets BEING_DELETED and reports whether this
// call was the one that set it (false if another goroutine already had).
// Callers use this to make concurrent Destroy/Remove/expiry paths racing on
// the same record idempotent: only the winner enqueues it for disposal.
func (r *Record) MarkBeingDeleted() bool {
	for {
		old := r.flags.Load()
		if old&uint32(types.BeingDeleted) != 0 {
			return false
		}
		if r.flags.CompareAndSwap(old, old|uint32(types.BeingDeleted)) {
			return true
		}
	}
}

// ClearFlag atomically clears bits from the flag set.
func (r *Record) ClearFlag(mask types.Flags) {
	for {
		old := r.flags.Load()
		if old&uint32(mask) == 0 {
			return
		}
		if r.flags.CompareAndSwap(old, old&^uint32(mask)) {
			return
		}
	}
}

// Equal reports whether the record matches a (hash, key) pair, the equality
// rule find() uses when scanning a bucket chain.
func (r *Record) Equal(hash uint64, key []byte) bool {
	if r.Hash != hash || len(r.Key) != len(key) {
		return false
	}
	for i := range key {
		if r.Key[i] != key[i] {
			return false
		}
	}
	return true
}

// NumTagRefs returns the number of tag cross-references the record
// carries; a tag-side traversal must always agree with this count.
func (r *Record) NumTagRefs() int { return len(r.TagRefs) }

// Tag is the FPC tag index entry: a named bucket linking every page record
// that was saved with that tag. Owned entirely by the tag manager's single
// thread, so Count and the ref list need no synchronization of their own.
type Tag struct {
	Name  []byte
	Head  *TagRef
	Tail  *TagRef
	Count int
}

// TagRef is the cross-reference node linking one Record into one Tag's
// marked-list.
type TagRef struct {
	Prev, Next *TagRef
	Tag        *Tag
	Record     *Record
}

// Link appends ref to the tag's marked-list (at the tail) and bumps Count.
func (t *Tag) Link(ref *TagRef) {
	ref.Tag = t
	ref.Prev = t.Tail
	ref.Next = nil
	if t.Tail != nil {
		t.Tail.Next = ref
	} else {
		t.Head = ref
	}
	t.Tail = ref
	t.Count++
}

// Unlink removes ref from its tag's marked-list and decrements Count.
func (t *Tag) Unlink(ref *TagRef) {
	if ref.Prev != nil {
		ref.Prev.Next = ref.Next
	} else {
		t.Head = ref.Next
	}
	if ref.Next != nil {
		ref.Next.Prev = ref.Prev
	} else {
		t.Tail = ref.Prev
	}
	ref.Prev, ref.Next, ref.Tag = nil, nil, nil
	t.Count--
}

// Empty reports whether the tag's marked-list is empty (eligible for
// disposal once any dummy references are released).
func (t *Tag) Empty() bool { return t.Count == 0 }
