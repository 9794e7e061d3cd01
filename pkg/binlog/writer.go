package binlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/cybercache/corecache/pkg/log"
	"github.com/cybercache/corecache/pkg/types"
)

// OpenBoltLogStore opens a raft-boltdb-backed raft.LogStore at path, one
// file per domain. This is the only
// piece of github.com/hashicorp/raft this package touches besides the
// raft.Log/raft.LogStore types themselves — no raft.Raft, no leader
// election, no consensus: a single writer appending to its own file.
func OpenBoltLogStore(path string) (raft.LogStore, error) {
	return raftboltdb.NewBoltStore(path)
}

// Writer is the per-domain binlog writer. It accepts serialized
// commands and appends them to store as successive raft.Log entries,
// tracking enough approximate size to let a caller decide when to rotate.
// Rotation itself (opening a fresh file and swapping it in) is the caller's
// call, made via Rotate — the binlog file format and the rotation policy
// are the backend's concern, not this package's.
type Writer struct {
	domain    types.Domain
	mu        sync.Mutex
	store     raft.LogStore
	nextIndex uint64
	approxLen int64
	logger    zerolog.Logger
}

// NewWriter builds a Writer over an already-open raft.LogStore, continuing
// from wherever that store's log left off (so restarting the process after
// a crash resumes appending rather than overwriting).
func NewWriter(domain types.Domain, store raft.LogStore) (*Writer, error) {
	last, err := store.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("binlog: reading last index: %w", err)
	}
	return &Writer{
		domain:    domain,
		store:     store,
		nextIndex: last + 1,
		logger:    log.WithComponent("binlog-writer").With().Str("domain", domain.String()).Logger(),
	}, nil
}

// Append serializes cmd and stores it as the next log entry. Only commands
// that arrived from the network are posted here; cmd.FromNetwork
// false is a caller bug, not silently tolerated. The snapshot writer appends synthetic, non-network commands through appendEncoded
// directly instead.
func (w *Writer) Append(cmd *Command) (uint64, error) {
	if !cmd.FromNetwork {
		return 0, fmt.Errorf("binlog: refusing to append a non-network command")
	}
	data, err := Encode(cmd)
	if err != nil {
		return 0, fmt.Errorf("binlog: encoding command: %w", err)
	}
	return w.appendEncoded(data, cmd.Timestamp)
}

func (w *Writer) appendEncoded(data []byte, appendedAt time.Time) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := &raft.Log{
		Index:      w.nextIndex,
		Data:       data,
		AppendedAt: appendedAt,
	}
	if err := w.store.StoreLog(entry); err != nil {
		return 0, fmt.Errorf("binlog: storing log entry: %w", err)
	}
	w.nextIndex++
	w.approxLen += int64(len(data))
	return entry.Index, nil
}

// NeedsRotation reports whether the bytes written since the last Rotate
// have reached maxBytes; ROTATE forces
// it regardless, by calling Rotate directly.
func (w *Writer) NeedsRotation(maxBytes int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.approxLen >= maxBytes
}

// Rotate swaps in a freshly opened log store, resetting the index sequence
// and the size counter. The caller (the main dispatcher, handling ROTATE
// or its own size check) is responsible for opening fresh and closing old.
func (w *Writer) Rotate(store raft.LogStore) error {
	last, err := store.LastIndex()
	if err != nil {
		return fmt.Errorf("binlog: reading last index of rotated store: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.store = store
	w.nextIndex = last + 1
	w.approxLen = 0
	w.logger.Info().Msg("binlog rotated")
	return nil
}
