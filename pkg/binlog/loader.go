package binlog

import (
	"errors"
	"fmt"

	"github.com/hashicorp/raft"

	"github.com/cybercache/corecache/pkg/types"
)

// Loader reads every command stored in a domain's log, in order, and hands
// each to fn. Replay forces FromNetwork false on every decoded command, so
// when the caller pushes it through the normal dispatch path, replay never
// re-enters the binlog or the replicator.
type Loader struct {
	domain types.Domain
	store  raft.LogStore
}

// NewLoader builds a Loader over an already-open raft.LogStore.
func NewLoader(domain types.Domain, store raft.LogStore) *Loader {
	return &Loader{domain: domain, store: store}
}

// Replay calls fn once per stored command, oldest first. A decode or
// dispatch error from fn aborts replay and is returned to the caller; the
// main dispatcher logs it and continues starting up with whatever state was
// replayed so far.
func (l *Loader) Replay(fn func(cmd *Command) error) error {
	first, err := l.store.FirstIndex()
	if err != nil {
		return fmt.Errorf("binlog: reading first index: %w", err)
	}
	last, err := l.store.LastIndex()
	if err != nil {
		return fmt.Errorf("binlog: reading last index: %w", err)
	}
	if first == 0 {
		first = 1
	}

	var entry raft.Log
	for idx := first; idx <= last; idx++ {
		if err := l.store.GetLog(idx, &entry); err != nil {
			if errors.Is(err, raft.ErrLogNotFound) {
				continue
			}
			return fmt.Errorf("binlog: reading log entry %d: %w", idx, err)
		}
		cmd, err := Decode(entry.Data)
		if err != nil {
			return fmt.Errorf("binlog: decoding log entry %d: %w", idx, err)
		}
		cmd.Domain = l.domain
		cmd.FromNetwork = false
		if err := fn(cmd); err != nil {
			return fmt.Errorf("binlog: replaying log entry %d: %w", idx, err)
		}
	}
	return nil
}
