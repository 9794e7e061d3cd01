// Package worker implements the request authentication and command
// dispatch layer that sits between the TCP pipeline (a collaborator
// outside this package's scope) and the core stores.
package worker

import (
	"time"

	"github.com/cybercache/corecache/pkg/types"
)

// ID enumerates every command id the core dispatches on,
// across all four domains: Session, FPC, FPC tag, and configuration
// (handled by the main dispatcher, not this package — see
// pkg/dispatcher.Dispatcher).
type ID uint8

const (
	// Session domain
	Read ID = iota
	Write
	Destroy
	SessionGC

	// FPC domain
	Load
	Test
	Save
	Remove
	Touch
	FPCGC

	// FPC tag domain
	Clean
	GetIds
	GetTags
	GetIdsMatchingTags
	GetIdsNotMatchingTags
	GetIdsMatchingAnyTags
	GetFillingPercentage
	GetMetadatas

	// Configuration domain, forwarded to the main dispatcher unchanged.
	Ping
	Check
	Info
	Stats
	Shutdown
	LoadConfig
	Restore
	StoreSave
	Get
	Set
	Log
	Rotate
)

// Command is the parsed, in-memory form of one inbound request: the
// command reader handed to Dispatch, already authenticated and
// with its command id, domain, and body decoded by the TCP pipeline. Its
// mutating subset (Write/Save/Remove/Clean/Touch/*GC) is exactly what
// pkg/binlog.Command and pkg/replicator.Peer need to see, so this package
// knows how to narrow one into the other (see ToBinlogCommand).
type Command struct {
	ID             ID
	Domain         types.Domain
	Key            []byte
	Payload        []byte
	Tags           [][]byte
	Lifetime       time.Duration
	UserAgentClass types.UserAgentClass
	RequestID      uint64
	CleanMode      types.CleanMode
	Threshold      time.Duration

	// FromNetwork is false for a command replayed from the binlog loader
	// or synthesized for a store-save snapshot: those
	// must never be re-appended to the binlog or re-replicated, and never
	// get a network response.
	FromNetwork bool
}

// IsMutating reports whether cmd changes stored state and therefore needs
// binlog/replication handling when it arrived from the network.
func (cmd *Command) IsMutating() bool {
	switch cmd.ID {
	case Write, Save, Remove, Clean, Touch, SessionGC, FPCGC:
		return true
	default:
		return false
	}
}
