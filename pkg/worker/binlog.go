package worker

import (
	"time"

	"github.com/cybercache/corecache/pkg/binlog"
	"github.com/cybercache/corecache/pkg/types"
)

var mutatingKinds = map[ID]binlog.Kind{
	Write:  binlog.KindWrite,
	Save:   binlog.KindSave,
	Remove: binlog.KindRemove,
	Clean:  binlog.KindClean,
	Touch:  binlog.KindTouch,
	// Both GC variants share one binlog kind: replay re-issues "GC" for
	// whichever domain the entry's Domain field names.
	SessionGC: binlog.KindGC,
	FPCGC:     binlog.KindGC,
}

// ToBinlogCommand narrows cmd into the envelope pkg/binlog and
// pkg/replicator operate on. Panics if called on a non-mutating command —
// callers must check IsMutating first; only mutating commands are ever
// posted to the binlog.
func (cmd *Command) ToBinlogCommand() *binlog.Command {
	kind, ok := mutatingKinds[cmd.ID]
	if !ok {
		panic("worker: ToBinlogCommand called on a non-mutating command")
	}
	return &binlog.Command{
		Domain:         cmd.Domain,
		Kind:           kind,
		Key:            cmd.Key,
		Payload:        cmd.Payload,
		Tags:           cmd.Tags,
		Lifetime:       cmd.Lifetime,
		Threshold:      cmd.Threshold,
		UserAgentClass: cmd.UserAgentClass,
		RequestID:      cmd.RequestID,
		CleanMode:      cmd.CleanMode,
		Timestamp:      time.Now(),
		FromNetwork:    cmd.FromNetwork,
	}
}

// FromBinlogCommand widens a replayed binlog envelope back into the Command
// the dispatch path accepts. The envelope's FromNetwork flag (forced false
// by the Loader) carries through, so a replayed command is never
// re-appended, re-replicated, or answered over a socket.
func FromBinlogCommand(cmd *binlog.Command) *Command {
	var id ID
	switch cmd.Kind {
	case binlog.KindWrite:
		id = Write
	case binlog.KindSave:
		id = Save
	case binlog.KindRemove:
		id = Remove
	case binlog.KindClean:
		id = Clean
	case binlog.KindTouch:
		id = Touch
	case binlog.KindGC:
		if cmd.Domain == types.Session {
			id = SessionGC
		} else {
			id = FPCGC
		}
	}
	return &Command{
		ID:             id,
		Domain:         cmd.Domain,
		Key:            cmd.Key,
		Payload:        cmd.Payload,
		Tags:           cmd.Tags,
		Lifetime:       cmd.Lifetime,
		Threshold:      cmd.Threshold,
		UserAgentClass: cmd.UserAgentClass,
		RequestID:      cmd.RequestID,
		CleanMode:      cmd.CleanMode,
		FromNetwork:    cmd.FromNetwork,
	}
}
