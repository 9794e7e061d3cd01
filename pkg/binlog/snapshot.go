package binlog

import "time"

// SnapshotWriter is the notifying binlog writer the main dispatcher drives
// during a store-save operation: it enumerates records under
// shard locks, builds a synthetic WRITE/SAVE Command for each (FromNetwork
// false, so a later replay of this same file never re-replicates what was
// already replicated once live), and forwards each to Append. Finish
// signals completion once the enumeration is done.
type SnapshotWriter struct {
	w    *Writer
	done chan struct{}
}

// NewSnapshotWriter wraps w for a single store-save pass.
func NewSnapshotWriter(w *Writer) *SnapshotWriter {
	return &SnapshotWriter{w: w, done: make(chan struct{})}
}

// Append appends a synthetic command built from a live record. Callers
// build cmd with FromNetwork left false.
func (s *SnapshotWriter) Append(cmd *Command) (uint64, error) {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	data, err := Encode(cmd)
	if err != nil {
		return 0, err
	}
	return s.w.appendEncoded(data, cmd.Timestamp)
}

// Finish signals that the enumeration pass is complete; Done unblocks.
func (s *SnapshotWriter) Finish() { close(s.done) }

// Done reports completion of the store-save pass.
func (s *SnapshotWriter) Done() <-chan struct{} { return s.done }
