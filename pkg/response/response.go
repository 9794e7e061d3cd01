// Package response models the worker-to-pipeline coupling as a plain Go
// interface. The tag manager and optimizers hold a Consumer reference, not
// a concrete TCP pipeline, so they can be unit-tested with a recording fake.
package response

// Consumer is implemented by the TCP pipeline (out of scope for this
// module) and by test fakes. Exactly one Post* call is made
// per inbound command, per the error-handling propagation policy.
type Consumer interface {
	PostOK()
	PostError(message string)
	PostData(values ...any)
	PostList(items []string)
}

// Discard is a Consumer that drops everything; used by binlog-replay paths
// where "there is no socket to respond to".
type Discard struct{}

func (Discard) PostOK()               {}
func (Discard) PostError(string)      {}
func (Discard) PostData(...any)       {}
func (Discard) PostList([]string)     {}

// Recorder is a Consumer that records the single call made to it, for use
// in tests.
type Recorder struct {
	OK      bool
	Error   string
	Data    []any
	List    []string
	HasData bool
	HasList bool
	Errored bool
}

func (r *Recorder) PostOK() { r.OK = true }

func (r *Recorder) PostError(message string) {
	r.Errored = true
	r.Error = message
}

func (r *Recorder) PostData(values ...any) {
	r.HasData = true
	r.Data = values
}

func (r *Recorder) PostList(items []string) {
	r.HasList = true
	r.List = items
}
