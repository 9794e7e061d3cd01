package replicator

import "github.com/cybercache/corecache/pkg/binlog"

// FuncPeer adapts a plain function to Peer, the way pkg/response's
// Discard/Recorder stand in for a real socket-backed consumer. The actual
// wire transport to a remote peer is a collaborator outside this package's
// scope; whatever owns that transport implements Peer and
// is handed to New/SetPeers.
type FuncPeer struct {
	AddrValue string
	SendFunc  func(cmd *binlog.Command) error
}

// Addr reports the peer's configured address.
func (p FuncPeer) Addr() string { return p.AddrValue }

// Send forwards to the wrapped function.
func (p FuncPeer) Send(cmd *binlog.Command) error { return p.SendFunc(cmd) }
