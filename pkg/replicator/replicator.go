// Package replicator implements the fire-and-forget per-domain replication
// collaborator: cloned command writers are forwarded to every
// configured peer with no acknowledgement and no retry. Unlike
// pkg/tagmanager or pkg/optimizer, a dropped message here is never a
// correctness problem for the local store: replication is a fire-and-
// forget copy to peers, not consensus.
package replicator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cybercache/corecache/pkg/binlog"
	"github.com/cybercache/corecache/pkg/log"
	"github.com/cybercache/corecache/pkg/queue"
	"github.com/cybercache/corecache/pkg/types"
)

// Peer is a single configured replication target. Send must not block
// indefinitely; a slow or unreachable peer is the caller's problem to log,
// not the replicator's problem to wait out.
type Peer interface {
	Send(cmd *binlog.Command) error
	Addr() string
}

// Replicator is the single thread per domain that drains a queue of
// cloned commands and fans each out to every configured peer. Posting to it (Post) never blocks the
// caller: the queue is a pkg/queue.Queue posted with PutAlways, growing
// past capacity rather than ever silently discarding a replication
// message the core itself chose to send.
type Replicator struct {
	domain types.Domain
	queue  *queue.Queue[*binlog.Command]
	logger zerolog.Logger

	mu    sync.RWMutex
	peers []Peer

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config bounds the replicator's internal queue.
type Config struct {
	QueueCapacity    int
	QueueMaxCapacity int
}

// DefaultConfig returns reasonable queue bounds for a replicator.
func DefaultConfig() Config {
	return Config{QueueCapacity: 64, QueueMaxCapacity: 4096}
}

// New builds a Replicator for domain with the given initial peer set.
func New(domain types.Domain, cfg Config, peers ...Peer) *Replicator {
	return &Replicator{
		domain: domain,
		queue:  queue.New[*binlog.Command](cfg.QueueCapacity, cfg.QueueMaxCapacity),
		logger: log.WithComponent("replicator").With().Str("domain", domain.String()).Logger(),
		peers:  append([]Peer(nil), peers...),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetPeers replaces the configured peer set.
func (r *Replicator) SetPeers(peers ...Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append([]Peer(nil), peers...)
}

// Post enqueues cmd for replication. Never blocks the calling worker: the
// queue grows rather than stalling a store command on a slow replicator.
func (r *Replicator) Post(cmd *binlog.Command) {
	if err := r.queue.PutAlways(cmd); err != nil {
		r.logger.Error().Err(err).Msg("dropping replication command, queue ceiling reached")
	}
}

// QueueLen reports the number of commands awaiting replication.
func (r *Replicator) QueueLen() int { return r.queue.Len() }

// Run drains the queue until Stop is called, replicating one command at a
// time to every configured peer. Cancellation is cooperative: once
// stopCh is closed, Run drains whatever is already queued with TryGet
// before exiting rather than discarding it outright.
func (r *Replicator) Run() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			for {
				cmd, ok := r.queue.TryGet()
				if !ok {
					return
				}
				r.replicate(cmd)
			}
		default:
			cmd, ok := r.queue.GetTimeout(250 * time.Millisecond)
			if ok {
				r.replicate(cmd)
			}
		}
	}
}

// Stop requests shutdown and waits for Run's drain loop to finish.
func (r *Replicator) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Replicator) replicate(cmd *binlog.Command) {
	r.mu.RLock()
	peers := r.peers
	r.mu.RUnlock()

	for _, p := range peers {
		if err := p.Send(cmd); err != nil {
			r.logger.Warn().Err(err).Str("peer", p.Addr()).Msg("replication send failed, not retried")
		}
	}
}
