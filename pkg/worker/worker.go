package worker

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cybercache/corecache/pkg/binlog"
	"github.com/cybercache/corecache/pkg/log"
	"github.com/cybercache/corecache/pkg/replicator"
	"github.com/cybercache/corecache/pkg/response"
	"github.com/cybercache/corecache/pkg/store"
	"github.com/cybercache/corecache/pkg/types"
)

// AdminDispatcher forwards configuration-domain commands to the main dispatcher. It is a
// narrow interface for the same reason pkg/response.Consumer is: a worker
// under test can fake it without pulling in pkg/dispatcher.
type AdminDispatcher interface {
	Dispatch(cmd *Command, resp response.Consumer)
}

// Config configures one Worker.
type Config struct {
	SharedSecret []byte
}

// Worker authenticates and dispatches inbound commands. It owns no state of its own beyond wiring: the
// session/FPC stores do the actual work, and the binlog writer/replicator
// pair per domain is consulted only to decide whether a successful mutating
// command from the network gets persisted and copied to peers.
type Worker struct {
	auth *Authenticator

	sessionStore *store.SessionStore
	fpcStore     *store.FPCStore
	admin        AdminDispatcher

	binlogWriters map[types.Domain]*binlog.Writer
	replicators   map[types.Domain]*replicator.Replicator

	logger zerolog.Logger
}

// New builds a Worker. binlogWriters and replicators may be nil or
// partially populated; a domain with no writer/replicator configured for
// it simply skips that step (a Worker used only for replay, for instance,
// supplies neither).
func New(cfg Config, sessionStore *store.SessionStore, fpcStore *store.FPCStore, admin AdminDispatcher, binlogWriters map[types.Domain]*binlog.Writer, replicators map[types.Domain]*replicator.Replicator) *Worker {
	return &Worker{
		auth:          NewAuthenticator(cfg.SharedSecret),
		sessionStore:  sessionStore,
		fpcStore:      fpcStore,
		admin:         admin,
		binlogWriters: binlogWriters,
		replicators:   replicators,
		logger:        log.WithComponent("worker"),
	}
}

// Dispatch authenticates cmd (unless it was replayed from the binlog loader
// or synthesized for a snapshot, neither of which passes a secret to
// re-check) and routes it to the owning store, wrapping resp so a
// successful mutating network command is appended to the binlog and handed
// to the replicator before the caller ever sees the response.
func (w *Worker) Dispatch(cmd *Command, secret []byte, resp response.Consumer) {
	if cmd.FromNetwork && !w.auth.Authenticate(secret) {
		resp.PostError("authentication failed")
		return
	}

	if cmd.IsMutating() && cmd.FromNetwork {
		resp = w.wrapForMutation(cmd, resp)
	}

	switch cmd.ID {
	case Read:
		w.sessionStore.Read(cmd.Key, cmd.UserAgentClass, cmd.RequestID, resp)
	case Write:
		w.sessionStore.Write(cmd.Key, cmd.UserAgentClass, cmd.Lifetime, cmd.RequestID, cmd.Payload, resp)
	case Destroy:
		w.sessionStore.Destroy(cmd.Key, resp)
	case SessionGC:
		w.sessionStore.GC(cmd.Threshold, resp)

	case Load:
		w.fpcStore.Load(cmd.Key, cmd.UserAgentClass, resp)
	case Test:
		w.fpcStore.Test(cmd.Key, resp)
	case Save:
		w.fpcStore.Save(cmd.Key, cmd.UserAgentClass, cmd.Lifetime, cmd.Payload, cmd.Tags, resp)
	case Remove:
		w.fpcStore.Remove(cmd.Key, resp)
	case Touch:
		w.fpcStore.Touch(cmd.Key, cmd.Lifetime, resp)
	case FPCGC:
		w.fpcStore.GC(cmd.Threshold, resp)
	case Clean:
		w.fpcStore.Clean(cmd.CleanMode, cmd.Tags, resp)
	case GetIds:
		w.fpcStore.GetIds(resp)
	case GetTags:
		w.fpcStore.GetTags(resp)
	case GetIdsMatchingTags:
		w.fpcStore.GetIdsMatching(types.CleanMatchingAllTags, cmd.Tags, resp)
	case GetIdsNotMatchingTags:
		w.fpcStore.GetIdsMatching(types.CleanNotMatchingAnyTag, cmd.Tags, resp)
	case GetIdsMatchingAnyTags:
		w.fpcStore.GetIdsMatching(types.CleanMatchingAnyTag, cmd.Tags, resp)
	case GetFillingPercentage:
		w.fpcStore.GetFillingPercentage(resp)
	case GetMetadatas:
		w.fpcStore.GetMetadatas(cmd.Key, resp)

	case Ping, Check, Info, Stats, Shutdown, LoadConfig, Restore, StoreSave, Get, Set, Log, Rotate:
		if w.admin == nil {
			resp.PostError("no admin dispatcher configured")
			return
		}
		w.admin.Dispatch(cmd, resp)

	default:
		resp.PostError(fmt.Sprintf("unknown command id %d", cmd.ID))
	}
}

// wrapForMutation returns a Consumer that appends cmd to its domain's
// binlog and forwards it to the domain's replicator only once the
// underlying store actually reports success — a format/internal error
// response is never persisted or replicated.
func (w *Worker) wrapForMutation(cmd *Command, resp response.Consumer) response.Consumer {
	return &mutationConsumer{
		cmd:    cmd,
		inner:  resp,
		writer: w.binlogWriters[cmd.Domain],
		repl:   w.replicators[cmd.Domain],
		logger: w.logger,
	}
}

type mutationConsumer struct {
	cmd    *Command
	inner  response.Consumer
	writer *binlog.Writer
	repl   *replicator.Replicator
	logger zerolog.Logger
}

func (c *mutationConsumer) PostOK() {
	c.persist()
	c.inner.PostOK()
}

func (c *mutationConsumer) PostData(values ...any) {
	c.persist()
	c.inner.PostData(values...)
}

func (c *mutationConsumer) PostList(items []string) {
	c.persist()
	c.inner.PostList(items)
}

func (c *mutationConsumer) PostError(message string) {
	// Not found / no-op never reaches here, so an error here means the mutation genuinely did not apply.
	c.inner.PostError(message)
}

func (c *mutationConsumer) persist() {
	if c.writer != nil {
		if _, err := c.writer.Append(c.cmd.ToBinlogCommand()); err != nil {
			c.logger.Error().Err(err).Str("key", string(c.cmd.Key)).Msg("binlog append failed")
		}
	}
	if c.repl != nil {
		c.repl.Post(c.cmd.ToBinlogCommand())
	}
}
