package worker

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/cybercache/corecache/pkg/binlog"
	"github.com/cybercache/corecache/pkg/buffer"
	"github.com/cybercache/corecache/pkg/hashcode"
	"github.com/cybercache/corecache/pkg/optimizer"
	"github.com/cybercache/corecache/pkg/response"
	"github.com/cybercache/corecache/pkg/store"
	"github.com/cybercache/corecache/pkg/tagmanager"
	"github.com/cybercache/corecache/pkg/types"
)

type fakeAdmin struct {
	dispatched []*Command
}

func (a *fakeAdmin) Dispatch(cmd *Command, resp response.Consumer) {
	a.dispatched = append(a.dispatched, cmd)
	resp.PostOK()
}

func newTestWorker(t *testing.T, secret []byte) (*Worker, *raft.InmemStore, *fakeAdmin) {
	t.Helper()
	acct := buffer.NewMemoryAccounting(0, 0)
	hasher := hashcode.New(hashcode.XXHash)

	sessionCfg := store.DefaultConfig()
	sessionCfg.NumShards = 2
	sessionOpt := optimizer.New(types.Session, optimizer.DefaultConfig(types.Session), acct, nil, nil)
	sessionStore := store.NewSessionStore(sessionCfg, hasher, acct, sessionOpt)

	fpcCfg := store.DefaultConfig()
	fpcCfg.NumShards = 2
	fpcOpt := optimizer.New(types.FPC, optimizer.DefaultConfig(types.FPC), acct, nil, nil)
	tm := tagmanager.New(tagmanager.DefaultConfig(), nil, fpcOpt, acct)
	fpcStore := store.NewFPCStore(fpcCfg, hasher, acct, fpcOpt, tm)
	go tm.Run()
	t.Cleanup(tm.Stop)

	logStore := raft.NewInmemStore()
	w, err := binlog.NewWriter(types.Session, logStore)
	require.NoError(t, err)

	admin := &fakeAdmin{}
	worker := New(Config{SharedSecret: secret}, sessionStore, fpcStore, admin,
		map[types.Domain]*binlog.Writer{types.Session: w}, nil)
	return worker, logStore, admin
}

func TestDispatchRejectsBadSecret(t *testing.T) {
	w, _, _ := newTestWorker(t, []byte("s3cret"))

	var resp response.Recorder
	w.Dispatch(&Command{ID: Write, Domain: types.Session, Key: []byte("s1"),
		Payload: []byte("p"), FromNetwork: true}, []byte("wrong"), &resp)
	require.True(t, resp.Errored)
}

func TestDispatchWriteAppendsToBinlog(t *testing.T) {
	w, logStore, _ := newTestWorker(t, []byte("s3cret"))

	var resp response.Recorder
	w.Dispatch(&Command{ID: Write, Domain: types.Session, Key: []byte("s1"),
		Payload: []byte("payload"), UserAgentClass: types.UAUser,
		FromNetwork: true}, []byte("s3cret"), &resp)
	require.True(t, resp.OK)

	last, err := logStore.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)

	// The stored entry decodes back to the same mutating command.
	var entry raft.Log
	require.NoError(t, logStore.GetLog(1, &entry))
	cmd, err := binlog.Decode(entry.Data)
	require.NoError(t, err)
	require.Equal(t, []byte("s1"), cmd.Key)
	require.Equal(t, []byte("payload"), cmd.Payload)
}

func TestReplayedCommandSkipsAuthAndBinlog(t *testing.T) {
	w, logStore, _ := newTestWorker(t, []byte("s3cret"))

	var resp response.Recorder
	w.Dispatch(&Command{ID: Write, Domain: types.Session, Key: []byte("s1"),
		Payload: []byte("p"), UserAgentClass: types.UAUser,
		FromNetwork: false}, nil, &resp)
	require.True(t, resp.OK)

	last, err := logStore.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last, "replayed commands are never re-appended")
}

func TestReadDoesNotTouchBinlog(t *testing.T) {
	w, logStore, _ := newTestWorker(t, nil)

	var writeResp response.Recorder
	w.Dispatch(&Command{ID: Write, Domain: types.Session, Key: []byte("s1"),
		Payload: []byte("p"), UserAgentClass: types.UAUser,
		FromNetwork: true}, nil, &writeResp)
	require.True(t, writeResp.OK)

	var readResp response.Recorder
	w.Dispatch(&Command{ID: Read, Domain: types.Session, Key: []byte("s1"),
		UserAgentClass: types.UAUser, FromNetwork: true}, nil, &readResp)
	require.True(t, readResp.HasData)
	require.Equal(t, []byte("p"), readResp.Data[0])

	last, err := logStore.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), last, "only the Write is logged")
}

func TestUnknownCommandIsRejected(t *testing.T) {
	w, logStore, _ := newTestWorker(t, nil)

	var resp response.Recorder
	w.Dispatch(&Command{ID: ID(250), FromNetwork: true}, nil, &resp)
	require.True(t, resp.Errored)

	last, err := logStore.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)
}

func TestAdminCommandsForwardToDispatcher(t *testing.T) {
	w, _, admin := newTestWorker(t, nil)

	var resp response.Recorder
	w.Dispatch(&Command{ID: Ping, FromNetwork: true}, nil, &resp)
	require.True(t, resp.OK)
	require.Len(t, admin.dispatched, 1)
	require.Equal(t, Ping, admin.dispatched[0].ID)
}

func TestAuthenticatorEmptySecretAcceptsAll(t *testing.T) {
	a := NewAuthenticator(nil)
	require.True(t, a.Authenticate(nil))
	require.True(t, a.Authenticate([]byte("anything")))

	b := NewAuthenticator([]byte("top"))
	require.True(t, b.Authenticate([]byte("top")))
	require.False(t, b.Authenticate([]byte("nope")))
	require.False(t, b.Authenticate(nil))
}

func TestIsMutating(t *testing.T) {
	mutating := []ID{Write, Save, Remove, Clean, Touch, SessionGC, FPCGC}
	for _, id := range mutating {
		require.True(t, (&Command{ID: id}).IsMutating(), "id %d", id)
	}
	readOnly := []ID{Read, Load, Test, GetIds, GetTags, GetMetadatas, Ping, Stats}
	for _, id := range readOnly {
		require.False(t, (&Command{ID: id}).IsMutating(), "id %d", id)
	}
}

func TestSessionDestroyIdempotent(t *testing.T) {
	w, _, _ := newTestWorker(t, nil)

	var first response.Recorder
	w.Dispatch(&Command{ID: Destroy, Domain: types.Session, Key: []byte("absent"),
		FromNetwork: true}, nil, &first)
	require.True(t, first.OK, "destroying an absent session is an OK no-op")

	var write response.Recorder
	w.Dispatch(&Command{ID: Write, Domain: types.Session, Key: []byte("s1"),
		Payload: []byte("p"), UserAgentClass: types.UAUser, FromNetwork: true}, nil, &write)
	require.True(t, write.OK)

	var second, third response.Recorder
	w.Dispatch(&Command{ID: Destroy, Domain: types.Session, Key: []byte("s1"),
		FromNetwork: true}, nil, &second)
	require.True(t, second.OK)
	w.Dispatch(&Command{ID: Destroy, Domain: types.Session, Key: []byte("s1"),
		FromNetwork: true}, nil, &third)
	require.True(t, third.OK)

	// The destroyed session no longer serves reads.
	var read response.Recorder
	w.Dispatch(&Command{ID: Read, Domain: types.Session, Key: []byte("s1"),
		UserAgentClass: types.UAUser, FromNetwork: true}, nil, &read)
	require.True(t, read.OK)
	require.False(t, read.HasData)
}

func TestBinlogCommandRoundTrip(t *testing.T) {
	orig := &Command{
		ID:             Save,
		Domain:         types.FPC,
		Key:            []byte("page-1"),
		Payload:        []byte("<html/>"),
		Tags:           [][]byte{[]byte("news")},
		Lifetime:       time.Minute,
		UserAgentClass: types.UAWarmer,
		FromNetwork:    true,
	}
	env := orig.ToBinlogCommand()
	env.FromNetwork = false // what the Loader does on replay

	back := FromBinlogCommand(env)
	require.Equal(t, Save, back.ID)
	require.Equal(t, orig.Key, back.Key)
	require.Equal(t, orig.Payload, back.Payload)
	require.Equal(t, orig.Tags, back.Tags)
	require.Equal(t, orig.Lifetime, back.Lifetime)
	require.Equal(t, orig.UserAgentClass, back.UserAgentClass)
	require.False(t, back.FromNetwork)
}

func TestGCKindMapsBackPerDomain(t *testing.T) {
	sess := FromBinlogCommand((&Command{ID: SessionGC, Domain: types.Session, FromNetwork: true}).ToBinlogCommand())
	require.Equal(t, SessionGC, sess.ID)
	fpc := FromBinlogCommand((&Command{ID: FPCGC, Domain: types.FPC, FromNetwork: true}).ToBinlogCommand())
	require.Equal(t, FPCGC, fpc.ID)
}
