package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cybercache/corecache/pkg/buffer"
	"github.com/cybercache/corecache/pkg/hashcode"
	"github.com/cybercache/corecache/pkg/optimizer"
	"github.com/cybercache/corecache/pkg/response"
	"github.com/cybercache/corecache/pkg/tagmanager"
	"github.com/cybercache/corecache/pkg/types"
)

func newTestFPCStore(t *testing.T) *FPCStore {
	t.Helper()
	acct := buffer.NewMemoryAccounting(0, 0)
	cfg := DefaultConfig()
	cfg.NumShards = 2
	opt := optimizer.New(types.FPC, optimizer.DefaultConfig(types.FPC), acct, nil, nil)
	tm := tagmanager.New(tagmanager.DefaultConfig(), nil, opt, acct)
	return NewFPCStore(cfg, hashcode.New(hashcode.XXHash), acct, opt, tm)
}

// drive lets a test process queued tag-manager messages synchronously
// without spinning up tm.Run's background goroutine.
func drive(s *FPCStore) {
	s.tm.Drain()
}

func TestFPCStoreSaveLoad(t *testing.T) {
	s := newTestFPCStore(t)

	var saveResp response.Recorder
	s.Save([]byte("page-1"), types.UAUser, 0, []byte("<html/>"), [][]byte{[]byte("home")}, &saveResp)
	drive(s)
	require.True(t, saveResp.OK)

	var loadResp response.Recorder
	s.Load([]byte("page-1"), types.UAUser, &loadResp)
	require.True(t, loadResp.HasData)
	require.Equal(t, []byte("<html/>"), loadResp.Data[0])
}

func TestFPCStoreLoadMiss(t *testing.T) {
	s := newTestFPCStore(t)

	var resp response.Recorder
	s.Load([]byte("missing"), types.UAUser, &resp)
	require.False(t, resp.HasData)
}

func TestFPCStoreSaveUntaggedUsesSentinel(t *testing.T) {
	s := newTestFPCStore(t)

	var saveResp response.Recorder
	s.Save([]byte("page-2"), types.UAUser, 0, []byte("body"), nil, &saveResp)
	drive(s)
	require.True(t, saveResp.OK)

	var tagsResp response.Recorder
	s.GetTags(&tagsResp)
	drive(s)
	require.True(t, tagsResp.HasList)
	require.Empty(t, tagsResp.List) // sentinel never surfaces
}

func TestFPCStoreRemove(t *testing.T) {
	s := newTestFPCStore(t)

	var saveResp response.Recorder
	s.Save([]byte("page-3"), types.UAUser, 0, []byte("body"), [][]byte{[]byte("a")}, &saveResp)
	drive(s)
	require.True(t, saveResp.OK)

	var removeResp response.Recorder
	s.Remove([]byte("page-3"), &removeResp)
	drive(s)
	require.True(t, removeResp.OK)

	var loadResp response.Recorder
	s.Load([]byte("page-3"), types.UAUser, &loadResp)
	require.False(t, loadResp.HasData)
}

func TestFPCStoreGetIdsMatchingAllTags(t *testing.T) {
	s := newTestFPCStore(t)

	var r1, r2 response.Recorder
	s.Save([]byte("page-a"), types.UAUser, 0, []byte("x"), [][]byte{[]byte("a"), []byte("b")}, &r1)
	drive(s)
	s.Save([]byte("page-b"), types.UAUser, 0, []byte("y"), [][]byte{[]byte("a")}, &r2)
	drive(s)
	require.True(t, r1.OK)
	require.True(t, r2.OK)

	var matchResp response.Recorder
	s.GetIdsMatching(types.CleanMatchingAllTags, [][]byte{[]byte("a"), []byte("b")}, &matchResp)
	drive(s)
	require.True(t, matchResp.HasList)
	require.ElementsMatch(t, []string{"page-a"}, matchResp.List)
}

func TestFPCStoreTouchExtendsExpiration(t *testing.T) {
	s := newTestFPCStore(t)

	var saveResp response.Recorder
	s.Save([]byte("page-t"), types.UAUser, time.Minute, []byte("x"), nil, &saveResp)
	drive(s)
	require.True(t, saveResp.OK)

	var touchResp response.Recorder
	s.Touch([]byte("page-t"), 2*time.Minute, &touchResp)
	require.True(t, touchResp.OK)
}

func TestFPCStoreGetFillingPercentageNoQuotaIsZero(t *testing.T) {
	s := newTestFPCStore(t)

	var resp response.Recorder
	s.GetFillingPercentage(&resp)
	require.True(t, resp.HasData)
	require.Equal(t, 0, resp.Data[0])
}
