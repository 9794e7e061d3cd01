package binlog

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/cybercache/corecache/pkg/types"
)

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	cmd := &Command{
		Domain:         types.FPC,
		Kind:           KindSave,
		Key:            []byte("page-1"),
		Payload:        []byte("<html/>"),
		Tags:           [][]byte{[]byte("a"), []byte("b")},
		Lifetime:       5 * time.Minute,
		UserAgentClass: types.UAUser,
		RequestID:      7,
		Timestamp:      time.Unix(1700000000, 0),
		FromNetwork:    true,
	}

	data, err := Encode(cmd)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, cmd.Domain, got.Domain)
	require.Equal(t, cmd.Kind, got.Kind)
	require.Equal(t, cmd.Key, got.Key)
	require.Equal(t, cmd.Payload, got.Payload)
	require.Equal(t, cmd.Tags, got.Tags)
	require.Equal(t, cmd.Lifetime, got.Lifetime)
	require.Equal(t, cmd.RequestID, got.RequestID)
}

func TestWriterAppendRejectsNonNetworkCommand(t *testing.T) {
	w, err := NewWriter(types.FPC, raft.NewInmemStore())
	require.NoError(t, err)

	_, err = w.Append(&Command{FromNetwork: false})
	require.Error(t, err)
}

func TestWriterAppendAndRotate(t *testing.T) {
	w, err := NewWriter(types.Session, raft.NewInmemStore())
	require.NoError(t, err)

	idx1, err := w.Append(&Command{Kind: KindWrite, Key: []byte("sess-1"), FromNetwork: true})
	require.NoError(t, err)
	idx2, err := w.Append(&Command{Kind: KindWrite, Key: []byte("sess-2"), FromNetwork: true})
	require.NoError(t, err)
	require.Equal(t, idx1+1, idx2)

	require.True(t, w.NeedsRotation(1))

	require.NoError(t, w.Rotate(raft.NewInmemStore()))
	require.False(t, w.NeedsRotation(1<<20))

	idx3, err := w.Append(&Command{Kind: KindWrite, Key: []byte("sess-3"), FromNetwork: true})
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx3) // fresh store restarts the index sequence
}

func TestLoaderReplaysInOrderAndMarksNonNetwork(t *testing.T) {
	store := raft.NewInmemStore()
	w, err := NewWriter(types.Session, store)
	require.NoError(t, err)

	_, err = w.Append(&Command{Kind: KindWrite, Key: []byte("a"), FromNetwork: true})
	require.NoError(t, err)
	_, err = w.Append(&Command{Kind: KindWrite, Key: []byte("b"), FromNetwork: true})
	require.NoError(t, err)

	var keys []string
	loader := NewLoader(types.Session, store)
	err = loader.Replay(func(cmd *Command) error {
		keys = append(keys, string(cmd.Key))
		require.False(t, cmd.FromNetwork)
		require.Equal(t, types.Session, cmd.Domain)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)
}

func TestSnapshotWriterSignalsDone(t *testing.T) {
	w, err := NewWriter(types.FPC, raft.NewInmemStore())
	require.NoError(t, err)

	sw := NewSnapshotWriter(w)
	_, err = sw.Append(&Command{Kind: KindSave, Key: []byte("page-1")})
	require.NoError(t, err)

	select {
	case <-sw.Done():
		t.Fatal("Done must not fire before Finish")
	default:
	}

	sw.Finish()
	select {
	case <-sw.Done():
	default:
		t.Fatal("Done must fire after Finish")
	}
}
