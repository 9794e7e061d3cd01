package optimizer

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cybercache/corecache/pkg/compress"
	"github.com/cybercache/corecache/pkg/record"
	"github.com/cybercache/corecache/pkg/types"
)

func newStoredRecord(o *Optimizer, key string, payload []byte) *record.Record {
	rec := record.New([]byte(key), uint64(len(key)), types.KindPage)
	rec.Bytes = payload
	rec.CompressedSize = len(payload)
	rec.UncompressedSize = len(payload)
	rec.Compressor = compress.None
	rec.SetFlag(types.Payload)
	o.onWrite(rec, types.UAUser, time.Hour)
	return rec
}

func TestRecompressShrinksRedundantPayload(t *testing.T) {
	o, _ := newTestOptimizer(types.FPC, nil)
	payload := bytes.Repeat([]byte("cache me if you can "), 200) // ~4 KiB, highly redundant
	rec := newStoredRecord(o, "page", payload)

	require.True(t, o.tryRecompress(rec))
	require.True(t, rec.HasFlag(types.Optimized))
	require.Less(t, rec.CompressedSize, len(payload))
	require.NotEqual(t, compress.None, rec.Compressor)

	restored, err := compress.Unpack(rec.Compressor, rec.Bytes, rec.UncompressedSize)
	require.NoError(t, err)
	require.Equal(t, payload, restored)

	// A second pass skips the already-optimized record.
	require.False(t, o.tryRecompress(rec))
}

func TestRecompressSkipsSmallPayloads(t *testing.T) {
	o, _ := newTestOptimizer(types.FPC, func(cfg *Config) {
		cfg.RecompressThreshold = 256
	})
	rec := newStoredRecord(o, "tiny", []byte("small"))

	require.False(t, o.tryRecompress(rec))
	require.False(t, rec.HasFlag(types.Optimized))
}

func TestRecompressSkipsRecordsWithReaders(t *testing.T) {
	o, _ := newTestOptimizer(types.FPC, nil)
	rec := newStoredRecord(o, "page", bytes.Repeat([]byte("x"), 1024))
	rec.Lock.AddReader()
	defer rec.Lock.ReleaseReader()

	require.False(t, o.tryRecompress(rec))
}

func TestRecompressNeverInstallsLargerOutput(t *testing.T) {
	o, _ := newTestOptimizer(types.FPC, nil)
	// Incompressible payload: a fixed pseudo-random byte walk.
	payload := make([]byte, 1024)
	state := uint32(2463534242)
	for i := range payload {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		payload[i] = byte(state)
	}
	rec := newStoredRecord(o, "noise", payload)

	require.False(t, o.tryRecompress(rec))
	require.True(t, rec.HasFlag(types.Optimized), "marked to avoid redundant attempts")
	require.Equal(t, compress.None, rec.Compressor)
	require.Equal(t, payload, rec.Bytes)
}

func TestRunPassYieldsToQueuedMessages(t *testing.T) {
	o, _ := newTestOptimizer(types.FPC, nil)
	newStoredRecord(o, "page", bytes.Repeat([]byte("y"), 1024))

	o.PostGC(0) // a pending message makes the pass yield before any checks
	o.runPass()
	require.False(t, o.chains[types.UAUser].head.HasFlag(types.Optimized))
}
