package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cybercache/corecache/pkg/compress"
	"github.com/cybercache/corecache/pkg/record"
	"github.com/cybercache/corecache/pkg/types"
)

func TestOwnedBufferRoundTrip(t *testing.T) {
	acct := NewMemoryAccounting(0, 0)
	b := New(types.Session, acct)
	require.NoError(t, b.SetSize(5))

	raw, err := b.Bytes()
	require.NoError(t, err)
	copy(raw, "hello")

	require.Equal(t, 5, b.Size())
	require.Equal(t, 5, b.USize())
	require.Equal(t, int64(5), acct.Used(types.Session))

	b.Release()
	require.Equal(t, int64(0), acct.Used(types.Session))
}

func TestCloneSharesOwnedBytes(t *testing.T) {
	acct := NewMemoryAccounting(0, 0)
	b := New(types.FPC, acct)
	require.NoError(t, b.SetSize(4))

	clone := b.Clone()
	b.Release()
	// The clone still holds a reference; nothing released yet.
	require.Equal(t, int64(4), acct.Used(types.FPC))
	require.Equal(t, 4, clone.Size())

	clone.Release()
	require.Equal(t, int64(0), acct.Used(types.FPC))
}

func TestAttachPayloadTracksReaders(t *testing.T) {
	rec := record.New([]byte("k"), 1, types.KindSession)
	rec.Bytes = []byte("payload")
	rec.CompressedSize = 7
	rec.UncompressedSize = 7
	rec.Compressor = compress.None
	rec.SetFlag(types.Payload)

	b := New(types.Session, nil)
	require.NoError(t, b.AttachPayload(rec))
	require.Equal(t, int32(1), rec.Lock.ReaderCount())

	clone := b.Clone()
	require.Equal(t, int32(2), rec.Lock.ReaderCount())

	got, err := clone.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	clone.Release()
	b.Release()
	require.Equal(t, int32(0), rec.Lock.ReaderCount())
}

func TestAttachPayloadRejectsDeletedRecord(t *testing.T) {
	rec := record.New([]byte("k"), 1, types.KindSession)
	rec.SetFlag(types.BeingDeleted)

	b := New(types.Session, nil)
	require.Error(t, b.AttachPayload(rec))
	require.Equal(t, int32(0), rec.Lock.ReaderCount())
}

func TestTransferPayloadMovesBytesIntoRecord(t *testing.T) {
	acct := NewMemoryAccounting(0, 0)
	rec := record.New([]byte("k"), 1, types.KindSession)

	b := New(types.Session, acct)
	require.NoError(t, b.SetSize(3))
	raw, err := b.Bytes()
	require.NoError(t, err)
	copy(raw, "abc")

	require.NoError(t, b.TransferPayload(rec, types.Session, 3, compress.None))
	require.Equal(t, []byte("abc"), rec.Bytes)
	require.Equal(t, 3, rec.CompressedSize)
	require.True(t, rec.HasFlag(types.Payload))
	// The record's payload is now the only accounted allocation.
	require.Equal(t, int64(3), acct.Used(types.Session))
	// The buffer is attached to the record after the transfer.
	require.Equal(t, int32(1), rec.Lock.ReaderCount())

	b.Release()
	require.Equal(t, int32(0), rec.Lock.ReaderCount())
}

func TestTransferPayloadRequiresOwnedBuffer(t *testing.T) {
	rec := record.New([]byte("k"), 1, types.KindSession)
	b := New(types.Session, nil)
	require.Error(t, b.TransferPayload(rec, types.Session, 0, compress.None))
}

func TestTransferPayloadRequiresZeroReaders(t *testing.T) {
	rec := record.New([]byte("k"), 1, types.KindSession)
	rec.Lock.AddReader()

	b := New(types.Session, nil)
	require.NoError(t, b.SetSize(1))
	require.Error(t, b.TransferPayload(rec, types.Session, 1, compress.None))
	rec.Lock.ReleaseReader()
}

func TestFillingPercentage(t *testing.T) {
	acct := NewMemoryAccounting(100, 0)
	require.Equal(t, 0, acct.FillingPercentage(types.Session))
	acct.adjust(types.Session, 50)
	require.Equal(t, 50, acct.FillingPercentage(types.Session))
	acct.adjust(types.Session, 100)
	require.Equal(t, 100, acct.FillingPercentage(types.Session))
	// Unlimited domains always report zero.
	require.Equal(t, 0, acct.FillingPercentage(types.FPC))
}

func TestVictimDomainPrefersOverQuota(t *testing.T) {
	acct := NewMemoryAccounting(100, 100)
	acct.adjust(types.Session, 50)
	acct.adjust(types.FPC, 150)
	require.Equal(t, types.FPC, acct.VictimDomain())

	// Neither over quota: the larger used size is picked.
	acct.adjust(types.FPC, -120)
	require.Equal(t, types.Session, acct.VictimDomain())
}

func TestOverQuota(t *testing.T) {
	acct := NewMemoryAccounting(10, 0)
	require.False(t, acct.OverQuota(types.Session))
	acct.adjust(types.Session, 11)
	require.True(t, acct.OverQuota(types.Session))
	// Zero quota means unlimited.
	acct.adjust(types.FPC, 1<<30)
	require.False(t, acct.OverQuota(types.FPC))
}
