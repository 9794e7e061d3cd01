package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsUsable(t *testing.T) {
	cfg := Default()
	require.Equal(t, 16, cfg.Session.NumShards)
	require.Equal(t, "expiration-lru", cfg.Session.EvictionMode)
	require.Equal(t, "lru", cfg.FPC.EvictionMode)
	require.NotZero(t, cfg.Session.MemoryQuotaBytes)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cybercached.yaml")
	err := os.WriteFile(path, []byte("listen_addr: 127.0.0.1:9999\nnum_workers: 8\n"), 0600)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	require.Equal(t, 8, cfg.NumWorkers)
	// Untouched fields keep their Default() value.
	require.Equal(t, 16, cfg.Session.NumShards)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestStoreGetSet(t *testing.T) {
	s := NewStore(Default())

	v, err := s.Get("num_workers")
	require.NoError(t, err)
	require.Equal(t, "2", v)

	require.NoError(t, s.Set("num_workers", "5"))
	v, err = s.Get("num_workers")
	require.NoError(t, err)
	require.Equal(t, "5", v)
}

func TestStoreSetInvalidValue(t *testing.T) {
	s := NewStore(Default())
	require.Error(t, s.Set("num_workers", "not-a-number"))
}

func TestStoreUnknownOption(t *testing.T) {
	s := NewStore(Default())
	_, err := s.Get("does_not_exist")
	require.Error(t, err)
	require.Error(t, s.Set("does_not_exist", "x"))
}

func TestStoreEnumerateIsSorted(t *testing.T) {
	s := NewStore(Default())
	names := s.Enumerate()
	require.NotEmpty(t, names)
	for i := 1; i < len(names); i++ {
		require.Less(t, names[i-1], names[i])
	}
}

func TestStoreReload(t *testing.T) {
	s := NewStore(Default())
	require.NoError(t, s.Set("num_workers", "9"))

	replacement := Default()
	s.Reload(replacement)

	v, err := s.Get("num_workers")
	require.NoError(t, err)
	require.Equal(t, "2", v) // back to Default(), the Set above is gone
}
