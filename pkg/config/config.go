// Package config implements the YAML-backed configuration the main
// dispatcher's LOADCONFIG/GET/SET/ENUMERATE admin commands operate over:
// a typed Config tree unmarshaled over Default(), plus a mutex-guarded
// Store exposing the small set of live-reconfigurable options.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig bundles the tunables shared by a payload domain's store,
// optimizer, and shards.
type StoreConfig struct {
	NumShards            int           `yaml:"num_shards"`
	FillFactor           float64       `yaml:"fill_factor"`
	MemoryQuotaBytes     int64         `yaml:"memory_quota_bytes"`
	EvictionMode         string        `yaml:"eviction_mode"`
	Compressors          []string      `yaml:"compressors"`
	RecompressThreshold  int           `yaml:"recompress_threshold_bytes"`
	OptimizationInterval time.Duration `yaml:"optimization_interval"`
	AutoSaveInterval     time.Duration `yaml:"auto_save_interval"`
	RetainMin            [4]int        `yaml:"retain_min"` // indexed by types.UserAgentClass
	QueueCapacity        int           `yaml:"queue_capacity"`
	QueueMaxCapacity     int           `yaml:"queue_max_capacity"`
	LockTimeout          time.Duration `yaml:"lock_timeout"`

	// Session-only.
	SessionFirstWriteLifetime time.Duration `yaml:"session_first_write_lifetime,omitempty"`
	SessionRampWrites         int           `yaml:"session_ramp_writes,omitempty"`
	SessionDefaultLifetime    time.Duration `yaml:"session_default_lifetime,omitempty"`

	// FPC-only, per user-agent class.
	FPCDefaultLifetime [4]time.Duration `yaml:"fpc_default_lifetime,omitempty"`
	FPCReadExtra       [4]time.Duration `yaml:"fpc_read_extra_lifetime,omitempty"`
	FPCMaxLifetime     [4]time.Duration `yaml:"fpc_max_lifetime,omitempty"`
}

// Config is the whole-process configuration file.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	SharedSecret string `yaml:"shared_secret"`
	NumWorkers   int    `yaml:"num_workers"`
	HashAlgorithm string `yaml:"hash_algorithm"`

	DataDir      string `yaml:"data_dir"`
	SnapshotFile string `yaml:"snapshot_file"`

	Session StoreConfig `yaml:"session"`
	FPC     StoreConfig `yaml:"fpc"`

	DeallocationChunkBytes  int64         `yaml:"deallocation_chunk_bytes"`
	DeallocationMaxWait     time.Duration `yaml:"deallocation_max_wait"`
	ThreadActivityThreshold time.Duration `yaml:"thread_activity_threshold"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	BinlogMaxBytes      int64         `yaml:"binlog_max_bytes"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the out-of-the-box configuration.
func Default() *Config {
	session := StoreConfig{
		NumShards:            16,
		FillFactor:           1.5,
		MemoryQuotaBytes:     256 << 20,
		EvictionMode:         "expiration-lru",
		Compressors:          []string{"zlib", "zstd"},
		RecompressThreshold:  256,
		OptimizationInterval: 20 * time.Second,
		RetainMin:            [4]int{16, 16, 16, 16},
		QueueCapacity:        32,
		QueueMaxCapacity:     1024,
		LockTimeout:          3 * time.Second,

		SessionFirstWriteLifetime: time.Minute,
		SessionRampWrites:         3,
		SessionDefaultLifetime:    time.Hour,
	}
	fpc := session
	fpc.EvictionMode = "lru"
	fpc.MemoryQuotaBytes = 512 << 20
	fpc.FPCDefaultLifetime = [4]time.Duration{time.Hour, time.Hour, time.Hour, time.Hour}
	fpc.FPCReadExtra = [4]time.Duration{10 * time.Minute, 10 * time.Minute, 10 * time.Minute, 10 * time.Minute}
	fpc.FPCMaxLifetime = [4]time.Duration{24 * time.Hour, 24 * time.Hour, 24 * time.Hour, 24 * time.Hour}

	return &Config{
		ListenAddr:    "0.0.0.0:8132",
		NumWorkers:    2,
		HashAlgorithm: "xxhash",
		DataDir:       "./data",
		SnapshotFile:  "./data/cybercached.snapshot",

		Session: session,
		FPC:     fpc,

		DeallocationChunkBytes:  16 << 20,
		DeallocationMaxWait:     1500 * time.Millisecond,
		ThreadActivityThreshold: 200 * time.Millisecond,

		HealthCheckInterval: 5 * time.Second,
		ShutdownTimeout:     10 * time.Second,
		BinlogMaxBytes:      64 << 20,

		LogLevel: "info",
	}
}

// Load reads and parses a YAML configuration file, starting from Default
// and overlaying whatever the file specifies.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// option is one named, live-reconfigurable setting. The option set is
// small and fixed, so a table of named getters reads more plainly than a
// reflection-driven field walk would.
type option struct {
	name string
	get  func(*Config) string
	set  func(*Config, string) error
}

var registry = buildRegistry()

func buildRegistry() []option {
	parseDuration := func(s string) (time.Duration, error) { return time.ParseDuration(s) }
	return []option{
		{"listen_addr",
			func(c *Config) string { return c.ListenAddr },
			func(c *Config, v string) error { c.ListenAddr = v; return nil }},
		{"num_workers",
			func(c *Config) string { return strconv.Itoa(c.NumWorkers) },
			func(c *Config, v string) error {
				n, err := strconv.Atoi(v)
				if err != nil {
					return err
				}
				c.NumWorkers = n
				return nil
			}},
		{"session.memory_quota_bytes",
			func(c *Config) string { return strconv.FormatInt(c.Session.MemoryQuotaBytes, 10) },
			func(c *Config, v string) error {
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return err
				}
				c.Session.MemoryQuotaBytes = n
				return nil
			}},
		{"fpc.memory_quota_bytes",
			func(c *Config) string { return strconv.FormatInt(c.FPC.MemoryQuotaBytes, 10) },
			func(c *Config, v string) error {
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return err
				}
				c.FPC.MemoryQuotaBytes = n
				return nil
			}},
		{"session.eviction_mode",
			func(c *Config) string { return c.Session.EvictionMode },
			func(c *Config, v string) error { c.Session.EvictionMode = v; return nil }},
		{"fpc.eviction_mode",
			func(c *Config) string { return c.FPC.EvictionMode },
			func(c *Config, v string) error { c.FPC.EvictionMode = v; return nil }},
		{"session.optimization_interval",
			func(c *Config) string { return c.Session.OptimizationInterval.String() },
			func(c *Config, v string) error {
				d, err := parseDuration(v)
				if err != nil {
					return err
				}
				c.Session.OptimizationInterval = d
				return nil
			}},
		{"fpc.optimization_interval",
			func(c *Config) string { return c.FPC.OptimizationInterval.String() },
			func(c *Config, v string) error {
				d, err := parseDuration(v)
				if err != nil {
					return err
				}
				c.FPC.OptimizationInterval = d
				return nil
			}},
		{"deallocation_chunk_bytes",
			func(c *Config) string { return strconv.FormatInt(c.DeallocationChunkBytes, 10) },
			func(c *Config, v string) error {
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return err
				}
				c.DeallocationChunkBytes = n
				return nil
			}},
		{"deallocation_max_wait",
			func(c *Config) string { return c.DeallocationMaxWait.String() },
			func(c *Config, v string) error {
				d, err := parseDuration(v)
				if err != nil {
					return err
				}
				c.DeallocationMaxWait = d
				return nil
			}},
		{"log_level",
			func(c *Config) string { return c.LogLevel },
			func(c *Config, v string) error { c.LogLevel = v; return nil }},
	}
}

// Store is the live, mutex-guarded configuration the main dispatcher's
// GET/SET/ENUMERATE commands read and write. Reload replaces
// the whole Config, as LOADCONFIG does; Get/Set operate on one named
// option at a time.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore wraps cfg (which must not be nil) for concurrent access.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Snapshot returns a copy of the current configuration.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// Reload replaces the whole configuration.
func (s *Store) Reload(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Get reads one named option's current value.
func (s *Store) Get(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, opt := range registry {
		if opt.name == name {
			return opt.get(s.cfg), nil
		}
	}
	return "", fmt.Errorf("config: unknown option %q", name)
}

// Set writes one named option's value.
func (s *Store) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, opt := range registry {
		if opt.name == name {
			return opt.set(s.cfg, value)
		}
	}
	return fmt.Errorf("config: unknown option %q", name)
}

// Enumerate lists every known option name, sorted.
func (s *Store) Enumerate() []string {
	names := make([]string, len(registry))
	for i, opt := range registry {
		names[i] = opt.name
	}
	sort.Strings(names)
	return names
}
