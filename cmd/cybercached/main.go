// Package main wires the core's collaborators into a runnable daemon:
// persistent --log-level/--log-json flags, a "serve" subcommand that
// constructs everything and waits for a signal. The TCP listener and wire
// protocol are collaborators, not built here; this binary stands up every
// in-process collaborator up to worker.Worker's Dispatch method, the
// documented boundary a future listener calls into.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cybercache/corecache/pkg/binlog"
	"github.com/cybercache/corecache/pkg/buffer"
	"github.com/cybercache/corecache/pkg/compress"
	"github.com/cybercache/corecache/pkg/config"
	"github.com/cybercache/corecache/pkg/dispatcher"
	"github.com/cybercache/corecache/pkg/hashcode"
	"github.com/cybercache/corecache/pkg/log"
	"github.com/cybercache/corecache/pkg/metrics"
	"github.com/cybercache/corecache/pkg/optimizer"
	"github.com/cybercache/corecache/pkg/replicator"
	"github.com/cybercache/corecache/pkg/response"
	"github.com/cybercache/corecache/pkg/snapshot"
	"github.com/cybercache/corecache/pkg/store"
	"github.com/cybercache/corecache/pkg/tagmanager"
	"github.com/cybercache/corecache/pkg/types"
	"github.com/cybercache/corecache/pkg/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cybercached",
	Short:   "CyberCache core: a two-domain in-memory cache server",
	Long:    `cybercached runs the session-store and full-page-cache domains, their optimizers, tag manager, and main dispatcher, and exposes a worker.Dispatch boundary for a TCP front end to drive.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("cybercached version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cache core and block until a shutdown signal arrives",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cfg = loaded
		}
		if cfg.LogLevel != "" {
			log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		}
		logger := log.WithComponent("main")

		core, err := buildCore(cfg)
		if err != nil {
			return fmt.Errorf("building core: %w", err)
		}

		core.startBackground()
		core.replayBinlogs()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("metrics/health endpoints listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		shutdownCh := make(chan struct{})
		core.dispatcher.SetShutdownFunc(func() { close(shutdownCh) })

		logger.Info().Str("listen_addr", cfg.ListenAddr).Msg("cybercached core ready (TCP front end not built into this binary)")

		select {
		case <-sigCh:
			logger.Info().Msg("signal received, shutting down")
		case <-shutdownCh:
			logger.Info().Msg("SHUTDOWN command received, shutting down")
		}

		shutdownTimeout := cfg.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server did not shut down cleanly")
		}
		core.stop()

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to a YAML configuration file (defaults built in if omitted)")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address for the /metrics, /health, /ready, /live HTTP endpoints")
}

// core bundles every collaborator built by buildCore, in dependency
// order: dispatcher first (so it can be handed to both
// optimizers as their DispatcherBackend), then the domain stacks, then the
// worker that fronts them.
type core struct {
	cfg *config.Config

	acct          *buffer.MemoryAccounting
	configStore   *config.Store
	snapshotStore *snapshot.Store
	dispatcher    *dispatcher.Dispatcher

	sessionOpt *optimizer.Optimizer
	fpcOpt     *optimizer.Optimizer
	tagMgr     *tagmanager.TagManager

	sessionStore *store.SessionStore
	fpcStore     *store.FPCStore

	binlogWriters map[types.Domain]*binlog.Writer
	binlogLoaders map[types.Domain]*binlog.Loader
	replicators   map[types.Domain]*replicator.Replicator

	worker    *worker.Worker
	collector *metrics.Collector
}

func buildCore(cfg *config.Config) (*core, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	c := &core{cfg: cfg}
	c.acct = buffer.NewMemoryAccounting(cfg.Session.MemoryQuotaBytes, cfg.FPC.MemoryQuotaBytes)
	c.configStore = config.NewStore(cfg)

	snapPath := cfg.SnapshotFile
	snapStore, err := snapshot.Open(snapPath)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store %s: %w", snapPath, err)
	}
	c.snapshotStore = snapStore

	dcfg := dispatcher.DefaultConfig()
	dcfg.HealthCheckInterval = cfg.HealthCheckInterval
	dcfg.ShutdownTimeout = cfg.ShutdownTimeout
	dcfg.BinlogMaxBytes = cfg.BinlogMaxBytes
	dcfg.DeallocationChunkBytes = cfg.DeallocationChunkBytes
	dcfg.DeallocationMaxWait = cfg.DeallocationMaxWait
	dcfg.Version = Version
	c.dispatcher = dispatcher.New(dcfg, c.configStore, c.acct, c.snapshotStore)

	hasher := hashcode.New(hashcode.Algorithm(cfg.HashAlgorithm))

	sessionStoreCfg := storeConfigFrom(cfg.Session)
	c.sessionOpt = optimizer.New(types.Session, optimizerConfigFrom(types.Session, cfg.Session), c.acct, nil, c.dispatcher)
	c.sessionStore = store.NewSessionStore(sessionStoreCfg, hasher, c.acct, c.sessionOpt)

	fpcStoreCfg := storeConfigFrom(cfg.FPC)
	c.fpcOpt = optimizer.New(types.FPC, optimizerConfigFrom(types.FPC, cfg.FPC), c.acct, nil, c.dispatcher)
	tmCfg := tagmanager.DefaultConfig()
	tmCfg.QueueCapacity = cfg.FPC.QueueCapacity
	tmCfg.QueueMaxCapacity = cfg.FPC.QueueMaxCapacity
	c.tagMgr = tagmanager.New(tmCfg, nil, c.fpcOpt, c.acct)
	c.fpcStore = store.NewFPCStore(fpcStoreCfg, hasher, c.acct, c.fpcOpt, c.tagMgr)

	c.dispatcher.SetStores(c.sessionStore, c.fpcStore)

	c.binlogWriters = make(map[types.Domain]*binlog.Writer)
	c.binlogLoaders = make(map[types.Domain]*binlog.Loader)
	for _, domain := range []types.Domain{types.Session, types.FPC} {
		path := binlogPathFor(cfg.DataDir, domain)
		logStore, err := binlog.OpenBoltLogStore(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s binlog: %w", domain, err)
		}
		w, err := binlog.NewWriter(domain, logStore)
		if err != nil {
			return nil, fmt.Errorf("building %s binlog writer: %w", domain, err)
		}
		c.binlogWriters[domain] = w
		c.binlogLoaders[domain] = binlog.NewLoader(domain, logStore)
		c.dispatcher.SetBinlog(domain, w, path)
	}

	// No peer addresses are exposed through pkg/config yet, so replicators are
	// built with an empty peer set: SetPeers is the wiring point a future
	// peer-discovery mechanism would call.
	c.replicators = map[types.Domain]*replicator.Replicator{
		types.Session: replicator.New(types.Session, replicator.DefaultConfig()),
		types.FPC:     replicator.New(types.FPC, replicator.DefaultConfig()),
	}

	c.worker = worker.New(worker.Config{SharedSecret: []byte(cfg.SharedSecret)}, c.sessionStore, c.fpcStore, c.dispatcher, c.binlogWriters, c.replicators)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "")

	return c, nil
}

func (c *core) startBackground() {
	go c.tagMgr.Run()
	go c.sessionOpt.Run()
	go c.fpcOpt.Run()
	go c.dispatcher.Run()
	for _, r := range c.replicators {
		go r.Run()
	}

	collector := metrics.NewCollector(c.dispatcher.Stats, c.cfg.HealthCheckInterval)
	collector.Start()
	c.collector = collector
}

// replayBinlogs feeds every persisted mutating command back through the
// worker's dispatch path, rebuilding in-memory state after a restart.
// Replayed commands carry FromNetwork=false, so they are neither
// re-appended to the binlog nor replicated, and responses are discarded.
// Runs after startBackground so the tag manager and optimizers are already
// draining their queues.
func (c *core) replayBinlogs() {
	logger := log.WithComponent("binlog-replay")
	for domain, loader := range c.binlogLoaders {
		replayed := 0
		err := loader.Replay(func(cmd *binlog.Command) error {
			c.worker.Dispatch(worker.FromBinlogCommand(cmd), nil, response.Discard{})
			replayed++
			return nil
		})
		if err != nil {
			logger.Warn().Err(err).Str("domain", domain.String()).Msg("binlog replay stopped early")
		}
		if replayed > 0 {
			logger.Info().Int("commands", replayed).Str("domain", domain.String()).Msg("binlog replayed")
		}
	}
}

func (c *core) stop() {
	// Reverse dependency order: stop admitting new work at the top
	// (dispatcher), then the per-domain optimizers and tag manager, then
	// the replicators, and close the snapshot store last. The binlog log
	// stores are not closed here.
	c.dispatcher.Stop()
	c.sessionOpt.Stop()
	c.fpcOpt.Stop()
	c.tagMgr.Stop()
	for _, r := range c.replicators {
		r.Stop()
	}
	if c.collector != nil {
		c.collector.Stop()
	}
	_ = c.snapshotStore.Close()
}

func storeConfigFrom(sc config.StoreConfig) store.Config {
	cfg := store.DefaultConfig()
	cfg.NumShards = sc.NumShards
	cfg.FillFactor = sc.FillFactor
	cfg.LockTimeout = sc.LockTimeout
	return cfg
}

func optimizerConfigFrom(domain types.Domain, sc config.StoreConfig) optimizer.Config {
	cfg := optimizer.DefaultConfig(domain)
	if mode, ok := types.ParseEvictionMode(sc.EvictionMode); ok {
		cfg.Mode = mode
	}
	cfg.RetainMin = sc.RetainMin
	cfg.RecompressThreshold = sc.RecompressThreshold
	cfg.OptimizationInterval = sc.OptimizationInterval
	cfg.AutoSaveInterval = sc.AutoSaveInterval
	cfg.QueueCapacity = sc.QueueCapacity
	cfg.QueueMaxCapacity = sc.QueueMaxCapacity
	cfg.SessionFirstWriteLifetime = sc.SessionFirstWriteLifetime
	cfg.SessionRampWrites = sc.SessionRampWrites
	cfg.SessionDefaultLifetime = sc.SessionDefaultLifetime
	cfg.FPCDefaultLifetime = sc.FPCDefaultLifetime
	cfg.FPCReadExtra = sc.FPCReadExtra
	cfg.FPCMaxLifetime = sc.FPCMaxLifetime

	cfg.CompressorIDs = cfg.CompressorIDs[:0]
	for _, name := range sc.Compressors {
		if id, ok := compress.ParseID(name); ok && id != compress.None {
			cfg.CompressorIDs = append(cfg.CompressorIDs, id)
		}
	}
	return cfg
}

func binlogPathFor(dataDir string, domain types.Domain) string {
	return dataDir + "/" + domain.String() + ".binlog"
}
