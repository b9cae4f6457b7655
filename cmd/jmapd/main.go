package main

import (
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmap-core/jmapd/pkg/blob"
	"github.com/jmap-core/jmapd/pkg/changelog"
	"github.com/jmap-core/jmapd/pkg/config"
	"github.com/jmap-core/jmapd/pkg/jmap"
	"github.com/jmap-core/jmapd/pkg/kv"
	"github.com/jmap-core/jmapd/pkg/log"
	"github.com/jmap-core/jmapd/pkg/metrics"
	"github.com/jmap-core/jmapd/pkg/raftlog"
	"github.com/jmap-core/jmapd/pkg/transport"
	"github.com/jmap-core/jmapd/pkg/types"
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
	Use:     "jmapd",
	Short:   "jmapd - a replicated JMAP mail server",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"jmapd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (see spec.md §6)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(benchBlobCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig resolves the effective Config for a command: the file
// named by --config if any, defaults otherwise, then per-flag
// overrides layered on top the way the teacher's subcommands read
// individual flags rather than a whole struct.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
		cfg.APIAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DBPath = v
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a jmapd node, single or clustered",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("node-id", "node-1", "Raft node id")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Raft transport bind address")
	serveCmd.Flags().String("api-addr", "127.0.0.1:8080", "JMAP HTTP API bind address")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus/health HTTP bind address")
	serveCmd.Flags().String("data-dir", "./jmapd-data", "KV store directory")
	serveCmd.Flags().String("blob-dir", "./jmapd-data/blobs", "Blob store directory")
	serveCmd.Flags().String("join-token", "", "Join an existing cluster using this token instead of bootstrapping")
	serveCmd.Flags().Bool("enable-pprof", false, "Expose net/http/pprof endpoints on the metrics address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	blobDir, _ := cmd.Flags().GetString("blob-dir")
	joinToken, _ := cmd.Flags().GetString("join-token")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

	logger := log.WithComponent("jmapd")
	logger.Info().Str("node_id", cfg.NodeID).Str("data_dir", cfg.DBPath).Msg("starting jmapd")

	manager, err := raftlog.NewManager(&raftlog.Config{
		NodeID:             cfg.NodeID,
		BindAddr:           cfg.BindAddr,
		DataDir:            cfg.DBPath,
		CommitTimeout:      time.Duration(cfg.RaftCommitTimeout),
		ElectionTimeoutMin: time.Duration(cfg.ElectionTimeoutMin),
		ElectionTimeoutMax: time.Duration(cfg.ElectionTimeoutMax),
		HeartbeatInterval:  time.Duration(cfg.HeartbeatInterval),
	})
	if err != nil {
		return fmt.Errorf("create raft manager: %w", err)
	}

	if joinToken != "" {
		if err := manager.Join(joinToken); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		logger.Info().Msg("raft instance ready, awaiting AddVoter from cluster leader")
	} else {
		if err := manager.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		logger.Info().Msg("bootstrapped single-node cluster")
	}

	blobs, err := blob.Open(manager.Store(), blobDir, cfg.BlobNestedLevels, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	coordinator := jmap.NewCoordinator(manager, blobs, cfg.MaxObjectsInGet)
	coordinator.Register(jmap.MailboxKind{})
	coordinator.Register(jmap.MailKind{})

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "bootstrapped")
	metrics.RegisterComponent("jmap", true, "ready")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if pprofEnabled {
			mux.Handle("/debug/pprof/", http.DefaultServeMux)
		}
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics and health endpoints listening")

	srv := transport.NewServer(coordinator, blobs, manager)
	errCh := make(chan error, 1)
	go func() {
		if err := http.ListenAndServe(cfg.APIAddr, srv.Routes()); err != nil {
			errCh <- fmt.Errorf("jmap http server: %w", err)
		}
	}()
	logger.Info().Str("addr", cfg.APIAddr).Msg("jmap endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error, shutting down")
	}

	if err := manager.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

var collectionNames = map[string]types.Collection{
	"mail":             types.CollectionMail,
	"mailbox":          types.CollectionMailbox,
	"thread":           types.CollectionThread,
	"pushsubscription": types.CollectionPushSubscription,
	"identity":         types.CollectionIdentity,
	"emailsubmission":  types.CollectionEmailSubmission,
	"vacationresponse": types.CollectionVacationResponse,
	"principal":        types.CollectionPrincipal,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Fold a (account, collection) change log into a snapshot offline",
	Long: `compact opens the KV store directly (the node must not be running)
and invokes changelog.CompactLog for one (account, collection) pair,
folding every entry up to --up-to into a single Snapshot entry.`,
	RunE: runCompact,
}

func init() {
	compactCmd.Flags().String("data-dir", "./jmapd-data", "KV store directory")
	compactCmd.Flags().Uint32("account", 0, "Account id to compact")
	compactCmd.Flags().String("collection", "", "Collection name (mail, mailbox, thread, ...)")
	compactCmd.Flags().Uint64("up-to", 0, "Fold all change-log entries with changeId <= this value")
	_ = compactCmd.MarkFlagRequired("collection")
	_ = compactCmd.MarkFlagRequired("up-to")
}

func runCompact(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	account, _ := cmd.Flags().GetUint32("account")
	collectionName, _ := cmd.Flags().GetString("collection")
	upTo, _ := cmd.Flags().GetUint64("up-to")

	collection, ok := collectionNames[collectionName]
	if !ok {
		return fmt.Errorf("unknown collection %q", collectionName)
	}

	store, err := kv.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	collectionLog := log.WithCollection(collectionName)
	if err := changelog.CompactLog(store, types.AccountID(account), collection, upTo); err != nil {
		collectionLog.Error().Err(err).Uint32("account_id", account).Msg("compact failed")
		return fmt.Errorf("compact: %w", err)
	}
	collectionLog.Info().Uint32("account_id", account).Uint64("up_to", upTo).Msg("compacted")
	fmt.Printf("compacted account=%d collection=%s up_to=%d\n", account, collection, upTo)
	return nil
}

var benchBlobCmd = &cobra.Command{
	Use:   "bench-blob",
	Short: "Smoke-test the blob store's put throughput",
	RunE:  runBenchBlob,
}

func init() {
	benchBlobCmd.Flags().String("data-dir", "./jmapd-bench-data", "KV store directory")
	benchBlobCmd.Flags().String("blob-dir", "./jmapd-bench-data/blobs", "Blob store directory")
	benchBlobCmd.Flags().Int("count", 1000, "Number of blobs to write")
	benchBlobCmd.Flags().Int("size", 4096, "Size in bytes of each blob")
}

func runBenchBlob(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	blobDir, _ := cmd.Flags().GetString("blob-dir")
	count, _ := cmd.Flags().GetInt("count")
	size, _ := cmd.Flags().GetInt("size")

	store, err := kv.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	blobs, err := blob.Open(store, blobDir, 2, time.Hour)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	payload := make([]byte, size)
	start := time.Now()
	for i := 0; i < count; i++ {
		rand.Read(payload)
		if _, _, err := blobs.Put(payload); err != nil {
			return fmt.Errorf("put blob %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("wrote %d blobs of %d bytes in %s (%.0f blobs/sec)\n",
		count, size, elapsed, float64(count)/elapsed.Seconds())
	return nil
}
