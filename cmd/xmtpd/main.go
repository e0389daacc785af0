// Command xmtpd is the engine's process entrypoint: it wires storage,
// the replication client, the MLS provider, and every long-lived
// stream/worker the core defines into one running client, the same way
// cmd/warren/main.go wires manager/worker/reconciler into one running
// node.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/xmtp/mlsengine/pkg/commitlog"
	"github.com/xmtp/mlsengine/pkg/config"
	"github.com/xmtp/mlsengine/pkg/cursor"
	"github.com/xmtp/mlsengine/pkg/devicesync"
	"github.com/xmtp/mlsengine/pkg/events"
	"github.com/xmtp/mlsengine/pkg/identity"
	"github.com/xmtp/mlsengine/pkg/log"
	"github.com/xmtp/mlsengine/pkg/metrics"
	"github.com/xmtp/mlsengine/pkg/mls"
	"github.com/xmtp/mlsengine/pkg/process"
	"github.com/xmtp/mlsengine/pkg/replication"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/stream"
	"github.com/xmtp/mlsengine/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Version information (set via ldflags during build).
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
	Use:   "xmtpd",
	Short: "xmtpd - federated MLS group-messaging client engine",
	Long: `xmtpd runs the client-side conversation and message
subscription engine: it ingests welcomes and group envelopes from a
replication service, drives MLS state transitions, and exposes
decrypted message streams to a host application.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"xmtpd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("config", "", "YAML config file to overlay onto defaults; non-empty flags override it")
	startCmd.Flags().String("data-dir", "", "Storage directory (default ./xmtpd-data)")
	startCmd.Flags().String("inbox-id", "", "This client's inbox id (required)")
	startCmd.Flags().String("installation-id", "", "This installation's key, hex-encoded (generated if empty)")
	startCmd.Flags().String("replication-addr", "", "Replication service gRPC address; empty runs against an in-process memory client")
	startCmd.Flags().String("server-url", "", "Device-sync archive endpoint; empty runs device-sync local-only")
	startCmd.Flags().String("conversation-type-filter", "", "Restrict streams to one conversation type (dm|group|sync|oneshot)")
	startCmd.Flags().Bool("include-duplicate-dms", false, "Disable DM-duplicate suppression")
	startCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	startCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics/health listen address")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engine: storage, replication subscriptions, commit-log workers, and device sync",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := config.LoadYAML(path, &cfg); err != nil {
			return err
		}
	}
	applyFlagOverrides(cmd, &cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	metrics.SetVersion(Version)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	installationID, err := resolveInstallationID(cfg.InstallationID)
	if err != nil {
		return err
	}

	id := identity.New(cfg.InboxID, installationID)
	if err := store.PutInstallation(id.AsInstallation(time.Now().UnixNano())); err != nil {
		return fmt.Errorf("persist installation: %w", err)
	}

	client, closeClient, err := buildReplicationClient(cfg)
	if err != nil {
		return err
	}
	defer closeClient()

	provider := mls.NewMemoryProvider()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	signer := commitlog.NewSigner(store, provider)
	processor := process.NewMessageProcessor(store, provider, broker, signer)
	cursors := cursor.New(store)

	filter := process.WelcomeFilter{
		IncludeDuplicateDMs: cfg.IncludeDuplicateDMs,
	}
	if cfg.ConversationTypeFilter != "" {
		filter.ConversationTypes = []types.ConversationType{cfg.ConversationTypeFilter}
	}
	filter.ConsentStates = cfg.ConsentStates

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	allMessages, err := stream.NewAllMessagesStream(ctx, client, store, cursors, provider, processor, broker, installationID, filter)
	if err != nil {
		return fmt.Errorf("start all-messages stream: %w", err)
	}
	defer allMessages.Close()

	go logMessages(allMessages)

	transport := devicesync.NewMemoryTransport()
	syncWorker := devicesync.NewWorker(ctx, store, provider, client, broker, id, transport, devicesync.Config{ServerURL: cfg.ServerURL})
	syncWorker.Start()
	defer syncWorker.Close()
	id.MarkReady()

	publisher := commitlog.NewPublisher(store, client)
	downloader := commitlog.NewDownloader(store, client)
	go runTicker(ctx, cfg.CommitLogPublishInterval, func() {
		if err := publisher.Run(ctx); err != nil {
			log.Logger.Warn().Err(err).Msg("commit log publish failed")
		}
	})
	go runTicker(ctx, cfg.CommitLogDownloadInterval, func() {
		if err := downloader.Run(ctx); err != nil {
			log.Logger.Warn().Err(err).Msg("commit log download failed")
		}
	})

	server := &http.Server{Addr: cfg.MetricsAddr}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	server.Handler = mux
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	defer server.Close()

	log.Logger.Info().
		Str("inbox_id", cfg.InboxID).
		Str("installation_id", hex.EncodeToString(installationID)).
		Str("data_dir", cfg.DataDir).
		Msg("xmtpd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("shutting down")
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("inbox-id"); v != "" {
		cfg.InboxID = v
	}
	if v, _ := cmd.Flags().GetString("installation-id"); v != "" {
		cfg.InstallationID = v
	}
	if v, _ := cmd.Flags().GetString("replication-addr"); v != "" {
		cfg.ReplicationAddr = v
	}
	if v, _ := cmd.Flags().GetString("server-url"); v != "" {
		cfg.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("conversation-type-filter"); v != "" {
		cfg.ConversationTypeFilter = types.ConversationType(v)
	}
	if v, _ := cmd.Flags().GetBool("include-duplicate-dms"); v {
		cfg.IncludeDuplicateDMs = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetBool("log-json"); v {
		cfg.LogJSON = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
}

func resolveInstallationID(hexID string) ([]byte, error) {
	if hexID == "" {
		id := uuid.New()
		return id[:], nil
	}
	return hex.DecodeString(hexID)
}

func buildReplicationClient(cfg config.Config) (replication.Client, func(), error) {
	if cfg.ReplicationAddr == "" {
		log.Logger.Warn().Msg("no replication-addr configured; running against an in-process memory client")
		return replication.NewMemoryClient(), func() {}, nil
	}

	var dialOpts []grpc.DialOption
	if cfg.InsecureGRPC {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.ReplicationAddr, dialOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial replication service at %s: %w", cfg.ReplicationAddr, err)
	}
	return replication.NewGRPCClient(conn), func() { conn.Close() }, nil
}

func logMessages(s *stream.AllMessagesStream) {
	for item := range s.Items() {
		if item.Err != nil {
			log.Logger.Warn().Err(item.Err).Msg("stream error")
			continue
		}
		log.Logger.Info().
			Str("group_id", hex.EncodeToString(item.Message.GroupID)).
			Str("kind", string(item.Message.Kind)).
			Uint64("sequence_id", item.Message.SequenceID).
			Msg("message received")
	}
}

func runTicker(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
