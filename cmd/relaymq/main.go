// =============================================================================
// RELAYMQ DAEMON - LOAD CONFIG, WIRE EVERYTHING, RUN UNTIL SIGNALLED
// =============================================================================
//
// Startup order matters:
//
//	config ──► logger ──► ISR manager (cluster mode)
//	                        │
//	                        ▼
//	                      broker ──► replica manager + replication server
//	                        │
//	                        ▼
//	                   API server (clients)
//
// Shutdown runs in reverse: stop accepting requests, stop fetchers, flush
// and close the broker.
//
// =============================================================================

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaymq/internal/api"
	"relaymq/internal/broker"
	"relaymq/internal/cluster"
	"relaymq/internal/config"
	"relaymq/internal/metrics"
	"relaymq/internal/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "relaymq",
	Short:        "relaymq is a partitioned, replicated message broker",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "",
		"path to YAML config (defaults apply when omitted)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	logger.Info("starting relaymq",
		"node", cfg.NodeID, "data_dir", cfg.DataDir, "cluster", cfg.Cluster.Enabled)

	reg := metrics.New()

	// Cluster mode: the ISR manager owns the high watermark for led
	// partitions and feeds it back into the broker.
	var (
		isr        *cluster.ISRManager
		b          *broker.Broker
		replicas   *cluster.ReplicaManager
		replServer *http.Server
	)
	if cfg.Cluster.Enabled {
		isrCfg := cluster.ISRConfig{
			LagTime:       cfg.Cluster.ReplicaLagTime(),
			LagMaxRecords: cfg.Cluster.ReplicaLagMaxRecords,
			MinInSync:     cfg.Cluster.MinInSyncReplicas,
			CheckInterval: time.Second,
		}
		isr = cluster.NewISRManager(cluster.NodeID(cfg.NodeID), isrCfg, func(topic string, partition int, hw int64) {
			t, err := b.Topic(topic)
			if err != nil {
				return
			}
			p, err := t.Partition(partition)
			if err != nil {
				return
			}
			p.AdvanceHW(hw)
			reg.HighWatermark.WithLabelValues(topic, fmt.Sprint(partition)).Set(float64(hw))
		}, reg, logger)
	}

	opts := brokerOptions(cfg)
	opts.Metrics = reg
	var view broker.ReplicationView
	if isr != nil {
		view = isr
	}
	var err error
	b, err = broker.New(opts, view, logger)
	if err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	if cfg.Cluster.Enabled {
		peers := make([]cluster.Node, 0, len(cfg.Cluster.Peers))
		for _, p := range cfg.Cluster.Peers {
			peers = append(peers, cluster.Node{ID: cluster.NodeID(p.ID), Address: p.Address})
		}
		replicas = cluster.NewReplicaManager(cluster.NodeID(cfg.NodeID), b, isr,
			cluster.NewReplicationClient(0), peers, logger)

		replServer = &http.Server{
			Addr:    cfg.Listen.Replication,
			Handler: cluster.NewReplicationServer(replicas, logger).Handler(),
		}
		go func() {
			logger.Info("replication server listening", "addr", cfg.Listen.Replication)
			if err := replServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("replication server failed", "error", err)
			}
		}()
	}

	apiServer := api.NewServer(b, reg, api.ServerConfig{
		Addr:        cfg.Listen.Client,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}, logger)
	apiServer.Start()

	// Block until asked to stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", "error", err)
	}
	if replServer != nil {
		if err := replServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("replication server shutdown incomplete", "error", err)
		}
	}
	if replicas != nil {
		replicas.Close()
	}
	if isr != nil {
		isr.Close()
	}
	if err := b.Close(); err != nil {
		return fmt.Errorf("close broker: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func brokerOptions(cfg *config.Config) broker.Options {
	opts := broker.DefaultOptions(cfg.DataDir)
	opts.DefaultPartitions = cfg.Broker.DefaultPartitions
	opts.Log = storage.LogOptions{
		MaxSegmentSize: cfg.Broker.SegmentMaxBytes,
		RetentionBytes: cfg.Broker.RetentionBytes,
		RetentionAge:   cfg.Broker.Retention(),
	}
	opts.Producer = broker.ProducerConfig{
		DefaultAckLevel:      broker.AckLevel(cfg.Broker.DefaultAckLevel),
		AckTimeout:           cfg.Broker.AckTimeout(),
		MaxRecordBytes:       cfg.Broker.MaxRecordBytes,
		CompressionThreshold: cfg.Broker.CompressionThresholdBytes,
	}
	opts.Coordinator = broker.DefaultCoordinatorConfig()
	opts.Coordinator.GroupDefaults = broker.ConsumerGroupConfig{
		SessionTimeout:    cfg.Groups.SessionTimeout(),
		HeartbeatInterval: cfg.Groups.HeartbeatInterval(),
		RebalanceTimeout:  cfg.Groups.RebalanceTimeout(),
	}
	opts.Delivery = broker.DeliveryConfig{
		VisibilityTimeout: cfg.Delivery.VisibilityTimeout(),
		MaxAttempts:       cfg.Delivery.MaxRetryAttempts,
		RetryBackoff:      cfg.Delivery.RetryBackoff(),
		MaxRetryBackoff:   cfg.Delivery.MaxRetryBackoff(),
		ReapInterval:      time.Second,
	}
	opts.AutoOffsetReset = broker.OffsetReset(cfg.Broker.AutoOffsetReset)
	opts.FetchMaxBytes = cfg.Broker.FetchMaxBytes
	opts.FetchMaxWait = cfg.Broker.FetchMaxWait()
	opts.Replicated = cfg.Cluster.Enabled
	return opts
}
