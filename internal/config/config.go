// =============================================================================
// CONFIGURATION - ONE EXPLICIT STRUCT, YAML ON DISK
// =============================================================================
//
// Every tunable lives here with an explicit default. Loading is strict: an
// unknown key in the YAML file is an error, because a typoed option that
// silently falls back to its default is the worst kind of misconfiguration.
//
// Durations are expressed in milliseconds in the file (session_timeout_ms
// and friends) and converted once at load.
//
// =============================================================================

package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full broker configuration.
type Config struct {
	// NodeID uniquely identifies this broker in a cluster.
	NodeID string `yaml:"node_id"`

	// DataDir roots every partition log and the offsets log.
	DataDir string `yaml:"data_dir"`

	Listen   ListenConfig   `yaml:"listen"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Broker   BrokerConfig   `yaml:"broker"`
	Groups   GroupsConfig   `yaml:"groups"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Log      LogConfig      `yaml:"log"`
}

// ListenConfig names the two listeners: clients and peers never share a port.
type ListenConfig struct {
	// Client is the JSON/HTTP API address.
	Client string `yaml:"client"`

	// Replication is the peer-facing fetch address.
	Replication string `yaml:"replication"`
}

// Peer is one remote broker.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// ClusterConfig controls replication. Disabled means solo mode: the high
// watermark tracks the log end and all-isr acks degrade to leader acks.
type ClusterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Peers   []Peer `yaml:"peers"`

	// MinInSyncReplicas is the ISR floor for ack=all_isr writes.
	MinInSyncReplicas int `yaml:"min_insync_replicas"`

	// ReplicaLagTimeMs drops a follower from the ISR after this much
	// silence.
	ReplicaLagTimeMs int `yaml:"replica_lag_time_ms"`

	// ReplicaLagMaxRecords drops a follower once it trails the leader's
	// log end by more than this many records.
	ReplicaLagMaxRecords int64 `yaml:"replica_lag_max_records"`
}

// BrokerConfig covers topics, logs, produce, and fetch.
type BrokerConfig struct {
	DefaultPartitions int    `yaml:"default_partitions"`
	DefaultAckLevel   string `yaml:"default_ack_level"`

	// SegmentMaxBytes rolls a segment once it reaches this size.
	SegmentMaxBytes int64 `yaml:"segment_max_bytes"`

	// RetentionBytes caps a partition's size; 0 disables.
	RetentionBytes int64 `yaml:"retention_bytes"`

	// RetentionMs expires segments by age; 0 disables.
	RetentionMs int64 `yaml:"retention_ms"`

	// AutoOffsetReset is "earliest" or "latest" for groups with no commit.
	AutoOffsetReset string `yaml:"auto_offset_reset"`

	MaxRecordBytes            int `yaml:"max_record_bytes"`
	CompressionThresholdBytes int `yaml:"compression_threshold_bytes"`

	FetchMaxBytes  int64 `yaml:"fetch_max_bytes"`
	FetchMaxWaitMs int   `yaml:"fetch_max_wait_ms"`

	// AckTimeoutMs bounds the all-isr replication wait.
	AckTimeoutMs int `yaml:"ack_timeout_ms"`
}

// GroupsConfig covers consumer-group coordination.
type GroupsConfig struct {
	SessionTimeoutMs     int `yaml:"session_timeout_ms"`
	HeartbeatIntervalMs  int `yaml:"heartbeat_interval_ms"`
	RebalanceTimeoutMs   int `yaml:"rebalance_timeout_ms"`
	AutoCommitIntervalMs int `yaml:"auto_commit_interval_ms"`
}

// DeliveryConfig covers the retry and dead-letter engine.
type DeliveryConfig struct {
	MaxRetryAttempts    int `yaml:"max_retry_attempts"`
	RetryBackoffMs      int `yaml:"retry_backoff_ms"`
	MaxRetryBackoffMs   int `yaml:"max_retry_backoff_ms"`
	VisibilityTimeoutMs int `yaml:"visibility_timeout_ms"`
}

// LogConfig controls slog output.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the configuration a single-node broker runs with when no
// file is given.
func Default() *Config {
	return &Config{
		NodeID:  "broker-1",
		DataDir: "data",
		Listen: ListenConfig{
			Client:      ":9080",
			Replication: ":9081",
		},
		Cluster: ClusterConfig{
			Enabled:              false,
			MinInSyncReplicas:    2,
			ReplicaLagTimeMs:     10_000,
			ReplicaLagMaxRecords: 1000,
		},
		Broker: BrokerConfig{
			DefaultPartitions:         3,
			DefaultAckLevel:           "leader",
			SegmentMaxBytes:           64 << 20,
			RetentionBytes:            0,
			RetentionMs:               0,
			AutoOffsetReset:           "earliest",
			MaxRecordBytes:            1 << 20,
			CompressionThresholdBytes: 4096,
			FetchMaxBytes:             1 << 20,
			FetchMaxWaitMs:            30_000,
			AckTimeoutMs:              5_000,
		},
		Groups: GroupsConfig{
			SessionTimeoutMs:     10_000,
			HeartbeatIntervalMs:  3_000,
			RebalanceTimeoutMs:   30_000,
			AutoCommitIntervalMs: 5_000,
		},
		Delivery: DeliveryConfig{
			MaxRetryAttempts:    5,
			RetryBackoffMs:      1_000,
			MaxRetryBackoffMs:   60_000,
			VisibilityTimeoutMs: 30_000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path, overlays it on the defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown keys fail.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Millisecond-to-duration accessors. The YAML carries integers so a file
// never says "10s" in one place and "10000" in another.

func (c *ClusterConfig) ReplicaLagTime() time.Duration {
	return time.Duration(c.ReplicaLagTimeMs) * time.Millisecond
}

func (c *BrokerConfig) FetchMaxWait() time.Duration {
	return time.Duration(c.FetchMaxWaitMs) * time.Millisecond
}

func (c *BrokerConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMs) * time.Millisecond
}

func (c *BrokerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionMs) * time.Millisecond
}

func (c *GroupsConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMs) * time.Millisecond
}

func (c *GroupsConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c *GroupsConfig) RebalanceTimeout() time.Duration {
	return time.Duration(c.RebalanceTimeoutMs) * time.Millisecond
}

func (c *GroupsConfig) AutoCommitInterval() time.Duration {
	return time.Duration(c.AutoCommitIntervalMs) * time.Millisecond
}

func (c *DeliveryConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c *DeliveryConfig) MaxRetryBackoff() time.Duration {
	return time.Duration(c.MaxRetryBackoffMs) * time.Millisecond
}

func (c *DeliveryConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutMs) * time.Millisecond
}
