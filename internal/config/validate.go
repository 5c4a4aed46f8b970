// =============================================================================
// VALIDATION - ACCUMULATE EVERYTHING, FAIL ONCE
// =============================================================================
//
// Validation collects every problem before returning, so the operator fixes
// the whole file in one pass instead of replaying start-fail-edit per field.
//
// =============================================================================

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError carries every configuration problem found.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "configuration invalid: " + e.Errors[0]
	}
	var b strings.Builder
	b.WriteString("configuration invalid:\n")
	for i, msg := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, msg)
	}
	return b.String()
}

// Validate checks the whole configuration and returns a *ValidationError
// listing every problem, or nil.
func (c *Config) Validate() error {
	var errs []string

	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.NodeID == "" {
		add("node_id: must not be empty")
	} else if strings.ContainsAny(c.NodeID, " \t\n\r/") {
		add("node_id: must not contain whitespace or '/'")
	}

	if c.DataDir == "" {
		add("data_dir: must not be empty")
	} else {
		errs = append(errs, checkDataDir(c.DataDir)...)
	}

	if c.Listen.Client == "" {
		add("listen.client: must not be empty")
	} else if err := checkAddress(c.Listen.Client); err != nil {
		add("listen.client: %v", err)
	}
	if c.Cluster.Enabled {
		if c.Listen.Replication == "" {
			add("listen.replication: required when cluster is enabled")
		} else if err := checkAddress(c.Listen.Replication); err != nil {
			add("listen.replication: %v", err)
		}
	}

	errs = append(errs, c.Cluster.validate()...)
	errs = append(errs, c.Broker.validate()...)
	errs = append(errs, c.Groups.validate()...)
	errs = append(errs, c.Delivery.validate()...)

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level: %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format: %q is not one of text, json", c.Log.Format)
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func (c *ClusterConfig) validate() []string {
	if !c.Enabled {
		return nil
	}
	var errs []string

	if len(c.Peers) == 0 {
		errs = append(errs, "cluster.peers: at least one peer is required when cluster is enabled")
	}
	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("cluster.peers[%d].id: must not be empty", i))
		} else if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("cluster.peers[%d].id: duplicate node id %q", i, p.ID))
		}
		seen[p.ID] = true
		if err := checkAddress(p.Address); err != nil {
			errs = append(errs, fmt.Sprintf("cluster.peers[%d].address: %v", i, err))
		}
	}

	// The replica set is this node plus its peers.
	totalNodes := len(c.Peers) + 1
	if c.MinInSyncReplicas < 1 {
		errs = append(errs, fmt.Sprintf("cluster.min_insync_replicas: must be >= 1, got %d", c.MinInSyncReplicas))
	} else if c.MinInSyncReplicas > totalNodes {
		errs = append(errs, fmt.Sprintf("cluster.min_insync_replicas: %d exceeds cluster size %d", c.MinInSyncReplicas, totalNodes))
	}
	if c.ReplicaLagTimeMs <= 0 {
		errs = append(errs, fmt.Sprintf("cluster.replica_lag_time_ms: must be > 0, got %d", c.ReplicaLagTimeMs))
	}
	if c.ReplicaLagMaxRecords <= 0 {
		errs = append(errs, fmt.Sprintf("cluster.replica_lag_max_records: must be > 0, got %d", c.ReplicaLagMaxRecords))
	}
	return errs
}

func (c *BrokerConfig) validate() []string {
	var errs []string

	if c.DefaultPartitions < 1 {
		errs = append(errs, fmt.Sprintf("broker.default_partitions: must be >= 1, got %d", c.DefaultPartitions))
	}
	switch c.DefaultAckLevel {
	case "none", "leader", "all_isr":
	default:
		errs = append(errs, fmt.Sprintf("broker.default_ack_level: %q is not one of none, leader, all_isr", c.DefaultAckLevel))
	}
	if c.SegmentMaxBytes < 1<<10 {
		errs = append(errs, fmt.Sprintf("broker.segment_max_bytes: must be >= 1024, got %d", c.SegmentMaxBytes))
	}
	if c.RetentionBytes < 0 {
		errs = append(errs, fmt.Sprintf("broker.retention_bytes: must be >= 0, got %d", c.RetentionBytes))
	}
	if c.RetentionMs < 0 {
		errs = append(errs, fmt.Sprintf("broker.retention_ms: must be >= 0, got %d", c.RetentionMs))
	}
	switch c.AutoOffsetReset {
	case "earliest", "latest":
	default:
		errs = append(errs, fmt.Sprintf("broker.auto_offset_reset: %q is not one of earliest, latest", c.AutoOffsetReset))
	}
	if c.MaxRecordBytes < 1 {
		errs = append(errs, fmt.Sprintf("broker.max_record_bytes: must be >= 1, got %d", c.MaxRecordBytes))
	}
	if c.CompressionThresholdBytes < 0 {
		errs = append(errs, fmt.Sprintf("broker.compression_threshold_bytes: must be >= 0, got %d", c.CompressionThresholdBytes))
	}
	if c.FetchMaxBytes < 1 {
		errs = append(errs, fmt.Sprintf("broker.fetch_max_bytes: must be >= 1, got %d", c.FetchMaxBytes))
	}
	if c.FetchMaxWaitMs < 0 {
		errs = append(errs, fmt.Sprintf("broker.fetch_max_wait_ms: must be >= 0, got %d", c.FetchMaxWaitMs))
	}
	if c.AckTimeoutMs <= 0 {
		errs = append(errs, fmt.Sprintf("broker.ack_timeout_ms: must be > 0, got %d", c.AckTimeoutMs))
	}
	return errs
}

func (c *GroupsConfig) validate() []string {
	var errs []string

	if c.SessionTimeoutMs <= 0 {
		errs = append(errs, fmt.Sprintf("groups.session_timeout_ms: must be > 0, got %d", c.SessionTimeoutMs))
	}
	if c.HeartbeatIntervalMs <= 0 {
		errs = append(errs, fmt.Sprintf("groups.heartbeat_interval_ms: must be > 0, got %d", c.HeartbeatIntervalMs))
	}
	// A heartbeat interval at or above the session timeout guarantees
	// spurious evictions.
	if c.HeartbeatIntervalMs > 0 && c.SessionTimeoutMs > 0 && c.HeartbeatIntervalMs*3 > c.SessionTimeoutMs {
		errs = append(errs, fmt.Sprintf("groups.heartbeat_interval_ms: %d must be at most a third of session_timeout_ms (%d)", c.HeartbeatIntervalMs, c.SessionTimeoutMs))
	}
	if c.RebalanceTimeoutMs <= 0 {
		errs = append(errs, fmt.Sprintf("groups.rebalance_timeout_ms: must be > 0, got %d", c.RebalanceTimeoutMs))
	}
	if c.AutoCommitIntervalMs < 0 {
		errs = append(errs, fmt.Sprintf("groups.auto_commit_interval_ms: must be >= 0, got %d", c.AutoCommitIntervalMs))
	}
	return errs
}

func (c *DeliveryConfig) validate() []string {
	var errs []string

	if c.MaxRetryAttempts < 1 {
		errs = append(errs, fmt.Sprintf("delivery.max_retry_attempts: must be >= 1, got %d", c.MaxRetryAttempts))
	}
	if c.RetryBackoffMs <= 0 {
		errs = append(errs, fmt.Sprintf("delivery.retry_backoff_ms: must be > 0, got %d", c.RetryBackoffMs))
	}
	if c.MaxRetryBackoffMs < c.RetryBackoffMs {
		errs = append(errs, fmt.Sprintf("delivery.max_retry_backoff_ms: %d is below retry_backoff_ms %d", c.MaxRetryBackoffMs, c.RetryBackoffMs))
	}
	if c.VisibilityTimeoutMs <= 0 {
		errs = append(errs, fmt.Sprintf("delivery.visibility_timeout_ms: must be > 0, got %d", c.VisibilityTimeoutMs))
	}
	return errs
}

// checkDataDir accepts an existing directory or a creatable path.
func checkDataDir(dir string) []string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return []string{fmt.Sprintf("data_dir: cannot resolve %q: %v", dir, err)}
	}

	info, err := os.Stat(abs)
	switch {
	case err == nil:
		if !info.IsDir() {
			return []string{fmt.Sprintf("data_dir: %q exists but is not a directory", abs)}
		}
	case os.IsNotExist(err):
		if _, perr := os.Stat(filepath.Dir(abs)); perr != nil {
			return []string{fmt.Sprintf("data_dir: %q does not exist and its parent is not accessible: %v", abs, perr)}
		}
	default:
		return []string{fmt.Sprintf("data_dir: cannot access %q: %v", abs, err)}
	}
	return nil
}

func checkAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
