package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default configuration failed validation: %v", err)
	}
}

func TestParse_OverlaysOnDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
node_id: broker-7
broker:
  default_partitions: 12
groups:
  session_timeout_ms: 30000
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.NodeID != "broker-7" {
		t.Errorf("NodeID = %q, want broker-7", cfg.NodeID)
	}
	if cfg.Broker.DefaultPartitions != 12 {
		t.Errorf("DefaultPartitions = %d, want 12", cfg.Broker.DefaultPartitions)
	}
	if cfg.Groups.SessionTimeout() != 30*time.Second {
		t.Errorf("SessionTimeout = %v, want 30s", cfg.Groups.SessionTimeout())
	}
	// Untouched fields keep their defaults.
	if cfg.Broker.DefaultAckLevel != "leader" {
		t.Errorf("DefaultAckLevel = %q, want default \"leader\"", cfg.Broker.DefaultAckLevel)
	}
	if cfg.Delivery.MaxRetryAttempts != 5 {
		t.Errorf("MaxRetryAttempts = %d, want default 5", cfg.Delivery.MaxRetryAttempts)
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("brokre:\n  default_partitions: 3\n"))
	if err == nil {
		t.Fatal("expected error for misspelled section, got nil")
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaymq.yaml")
	if err := os.WriteFile(path, []byte("node_id: file-node\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NodeID != "file-node" {
		t.Errorf("NodeID = %q, want file-node", cfg.NodeID)
	}
}

func TestValidate_AccumulatesAllErrors(t *testing.T) {
	cfg := Default()
	cfg.NodeID = ""
	cfg.Broker.DefaultAckLevel = "quorum"
	cfg.Broker.AutoOffsetReset = "middle"
	cfg.Delivery.RetryBackoffMs = -1

	err := cfg.Validate()
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if len(verr.Errors) < 4 {
		t.Fatalf("accumulated %d errors, want at least 4:\n%v", len(verr.Errors), err)
	}
	for _, want := range []string{"node_id", "default_ack_level", "auto_offset_reset", "retry_backoff_ms"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error text missing %q:\n%v", want, err)
		}
	}
}

func TestValidate_ClusterRequiresPeersAndSaneISRFloor(t *testing.T) {
	cfg := Default()
	cfg.Cluster.Enabled = true
	cfg.Cluster.Peers = nil
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "cluster.peers") {
		t.Fatalf("expected cluster.peers error, got %v", err)
	}

	cfg.Cluster.Peers = []Peer{{ID: "broker-2", Address: "10.0.0.2:9081"}}
	cfg.Cluster.MinInSyncReplicas = 3 // self + 1 peer = 2 nodes
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "min_insync_replicas") {
		t.Fatalf("expected min_insync_replicas error, got %v", err)
	}

	cfg.Cluster.MinInSyncReplicas = 2
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid cluster config rejected: %v", err)
	}
}

func TestValidate_DuplicatePeerIDs(t *testing.T) {
	cfg := Default()
	cfg.Cluster.Enabled = true
	cfg.Cluster.Peers = []Peer{
		{ID: "broker-2", Address: "10.0.0.2:9081"},
		{ID: "broker-2", Address: "10.0.0.3:9081"},
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate node id") {
		t.Fatalf("expected duplicate peer id error, got %v", err)
	}
}

func TestValidate_HeartbeatMustFitInsideSession(t *testing.T) {
	cfg := Default()
	cfg.Groups.SessionTimeoutMs = 6_000
	cfg.Groups.HeartbeatIntervalMs = 5_000
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "heartbeat_interval_ms") {
		t.Fatalf("expected heartbeat interval error, got %v", err)
	}
}

func TestValidate_BadAddress(t *testing.T) {
	cfg := Default()
	cfg.Listen.Client = "no-port"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "listen.client") {
		t.Fatalf("expected listen.client error, got %v", err)
	}
}
