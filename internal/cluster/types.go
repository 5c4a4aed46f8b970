// =============================================================================
// CLUSTER TYPES - NODES, ASSIGNMENTS, AND THE REPLICATION WIRE FORMAT
// =============================================================================
//
// Replication is pull-based: followers fetch from the leader the same way a
// consumer would, except they read past the high watermark and report their
// own log end as they go. The leader uses those reports to maintain the ISR
// and advance the HW.
//
//	follower ──FetchRequest(offset, epoch)──► leader
//	follower ◄─FetchResponse(records, HW)──── leader
//
// Epochs ride on every message: a request or response carrying an older
// epoch than the receiver knows is from a deposed leader (or a follower that
// missed an election) and is fenced.
//
// =============================================================================

package cluster

import (
	"time"

	"relaymq/internal/broker"
)

// NodeID uniquely identifies a broker node in the cluster.
type NodeID string

// Node describes a peer: where to reach its replication endpoint.
type Node struct {
	ID      NodeID `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
}

// ReplicaAssignment pins a partition's replica set and current leader.
type ReplicaAssignment struct {
	Topic     string   `json:"topic"`
	Partition int      `json:"partition"`
	Replicas  []NodeID `json:"replicas"`
	Leader    NodeID   `json:"leader"`
	Epoch     int64    `json:"epoch"`
}

// HasReplica reports whether a node hosts this partition.
func (a ReplicaAssignment) HasReplica(id NodeID) bool {
	for _, r := range a.Replicas {
		if r == id {
			return true
		}
	}
	return false
}

// FollowerProgress is the leader's view of one follower.
type FollowerProgress struct {
	ReplicaID    NodeID    `json:"replica_id"`
	LogEndOffset int64     `json:"log_end_offset"`
	LastFetch    time.Time `json:"last_fetch"`
	Lag          int64     `json:"lag"`
	InSync       bool      `json:"in_sync"`
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// FetchRequest is a follower's pull from the leader. FetchOffset is the
// follower's log end: everything before it is already applied.
type FetchRequest struct {
	Topic       string `json:"topic"`
	Partition   int    `json:"partition"`
	FollowerID  NodeID `json:"follower_id"`
	FetchOffset int64  `json:"fetch_offset"`
	Epoch       int64  `json:"epoch"`
	MaxBytes    int64  `json:"max_bytes,omitempty"`
}

// FetchResponse carries encoded record frames plus the leader's offsets.
// ErrorCode is one of the broker's closed codes, or empty on success.
type FetchResponse struct {
	ErrorCode     broker.ErrorCode `json:"error_code,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	Records       [][]byte         `json:"records,omitempty"`
	HighWatermark int64            `json:"high_watermark"`
	LogEndOffset  int64            `json:"log_end_offset"`
	Epoch         int64            `json:"epoch"`
}

// PartitionState is the replication-side view of one local replica, used by
// state queries and leader election.
type PartitionState struct {
	Topic         string   `json:"topic"`
	Partition     int      `json:"partition"`
	Role          string   `json:"role"`
	Epoch         int64    `json:"epoch"`
	HighWatermark int64    `json:"high_watermark"`
	LogEndOffset  int64    `json:"log_end_offset"`
	ISR           []NodeID `json:"isr,omitempty"`
}

// tpKey indexes per-partition state.
type tpKey struct {
	topic     string
	partition int
}
