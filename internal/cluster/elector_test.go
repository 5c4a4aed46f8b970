package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relaymq/internal/broker"
)

func TestPickLeader_LongestLogWins(t *testing.T) {
	got := pickLeader([]candidate{
		{id: "node-b", leo: 40},
		{id: "node-c", leo: 90},
		{id: "node-d", leo: 70},
	})
	if got != "node-c" {
		t.Fatalf("pickLeader = %q, want node-c", got)
	}
}

func TestPickLeader_TieBreaksToSmallestID(t *testing.T) {
	got := pickLeader([]candidate{
		{id: "node-d", leo: 50},
		{id: "node-b", leo: 50},
		{id: "node-c", leo: 50},
	})
	if got != "node-b" {
		t.Fatalf("pickLeader = %q, want node-b on tie", got)
	}
}

// stateServer serves a fixed replication state for one replica.
func stateServer(t *testing.T, leo int64) (addr string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&PartitionState{
			Topic:        "orders",
			Partition:    0,
			Role:         "follower",
			LogEndOffset: leo,
		})
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestElector_ElectsLongestLogAndBumpsEpoch(t *testing.T) {
	peers := []Node{
		{ID: "node-b", Address: stateServer(t, 12)},
		{ID: "node-c", Address: stateServer(t, 44)},
	}
	e := NewElector(NewReplicationClient(0), peers, discardLogger())

	current := ReplicaAssignment{
		Topic:     "orders",
		Partition: 0,
		Replicas:  []NodeID{"node-a", "node-b", "node-c"},
		Leader:    "node-a",
		Epoch:     3,
	}
	next, err := e.Elect(context.Background(), current, []NodeID{"node-a", "node-b", "node-c"})
	if err != nil {
		t.Fatalf("Elect failed: %v", err)
	}
	if next.Leader != "node-c" {
		t.Fatalf("elected %q, want node-c (longest log)", next.Leader)
	}
	if next.Epoch != 4 {
		t.Fatalf("epoch = %d, want 4", next.Epoch)
	}
}

func TestElector_SkipsUnreachableCandidates(t *testing.T) {
	peers := []Node{
		{ID: "node-b", Address: "127.0.0.1:1"}, // nothing listens here
		{ID: "node-c", Address: stateServer(t, 7)},
	}
	e := NewElector(NewReplicationClient(0), peers, discardLogger())

	current := ReplicaAssignment{
		Topic:     "orders",
		Partition: 0,
		Replicas:  []NodeID{"node-a", "node-b", "node-c"},
		Leader:    "node-a",
		Epoch:     1,
	}
	next, err := e.Elect(context.Background(), current, []NodeID{"node-b", "node-c"})
	if err != nil {
		t.Fatalf("Elect failed: %v", err)
	}
	if next.Leader != "node-c" {
		t.Fatalf("elected %q, want node-c (only reachable candidate)", next.Leader)
	}
}

func TestElector_FailsWithNoReachableISR(t *testing.T) {
	e := NewElector(NewReplicationClient(0), nil, discardLogger())

	current := ReplicaAssignment{
		Topic:     "orders",
		Partition: 0,
		Replicas:  []NodeID{"node-a", "node-b"},
		Leader:    "node-a",
		Epoch:     1,
	}
	_, err := e.Elect(context.Background(), current, []NodeID{"node-a"})
	if broker.CodeOf(err) != broker.ErrCodeInsufficientReplicas {
		t.Fatalf("error code = %v, want INSUFFICIENT_REPLICAS", broker.CodeOf(err))
	}
}
