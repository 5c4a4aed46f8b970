package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relaymq/internal/broker"
	"relaymq/internal/storage"
)

// node bundles one broker with its replication machinery, the way the daemon
// wires them.
type node struct {
	id     NodeID
	broker *broker.Broker
	isr    *ISRManager
	rm     *ReplicaManager
	srv    *httptest.Server
	addr   string
}

func startNode(t *testing.T, id NodeID, peers []Node) *node {
	t.Helper()
	n := &node{id: id}

	cfg := DefaultISRConfig()
	cfg.CheckInterval = time.Hour
	n.isr = NewISRManager(id, cfg, func(topic string, partition int, hw int64) {
		tp, err := n.broker.Topic(topic)
		if err != nil {
			return
		}
		p, err := tp.Partition(partition)
		if err != nil {
			return
		}
		p.AdvanceHW(hw)
	}, nil, discardLogger())
	t.Cleanup(n.isr.Close)

	opts := broker.DefaultOptions(t.TempDir())
	opts.RetentionInterval = 0
	opts.Replicated = true
	b, err := broker.New(opts, n.isr, discardLogger())
	if err != nil {
		t.Fatalf("broker start failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	n.broker = b

	n.rm = NewReplicaManager(id, b, n.isr, NewReplicationClient(0), peers, discardLogger())
	t.Cleanup(n.rm.Close)

	n.srv = httptest.NewServer(NewReplicationServer(n.rm, discardLogger()).Handler())
	t.Cleanup(n.srv.Close)
	n.addr = strings.TrimPrefix(n.srv.URL, "http://")
	return n
}

func TestReplicaManager_FencesStaleAssignment(t *testing.T) {
	n := startNode(t, "node-a", nil)
	if _, err := n.broker.CreateTopic("orders", 1); err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}

	base := ReplicaAssignment{
		Topic: "orders", Partition: 0,
		Replicas: []NodeID{"node-a"}, Leader: "node-a",
	}

	base.Epoch = 5
	if err := n.rm.ApplyAssignment(base); err != nil {
		t.Fatalf("ApplyAssignment(epoch 5) failed: %v", err)
	}

	base.Epoch = 3
	err := n.rm.ApplyAssignment(base)
	if broker.CodeOf(err) != broker.ErrCodeFencedEpoch {
		t.Fatalf("stale assignment error = %v, want FENCED_EPOCH", err)
	}
}

func TestReplicaManager_IgnoresAssignmentsWithoutLocalReplica(t *testing.T) {
	n := startNode(t, "node-a", nil)

	err := n.rm.ApplyAssignment(ReplicaAssignment{
		Topic: "ghost", Partition: 0,
		Replicas: []NodeID{"node-b", "node-c"}, Leader: "node-b", Epoch: 1,
	})
	if err != nil {
		t.Fatalf("non-local assignment should be a no-op, got %v", err)
	}
}

func TestReplicaManager_HandleFetchServesAndTracksProgress(t *testing.T) {
	n := startNode(t, "node-a", nil)
	ctx := context.Background()

	if _, err := n.broker.CreateTopic("orders", 1); err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
	if err := n.rm.ApplyAssignment(ReplicaAssignment{
		Topic: "orders", Partition: 0,
		Replicas: []NodeID{"node-a", "node-b"}, Leader: "node-a", Epoch: 1,
	}); err != nil {
		t.Fatalf("ApplyAssignment failed: %v", err)
	}

	if _, err := n.broker.Produce(ctx, broker.ProduceRequest{
		Topic: "orders", Partition: 0, AckLevel: broker.AckLeader,
		Records: []broker.ProduceRecord{
			{Value: []byte("one")}, {Value: []byte("two")}, {Value: []byte("three")},
		},
	}); err != nil {
		t.Fatalf("Produce failed: %v", err)
	}

	resp := n.rm.HandleFetch(FetchRequest{
		Topic: "orders", Partition: 0,
		FollowerID: "node-b", FetchOffset: 0, Epoch: 1,
	})
	if resp.ErrorCode != "" {
		t.Fatalf("fetch error: %s %s", resp.ErrorCode, resp.ErrorMessage)
	}
	if len(resp.Records) != 3 {
		t.Fatalf("fetched %d frames, want 3", len(resp.Records))
	}
	recs, err := DecodeFrames(resp.Records)
	if err != nil {
		t.Fatalf("DecodeFrames failed: %v", err)
	}
	if string(recs[2].Value) != "three" {
		t.Fatalf("record 2 value = %q, want \"three\"", recs[2].Value)
	}

	// The second fetch reports the follower caught up; HW follows.
	resp = n.rm.HandleFetch(FetchRequest{
		Topic: "orders", Partition: 0,
		FollowerID: "node-b", FetchOffset: 3, Epoch: 1,
	})
	if resp.HighWatermark != 3 {
		t.Fatalf("HW = %d, want 3 after follower caught up", resp.HighWatermark)
	}
	prog := n.isr.Progress("orders", 0)
	if len(prog) != 1 || prog[0].LogEndOffset != 3 {
		t.Fatalf("follower progress = %+v, want log end 3", prog)
	}
}

func TestReplicaManager_HandleFetchRejectsNonLeaderAndNewerEpoch(t *testing.T) {
	n := startNode(t, "node-a", nil)

	if _, err := n.broker.CreateTopic("orders", 1); err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
	if err := n.rm.ApplyAssignment(ReplicaAssignment{
		Topic: "orders", Partition: 0,
		Replicas: []NodeID{"node-a", "node-b"}, Leader: "node-a", Epoch: 2,
	}); err != nil {
		t.Fatalf("ApplyAssignment failed: %v", err)
	}

	// A follower that saw election 3 is ahead of this leader.
	resp := n.rm.HandleFetch(FetchRequest{
		Topic: "orders", Partition: 0,
		FollowerID: "node-b", FetchOffset: 0, Epoch: 3,
	})
	if resp.ErrorCode != broker.ErrCodeFencedEpoch {
		t.Fatalf("ahead-of-leader fetch error = %q, want FENCED_EPOCH", resp.ErrorCode)
	}

	// Demoted replicas stop serving fetches.
	tp, _ := n.broker.Topic("orders")
	p, _ := tp.Partition(0)
	if err := p.BecomeFollower(4); err != nil {
		t.Fatalf("BecomeFollower failed: %v", err)
	}
	resp = n.rm.HandleFetch(FetchRequest{
		Topic: "orders", Partition: 0,
		FollowerID: "node-b", FetchOffset: 0, Epoch: 4,
	})
	if resp.ErrorCode != broker.ErrCodeNotLeader {
		t.Fatalf("fetch from non-leader error = %q, want NOT_LEADER", resp.ErrorCode)
	}
}

func TestDecodeFrames_RoundTrip(t *testing.T) {
	in := []*storage.Record{
		storage.NewRecord([]byte("k1"), []byte("v1")),
		storage.NewRecord(nil, []byte("v2")),
	}
	frames := make([][]byte, 0, len(in))
	for _, rec := range in {
		frame, err := rec.Encode()
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		frames = append(frames, frame)
	}

	out, err := DecodeFrames(frames)
	if err != nil {
		t.Fatalf("DecodeFrames failed: %v", err)
	}
	if len(out) != 2 || string(out[0].Key) != "k1" || string(out[1].Value) != "v2" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

// TestReplication_EndToEnd stands up a leader and a follower over real HTTP
// and watches records and the high watermark flow across.
func TestReplication_EndToEnd(t *testing.T) {
	leader := startNode(t, "node-a", nil)
	follower := startNode(t, "node-b", []Node{{ID: "node-a", Address: leader.addr}})
	ctx := context.Background()

	assignment := ReplicaAssignment{
		Topic: "orders", Partition: 0,
		Replicas: []NodeID{"node-a", "node-b"}, Leader: "node-a", Epoch: 1,
	}

	if _, err := leader.broker.CreateTopic("orders", 1); err != nil {
		t.Fatalf("leader CreateTopic failed: %v", err)
	}
	if err := leader.rm.ApplyAssignment(assignment); err != nil {
		t.Fatalf("leader ApplyAssignment failed: %v", err)
	}

	if _, err := leader.broker.Produce(ctx, broker.ProduceRequest{
		Topic: "orders", Partition: 0, AckLevel: broker.AckLeader,
		Records: []broker.ProduceRecord{
			{Key: []byte("a"), Value: []byte("payload-0")},
			{Key: []byte("b"), Value: []byte("payload-1")},
			{Key: []byte("c"), Value: []byte("payload-2")},
		},
	}); err != nil {
		t.Fatalf("Produce failed: %v", err)
	}

	if _, err := follower.broker.CreateTopic("orders", 1); err != nil {
		t.Fatalf("follower CreateTopic failed: %v", err)
	}
	if err := follower.rm.ApplyAssignment(assignment); err != nil {
		t.Fatalf("follower ApplyAssignment failed: %v", err)
	}

	ftp, _ := follower.broker.Topic("orders")
	fp, _ := ftp.Partition(0)

	deadline := time.Now().Add(10 * time.Second)
	for fp.LogEndOffset() < 3 || fp.HighWatermark() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("replication stalled: follower LEO=%d HW=%d, want 3/3",
				fp.LogEndOffset(), fp.HighWatermark())
		}
		time.Sleep(20 * time.Millisecond)
	}

	recs, err := fp.ReadCommitted(0, 1<<20)
	if err != nil {
		t.Fatalf("follower ReadCommitted failed: %v", err)
	}
	if len(recs) != 3 || string(recs[1].Value) != "payload-1" {
		t.Fatalf("follower committed records = %d, want 3 with original payloads", len(recs))
	}

	// The leader's own HW advanced too, so all-isr produces complete.
	if _, err := leader.broker.Produce(ctx, broker.ProduceRequest{
		Topic: "orders", Partition: 0, AckLevel: broker.AckAllISR,
		Records: []broker.ProduceRecord{{Value: []byte("payload-3")}},
	}); err != nil {
		t.Fatalf("all-isr Produce failed: %v", err)
	}
}

// TestReplication_FailoverPromotesFollower kills the leader, drives an
// election from the surviving follower, and checks that every committed
// record is still served from the new leader.
func TestReplication_FailoverPromotesFollower(t *testing.T) {
	leader := startNode(t, "node-a", nil)
	follower := startNode(t, "node-b", []Node{{ID: "node-a", Address: leader.addr}})
	ctx := context.Background()

	assignment := ReplicaAssignment{
		Topic: "orders", Partition: 0,
		Replicas: []NodeID{"node-a", "node-b"}, Leader: "node-a", Epoch: 1,
	}
	for _, n := range []*node{leader, follower} {
		if _, err := n.broker.CreateTopic("orders", 1); err != nil {
			t.Fatalf("%s CreateTopic failed: %v", n.id, err)
		}
		if err := n.rm.ApplyAssignment(assignment); err != nil {
			t.Fatalf("%s ApplyAssignment failed: %v", n.id, err)
		}
	}

	// all-isr blocks until node-b replicated the batch, so the records are
	// committed cluster-wide before the failover.
	if _, err := leader.broker.Produce(ctx, broker.ProduceRequest{
		Topic: "orders", Partition: 0, AckLevel: broker.AckAllISR,
		Records: []broker.ProduceRecord{
			{Value: []byte("survives-0")},
			{Value: []byte("survives-1")},
			{Value: []byte("survives-2")},
		},
	}); err != nil {
		t.Fatalf("all-isr Produce failed: %v", err)
	}

	ftp, _ := follower.broker.Topic("orders")
	fp, _ := ftp.Partition(0)
	deadline := time.Now().Add(10 * time.Second)
	for fp.HighWatermark() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("replication stalled: follower HW=%d, want 3", fp.HighWatermark())
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The leader drops off the network.
	leader.srv.Close()

	next, err := follower.rm.ElectLeader(ctx, "orders", 0)
	if err != nil {
		t.Fatalf("ElectLeader failed: %v", err)
	}
	if next.Leader != "node-b" || next.Epoch != 2 {
		t.Fatalf("elected %s at epoch %d, want node-b at epoch 2", next.Leader, next.Epoch)
	}
	if fp.Role() != broker.RoleLeader {
		t.Fatalf("promoted replica role = %s, want leader", fp.Role())
	}

	// The committed records survived the failover.
	recs, err := fp.ReadCommitted(0, 1<<20)
	if err != nil {
		t.Fatalf("ReadCommitted on new leader failed: %v", err)
	}
	if len(recs) != 3 || string(recs[0].Value) != "survives-0" {
		t.Fatalf("new leader serves %d committed records, want the 3 pre-failover ones", len(recs))
	}

	// And the new leader takes writes.
	if _, err := follower.broker.Produce(ctx, broker.ProduceRequest{
		Topic: "orders", Partition: 0, AckLevel: broker.AckLeader,
		Records: []broker.ProduceRecord{{Value: []byte("post-failover")}},
	}); err != nil {
		t.Fatalf("Produce on new leader failed: %v", err)
	}
}

// TestReplicationServer_AssignmentAndElectEndpoints drives role transitions
// and an election purely through the peer-facing HTTP surface.
func TestReplicationServer_AssignmentAndElectEndpoints(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadAddr := strings.TrimPrefix(dead.URL, "http://")
	dead.Close()

	n := startNode(t, "node-b", []Node{{ID: "node-a", Address: deadAddr}})
	ctx := context.Background()

	if _, err := n.broker.CreateTopic("orders", 1); err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}

	client := NewReplicationClient(0)

	// Posting an assignment transitions the replica: node-b follows node-a.
	if err := client.ApplyAssignment(ctx, n.addr, ReplicaAssignment{
		Topic: "orders", Partition: 0,
		Replicas: []NodeID{"node-a", "node-b"}, Leader: "node-a", Epoch: 1,
	}); err != nil {
		t.Fatalf("ApplyAssignment failed: %v", err)
	}
	st, err := client.PartitionState(ctx, n.addr, "orders", 0)
	if err != nil {
		t.Fatalf("PartitionState failed: %v", err)
	}
	if st.Role != "follower" || st.Epoch != 1 {
		t.Fatalf("state after assignment = %+v, want follower at epoch 1", st)
	}

	// A stale epoch is fenced with a conflict.
	err = client.ApplyAssignment(ctx, n.addr, ReplicaAssignment{
		Topic: "orders", Partition: 0,
		Replicas: []NodeID{"node-a", "node-b"}, Leader: "node-a", Epoch: 0,
	})
	if err == nil || !strings.Contains(err.Error(), "status 409") {
		t.Fatalf("stale assignment = %v, want status 409", err)
	}

	// With node-a unreachable, electing through the endpoint promotes node-b.
	resp, err := http.Post(
		fmt.Sprintf("http://%s/replication/partitions/orders/0/elect", n.addr),
		"application/json", nil)
	if err != nil {
		t.Fatalf("elect request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("elect status = %d, want 200", resp.StatusCode)
	}
	var next ReplicaAssignment
	if err := json.NewDecoder(resp.Body).Decode(&next); err != nil {
		t.Fatalf("decode elect response: %v", err)
	}
	if next.Leader != "node-b" || next.Epoch != 2 {
		t.Fatalf("elected %s at epoch %d, want node-b at epoch 2", next.Leader, next.Epoch)
	}

	tp, _ := n.broker.Topic("orders")
	p, _ := tp.Partition(0)
	if p.Role() != broker.RoleLeader {
		t.Fatalf("role after elect = %s, want leader", p.Role())
	}
}
