// =============================================================================
// REPLICA MANAGER - LOCAL REPLICAS AND ROLE TRANSITIONS
// =============================================================================
//
// The replica manager is the bridge between cluster state and the broker's
// partitions. It applies replica assignments (who leads, at which epoch),
// serves the leader side of follower fetches, and runs one fetcher per
// locally-followed partition.
//
//	assignment says LEAD ──► partition.BecomeLeader(epoch)
//	                         ISR manager starts tracking followers
//	assignment says FOLLOW ► partition.BecomeFollower(epoch)
//	                         (truncates to HW - uncommitted records may
//	                          differ from the new leader's)
//	                         fetcher starts pulling from the leader
//
// =============================================================================

package cluster

import (
	"context"
	"log/slog"
	"sync"

	"relaymq/internal/broker"
	"relaymq/internal/storage"
)

// ReplicaManager owns this node's replicas and their replication machinery.
type ReplicaManager struct {
	localID NodeID
	broker  *broker.Broker
	isr     *ISRManager
	client  *ReplicationClient
	logger  *slog.Logger

	mu          sync.Mutex
	peers       map[NodeID]string // node -> replication address
	assignments map[tpKey]ReplicaAssignment
	fetchers    map[tpKey]*FollowerFetcher
}

// NewReplicaManager wires the replication layer over a broker.
func NewReplicaManager(localID NodeID, b *broker.Broker, isr *ISRManager, client *ReplicationClient, peers []Node, logger *slog.Logger) *ReplicaManager {
	peerMap := make(map[NodeID]string, len(peers))
	for _, n := range peers {
		peerMap[n.ID] = n.Address
	}
	return &ReplicaManager{
		localID:     localID,
		broker:      b,
		isr:         isr,
		client:      client,
		logger:      logger.With("component", "replica-manager"),
		peers:       peerMap,
		assignments: make(map[tpKey]ReplicaAssignment),
		fetchers:    make(map[tpKey]*FollowerFetcher),
	}
}

// LocalID returns this node's ID.
func (rm *ReplicaManager) LocalID() NodeID { return rm.localID }

// ApplyAssignment transitions the local replica to the assignment's role.
// Assignments with an older epoch than the current one are fenced.
func (rm *ReplicaManager) ApplyAssignment(a ReplicaAssignment) error {
	if !a.HasReplica(rm.localID) {
		return nil
	}

	topic, err := rm.broker.Topic(a.Topic)
	if err != nil {
		return err
	}
	partition, err := topic.Partition(a.Partition)
	if err != nil {
		return err
	}

	key := tpKey{a.Topic, a.Partition}

	rm.mu.Lock()
	if cur, ok := rm.assignments[key]; ok && a.Epoch < cur.Epoch {
		rm.mu.Unlock()
		return broker.NewBrokerError(broker.ErrCodeFencedEpoch,
			"assignment epoch %d is older than current %d", a.Epoch, cur.Epoch)
	}
	rm.assignments[key] = a
	fetcher := rm.fetchers[key]
	delete(rm.fetchers, key)
	rm.mu.Unlock()

	// Any running fetcher belongs to the old epoch.
	if fetcher != nil {
		fetcher.Stop()
	}

	if a.Leader == rm.localID {
		if err := partition.BecomeLeader(a.Epoch); err != nil {
			return err
		}
		rm.isr.LeadPartition(a.Topic, a.Partition, a.Replicas, partition.LogEndOffset)
		rm.logger.Info("became leader",
			"topic", a.Topic, "partition", a.Partition, "epoch", a.Epoch)
		return nil
	}

	// Follower path: demote (truncating to HW), then pull from the leader.
	rm.isr.DropPartition(a.Topic, a.Partition)
	if err := partition.BecomeFollower(a.Epoch); err != nil {
		return err
	}

	leaderAddr, ok := rm.peerAddr(a.Leader)
	if !ok {
		return broker.NewBrokerError(broker.ErrCodeInvalidConfiguration,
			"no address for leader node %q", a.Leader)
	}
	f := NewFollowerFetcher(rm.localID, leaderAddr, partition, a.Epoch, rm.client, rm.logger)
	rm.mu.Lock()
	rm.fetchers[key] = f
	rm.mu.Unlock()
	f.Start()

	rm.logger.Info("became follower",
		"topic", a.Topic, "partition", a.Partition, "leader", a.Leader, "epoch", a.Epoch)
	return nil
}

func (rm *ReplicaManager) peerAddr(id NodeID) (string, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	addr, ok := rm.peers[id]
	return addr, ok
}

func (rm *ReplicaManager) peerList() []Node {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Node, 0, len(rm.peers))
	for id, addr := range rm.peers {
		out = append(out, Node{ID: id, Address: addr})
	}
	return out
}

// ElectLeader runs a leader election for a partition whose leader was lost,
// applies the winning assignment locally, and pushes it to every reachable
// peer replica. Operators (or a supervisor) invoke it through the
// replication API; the longest-log rule keeps independent invocations
// convergent.
func (rm *ReplicaManager) ElectLeader(ctx context.Context, topicName string, partitionID int) (ReplicaAssignment, error) {
	current, ok := rm.Assignment(topicName, partitionID)
	if !ok {
		return ReplicaAssignment{}, broker.NewBrokerError(broker.ErrCodeInvalidRequest,
			"no replica assignment known for %s-%d", topicName, partitionID)
	}

	elector := NewElector(rm.client, rm.peerList(), rm.logger)
	elector.SetLocal(rm.localID, rm.PartitionState)

	next, err := elector.Elect(ctx, current, current.Replicas)
	if err != nil {
		return ReplicaAssignment{}, err
	}
	if err := rm.ApplyAssignment(next); err != nil {
		return ReplicaAssignment{}, err
	}

	// Best effort: a peer that is down picks the assignment up when it asks
	// again; the epoch fences anything staler.
	for _, id := range next.Replicas {
		if id == rm.localID {
			continue
		}
		addr, ok := rm.peerAddr(id)
		if !ok {
			continue
		}
		if err := rm.client.ApplyAssignment(ctx, addr, next); err != nil {
			rm.logger.Warn("assignment propagation failed",
				"topic", topicName, "partition", partitionID, "replica", id, "error", err)
		}
	}
	return next, nil
}

// Assignment returns the current assignment for a partition.
func (rm *ReplicaManager) Assignment(topic string, partition int) (ReplicaAssignment, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	a, ok := rm.assignments[tpKey{topic, partition}]
	return a, ok
}

// =============================================================================
// LEADER-SIDE FETCH
// =============================================================================

// HandleFetch serves one follower pull. The response never fails the HTTP
// exchange; protocol errors travel in the ErrorCode field so the follower
// can distinguish "leader moved" from "network broke".
func (rm *ReplicaManager) HandleFetch(req FetchRequest) *FetchResponse {
	topic, err := rm.broker.Topic(req.Topic)
	if err != nil {
		return fetchError(err)
	}
	partition, err := topic.Partition(req.Partition)
	if err != nil {
		return fetchError(err)
	}

	if partition.Role() != broker.RoleLeader {
		return fetchError(broker.NewBrokerError(broker.ErrCodeNotLeader,
			"partition %s-%d is not led here", req.Topic, req.Partition))
	}
	if req.Epoch > partition.LeaderEpoch() {
		// The follower knows a newer election than we do; stop serving
		// rather than hand out records under a stale epoch.
		return fetchError(broker.NewBrokerError(broker.ErrCodeFencedEpoch,
			"follower epoch %d is ahead of leader epoch %d", req.Epoch, partition.LeaderEpoch()))
	}

	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	recs, err := partition.ReadUncommitted(req.FetchOffset, maxBytes)
	if err != nil {
		return fetchError(err)
	}

	frames := make([][]byte, 0, len(recs))
	for _, rec := range recs {
		frame, err := rec.Encode()
		if err != nil {
			return fetchError(err)
		}
		frames = append(frames, frame)
	}

	// The fetch offset doubles as the follower's progress report.
	hw := rm.isr.RecordFollowerFetch(req.Topic, req.Partition, req.FollowerID, req.FetchOffset)

	return &FetchResponse{
		Records:       frames,
		HighWatermark: hw,
		LogEndOffset:  partition.LogEndOffset(),
		Epoch:         partition.LeaderEpoch(),
	}
}

func fetchError(err error) *FetchResponse {
	return &FetchResponse{
		ErrorCode:    broker.CodeOf(err),
		ErrorMessage: err.Error(),
	}
}

// PartitionState reports the local replica's replication state.
func (rm *ReplicaManager) PartitionState(topicName string, partitionID int) (*PartitionState, error) {
	topic, err := rm.broker.Topic(topicName)
	if err != nil {
		return nil, err
	}
	partition, err := topic.Partition(partitionID)
	if err != nil {
		return nil, err
	}

	st := &PartitionState{
		Topic:         topicName,
		Partition:     partitionID,
		Role:          partition.Role().String(),
		Epoch:         partition.LeaderEpoch(),
		HighWatermark: partition.HighWatermark(),
		LogEndOffset:  partition.LogEndOffset(),
	}
	if partition.Role() == broker.RoleLeader {
		st.ISR = rm.isr.ISR(topicName, partitionID)
	}
	return st, nil
}

// DecodeFrames turns wire frames back into records.
func DecodeFrames(frames [][]byte) ([]*storage.Record, error) {
	recs := make([]*storage.Record, 0, len(frames))
	for _, frame := range frames {
		rec, err := storage.Decode(frame)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Close stops every fetcher.
func (rm *ReplicaManager) Close() {
	rm.mu.Lock()
	fetchers := make([]*FollowerFetcher, 0, len(rm.fetchers))
	for _, f := range rm.fetchers {
		fetchers = append(fetchers, f)
	}
	rm.fetchers = make(map[tpKey]*FollowerFetcher)
	rm.mu.Unlock()

	for _, f := range fetchers {
		f.Stop()
	}
}
