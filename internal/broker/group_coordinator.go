// =============================================================================
// GROUP COORDINATOR - ONE BRAIN FOR ALL CONSUMER GROUPS
// =============================================================================
//
// The coordinator owns every ConsumerGroup plus the OffsetManager, and runs
// the session monitor that evicts dead members:
//
//	┌──────────────────────────────────────────────────────┐
//	│                  GroupCoordinator                    │
//	│                                                      │
//	│  ConsumerGroup "orders-proc"   ┌─────────────────┐   │
//	│  ConsumerGroup "audit"         │  OffsetManager  │   │
//	│  ...                           │  (__offsets)    │   │
//	│                                └─────────────────┘   │
//	│  session monitor: tick → ExpireSessions per group    │
//	└──────────────────────────────────────────────────────┘
//
// Offset commits are member-scoped: the coordinator fences the caller's
// (memberID, generation) against the group BEFORE the commit is persisted,
// so a consumer that missed a rebalance can never overwrite the position of
// the partition's new owner.
//
// =============================================================================

package broker

import (
	"log/slog"
	"sync"
	"time"

	"relaymq/internal/metrics"
	"relaymq/internal/storage"
)

// CoordinatorConfig holds coordinator-wide settings.
type CoordinatorConfig struct {
	// SessionCheckInterval is the monitor tick.
	SessionCheckInterval time.Duration

	// GroupDefaults applies to newly created groups.
	GroupDefaults ConsumerGroupConfig

	// OffsetsLog tunes the internal offsets log.
	OffsetsLog storage.LogOptions
}

// DefaultCoordinatorConfig returns sensible coordinator defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		SessionCheckInterval: time.Second,
		GroupDefaults:        DefaultConsumerGroupConfig(),
	}
}

// GroupCoordinator manages group membership and committed offsets.
type GroupCoordinator struct {
	cfg     CoordinatorConfig
	offsets *OffsetManager
	metrics *metrics.Registry
	logger  *slog.Logger

	mu              sync.RWMutex
	groups          map[string]*ConsumerGroup
	partitionCounts map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewGroupCoordinator opens the offsets log and starts the session monitor.
// m may be nil.
func NewGroupCoordinator(dataDir string, cfg CoordinatorConfig, m *metrics.Registry, logger *slog.Logger) (*GroupCoordinator, error) {
	if cfg.SessionCheckInterval <= 0 {
		cfg.SessionCheckInterval = time.Second
	}
	offsets, err := NewOffsetManager(dataDir, cfg.OffsetsLog, logger)
	if err != nil {
		return nil, err
	}

	gc := &GroupCoordinator{
		cfg:             cfg,
		offsets:         offsets,
		metrics:         m,
		logger:          logger.With("component", "group-coordinator"),
		groups:          make(map[string]*ConsumerGroup),
		partitionCounts: make(map[string]int),
		stopCh:          make(chan struct{}),
	}

	gc.wg.Add(1)
	go gc.sessionMonitor()

	return gc, nil
}

// sessionMonitor periodically expires dead members and closes overdue join
// windows.
func (gc *GroupCoordinator) sessionMonitor() {
	defer gc.wg.Done()
	ticker := time.NewTicker(gc.cfg.SessionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			gc.mu.RLock()
			groups := make([]*ConsumerGroup, 0, len(gc.groups))
			for _, g := range gc.groups {
				groups = append(groups, g)
			}
			gc.mu.RUnlock()

			for _, g := range groups {
				if evicted := g.ExpireSessions(now); len(evicted) > 0 {
					gc.logger.Info("evicted expired members",
						"group", g.ID(), "members", evicted, "state", g.State())
				}
			}
		case <-gc.stopCh:
			return
		}
	}
}

// =============================================================================
// TOPIC REGISTRY
// =============================================================================

// RegisterTopic records a topic's partition count for assignment.
func (gc *GroupCoordinator) RegisterTopic(topic string, partitionCount int) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.partitionCounts[topic] = partitionCount
}

// UnregisterTopic drops a topic from assignment.
func (gc *GroupCoordinator) UnregisterTopic(topic string) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	delete(gc.partitionCounts, topic)
}

func (gc *GroupCoordinator) partitionCount(topic string) (int, bool) {
	gc.mu.RLock()
	defer gc.mu.RUnlock()
	n, ok := gc.partitionCounts[topic]
	return n, ok
}

// =============================================================================
// GROUP PROTOCOL
// =============================================================================

// group returns an existing group, creating it on first join.
func (gc *GroupCoordinator) group(groupID string, create bool) (*ConsumerGroup, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	g, ok := gc.groups[groupID]
	if !ok {
		if !create {
			return nil, NewBrokerError(ErrCodeGroupNotFound, "group %q does not exist", groupID)
		}
		var onRebalance func()
		if gc.metrics != nil {
			counter := gc.metrics.Rebalances.WithLabelValues(groupID)
			onRebalance = counter.Inc
		}
		g = NewConsumerGroup(groupID, gc.cfg.GroupDefaults, gc.partitionCount, onRebalance)
		gc.groups[groupID] = g
		gc.logger.Info("created consumer group", "group", groupID)
	}
	return g, nil
}

// JoinGroup admits a member, creating the group on first contact.
func (gc *GroupCoordinator) JoinGroup(groupID, memberID, clientID string, topics []string, sessionTimeout time.Duration) (*JoinResult, error) {
	g, err := gc.group(groupID, true)
	if err != nil {
		return nil, err
	}
	res, err := g.Join(memberID, clientID, topics, sessionTimeout)
	if err != nil {
		return nil, err
	}
	gc.logger.Info("member joined",
		"group", groupID, "member", res.MemberID, "generation", res.Generation, "state", res.State)
	return res, nil
}

// SyncGroup hands a member its assignment for the generation.
func (gc *GroupCoordinator) SyncGroup(groupID, memberID string, generation int64) (*SyncResult, error) {
	g, err := gc.group(groupID, false)
	if err != nil {
		return nil, err
	}
	return g.Sync(memberID, generation)
}

// Heartbeat keeps a member alive and reports rebalances.
func (gc *GroupCoordinator) Heartbeat(groupID, memberID string, generation int64) error {
	g, err := gc.group(groupID, false)
	if err != nil {
		return err
	}
	return g.Heartbeat(memberID, generation)
}

// LeaveGroup removes a member cleanly, triggering an immediate rebalance
// instead of waiting out the session timeout.
func (gc *GroupCoordinator) LeaveGroup(groupID, memberID string) error {
	g, err := gc.group(groupID, false)
	if err != nil {
		return err
	}
	if err := g.Leave(memberID); err != nil {
		return err
	}
	gc.logger.Info("member left", "group", groupID, "member", memberID, "state", g.State())
	return nil
}

// =============================================================================
// OFFSETS
// =============================================================================

// CommitOffset persists a consumer position after fencing the caller
// against the group's generation.
func (gc *GroupCoordinator) CommitOffset(groupID, memberID string, generation int64, topic string, partition int, offset int64) error {
	g, err := gc.group(groupID, false)
	if err != nil {
		return err
	}
	if err := g.CheckGeneration(memberID, generation); err != nil {
		return err
	}
	return gc.offsets.Commit(OffsetKey{Group: groupID, Topic: topic, Partition: partition}, offset, generation)
}

// AdvanceCommitted moves a group's position forward without generation
// fencing. The delivery engine calls it when a dead-lettered record must be
// treated as delivered; a position already at or past nextOffset is left
// alone.
func (gc *GroupCoordinator) AdvanceCommitted(groupID, topic string, partition int, nextOffset int64) error {
	return gc.offsets.Advance(OffsetKey{Group: groupID, Topic: topic, Partition: partition}, nextOffset)
}

// FetchCommittedOffset returns the group's position, or ok=false if it has
// never committed for this partition.
func (gc *GroupCoordinator) FetchCommittedOffset(groupID, topic string, partition int) (int64, bool) {
	c, ok := gc.offsets.Fetch(OffsetKey{Group: groupID, Topic: topic, Partition: partition})
	if !ok {
		return 0, false
	}
	return c.Offset, true
}

// GroupOffsets returns every committed position of a group.
func (gc *GroupCoordinator) GroupOffsets(groupID string) map[OffsetKey]CommittedOffset {
	return gc.offsets.FetchGroup(groupID)
}

// =============================================================================
// INTROSPECTION & LIFECYCLE
// =============================================================================

// Group returns a group by ID.
func (gc *GroupCoordinator) Group(groupID string) (*ConsumerGroup, error) {
	return gc.group(groupID, false)
}

// Groups returns all group IDs.
func (gc *GroupCoordinator) Groups() []string {
	gc.mu.RLock()
	defer gc.mu.RUnlock()
	out := make([]string, 0, len(gc.groups))
	for id := range gc.groups {
		out = append(out, id)
	}
	return out
}

// DeleteGroup removes an empty group and tombstones its offsets.
func (gc *GroupCoordinator) DeleteGroup(groupID string) error {
	gc.mu.RLock()
	g, ok := gc.groups[groupID]
	gc.mu.RUnlock()
	if !ok {
		return NewBrokerError(ErrCodeGroupNotFound, "group %q does not exist", groupID)
	}
	// Membership is checked outside gc.mu: group locks are never taken
	// while holding the coordinator lock.
	if g.MemberCount() > 0 {
		return NewBrokerError(ErrCodeInvalidRequest, "group %q still has members", groupID)
	}
	gc.mu.Lock()
	delete(gc.groups, groupID)
	gc.mu.Unlock()

	return gc.offsets.DeleteGroup(groupID)
}

// Close stops the monitor and closes the offsets log.
func (gc *GroupCoordinator) Close() error {
	close(gc.stopCh)
	gc.wg.Wait()
	return gc.offsets.Close()
}
