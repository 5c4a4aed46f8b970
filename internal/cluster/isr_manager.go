// =============================================================================
// ISR MANAGER - WHO COUNTS TOWARD DURABILITY
// =============================================================================
//
// A replica is IN-SYNC when it satisfies BOTH criteria:
//   1. TIME: it fetched within LagTime (a silent follower is presumed dead)
//   2. LAG:  its log end is within LagMaxRecords of the leader's
//
// Either test alone misfires - a chatty-but-slow follower passes the time
// test forever, a briefly-paused-but-current one fails the lag test - so
// membership requires both.
//
// The high watermark is derived from the ISR:
//
//	HW = min(log end over ISR members, leader included)
//
// Shrinking the ISR can therefore ADVANCE the HW (the straggler no longer
// holds it back), which is exactly why min.insync.replicas exists: with too
// few members the HW stops meaning "safely replicated".
//
// REJOIN: a replica that fell out must CATCH UP TO THE CURRENT HW before it
// counts again. Readmitting it on its first fetch would put a replica
// missing committed records inside the durability set.
//
// =============================================================================

package cluster

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"relaymq/internal/metrics"
)

// ISRConfig controls in-sync membership.
type ISRConfig struct {
	// LagTime is the max silence before a follower is dropped.
	LagTime time.Duration

	// LagMaxRecords is the max offset distance from the leader's log end.
	LagMaxRecords int64

	// MinInSync is the ISR floor for ack=all-isr writes.
	MinInSync int

	// CheckInterval is the shrink-scan tick.
	CheckInterval time.Duration
}

// DefaultISRConfig returns replication defaults.
func DefaultISRConfig() ISRConfig {
	return ISRConfig{
		LagTime:       10 * time.Second,
		LagMaxRecords: 1000,
		MinInSync:     2,
		CheckInterval: time.Second,
	}
}

// partitionISR is the leader-side ISR state for one partition.
type partitionISR struct {
	leader    NodeID
	replicas  []NodeID
	isr       map[NodeID]bool
	progress  map[NodeID]*FollowerProgress
	leaderLEO func() int64
	hw        int64
}

// ISRManager tracks the in-sync set for every locally-led partition. It
// implements broker.ReplicationView, which is how the ingest path asks
// whether an all-isr write may proceed.
type ISRManager struct {
	cfg     ISRConfig
	localID NodeID
	metrics *metrics.Registry
	logger  *slog.Logger

	// onHW is invoked (outside the lock) whenever a partition's HW moves.
	onHW func(topic string, partition int, hw int64)

	mu         sync.RWMutex
	partitions map[tpKey]*partitionISR

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewISRManager starts the shrink monitor. reg may be nil.
func NewISRManager(localID NodeID, cfg ISRConfig, onHW func(string, int, int64), reg *metrics.Registry, logger *slog.Logger) *ISRManager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	m := &ISRManager{
		cfg:        cfg,
		localID:    localID,
		metrics:    reg,
		logger:     logger.With("component", "isr-manager"),
		onHW:       onHW,
		partitions: make(map[tpKey]*partitionISR),
		stopCh:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.monitor()
	return m
}

// LeadPartition registers a partition this node leads. leaderLEO reports
// the local log end; every replica starts in the ISR (optimistic, the
// monitor demotes stragglers).
func (m *ISRManager) LeadPartition(topic string, partition int, replicas []NodeID, leaderLEO func() int64) {
	key := tpKey{topic, partition}

	isr := make(map[NodeID]bool, len(replicas))
	progress := make(map[NodeID]*FollowerProgress)
	now := time.Now()
	for _, r := range replicas {
		isr[r] = true
		if r != m.localID {
			progress[r] = &FollowerProgress{ReplicaID: r, LastFetch: now, InSync: true}
		}
	}

	m.mu.Lock()
	m.partitions[key] = &partitionISR{
		leader:    m.localID,
		replicas:  replicas,
		isr:       isr,
		progress:  progress,
		leaderLEO: leaderLEO,
	}
	m.mu.Unlock()

	m.setISRSize(topic, partition, len(isr))
	m.logger.Info("leading partition", "topic", topic, "partition", partition, "replicas", len(replicas))
}

// DropPartition forgets a partition (leadership lost or partition deleted).
func (m *ISRManager) DropPartition(topic string, partition int) {
	m.mu.Lock()
	delete(m.partitions, tpKey{topic, partition})
	m.mu.Unlock()

	if m.metrics != nil {
		labels := prometheus.Labels{"topic": topic, "partition": strconv.Itoa(partition)}
		m.metrics.ISRSize.DeletePartialMatch(labels)
		m.metrics.FollowerLag.DeletePartialMatch(labels)
	}
}

func (m *ISRManager) setISRSize(topic string, partition, size int) {
	if m.metrics != nil {
		m.metrics.ISRSize.WithLabelValues(topic, strconv.Itoa(partition)).Set(float64(size))
	}
}

// RecordFollowerFetch folds one follower pull into ISR state. fetchOffset
// is the follower's log end. Returns the partition's HW for the response.
func (m *ISRManager) RecordFollowerFetch(topic string, partition int, follower NodeID, fetchOffset int64) int64 {
	key := tpKey{topic, partition}

	m.mu.Lock()
	p, ok := m.partitions[key]
	if !ok {
		m.mu.Unlock()
		return 0
	}

	prog, known := p.progress[follower]
	if !known {
		prog = &FollowerProgress{ReplicaID: follower}
		p.progress[follower] = prog
	}
	prog.LastFetch = time.Now()
	prog.LogEndOffset = fetchOffset
	prog.Lag = p.leaderLEO() - fetchOffset
	if prog.Lag < 0 {
		prog.Lag = 0
	}

	// Rejoin only once caught up to the committed frontier.
	rejoined := false
	if !p.isr[follower] && fetchOffset >= p.hw && prog.Lag <= m.cfg.LagMaxRecords {
		p.isr[follower] = true
		prog.InSync = true
		rejoined = true
		m.logger.Info("replica rejoined ISR",
			"topic", topic, "partition", partition, "replica", follower, "log_end", fetchOffset)
	}

	hw, moved := m.recomputeHWLocked(p)
	isrSize := len(p.isr)
	lag := prog.Lag
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.FollowerLag.WithLabelValues(topic, strconv.Itoa(partition), string(follower)).Set(float64(lag))
		if rejoined {
			m.setISRSize(topic, partition, isrSize)
		}
	}
	if moved && m.onHW != nil {
		m.onHW(topic, partition, hw)
	}
	return hw
}

// recomputeHWLocked derives HW = min(log end over ISR). The HW never moves
// backward. Returns the HW and whether it advanced.
func (m *ISRManager) recomputeHWLocked(p *partitionISR) (int64, bool) {
	min := p.leaderLEO()
	for id := range p.isr {
		if id == p.leader {
			continue
		}
		prog, ok := p.progress[id]
		if !ok {
			continue
		}
		if prog.LogEndOffset < min {
			min = prog.LogEndOffset
		}
	}
	if min > p.hw {
		p.hw = min
		return p.hw, true
	}
	return p.hw, false
}

// monitor periodically shrinks ISRs: followers that went silent or fell too
// far behind stop counting toward durability.
func (m *ISRManager) monitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.shrink(now)
		case <-m.stopCh:
			return
		}
	}
}

type hwAdvance struct {
	topic     string
	partition int
	hw        int64
}

type isrShrink struct {
	topic     string
	partition int
	size      int
}

func (m *ISRManager) shrink(now time.Time) {
	var advanced []hwAdvance
	var shrunk []isrShrink

	m.mu.Lock()
	for key, p := range m.partitions {
		leo := p.leaderLEO()
		changed := false
		for id, prog := range p.progress {
			if !p.isr[id] {
				continue
			}
			lag := leo - prog.LogEndOffset
			if now.Sub(prog.LastFetch) > m.cfg.LagTime || lag > m.cfg.LagMaxRecords {
				delete(p.isr, id)
				prog.InSync = false
				changed = true
				m.logger.Warn("replica dropped from ISR",
					"topic", key.topic, "partition", key.partition, "replica", id,
					"lag", lag, "silent_for", now.Sub(prog.LastFetch).String())
			}
		}
		if changed {
			shrunk = append(shrunk, isrShrink{key.topic, key.partition, len(p.isr)})
			// Losing the straggler can move the HW forward.
			if hw, moved := m.recomputeHWLocked(p); moved {
				advanced = append(advanced, hwAdvance{key.topic, key.partition, hw})
			}
		}
	}
	m.mu.Unlock()

	for _, s := range shrunk {
		m.setISRSize(s.topic, s.partition, s.size)
	}

	if m.onHW != nil {
		for _, a := range advanced {
			m.onHW(a.topic, a.partition, a.hw)
		}
	}
}

// =============================================================================
// QUERIES (includes the broker.ReplicationView contract)
// =============================================================================

// ISRCount returns the in-sync replica count including the leader.
// Partitions this node does not lead report 1 (the local replica).
func (m *ISRManager) ISRCount(topic string, partition int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partitions[tpKey{topic, partition}]
	if !ok {
		return 1
	}
	return len(p.isr)
}

// MinInSyncReplicas returns the configured ISR floor.
func (m *ISRManager) MinInSyncReplicas() int {
	return m.cfg.MinInSync
}

// ISR returns the current in-sync set for a partition.
func (m *ISRManager) ISR(topic string, partition int) []NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partitions[tpKey{topic, partition}]
	if !ok {
		return nil
	}
	out := make([]NodeID, 0, len(p.isr))
	for id := range p.isr {
		out = append(out, id)
	}
	return out
}

// HighWatermark returns the derived HW for a led partition.
func (m *ISRManager) HighWatermark(topic string, partition int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partitions[tpKey{topic, partition}]
	if !ok {
		return 0
	}
	return p.hw
}

// Progress returns a copy of every follower's progress for a partition.
func (m *ISRManager) Progress(topic string, partition int) []FollowerProgress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partitions[tpKey{topic, partition}]
	if !ok {
		return nil
	}
	out := make([]FollowerProgress, 0, len(p.progress))
	for _, prog := range p.progress {
		out = append(out, *prog)
	}
	return out
}

// Close stops the monitor.
func (m *ISRManager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}
