// =============================================================================
// CONSUMER GROUP - MEMBERSHIP AND THE REBALANCE STATE MACHINE
// =============================================================================
//
// A consumer group divides a topic's partitions among its members so every
// partition has exactly one owner. Ownership changes go through a
// stop-the-world rebalance:
//
//	            ┌────────── member joins/leaves/expires ──────────┐
//	            ▼                                                 │
//	  Empty ──► PreparingRebalance ──► AwaitingSync ──► Stable ───┘
//	            (join window open)     (assignment       (consuming)
//	                                    computed)
//
// GENERATIONS:
// Every completed join bumps the generation. All member-scoped requests
// carry (memberID, generation); a mismatch means the caller missed a
// rebalance and is fenced with STALE_GENERATION before it can act on an
// assignment it no longer owns. This is what keeps "one owner per
// partition" true even with slow or paused consumers.
//
// STOP-THE-WORLD:
// While the group is in PreparingRebalance or AwaitingSync, no member may
// consume or commit. Members discover the rebalance via heartbeat
// (REBALANCE_IN_PROGRESS) and re-join.
//
// JOIN WINDOW:
// The first join opens a window bounded by the rebalance timeout. The
// window closes early once every known member has re-joined; members that
// do not make it are evicted from the new generation.
//
// =============================================================================

package broker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GroupState is the rebalance FSM state.
type GroupState string

const (
	GroupEmpty              GroupState = "Empty"
	GroupPreparingRebalance GroupState = "PreparingRebalance"
	GroupAwaitingSync       GroupState = "AwaitingSync"
	GroupStable             GroupState = "Stable"
)

// Member is one consumer process in a group.
type Member struct {
	ID             string
	ClientID       string
	Topics         []string
	SessionTimeout time.Duration

	lastHeartbeat time.Time
	rejoined      bool            // re-joined during the current window
	synced        bool            // fetched its assignment this generation
	assignment    map[string][]int // topic -> partition ids
}

// Assignment returns the member's current partitions by topic.
func (m *Member) Assignment() map[string][]int {
	return m.assignment
}

// ConsumerGroupConfig holds per-group protocol timeouts.
type ConsumerGroupConfig struct {
	// SessionTimeout evicts a member that has not heartbeated.
	SessionTimeout time.Duration

	// HeartbeatInterval is advertised to members; enforcement uses only
	// SessionTimeout.
	HeartbeatInterval time.Duration

	// RebalanceTimeout bounds the join window.
	RebalanceTimeout time.Duration
}

// DefaultConsumerGroupConfig returns protocol defaults.
func DefaultConsumerGroupConfig() ConsumerGroupConfig {
	return ConsumerGroupConfig{
		SessionTimeout:    10 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		RebalanceTimeout:  30 * time.Second,
	}
}

// partitionCounter reports how many partitions a topic has; the coordinator
// provides it so assignment sees current topics.
type partitionCounter func(topic string) (int, bool)

// ConsumerGroup tracks membership, generation, and assignment for one group.
type ConsumerGroup struct {
	id      string
	cfg     ConsumerGroupConfig
	counter partitionCounter

	// onRebalance fires once per rebalance trigger, for counters. May be nil.
	onRebalance func()

	mu           sync.Mutex
	state        GroupState
	generation   int64
	members      map[string]*Member
	joinDeadline time.Time
	createdAt    time.Time
}

// NewConsumerGroup creates an empty group.
func NewConsumerGroup(id string, cfg ConsumerGroupConfig, counter partitionCounter, onRebalance func()) *ConsumerGroup {
	return &ConsumerGroup{
		id:          id,
		cfg:         cfg,
		counter:     counter,
		onRebalance: onRebalance,
		state:       GroupEmpty,
		members:     make(map[string]*Member),
		createdAt:   time.Now(),
	}
}

// JoinResult is the coordinator's answer to a join request.
type JoinResult struct {
	MemberID   string
	Generation int64
	State      GroupState
	// LeaderID is the member that sorts first; informational, assignment
	// is computed server-side.
	LeaderID string
}

// Join adds or re-admits a member and drives the join phase. A client with
// no member ID gets a fresh one (clientID + uuid). Clients poll Join until
// State leaves PreparingRebalance, then call Sync.
func (g *ConsumerGroup) Join(memberID, clientID string, topics []string, sessionTimeout time.Duration) (*JoinResult, error) {
	if len(topics) == 0 {
		return nil, NewBrokerError(ErrCodeInvalidRequest, "join with no topic subscriptions")
	}
	if sessionTimeout <= 0 {
		sessionTimeout = g.cfg.SessionTimeout
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()

	m, known := g.members[memberID]
	if memberID == "" || !known {
		memberID = fmt.Sprintf("%s-%s", clientID, uuid.NewString())
		m = &Member{ID: memberID, ClientID: clientID}
		g.members[memberID] = m
	}
	m.Topics = append([]string(nil), topics...)
	m.SessionTimeout = sessionTimeout
	m.lastHeartbeat = now

	switch g.state {
	case GroupEmpty, GroupStable:
		g.beginRebalanceLocked(now)
	case GroupAwaitingSync:
		// A join during sync restarts the rebalance; the computed
		// assignment is stale the moment membership changes.
		g.beginRebalanceLocked(now)
	}
	m.rejoined = true

	g.maybeCompleteJoinLocked(now)

	return &JoinResult{
		MemberID:   memberID,
		Generation: g.generation,
		State:      g.state,
		LeaderID:   g.leaderIDLocked(),
	}, nil
}

// beginRebalanceLocked opens a join window and invalidates all assignments.
func (g *ConsumerGroup) beginRebalanceLocked(now time.Time) {
	if g.state != GroupPreparingRebalance && g.onRebalance != nil {
		g.onRebalance()
	}
	g.state = GroupPreparingRebalance
	g.joinDeadline = now.Add(g.cfg.RebalanceTimeout)
	for _, m := range g.members {
		m.rejoined = false
		m.synced = false
	}
}

// maybeCompleteJoinLocked closes the join window when every member has
// re-joined or the deadline passed, computes the new assignment, and bumps
// the generation.
func (g *ConsumerGroup) maybeCompleteJoinLocked(now time.Time) {
	if g.state != GroupPreparingRebalance {
		return
	}

	allIn := true
	for _, m := range g.members {
		if !m.rejoined {
			allIn = false
			break
		}
	}
	if !allIn && now.Before(g.joinDeadline) {
		return
	}

	// Members that missed the window are out of the new generation.
	for id, m := range g.members {
		if !m.rejoined {
			delete(g.members, id)
		}
	}
	if len(g.members) == 0 {
		g.state = GroupEmpty
		return
	}

	g.generation++
	g.assignLocked()
	g.state = GroupAwaitingSync
}

// assignLocked computes the deterministic range assignment: sorted members,
// sorted partitions, contiguous chunks, remainder to the first members.
// Every coordinator replays this identically from the same membership.
func (g *ConsumerGroup) assignLocked() {
	memberIDs := make([]string, 0, len(g.members))
	topicSet := make(map[string][]string) // topic -> subscribed member ids
	for id, m := range g.members {
		memberIDs = append(memberIDs, id)
		m.assignment = make(map[string][]int)
		for _, t := range m.Topics {
			topicSet[t] = append(topicSet[t], id)
		}
	}
	sort.Strings(memberIDs)

	topics := make([]string, 0, len(topicSet))
	for t := range topicSet {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		count, ok := g.counter(topic)
		if !ok || count == 0 {
			continue
		}
		subscribers := topicSet[topic]
		sort.Strings(subscribers)

		per := count / len(subscribers)
		extra := count % len(subscribers)
		next := 0
		for i, id := range subscribers {
			n := per
			if i < extra {
				n++
			}
			for p := next; p < next+n; p++ {
				m := g.members[id]
				m.assignment[topic] = append(m.assignment[topic], p)
			}
			next += n
		}
	}
}

// SyncResult carries a member's assignment for the new generation.
type SyncResult struct {
	Generation int64
	State      GroupState
	Assignment map[string][]int
}

// Sync hands a member its assignment. The group turns Stable once every
// member of the generation has synced. Syncing while the join window is
// still open returns REBALANCE_IN_PROGRESS; the member retries.
func (g *ConsumerGroup) Sync(memberID string, generation int64) (*SyncResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.members[memberID]
	if !ok {
		return nil, NewBrokerError(ErrCodeUnknownMember, "member %q is not in group %q", memberID, g.id)
	}
	m.lastHeartbeat = time.Now()

	switch g.state {
	case GroupPreparingRebalance:
		g.maybeCompleteJoinLocked(time.Now())
		if g.state == GroupPreparingRebalance {
			return nil, NewBrokerError(ErrCodeRebalanceInProgress, "group %q join window still open", g.id)
		}
	case GroupEmpty:
		return nil, NewBrokerError(ErrCodeIllegalGeneration, "group %q is empty", g.id)
	}

	if generation != g.generation {
		return nil, NewBrokerError(ErrCodeIllegalGeneration,
			"sync at generation %d, group %q is at %d", generation, g.id, g.generation)
	}

	m.synced = true
	if g.state == GroupAwaitingSync && g.allSyncedLocked() {
		g.state = GroupStable
	}

	return &SyncResult{
		Generation: g.generation,
		State:      g.state,
		Assignment: m.assignment,
	}, nil
}

func (g *ConsumerGroup) allSyncedLocked() bool {
	for _, m := range g.members {
		if !m.synced {
			return false
		}
	}
	return true
}

// Heartbeat keeps a member's session alive. During a rebalance it returns
// REBALANCE_IN_PROGRESS so the member re-joins.
func (g *ConsumerGroup) Heartbeat(memberID string, generation int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.members[memberID]
	if !ok {
		return NewBrokerError(ErrCodeUnknownMember, "member %q is not in group %q", memberID, g.id)
	}
	m.lastHeartbeat = time.Now()

	if generation != g.generation {
		return NewBrokerError(ErrCodeIllegalGeneration,
			"heartbeat at generation %d, group %q is at %d", generation, g.id, g.generation)
	}
	if g.state == GroupPreparingRebalance || g.state == GroupAwaitingSync {
		return NewBrokerError(ErrCodeRebalanceInProgress, "group %q is rebalancing", g.id)
	}
	return nil
}

// Leave removes a member and triggers a rebalance for the rest.
func (g *ConsumerGroup) Leave(memberID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[memberID]; !ok {
		return NewBrokerError(ErrCodeUnknownMember, "member %q is not in group %q", memberID, g.id)
	}
	delete(g.members, memberID)

	if len(g.members) == 0 {
		g.state = GroupEmpty
		return nil
	}
	g.beginRebalanceLocked(time.Now())
	return nil
}

// ExpireSessions evicts members whose sessions lapsed and completes a join
// window whose deadline passed. Called by the coordinator's monitor tick.
// Returns evicted member IDs.
func (g *ConsumerGroup) ExpireSessions(now time.Time) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var evicted []string
	for id, m := range g.members {
		if now.Sub(m.lastHeartbeat) > m.SessionTimeout {
			delete(g.members, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		if len(g.members) == 0 {
			g.state = GroupEmpty
			return evicted
		}
		g.beginRebalanceLocked(now)
	}
	g.maybeCompleteJoinLocked(now)
	return evicted
}

// CheckGeneration validates a (memberID, generation) pair for member-scoped
// operations like offset commits. A stale generation is fenced; an unknown
// member gets UNKNOWN_MEMBER.
func (g *ConsumerGroup) CheckGeneration(memberID string, generation int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[memberID]; !ok {
		return NewBrokerError(ErrCodeUnknownMember, "member %q is not in group %q", memberID, g.id)
	}
	if generation != g.generation {
		return NewBrokerError(ErrCodeStaleGeneration,
			"generation %d, group %q is at %d", generation, g.id, g.generation)
	}
	if g.state != GroupStable {
		return NewBrokerError(ErrCodeRebalanceInProgress, "group %q is rebalancing", g.id)
	}
	return nil
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// ID returns the group ID.
func (g *ConsumerGroup) ID() string { return g.id }

// State returns the current FSM state.
func (g *ConsumerGroup) State() GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Generation returns the current generation number.
func (g *ConsumerGroup) Generation() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// MemberCount returns the current membership size.
func (g *ConsumerGroup) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Members returns a snapshot of the membership, sorted by member ID.
func (g *ConsumerGroup) Members() []Member {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		cp := *m
		cp.Topics = append([]string(nil), m.Topics...)
		cp.assignment = make(map[string][]int, len(m.assignment))
		for t, ps := range m.assignment {
			cp.assignment[t] = append([]int(nil), ps...)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *ConsumerGroup) leaderIDLocked() string {
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}
