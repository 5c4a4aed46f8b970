// =============================================================================
// LEADER ELECTION - LONGEST LOG WINS
// =============================================================================
//
// Election only ever considers the in-sync set: an out-of-sync replica may be
// missing committed records, and promoting one would silently lose them. Among
// ISR members the one with the longest log wins, so the fewest acknowledged-
// but-uncommitted records are discarded. Ties break toward the
// lexicographically smallest node ID so every observer picks the same winner.
//
// =============================================================================

package cluster

import (
	"context"
	"log/slog"
	"time"

	"relaymq/internal/broker"
)

// Elector picks new partition leaders from replica state.
type Elector struct {
	client *ReplicationClient
	peers  map[NodeID]string
	logger *slog.Logger

	// localID/localState let the invoking node stand as a candidate without
	// an HTTP round trip to itself. Optional.
	localID    NodeID
	localState func(topic string, partition int) (*PartitionState, error)

	// queryTimeout bounds each per-candidate state query.
	queryTimeout time.Duration
}

// NewElector builds an elector over the given peer set.
func NewElector(client *ReplicationClient, peers []Node, logger *slog.Logger) *Elector {
	peerMap := make(map[NodeID]string, len(peers))
	for _, n := range peers {
		peerMap[n.ID] = n.Address
	}
	return &Elector{
		client:       client,
		peers:        peerMap,
		logger:       logger.With("component", "elector"),
		queryTimeout: 5 * time.Second,
	}
}

// SetLocal registers the invoking node as an election candidate, answered
// by the given state func instead of the wire.
func (e *Elector) SetLocal(id NodeID, state func(topic string, partition int) (*PartitionState, error)) {
	e.localID = id
	e.localState = state
}

// candidate is one reachable ISR member's election credentials.
type candidate struct {
	id  NodeID
	leo int64
}

// Elect chooses a new leader for a partition from the given in-sync set and
// returns the successor assignment with the epoch bumped. Candidates that
// cannot be reached are skipped; an empty reachable set fails the election
// rather than guess.
func (e *Elector) Elect(ctx context.Context, current ReplicaAssignment, isr []NodeID) (ReplicaAssignment, error) {
	candidates := e.gather(ctx, current, isr)
	if len(candidates) == 0 {
		return ReplicaAssignment{}, broker.NewBrokerError(broker.ErrCodeInsufficientReplicas,
			"no reachable in-sync replica for %s-%d", current.Topic, current.Partition)
	}

	winner := pickLeader(candidates)
	next := current
	next.Leader = winner
	next.Epoch = current.Epoch + 1

	e.logger.Info("elected leader",
		"topic", current.Topic, "partition", current.Partition,
		"leader", winner, "epoch", next.Epoch, "candidates", len(candidates))
	return next, nil
}

func (e *Elector) gather(ctx context.Context, a ReplicaAssignment, isr []NodeID) []candidate {
	var out []candidate
	for _, id := range isr {
		if id == a.Leader {
			// The deposed leader is the reason we are electing.
			continue
		}
		if id == e.localID && e.localState != nil {
			st, err := e.localState(a.Topic, a.Partition)
			if err != nil {
				e.logger.Warn("local candidate state unavailable",
					"topic", a.Topic, "partition", a.Partition, "error", err)
				continue
			}
			out = append(out, candidate{id: id, leo: st.LogEndOffset})
			continue
		}
		addr, ok := e.peers[id]
		if !ok {
			e.logger.Warn("candidate has no known address", "replica", id)
			continue
		}

		qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
		st, err := e.client.PartitionState(qctx, addr, a.Topic, a.Partition)
		cancel()
		if err != nil {
			e.logger.Warn("candidate unreachable",
				"replica", id, "topic", a.Topic, "partition", a.Partition, "error", err)
			continue
		}
		out = append(out, candidate{id: id, leo: st.LogEndOffset})
	}
	return out
}

// pickLeader applies the longest-log rule with the deterministic tie-break.
func pickLeader(candidates []candidate) NodeID {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.leo > best.leo || (c.leo == best.leo && c.id < best.id) {
			best = c
		}
	}
	return best.id
}
