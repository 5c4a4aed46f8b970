// =============================================================================
// FOLLOWER FETCHER - ONE PULL LOOP PER FOLLOWED PARTITION
// =============================================================================
//
// The fetcher drives a follower replica: pull from the leader's log end,
// apply, advance the local HW to the leader's, repeat. Caught-up followers
// poll at the fetch interval; an erroring leader backs the loop off
// exponentially.
//
// The loop stops itself on NOT_LEADER and FENCED_EPOCH - both mean the
// cluster moved on and a new assignment will arrive with a fresh fetcher.
//
// =============================================================================

package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relaymq/internal/broker"
)

const (
	fetchInterval    = 100 * time.Millisecond
	fetchBackoffMin  = 250 * time.Millisecond
	fetchBackoffMax  = 10 * time.Second
	fetchMaxBytes    = 1 << 20
	fetchCallTimeout = 15 * time.Second
)

// FollowerFetcher replicates one partition from its leader.
type FollowerFetcher struct {
	localID    NodeID
	leaderAddr string
	partition  *broker.Partition
	epoch      int64
	client     *ReplicationClient
	logger     *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFollowerFetcher builds a fetcher; call Start to begin pulling.
func NewFollowerFetcher(localID NodeID, leaderAddr string, p *broker.Partition, epoch int64, client *ReplicationClient, logger *slog.Logger) *FollowerFetcher {
	return &FollowerFetcher{
		localID:    localID,
		leaderAddr: leaderAddr,
		partition:  p,
		epoch:      epoch,
		client:     client,
		logger: logger.With("component", "follower-fetcher",
			"topic", p.Topic(), "partition", p.ID(), "leader", leaderAddr),
		stopCh: make(chan struct{}),
	}
}

// Start launches the pull loop.
func (f *FollowerFetcher) Start() {
	f.wg.Add(1)
	go f.loop()
}

// Stop halts the loop and waits for it to exit.
func (f *FollowerFetcher) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

func (f *FollowerFetcher) loop() {
	defer f.wg.Done()

	backoff := fetchBackoffMin
	for {
		wait := fetchInterval
		applied, err := f.fetchOnce()
		switch {
		case err == errFetcherFenced:
			f.logger.Info("fetcher fenced, stopping")
			return
		case err != nil:
			f.logger.Warn("fetch failed", "error", err, "backoff", backoff.String())
			wait = backoff
			backoff *= 2
			if backoff > fetchBackoffMax {
				backoff = fetchBackoffMax
			}
		default:
			backoff = fetchBackoffMin
			if applied > 0 {
				// More may be waiting; go straight back.
				wait = 0
			}
		}

		if wait == 0 {
			select {
			case <-f.stopCh:
				return
			default:
			}
			continue
		}
		select {
		case <-time.After(wait):
		case <-f.stopCh:
			return
		}
	}
}

// errFetcherFenced signals a terminal protocol state, not a retryable error.
var errFetcherFenced = broker.NewBrokerError(broker.ErrCodeFencedEpoch, "fetcher fenced")

// fetchOnce performs one pull round-trip. Returns how many records were
// applied.
func (f *FollowerFetcher) fetchOnce() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchCallTimeout)
	defer cancel()

	fetchOffset := f.partition.LogEndOffset()
	resp, err := f.client.Fetch(ctx, f.leaderAddr, FetchRequest{
		Topic:       f.partition.Topic(),
		Partition:   f.partition.ID(),
		FollowerID:  f.localID,
		FetchOffset: fetchOffset,
		Epoch:       f.epoch,
		MaxBytes:    fetchMaxBytes,
	})
	if err != nil {
		return 0, err
	}

	switch resp.ErrorCode {
	case "", broker.ErrCodeNone:
	case broker.ErrCodeNotLeader, broker.ErrCodeFencedEpoch:
		return 0, errFetcherFenced
	case broker.ErrCodeOffsetOutOfRange:
		// The leader no longer has our next offset (retention trimmed it
		// away). Keep backing off; the next assignment resolves it.
		return 0, broker.NewBrokerError(broker.ErrCodeOffsetOutOfRange,
			"leader log no longer contains offset %d", fetchOffset)
	default:
		return 0, broker.NewBrokerError(resp.ErrorCode, "%s", resp.ErrorMessage)
	}

	recs, err := DecodeFrames(resp.Records)
	if err != nil {
		return 0, err
	}
	if len(recs) > 0 {
		if err := f.partition.AppendAsFollower(recs, fetchOffset, resp.Epoch); err != nil {
			return 0, err
		}
	}

	// The leader's HW arrives piggybacked on every response.
	f.partition.AdvanceHW(resp.HighWatermark)
	return len(recs), nil
}
