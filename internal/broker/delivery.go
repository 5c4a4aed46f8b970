// =============================================================================
// DELIVERY ENGINE - AT-LEAST-ONCE WITH RETRY, BACKOFF, AND DEAD-LETTERING
// =============================================================================
//
// The log gives replayability; the delivery engine turns it into an
// at-least-once work queue. Every record handed to a consumer is tracked
// in-flight under a (group, topic, partition, offset) token:
//
//	deliver ──► in-flight ──ack──► done
//	               │
//	               ├─nack──► retry after backoff(attempt)
//	               │
//	               └─visibility timeout──► retry (consumer presumed dead)
//
//	attempt > max ──► dead-letter topic, token done
//
// A dead-lettered offset is DELIVERED as far as the group is concerned: the
// engine remembers it (re-fetches of the offset are withheld, so the dead
// letter is written once) and advances the group's committed offset past it,
// so a consumer resuming from the commit never sees the poison record again.
//
// DEDUP TOKEN:
// The token is stable across redeliveries, so consumers that persist side
// effects keyed by (partition, offset) can deduplicate and get effective
// exactly-once processing on top of at-least-once delivery.
//
// BACKOFF:
// Exponential, base * 2^(attempt-1), capped. Retries do not block the
// partition: younger offsets keep flowing while an older one waits out its
// backoff, so "at-least-once" here is per record, not a barrier.
//
// =============================================================================

package broker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relaymq/internal/metrics"
	"relaymq/internal/storage"
)

// DeliveryToken uniquely identifies one tracked delivery. It doubles as the
// consumer-side dedup key.
type DeliveryToken struct {
	Group     string
	Topic     string
	Partition int
	Offset    int64
}

// Delivery is one record handed to a consumer, with its attempt count.
type Delivery struct {
	Token   DeliveryToken
	Record  *storage.Record
	Attempt int
}

// deliveryState tracks a record between first delivery and ack/dead-letter.
type deliveryState struct {
	record    *storage.Record
	attempts  int       // completed delivery attempts
	inflight  bool      // currently held by a consumer
	deadline  time.Time // visibility deadline while in flight
	visibleAt time.Time // earliest redelivery time while waiting
	lastError string
}

// DeliveryConfig tunes the at-least-once engine.
type DeliveryConfig struct {
	// VisibilityTimeout marks an unacked delivery as failed.
	VisibilityTimeout time.Duration

	// MaxAttempts dead-letters a record after this many failed deliveries.
	MaxAttempts int

	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the doubling.
	MaxRetryBackoff time.Duration

	// ReapInterval is the visibility-timeout scan tick.
	ReapInterval time.Duration
}

// DefaultDeliveryConfig returns the engine defaults.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		VisibilityTimeout: 30 * time.Second,
		MaxAttempts:       5,
		RetryBackoff:      time.Second,
		MaxRetryBackoff:   time.Minute,
		ReapInterval:      time.Second,
	}
}

// DeliveryEngine tracks in-flight and retrying records for all groups.
type DeliveryEngine struct {
	cfg     DeliveryConfig
	dlq     *DLQRouter
	metrics *metrics.Registry
	logger  *slog.Logger

	// commit advances a group's committed offset when the engine itself
	// settles a record (dead-lettering). May be nil.
	commit func(group, topic string, partition int, nextOffset int64) error

	mu      sync.Mutex
	tracked map[DeliveryToken]*deliveryState
	// deadLettered withholds settled offsets from re-tracking, so each
	// poison record lands in the DLQ once.
	deadLettered map[DeliveryToken]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDeliveryEngine starts the engine and its visibility reaper. commit and
// m may be nil.
func NewDeliveryEngine(cfg DeliveryConfig, dlq *DLQRouter, commit func(group, topic string, partition int, nextOffset int64) error, m *metrics.Registry, logger *slog.Logger) *DeliveryEngine {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Second
	}
	e := &DeliveryEngine{
		cfg:          cfg,
		dlq:          dlq,
		metrics:      m,
		logger:       logger.With("component", "delivery"),
		commit:       commit,
		tracked:      make(map[DeliveryToken]*deliveryState),
		deadLettered: make(map[DeliveryToken]struct{}),
		stopCh:       make(chan struct{}),
	}
	e.wg.Add(1)
	go e.reaper()
	return e
}

// Track filters a fetched batch through delivery state: records already in
// flight are withheld (no concurrent double-delivery), records waiting out
// a backoff are withheld until visible, everything else is marked in flight
// and returned with its attempt number.
func (e *DeliveryEngine) Track(group, topic string, partition int, recs []*storage.Record) []Delivery {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Delivery, 0, len(recs))
	for _, rec := range recs {
		token := DeliveryToken{Group: group, Topic: topic, Partition: partition, Offset: rec.Offset}
		if _, settled := e.deadLettered[token]; settled {
			// Already in the DLQ; delivering it again would duplicate it.
			continue
		}
		st, ok := e.tracked[token]
		if !ok {
			st = &deliveryState{record: rec}
			e.tracked[token] = st
		}
		if st.inflight {
			continue
		}
		if !st.visibleAt.IsZero() && now.Before(st.visibleAt) {
			continue
		}
		st.inflight = true
		st.deadline = now.Add(e.cfg.VisibilityTimeout)
		out = append(out, Delivery{Token: token, Record: rec, Attempt: st.attempts + 1})
		e.countAttempt(token)
	}
	return out
}

// RetryReady returns deliveries whose backoff has elapsed, for consumers
// that poll past the failed offset. Sorted by offset.
func (e *DeliveryEngine) RetryReady(group, topic string, partition int, maxCount int) []Delivery {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Delivery
	for token, st := range e.tracked {
		if token.Group != group || token.Topic != topic || token.Partition != partition {
			continue
		}
		if st.inflight || st.visibleAt.IsZero() || now.Before(st.visibleAt) {
			continue
		}
		st.inflight = true
		st.deadline = now.Add(e.cfg.VisibilityTimeout)
		out = append(out, Delivery{Token: token, Record: st.record, Attempt: st.attempts + 1})
		e.countAttempt(token)
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token.Offset < out[j].Token.Offset })
	return out
}

// Ack marks a delivery processed and forgets it.
func (e *DeliveryEngine) Ack(token DeliveryToken) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.tracked[token]
	if !ok || !st.inflight {
		return NewBrokerError(ErrCodeInvalidRequest,
			"no in-flight delivery for %s-%d offset %d", token.Topic, token.Partition, token.Offset)
	}
	delete(e.tracked, token)
	if e.metrics != nil {
		e.metrics.InflightRecords.WithLabelValues(token.Topic, token.Group).Dec()
	}
	return nil
}

// Nack records a failed attempt: the record becomes redeliverable after its
// backoff, or is dead-lettered once attempts are exhausted.
func (e *DeliveryEngine) Nack(token DeliveryToken, reason string) error {
	e.mu.Lock()
	st, ok := e.tracked[token]
	if !ok || !st.inflight {
		e.mu.Unlock()
		return NewBrokerError(ErrCodeInvalidRequest,
			"no in-flight delivery for %s-%d offset %d", token.Topic, token.Partition, token.Offset)
	}
	dead := e.failLocked(token, st, reason)
	e.mu.Unlock()

	if dead != nil {
		return e.deadLetter(token, dead)
	}
	return nil
}

// failLocked applies one failed attempt. Returns the state when the record
// must be dead-lettered, nil when it was requeued.
func (e *DeliveryEngine) failLocked(token DeliveryToken, st *deliveryState, reason string) *deliveryState {
	st.attempts++
	st.inflight = false
	st.lastError = reason
	if e.metrics != nil {
		e.metrics.InflightRecords.WithLabelValues(token.Topic, token.Group).Dec()
	}

	if st.attempts >= e.cfg.MaxAttempts {
		delete(e.tracked, token)
		return st
	}
	st.visibleAt = time.Now().Add(e.backoff(st.attempts))
	return nil
}

// countAttempt updates the delivery metrics for one handed-out record.
func (e *DeliveryEngine) countAttempt(token DeliveryToken) {
	if e.metrics == nil {
		return
	}
	e.metrics.DeliveryAttempts.WithLabelValues(token.Topic, token.Group).Inc()
	e.metrics.InflightRecords.WithLabelValues(token.Topic, token.Group).Inc()
}

// backoff doubles per attempt, capped.
func (e *DeliveryEngine) backoff(attempts int) time.Duration {
	d := e.cfg.RetryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.MaxRetryBackoff {
			return e.cfg.MaxRetryBackoff
		}
	}
	if e.cfg.MaxRetryBackoff > 0 && d > e.cfg.MaxRetryBackoff {
		d = e.cfg.MaxRetryBackoff
	}
	return d
}

// deadLetter routes an exhausted record, then settles its offset: the token
// is withheld from re-tracking and the group's committed offset moves past
// it, so the dead letter is written exactly once on this path. A failed
// route leaves the offset unsettled; the next fetch restarts the cycle.
func (e *DeliveryEngine) deadLetter(token DeliveryToken, st *deliveryState) error {
	dead := DeadLetterRecord{
		Topic:     token.Topic,
		Partition: token.Partition,
		Offset:    token.Offset,
		Key:       st.record.Key,
		Value:     st.record.Value,
		Attempts:  st.attempts,
		LastError: st.lastError,
		FailedAt:  time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.dlq.Route(ctx, dead); err != nil {
		return err
	}

	e.mu.Lock()
	e.deadLettered[token] = struct{}{}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.DeadLetters.WithLabelValues(token.Topic, token.Group).Inc()
	}

	if e.commit != nil {
		if err := e.commit(token.Group, token.Topic, token.Partition, token.Offset+1); err != nil {
			e.logger.Warn("advancing committed offset past dead letter failed",
				"group", token.Group, "topic", token.Topic,
				"partition", token.Partition, "offset", token.Offset, "error", err)
		}
	}
	return nil
}

// reaper expires visibility deadlines: an unacked delivery counts as a
// failed attempt from a presumed-dead consumer.
func (e *DeliveryEngine) reaper() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			e.reapExpired(now)
		case <-e.stopCh:
			return
		}
	}
}

func (e *DeliveryEngine) reapExpired(now time.Time) {
	type deadEntry struct {
		token DeliveryToken
		st    *deliveryState
	}
	var toDLQ []deadEntry

	e.mu.Lock()
	for token, st := range e.tracked {
		if !st.inflight || now.Before(st.deadline) {
			continue
		}
		e.logger.Debug("visibility timeout",
			"topic", token.Topic, "partition", token.Partition,
			"offset", token.Offset, "attempt", st.attempts+1)
		if dead := e.failLocked(token, st, "visibility timeout"); dead != nil {
			toDLQ = append(toDLQ, deadEntry{token: token, st: dead})
		}
	}
	e.mu.Unlock()

	for _, d := range toDLQ {
		if err := e.deadLetter(d.token, d.st); err != nil {
			e.logger.Error("dead-letter routing failed",
				"topic", d.token.Topic, "offset", d.token.Offset, "error", err)
		}
	}
}

// InflightCount reports tracked in-flight deliveries, for metrics.
func (e *DeliveryEngine) InflightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, st := range e.tracked {
		if st.inflight {
			n++
		}
	}
	return n
}

// PendingRetryCount reports records waiting out a backoff, for metrics.
func (e *DeliveryEngine) PendingRetryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, st := range e.tracked {
		if !st.inflight && !st.visibleAt.IsZero() {
			n++
		}
	}
	return n
}

// Close stops the reaper.
func (e *DeliveryEngine) Close() {
	close(e.stopCh)
	e.wg.Wait()
}
