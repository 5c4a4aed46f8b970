// =============================================================================
// PARTITION - THE UNIT OF ORDERING AND PARALLELISM
// =============================================================================
//
// A partition is a totally ordered sequence of records backed by one
// storage.Log. Within a partition:
//   - Offsets are sequential and contiguous (0, 1, 2, ...)
//   - Read order equals write order
//   - Exactly one writer goroutine assigns offsets
//
// SINGLE-WRITER MODEL:
// All appends funnel through one goroutine per partition. Producers submit
// to a channel and wait on a per-request reply channel, so offset assignment
// is race-free without a write lock on the hot path.
//
//   producers ──► appendCh ──► writer goroutine ──► storage.Log
//                                   │
//                                   └──► reply channels (assigned offsets)
//
// HIGH WATERMARK:
// The high watermark (HW) is the first offset NOT yet replicated to every
// in-sync replica. Consumers only ever see offsets below the HW, so a record
// is invisible until it cannot be lost by a leader failover. With
// replication factor 1 the HW simply tracks the log end.
//
// ROLES:
// A partition replica is a leader or a follower. Only the leader accepts
// produces and serves consumer fetches; followers append only via the
// replication path, which carries the leader epoch for fencing.
//
// =============================================================================

package broker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"relaymq/internal/storage"
)

// PartitionRole distinguishes the replica that accepts writes from the ones
// that copy it.
type PartitionRole int32

const (
	RoleLeader PartitionRole = iota
	RoleFollower
)

func (r PartitionRole) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// appendRequest is one unit of work for the writer goroutine.
type appendRequest struct {
	records []*storage.Record
	replyCh chan appendResult
}

type appendResult struct {
	baseOffset int64
	err        error
}

// PartitionOptions tunes a partition's log and replication behavior.
type PartitionOptions struct {
	// Log is passed through to the underlying storage.
	Log storage.LogOptions

	// SoloHW advances the high watermark to the log end on every append.
	// Set when the partition has no followers (replication factor 1).
	SoloHW bool
}

// Partition is one ordered shard of a topic.
type Partition struct {
	topic string
	id    int
	log   *storage.Log
	dir   string
	opts  PartitionOptions

	mu            sync.RWMutex
	role          PartitionRole
	leaderEpoch   int64
	highWatermark int64
	hwChanged     chan struct{} // closed and replaced on every HW advance
	closed        bool

	appendCh chan appendRequest
	stopCh   chan struct{}
	wg       sync.WaitGroup

	createdAt time.Time
}

// PartitionDir returns the on-disk directory for a partition.
func PartitionDir(baseDir, topic string, id int) string {
	return filepath.Join(baseDir, topic, strconv.Itoa(id))
}

// NewPartition creates or reopens a partition at baseDir/topic/id. The
// partition starts as leader with epoch 0; cluster mode reassigns roles
// before serving.
func NewPartition(baseDir, topic string, id int, opts PartitionOptions) (*Partition, error) {
	dir := PartitionDir(baseDir, topic, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create partition directory: %w", err)
	}

	log, err := storage.NewLog(dir, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("open partition log: %w", err)
	}

	p := &Partition{
		topic:     topic,
		id:        id,
		log:       log,
		dir:       dir,
		opts:      opts,
		role:      RoleLeader,
		hwChanged: make(chan struct{}),
		appendCh:  make(chan appendRequest, 64),
		stopCh:    make(chan struct{}),
		createdAt: time.Now(),
	}

	// A reopened log may already hold records; with no replication the
	// whole log is committed.
	if opts.SoloHW {
		p.highWatermark = log.NextOffset()
	}

	p.wg.Add(1)
	go p.writerLoop()

	return p, nil
}

// writerLoop is the partition's single writer. It owns offset assignment.
func (p *Partition) writerLoop() {
	defer p.wg.Done()
	for {
		select {
		case req := <-p.appendCh:
			base, err := p.log.AppendBatch(req.records)
			if err == nil && p.opts.SoloHW {
				p.AdvanceHW(p.log.NextOffset())
			}
			req.replyCh <- appendResult{baseOffset: base, err: err}
		case <-p.stopCh:
			return
		}
	}
}

// =============================================================================
// WRITES
// =============================================================================

// Append writes records through the writer goroutine and returns the offset
// assigned to the first record. Only the leader accepts appends.
func (p *Partition) Append(ctx context.Context, records []*storage.Record) (int64, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return 0, NewBrokerError(ErrCodeBrokerClosed, "partition %s-%d is closed", p.topic, p.id)
	}
	if p.role != RoleLeader {
		p.mu.RUnlock()
		return 0, NewBrokerError(ErrCodeNotLeader, "partition %s-%d is a follower", p.topic, p.id)
	}
	p.mu.RUnlock()

	req := appendRequest{records: records, replyCh: make(chan appendResult, 1)}
	select {
	case p.appendCh <- req:
	case <-p.stopCh:
		return 0, NewBrokerError(ErrCodeBrokerClosed, "partition %s-%d is closed", p.topic, p.id)
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case res := <-req.replyCh:
		return res.baseOffset, res.err
	case <-ctx.Done():
		// The write may still land; the caller treats this as unknown
		// outcome, same as a crashed leader.
		return 0, ctx.Err()
	}
}

// AppendAsFollower applies replicated records at an expected offset. The
// epoch must match the follower's current leader epoch; a stale epoch means
// a deposed leader is still pushing and must be fenced.
func (p *Partition) AppendAsFollower(records []*storage.Record, expectedOffset, epoch int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return NewBrokerError(ErrCodeBrokerClosed, "partition %s-%d is closed", p.topic, p.id)
	}
	if p.role != RoleFollower {
		return NewBrokerError(ErrCodeNotLeader, "partition %s-%d is not a follower", p.topic, p.id)
	}
	if epoch < p.leaderEpoch {
		return NewBrokerError(ErrCodeFencedEpoch,
			"epoch %d is older than current epoch %d", epoch, p.leaderEpoch)
	}
	if epoch > p.leaderEpoch {
		p.leaderEpoch = epoch
	}
	if next := p.log.NextOffset(); next != expectedOffset {
		return NewBrokerError(ErrCodeOffsetOutOfRange,
			"follower log end %d, leader sent %d", next, expectedOffset)
	}

	for _, rec := range records {
		if _, err := p.log.Append(rec); err != nil {
			return fmt.Errorf("apply replicated record: %w", err)
		}
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// ReadCommitted returns records from fromOffset, bounded by maxBytes and by
// the high watermark. Reading at the HW returns empty with no error - the
// consumer is caught up, not out of range.
func (p *Partition) ReadCommitted(fromOffset, maxBytes int64) ([]*storage.Record, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, NewBrokerError(ErrCodeBrokerClosed, "partition %s-%d is closed", p.topic, p.id)
	}
	hw := p.highWatermark
	p.mu.RUnlock()

	earliest := p.log.EarliestOffset()
	if fromOffset < earliest || fromOffset > p.log.NextOffset() {
		return nil, WrapBrokerError(ErrCodeOffsetOutOfRange, nil,
			"offset %d outside retained range [%d, %d)", fromOffset, earliest, p.log.NextOffset())
	}
	if fromOffset >= hw {
		return nil, nil
	}

	recs, err := p.log.ReadFrom(fromOffset, maxBytes)
	if err != nil {
		return nil, err
	}
	// Records at or past the HW are uncommitted; never expose them.
	for i, rec := range recs {
		if rec.Offset >= hw {
			return recs[:i], nil
		}
	}
	return recs, nil
}

// ReadUncommitted reads without the HW bound. Replication uses it to ship
// records that are not committed yet.
func (p *Partition) ReadUncommitted(fromOffset, maxBytes int64) ([]*storage.Record, error) {
	return p.log.ReadFrom(fromOffset, maxBytes)
}

// =============================================================================
// HIGH WATERMARK
// =============================================================================

// HighWatermark returns the first uncommitted offset.
func (p *Partition) HighWatermark() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.highWatermark
}

// AdvanceHW moves the high watermark forward and wakes any waiters. The HW
// never moves backward.
func (p *Partition) AdvanceHW(offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advanceHWLocked(offset)
}

func (p *Partition) advanceHWLocked(offset int64) {
	if offset <= p.highWatermark {
		return
	}
	p.highWatermark = offset
	close(p.hwChanged)
	p.hwChanged = make(chan struct{})
}

// WaitForHW blocks until the high watermark reaches offset, or ctx expires.
// Producers with ack=all-isr and long-poll fetches park here.
func (p *Partition) WaitForHW(ctx context.Context, offset int64) error {
	for {
		p.mu.RLock()
		if p.highWatermark >= offset {
			p.mu.RUnlock()
			return nil
		}
		if p.closed {
			p.mu.RUnlock()
			return NewBrokerError(ErrCodeBrokerClosed, "partition %s-%d is closed", p.topic, p.id)
		}
		ch := p.hwChanged
		p.mu.RUnlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// =============================================================================
// ROLE TRANSITIONS
// =============================================================================

// BecomeLeader promotes the replica at the given epoch. Records above the
// HW may not exist on other replicas, so the new leader serves from its own
// log but only commits once followers catch up.
func (p *Partition) BecomeLeader(epoch int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if epoch < p.leaderEpoch {
		return NewBrokerError(ErrCodeFencedEpoch,
			"epoch %d is older than current epoch %d", epoch, p.leaderEpoch)
	}
	p.role = RoleLeader
	p.leaderEpoch = epoch
	return nil
}

// BecomeFollower demotes the replica and truncates its log to the high
// watermark: offsets above the HW were never committed and the new leader
// may assign them differently.
func (p *Partition) BecomeFollower(epoch int64) error {
	p.mu.Lock()
	if epoch < p.leaderEpoch {
		p.mu.Unlock()
		return NewBrokerError(ErrCodeFencedEpoch,
			"epoch %d is older than current epoch %d", epoch, p.leaderEpoch)
	}
	p.role = RoleFollower
	p.leaderEpoch = epoch
	hw := p.highWatermark
	p.mu.Unlock()

	if p.log.NextOffset() > hw {
		if err := p.log.TruncateTail(hw); err != nil {
			return fmt.Errorf("truncate to high watermark: %w", err)
		}
	}
	return nil
}

// Role returns the current replica role.
func (p *Partition) Role() PartitionRole {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.role
}

// LeaderEpoch returns the epoch of the last known leader.
func (p *Partition) LeaderEpoch() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leaderEpoch
}

// =============================================================================
// ACCESSORS & LIFECYCLE
// =============================================================================

// Topic returns the owning topic name.
func (p *Partition) Topic() string { return p.topic }

// ID returns the partition number within the topic.
func (p *Partition) ID() int { return p.id }

// LogEndOffset returns the offset the next append will receive (the LEO).
func (p *Partition) LogEndOffset() int64 { return p.log.NextOffset() }

// EarliestOffset returns the first retained offset.
func (p *Partition) EarliestOffset() int64 { return p.log.EarliestOffset() }

// Size returns bytes on disk across all segments.
func (p *Partition) Size() int64 { return p.log.Size() }

// EnforceRetention applies the configured retention limits.
func (p *Partition) EnforceRetention(now time.Time) (int, error) {
	deleted, err := p.log.EnforceRetention(now)
	return deleted, err
}

// Sync flushes the log to disk.
func (p *Partition) Sync() error { return p.log.Sync() }

// Close stops the writer and closes the log.
func (p *Partition) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.hwChanged)
	p.hwChanged = make(chan struct{})
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	return p.log.Close()
}

// Delete closes the partition and removes its directory.
func (p *Partition) Delete() error {
	if err := p.Close(); err != nil {
		return err
	}
	return os.RemoveAll(p.dir)
}
