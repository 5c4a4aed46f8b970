// =============================================================================
// BROKER - THE COMPOSITION ROOT
// =============================================================================
//
// The Broker wires the pieces together and exposes the operations the API
// layer serves:
//
//	┌───────────────────────────────────────────────────────────────┐
//	│                           Broker                              │
//	│                                                               │
//	│  topic registry ──► Topic ──► Partition ──► storage.Log       │
//	│  Producer (ack levels)        GroupCoordinator (FSM, offsets) │
//	│  DeliveryEngine (retry/DLQ)   retention loop                  │
//	└───────────────────────────────────────────────────────────────┘
//
// FETCH PATH:
// A fetch resolves its start offset (explicit, committed, or the
// auto.offset.reset default), reads below the high watermark, and long-polls
// when there is nothing to read yet. Group fetches additionally pass through
// the delivery engine so every record is tracked for ack/nack.
//
// =============================================================================

package broker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"relaymq/internal/metrics"
	"relaymq/internal/storage"
)

// OffsetReset names the fallback when a group has no committed offset.
type OffsetReset string

const (
	ResetEarliest OffsetReset = "earliest"
	ResetLatest   OffsetReset = "latest"
)

// Options configures a Broker.
type Options struct {
	DataDir string

	// DefaultPartitions applies when topic creation does not name a count.
	DefaultPartitions int

	// Log tunes every partition's storage.
	Log storage.LogOptions

	Producer    ProducerConfig
	Coordinator CoordinatorConfig
	Delivery    DeliveryConfig

	// AutoOffsetReset picks the start position for groups with no commits.
	AutoOffsetReset OffsetReset

	// FetchMaxBytes is the per-fetch byte budget when the request has none.
	FetchMaxBytes int64

	// FetchMaxWait caps long-poll fetch waits.
	FetchMaxWait time.Duration

	// RetentionInterval is the retention sweep tick; 0 disables the loop.
	RetentionInterval time.Duration

	// Replicated disables solo high-watermark advancement; the replication
	// layer then owns the HW.
	Replicated bool

	// Metrics receives broker-side instrumentation. May be nil.
	Metrics *metrics.Registry
}

// DefaultOptions returns single-node defaults.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:           dataDir,
		DefaultPartitions: 3,
		Producer:          DefaultProducerConfig(),
		Coordinator:       DefaultCoordinatorConfig(),
		Delivery:          DefaultDeliveryConfig(),
		AutoOffsetReset:   ResetEarliest,
		FetchMaxBytes:     1 << 20,
		FetchMaxWait:      30 * time.Second,
		RetentionInterval: 5 * time.Minute,
	}
}

// Broker is the single entry point for produce, fetch, group, and admin
// operations on one node.
type Broker struct {
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]*Topic
	closed bool

	producer    *Producer
	coordinator *GroupCoordinator
	delivery    *DeliveryEngine

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New opens a broker over dataDir, loading every topic found on disk.
// replication may be nil for a single-node broker.
func New(opts Options, replication ReplicationView, logger *slog.Logger) (*Broker, error) {
	if opts.DefaultPartitions <= 0 {
		opts.DefaultPartitions = 3
	}
	if opts.AutoOffsetReset == "" {
		opts.AutoOffsetReset = ResetEarliest
	}
	if opts.FetchMaxBytes <= 0 {
		opts.FetchMaxBytes = 1 << 20
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, err
	}

	b := &Broker{
		opts:   opts,
		logger: logger.With("component", "broker"),
		topics: make(map[string]*Topic),
		stopCh: make(chan struct{}),
	}

	coordinator, err := NewGroupCoordinator(opts.DataDir, opts.Coordinator, opts.Metrics, logger)
	if err != nil {
		return nil, err
	}
	b.coordinator = coordinator

	b.producer = NewProducer(b.Topic, replication, opts.Producer, logger)
	dlq := NewDLQRouter(b.ensureTopic, b.Topic, logger)
	b.delivery = NewDeliveryEngine(opts.Delivery, dlq, coordinator.AdvanceCommitted, opts.Metrics, logger)

	if err := b.loadTopics(); err != nil {
		b.Close()
		return nil, err
	}

	if opts.RetentionInterval > 0 {
		b.wg.Add(1)
		go b.retentionLoop()
	}

	b.logger.Info("broker started", "data_dir", opts.DataDir, "topics", len(b.topics))
	return b, nil
}

// loadTopics reopens every topic directory under DataDir. The internal
// __offsets log is owned by the coordinator and skipped here.
func (b *Broker) loadTopics() error {
	entries, err := os.ReadDir(b.opts.DataDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "__offsets" {
			continue
		}
		metaPath := filepath.Join(b.opts.DataDir, entry.Name(), topicMetaFile)
		if _, err := os.Stat(metaPath); err != nil {
			continue
		}
		t, err := LoadTopic(b.opts.DataDir, entry.Name(), b.topicConfig(0))
		if err != nil {
			return err
		}
		b.topics[t.Name()] = t
		b.coordinator.RegisterTopic(t.Name(), t.PartitionCount())
		b.logger.Info("loaded topic", "topic", t.Name(), "partitions", t.PartitionCount())
	}
	return nil
}

func (b *Broker) topicConfig(partitions int) TopicConfig {
	if partitions <= 0 {
		partitions = b.opts.DefaultPartitions
	}
	return TopicConfig{
		PartitionCount: partitions,
		Log:            b.opts.Log,
		SoloHW:         !b.opts.Replicated,
	}
}

// retentionLoop sweeps every topic on the configured interval. The sweep
// doubles as the per-partition gauge refresh.
func (b *Broker) retentionLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			for _, t := range b.Topics() {
				if deleted, err := t.EnforceRetention(now); err != nil {
					b.logger.Warn("retention sweep failed", "topic", t.Name(), "error", err)
				} else if deleted > 0 {
					b.logger.Info("retention deleted segments", "topic", t.Name(), "segments", deleted)
					if b.opts.Metrics != nil {
						b.opts.Metrics.SegmentsPruned.WithLabelValues(t.Name()).Add(float64(deleted))
					}
				}
				if b.opts.Metrics != nil {
					for _, p := range t.Partitions() {
						b.updatePartitionGauges(t.Name(), p)
					}
				}
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) updatePartitionGauges(topic string, p *Partition) {
	id := strconv.Itoa(p.ID())
	b.opts.Metrics.PartitionSize.WithLabelValues(topic, id).Set(float64(p.Size()))
	b.opts.Metrics.HighWatermark.WithLabelValues(topic, id).Set(float64(p.HighWatermark()))
	b.opts.Metrics.LogEndOffset.WithLabelValues(topic, id).Set(float64(p.LogEndOffset()))
}

// =============================================================================
// TOPIC ADMIN
// =============================================================================

// CreateTopic creates a topic with the given partition count (0 = default).
func (b *Broker) CreateTopic(name string, partitions int) (*Topic, error) {
	if name == "" {
		return nil, NewBrokerError(ErrCodeInvalidRequest, "topic name is empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	if _, exists := b.topics[name]; exists {
		return nil, NewBrokerError(ErrCodeTopicExists, "topic %q already exists", name)
	}
	t, err := CreateTopic(b.opts.DataDir, name, b.topicConfig(partitions))
	if err != nil {
		return nil, err
	}
	b.topics[name] = t
	b.coordinator.RegisterTopic(name, t.PartitionCount())
	b.logger.Info("created topic", "topic", name, "partitions", t.PartitionCount())
	return t, nil
}

// ensureTopic returns the topic, creating it if absent. The DLQ router uses
// it for auto-creation.
func (b *Broker) ensureTopic(name string, partitions int) (*Topic, error) {
	if t, err := b.Topic(name); err == nil {
		return t, nil
	}
	t, err := b.CreateTopic(name, partitions)
	if err == nil {
		return t, nil
	}
	if errors.Is(err, ErrTopicExists) {
		// Lost a creation race; the topic is there now.
		return b.Topic(name)
	}
	return nil, err
}

// Topic returns a topic by name.
func (b *Broker) Topic(name string) (*Topic, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	t, ok := b.topics[name]
	if !ok {
		return nil, NewBrokerError(ErrCodeTopicNotFound, "topic %q does not exist", name)
	}
	return t, nil
}

// Topics returns all topics.
func (b *Broker) Topics() []*Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		out = append(out, t)
	}
	return out
}

// DeleteTopic removes a topic and its data.
func (b *Broker) DeleteTopic(name string) error {
	b.mu.Lock()
	t, ok := b.topics[name]
	if !ok {
		b.mu.Unlock()
		return NewBrokerError(ErrCodeTopicNotFound, "topic %q does not exist", name)
	}
	delete(b.topics, name)
	b.mu.Unlock()

	b.coordinator.UnregisterTopic(name)
	b.logger.Info("deleting topic", "topic", name)
	return t.Delete()
}

// =============================================================================
// PRODUCE
// =============================================================================

// Produce appends a batch per the request's ack level.
func (b *Broker) Produce(ctx context.Context, req ProduceRequest) (*ProduceResult, error) {
	res, err := b.producer.Produce(ctx, req)
	if err != nil {
		return nil, err
	}
	if b.opts.Metrics != nil {
		if t, terr := b.Topic(req.Topic); terr == nil {
			if p, perr := t.Partition(res.Partition); perr == nil {
				b.updatePartitionGauges(req.Topic, p)
			}
		}
	}
	return res, nil
}

// =============================================================================
// FETCH
// =============================================================================

// FetchRequest reads one partition. Offset -1 resolves from the group's
// committed position (falling back to auto.offset.reset). Group-scoped
// fetches are tracked by the delivery engine.
type FetchRequest struct {
	Topic     string
	Partition int
	Offset    int64 // -1 = resolve from group commit / reset policy
	Group     string
	MaxBytes  int64
	MaxWait   time.Duration // long-poll bound; 0 = return immediately
}

// FetchResult is a fetch response. Deliveries is populated for group
// fetches; Records always holds the raw records.
type FetchResult struct {
	Topic         string
	Partition     int
	StartOffset   int64
	Records       []*storage.Record
	Deliveries    []Delivery
	HighWatermark int64
	LogStart      int64
	NextOffset    int64 // where the next fetch should start
}

// Fetch reads committed records, long-polling up to MaxWait when caught up.
func (b *Broker) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	topic, err := b.Topic(req.Topic)
	if err != nil {
		return nil, err
	}
	partition, err := topic.Partition(req.Partition)
	if err != nil {
		return nil, err
	}

	// Followers only see the leader's committed frontier with a lag; serving
	// consumers from one would hand out a stale view of the partition.
	if b.opts.Replicated && partition.Role() != RoleLeader {
		return nil, NewBrokerError(ErrCodeNotLeader,
			"partition %s-%d is not led by this node", req.Topic, req.Partition)
	}

	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = b.opts.FetchMaxBytes
	}
	maxWait := req.MaxWait
	if maxWait > b.opts.FetchMaxWait {
		maxWait = b.opts.FetchMaxWait
	}

	offset := req.Offset
	if offset < 0 {
		offset = b.resolveStartOffset(req.Group, req.Topic, req.Partition, partition)
	}

	recs, err := partition.ReadCommitted(offset, maxBytes)
	if err != nil {
		return nil, err
	}

	// Long poll: nothing committed at this offset yet, wait for the HW to
	// pass it (bounded), then read once more.
	if len(recs) == 0 && maxWait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, maxWait)
		err := partition.WaitForHW(waitCtx, offset+1)
		cancel()
		if err == nil {
			recs, err = partition.ReadCommitted(offset, maxBytes)
			if err != nil {
				return nil, err
			}
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Deadline expiry falls through with an empty result.
	}

	res := &FetchResult{
		Topic:         req.Topic,
		Partition:     req.Partition,
		StartOffset:   offset,
		Records:       recs,
		HighWatermark: partition.HighWatermark(),
		LogStart:      partition.EarliestOffset(),
		NextOffset:    offset,
	}
	if len(recs) > 0 {
		res.NextOffset = recs[len(recs)-1].Offset + 1
	}

	if req.Group != "" {
		res.Deliveries = b.delivery.Track(req.Group, req.Topic, req.Partition, recs)
		// Records whose backoff elapsed ride along with fresh ones.
		retries := b.delivery.RetryReady(req.Group, req.Topic, req.Partition, 0)
		res.Deliveries = append(retries, res.Deliveries...)
	}
	return res, nil
}

// resolveStartOffset picks where a group starts reading: its committed
// position, else the auto.offset.reset default.
func (b *Broker) resolveStartOffset(group, topicName string, partID int, p *Partition) int64 {
	if group != "" {
		if committed, ok := b.coordinator.FetchCommittedOffset(group, topicName, partID); ok {
			return committed
		}
	}
	if b.opts.AutoOffsetReset == ResetLatest {
		return p.HighWatermark()
	}
	return p.EarliestOffset()
}

// =============================================================================
// DELIVERY & GROUPS (pass-through surface for the API layer)
// =============================================================================

// Ack marks a tracked delivery processed.
func (b *Broker) Ack(token DeliveryToken) error { return b.delivery.Ack(token) }

// Nack fails a tracked delivery; it retries after backoff or dead-letters.
func (b *Broker) Nack(token DeliveryToken, reason string) error {
	return b.delivery.Nack(token, reason)
}

// Coordinator exposes the group coordinator.
func (b *Broker) Coordinator() *GroupCoordinator { return b.coordinator }

// Delivery exposes the delivery engine, for metrics.
func (b *Broker) Delivery() *DeliveryEngine { return b.delivery }

// =============================================================================
// LIFECYCLE
// =============================================================================

// Sync flushes every topic and the offsets log.
func (b *Broker) Sync() error {
	for _, t := range b.Topics() {
		for _, p := range t.Partitions() {
			if err := p.Sync(); err != nil {
				return err
			}
		}
	}
	return b.coordinator.offsets.Sync()
}

// Close shuts down loops, the delivery engine, the coordinator, and every
// topic.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()

	if b.delivery != nil {
		b.delivery.Close()
	}

	var firstErr error
	for _, t := range topics {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.coordinator != nil {
		if err := b.coordinator.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.logger.Info("broker stopped")
	return firstErr
}
