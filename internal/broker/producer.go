// =============================================================================
// PRODUCER INGEST - ACK LEVELS AND DURABILITY CONTRACTS
// =============================================================================
//
// The ingest path turns a produce request into partition appends and decides
// WHEN to acknowledge:
//
//	none     reply before the write is durable anywhere. Fastest, lossy.
//	leader   reply once the leader's log has the records. Lost only if the
//	         leader dies before replication catches up.
//	all-isr  reply once every in-sync replica has the records (HW passed
//	         them). Survives leader failure.
//
// INSUFFICIENT_REPLICAS:
// When ack=all-isr and the ISR has shrunk below min.insync.replicas, the
// write is REJECTED up front. Acknowledging with a too-small ISR would
// silently weaken the durability the producer asked for, so we fail loudly
// and let the producer retry or degrade explicitly.
//
// =============================================================================

package broker

import (
	"context"
	"log/slog"
	"time"

	"relaymq/internal/storage"
)

// AckLevel names the durability contract of a produce request.
type AckLevel string

const (
	AckNone   AckLevel = "none"
	AckLeader AckLevel = "leader"
	AckAllISR AckLevel = "all_isr"
)

// ValidAckLevel reports whether s is a known ack level.
func ValidAckLevel(s AckLevel) bool {
	switch s {
	case AckNone, AckLeader, AckAllISR:
		return true
	}
	return false
}

// ReplicationView is the ingest path's window into replication state. The
// single-node broker uses soloReplicationView; cluster mode wires the ISR
// manager in.
type ReplicationView interface {
	// ISRCount returns the current in-sync replica count for a partition,
	// including the leader.
	ISRCount(topic string, partition int) int

	// MinInSyncReplicas is the floor below which all-isr writes are
	// rejected.
	MinInSyncReplicas() int
}

// soloReplicationView is the replication view of an unreplicated broker:
// one replica, always in sync.
type soloReplicationView struct{}

func (soloReplicationView) ISRCount(string, int) int { return 1 }
func (soloReplicationView) MinInSyncReplicas() int   { return 1 }

// ProducerConfig tunes the ingest path.
type ProducerConfig struct {
	// DefaultAckLevel applies when a request does not name one.
	DefaultAckLevel AckLevel

	// AckTimeout bounds the all-isr replication wait.
	AckTimeout time.Duration

	// MaxRecordBytes rejects oversized values before they hit a log.
	MaxRecordBytes int

	// CompressionThreshold snappy-compresses values at or above this many
	// bytes; 0 disables compression.
	CompressionThreshold int
}

// DefaultProducerConfig returns the ingest defaults.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		DefaultAckLevel:      AckLeader,
		AckTimeout:           5 * time.Second,
		MaxRecordBytes:       1 << 20,
		CompressionThreshold: 4096,
	}
}

// ProduceRecord is one record of a produce request.
type ProduceRecord struct {
	Key   []byte
	Value []byte
}

// ProduceRequest carries a batch for one topic. Partition pins routing when
// >= 0; otherwise the partitioner routes by key.
type ProduceRequest struct {
	Topic     string
	Partition int // -1 = route by key
	AckLevel  AckLevel
	Records   []ProduceRecord
}

// ProduceResult reports where a batch landed. BaseOffset is -1 for ack=none,
// where no assignment is awaited.
type ProduceResult struct {
	Topic      string
	Partition  int
	BaseOffset int64
	Count      int
}

// Producer is the shared ingest path for all topics.
type Producer struct {
	lookup      func(topic string) (*Topic, error)
	partitioner Partitioner
	replication ReplicationView
	cfg         ProducerConfig
	logger      *slog.Logger
}

// NewProducer builds the ingest path. replication may be nil for an
// unreplicated broker.
func NewProducer(lookup func(string) (*Topic, error), replication ReplicationView, cfg ProducerConfig, logger *slog.Logger) *Producer {
	if replication == nil {
		replication = soloReplicationView{}
	}
	if cfg.DefaultAckLevel == "" {
		cfg.DefaultAckLevel = AckLeader
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	return &Producer{
		lookup:      lookup,
		partitioner: NewHashPartitioner(),
		replication: replication,
		cfg:         cfg,
		logger:      logger.With("component", "producer"),
	}
}

// Produce appends a batch and acknowledges per the request's ack level.
func (pr *Producer) Produce(ctx context.Context, req ProduceRequest) (*ProduceResult, error) {
	if len(req.Records) == 0 {
		return nil, NewBrokerError(ErrCodeInvalidRequest, "produce batch is empty")
	}
	ack := req.AckLevel
	if ack == "" {
		ack = pr.cfg.DefaultAckLevel
	}
	if !ValidAckLevel(ack) {
		return nil, NewBrokerError(ErrCodeInvalidRequest, "unknown ack level %q", req.AckLevel)
	}

	topic, err := pr.lookup(req.Topic)
	if err != nil {
		return nil, err
	}

	partID := req.Partition
	if partID < 0 {
		// A batch routes as a unit, by the first record's key. Mixed-key
		// batches should be split by the client.
		partID = pr.partitioner.Partition(req.Records[0].Key, topic.PartitionCount())
	}
	partition, err := topic.Partition(partID)
	if err != nil {
		return nil, err
	}

	// All-ISR durability is checked before the append: once the bytes are
	// in the leader log there is no honest way to un-acknowledge them.
	if ack == AckAllISR {
		isr := pr.replication.ISRCount(req.Topic, partID)
		if minISR := pr.replication.MinInSyncReplicas(); isr < minISR {
			return nil, NewBrokerError(ErrCodeInsufficientReplicas,
				"partition %s-%d has %d in-sync replicas, need %d", req.Topic, partID, isr, minISR)
		}
	}

	records := make([]*storage.Record, 0, len(req.Records))
	for _, in := range req.Records {
		if pr.cfg.MaxRecordBytes > 0 && len(in.Value) > pr.cfg.MaxRecordBytes {
			return nil, NewBrokerError(ErrCodeRecordTooLarge,
				"record value is %d bytes, limit %d", len(in.Value), pr.cfg.MaxRecordBytes)
		}
		rec := storage.NewRecord(in.Key, in.Value)
		if pr.cfg.CompressionThreshold > 0 && len(in.Value) >= pr.cfg.CompressionThreshold {
			rec.Compressed = true
		}
		records = append(records, rec)
	}

	if ack == AckNone {
		// Fire and forget: submit on a detached context so a canceled
		// request doesn't abandon the write mid-flight.
		go func() {
			if _, err := partition.Append(context.Background(), records); err != nil {
				pr.logger.Warn("ack=none append failed",
					"topic", req.Topic, "partition", partID, "error", err)
			}
		}()
		return &ProduceResult{Topic: req.Topic, Partition: partID, BaseOffset: -1, Count: len(records)}, nil
	}

	base, err := partition.Append(ctx, records)
	if err != nil {
		return nil, err
	}
	res := &ProduceResult{Topic: req.Topic, Partition: partID, BaseOffset: base, Count: len(records)}

	if ack == AckAllISR {
		waitCtx, cancel := context.WithTimeout(ctx, pr.cfg.AckTimeout)
		defer cancel()
		lastOffset := base + int64(len(records)) - 1
		if err := partition.WaitForHW(waitCtx, lastOffset+1); err != nil {
			// The records are in the leader log but not committed within
			// the deadline. The producer must treat the outcome as
			// unknown and may see duplicates on retry.
			return nil, WrapBrokerError(ErrCodeInsufficientReplicas, err,
				"replication of offsets [%d, %d] did not complete in %s", base, lastOffset, pr.cfg.AckTimeout)
		}
	}
	return res, nil
}
