// =============================================================================
// DEAD LETTER QUEUE - WHERE POISON RECORDS GO TO BE EXAMINED
// =============================================================================
//
// A record that exhausts its delivery attempts is moved to "<topic>.dlq"
// instead of blocking the partition forever. The dead letter is a JSON
// envelope around the original record, carrying enough forensics to
// diagnose and replay it:
//
//	{
//	  "topic": "orders", "partition": 2, "offset": 1500,
//	  "key": "...", "value": "...",
//	  "attempts": 5, "last_error": "...", "failed_at": "..."
//	}
//
// The DLQ topic is auto-created on first use with the same partition count
// as the source topic, and the dead letter lands on the same partition
// index, so per-key ordering survives into the DLQ.
//
// =============================================================================

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relaymq/internal/storage"
)

// DLQSuffix is appended to a topic name to form its dead-letter topic.
const DLQSuffix = ".dlq"

// DLQTopicName returns the dead-letter topic for a source topic.
func DLQTopicName(topic string) string {
	return topic + DLQSuffix
}

// IsDLQTopic reports whether a topic is itself a dead-letter topic; those
// never get a DLQ of their own.
func IsDLQTopic(topic string) bool {
	return strings.HasSuffix(topic, DLQSuffix)
}

// DeadLetterRecord is the envelope stored in a DLQ topic.
type DeadLetterRecord struct {
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       []byte    `json:"key,omitempty"`
	Value     []byte    `json:"value"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// topicEnsurer creates or returns a topic; the broker provides it so the
// router can auto-create DLQ topics.
type topicEnsurer func(name string, partitions int) (*Topic, error)

// topicLookup resolves an existing topic; the router uses it to mirror the
// source topic's partition count onto its DLQ.
type topicLookup func(name string) (*Topic, error)

// DLQRouter writes exhausted records to their dead-letter topic.
type DLQRouter struct {
	ensure topicEnsurer
	lookup topicLookup
	logger *slog.Logger
}

// NewDLQRouter builds a router over the broker's topic registry.
func NewDLQRouter(ensure topicEnsurer, lookup topicLookup, logger *slog.Logger) *DLQRouter {
	return &DLQRouter{ensure: ensure, lookup: lookup, logger: logger.With("component", "dlq")}
}

// Route appends the dead letter, auto-creating the DLQ topic. Records from
// a DLQ topic are not re-routed: a poison dead letter is dropped with a log
// line rather than looping forever.
func (r *DLQRouter) Route(ctx context.Context, dead DeadLetterRecord) error {
	if IsDLQTopic(dead.Topic) {
		r.logger.Error("dropping record that failed inside a DLQ topic",
			"topic", dead.Topic, "partition", dead.Partition, "offset", dead.Offset)
		return nil
	}

	// Mirror the source topic's partition count so every source partition
	// maps onto the same index, whichever one dead-letters first.
	partitions := dead.Partition + 1
	if src, err := r.lookup(dead.Topic); err == nil && src.PartitionCount() > partitions {
		partitions = src.PartitionCount()
	}
	topic, err := r.ensure(DLQTopicName(dead.Topic), partitions)
	if err != nil {
		return fmt.Errorf("ensure DLQ topic: %w", err)
	}

	// Land on the source partition index when the DLQ has it, so per-key
	// order is preserved; otherwise fall back to partition 0.
	partID := dead.Partition
	if partID >= topic.PartitionCount() {
		partID = 0
	}
	partition, err := topic.Partition(partID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(dead)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	offset, err := partition.Append(ctx, []*storage.Record{storage.NewRecord(dead.Key, payload)})
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}

	r.logger.Warn("record dead-lettered",
		"topic", dead.Topic, "partition", dead.Partition, "offset", dead.Offset,
		"attempts", dead.Attempts, "dlq_offset", offset, "last_error", dead.LastError)
	return nil
}
