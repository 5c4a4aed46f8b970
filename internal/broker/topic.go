// =============================================================================
// TOPIC - A NAMED STREAM OF PARTITIONS
// =============================================================================
//
// A topic is a fixed-size array of partitions. The partition count is
// immutable after creation: repartitioning would break key→partition
// affinity and with it per-key ordering.
//
// On-disk layout:
//
//	data/
//	  orders/              <- topic dir
//	    0/  1/  2/         <- partition dirs (segments inside)
//	    topic.json         <- partition count, created-at
//
// =============================================================================

package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relaymq/internal/storage"
)

const topicMetaFile = "topic.json"

// topicMeta is the persisted topic descriptor.
type topicMeta struct {
	Name           string    `json:"name"`
	PartitionCount int       `json:"partition_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// TopicConfig captures per-topic knobs at creation time.
type TopicConfig struct {
	PartitionCount int
	Log            storage.LogOptions
	// SoloHW is forwarded to every partition; true when the topic is not
	// replicated.
	SoloHW bool
}

// Topic groups the partitions of one named stream.
type Topic struct {
	name       string
	dir        string
	partitions []*Partition
	createdAt  time.Time
	mu         sync.RWMutex
	closed     bool
}

// CreateTopic creates a topic and its partition directories under baseDir.
func CreateTopic(baseDir, name string, cfg TopicConfig) (*Topic, error) {
	if cfg.PartitionCount <= 0 {
		return nil, NewBrokerError(ErrCodeInvalidConfiguration,
			"topic %q: partition count must be positive, got %d", name, cfg.PartitionCount)
	}

	dir := filepath.Join(baseDir, name)
	if _, err := os.Stat(filepath.Join(dir, topicMetaFile)); err == nil {
		return nil, NewBrokerError(ErrCodeTopicExists, "topic %q already exists", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create topic directory: %w", err)
	}

	t := &Topic{name: name, dir: dir, createdAt: time.Now()}
	for i := 0; i < cfg.PartitionCount; i++ {
		p, err := NewPartition(baseDir, name, i, PartitionOptions{Log: cfg.Log, SoloHW: cfg.SoloHW})
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("create partition %d: %w", i, err)
		}
		t.partitions = append(t.partitions, p)
	}

	if err := t.writeMeta(cfg.PartitionCount); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// LoadTopic reopens a topic from disk, recovering every partition.
func LoadTopic(baseDir, name string, cfg TopicConfig) (*Topic, error) {
	dir := filepath.Join(baseDir, name)
	data, err := os.ReadFile(filepath.Join(dir, topicMetaFile))
	if err != nil {
		return nil, WrapBrokerError(ErrCodeTopicNotFound, err, "topic %q not found", name)
	}
	var meta topicMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse topic metadata: %w", err)
	}

	t := &Topic{name: name, dir: dir, createdAt: meta.CreatedAt}
	for i := 0; i < meta.PartitionCount; i++ {
		p, err := NewPartition(baseDir, name, i, PartitionOptions{Log: cfg.Log, SoloHW: cfg.SoloHW})
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("load partition %d: %w", i, err)
		}
		t.partitions = append(t.partitions, p)
	}
	return t, nil
}

func (t *Topic) writeMeta(partitionCount int) error {
	meta := topicMeta{Name: t.name, PartitionCount: partitionCount, CreatedAt: t.createdAt}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(t.dir, topicMetaFile), data, 0644); err != nil {
		return fmt.Errorf("write topic metadata: %w", err)
	}
	return nil
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// PartitionCount returns the immutable number of partitions.
func (t *Topic) PartitionCount() int {
	return len(t.partitions)
}

// Partition returns partition id, or an error if out of range.
func (t *Topic) Partition(id int) (*Partition, error) {
	if id < 0 || id >= len(t.partitions) {
		return nil, NewBrokerError(ErrCodePartitionNotFound,
			"topic %q has no partition %d (count %d)", t.name, id, len(t.partitions))
	}
	return t.partitions[id], nil
}

// Partitions returns all partitions in order.
func (t *Topic) Partitions() []*Partition {
	return t.partitions
}

// CreatedAt returns when the topic was created.
func (t *Topic) CreatedAt() time.Time { return t.createdAt }

// Size returns total bytes across all partitions.
func (t *Topic) Size() int64 {
	var total int64
	for _, p := range t.partitions {
		total += p.Size()
	}
	return total
}

// EnforceRetention runs retention on every partition, returning the number
// of segments deleted.
func (t *Topic) EnforceRetention(now time.Time) (int, error) {
	total := 0
	for _, p := range t.partitions {
		n, err := p.EnforceRetention(now)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close closes every partition.
func (t *Topic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var firstErr error
	for _, p := range t.partitions {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete closes the topic and removes all its data.
func (t *Topic) Delete() error {
	if err := t.Close(); err != nil {
		return err
	}
	return os.RemoveAll(t.dir)
}
