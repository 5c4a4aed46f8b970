// =============================================================================
// OFFSET MANAGER - DURABLE CONSUMER PROGRESS
// =============================================================================
//
// Committed offsets are records in an internal log ("__offsets"), not rows
// in a table: a commit appends a keyed record, and the latest record per
// (group, topic, partition) key wins. Startup replays the log front to back
// to rebuild the in-memory cache, so reads never touch disk.
//
//	key:   orders-processors/orders/2
//	value: {"offset":1500,"generation":7,"committed_at":...}
//
// COMPACTION:
// Only the latest value per key matters, so the log is periodically
// compacted: the live cache is re-appended as a snapshot batch and every
// segment wholly before the snapshot is dropped. Replay after compaction
// sees snapshot-then-tail and converges to the same cache.
//
// SEMANTICS (committed offset = next offset to read):
//   - commit(1500) means offsets 0..1499 are done
//   - commits never move backward; an equal re-commit is an idempotent no-op
//   - a fetch with no committed offset falls back to auto.offset.reset
//
// =============================================================================

package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relaymq/internal/storage"
)

// OffsetKey identifies one consumer position.
type OffsetKey struct {
	Group     string
	Topic     string
	Partition int
}

func (k OffsetKey) encode() []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", k.Group, k.Topic, k.Partition))
}

// CommittedOffset is the persisted value for an OffsetKey.
type CommittedOffset struct {
	Offset      int64     `json:"offset"`
	Generation  int64     `json:"generation"`
	CommittedAt time.Time `json:"committed_at"`
	// Deleted marks a tombstone written when a group is removed.
	Deleted bool `json:"deleted,omitempty"`
}

type offsetLogValue struct {
	Group     string `json:"group"`
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	CommittedOffset
}

// OffsetManager owns the internal offsets log and its replay cache.
type OffsetManager struct {
	log    *storage.Log
	dir    string
	logger *slog.Logger

	mu         sync.RWMutex
	cache      map[OffsetKey]CommittedOffset
	dirtySince int // commits since the last compaction
}

// offsetsCompactionThreshold triggers compaction once this many commits
// accumulate past the last snapshot.
const offsetsCompactionThreshold = 10000

// NewOffsetManager opens the offsets log under dataDir/__offsets and
// rebuilds the cache by replay.
func NewOffsetManager(dataDir string, logOpts storage.LogOptions, logger *slog.Logger) (*OffsetManager, error) {
	dir := filepath.Join(dataDir, "__offsets", "0")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create offsets directory: %w", err)
	}
	l, err := storage.NewLog(dir, logOpts)
	if err != nil {
		return nil, fmt.Errorf("open offsets log: %w", err)
	}

	om := &OffsetManager{
		log:    l,
		dir:    dir,
		logger: logger.With("component", "offset-manager"),
		cache:  make(map[OffsetKey]CommittedOffset),
	}
	if err := om.replay(); err != nil {
		l.Close()
		return nil, err
	}
	return om, nil
}

// replay scans the whole offsets log front to back; later records win.
func (om *OffsetManager) replay() error {
	from := om.log.EarliestOffset()
	for {
		recs, err := om.log.ReadFrom(from, 1<<20)
		if err != nil {
			return fmt.Errorf("replay offsets log: %w", err)
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			var v offsetLogValue
			if err := json.Unmarshal(rec.Value, &v); err != nil {
				// A corrupt entry loses one commit, not the whole log.
				om.logger.Warn("skipping unparseable offsets record", "offset", rec.Offset, "error", err)
				continue
			}
			key := OffsetKey{Group: v.Group, Topic: v.Topic, Partition: v.Partition}
			if v.Deleted {
				delete(om.cache, key)
			} else {
				om.cache[key] = v.CommittedOffset
			}
		}
		from = recs[len(recs)-1].Offset + 1
	}
	om.logger.Info("offsets log replayed", "positions", len(om.cache), "log_end", om.log.NextOffset())
	return nil
}

// Commit durably records a consumer position. Commits are monotonic: a
// smaller offset than the current one is rejected, an equal one is a no-op.
// Generation fencing happens in the coordinator before this is called.
func (om *OffsetManager) Commit(key OffsetKey, offset, generation int64) error {
	if offset < 0 {
		return NewBrokerError(ErrCodeInvalidRequest, "cannot commit negative offset %d", offset)
	}

	om.mu.Lock()
	defer om.mu.Unlock()

	if cur, ok := om.cache[key]; ok {
		if offset < cur.Offset {
			return NewBrokerError(ErrCodeInvalidRequest,
				"commit of %d would move %s/%s/%d backward from %d",
				offset, key.Group, key.Topic, key.Partition, cur.Offset)
		}
		if offset == cur.Offset {
			return nil
		}
	}

	committed := CommittedOffset{Offset: offset, Generation: generation, CommittedAt: time.Now()}
	if err := om.appendLocked(key, committed); err != nil {
		return err
	}
	om.cache[key] = committed
	om.dirtySince++

	if om.dirtySince >= offsetsCompactionThreshold {
		if err := om.compactLocked(); err != nil {
			om.logger.Warn("offsets compaction failed", "error", err)
		}
	}
	return nil
}

func (om *OffsetManager) appendLocked(key OffsetKey, committed CommittedOffset) error {
	v := offsetLogValue{
		Group:           key.Group,
		Topic:           key.Topic,
		Partition:       key.Partition,
		CommittedOffset: committed,
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode offset commit: %w", err)
	}
	rec := storage.NewRecord(key.encode(), data)
	rec.Tombstone = committed.Deleted
	if _, err := om.log.Append(rec); err != nil {
		return fmt.Errorf("append offset commit: %w", err)
	}
	return nil
}

// Advance is a forward-only commit used when the broker itself marks
// records delivered (dead-lettering): a position already at or past offset
// is a silent no-op instead of a monotonicity error, and no member
// generation applies.
func (om *OffsetManager) Advance(key OffsetKey, offset int64) error {
	if offset < 0 {
		return NewBrokerError(ErrCodeInvalidRequest, "cannot advance to negative offset %d", offset)
	}

	om.mu.Lock()
	defer om.mu.Unlock()

	cur, ok := om.cache[key]
	if ok && offset <= cur.Offset {
		return nil
	}
	committed := CommittedOffset{Offset: offset, Generation: cur.Generation, CommittedAt: time.Now()}
	if err := om.appendLocked(key, committed); err != nil {
		return err
	}
	om.cache[key] = committed
	om.dirtySince++
	return nil
}

// Fetch returns the committed position, or ok=false when the group has
// never committed for this partition.
func (om *OffsetManager) Fetch(key OffsetKey) (CommittedOffset, bool) {
	om.mu.RLock()
	defer om.mu.RUnlock()
	c, ok := om.cache[key]
	return c, ok
}

// FetchGroup returns all committed positions of one group.
func (om *OffsetManager) FetchGroup(group string) map[OffsetKey]CommittedOffset {
	om.mu.RLock()
	defer om.mu.RUnlock()

	out := make(map[OffsetKey]CommittedOffset)
	for k, v := range om.cache {
		if k.Group == group {
			out[k] = v
		}
	}
	return out
}

// DeleteGroup tombstones every position of a group.
func (om *OffsetManager) DeleteGroup(group string) error {
	om.mu.Lock()
	defer om.mu.Unlock()

	for k := range om.cache {
		if k.Group != group {
			continue
		}
		if err := om.appendLocked(k, CommittedOffset{Deleted: true, CommittedAt: time.Now()}); err != nil {
			return err
		}
		delete(om.cache, k)
	}
	return nil
}

// Compact rewrites the log down to the live cache.
func (om *OffsetManager) Compact() error {
	om.mu.Lock()
	defer om.mu.Unlock()
	return om.compactLocked()
}

// compactLocked appends a snapshot of the cache, then drops every segment
// wholly before it. Replay order still converges: old entries are replayed
// first and overwritten by the snapshot.
func (om *OffsetManager) compactLocked() error {
	snapshotBase := om.log.NextOffset()
	for k, v := range om.cache {
		if err := om.appendLocked(k, v); err != nil {
			return err
		}
	}
	if _, err := om.log.TruncateBefore(snapshotBase); err != nil {
		return err
	}
	om.dirtySince = 0
	om.logger.Info("offsets log compacted", "positions", len(om.cache), "log_end", om.log.NextOffset())
	return nil
}

// Sync flushes the offsets log.
func (om *OffsetManager) Sync() error {
	return om.log.Sync()
}

// Close closes the offsets log.
func (om *OffsetManager) Close() error {
	return om.log.Close()
}
