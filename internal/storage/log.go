// =============================================================================
// LOG - THE SEGMENTED APPEND-ONLY STORE FOR ONE PARTITION
// =============================================================================
//
// The Log manages the ordered list of segments for a single partition:
//
//	data/<topic>/<partition>/
//	  00000000000000000000.log  00000000000000000000.index
//	  00000000000000008192.log  00000000000000008192.index   <- active
//
// INVARIANT: offsets are strictly increasing and contiguous from the earliest
// retained offset. Gaps appear only at the front, via retention truncation.
//
// The Log itself is not partition-role aware; leader checks live in the
// broker layer. The Log's job is contiguous offsets, durable appends, and
// range reads.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrLogClosed means an operation was attempted on a closed log.
	ErrLogClosed = errors.New("log is closed")

	// ErrOffsetOutOfRange means the requested offset is before the earliest
	// retained offset or past the log end.
	ErrOffsetOutOfRange = errors.New("offset out of range")
)

// LogOptions tunes a Log.
type LogOptions struct {
	// MaxSegmentSize is the per-segment rollover threshold.
	MaxSegmentSize int64

	// RetentionBytes caps total log size; 0 disables size retention.
	RetentionBytes int64

	// RetentionAge caps record age; 0 disables age retention.
	RetentionAge time.Duration
}

// DefaultLogOptions returns the defaults used by user topics.
func DefaultLogOptions() LogOptions {
	return LogOptions{
		MaxSegmentSize: DefaultMaxSegmentSize,
	}
}

// Log is the append-only record store for one partition.
//
// Thread safety: a single writer (the partition's writer goroutine) calls
// Append; readers call ReadFrom concurrently. The RWMutex guards the segment
// list, not record data - segments handle their own locking.
type Log struct {
	dir      string
	opts     LogOptions
	segments []*Segment // sorted by base offset; last one is active
	closed   bool
	mu       sync.RWMutex
}

// NewLog opens the log in dir, loading any existing segments.
func NewLog(dir string, opts LogOptions) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}

	l := &Log{dir: dir, opts: opts}

	baseOffsets, err := listSegmentBaseOffsets(dir)
	if err != nil {
		return nil, err
	}

	if len(baseOffsets) == 0 {
		seg, err := NewSegment(dir, 0, opts.MaxSegmentSize)
		if err != nil {
			return nil, err
		}
		l.segments = []*Segment{seg}
		return l, nil
	}

	for _, base := range baseOffsets {
		seg, err := LoadSegment(dir, base, opts.MaxSegmentSize)
		if err != nil {
			return nil, fmt.Errorf("load segment %d: %w", base, err)
		}
		l.segments = append(l.segments, seg)
	}
	return l, nil
}

// listSegmentBaseOffsets returns sorted base offsets of .log files in dir.
func listSegmentBaseOffsets(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read log directory: %w", err)
	}

	var bases []int64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		base, err := strconv.ParseInt(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue // not a segment file
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}

// Append writes one record, returning its assigned offset. Rolls to a new
// segment when the active one fills up.
func (l *Log) Append(rec *Record) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	active := l.segments[len(l.segments)-1]
	offset, err := active.Append(rec)
	if errors.Is(err, ErrSegmentFull) || errors.Is(err, ErrSegmentSealed) {
		if err := active.Seal(); err != nil {
			return 0, fmt.Errorf("seal full segment: %w", err)
		}
		next, err := NewSegment(l.dir, active.NextOffset(), l.opts.MaxSegmentSize)
		if err != nil {
			return 0, fmt.Errorf("roll segment: %w", err)
		}
		l.segments = append(l.segments, next)
		return next.Append(rec)
	}
	return offset, err
}

// AppendBatch writes records in order, returning the offset of the first.
// All-or-nothing is not promised across a crash mid-batch; the partition
// writer relies on recovery truncating a torn tail.
func (l *Log) AppendBatch(recs []*Record) (int64, error) {
	if len(recs) == 0 {
		return l.NextOffset(), nil
	}
	base, err := l.Append(recs[0])
	if err != nil {
		return 0, err
	}
	for _, rec := range recs[1:] {
		if _, err := l.Append(rec); err != nil {
			return 0, err
		}
	}
	return base, nil
}

// ReadFrom returns records starting at fromOffset, up to maxBytes, possibly
// spanning segments. Returns ErrOffsetOutOfRange if fromOffset precedes the
// earliest retained offset or exceeds the log end + 1.
func (l *Log) ReadFrom(fromOffset int64, maxBytes int64) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLogClosed
	}

	earliest := l.segments[0].BaseOffset()
	next := l.segments[len(l.segments)-1].NextOffset()

	if fromOffset < earliest || fromOffset > next {
		return nil, fmt.Errorf("%w: offset %d, retained range [%d, %d)",
			ErrOffsetOutOfRange, fromOffset, earliest, next)
	}
	if fromOffset == next {
		return nil, nil // caught up; not an error
	}

	var (
		records []*Record
		total   int64
	)
	for _, seg := range l.segments {
		if seg.NextOffset() <= fromOffset {
			continue
		}
		start := fromOffset
		if start < seg.BaseOffset() {
			start = seg.BaseOffset()
		}
		remaining := maxBytes - total
		if maxBytes > 0 && remaining <= 0 {
			break
		}
		recs, err := seg.ReadFrom(start, remaining)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			records = append(records, rec)
			total += int64(rec.EncodedSize())
		}
		if maxBytes > 0 && total >= maxBytes {
			break
		}
	}
	return records, nil
}

// TruncateBefore deletes whole segments whose records all precede offset.
// Partial segments are kept; truncation granularity is the segment. The
// active segment is never deleted.
func (l *Log) TruncateBefore(offset int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	deleted := 0
	for len(l.segments) > 1 {
		seg := l.segments[0]
		if seg.NextOffset() > offset {
			break
		}
		if err := seg.Delete(); err != nil {
			return deleted, fmt.Errorf("delete segment %d: %w", seg.BaseOffset(), err)
		}
		l.segments = l.segments[1:]
		deleted++
	}
	return deleted, nil
}

// TruncateTail discards every record at or after offset. A replica calls
// this when it must drop records a new leader never committed. Whole
// segments past the cut are deleted; the boundary segment is truncated in
// place and becomes the active segment again.
func (l *Log) TruncateTail(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if offset >= l.segments[len(l.segments)-1].NextOffset() {
		return nil
	}
	if offset < l.segments[0].BaseOffset() {
		return fmt.Errorf("%w: truncate to %d precedes earliest offset %d",
			ErrOffsetOutOfRange, offset, l.segments[0].BaseOffset())
	}

	// Drop whole segments that start at or past the cut.
	for len(l.segments) > 1 {
		last := l.segments[len(l.segments)-1]
		if last.BaseOffset() < offset {
			break
		}
		if err := last.Delete(); err != nil {
			return fmt.Errorf("delete segment %d: %w", last.BaseOffset(), err)
		}
		l.segments = l.segments[:len(l.segments)-1]
	}

	active := l.segments[len(l.segments)-1]
	if offset > active.BaseOffset() {
		if err := active.TruncateTo(offset); err != nil {
			return err
		}
		return nil
	}

	// The cut lands exactly on the segment boundary: empty this segment by
	// replacing it with a fresh one at the same base.
	if err := active.Delete(); err != nil {
		return fmt.Errorf("delete boundary segment: %w", err)
	}
	fresh, err := NewSegment(l.dir, offset, l.opts.MaxSegmentSize)
	if err != nil {
		return fmt.Errorf("recreate segment at %d: %w", offset, err)
	}
	l.segments[len(l.segments)-1] = fresh
	return nil
}

// EnforceRetention applies the configured size and age limits, deleting old
// sealed segments. Returns the number of segments removed.
func (l *Log) EnforceRetention(now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	deleted := 0

	// Size-based: drop oldest segments until under the cap.
	if l.opts.RetentionBytes > 0 {
		for len(l.segments) > 1 && l.totalSizeLocked() > l.opts.RetentionBytes {
			if err := l.segments[0].Delete(); err != nil {
				return deleted, err
			}
			l.segments = l.segments[1:]
			deleted++
		}
	}

	// Age-based: a segment is expired if every record in it is older than
	// the cutoff. We approximate with the next segment's first record - a
	// segment is droppable once its successor has started, and its file
	// mtime predates the cutoff.
	if l.opts.RetentionAge > 0 {
		cutoff := now.Add(-l.opts.RetentionAge)
		for len(l.segments) > 1 {
			seg := l.segments[0]
			path := filepath.Join(l.dir, SegmentFileName(seg.BaseOffset()))
			stat, err := os.Stat(path)
			if err != nil || !stat.ModTime().Before(cutoff) {
				break
			}
			if err := seg.Delete(); err != nil {
				return deleted, err
			}
			l.segments = l.segments[1:]
			deleted++
		}
	}

	return deleted, nil
}

func (l *Log) totalSizeLocked() int64 {
	var total int64
	for _, seg := range l.segments {
		total += seg.Size()
	}
	return total
}

// NextOffset is the offset the next append will receive (the LEO).
func (l *Log) NextOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[len(l.segments)-1].NextOffset()
}

// EarliestOffset is the first retained offset.
func (l *Log) EarliestOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[0].BaseOffset()
}

// LatestOffset is the offset of the last appended record, or -1 if empty.
func (l *Log) LatestOffset() int64 {
	return l.NextOffset() - 1
}

// SegmentCount returns the number of live segments.
func (l *Log) SegmentCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}

// Size returns total bytes across all segments.
func (l *Log) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalSizeLocked()
}

// Sync flushes every segment to disk.
func (l *Log) Sync() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrLogClosed
	}
	for _, seg := range l.segments {
		if err := seg.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all segments.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	for _, seg := range l.segments {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete closes the log and removes its directory.
func (l *Log) Delete() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.dir)
}
