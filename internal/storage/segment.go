// =============================================================================
// SEGMENT FILE - A CHUNK OF THE PARTITION LOG
// =============================================================================
//
// The log is split into segment files instead of one giant file. Retention
// then becomes "delete old segment files" instead of rewriting anything, a
// corrupted file costs at most one segment, and concurrent readers can work
// on different segments.
//
// NAMING: files are named by base offset, 20-digit zero-padded so that
// lexicographic order equals numeric order:
//
//	00000000000000000000.log / 00000000000000000000.index
//	00000000000000004096.log / 00000000000000004096.index
//
// LIFECYCLE:
//
//	┌─────────────┐  size >= max   ┌─────────────┐  retention  ┌─────────────┐
//	│   ACTIVE    │ ─────────────► │   SEALED    │ ──────────► │   DELETED   │
//	│ (writable)  │                │ (read-only) │             │             │
//	└─────────────┘                └─────────────┘             └─────────────┘
//
// Only one segment per partition is active. Writes are serialized by the
// partition's single writer; reads open their own file handle so they never
// disturb the writer's position.
//
// DURABILITY: appends land in the OS buffer on every write (bufio flush) and
// are fsynced at SyncInterval, or on Sync()/Seal()/Close(). The partition
// log calls Sync before records become visible to replication, giving
// write-ahead ordering: durable locally before any follower can fetch it.
//
// =============================================================================

package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxSegmentSize is the rollover threshold (64MB).
	DefaultMaxSegmentSize = 64 * 1024 * 1024

	// DefaultSyncInterval is how often appends are fsynced.
	DefaultSyncInterval = 1000 * time.Millisecond
)

var (
	// ErrSegmentFull means the segment reached max size; roll to a new one.
	ErrSegmentFull = errors.New("segment is full")

	// ErrSegmentClosed means an operation was attempted on a closed segment.
	ErrSegmentClosed = errors.New("segment is closed")

	// ErrSegmentSealed means a write was attempted on a sealed segment.
	ErrSegmentSealed = errors.New("segment is sealed")
)

// SegmentFileName returns the log filename for a base offset.
func SegmentFileName(baseOffset int64) string {
	return fmt.Sprintf("%020d.log", baseOffset)
}

// IndexFileName returns the index filename for a base offset.
func IndexFileName(baseOffset int64) string {
	return fmt.Sprintf("%020d.index", baseOffset)
}

// Segment is one log file plus its offset index.
type Segment struct {
	// baseOffset is the first offset in this segment.
	baseOffset int64

	// nextOffset is the next offset to be assigned.
	nextOffset int64

	// position is the current byte size of the log file.
	position int64

	file   *os.File
	writer *bufio.Writer
	index  *Index

	// dir is the directory holding the segment files.
	dir string

	// maxSize is the rollover threshold.
	maxSize int64

	// lastSync / syncInterval drive periodic fsync.
	lastSync     time.Time
	syncInterval time.Duration

	closed bool
	sealed bool

	mu sync.RWMutex
}

// NewSegment creates a fresh segment starting at baseOffset.
func NewSegment(dir string, baseOffset int64, maxSize int64) (*Segment, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create segment directory: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSegmentSize
	}

	logPath := filepath.Join(dir, SegmentFileName(baseOffset))
	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}

	index, err := NewIndex(filepath.Join(dir, IndexFileName(baseOffset)), baseOffset)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &Segment{
		baseOffset:   baseOffset,
		nextOffset:   baseOffset,
		file:         file,
		writer:       bufio.NewWriter(file),
		index:        index,
		dir:          dir,
		maxSize:      maxSize,
		lastSync:     time.Now(),
		syncInterval: DefaultSyncInterval,
	}, nil
}

// LoadSegment opens an existing segment, recovering from a crash if needed.
//
// Recovery scans the log from the start, validating every header, and
// truncates anything after the last complete record (a partial tail write is
// expected after a hard kill). A missing or corrupted index is rebuilt from
// the scan.
func LoadSegment(dir string, baseOffset int64, maxSize int64) (*Segment, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSegmentSize
	}

	logPath := filepath.Join(dir, SegmentFileName(baseOffset))
	file, err := os.OpenFile(logPath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment file: %w", err)
	}

	indexPath := filepath.Join(dir, IndexFileName(baseOffset))
	index, err := LoadIndex(indexPath, baseOffset)
	if err != nil {
		// Index missing or corrupted: rebuild it from the log.
		file.Close()
		return rebuildSegment(dir, baseOffset, maxSize)
	}

	nextOffset, position, err := scanToEnd(file, baseOffset, nil)
	if err != nil {
		file.Close()
		index.Close()
		return rebuildSegment(dir, baseOffset, maxSize)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		index.Close()
		return nil, fmt.Errorf("stat segment: %w", err)
	}
	if position < stat.Size() {
		if err := file.Truncate(position); err != nil {
			file.Close()
			index.Close()
			return nil, fmt.Errorf("truncate segment tail: %w", err)
		}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		index.Close()
		return nil, fmt.Errorf("seek to end: %w", err)
	}

	return &Segment{
		baseOffset:   baseOffset,
		nextOffset:   nextOffset,
		position:     position,
		file:         file,
		writer:       bufio.NewWriter(file),
		index:        index,
		dir:          dir,
		maxSize:      maxSize,
		lastSync:     time.Now(),
		syncInterval: DefaultSyncInterval,
	}, nil
}

// scanToEnd walks the log validating record headers, returning the next
// offset and the byte position after the last complete record. The optional
// callback sees every (offset, position, totalSize) for index rebuilding.
func scanToEnd(file *os.File, baseOffset int64, visit func(offset, position, size int64)) (int64, int64, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}

	reader := bufio.NewReader(file)
	nextOffset := baseOffset
	var position int64

	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			// EOF or partial header: end of valid data.
			break
		}
		if header[0] != MagicByte1 || header[1] != MagicByte2 {
			break
		}

		offset := int64(binary.BigEndian.Uint64(header[8:16]))
		keyLen := int64(binary.BigEndian.Uint16(header[24:26]))
		valueLen := int64(binary.BigEndian.Uint32(header[26:30]))
		bodySize := keyLen + valueLen
		totalSize := int64(HeaderSize) + bodySize

		if _, err := io.CopyN(io.Discard, reader, bodySize); err != nil {
			// Partial body: stop before it.
			break
		}

		if visit != nil {
			visit(offset, position, totalSize)
		}

		position += totalSize
		nextOffset = offset + 1
	}

	return nextOffset, position, nil
}

// rebuildSegment recreates the index by scanning the log file.
func rebuildSegment(dir string, baseOffset int64, maxSize int64) (*Segment, error) {
	indexPath := filepath.Join(dir, IndexFileName(baseOffset))
	os.Remove(indexPath)

	logPath := filepath.Join(dir, SegmentFileName(baseOffset))
	file, err := os.OpenFile(logPath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment for rebuild: %w", err)
	}

	index, err := NewIndex(indexPath, baseOffset)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create index for rebuild: %w", err)
	}

	first := true
	nextOffset, position, err := scanToEnd(file, baseOffset, func(offset, pos, _ int64) {
		if first {
			index.ForceAppend(offset, pos)
			first = false
			return
		}
		index.MaybeAppend(offset, pos)
	})
	if err != nil {
		file.Close()
		index.Close()
		return nil, err
	}

	if err := file.Truncate(position); err != nil {
		file.Close()
		index.Close()
		return nil, fmt.Errorf("truncate during rebuild: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		index.Close()
		return nil, err
	}

	return &Segment{
		baseOffset:   baseOffset,
		nextOffset:   nextOffset,
		position:     position,
		file:         file,
		writer:       bufio.NewWriter(file),
		index:        index,
		dir:          dir,
		maxSize:      maxSize,
		lastSync:     time.Now(),
		syncInterval: DefaultSyncInterval,
	}, nil
}

// Append writes one record, assigning it the segment's next offset.
// Returns ErrSegmentFull when the write would exceed max size; the caller
// seals this segment and rolls a new one.
func (s *Segment) Append(rec *Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSegmentClosed
	}
	if s.sealed {
		return 0, ErrSegmentSealed
	}

	rec.Offset = s.nextOffset

	data, err := rec.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	newPosition := s.position + int64(len(data))
	if s.position > 0 && newPosition > s.maxSize {
		return 0, ErrSegmentFull
	}

	if _, err := s.writer.Write(data); err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}

	// First record of the segment is always indexed; afterwards the index
	// decides based on granularity.
	if rec.Offset == s.baseOffset {
		if err := s.index.ForceAppend(rec.Offset, s.position); err != nil {
			return 0, fmt.Errorf("index first record: %w", err)
		}
	} else if _, err := s.index.MaybeAppend(rec.Offset, s.position); err != nil {
		return 0, fmt.Errorf("update index: %w", err)
	}

	offset := s.nextOffset
	s.nextOffset++
	s.position = newPosition

	if err := s.maybeSync(); err != nil {
		return 0, fmt.Errorf("sync: %w", err)
	}

	return offset, nil
}

// maybeSync flushes the buffer and fsyncs if the sync interval elapsed.
// Must hold s.mu.
func (s *Segment) maybeSync() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if s.syncInterval == 0 || time.Since(s.lastSync) >= s.syncInterval {
		if err := s.file.Sync(); err != nil {
			return err
		}
		s.lastSync = time.Now()
	}
	return nil
}

// Sync forces all buffered data to disk.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush writer: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	if err := s.index.Sync(); err != nil {
		return fmt.Errorf("sync index: %w", err)
	}
	s.lastSync = time.Now()
	return nil
}

// ReadFrom returns records in [startOffset, nextOffset) up to maxBytes of
// decoded payload. At least one record is returned if any is available,
// even when it alone exceeds maxBytes - otherwise a large record would
// wedge its consumer forever.
func (s *Segment) ReadFrom(startOffset int64, maxBytes int64) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrSegmentClosed
	}

	if startOffset >= s.nextOffset {
		return nil, nil
	}
	if startOffset < s.baseOffset {
		startOffset = s.baseOffset
	}

	entry, err := s.index.Lookup(startOffset)
	if err != nil && !errors.Is(err, ErrOffsetNotFound) {
		return nil, fmt.Errorf("index lookup: %w", err)
	}

	// Separate handle so concurrent reads don't fight over one position.
	readFile, err := os.Open(filepath.Join(s.dir, SegmentFileName(s.baseOffset)))
	if err != nil {
		return nil, fmt.Errorf("open segment for read: %w", err)
	}
	defer readFile.Close()

	if entry.Position > 0 {
		if _, err := readFile.Seek(entry.Position, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek: %w", err)
		}
	}

	var (
		records []*Record
		total   int64
	)
	reader := bufio.NewReader(readFile)
	for {
		rec, err := readOneRecord(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		// The sparse index lands us at or before startOffset; skip the gap.
		if rec.Offset < startOffset {
			continue
		}
		if rec.Offset >= s.nextOffset {
			break
		}

		records = append(records, rec)
		total += int64(rec.EncodedSize())
		if maxBytes > 0 && total >= maxBytes {
			break
		}
	}

	return records, nil
}

// readOneRecord reads and decodes a single record from the reader.
func readOneRecord(reader *bufio.Reader) (*Record, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	if header[0] != MagicByte1 || header[1] != MagicByte2 {
		return nil, ErrInvalidMagic
	}

	keyLen := int(binary.BigEndian.Uint16(header[24:26]))
	valueLen := int(binary.BigEndian.Uint32(header[26:30]))

	full := make([]byte, HeaderSize+keyLen+valueLen)
	copy(full, header)
	if _, err := io.ReadFull(reader, full[HeaderSize:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record body: %w", err)
	}

	return Decode(full)
}

// TruncateTo discards every record at or after offset, leaving the segment
// writable at the new tail. Used by replicas that must drop uncommitted
// records when leadership changes. offset must lie inside (baseOffset,
// nextOffset]; truncating at or below the base means the whole segment goes,
// which is the log's job.
func (s *Segment) TruncateTo(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}
	if offset <= s.baseOffset {
		return fmt.Errorf("truncate to %d at or below base %d", offset, s.baseOffset)
	}
	if offset >= s.nextOffset {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush before truncate: %w", err)
	}

	cut := int64(-1)
	if _, _, err := scanToEnd(s.file, s.baseOffset, func(off, pos, _ int64) {
		if off == offset {
			cut = pos
		}
	}); err != nil {
		return fmt.Errorf("scan for truncate point: %w", err)
	}
	if cut < 0 {
		return fmt.Errorf("offset %d not found in segment %d", offset, s.baseOffset)
	}
	if err := s.file.Truncate(cut); err != nil {
		return fmt.Errorf("truncate segment: %w", err)
	}

	// The index may reference discarded records; rebuild it from the
	// surviving prefix.
	indexPath := filepath.Join(s.dir, IndexFileName(s.baseOffset))
	if err := s.index.Close(); err != nil {
		return fmt.Errorf("close index for rebuild: %w", err)
	}
	os.Remove(indexPath)
	index, err := NewIndex(indexPath, s.baseOffset)
	if err != nil {
		return fmt.Errorf("recreate index: %w", err)
	}
	first := true
	if _, _, err := scanToEnd(s.file, s.baseOffset, func(off, pos, _ int64) {
		if first {
			index.ForceAppend(off, pos)
			first = false
			return
		}
		index.MaybeAppend(off, pos)
	}); err != nil {
		index.Close()
		return fmt.Errorf("rebuild index: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		index.Close()
		return fmt.Errorf("seek to new end: %w", err)
	}

	s.index = index
	s.nextOffset = offset
	s.position = cut
	s.sealed = false
	s.writer = bufio.NewWriter(s.file)
	return s.file.Sync()
}

// Seal marks the segment read-only and syncs it.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := s.index.Sync(); err != nil {
		return fmt.Errorf("sync index: %w", err)
	}
	s.sealed = true
	return nil
}

// Close releases the segment's files.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	var errs []error
	if err := s.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close file: %w", err))
	}
	if err := s.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close index: %w", err))
	}
	s.closed = true

	if len(errs) > 0 {
		return fmt.Errorf("close segment: %v", errs)
	}
	return nil
}

// Delete removes the segment files from disk, closing first if needed.
func (s *Segment) Delete() error {
	if !s.closed {
		if err := s.Close(); err != nil {
			return err
		}
	}

	logPath := filepath.Join(s.dir, SegmentFileName(s.baseOffset))
	indexPath := filepath.Join(s.dir, IndexFileName(s.baseOffset))

	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete log file: %w", err)
	}
	if err := os.Remove(indexPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete index file: %w", err)
	}
	return nil
}

// BaseOffset returns the first offset in this segment.
func (s *Segment) BaseOffset() int64 {
	return s.baseOffset
}

// NextOffset returns the next offset that will be assigned.
func (s *Segment) NextOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOffset
}

// Size returns the segment's byte size.
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

// IsSealed reports whether the segment is read-only.
func (s *Segment) IsSealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// RecordCount returns the number of records in the segment.
func (s *Segment) RecordCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOffset - s.baseOffset
}
