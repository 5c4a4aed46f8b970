// =============================================================================
// SEGMENT TESTS
// =============================================================================
//
// Key behaviors:
//   - Appends assign contiguous offsets
//   - Reads return what was written, bounded by maxBytes
//   - Crash recovery truncates a torn tail
//   - Sealed segments refuse writes
//
// =============================================================================

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestSegment_AppendAssignsContiguousOffsets(t *testing.T) {
	dir := t.TempDir()

	seg, err := NewSegment(dir, 0, 0)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	for i := 0; i < 20; i++ {
		offset, err := seg.Append(NewRecord(nil, []byte(fmt.Sprintf("v%d", i))))
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		if offset != int64(i) {
			t.Errorf("Append %d assigned offset %d", i, offset)
		}
	}
	if seg.NextOffset() != 20 {
		t.Errorf("NextOffset = %d, want 20", seg.NextOffset())
	}
	if seg.RecordCount() != 20 {
		t.Errorf("RecordCount = %d, want 20", seg.RecordCount())
	}
}

func TestSegment_ReadFrom(t *testing.T) {
	dir := t.TempDir()

	seg, err := NewSegment(dir, 100, 0)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		value := []byte(fmt.Sprintf("value-%d", i))
		if _, err := seg.Append(NewRecord(key, value)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	recs, err := seg.ReadFrom(103, 0)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(recs) != 7 {
		t.Fatalf("got %d records, want 7", len(recs))
	}
	if recs[0].Offset != 103 {
		t.Errorf("first offset = %d, want 103", recs[0].Offset)
	}
	if !bytes.Equal(recs[0].Value, []byte("value-3")) {
		t.Errorf("first value = %q, want value-3", recs[0].Value)
	}

	// Past the end: empty, not an error.
	recs, err = seg.ReadFrom(110, 0)
	if err != nil {
		t.Fatalf("ReadFrom past end failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("read past end returned %d records", len(recs))
	}
}

func TestSegment_ReadFromRespectsMaxBytes(t *testing.T) {
	dir := t.TempDir()

	seg, err := NewSegment(dir, 0, 0)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	recSize := 0
	for i := 0; i < 10; i++ {
		rec := NewRecord(nil, bytes.Repeat([]byte("x"), 100))
		recSize = rec.EncodedSize()
		if _, err := seg.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// Budget for exactly three records.
	recs, err := seg.ReadFrom(0, int64(3*recSize))
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("got %d records, want 3", len(recs))
	}

	// A tiny budget still yields one record.
	recs, err = seg.ReadFrom(0, 1)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d records with 1-byte budget, want 1", len(recs))
	}
}

func TestSegment_RollsWhenFull(t *testing.T) {
	dir := t.TempDir()

	// Tiny max size forces ErrSegmentFull quickly.
	seg, err := NewSegment(dir, 0, 256)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	var full bool
	for i := 0; i < 100; i++ {
		_, err := seg.Append(NewRecord(nil, bytes.Repeat([]byte("y"), 64)))
		if errors.Is(err, ErrSegmentFull) {
			full = true
			break
		}
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if !full {
		t.Fatal("segment never reported full")
	}
}

func TestSegment_SealRefusesWrites(t *testing.T) {
	dir := t.TempDir()

	seg, err := NewSegment(dir, 0, 0)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	seg.Append(NewRecord(nil, []byte("a")))
	if err := seg.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := seg.Append(NewRecord(nil, []byte("b"))); !errors.Is(err, ErrSegmentSealed) {
		t.Errorf("Append after seal = %v, want ErrSegmentSealed", err)
	}
	// Reads still work.
	recs, err := seg.ReadFrom(0, 0)
	if err != nil || len(recs) != 1 {
		t.Errorf("read after seal: recs=%d err=%v", len(recs), err)
	}
}

func TestSegment_TruncateTo(t *testing.T) {
	dir := t.TempDir()

	seg, err := NewSegment(dir, 0, 0)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	for i := 0; i < 10; i++ {
		seg.Append(NewRecord(nil, []byte(fmt.Sprintf("rec-%d", i))))
	}

	if err := seg.TruncateTo(6); err != nil {
		t.Fatalf("TruncateTo failed: %v", err)
	}
	if seg.NextOffset() != 6 {
		t.Errorf("NextOffset = %d, want 6", seg.NextOffset())
	}

	recs, err := seg.ReadFrom(0, 0)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(recs) != 6 {
		t.Fatalf("got %d records, want 6", len(recs))
	}

	// Appends resume at the cut.
	offset, err := seg.Append(NewRecord(nil, []byte("replacement")))
	if err != nil {
		t.Fatalf("Append after truncate failed: %v", err)
	}
	if offset != 6 {
		t.Errorf("post-truncate offset = %d, want 6", offset)
	}

	// At or below base is the log's job, not the segment's.
	if err := seg.TruncateTo(0); err == nil {
		t.Error("TruncateTo(base) succeeded, want error")
	}
}

func TestSegment_RecoveryTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()

	seg, err := NewSegment(dir, 0, 0)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		seg.Append(NewRecord(nil, []byte(fmt.Sprintf("rec-%d", i))))
	}
	seg.Sync()
	seg.Close()

	// Simulate a torn write: append garbage that looks like a partial record.
	logPath := filepath.Join(dir, SegmentFileName(0))
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{MagicByte1, MagicByte2, FormatVersion, 0, 1, 2, 3})
	f.Close()

	loaded, err := LoadSegment(dir, 0, 0)
	if err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	defer loaded.Close()

	if loaded.NextOffset() != 5 {
		t.Errorf("NextOffset after recovery = %d, want 5", loaded.NextOffset())
	}

	// The segment must be appendable again at the right offset.
	offset, err := loaded.Append(NewRecord(nil, []byte("after-recovery")))
	if err != nil {
		t.Fatalf("Append after recovery failed: %v", err)
	}
	if offset != 5 {
		t.Errorf("post-recovery offset = %d, want 5", offset)
	}
}

func TestSegment_RecoveryRebuildsMissingIndex(t *testing.T) {
	dir := t.TempDir()

	seg, err := NewSegment(dir, 0, 0)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	for i := 0; i < 50; i++ {
		seg.Append(NewRecord(nil, bytes.Repeat([]byte("z"), 200)))
	}
	seg.Sync()
	seg.Close()

	os.Remove(filepath.Join(dir, IndexFileName(0)))

	loaded, err := LoadSegment(dir, 0, 0)
	if err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	defer loaded.Close()

	recs, err := loaded.ReadFrom(30, 0)
	if err != nil {
		t.Fatalf("ReadFrom after rebuild failed: %v", err)
	}
	if len(recs) != 20 {
		t.Errorf("got %d records, want 20", len(recs))
	}
	if recs[0].Offset != 30 {
		t.Errorf("first offset = %d, want 30", recs[0].Offset)
	}
}
