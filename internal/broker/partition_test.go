// =============================================================================
// PARTITION TESTS
// =============================================================================

package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"relaymq/internal/storage"
)

func newTestPartition(t *testing.T, solo bool) *Partition {
	t.Helper()
	p, err := NewPartition(t.TempDir(), "orders", 0, PartitionOptions{SoloHW: solo})
	if err != nil {
		t.Fatalf("NewPartition failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func rec(value string) *storage.Record {
	return storage.NewRecord(nil, []byte(value))
}

func TestPartition_AppendAndRead(t *testing.T) {
	p := newTestPartition(t, true)
	ctx := context.Background()

	base, err := p.Append(ctx, []*storage.Record{rec("a"), rec("b"), rec("c")})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if base != 0 {
		t.Errorf("base offset = %d, want 0", base)
	}
	if p.HighWatermark() != 3 {
		t.Errorf("HighWatermark = %d, want 3", p.HighWatermark())
	}

	recs, err := p.ReadCommitted(0, 0)
	if err != nil {
		t.Fatalf("ReadCommitted failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if !bytes.Equal(recs[1].Value, []byte("b")) {
		t.Errorf("record 1 = %q, want b", recs[1].Value)
	}
}

func TestPartition_ConcurrentAppendsAssignUniqueOffsets(t *testing.T) {
	p := newTestPartition(t, true)
	ctx := context.Background()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	offsets := make(chan int64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				base, err := p.Append(ctx, []*storage.Record{rec(fmt.Sprintf("w%d-%d", w, i))})
				if err != nil {
					t.Errorf("Append failed: %v", err)
					return
				}
				offsets <- base
			}
		}(w)
	}
	wg.Wait()
	close(offsets)

	seen := make(map[int64]bool)
	for off := range offsets {
		if seen[off] {
			t.Fatalf("offset %d assigned twice", off)
		}
		seen[off] = true
	}
	if len(seen) != writers*perWriter {
		t.Errorf("assigned %d offsets, want %d", len(seen), writers*perWriter)
	}
	if p.LogEndOffset() != writers*perWriter {
		t.Errorf("LogEndOffset = %d, want %d", p.LogEndOffset(), writers*perWriter)
	}
}

func TestPartition_ReadsBoundedByHighWatermark(t *testing.T) {
	// Replicated partition: HW does not advance on append.
	p := newTestPartition(t, false)
	ctx := context.Background()

	if _, err := p.Append(ctx, []*storage.Record{rec("a"), rec("b"), rec("c")}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Nothing committed: a consumer at 0 sees nothing, with no error.
	recs, err := p.ReadCommitted(0, 0)
	if err != nil {
		t.Fatalf("ReadCommitted failed: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("read %d uncommitted records", len(recs))
	}

	p.AdvanceHW(2)
	recs, err = p.ReadCommitted(0, 0)
	if err != nil {
		t.Fatalf("ReadCommitted failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d records below HW=2, want 2", len(recs))
	}
}

func TestPartition_FollowerRejectsAppends(t *testing.T) {
	p := newTestPartition(t, false)

	if err := p.BecomeFollower(1); err != nil {
		t.Fatalf("BecomeFollower failed: %v", err)
	}
	_, err := p.Append(context.Background(), []*storage.Record{rec("x")})
	if !errors.Is(err, ErrNotLeader) {
		t.Errorf("Append on follower = %v, want NOT_LEADER", err)
	}
}

func TestPartition_FollowerAppendEpochFencing(t *testing.T) {
	p := newTestPartition(t, false)
	if err := p.BecomeFollower(5); err != nil {
		t.Fatalf("BecomeFollower failed: %v", err)
	}

	// Stale epoch: a deposed leader must be fenced.
	err := p.AppendAsFollower([]*storage.Record{rec("x")}, 0, 4)
	if !errors.Is(err, ErrFencedEpoch) {
		t.Fatalf("stale-epoch append = %v, want FENCED_EPOCH", err)
	}

	// Current epoch at the right offset: applied.
	if err := p.AppendAsFollower([]*storage.Record{rec("x")}, 0, 5); err != nil {
		t.Fatalf("AppendAsFollower failed: %v", err)
	}

	// Wrong expected offset: follower log has diverged.
	err = p.AppendAsFollower([]*storage.Record{rec("y")}, 5, 5)
	if !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("gap append = %v, want OFFSET_OUT_OF_RANGE", err)
	}
}

func TestPartition_StaleEpochLeadershipRejected(t *testing.T) {
	p := newTestPartition(t, false)
	if err := p.BecomeLeader(3); err != nil {
		t.Fatalf("BecomeLeader failed: %v", err)
	}
	if err := p.BecomeLeader(2); !errors.Is(err, ErrFencedEpoch) {
		t.Errorf("stale BecomeLeader = %v, want FENCED_EPOCH", err)
	}
	if err := p.BecomeFollower(2); !errors.Is(err, ErrFencedEpoch) {
		t.Errorf("stale BecomeFollower = %v, want FENCED_EPOCH", err)
	}
}

func TestPartition_WaitForHW(t *testing.T) {
	p := newTestPartition(t, false)
	ctx := context.Background()

	if _, err := p.Append(ctx, []*storage.Record{rec("a")}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		done <- p.WaitForHW(waitCtx, 1)
	}()

	time.Sleep(20 * time.Millisecond)
	p.AdvanceHW(1)

	if err := <-done; err != nil {
		t.Errorf("WaitForHW = %v, want nil after advance", err)
	}

	// A wait that cannot be satisfied times out.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := p.WaitForHW(waitCtx, 100); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForHW = %v, want deadline exceeded", err)
	}
}

func TestPartition_ReopenPreservesOffsets(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPartition(dir, "orders", 0, PartitionOptions{SoloHW: true})
	if err != nil {
		t.Fatalf("NewPartition failed: %v", err)
	}
	if _, err := p.Append(context.Background(), []*storage.Record{rec("a"), rec("b")}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	p.Close()

	reopened, err := NewPartition(dir, "orders", 0, PartitionOptions{SoloHW: true})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.LogEndOffset() != 2 {
		t.Errorf("LogEndOffset = %d, want 2", reopened.LogEndOffset())
	}
	if reopened.HighWatermark() != 2 {
		t.Errorf("HighWatermark = %d, want 2 (solo mode commits the whole log)", reopened.HighWatermark())
	}
}
