package cluster

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relaymq/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestISR(t *testing.T, cfg ISRConfig, onHW func(string, int, int64)) *ISRManager {
	t.Helper()
	// A long check interval keeps the monitor out of the way; tests drive
	// shrink directly.
	cfg.CheckInterval = time.Hour
	m := NewISRManager("node-a", cfg, onHW, nil, discardLogger())
	t.Cleanup(m.Close)
	return m
}

func TestISR_HighWatermarkIsMinOverISR(t *testing.T) {
	m := newTestISR(t, DefaultISRConfig(), nil)

	leaderLEO := int64(10)
	m.LeadPartition("orders", 0, []NodeID{"node-a", "node-b", "node-c"}, func() int64 { return leaderLEO })

	if got := m.ISRCount("orders", 0); got != 3 {
		t.Fatalf("ISRCount = %d, want 3 (optimistic full set)", got)
	}

	m.RecordFollowerFetch("orders", 0, "node-b", 10)
	hw := m.RecordFollowerFetch("orders", 0, "node-c", 4)
	if hw != 4 {
		t.Fatalf("HW = %d, want 4 (slowest in-sync replica)", hw)
	}

	// The slow replica catches up; HW follows.
	hw = m.RecordFollowerFetch("orders", 0, "node-c", 10)
	if hw != 10 {
		t.Fatalf("HW after catch-up = %d, want 10", hw)
	}
}

func TestISR_HighWatermarkNeverRegresses(t *testing.T) {
	m := newTestISR(t, DefaultISRConfig(), nil)
	m.LeadPartition("orders", 0, []NodeID{"node-a", "node-b"}, func() int64 { return 8 })

	m.RecordFollowerFetch("orders", 0, "node-b", 8)
	if hw := m.HighWatermark("orders", 0); hw != 8 {
		t.Fatalf("HW = %d, want 8", hw)
	}

	// A fetch reporting an older offset must not pull the HW back.
	hw := m.RecordFollowerFetch("orders", 0, "node-b", 3)
	if hw != 8 {
		t.Fatalf("HW after stale report = %d, want 8", hw)
	}
}

func TestISR_ShrinkDropsSilentFollowerAndAdvancesHW(t *testing.T) {
	var moved []int64
	m := newTestISR(t, DefaultISRConfig(), func(topic string, partition int, hw int64) {
		moved = append(moved, hw)
	})

	m.LeadPartition("orders", 0, []NodeID{"node-a", "node-b", "node-c"}, func() int64 { return 20 })
	m.RecordFollowerFetch("orders", 0, "node-b", 20)
	m.RecordFollowerFetch("orders", 0, "node-c", 5)

	// node-c goes silent past the lag time.
	m.shrink(time.Now().Add(DefaultISRConfig().LagTime + time.Second))

	if got := m.ISRCount("orders", 0); got != 2 {
		t.Fatalf("ISRCount after shrink = %d, want 2", got)
	}
	if hw := m.HighWatermark("orders", 0); hw != 20 {
		t.Fatalf("HW after shrink = %d, want 20 (straggler no longer holds it back)", hw)
	}
	if len(moved) == 0 || moved[len(moved)-1] != 20 {
		t.Fatalf("onHW advances = %v, want final advance to 20", moved)
	}
}

func TestISR_ShrinkDropsLaggingFollower(t *testing.T) {
	cfg := DefaultISRConfig()
	cfg.LagMaxRecords = 100
	m := newTestISR(t, cfg, nil)

	m.LeadPartition("orders", 0, []NodeID{"node-a", "node-b"}, func() int64 { return 500 })
	m.RecordFollowerFetch("orders", 0, "node-b", 10)

	// Fresh fetch, but 490 records behind: the lag criterion drops it.
	m.shrink(time.Now())

	if got := m.ISRCount("orders", 0); got != 1 {
		t.Fatalf("ISRCount = %d, want 1 (only the leader)", got)
	}
}

func TestISR_RejoinRequiresCatchUpToHW(t *testing.T) {
	m := newTestISR(t, DefaultISRConfig(), nil)

	leaderLEO := int64(30)
	m.LeadPartition("orders", 0, []NodeID{"node-a", "node-b", "node-c"}, func() int64 { return leaderLEO })
	m.RecordFollowerFetch("orders", 0, "node-b", 30)
	m.RecordFollowerFetch("orders", 0, "node-c", 30)
	if hw := m.HighWatermark("orders", 0); hw != 30 {
		t.Fatalf("HW = %d, want 30", hw)
	}

	// node-c falls silent and gets dropped.
	m.mu.Lock()
	p := m.partitions[tpKey{"orders", 0}]
	p.progress["node-c"].LastFetch = time.Now().Add(-time.Minute)
	m.mu.Unlock()
	m.shrink(time.Now())
	if got := m.ISRCount("orders", 0); got != 2 {
		t.Fatalf("ISRCount after drop = %d, want 2", got)
	}

	// Fetching below the HW is progress, not readmission.
	m.RecordFollowerFetch("orders", 0, "node-c", 20)
	if got := m.ISRCount("orders", 0); got != 2 {
		t.Fatalf("ISRCount after behind-HW fetch = %d, want 2 (not readmitted)", got)
	}

	// Caught up to the committed frontier: back in.
	m.RecordFollowerFetch("orders", 0, "node-c", 30)
	if got := m.ISRCount("orders", 0); got != 3 {
		t.Fatalf("ISRCount after catch-up = %d, want 3", got)
	}
}

func TestISR_UnknownPartitionCountsLocalReplicaOnly(t *testing.T) {
	m := newTestISR(t, DefaultISRConfig(), nil)
	if got := m.ISRCount("ghost", 0); got != 1 {
		t.Fatalf("ISRCount for unknown partition = %d, want 1", got)
	}
}

func TestISR_MetricsTrackMembershipAndLag(t *testing.T) {
	reg := metrics.New()
	cfg := DefaultISRConfig()
	cfg.CheckInterval = time.Hour
	m := NewISRManager("node-a", cfg, nil, reg, discardLogger())
	t.Cleanup(m.Close)

	m.LeadPartition("orders", 0, []NodeID{"node-a", "node-b"}, func() int64 { return 10 })
	m.RecordFollowerFetch("orders", 0, "node-b", 4)

	exposition := func() string {
		rec := httptest.NewRecorder()
		reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		return rec.Body.String()
	}

	body := exposition()
	for _, want := range []string{
		`relaymq_cluster_isr_size{partition="0",topic="orders"} 2`,
		`relaymq_cluster_follower_lag_records{partition="0",replica="node-b",topic="orders"} 6`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}

	// Losing leadership clears the partition's series instead of freezing
	// them at their last values.
	m.DropPartition("orders", 0)
	body = exposition()
	if strings.Contains(body, `relaymq_cluster_isr_size{partition="0",topic="orders"}`) {
		t.Error("isr_size series survived DropPartition")
	}
	if strings.Contains(body, `relaymq_cluster_follower_lag_records{partition="0"`) {
		t.Error("follower_lag series survived DropPartition")
	}
}

func TestISR_DropPartitionForgetsState(t *testing.T) {
	m := newTestISR(t, DefaultISRConfig(), nil)
	m.LeadPartition("orders", 0, []NodeID{"node-a", "node-b"}, func() int64 { return 5 })
	m.RecordFollowerFetch("orders", 0, "node-b", 5)

	m.DropPartition("orders", 0)

	if got := m.ISR("orders", 0); got != nil {
		t.Fatalf("ISR after drop = %v, want nil", got)
	}
	if hw := m.RecordFollowerFetch("orders", 0, "node-b", 5); hw != 0 {
		t.Fatalf("fetch against dropped partition returned HW %d, want 0", hw)
	}
}
