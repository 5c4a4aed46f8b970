// =============================================================================
// PARTITIONER TESTS
// =============================================================================

package broker

import (
	"fmt"
	"testing"
)

func TestHashPartitioner_Deterministic(t *testing.T) {
	p := NewHashPartitioner()

	keys := [][]byte{
		[]byte("alice"), []byte("bob"), []byte("user-12345"), []byte("x"),
	}
	for _, key := range keys {
		first := p.Partition(key, 16)
		for i := 0; i < 10; i++ {
			if got := p.Partition(key, 16); got != first {
				t.Fatalf("key %q routed to %d then %d", key, first, got)
			}
		}
		if first < 0 || first >= 16 {
			t.Fatalf("key %q routed out of range: %d", key, first)
		}
	}
}

func TestHashPartitioner_Distribution(t *testing.T) {
	p := NewHashPartitioner()
	const numPartitions = 8
	const numKeys = 8000

	counts := make([]int, numPartitions)
	for i := 0; i < numKeys; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		counts[p.Partition(key, numPartitions)]++
	}

	// Each partition should get roughly numKeys/numPartitions; allow 30%.
	expected := numKeys / numPartitions
	for i, c := range counts {
		if c < expected*7/10 || c > expected*13/10 {
			t.Errorf("partition %d got %d keys, expected around %d", i, c, expected)
		}
	}
}

func TestHashPartitioner_EmptyKeyFallsBackToRoundRobin(t *testing.T) {
	p := NewHashPartitioner()

	seen := make(map[int]bool)
	for i := 0; i < 12; i++ {
		seen[p.Partition(nil, 4)] = true
	}
	if len(seen) != 4 {
		t.Errorf("keyless records hit %d of 4 partitions", len(seen))
	}
}

func TestRoundRobinPartitioner_Cycles(t *testing.T) {
	p := NewRoundRobinPartitioner()

	counts := make([]int, 3)
	for i := 0; i < 30; i++ {
		counts[p.Partition(nil, 3)]++
	}
	for i, c := range counts {
		if c != 10 {
			t.Errorf("partition %d got %d of 30, want 10", i, c)
		}
	}
}

func TestManualPartitioner(t *testing.T) {
	p := NewManualPartitioner(2)
	if got := p.Partition([]byte("ignored"), 5); got != 2 {
		t.Errorf("Partition = %d, want 2", got)
	}
	// Out-of-range pin wraps instead of panicking.
	if got := p.Partition(nil, 2); got != 0 {
		t.Errorf("wrapped Partition = %d, want 0", got)
	}
}

func TestMurmur3_KnownValues(t *testing.T) {
	// Reference vectors for 32-bit murmur3 with seed 0.
	tests := []struct {
		in   string
		want uint32
	}{
		{"", 0},
		{"hello", 0x248bfa47},
		{"hello, world", 0x149bbb7f},
		{"The quick brown fox jumps over the lazy dog", 0x2e4ff723},
	}
	for _, tt := range tests {
		if got := murmur3Hash([]byte(tt.in)); got != tt.want {
			t.Errorf("murmur3Hash(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}
