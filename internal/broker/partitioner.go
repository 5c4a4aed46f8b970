// =============================================================================
// PARTITIONER - ROUTING RECORDS TO PARTITIONS
// =============================================================================
//
// The partitioner decides which partition a record lands in, and with it the
// record's ordering domain:
//
//	hash("alice") % 3 = 1   ← every "alice" record rides partition 1, in order
//	hash("bob")   % 3 = 0
//
// Keyed records use a murmur3 hash so the same key always maps to the same
// partition (for a fixed partition count - counts are immutable for exactly
// this reason). Keyless records round-robin for even spread; they have no
// ordering domain to preserve.
//
// =============================================================================

package broker

import (
	"sync/atomic"
)

// Partitioner selects a partition index in [0, numPartitions) for a record.
// Implementations must be safe for concurrent producers, and deterministic
// for a non-empty key.
type Partitioner interface {
	Partition(key []byte, numPartitions int) int
}

// =============================================================================
// HASH PARTITIONER
// =============================================================================

// HashPartitioner routes by murmur3 hash of the key, falling back to
// round-robin when the key is empty.
type HashPartitioner struct {
	fallback *RoundRobinPartitioner
}

// NewHashPartitioner returns the default keyed partitioner.
func NewHashPartitioner() *HashPartitioner {
	return &HashPartitioner{fallback: NewRoundRobinPartitioner()}
}

func (p *HashPartitioner) Partition(key []byte, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	if len(key) == 0 {
		return p.fallback.Partition(key, numPartitions)
	}
	return int(murmur3Hash(key) % uint32(numPartitions))
}

// murmur3 mixing constants.
const (
	murmurC1 uint32 = 0xcc9e2d51
	murmurC2 uint32 = 0x1b873593
)

// murmur3Hash is 32-bit murmur3 with seed 0, processing 4-byte little-endian
// blocks then the 1-3 byte tail. Fast, good avalanche, and the standard
// choice for hash-based partition routing.
func murmur3Hash(data []byte) uint32 {
	length := len(data)
	if length == 0 {
		return 0
	}

	var h1 uint32
	nblocks := length / 4

	for i := 0; i < nblocks; i++ {
		k1 := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24

		k1 *= murmurC1
		k1 = rotl32(k1, 15)
		k1 *= murmurC2

		h1 ^= k1
		h1 = rotl32(h1, 13)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= murmurC1
		k1 = rotl32(k1, 15)
		k1 *= murmurC2
		h1 ^= k1
	}

	h1 ^= uint32(length)
	return fmix32(h1)
}

func rotl32(x uint32, r int) uint32 {
	return (x << r) | (x >> (32 - r))
}

// fmix32 is the murmur3 finalizer; it makes the last input bytes influence
// every output bit.
func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

// =============================================================================
// ROUND ROBIN PARTITIONER
// =============================================================================

// RoundRobinPartitioner cycles through partitions, ignoring the key.
// Lock-free via an atomic counter.
type RoundRobinPartitioner struct {
	counter atomic.Uint64
}

// NewRoundRobinPartitioner returns a keyless spread partitioner.
func NewRoundRobinPartitioner() *RoundRobinPartitioner {
	return &RoundRobinPartitioner{}
}

func (p *RoundRobinPartitioner) Partition(key []byte, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	return int(p.counter.Add(1) % uint64(numPartitions))
}

// =============================================================================
// MANUAL PARTITIONER
// =============================================================================

// ManualPartitioner always returns a fixed partition. Used when the client
// names an explicit partition on produce.
type ManualPartitioner struct {
	partition int
}

// NewManualPartitioner pins routing to one partition.
func NewManualPartitioner(partition int) *ManualPartitioner {
	return &ManualPartitioner{partition: partition}
}

func (p *ManualPartitioner) Partition(key []byte, numPartitions int) int {
	if numPartitions <= 0 || p.partition < 0 {
		return 0
	}
	return p.partition % numPartitions
}

var (
	_ Partitioner = (*HashPartitioner)(nil)
	_ Partitioner = (*RoundRobinPartitioner)(nil)
	_ Partitioner = (*ManualPartitioner)(nil)
)
