// =============================================================================
// RECORD ENCODING - THE ON-DISK UNIT OF THE LOG
// =============================================================================
//
// A record is {key, value, offset, timestamp}. The key may be empty (keyless
// records are routed round-robin by the producer); the value is the payload.
// Offset is assigned by the partition leader at append time and is immutable
// afterwards, as is everything else in the record.
//
// ON-DISK FORMAT (version 1):
// ┌──────────────────────────────────────────────────────────────────────────┐
// │ HEADER (fixed 30 bytes)                                                  │
// ├──────────────────────────────────────────────────────────────────────────┤
// │ Magic (2B) │ Version (1B) │ Flags (1B) │ CRC32 (4B) │ Offset (8B)        │
// │ Timestamp (8B) │ KeyLen (2B) │ ValueLen (4B)                             │
// ├──────────────────────────────────────────────────────────────────────────┤
// │ BODY: Key (0-64KB) │ Value (0-16MB, possibly snappy-compressed)          │
// └──────────────────────────────────────────────────────────────────────────┘
//
// Magic is "RQ" (0x52 0x51) so a reader can tell a relaymq segment from any
// other file before trusting the rest of the header.
//
// CRC32 uses the Castagnoli polynomial (hardware accelerated on modern CPUs)
// and covers offset through the end of the body.
//
// ValueLen is always the on-disk length. When FlagCompressed is set the body
// holds the snappy-encoded value and Decode transparently decompresses.
//
// =============================================================================

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/golang/snappy"
)

const (
	// MagicByte1 and MagicByte2 spell "RQ" and identify a relaymq record.
	MagicByte1 = 0x52
	MagicByte2 = 0x51

	// FormatVersion is the record format version.
	FormatVersion = 1

	// HeaderSize is the fixed record header size:
	// Magic(2) + Version(1) + Flags(1) + CRC(4) + Offset(8) + Timestamp(8) +
	// KeyLen(2) + ValueLen(4) = 30.
	HeaderSize = 30

	// MaxKeySize bounds the routing key. Keys are identifiers, not payloads.
	MaxKeySize = 65535

	// MaxValueSize bounds a single record payload (16MB).
	MaxValueSize = 16 * 1024 * 1024
)

// Record flags - bit positions in the flags byte.
const (
	// FlagCompressed means the value bytes are snappy-compressed on disk.
	FlagCompressed = 1 << 0

	// FlagTombstone marks a deletion in compacted logs (the offsets log
	// uses it to drop state for deleted groups).
	FlagTombstone = 1 << 1
)

var (
	// ErrInvalidMagic means the magic bytes don't match - wrong file or corruption.
	ErrInvalidMagic = errors.New("invalid magic bytes: not a relaymq record")

	// ErrUnsupportedVersion means we can't read this format version.
	ErrUnsupportedVersion = errors.New("unsupported record format version")

	// ErrCorruptedRecord means the CRC check failed.
	ErrCorruptedRecord = errors.New("record corrupted: CRC mismatch")

	// ErrKeyTooLarge means the key exceeds MaxKeySize.
	ErrKeyTooLarge = errors.New("key exceeds maximum size")

	// ErrValueTooLarge means the payload exceeds MaxValueSize.
	ErrValueTooLarge = errors.New("value exceeds maximum size")

	// ErrInvalidRecord means the record data is malformed.
	ErrInvalidRecord = errors.New("invalid record format")
)

// castagnoli is the CRC table shared by all encode/decode calls.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is a single immutable entry in a partition log.
type Record struct {
	// Offset is the position in the partition. Assigned by the leader's
	// writer; zero until the record is appended.
	Offset int64

	// Timestamp is unix nanoseconds at append time.
	Timestamp int64

	// Key routes the record to a partition. Nil/empty means keyless.
	Key []byte

	// Value is the payload.
	Value []byte

	// Compressed requests snappy compression of the value on encode.
	Compressed bool

	// Tombstone marks a compaction delete marker.
	Tombstone bool
}

// NewRecord creates a record with the current timestamp. Offset is assigned
// later by the log.
func NewRecord(key, value []byte) *Record {
	return &Record{
		Timestamp: time.Now().UnixNano(),
		Key:       key,
		Value:     value,
	}
}

// Validate checks size limits before encoding.
func (r *Record) Validate() error {
	if len(r.Key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(r.Value) > MaxValueSize {
		return ErrValueTooLarge
	}
	return nil
}

// Encode serializes the record to its on-disk representation.
//
// Layout notes:
//   - CRC covers bytes [8:end] (offset through body), written at [4:8].
//   - When r.Compressed is set, the value is snappy-encoded first and
//     ValueLen reflects the compressed length.
func (r *Record) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	value := r.Value
	flags := byte(0)
	if r.Compressed {
		value = snappy.Encode(nil, r.Value)
		flags |= FlagCompressed
	}
	if r.Tombstone {
		flags |= FlagTombstone
	}

	total := HeaderSize + len(r.Key) + len(value)
	buf := make([]byte, total)

	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = FormatVersion
	buf[3] = flags
	// buf[4:8] CRC, filled last
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.Offset))
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.Timestamp))
	binary.BigEndian.PutUint16(buf[24:26], uint16(len(r.Key)))
	binary.BigEndian.PutUint32(buf[26:30], uint32(len(value)))

	copy(buf[HeaderSize:], r.Key)
	copy(buf[HeaderSize+len(r.Key):], value)

	crc := crc32.Checksum(buf[8:], castagnoli)
	binary.BigEndian.PutUint32(buf[4:8], crc)

	return buf, nil
}

// Decode parses a record from its on-disk representation, verifying the CRC
// and decompressing the value if needed.
func Decode(data []byte) (*Record, error) {
	if len(data) < HeaderSize {
		return nil, ErrInvalidRecord
	}
	if data[0] != MagicByte1 || data[1] != MagicByte2 {
		return nil, ErrInvalidMagic
	}
	if data[2] != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, data[2])
	}

	flags := data[3]
	storedCRC := binary.BigEndian.Uint32(data[4:8])
	offset := int64(binary.BigEndian.Uint64(data[8:16]))
	timestamp := int64(binary.BigEndian.Uint64(data[16:24]))
	keyLen := int(binary.BigEndian.Uint16(data[24:26]))
	valueLen := int(binary.BigEndian.Uint32(data[26:30]))

	if len(data) != HeaderSize+keyLen+valueLen {
		return nil, ErrInvalidRecord
	}

	if crc32.Checksum(data[8:], castagnoli) != storedCRC {
		return nil, ErrCorruptedRecord
	}

	var key []byte
	if keyLen > 0 {
		key = make([]byte, keyLen)
		copy(key, data[HeaderSize:HeaderSize+keyLen])
	}

	raw := data[HeaderSize+keyLen:]
	var value []byte
	if flags&FlagCompressed != 0 {
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		value = decoded
	} else {
		value = make([]byte, valueLen)
		copy(value, raw)
	}

	return &Record{
		Offset:     offset,
		Timestamp:  timestamp,
		Key:        key,
		Value:      value,
		Compressed: flags&FlagCompressed != 0,
		Tombstone:  flags&FlagTombstone != 0,
	}, nil
}

// EncodedSize returns the on-disk size the record will occupy, assuming no
// compression. Used by the producer for batch size accounting.
func (r *Record) EncodedSize() int {
	return HeaderSize + len(r.Key) + len(r.Value)
}
