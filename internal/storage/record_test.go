// =============================================================================
// RECORD CODEC TESTS
// =============================================================================

package storage

import (
	"bytes"
	"errors"
	"testing"
)

func TestRecord_EncodeDecode(t *testing.T) {
	rec := NewRecord([]byte("order-42"), []byte(`{"amount":100}`))
	rec.Offset = 1234

	data, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(data) != HeaderSize+len(rec.Key)+len(rec.Value) {
		t.Errorf("encoded size = %d, want %d", len(data), HeaderSize+len(rec.Key)+len(rec.Value))
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Offset != 1234 {
		t.Errorf("Offset = %d, want 1234", got.Offset)
	}
	if !bytes.Equal(got.Key, rec.Key) {
		t.Errorf("Key = %q, want %q", got.Key, rec.Key)
	}
	if !bytes.Equal(got.Value, rec.Value) {
		t.Errorf("Value = %q, want %q", got.Value, rec.Value)
	}
	if got.Timestamp != rec.Timestamp {
		t.Errorf("Timestamp = %d, want %d", got.Timestamp, rec.Timestamp)
	}
}

func TestRecord_NilKey(t *testing.T) {
	rec := NewRecord(nil, []byte("keyless"))

	data, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Key != nil {
		t.Errorf("Key = %q, want nil", got.Key)
	}
	if string(got.Value) != "keyless" {
		t.Errorf("Value = %q, want keyless", got.Value)
	}
}

func TestRecord_Compressed(t *testing.T) {
	// Highly repetitive payload so snappy actually shrinks it.
	value := bytes.Repeat([]byte("abcdefgh"), 1024)
	rec := NewRecord([]byte("k"), value)
	rec.Compressed = true

	data, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(data) >= HeaderSize+1+len(value) {
		t.Errorf("compressed encoding not smaller: %d bytes", len(data))
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(got.Value, value) {
		t.Error("decompressed value does not match original")
	}
	if !got.Compressed {
		t.Error("Compressed flag lost in round trip")
	}
}

func TestRecord_CorruptionDetected(t *testing.T) {
	rec := NewRecord([]byte("key"), []byte("value"))
	data, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Flip a bit in the body.
	data[len(data)-1] ^= 0xFF

	if _, err := Decode(data); !errors.Is(err, ErrCorruptedRecord) {
		t.Errorf("Decode = %v, want ErrCorruptedRecord", err)
	}
}

func TestRecord_BadMagic(t *testing.T) {
	rec := NewRecord(nil, []byte("x"))
	data, _ := rec.Encode()
	data[0] = 0x00

	if _, err := Decode(data); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("Decode = %v, want ErrInvalidMagic", err)
	}
}

func TestRecord_TruncatedData(t *testing.T) {
	rec := NewRecord([]byte("key"), []byte("a longer value"))
	data, _ := rec.Encode()

	if _, err := Decode(data[:len(data)-3]); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Decode = %v, want ErrInvalidRecord", err)
	}
	if _, err := Decode(data[:HeaderSize-1]); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Decode short header = %v, want ErrInvalidRecord", err)
	}
}

func TestRecord_SizeLimits(t *testing.T) {
	rec := NewRecord(make([]byte, MaxKeySize+1), []byte("v"))
	if _, err := rec.Encode(); !errors.Is(err, ErrKeyTooLarge) {
		t.Errorf("Encode = %v, want ErrKeyTooLarge", err)
	}
}

func TestRecord_Tombstone(t *testing.T) {
	rec := NewRecord([]byte("k"), nil)
	rec.Tombstone = true

	data, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !got.Tombstone {
		t.Error("Tombstone flag lost in round trip")
	}
}
