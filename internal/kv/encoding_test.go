package kv

import (
	"bytes"
	"testing"
)

func TestPutGetUint32BE(t *testing.T) {
	tests := []uint32{0, 1, 255, 256, 65535, 1<<32 - 1}
	for _, v := range tests {
		b := PutUint32BE(nil, v)
		if len(b) != 4 {
			t.Fatalf("PutUint32BE: expected 4 bytes, got %d", len(b))
		}
		if got := GetUint32BE(b); got != v {
			t.Errorf("round-trip %d: got %d", v, got)
		}
	}
}

func TestGetUint64BEShortInput(t *testing.T) {
	if got := GetUint64BE([]byte{1, 2}); got != 0 {
		t.Errorf("short input: got %d, want 0", got)
	}
	if got := GetUint64BE(PutUint64BE(nil, 42)); got != 42 {
		t.Errorf("round-trip: got %d, want 42", got)
	}
}

func TestUint64BESortOrder(t *testing.T) {
	vals := []uint64{0, 1, 100, 1000, 1<<32 - 1, 1 << 32, 1<<64 - 1}
	for i := 1; i < len(vals); i++ {
		a := PutUint64BE(nil, vals[i-1])
		b := PutUint64BE(nil, vals[i])
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("sort order violated: %d >= %d in bytes", vals[i-1], vals[i])
		}
	}
}

func TestPrefixUpperBound(t *testing.T) {
	prefix := []byte("w|emails\x00")
	upper := PrefixUpperBound(prefix)
	key := WaitingKey("emails", 1<<64-1)
	if bytes.Compare(key, upper) >= 0 {
		t.Errorf("key %x should sort below upper bound %x", key, upper)
	}
	if bytes.Compare(prefix, upper) >= 0 {
		t.Error("prefix should sort below its upper bound")
	}
	if got := PrefixUpperBound([]byte{0xff, 0xff}); got != nil {
		t.Errorf("all-0xff prefix: got %x, want nil", got)
	}
}
