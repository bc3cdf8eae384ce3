package glue

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestPackUnpackRoundTripRepetitive(t *testing.T) {
	in := bytes.Repeat([]byte("abcdabcdabcdabcdefgh"), 50)
	packed := Pack(in)
	if len(packed) >= len(in) {
		t.Fatalf("expected repetitive input to compress: packed=%d in=%d", len(packed), len(in))
	}
	out, err := Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("round trip mismatch")
	}
}

func TestPackUnpackRoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	in := make([]byte, 4096)
	r.Read(in)
	out, err := Unpack(Pack(in))
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("round trip mismatch on random input")
	}
}

func TestPackUnpackEmpty(t *testing.T) {
	out, err := Unpack(Pack(nil))
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty round trip, got %d bytes", len(out))
	}
}

func TestUnpackRejectsTruncatedStream(t *testing.T) {
	if _, err := Unpack([]byte{1, 0xff}); err == nil {
		t.Fatalf("expected an error unpacking a truncated back-reference")
	}
}
