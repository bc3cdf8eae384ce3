package glue

import (
	"strings"
	"testing"
)

func TestEncodeDecodeBase64RoundTrip(t *testing.T) {
	in := []byte("the quick brown fox jumps over the lazy dog, 0123456789")
	enc := EncodeBase64(in, false)
	out, err := DecodeBase64(enc)
	if err != nil {
		t.Fatalf("DecodeBase64 failed: %v", err)
	}
	if string(out) != string(in) {
		t.Fatalf("round trip mismatch: got %q want %q", out, in)
	}
}

func TestEncodeBase64WrapsAt76Characters(t *testing.T) {
	in := make([]byte, 200)
	for i := range in {
		in[i] = byte(i)
	}
	enc := EncodeBase64(in, true)
	for _, line := range strings.Split(enc, "\n") {
		if len(line) > base64LineWidth {
			t.Fatalf("line exceeds %d characters: %q", base64LineWidth, line)
		}
	}
	out, err := DecodeBase64(enc)
	if err != nil {
		t.Fatalf("DecodeBase64 of wrapped output failed: %v", err)
	}
	if string(out) != string(in) {
		t.Fatalf("wrapped round trip mismatch")
	}
}

func TestDecodeBase64RejectsGarbage(t *testing.T) {
	if _, err := DecodeBase64("not valid base64!!!"); err == nil {
		t.Fatalf("expected an error decoding invalid base64")
	}
}
