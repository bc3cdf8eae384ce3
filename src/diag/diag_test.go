package diag

import (
	"bytes"
	"testing"

	"turnstonecore/src/frame"
	"turnstonecore/src/heap"
)

func TestHeapProfileReflectsCounters(t *testing.T) {
	h := heap.New(frame.New(16))
	buf, _ := h.Malloc(32)
	h.Free(buf)

	p := HeapProfile(h)
	if len(p.Sample) != 1 {
		t.Fatalf("expected one sample, got %d", len(p.Sample))
	}
	vals := p.Sample[0].Value
	if len(vals) != 4 {
		t.Fatalf("expected 4 sample values, got %d", len(vals))
	}
	if vals[1] != h.Stat.MallocCount.Load() {
		t.Fatalf("expected mallocs sample to match the counter, got %d want %d", vals[1], h.Stat.MallocCount.Load())
	}
}

func TestWriteHeapProfileProducesNonEmptyOutput(t *testing.T) {
	h := heap.New(frame.New(16))
	var buf bytes.Buffer
	if err := WriteHeapProfile(&buf, h); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected non-empty profile output")
	}
}
