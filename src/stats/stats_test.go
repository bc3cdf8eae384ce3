package stats

import (
	"strings"
	"testing"
)

func TestCounterIncAndAdd(t *testing.T) {
	var c Counter_t
	c.Inc()
	c.Add(4)
	if c.Load() != 5 {
		t.Fatalf("expected 5, got %d", c.Load())
	}
}

func TestCyclesAddAccumulatesNonNegative(t *testing.T) {
	var c Cycles_t
	start := Now()
	c.Add(start)
	if c.Load() < 0 {
		t.Fatalf("expected non-negative elapsed nanoseconds, got %d", c.Load())
	}
}

type sampleStats struct {
	MallocCount Counter_t
	Busy        Cycles_t
}

func TestStats2StringIncludesFieldNames(t *testing.T) {
	var s sampleStats
	s.MallocCount.Inc()
	out := Stats2String(&s)
	if !strings.Contains(out, "MallocCount") {
		t.Fatalf("expected output to mention MallocCount, got %q", out)
	}
	if !strings.Contains(out, "Busy") {
		t.Fatalf("expected output to mention Busy, got %q", out)
	}
	if !strings.Contains(out, "1") {
		t.Fatalf("expected output to include the incremented count, got %q", out)
	}
}
