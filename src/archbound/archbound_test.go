package archbound

import "testing"

func TestRdtscIsMonotonicish(t *testing.T) {
	a := Rdtsc()
	b := Rdtsc()
	if b < a {
		t.Fatalf("expected Rdtsc to be non-decreasing, got %d then %d", a, b)
	}
}

func TestFlushCountersIncrement(t *testing.T) {
	before := TLBFlushCount()
	FlushTLBEntry(0x1000)
	FlushTLBAll()
	if TLBFlushCount() != before+2 {
		t.Fatalf("expected flush count to increase by 2, got %d", TLBFlushCount()-before)
	}
}

func TestHaltReturnsWhenWoken(t *testing.T) {
	woken := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Halt(woken)
		close(done)
	}()
	close(woken)
	<-done
}

func TestSetNumCPUClampsToOne(t *testing.T) {
	defer SetNumCPU(1)
	SetNumCPU(0)
	if NumCPU() != 1 {
		t.Fatalf("expected NumCPU to clamp to 1, got %d", NumCPU())
	}
	SetNumCPU(4)
	if NumCPU() != 4 {
		t.Fatalf("expected NumCPU to report 4, got %d", NumCPU())
	}
}
