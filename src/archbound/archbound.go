// Package archbound is the one seam reserved for real hardware
// interaction: reading the timestamp counter, flushing the TLB, loading a
// segment/task register, and similar instructions that a bare-metal port
// would implement with inline assembly the way a patched-runtime kernel
// did (Rdtsc, Cpuid, Rcr4, Pml4freeze). Every function here is a software
// stand-in so the rest of the module can name the operation it needs
// without caring whether it is hosted or bare metal; swapping in a real
// arch-specific build for this package is the only change a bare-metal
// port would require.
package archbound

import (
	"sync/atomic"
	"time"
)

// Rdtsc returns a monotonically increasing software tick standing in for
// the timestamp-counter read runtime.Rdtsc performed: nanoseconds since
// package initialization, read from the monotonic clock.
func Rdtsc() uint64 {
	return uint64(time.Since(tscEpoch))
}

var tscEpoch = time.Now()

// FlushTLBEntry models invalidating a single virtual address's TLB entry.
// It is a counter bump rather than an instruction since this rendering
// has no TLB.
var tlbFlushes uint64

func FlushTLBEntry(va uint64) {
	atomic.AddUint64(&tlbFlushes, 1)
}

// FlushTLBAll models a full TLB invalidation (e.g. on address-space
// switch).
func FlushTLBAll() {
	atomic.AddUint64(&tlbFlushes, 1)
}

// TLBFlushCount reports how many flush operations have been requested, for
// tests asserting that a mapping change requested an invalidation.
func TLBFlushCount() uint64 {
	return atomic.LoadUint64(&tlbFlushes)
}

// Halt models the HLT instruction: it parks the calling goroutine until
// woken is closed or fires, standing in for a CPU halted until the next
// interrupt.
func Halt(woken <-chan struct{}) {
	<-woken
}

// ipiCount tracks how many cross-CPU wake-ups SendIPI has issued, standing
// in for the APIC's IPI-sent counter.
var ipiCount uint64

// SendIPI models sending an inter-processor interrupt to cpu, the signal a
// waker uses to nudge a CPU that is idle or deep in a halt loop when the
// task it just woke lives on a different CPU than the caller. The call
// counts the IPI and makes a non-blocking send on woken; the send is
// dropped when nothing is ready to receive it and woken has no free
// buffer slot.
func SendIPI(cpu int, woken chan<- struct{}) {
	atomic.AddUint64(&ipiCount, 1)
	select {
	case woken <- struct{}{}:
	default:
	}
}

// IPICount reports how many SendIPI calls have been issued, for tests
// asserting that a cross-CPU wake-up actually notified its target.
func IPICount() uint64 {
	return atomic.LoadUint64(&ipiCount)
}

// NumCPU reports the number of virtual CPUs this process should model,
// standing in for the patched runtime's MAXCPUS constant sized to the
// host's actual core count instead of a fixed architectural maximum.
func NumCPU() int {
	return numCPU
}

var numCPU = 1

// SetNumCPU overrides the modeled CPU count, used by boot setup and tests.
func SetNumCPU(n int) {
	if n < 1 {
		n = 1
	}
	numCPU = n
}
