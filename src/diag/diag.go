// Package diag renders the kernel's in-memory counters as a pprof profile,
// so an operator can point the standard `pprof` tool at a TurnstoneOS heap
// or frame-allocator snapshot the same way they would a Go program's own
// memory profile. Uses github.com/google/pprof/profile as the wire-format
// encoder, giving that dependency a concrete runtime-facing home.
package diag

import (
	"io"
	"time"

	"github.com/google/pprof/profile"

	"turnstonecore/src/heap"
)

// HeapProfile builds a single-sample pprof profile summarizing h's
// counters: bytes in use, allocation count, free count, and arena count,
// each reported as its own sample type so the values can be compared
// across snapshots with the standard pprof tool.
func HeapProfile(h *heap.Heap) *profile.Profile {
	fn := &profile.Function{ID: 1, Name: "turnstonecore/heap.(*Heap)"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn, Line: 1}}}

	sampleType := func(typ, unit string) *profile.ValueType {
		return &profile.ValueType{Type: typ, Unit: unit}
	}

	p := &profile.Profile{
		Function: []*profile.Function{fn},
		Location: []*profile.Location{loc},
		SampleType: []*profile.ValueType{
			sampleType("bytes_in_use", "bytes"),
			sampleType("mallocs", "count"),
			sampleType("frees", "count"),
			sampleType("arenas", "count"),
		},
		Sample: []*profile.Sample{
			{
				Location: []*profile.Location{loc},
				Value: []int64{
					h.Stat.BytesInUse.Load(),
					h.Stat.MallocCount.Load(),
					h.Stat.FreeCount.Load(),
					h.Stat.ArenaCount.Load(),
				},
			},
		},
		TimeNanos: time.Now().UnixNano(),
	}
	return p
}

// WriteHeapProfile encodes h's profile to w in pprof's gzip wire format.
func WriteHeapProfile(w io.Writer, h *heap.Heap) error {
	return HeapProfile(h).Write(w)
}
