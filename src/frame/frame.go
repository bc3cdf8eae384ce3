// Package frame implements the physical frame allocator: it owns the
// physical memory map and hands out contiguous or gathered frame ranges,
// tracking the Free/Used/Reserved/AcpiReclaim/AcpiCode/AcpiData type
// lattice.
//
// Grounded on mem.Physmem_t/Physpg_t's array-of-pages design
// (biscuit/src/mem/mem.go), generalized from a single refcount per page to
// the richer type lattice and a two-ordered-interval-set algorithm. The
// per-CPU free lists biscuit keyed by its patched runtime's
// CPUHint/MAXCPUS are dropped since this module must compile against the
// stock Go runtime (see DESIGN.md).
package frame

import (
	"sort"
	"sync"

	"turnstonecore/src/defs"
	"turnstonecore/src/stats"
)

// PageShift and PageSize describe the fixed 4 KiB frame granularity.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// FrameType enumerates the kinds of physical memory a frame can describe.
type FrameType int

const (
	Free FrameType = iota
	Used
	Reserved
	OldReserved
	AcpiReclaim
	AcpiCode
	AcpiData
)

// Attr is a bitset of additional frame attributes.
type Attr uint32

const (
	// PageMapped marks that a Reserved frame additionally has a virtual
	// alias mapped somewhere.
	PageMapped Attr = 1 << iota
)

// AllocFlags select the allocation strategy and resulting frame type.
type AllocFlags int

const (
	// Block requires one physically contiguous run of frames.
	Block AllocFlags = iota
	// Relax allows the allocator to gather frames from multiple holes.
	Relax
)

// UsageClass selects the resulting type of a successful allocation.
type UsageClass int

const (
	AsUsed UsageClass = iota
	AsReserved
	AsOldReserved
)

// Frame describes one contiguous run of physical frames.
type Frame struct {
	StartPA  uint64
	Count    uint64
	Type     FrameType
	Attrs    Attr
}

// End returns the exclusive end address of the frame's range.
func (f Frame) End() uint64 {
	return f.StartPA + f.Count*PageSize
}

func (uc UsageClass) frameType() FrameType {
	switch uc {
	case AsReserved:
		return Reserved
	case AsOldReserved:
		return OldReserved
	default:
		return Used
	}
}

// Allocator owns the physical memory map as two ordered interval sets keyed
// by start address: free and nonFree. Both are kept sorted and
// non-overlapping; Free intervals are coalesced eagerly on release.
type Allocator struct {
	mu      sync.Mutex
	free    []Frame
	nonFree []Frame

	// OOM is signaled (non-blocking) before an allocation fails with
	// EOutOfMemory, grounded on biscuit's oommsg package, so a reclaim
	// task gets a chance to run. Boot-time allocation failures remain
	// fatal regardless; OOM is advisory only.
	OOM chan struct{}

	AllocCount   stats.Counter_t
	ReleaseCount stats.Counter_t
}

// New builds an allocator whose entire range [0, totalFrames*PageSize) is
// initially Free, grounded on Physmem_t's construction from a
// UEFI-style memory map.
func New(totalFrames uint64) *Allocator {
	a := &Allocator{
		OOM: make(chan struct{}, 1),
	}
	if totalFrames > 0 {
		a.free = []Frame{{StartPA: 0, Count: totalFrames, Type: Free}}
	}
	return a
}

// NewFromMemoryMap seeds the allocator from a UEFI-style memory map:
// entries not marked usable become Reserved/AcpiReclaim/AcpiCode/AcpiData
// up front; the remainder is Free.
type MemoryMapEntry struct {
	Type  FrameType
	Base  uint64
	Count uint64
}

// NewFromMemoryMap builds an allocator whose initial map matches entries
// exactly; entries must be disjoint and sorted by Base by the caller (the
// UEFI map is already sorted in practice).
func NewFromMemoryMap(entries []MemoryMapEntry) *Allocator {
	a := &Allocator{OOM: make(chan struct{}, 1)}
	for _, e := range entries {
		fr := Frame{StartPA: e.Base, Count: e.Count, Type: e.Type}
		if e.Type == Free {
			a.free = append(a.free, fr)
		} else {
			a.nonFree = append(a.nonFree, fr)
		}
	}
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].StartPA < a.free[j].StartPA })
	sort.Slice(a.nonFree, func(i, j int) bool { return a.nonFree[i].StartPA < a.nonFree[j].StartPA })
	return a
}

func (a *Allocator) signalOOM() {
	select {
	case a.OOM <- struct{}{}:
	default:
	}
}

// AllocateByCount hands out n frames, mirroring biscuit's
// allocate_by_count. Block requires a single hole of >= n frames; Relax
// gathers from multiple holes in ascending address order.
func (a *Allocator) AllocateByCount(n uint64, flags AllocFlags, uc UsageClass) ([]Frame, defs.Err_t) {
	if n == 0 {
		return nil, defs.EInvalidArgument
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ft := uc.frameType()
	switch flags {
	case Block:
		for i, hole := range a.free {
			if hole.Count < n {
				continue
			}
			out := Frame{StartPA: hole.StartPA, Count: n, Type: ft}
			a.free[i].StartPA += n * PageSize
			a.free[i].Count -= n
			a.pruneFreeAt(i)
			a.insertNonFree(out)
			a.AllocCount.Inc()
			return []Frame{out}, defs.EOK
		}
		a.signalOOM()
		return nil, defs.EOutOfMemory
	case Relax:
		var out []Frame
		remaining := n
		for remaining > 0 {
			if len(a.free) == 0 {
				// roll back any partial gather.
				for _, f := range out {
					a.releaseLocked(f)
				}
				a.signalOOM()
				return nil, defs.EOutOfMemory
			}
			hole := a.free[0]
			take := hole.Count
			if take > remaining {
				take = remaining
			}
			got := Frame{StartPA: hole.StartPA, Count: take, Type: ft}
			a.free[0].StartPA += take * PageSize
			a.free[0].Count -= take
			a.pruneFreeAt(0)
			a.insertNonFree(got)
			out = append(out, got)
			remaining -= take
		}
		a.AllocCount.Inc()
		return out, defs.EOK
	default:
		return nil, defs.EInvalidArgument
	}
}

// Allocate reserves a specific physical range, failing EOverlap if any
// frame in range is non-Free of a conflicting type.
func (a *Allocator) Allocate(f Frame) defs.Err_t {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.findFreeCovering(f.StartPA, f.Count)
	if !ok {
		return defs.EOverlap
	}
	hole := a.free[idx]
	// split the hole around [f.StartPA, f.End()).
	var left, right *Frame
	if f.StartPA > hole.StartPA {
		l := Frame{StartPA: hole.StartPA, Count: (f.StartPA - hole.StartPA) / PageSize, Type: Free}
		left = &l
	}
	if f.End() < hole.End() {
		r := Frame{StartPA: f.End(), Count: (hole.End() - f.End()) / PageSize, Type: Free}
		right = &r
	}
	repl := make([]Frame, 0, 2)
	if left != nil {
		repl = append(repl, *left)
	}
	if right != nil {
		repl = append(repl, *right)
	}
	a.free = append(a.free[:idx], append(repl, a.free[idx+1:]...)...)
	a.insertNonFree(f)
	a.AllocCount.Inc()
	return defs.EOK
}

// Release returns a range to Free, failing ENotOwned if the range's
// recorded type does not match f.Type. The range may be all or part of one
// outstanding run; the parts of that run outside f stay allocated.
func (a *Allocator) Release(f Frame) defs.Err_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releaseLocked(f)
}

func (a *Allocator) releaseLocked(f Frame) defs.Err_t {
	idx, ok := a.findNonFreeCovering(f)
	if !ok {
		return defs.ENotOwned
	}
	held := a.nonFree[idx]
	a.nonFree = append(a.nonFree[:idx], a.nonFree[idx+1:]...)
	if f.StartPA > held.StartPA {
		a.insertNonFree(Frame{StartPA: held.StartPA, Count: (f.StartPA - held.StartPA) / PageSize, Type: held.Type, Attrs: held.Attrs})
	}
	if f.End() < held.End() {
		a.insertNonFree(Frame{StartPA: f.End(), Count: (held.End() - f.End()) / PageSize, Type: held.Type, Attrs: held.Attrs})
	}
	a.insertFreeCoalesced(Frame{StartPA: f.StartPA, Count: f.Count, Type: Free})
	a.ReleaseCount.Inc()
	return defs.EOK
}

// GetReservedFramesOfAddress is a point query returning the Reserved frame
// containing pa, if any.
func (a *Allocator) GetReservedFramesOfAddress(pa uint64) (Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.nonFree {
		if f.Type != Reserved {
			continue
		}
		if pa >= f.StartPA && pa < f.End() {
			return f, true
		}
	}
	return Frame{}, false
}

// RebuildReservedMmap promotes OldReserved frames into the live Reserved
// set after the kernel self-relinks.
func (a *Allocator) RebuildReservedMmap() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.nonFree {
		if a.nonFree[i].Type == OldReserved {
			a.nonFree[i].Type = Reserved
		}
	}
}

// ReleaseAcpiReclaimMemory sweeps all AcpiReclaim frames back to Free,
// once the kernel has finished consuming the ACPI tables they hold.
func (a *Allocator) ReleaseAcpiReclaimMemory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.nonFree[:0]
	for _, f := range a.nonFree {
		if f.Type == AcpiReclaim {
			a.insertFreeCoalesced(Frame{StartPA: f.StartPA, Count: f.Count, Type: Free})
			continue
		}
		kept = append(kept, f)
	}
	a.nonFree = kept
}

// Outstanding returns a copy of the non-free interval set, for tests and
// diagnostics that check disjointness.
func (a *Allocator) Outstanding() []Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Frame, len(a.nonFree))
	copy(out, a.nonFree)
	return out
}

// FreeList returns a copy of the free interval set, for tests.
func (a *Allocator) FreeList() []Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Frame, len(a.free))
	copy(out, a.free)
	return out
}

func (a *Allocator) findFreeCovering(pa, count uint64) (int, bool) {
	end := pa + count*PageSize
	for i, f := range a.free {
		if pa >= f.StartPA && end <= f.End() {
			return i, true
		}
	}
	return 0, false
}

func (a *Allocator) findNonFreeCovering(f Frame) (int, bool) {
	for i, c := range a.nonFree {
		if f.Count > 0 && f.StartPA >= c.StartPA && f.End() <= c.End() {
			if f.Type != 0 && c.Type != f.Type {
				return 0, false
			}
			return i, true
		}
	}
	return 0, false
}

func (a *Allocator) pruneFreeAt(i int) {
	if a.free[i].Count == 0 {
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

func (a *Allocator) insertNonFree(f Frame) {
	idx := sort.Search(len(a.nonFree), func(i int) bool { return a.nonFree[i].StartPA >= f.StartPA })
	a.nonFree = append(a.nonFree, Frame{})
	copy(a.nonFree[idx+1:], a.nonFree[idx:])
	a.nonFree[idx] = f
}

// insertFreeCoalesced inserts f into the free set, merging with an
// adjacent Free interval on either side when contiguous.
func (a *Allocator) insertFreeCoalesced(f Frame) {
	idx := sort.Search(len(a.free), func(i int) bool { return a.free[i].StartPA >= f.StartPA })

	// merge with predecessor?
	if idx > 0 && a.free[idx-1].End() == f.StartPA {
		a.free[idx-1].Count += f.Count
		idx--
		f = a.free[idx]
	} else {
		a.free = append(a.free, Frame{})
		copy(a.free[idx+1:], a.free[idx:])
		a.free[idx] = f
	}

	// merge with successor?
	if idx+1 < len(a.free) && a.free[idx].End() == a.free[idx+1].StartPA {
		a.free[idx].Count += a.free[idx+1].Count
		a.free = append(a.free[:idx+1], a.free[idx+2:]...)
	}
}
