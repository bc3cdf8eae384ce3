// Package heap implements the kernel's general-purpose memory allocator:
// a segregated free-list allocator over arenas obtained from the frame
// package, generalized from biscuit's bump/freelist kernel heap
// (biscuit/src/mem/mem.go's Kalloc/Kfree machinery) to run over plain Go
// byte slices instead of raw virtual addresses, since this rendering has
// no MMU to map arenas through (see DESIGN.md).
package heap

import (
	"sync"

	"turnstonecore/src/defs"
	"turnstonecore/src/frame"
	"turnstonecore/src/stats"
)

// sizeClasses mirrors biscuit's power-of-two segregated lists, from 16
// bytes up to one frame.
var sizeClasses = []int{16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

func classFor(n int) int {
	for _, c := range sizeClasses {
		if n <= c {
			return c
		}
	}
	return 0
}

// Stat collects the counters get_stat exposes.
type Stat struct {
	MallocCount stats.Counter_t
	FreeCount   stats.Counter_t
	ArenaCount  stats.Counter_t
	BytesInUse  stats.Counter_t
}

// Heap is a general-purpose allocator. The zero value is not usable; use
// New or CreateSimple.
type Heap struct {
	mu sync.Mutex

	frames *frame.Allocator
	// free[c] holds available blocks of size sizeClasses[c].
	free [][][]byte
	// large tracks oversize (> one frame) allocations by their returned
	// slice's start pointer identity, keyed by the slice itself (Go lacks
	// pointer arithmetic on slices, so we keep the backing slice alive via
	// the map's own reference instead of reconstructing the pointer).
	large map[*[]byte]int

	Stat Stat
}

var defaultHeap *Heap
var defaultOnce sync.Once

// SetDefault installs h as the process-wide default heap, mirroring
// biscuit's single global kernel heap (set_default).
func SetDefault(h *Heap) {
	defaultOnce = sync.Once{}
	defaultHeap = h
}

// Default returns the process-wide default heap, creating a modest one
// backed by a fresh frame allocator if none was installed.
func Default() *Heap {
	defaultOnce.Do(func() {
		if defaultHeap == nil {
			defaultHeap = CreateSimple(frame.New(1 << 16))
		}
	})
	return defaultHeap
}

// New builds a heap drawing arenas from fa.
func New(fa *frame.Allocator) *Heap {
	h := &Heap{
		frames: fa,
		free:   make([][][]byte, len(sizeClasses)),
		large:  make(map[*[]byte]int),
	}
	return h
}

// CreateSimple is an alias for New, named to match biscuit's
// create_simple entry point.
func CreateSimple(fa *frame.Allocator) *Heap {
	return New(fa)
}

// Malloc returns a zeroed buffer of at least n bytes.
func (h *Heap) Malloc(n int) ([]byte, defs.Err_t) {
	if n <= 0 {
		return nil, defs.EInvalidArgument
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	class := classFor(n)
	if class == 0 {
		// oversize: round up to whole frames.
		nframes := (n + frame.PageSize - 1) / frame.PageSize
		_, err := h.frames.AllocateByCount(uint64(nframes), frame.Relax, frame.AsUsed)
		if err != defs.EOK {
			return nil, err
		}
		buf := make([]byte, n)
		h.large[&buf] = nframes
		h.Stat.MallocCount.Inc()
		h.Stat.BytesInUse.Add(int64(n))
		return buf, defs.EOK
	}

	ci := classIndex(class)
	if len(h.free[ci]) == 0 {
		if err := h.refill(ci); err != defs.EOK {
			return nil, err
		}
	}
	last := len(h.free[ci]) - 1
	blk := h.free[ci][last]
	h.free[ci] = h.free[ci][:last]
	buf := blk[:n]
	for i := range buf {
		buf[i] = 0
	}
	h.Stat.MallocCount.Inc()
	h.Stat.BytesInUse.Add(int64(n))
	return buf, defs.EOK
}

// Free returns a buffer previously returned by Malloc to its free list.
// buf's length must match the class it was allocated from; callers should
// only pass back slices exactly as received from Malloc.
func (h *Heap) Free(buf []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n, ok := h.large[&buf]; ok {
		delete(h.large, &buf)
		h.frames.Release(frame.Frame{Count: uint64(n), Type: frame.Used})
		h.Stat.FreeCount.Inc()
		h.Stat.BytesInUse.Add(-int64(len(buf)))
		return
	}

	class := classFor(cap(buf))
	if class == 0 {
		class = sizeClasses[len(sizeClasses)-1]
	}
	ci := classIndex(class)
	full := buf[:cap(buf)]
	h.free[ci] = append(h.free[ci], full)
	h.Stat.FreeCount.Inc()
	h.Stat.BytesInUse.Add(-int64(len(buf)))
}

// refill carves one fresh frame into blocks of sizeClasses[ci], matching
// biscuit's on-demand arena growth.
func (h *Heap) refill(ci int) defs.Err_t {
	fr, err := h.frames.AllocateByCount(1, frame.Block, frame.AsUsed)
	if err != defs.EOK {
		return err
	}
	_ = fr
	class := sizeClasses[ci]
	arena := make([]byte, frame.PageSize)
	for off := 0; off+class <= len(arena); off += class {
		h.free[ci] = append(h.free[ci], arena[off:off+class:off+class])
	}
	h.Stat.ArenaCount.Inc()
	return defs.EOK
}

func classIndex(class int) int {
	for i, c := range sizeClasses {
		if c == class {
			return i
		}
	}
	return len(sizeClasses) - 1
}

// GetStat renders the heap's counters the way biscuit's get_stat does,
// reusing the reflective Stats2String formatter.
func (h *Heap) GetStat() string {
	return stats.Stats2String(&h.Stat)
}
