// Package paging builds and walks four-level x86-64-style page tables:
// PML4 -> PDPT -> PD -> PT, each level indexed by a 9-bit slice of the
// virtual address.
//
// Grounded on mem/dmap.go's bit-splitting helpers (shl/pgbits/mkpg), which
// this package renames and keeps the arithmetic of exactly, and on
// mem.Pmap_t's 512-entry table shape. No plain Go program can walk real
// hardware page tables, so each table level here is an actual in-memory Go
// struct with a pointer to its child instead of a physical address the CPU
// walks; TLB invalidation is modeled as an explicit shootdown counter
// bumped on every unmap/attribute change, grounded on the naming in
// biscuit's vm/as.go Tlbshoot path (see DESIGN.md), and routed through
// archbound's FlushTLBEntry/FlushTLBAll so the invalidation itself has a
// single, auditable call site.
package paging

import (
	"sync"
	"sync/atomic"

	"turnstonecore/src/archbound"
	"turnstonecore/src/defs"
	"turnstonecore/src/frame"
)

// PTEFlags mirrors the x86-64 page-table-entry permission bits relevant to
// this model.
type PTEFlags uint32

const (
	PteP  PTEFlags = 1 << iota // present
	PteW                       // writable
	PteU                       // user-accessible
	PtePS                      // page size (terminal at PD/PDPT level)
	PteG                       // global
	PteNX                      // no-execute
	PteWT                      // write-through
	PteCD                      // cache disable
	// HugePage2M terminates the walk at the PD level instead of the PT
	// level, mapping a 2 MiB-aligned region in one entry.
	HugePage2M
	// HugePage1G terminates the walk at the PDPT level, mapping a
	// 1 GiB-aligned region in one entry.
	HugePage1G
)

// Huge2MSize and Huge1GSize are the region sizes implied by the
// HugePage2M/HugePage1G attrs.
const (
	Huge2MSize = 1 << 21
	Huge1GSize = 1 << 30
)

// reservedVirtualBase is the canonical higher-half alias base used by the
// Reserved-to-virtual rule: every reserved physical frame's virtual alias
// is reservedVirtualBase + pa, a fixed bijection so drivers can address
// MMIO by physical identity regardless of when the alias was installed.
const reservedVirtualBase = 0xFFFF_8000_0000_0000

// VAForReservedFrame returns the canonical higher-half virtual address a
// reserved physical frame is aliased at (GET_VA_FOR_RESERVED_FA).
func VAForReservedFrame(pa uint64) uint64 {
	return reservedVirtualBase + pa
}

// shl returns the bit-shift for level c (0 = PT, 1 = PD, 2 = PDPT, 3 = PML4),
// exactly shl(c) = 12 + 9*c.
func shl(c uint) uint {
	return 12 + 9*c
}

// Pgbits splits a virtual address into its four 9-bit page-table indices,
// named l4/l3/l2/l1 from the top down, grounded on pgbits.
func Pgbits(va uint64) (l4, l3, l2, l1 uint) {
	idx := func(c uint) uint {
		return uint(va>>shl(c)) & 0x1ff
	}
	return idx(3), idx(2), idx(1), idx(0)
}

// Mkva reassembles a canonical virtual address from four table indices
// plus a page offset, the inverse of Pgbits, grounded on biscuit's
// mkpg.
func Mkva(l4, l3, l2, l1 uint, off uint64) uint64 {
	put := func(c uint, v uint) uint64 {
		return uint64(v&0x1ff) << shl(c)
	}
	return put(3, l4) | put(2, l3) | put(1, l2) | put(0, l1) | (off & (frame.PageSize - 1))
}

type pte struct {
	flags PTEFlags
	frame uint64
	pa    uint64
	child *table
}

func (p *pte) present() bool { return p != nil && p.flags&PteP != 0 }

type table struct {
	entries [512]pte
	pa      uint64
}

// Mapper owns one address space's page tables.
type Mapper struct {
	mu     sync.Mutex
	root   *table
	frames *frame.Allocator
	shoots uint64
}

// NewMapper returns an address space with an empty (all-not-present) root
// table. When fa is non-nil, the root table and every intermediate table
// Map creates on demand draw their backing frame from fa, the interlock
// between paging and the frame allocator the invariant in §1 requires; a
// nil fa (early boot, before the allocator exists) falls back to a bare Go
// struct with no physical backing.
func NewMapper(fa *frame.Allocator) *Mapper {
	m := &Mapper{frames: fa}
	root, _, _ := m.newTable()
	m.root = root
	return m
}

// newTable draws a fresh, all-not-present intermediate table, backed by a
// frame from m.frames when one is configured.
func (m *Mapper) newTable() (*table, uint64, defs.Err_t) {
	if m.frames == nil {
		return &table{}, 0, defs.EOK
	}
	fs, err := m.frames.AllocateByCount(1, frame.Block, frame.AsUsed)
	if err != defs.EOK {
		return nil, 0, err
	}
	return &table{pa: fs[0].StartPA}, fs[0].StartPA, defs.EOK
}

// Map installs a mapping from va to the physical frame pa with the given
// permission flags. Intermediate table levels are allocated on demand via
// the frame allocator. flags&HugePage1G terminates the walk at the PDPT
// level (a 1 GiB page); flags&HugePage2M terminates at the PD level (a
// 2 MiB page); otherwise the walk proceeds to the PT level for an
// ordinary 4 KiB page.
func (m *Mapper) Map(va, pa uint64, flags PTEFlags) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	l4, l3, l2, l1 := Pgbits(va)

	e := &m.root.entries[l4]
	if !e.present() {
		child, cpa, err := m.newTable()
		if err != defs.EOK {
			return err
		}
		e.child, e.pa, e.flags = child, cpa, PteP|PteW
	}
	t := e.child

	e = &t.entries[l3]
	if flags&HugePage1G != 0 {
		if e.present() {
			return defs.EOverlap
		}
		e.frame = pa
		e.flags = flags | PteP
		return defs.EOK
	}
	if !e.present() {
		child, cpa, err := m.newTable()
		if err != defs.EOK {
			return err
		}
		e.child, e.pa, e.flags = child, cpa, PteP|PteW
	}
	t = e.child

	e = &t.entries[l2]
	if flags&HugePage2M != 0 {
		if e.present() {
			return defs.EOverlap
		}
		e.frame = pa
		e.flags = flags | PteP
		return defs.EOK
	}
	if !e.present() {
		child, cpa, err := m.newTable()
		if err != defs.EOK {
			return err
		}
		e.child, e.pa, e.flags = child, cpa, PteP|PteW
	}
	t = e.child

	leaf := &t.entries[l1]
	if leaf.present() {
		return defs.EOverlap
	}
	leaf.frame = pa
	leaf.flags = flags | PteP
	return defs.EOK
}

// walkToLeaf descends the table for va and returns the terminal entry,
// whether that terminal is an ordinary PT leaf or a huge-page PD/PDPT
// entry.
func (m *Mapper) walkToLeaf(va uint64) (*pte, defs.Err_t) {
	l4, l3, l2, l1 := Pgbits(va)

	e := &m.root.entries[l4]
	if !e.present() {
		return nil, defs.ENotFound
	}
	t := e.child

	e = &t.entries[l3]
	if !e.present() {
		return nil, defs.ENotFound
	}
	if e.flags&HugePage1G != 0 {
		return e, defs.EOK
	}
	t = e.child

	e = &t.entries[l2]
	if !e.present() {
		return nil, defs.ENotFound
	}
	if e.flags&HugePage2M != 0 {
		return e, defs.EOK
	}
	t = e.child

	leaf := &t.entries[l1]
	if !leaf.present() {
		return nil, defs.ENotFound
	}
	return leaf, defs.EOK
}

// Unmap removes the mapping at va, bumping the shootdown counter and
// issuing a single-page archbound.FlushTLBEntry, exactly the discipline
// §4.2 requires ("single-page invlpg after unmap/toggle").
func (m *Mapper) Unmap(va uint64) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	leaf, err := m.walkToLeaf(va)
	if err != defs.EOK {
		return err
	}
	*leaf = pte{}
	atomic.AddUint64(&m.shoots, 1)
	archbound.FlushTLBEntry(va)
	return defs.EOK
}

// ToggleAttributes flips the given flag bits on the mapping at va without
// disturbing its frame number, bumping the shootdown counter and issuing
// an invlpg since a permission narrowing requires invalidation just as an
// unmap does.
func (m *Mapper) ToggleAttributes(va uint64, flags PTEFlags) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	leaf, err := m.walkToLeaf(va)
	if err != defs.EOK {
		return err
	}
	leaf.flags ^= flags
	atomic.AddUint64(&m.shoots, 1)
	archbound.FlushTLBEntry(va)
	return defs.EOK
}

// Translate walks the table and returns the physical frame and flags
// mapped at va.
func (m *Mapper) Translate(va uint64) (pa uint64, flags PTEFlags, err defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leaf, err := m.walkToLeaf(va)
	if err != defs.EOK {
		return 0, 0, err
	}
	return leaf.frame, leaf.flags, defs.EOK
}

// AddVaForFrame installs a direct-mapped virtual alias va -> pa, used when
// a Reserved physical frame additionally needs a kernel virtual alias.
func (m *Mapper) AddVaForFrame(va, pa uint64) defs.Err_t {
	return m.Map(va, pa, PteP|PteW|PteG)
}

// MapReservedFrame installs the canonical higher-half alias
// (VAForReservedFrame) for a Reserved frame, the concrete instance of the
// Reserved-to-virtual rule every reserved physical frame is subject to.
func (m *Mapper) MapReservedFrame(f frame.Frame, attrs PTEFlags) defs.Err_t {
	return m.Map(VAForReservedFrame(f.StartPA), f.StartPA, attrs|PteP)
}

// SwitchTable is the address-space-switch operation: in this model it
// simply swaps which Mapper is "active" for the calling
// virtual CPU, represented by the caller replacing its held *Mapper
// reference; the method exists to give that swap a named, auditable call
// site and to issue a full TLB flush since the old table's global entries
// may now be stale in a fresh address space.
func (m *Mapper) SwitchTable() {
	atomic.AddUint64(&m.shoots, 1)
	archbound.FlushTLBAll()
}

// Shootdowns returns the number of TLB invalidations owed so far, used by
// tests asserting that unmap/attribute changes are not silently skipped.
func (m *Mapper) Shootdowns() uint64 {
	return atomic.LoadUint64(&m.shoots)
}

// RootPA returns the physical address backing this mapper's root table,
// published as a task's page_table_root or a VM's ept_root_pa.
func (m *Mapper) RootPA() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root.pa
}
