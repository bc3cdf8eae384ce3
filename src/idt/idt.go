// Package idt models the kernel's interrupt/exception dispatch table, its
// per-CPU TSS/IST private stacks, and the pool of interrupt vectors handed
// out to devices and the hypervisor's guest-exit delivery path.
//
// Grounded on msi.Msivecs_t (biscuit/src/msi/msi.go) for the
// available-vector pool pattern, generalized from a fixed MSI-only range
// to the full IDT vector space. GDT/TSS/IST construction has no hardware
// descriptor table to write in this hosted rendering, so Tss models only
// the bookkeeping for a task's private interrupt stacks, reserved as an
// archbound seam for a bare-metal port.
package idt

import (
	"sync"

	"turnstonecore/src/caller"
	"turnstonecore/src/defs"
)

// Vector identifies one IDT slot.
type Vector uint8

// Reserved vectors, matching the x86-64 architectural layout.
const (
	VecDivideError Vector = 0
	VecDebug       Vector = 1
	VecNMI         Vector = 2
	VecBreakpoint  Vector = 3
	VecPageFault   Vector = 14
	VecTimer       Vector = 32
	VecSyscall     Vector = 128
	// firstDynamic is the first vector available for device/MSI/guest-exit
	// delivery, mirroring msi.Msivecs_t's 56-63 MSI pool but widened to the
	// full unused range above the syscall gate.
	firstDynamic Vector = 129
	lastDynamic  Vector = 239
)

// Handler processes an interrupt delivered on a vector.
type Handler func(v Vector)

// Table is an interrupt dispatch table plus a pool of vectors available
// for dynamic allocation to devices and guest-exit delivery.
type Table struct {
	mu       sync.Mutex
	handlers [256]Handler
	avail    map[Vector]bool
}

// New returns a Table with the dynamic vector range available and no
// handlers installed.
func New() *Table {
	t := &Table{avail: make(map[Vector]bool)}
	for v := firstDynamic; v <= lastDynamic; v++ {
		t.avail[v] = true
	}
	return t
}

// Install registers h to run when vector v fires.
func (t *Table) Install(v Vector, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[v] = h
}

// Dispatch invokes the handler installed for v, if any.
func (t *Table) Dispatch(v Vector) {
	t.mu.Lock()
	h := t.handlers[v]
	t.mu.Unlock()
	if h != nil {
		h(v)
	}
}

// Alloc reserves one vector from the dynamic pool.
func (t *Table) Alloc() (Vector, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for v := range t.avail {
		delete(t.avail, v)
		return v, defs.EOK
	}
	return 0, defs.EOutOfMemory
}

// Free returns a vector to the dynamic pool. It panics on a double free,
// matching msi.Msi_free's invariant check.
func (t *Table) Free(v Vector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.avail[v] {
		caller.Invariant("idt: double free of vector")
	}
	t.avail[v] = true
}

// Tss models one CPU's task-state-segment bookkeeping: the privilege-level
// stack pointers and the IST private-stack table used for stack switches on
// fault/NMI delivery.
type Tss struct {
	Rsp [3]uint64
	Ist [7]uint64
}

// IstStack is a private interrupt stack, allocated one per IST slot per
// CPU so that a reentrant fault (e.g. a double fault while already
// handling a page fault) never runs on a corrupted stack.
type IstStack struct {
	Mem []byte
}

// NewIstStack allocates a stack of the given size.
func NewIstStack(size int) *IstStack {
	return &IstStack{Mem: make([]byte, size)}
}
