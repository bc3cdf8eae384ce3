// Package circbuf implements the circular byte buffer backing each task's
// stdin/stdout/stderr streams (ambient per-task I/O
// channels). Grounded on Circbuf_t (biscuit/src/circbuf/
// circbuf.go), adapted to draw its backing storage from the heap package
// instead of mem.Page_i, and to copy plain []byte instead of going through
// a user-virtual-address Userio_i, since tasks in this rendering are
// goroutines sharing one address space rather than separate page tables.
package circbuf

import (
	"turnstonecore/src/caller"
	"turnstonecore/src/defs"
	"turnstonecore/src/heap"
)

// Circbuf_t is a simple circular buffer used by a single task's stream. It
// is not safe for concurrent use without an external lock.
type Circbuf_t struct {
	h     *heap.Heap
	Buf   []uint8
	bufsz int
	head  int
	tail  int
}

// Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int {
	return cb.bufsz
}

// Set provides an existing byte slice as backing storage directly.
func (cb *Circbuf_t) Set(nb []uint8, did int) {
	cb.Buf = nb
	cb.bufsz = len(nb)
	cb.head = did
	cb.tail = 0
}

// Cb_init lazily allocates a backing buffer from h when required.
func (cb *Circbuf_t) Cb_init(sz int, h *heap.Heap) defs.Err_t {
	if sz <= 0 {
		panic("bad circbuf size")
	}
	cb.h = h
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
	// lazily allocated: easier to surface ENOMEM at first read/write than
	// at construction time.
	return defs.EOK
}

// Cb_release drops the backing buffer.
func (cb *Circbuf_t) Cb_release() {
	if cb.Buf == nil {
		return
	}
	if cb.h != nil {
		cb.h.Free(cb.Buf)
	}
	cb.Buf = nil
	cb.head, cb.tail = 0, 0
}

// Cb_ensure guarantees the buffer is allocated.
func (cb *Circbuf_t) Cb_ensure() defs.Err_t {
	if cb.Buf != nil {
		return defs.EOK
	}
	if cb.bufsz == 0 {
		panic("not initted")
	}
	buf, err := cb.h.Malloc(cb.bufsz)
	if err != defs.EOK {
		return err
	}
	cb.Buf = buf
	cb.head, cb.tail = 0, 0
	return defs.EOK
}

// Full returns true when the buffer cannot accept more data.
func (cb *Circbuf_t) Full() bool {
	return cb.head-cb.tail == cb.bufsz
}

// Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool {
	return cb.head == cb.tail
}

// Left returns the remaining capacity in bytes.
func (cb *Circbuf_t) Left() int {
	used := cb.head - cb.tail
	return cb.bufsz - used
}

// Used returns the current number of bytes in the buffer.
func (cb *Circbuf_t) Used() int {
	return cb.head - cb.tail
}

// Copyin copies bytes from src into the circular buffer, returning the
// number of bytes written.
func (cb *Circbuf_t) Copyin(src []uint8) (int, defs.Err_t) {
	if err := cb.Cb_ensure(); err != defs.EOK {
		return 0, err
	}
	if cb.Full() {
		return 0, defs.EOK
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if ti <= hi {
		dst := cb.Buf[hi:]
		wrote := copy(dst, src)
		if wrote != len(dst) || wrote == len(src) {
			cb.head += wrote
			return wrote, defs.EOK
		}
		c += wrote
		src = src[wrote:]
		hi = (cb.head + wrote) % cb.bufsz
	}
	dst := cb.Buf[hi:ti]
	wrote := copy(dst, src)
	c += wrote
	cb.head += c
	return c, defs.EOK
}

// Copyout copies the entire buffer's contents into dst.
func (cb *Circbuf_t) Copyout(dst []uint8) (int, defs.Err_t) {
	return cb.Copyout_n(dst, 0)
}

// Copyout_n copies up to max bytes of the buffer into dst (0 means
// unbounded other than len(dst)).
func (cb *Circbuf_t) Copyout_n(dst []uint8, max int) (int, defs.Err_t) {
	if err := cb.Cb_ensure(); err != defs.EOK {
		return 0, err
	}
	if cb.Empty() {
		return 0, defs.EOK
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if hi <= ti {
		src := cb.Buf[ti:]
		if max != 0 && max < len(src) {
			src = src[:max]
		}
		wrote := copy(dst, src)
		if wrote != len(src) || wrote == max {
			cb.tail += wrote
			return wrote, defs.EOK
		}
		c += wrote
		dst = dst[wrote:]
		if max != 0 {
			max -= c
		}
		ti = (cb.tail + wrote) % cb.bufsz
	}
	src := cb.Buf[ti:hi]
	if max != 0 && max < len(src) {
		src = src[:max]
	}
	wrote := copy(dst, src)
	c += wrote
	cb.tail += c
	return c, defs.EOK
}

// Advhead advances the head index, allowing previously written bytes to be
// read by a subsequent Copyout.
func (cb *Circbuf_t) Advhead(sz int) {
	if cb.Full() || cb.Left() < sz {
		caller.Invariant("circbuf: advancing full cb")
	}
	cb.head += sz
}

// Advtail advances the tail index after data has been consumed.
func (cb *Circbuf_t) Advtail(sz int) {
	if sz != 0 && (cb.Empty() || cb.Used() < sz) {
		caller.Invariant("circbuf: advancing empty cb")
	}
	cb.tail += sz
}
