package circbuf

import (
	"bytes"
	"testing"

	"turnstonecore/src/defs"
	"turnstonecore/src/frame"
	"turnstonecore/src/heap"
)

func newTestHeap() *heap.Heap {
	return heap.New(frame.New(64))
}

func TestCopyinCopyoutRoundTrip(t *testing.T) {
	var cb Circbuf_t
	if err := cb.Cb_init(8, newTestHeap()); err != defs.EOK {
		t.Fatalf("init failed: %v", err)
	}
	defer cb.Cb_release()

	n, err := cb.Copyin([]byte("abcd"))
	if err != defs.EOK || n != 4 {
		t.Fatalf("copyin: n=%d err=%v", n, err)
	}
	if cb.Used() != 4 {
		t.Fatalf("expected used=4, got %d", cb.Used())
	}

	out := make([]byte, 4)
	n, err = cb.Copyout(out)
	if err != defs.EOK || n != 4 {
		t.Fatalf("copyout: n=%d err=%v", n, err)
	}
	if !bytes.Equal(out, []byte("abcd")) {
		t.Fatalf("expected roundtrip, got %q", out)
	}
	if !cb.Empty() {
		t.Fatalf("expected buffer empty after full copyout")
	}
}

func TestCopyinStopsWhenFull(t *testing.T) {
	var cb Circbuf_t
	cb.Cb_init(4, newTestHeap())
	defer cb.Cb_release()

	n, _ := cb.Copyin([]byte("abcdef"))
	if n != 4 {
		t.Fatalf("expected copyin to stop at capacity 4, wrote %d", n)
	}
	if !cb.Full() {
		t.Fatalf("expected buffer to report full")
	}
	n, err := cb.Copyin([]byte("z"))
	if n != 0 || err != defs.EOK {
		t.Fatalf("expected no-op copyin into a full buffer, got n=%d err=%v", n, err)
	}
}

func TestCopyoutNBounded(t *testing.T) {
	var cb Circbuf_t
	cb.Cb_init(8, newTestHeap())
	defer cb.Cb_release()

	cb.Copyin([]byte("hello"))
	out := make([]byte, 8)
	n, err := cb.Copyout_n(out, 2)
	if err != defs.EOK || n != 2 {
		t.Fatalf("expected bounded read of 2 bytes, got n=%d err=%v", n, err)
	}
	if cb.Used() != 3 {
		t.Fatalf("expected 3 bytes remaining, got %d", cb.Used())
	}
}

func TestAdvheadPanicsPastCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Advhead to panic when advancing past capacity")
		}
	}()
	var cb Circbuf_t
	cb.Cb_init(2, newTestHeap())
	cb.Cb_ensure()
	cb.Advhead(3)
}

func TestSetUsesProvidedBacking(t *testing.T) {
	var cb Circbuf_t
	backing := make([]byte, 4)
	cb.Set(backing, 0)
	if cb.Bufsz() != 4 {
		t.Fatalf("expected bufsz 4, got %d", cb.Bufsz())
	}
	n, err := cb.Copyin([]byte("ab"))
	if err != defs.EOK || n != 2 {
		t.Fatalf("copyin into provided backing failed: n=%d err=%v", n, err)
	}
}
