package paging

import (
	"testing"

	"turnstonecore/src/defs"
	"turnstonecore/src/frame"
)

func TestPgbitsMkvaRoundTrip(t *testing.T) {
	va := uint64(0x0000_7f12_3456_7890)
	l4, l3, l2, l1 := Pgbits(va)
	got := Mkva(l4, l3, l2, l1, va&(frame.PageSize-1))
	if got != va {
		t.Fatalf("expected round trip to reconstruct %#x, got %#x", va, got)
	}
}

func TestMapTranslateRoundTrip(t *testing.T) {
	m := NewMapper(frame.New(16))
	va := uint64(0x1000)
	pa := uint64(0x2000)
	if err := m.Map(va, pa, PteP|PteW); err != defs.EOK {
		t.Fatalf("map failed: %v", err)
	}
	gotPA, flags, err := m.Translate(va)
	if err != defs.EOK {
		t.Fatalf("translate failed: %v", err)
	}
	if gotPA != pa {
		t.Fatalf("expected pa %#x, got %#x", pa, gotPA)
	}
	if flags&PteW == 0 {
		t.Fatalf("expected writable flag to survive")
	}
}

func TestMapRejectsOverlap(t *testing.T) {
	m := NewMapper(frame.New(16))
	va := uint64(0x3000)
	if err := m.Map(va, 0x4000, PteP); err != defs.EOK {
		t.Fatalf("first map failed: %v", err)
	}
	if err := m.Map(va, 0x5000, PteP); err != defs.EOverlap {
		t.Fatalf("expected EOverlap remapping a present va, got %v", err)
	}
}

func TestUnmapBumpsShootdownsAndClearsMapping(t *testing.T) {
	m := NewMapper(frame.New(16))
	va := uint64(0x6000)
	m.Map(va, 0x7000, PteP)
	before := m.Shootdowns()

	if err := m.Unmap(va); err != defs.EOK {
		t.Fatalf("unmap failed: %v", err)
	}
	if m.Shootdowns() != before+1 {
		t.Fatalf("expected shootdown count to increment by 1")
	}
	if _, _, err := m.Translate(va); err != defs.ENotFound {
		t.Fatalf("expected ENotFound after unmap, got %v", err)
	}
}

func TestToggleAttributesBumpsShootdowns(t *testing.T) {
	m := NewMapper(frame.New(16))
	va := uint64(0x8000)
	m.Map(va, 0x9000, PteP|PteW)
	before := m.Shootdowns()

	if err := m.ToggleAttributes(va, PteW); err != defs.EOK {
		t.Fatalf("toggle failed: %v", err)
	}
	_, flags, _ := m.Translate(va)
	if flags&PteW != 0 {
		t.Fatalf("expected writable flag cleared after toggle")
	}
	if m.Shootdowns() != before+1 {
		t.Fatalf("expected shootdown count to increment on attribute change")
	}
}

func TestUnmapMissingReturnsNotFound(t *testing.T) {
	m := NewMapper(frame.New(16))
	if err := m.Unmap(0xdead000); err != defs.ENotFound {
		t.Fatalf("expected ENotFound unmapping an absent va, got %v", err)
	}
}
