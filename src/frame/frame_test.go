package frame

import (
	"testing"

	"turnstonecore/src/defs"
)

func TestAllocateByCountBlock(t *testing.T) {
	a := New(16)
	frames, err := a.AllocateByCount(4, Block, AsUsed)
	if err != defs.EOK {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 1 || frames[0].Count != 4 {
		t.Fatalf("expected one 4-frame run, got %+v", frames)
	}
	if frames[0].StartPA != 0 {
		t.Fatalf("expected allocation to start at 0, got %#x", frames[0].StartPA)
	}
}

func TestAllocateByCountBlockFailsOnFragmentedHoles(t *testing.T) {
	a := New(8)
	// take the middle two frames, leaving two free holes of size 3 each.
	if err := a.Allocate(Frame{StartPA: 3 * PageSize, Count: 2, Type: Used}); err != defs.EOK {
		t.Fatalf("setup allocation failed: %v", err)
	}
	if _, err := a.AllocateByCount(4, Block, AsUsed); err == defs.EOK {
		t.Fatalf("expected Block to fail when no hole holds 4 frames")
	}
	if err := a.Release(Frame{StartPA: 3 * PageSize, Count: 2, Type: Used}); err != defs.EOK {
		t.Fatalf("setup release failed: %v", err)
	}
	frames := a.FreeList()
	if len(frames) != 1 {
		t.Fatalf("expected adjacent release to coalesce into one hole, got %d", len(frames))
	}
}

func TestAllocateByCountRelaxGathers(t *testing.T) {
	a := New(8)
	first, err := a.AllocateByCount(8, Block, AsUsed)
	if err != defs.EOK {
		t.Fatalf("setup allocation failed: %v", err)
	}
	// punch two disjoint holes so a single contiguous run of 4 no longer exists.
	if err := a.Release(Frame{StartPA: first[0].StartPA, Count: 2, Type: Used}); err != defs.EOK {
		t.Fatalf("release 1 failed: %v", err)
	}
	if err := a.Release(Frame{StartPA: first[0].StartPA + 4*PageSize, Count: 2, Type: Used}); err != defs.EOK {
		t.Fatalf("release 2 failed: %v", err)
	}

	if _, err := a.AllocateByCount(4, Block, AsUsed); err == defs.EOK {
		t.Fatalf("expected Block to fail across disjoint holes")
	}

	got, err := a.AllocateByCount(4, Relax, AsUsed)
	if err != defs.EOK {
		t.Fatalf("expected Relax to gather across disjoint holes: %v", err)
	}
	var total uint64
	for _, f := range got {
		total += f.Count
	}
	if total != 4 {
		t.Fatalf("expected 4 frames gathered, got %d", total)
	}
}

func TestAllocateByCountRelaxRollsBackOnOOM(t *testing.T) {
	a := New(4)
	select {
	case <-a.OOM:
		t.Fatal("OOM signaled before any allocation")
	default:
	}

	if _, err := a.AllocateByCount(10, Relax, AsUsed); err != defs.EOutOfMemory {
		t.Fatalf("expected EOutOfMemory, got %v", err)
	}
	select {
	case <-a.OOM:
	default:
		t.Fatal("expected OOM to be signaled")
	}
	if len(a.Outstanding()) != 0 {
		t.Fatalf("expected rollback to leave no outstanding frames, got %v", a.Outstanding())
	}
	if a.FreeList()[0].Count != 4 {
		t.Fatalf("expected all 4 frames back in the free list after rollback")
	}
}

func TestDisjointness(t *testing.T) {
	a := New(64)
	if _, err := a.AllocateByCount(3, Block, AsUsed); err != defs.EOK {
		t.Fatalf("allocate failed: %v", err)
	}
	if _, err := a.AllocateByCount(5, Block, AsReserved); err != defs.EOK {
		t.Fatalf("allocate failed: %v", err)
	}

	all := append(append([]Frame{}, a.Outstanding()...), a.FreeList()...)
	for i := range all {
		for j := range all {
			if i == j {
				continue
			}
			if all[i].StartPA < all[j].End() && all[j].StartPA < all[i].End() {
				t.Fatalf("overlapping frames: %+v and %+v", all[i], all[j])
			}
		}
	}
}

func TestReleaseRejectsWrongType(t *testing.T) {
	a := New(4)
	got, err := a.AllocateByCount(2, Block, AsUsed)
	if err != defs.EOK {
		t.Fatalf("allocate failed: %v", err)
	}
	wrong := got[0]
	wrong.Type = Reserved
	if err := a.Release(wrong); err != defs.ENotOwned {
		t.Fatalf("expected ENotOwned releasing with a mismatched type, got %v", err)
	}
}

func TestNewFromMemoryMap(t *testing.T) {
	a := NewFromMemoryMap([]MemoryMapEntry{
		{Type: Reserved, Base: 0, Count: 1},
		{Type: Free, Base: PageSize, Count: 10},
		{Type: AcpiReclaim, Base: 11 * PageSize, Count: 2},
	})
	if f, ok := a.GetReservedFramesOfAddress(0); !ok || f.Count != 1 {
		t.Fatalf("expected reserved frame at 0, got %+v ok=%v", f, ok)
	}
	a.ReleaseAcpiReclaimMemory()
	free := a.FreeList()
	var total uint64
	for _, f := range free {
		total += f.Count
	}
	if total != 12 {
		t.Fatalf("expected 12 free frames after ACPI reclaim, got %d", total)
	}
}
