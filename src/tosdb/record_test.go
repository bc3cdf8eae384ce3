package tosdb

import "testing"

func TestPrimaryKeyHashDeterministic(t *testing.T) {
	k := MkBstr("stable-key")
	hi1, lo1 := PrimaryKeyHash(k)
	hi2, lo2 := PrimaryKeyHash(k)
	if hi1 != hi2 || lo1 != lo2 {
		t.Fatalf("expected PrimaryKeyHash to be deterministic for the same input")
	}
}

func TestPrimaryKeyHashDiffersAcrossKeys(t *testing.T) {
	hi1, lo1 := PrimaryKeyHash(MkBstr("a"))
	hi2, lo2 := PrimaryKeyHash(MkBstr("b"))
	if hi1 == hi2 && lo1 == lo2 {
		t.Fatalf("expected distinct keys to hash differently (or at least not collide trivially)")
	}
}
