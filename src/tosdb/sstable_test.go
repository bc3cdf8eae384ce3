package tosdb

import (
	"testing"

	"turnstonecore/src/defs"
)

func TestWriteOpenSSTableRoundTrip(t *testing.T) {
	backend := NewMemoryBackend()
	records := []Record{
		{Key: MkBstr("a"), Value: []byte("1")},
		{Key: MkBstr("b"), Value: []byte("2")},
		{Key: MkBstr("c"), Tombstone: true},
	}

	sst, err := WriteSSTable(backend, 1, 0, records)
	if err != defs.EOK {
		t.Fatalf("write failed: %v", err)
	}

	reopened, err := OpenSSTable(backend, 1, 0)
	if err != defs.EOK {
		t.Fatalf("open failed: %v", err)
	}
	if reopened.EntryCount != sst.EntryCount {
		t.Fatalf("expected entry count %d, got %d", sst.EntryCount, reopened.EntryCount)
	}

	rec, ok, err := reopened.Get(MkBstr("a"), nil)
	if err != defs.EOK || !ok {
		t.Fatalf("expected to find key a, ok=%v err=%v", ok, err)
	}
	if string(rec.Value) != "1" {
		t.Fatalf("expected value 1, got %q", rec.Value)
	}

	rec, ok, err = reopened.Get(MkBstr("c"), nil)
	if err != defs.EOK || !ok || !rec.Tombstone {
		t.Fatalf("expected key c to be a tombstone, ok=%v rec=%+v", ok, rec)
	}
}

func TestSSTableGetMissingKeyReturnsNotOK(t *testing.T) {
	backend := NewMemoryBackend()
	sst, err := WriteSSTable(backend, 1, 0, []Record{{Key: MkBstr("present"), Value: []byte("v")}})
	if err != defs.EOK {
		t.Fatalf("write failed: %v", err)
	}
	_, ok, err := sst.Get(MkBstr("absent"), nil)
	if err != defs.EOK {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected an absent key to report ok=false")
	}
}

func TestSSTableGetUsesValuelogCache(t *testing.T) {
	backend := NewMemoryBackend()
	sst, err := WriteSSTable(backend, 1, 0, []Record{{Key: MkBstr("k"), Value: []byte("cached-value")}})
	if err != defs.EOK {
		t.Fatalf("write failed: %v", err)
	}
	cache := NewCache(16)

	rec, ok, err := sst.Get(MkBstr("k"), cache)
	if err != defs.EOK || !ok || string(rec.Value) != "cached-value" {
		t.Fatalf("unexpected first read: ok=%v err=%v rec=%+v", ok, err, rec)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected the value-log cache to hold one entry after a miss, got %d", cache.Len())
	}

	rec, ok, err = sst.Get(MkBstr("k"), cache)
	if err != defs.EOK || !ok || string(rec.Value) != "cached-value" {
		t.Fatalf("unexpected cached read: ok=%v err=%v rec=%+v", ok, err, rec)
	}
}
