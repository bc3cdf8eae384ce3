package tosdb

import "github.com/spaolacci/murmur3"

// Record is one key/value entry as it flows through the memtable and
// sstables. Tombstone marks a deletion, which must outlive and shadow any
// older value for the same key until the level that contains that older
// value is compacted away.
type Record struct {
	Key       Bstr
	Value     []byte
	Tombstone bool
	Seq       uint64
}

// PrimaryKeyHash returns the 128-bit MurmurHash3 digest of a key, stored
// in each sstable index entry, implemented with github.com/spaolacci/murmur3.
// Index lookups compare keys, not this digest, and the bloom filter hashes
// with XXH64.
func PrimaryKeyHash(key Bstr) (hi, lo uint64) {
	return murmur3.Sum128(key)
}
