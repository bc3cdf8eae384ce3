package tosdb

import (
	"turnstonecore/src/defs"
	"turnstonecore/src/limits"
	"turnstonecore/src/util"
)

// SSTable is one immutable, sorted run of records on a TosdbBackend,
// TOSDB's equivalent of an LSM level file: a header block, a bloom filter
// section, a sorted index, and a value log. Every section is
// little-endian and 8-byte aligned, written and read as whole BlockSize
// blocks; grounded on fs.Superblock_t's fieldr/fieldw accessor pattern
// (biscuit/src/fs/super.go), extended here from a single fixed block to a
// variable number of blocks per section.
type SSTable struct {
	Level      int
	StartBlock int64
	NumBlocks  int64

	EntryCount int
	Bloom      *Bloomfilter
	Index      []indexEntry

	backend      TosdbBackend
	valuelogBase int64 // block offset of the value log within the sstable
}

type indexEntry struct {
	hi, lo    uint64
	key       Bstr
	valOff    int64
	valLen    int32
	tombstone bool
}

const sstableHeaderFields = 6

func blocksFor(n int) int64 {
	return int64((n + BlockSize - 1) / BlockSize)
}

// WriteSSTable serializes records (already sorted by key) to backend
// starting at startBlock, sizing a bloom filter for a 1% false-positive
// rate by default, and returns the resulting handle.
func WriteSSTable(backend TosdbBackend, startBlock int64, level int, records []Record) (*SSTable, defs.Err_t) {
	bloom := NewBloomfilter(len(records), limits.Syslimit.CompactionRatio)
	for _, r := range records {
		bloom.Add(r.Key)
	}

	// build the value log first so index entries can record offsets.
	valuelog := make([]byte, 0, 4096)
	index := make([]indexEntry, 0, len(records))
	for _, r := range records {
		hi, lo := PrimaryKeyHash(r.Key)
		ie := indexEntry{hi: hi, lo: lo, key: r.Key, tombstone: r.Tombstone}
		if !r.Tombstone {
			ie.valOff = int64(len(valuelog))
			ie.valLen = int32(len(r.Value))
			valuelog = append(valuelog, r.Value...)
		}
		index = append(index, ie)
	}

	bloomBytes := bloom.Bytes()
	indexBytes := encodeIndex(index)

	bloomBlocks := blocksFor(len(bloomBytes))
	indexBlocks := blocksFor(len(indexBytes))
	valuelogBlocks := blocksFor(len(valuelog))

	header := make([]byte, BlockSize)
	util.Writen(header, 8, 0*8, len(records))
	util.Writen(header, 8, 1*8, int(bloom.m))
	util.Writen(header, 8, 2*8, int(bloom.k))
	util.Writen(header, 8, 3*8, int(bloomBlocks))
	util.Writen(header, 8, 4*8, int(indexBlocks))
	util.Writen(header, 8, 5*8, int(valuelogBlocks))

	cur := startBlock
	if err := writeBlockAligned(backend, &cur, header); err != defs.EOK {
		return nil, err
	}
	if err := writeBlockAligned(backend, &cur, bloomBytes); err != defs.EOK {
		return nil, err
	}
	if err := writeBlockAligned(backend, &cur, indexBytes); err != defs.EOK {
		return nil, err
	}
	valuelogBase := cur
	if err := writeBlockAligned(backend, &cur, valuelog); err != defs.EOK {
		return nil, err
	}

	return &SSTable{
		Level:        level,
		StartBlock:   startBlock,
		NumBlocks:    cur - startBlock,
		EntryCount:   len(records),
		Bloom:        bloom,
		Index:        index,
		backend:      backend,
		valuelogBase: valuelogBase,
	}, defs.EOK
}

// OpenSSTable reads back an sstable's header, bloom filter, and index
// (but not its value log, which is paged in on demand through the
// value-log cache).
func OpenSSTable(backend TosdbBackend, startBlock int64, level int) (*SSTable, defs.Err_t) {
	header, err := backend.ReadBlock(startBlock)
	if err != defs.EOK {
		return nil, err
	}
	entryCount := util.Readn(header, 8, 0*8)
	m := util.Readn(header, 8, 1*8)
	k := util.Readn(header, 8, 2*8)
	bloomBlocks := util.Readn(header, 8, 3*8)
	indexBlocks := util.Readn(header, 8, 4*8)
	valuelogBlocks := util.Readn(header, 8, 5*8)

	cur := startBlock + 1
	bloomBytes, err := readBlocks(backend, cur, bloomBlocks)
	if err != defs.EOK {
		return nil, err
	}
	cur += int64(bloomBlocks)

	indexBytes, err := readBlocks(backend, cur, indexBlocks)
	if err != defs.EOK {
		return nil, err
	}
	cur += int64(indexBlocks)

	valuelogBase := cur
	cur += int64(valuelogBlocks)

	return &SSTable{
		Level:        level,
		StartBlock:   startBlock,
		NumBlocks:    cur - startBlock,
		EntryCount:   entryCount,
		Bloom:        LoadBloomfilter(bloomBytes, uint64(m), uint64(k)),
		Index:        decodeIndex(indexBytes, entryCount),
		backend:      backend,
		valuelogBase: valuelogBase,
	}, defs.EOK
}

// Get looks up key within this sstable. ok is false if the key is
// definitely absent (per the bloom filter or a miss in the index); when ok
// is true and rec.Tombstone is true, the key was deleted at or before this
// sstable's generation.
func (s *SSTable) Get(key Bstr, valuelogCache *Cache) (rec Record, ok bool, err defs.Err_t) {
	if s.Bloom != nil && !s.Bloom.MaybeContains(key) {
		return Record{}, false, defs.EOK
	}
	idx, found := searchIndex(s.Index, key)
	if !found {
		return Record{}, false, defs.EOK
	}
	ie := s.Index[idx]
	if ie.tombstone {
		return Record{Key: key, Tombstone: true}, true, defs.EOK
	}

	cacheKey := cacheKeyFor(s.StartBlock, ie.valOff)
	if valuelogCache != nil {
		if v, hit := valuelogCache.Get(cacheKey); hit {
			return Record{Key: key, Value: v.([]byte)}, true, defs.EOK
		}
	}

	val, rerr := s.readValue(ie)
	if rerr != defs.EOK {
		return Record{}, false, rerr
	}
	if valuelogCache != nil {
		valuelogCache.Set(cacheKey, val)
	}
	return Record{Key: key, Value: val}, true, defs.EOK
}

func (s *SSTable) readValue(ie indexEntry) ([]byte, defs.Err_t) {
	startByte := ie.valOff
	endByte := ie.valOff + int64(ie.valLen)

	firstBlock := startByte / BlockSize
	lastBlock := (endByte - 1) / BlockSize
	if endByte == startByte {
		lastBlock = firstBlock
	}

	var buf []byte
	for b := firstBlock; b <= lastBlock; b++ {
		blk, err := s.backend.ReadBlock(s.valuelogBase + b)
		if err != defs.EOK {
			return nil, err
		}
		buf = append(buf, blk...)
	}
	lo := startByte - firstBlock*BlockSize
	return buf[lo : lo+int64(ie.valLen)], defs.EOK
}

func cacheKeyFor(startBlock, off int64) string {
	buf := make([]byte, 0, 16)
	buf = appendU64(buf, uint64(startBlock))
	buf = appendU64(buf, uint64(off))
	return string(buf)
}

func searchIndex(idx []indexEntry, key Bstr) (int, bool) {
	lo, hi := 0, len(idx)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if idx[mid].key.Eq(key) {
			return mid, true
		}
		if idx[mid].key.Less(key) {
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return 0, false
}

func encodeIndex(idx []indexEntry) []byte {
	buf := make([]byte, 0, len(idx)*32)
	for _, e := range idx {
		buf = appendU64(buf, e.hi)
		buf = appendU64(buf, e.lo)
		buf = appendU16(buf, uint16(len(e.key)))
		buf = append(buf, e.key...)
		buf = appendU64(buf, uint64(e.valOff))
		buf = appendU32(buf, uint32(e.valLen))
		if e.tombstone {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func decodeIndex(buf []byte, count int) []indexEntry {
	out := make([]indexEntry, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		hi := readU64(buf, off)
		off += 8
		lo := readU64(buf, off)
		off += 8
		klen := int(readU16(buf, off))
		off += 2
		key := Bstr(buf[off : off+klen])
		off += klen
		valOff := int64(readU64(buf, off))
		off += 8
		valLen := int32(readU32(buf, off))
		off += 4
		tomb := buf[off] == 1
		off++
		out = append(out, indexEntry{hi: hi, lo: lo, key: key, valOff: valOff, valLen: valLen, tombstone: tomb})
	}
	return out
}

func appendU64(b []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}
func appendU32(b []byte, v uint32) []byte {
	for i := 0; i < 4; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}
func appendU16(b []byte, v uint16) []byte {
	for i := 0; i < 2; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}
func readU64(b []byte, off int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[off+i]) << (8 * i)
	}
	return v
}
func readU32(b []byte, off int) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(b[off+i]) << (8 * i)
	}
	return v
}
func readU16(b []byte, off int) uint16 {
	var v uint16
	for i := 0; i < 2; i++ {
		v |= uint16(b[off+i]) << (8 * i)
	}
	return v
}

func writeBlockAligned(backend TosdbBackend, cur *int64, data []byte) defs.Err_t {
	n := blocksFor(len(data))
	for i := int64(0); i < n; i++ {
		start := i * BlockSize
		end := start + BlockSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if err := backend.WriteBlock(*cur+i, data[start:end]); err != defs.EOK {
			return err
		}
	}
	if n == 0 {
		n = 0
	}
	*cur += n
	return defs.EOK
}

func readBlocks(backend TosdbBackend, start int64, n int) ([]byte, defs.Err_t) {
	var buf []byte
	for i := 0; i < n; i++ {
		blk, err := backend.ReadBlock(start + int64(i))
		if err != defs.EOK {
			return nil, err
		}
		buf = append(buf, blk...)
	}
	return buf, defs.EOK
}
