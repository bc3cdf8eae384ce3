package tosdb

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// Bloomfilter is a fixed-size Bloom filter using Kirsch-Mitzenmacher double
// hashing over two XXH64 digests: one of the key, one of the key prefixed
// with a 0xff byte. This
// halves the number of real hash computations needed to synthesize k hash
// functions, the same trick production Bloom filter implementations in
// the ecosystem use.
type Bloomfilter struct {
	bits []uint64
	m    uint64 // number of bits
	k    uint64 // number of hash functions
}

// NewBloomfilter sizes a filter for n expected entries at the given false
// positive rate, using the standard m = -n*ln(p)/(ln2)^2 and
// k = (m/n)*ln2 formulas.
func NewBloomfilter(n int, falsePositiveRate float64) *Bloomfilter {
	if n <= 0 {
		n = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint64(math.Ceil(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Bloomfilter{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
	}
}

func (bf *Bloomfilter) hashes(key []byte) (h1, h2 uint64) {
	d1 := xxhash.New()
	d1.Write(key)
	h1 = d1.Sum64()

	d2 := xxhash.New()
	d2.Write([]byte{0xff})
	d2.Write(key)
	h2 = d2.Sum64()
	return
}

func (bf *Bloomfilter) set(idx uint64) {
	bf.bits[idx/64] |= 1 << (idx % 64)
}

func (bf *Bloomfilter) test(idx uint64) bool {
	return bf.bits[idx/64]&(1<<(idx%64)) != 0
}

// Add inserts key into the filter.
func (bf *Bloomfilter) Add(key []byte) {
	h1, h2 := bf.hashes(key)
	for i := uint64(0); i < bf.k; i++ {
		idx := (h1 + i*h2) % bf.m
		bf.set(idx)
	}
}

// MaybeContains reports whether key might be present (false means
// definitely absent; true may be a false positive).
func (bf *Bloomfilter) MaybeContains(key []byte) bool {
	h1, h2 := bf.hashes(key)
	for i := uint64(0); i < bf.k; i++ {
		idx := (h1 + i*h2) % bf.m
		if !bf.test(idx) {
			return false
		}
	}
	return true
}

// Bytes serializes the filter's bitset for the sstable wire format.
func (bf *Bloomfilter) Bytes() []byte {
	out := make([]byte, len(bf.bits)*8)
	for i, w := range bf.bits {
		for b := 0; b < 8; b++ {
			out[i*8+b] = byte(w >> (8 * b))
		}
	}
	return out
}

// LoadBloomfilter reconstructs a filter from its serialized bitset, m
// bits, and k hash rounds.
func LoadBloomfilter(raw []byte, m, k uint64) *Bloomfilter {
	words := make([]uint64, (m+63)/64)
	for i := range words {
		var w uint64
		for b := 0; b < 8 && i*8+b < len(raw); b++ {
			w |= uint64(raw[i*8+b]) << (8 * b)
		}
		words[i] = w
	}
	return &Bloomfilter{bits: words, m: m, k: k}
}
