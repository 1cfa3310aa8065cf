package knowledge

import (
	"hash/fnv"
	"math"
)

// bloomFilter is a fixed-size Bloom filter consulted before the primary map so
// definite misses never pay for a map walk or a lazy domain load. False
// positives only cost the lookup they would have done anyway.
type bloomFilter struct {
	bits  []uint64
	m     uint64 // number of bits
	k     uint64 // number of hash functions
	count uint64
}

// newBloomFilter sizes the filter for the expected item count at the target
// false-positive rate.
func newBloomFilter(capacity int, fpRate float64) *bloomFilter {
	if capacity <= 0 {
		capacity = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	m := uint64(math.Ceil(-float64(capacity) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint64(math.Round(float64(m) / float64(capacity) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &bloomFilter{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
	}
}

// indexes derives k bit positions via double hashing over a single FNV pass.
func (bf *bloomFilter) indexes(key string) (uint64, uint64) {
	h := fnv.New64a()
	h.Write([]byte(key))
	sum := h.Sum64()
	h1 := sum
	h2 := (sum >> 33) | (sum << 31)
	if h2 == 0 {
		h2 = 0x9e3779b97f4a7c15
	}
	return h1, h2
}

// Add inserts a key.
func (bf *bloomFilter) Add(key string) {
	h1, h2 := bf.indexes(key)
	for i := uint64(0); i < bf.k; i++ {
		pos := (h1 + i*h2) % bf.m
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
	bf.count++
}

// MayContain reports whether the key might be present. A false return is
// definitive.
func (bf *bloomFilter) MayContain(key string) bool {
	h1, h2 := bf.indexes(key)
	for i := uint64(0); i < bf.k; i++ {
		pos := (h1 + i*h2) % bf.m
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of inserted keys.
func (bf *bloomFilter) Count() uint64 {
	return bf.count
}
