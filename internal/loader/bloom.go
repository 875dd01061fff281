package loader

import (
	"hash/fnv"
	"math"
)

// bloomFilter answers "might this archive member define symbol X" in
// O(1) without decoding the member, gating the expensive exact scan
// that load_if falls back to. False positives are fine (they just
// cost an extra scan); false negatives would silently drop a needed
// object, so Insert must be called for every candidate name.
//
// Two independent FNV-1a-family hashes feed Kirsch–Mitzenmacher double
// hashing (g_i(x) = h1(x) + i*h2(x)) rather than computing k distinct
// hash functions.
type bloomFilter struct {
	bits []uint64
	m    uint64 // number of bits
	k    uint64 // number of hash probes per insert/test
}

const bloomFalsePositiveRate = 0.001

// newBloomFilter sizes a filter for n expected entries at the target
// false-positive rate, using m = round(n * ln(1/p) / ln(2)^2).
func newBloomFilter(n int) *bloomFilter {
	if n < 1 {
		n = 1
	}
	fn := float64(n)
	m := uint64(math.Round(fn * math.Log(1/bloomFalsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint64(math.Round(float64(m) / fn * math.Ln2))
	if k < 1 {
		k = 1
	}
	words := (m + 63) / 64
	return &bloomFilter{bits: make([]uint64, words), m: m, k: k}
}

func (b *bloomFilter) hashes(name string) (h1, h2 uint64) {
	f1 := fnv.New64a()
	f1.Write([]byte(name))
	h1 = f1.Sum64()

	// A second, independent FNV-1a pass seeded with a different
	// initial offset basis produces h2 without a second algorithm.
	f2 := fnv.New64a()
	f2.Write([]byte{0x5a})
	f2.Write([]byte(name))
	h2 = f2.Sum64()
	return h1, h2
}

func (b *bloomFilter) Insert(name string) {
	h1, h2 := b.hashes(name)
	for i := uint64(0); i < b.k; i++ {
		idx := (h1 + i*h2) % b.m
		b.bits[idx/64] |= 1 << (idx % 64)
	}
}

func (b *bloomFilter) Contains(name string) bool {
	h1, h2 := b.hashes(name)
	for i := uint64(0); i < b.k; i++ {
		idx := (h1 + i*h2) % b.m
		if b.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}
