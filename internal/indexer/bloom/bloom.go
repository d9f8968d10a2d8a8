// Package bloom provides the fixed-size membership filter attached to every
// index segment. A negative answer proves a term is absent from the segment;
// a positive answer only means the segment has to be consulted.
package bloom

import (
	"github.com/bits-and-blooms/bitset"
)

const (
	// DefaultBits is the size of the bit array (2^20).
	DefaultBits = 1 << 20
	// DefaultProbes is the number of hash probes per term.
	DefaultProbes = 7

	seedBase   = 1337
	seedStride = 101
)

// Filter is a bloom filter over term strings. Add must not run concurrently
// with other calls; MightContain is safe for concurrent readers once the
// filter is no longer being populated.
type Filter struct {
	bits *bitset.BitSet
	m    int32
	k    int
}

// New returns an empty filter with DefaultBits bits and DefaultProbes probes.
func New() *Filter {
	return NewWithSize(DefaultBits, DefaultProbes)
}

// NewWithSize returns an empty filter with m bits and k probes.
func NewWithSize(m, k int) *Filter {
	if m < 1 {
		m = 1
	}
	if k < 1 {
		k = 1
	}
	return &Filter{
		bits: bitset.New(uint(m)),
		m:    int32(m),
		k:    k,
	}
}

// Add sets all probe positions for term.
func (f *Filter) Add(term string) {
	data := []byte(term)
	for i := 0; i < f.k; i++ {
		f.bits.Set(uint(f.position(data, i)))
	}
}

// MightContain reports false only when term was never added.
func (f *Filter) MightContain(term string) bool {
	data := []byte(term)
	for i := 0; i < f.k; i++ {
		if !f.bits.Test(uint(f.position(data, i))) {
			return false
		}
	}
	return true
}

// SetBits returns the number of bits currently set.
func (f *Filter) SetBits() uint {
	return f.bits.Count()
}

// position computes probe i with a seeded multiplicative hash. Bytes are
// folded in as signed values and the arithmetic wraps at 32 bits.
func (f *Filter) position(data []byte, i int) int32 {
	h := int32(seedBase + i*seedStride)
	for _, b := range data {
		h = h*31 + int32(int8(b))
	}
	return (h & 0x7fffffff) % f.m
}
