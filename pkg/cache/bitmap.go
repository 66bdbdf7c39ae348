package cache

import "math/bits"

// Bitmap holds one bit per byte of a memory payload.
type Bitmap []uint64

func newBitmap(n uint64) Bitmap {
	return make(Bitmap, Align(n, 64)/64)
}

// Get reports whether bit i is set. Bits past the end are clear.
func (b Bitmap) Get(i uint64) bool {
	if i/64 >= uint64(len(b)) {
		return false
	}
	return b[i/64]&(1<<(i%64)) != 0
}

func (b Bitmap) set(i uint64) {
	b[i/64] |= 1 << (i % 64)
}

func (b Bitmap) setRange(lo, hi uint64) {
	for i := lo; i < hi; i++ {
		b.set(i)
	}
}

// Any reports whether any bit in [lo, hi) is set.
func (b Bitmap) Any(lo, hi uint64) bool {
	for i := lo; i < hi; i++ {
		if b.Get(i) {
			return true
		}
	}
	return false
}

// Count returns the number of set bits.
func (b Bitmap) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// truncate drops the bits from n on.
func (b Bitmap) truncate(n uint64) Bitmap {
	b = b[:Align(n, 64)/64]
	if r := n % 64; r != 0 {
		b[len(b)-1] &= 1<<r - 1
	}
	return b
}
