package safemath

import (
	"math/bits"
)

func Add64(a, b uint64) (uint64, bool) {
	v, carry := bits.Add64(a, b, 0)
	return v, carry == 0
}

func Sub64(a, b uint64) (uint64, bool) {
	v, borrow := bits.Sub64(a, b, 0)
	return v, borrow == 0
}

// Span returns the end of the range [offset, offset+length) when it fits
// within limit
func Span(offset, length, limit uint64) (uint64, bool) {
	end, ok := Add64(offset, length)
	if !ok || end > limit {
		return 0, false
	}
	return end, true
}
