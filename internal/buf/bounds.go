// Package buf holds the overflow-safe arithmetic shared by the paged
// structures: every index computation goes through here before it turns
// into a page lookup.
package buf

import (
	"fmt"
	"math"
	"math/bits"
)

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow uint64.
func AddOverflowSafe(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// MulOverflowSafe multiplies a and b, returning ok = false when the result would overflow uint64.
// This is essential for count * elementSize calculations on large index domains.
func MulOverflowSafe(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

// CheckSpan validates that n bytes starting at off fit in a region of limit
// bytes. Returns the end offset if valid, or an error describing the specific
// failure (overflow or out of bounds).
//
//	end, err := buf.CheckSpan(b.Len(), off, uint64(len(p)))
//	if err != nil {
//	    return 0, fmt.Errorf("pagebuf: %w", err)
//	}
func CheckSpan(limit, off, n uint64) (uint64, error) {
	end, ok := AddOverflowSafe(off, n)
	if !ok {
		return 0, fmt.Errorf("overflow: offset=%d + size=%d", off, n)
	}
	if end > limit {
		return 0, fmt.Errorf("bounds: end=%d > len=%d", end, limit)
	}
	return end, nil
}

// CheckElements validates that count elements of elementSize bytes fit in a
// region of limit bytes, returning the total byte size.
func CheckElements(limit, count, elementSize uint64) (uint64, error) {
	total, ok := MulOverflowSafe(count, elementSize)
	if !ok {
		return 0, fmt.Errorf("overflow: count=%d * elemSize=%d", count, elementSize)
	}
	if total > limit {
		return 0, fmt.Errorf("bounds: size=%d > len=%d", total, limit)
	}
	return total, nil
}

// CeilDiv returns ceil(a / b). b must be non-zero.
func CeilDiv(a, b uint64) uint64 {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// CeilShift returns ceil(v / 2^shift).
func CeilShift(v uint64, shift uint) uint64 {
	q := v >> shift
	if v&(1<<shift-1) != 0 {
		q++
	}
	return q
}

// ToInt converts v to int, returning ok = false when it does not fit.
func ToInt(v uint64) (int, bool) {
	if v > math.MaxInt {
		return 0, false
	}
	return int(v), true
}
