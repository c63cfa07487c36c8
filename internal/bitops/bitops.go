// Package bitops implements the bit scanning helpers used by the task
// selector.
package bitops

import (
	"math/bits"

	"golang.org/x/exp/constraints"
)

// FindFirstSet returns the 1-based index of the least significant set bit in
// v, or 0 if v is zero. This matches the C library ffs convention.
func FindFirstSet[T constraints.Unsigned](v T) int {
	if v == 0 {
		return 0
	}
	return bits.TrailingZeros64(uint64(v)) + 1
}
