package ids

import (
	"fmt"
	"strconv"
	"strings"
)

const RuntimePrefix = "S"

// FormatRuntimeID renders the n-th placed structure id, e.g. S000042.
func FormatRuntimeID(n uint64) string {
	return fmt.Sprintf("%s%06d", RuntimePrefix, n)
}

func ParseRuntimeID(id string) (uint64, bool) {
	if !strings.HasPrefix(id, RuntimePrefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(id[len(RuntimePrefix):], 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

func MaxU64(a, b uint64) uint64 {
	if a >= b {
		return a
	}
	return b
}

// RemapIndex moves a row-major plot index from an old x old grid into a
// new x new grid, preserving its (row, col) coordinates.
func RemapIndex(i, oldDim, newDim int) int {
	return (i/oldDim)*newDim + i%oldDim
}
