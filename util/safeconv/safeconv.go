package safeconv

import (
	"math"

	"golang.org/x/exp/constraints"
)

// clamp converts v to the integer type To, saturating at the bounds of To.
func clamp[To, From constraints.Integer](v From, lo, hi To) To {
	if int64(v) < int64(lo) && v < 0 {
		return lo
	}
	if v > 0 && uint64(v) > uint64(hi) {
		return hi
	}
	return To(v)
}

// Int64ToInt converts int64 to int with clamping on 32-bit platforms.
func Int64ToInt(v int64) int {
	return clamp[int](v, math.MinInt, math.MaxInt)
}

// Int64SliceToIntSlice converts a slice of int64 to int with clamping.
func Int64SliceToIntSlice(input []int64) []int {
	out := make([]int, len(input))
	for i, v := range input {
		out[i] = Int64ToInt(v)
	}
	return out
}

// Int64SliceToInt32Slice converts a slice of int64 to int32 with clamping to avoid overflow/underflow.
func Int64SliceToInt32Slice(input []int64) []int32 {
	out := make([]int32, len(input))
	for i, v := range input {
		out[i] = clamp[int32](v, math.MinInt32, math.MaxInt32)
	}
	return out
}

// IntSliceToInt64Slice widens a slice of int to int64.
func IntSliceToInt64Slice(input []int) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}
