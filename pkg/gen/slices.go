package gen

import "cmp"

// Clamp returns v limited to the range [lo, hi]
func Clamp[T cmp.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DeleteFirst removes the first occurrence of v from s, and returns the shortened slice.
// The order of the remaining elements is preserved.
func DeleteFirst[T comparable](s []T, v T) []T {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
