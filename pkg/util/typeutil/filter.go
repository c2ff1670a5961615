package typeutil

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// FilterZero returns a new slice with all zero values removed.
func FilterZero[T comparable](l []T) (res []T) {
	var n T
	res = make([]T, 0, len(l))
	for _, t := range l {
		if t == n {
			continue
		}
		res = append(res, t)
	}
	return
}

// Unique returns a new slice keeping the first occurrence of each value, in order.
func Unique[T comparable](l []T) []T {
	seen := mapset.NewThreadUnsafeSet[T]()
	res := make([]T, 0, len(l))
	for _, t := range l {
		if seen.Add(t) {
			res = append(res, t)
		}
	}
	return res
}
