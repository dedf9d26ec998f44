package utils

import (
	"golang.org/x/exp/constraints"
)

// Rounds value up to the next multiple of alignment. Zero alignment returns the value unchanged.
func AlignUp[T constraints.Unsigned](value T, alignment T) T {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) / alignment * alignment
}

// Rounds value down to the previous multiple of alignment. Zero alignment returns the value unchanged.
func AlignDown[T constraints.Unsigned](value T, alignment T) T {
	if alignment == 0 {
		return value
	}
	return value / alignment * alignment
}
