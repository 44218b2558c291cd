package utils

import (
	"golang.org/x/exp/constraints"
)

// SetDefaultNum sets *p to d if *p is zero or negative.
func SetDefaultNum[T constraints.Integer | constraints.Float](p *T, d T) {
	if *p <= 0 {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// ClampNum returns v limited to [min, max]. A max lower than min is ignored.
func ClampNum[T constraints.Integer | constraints.Float](v, min, max T) T {
	if v < min {
		return min
	}
	if max >= min && v > max {
		return max
	}
	return v
}
