package mathhelp

import (
	"math"
)

// FloorDiv divides rounding towards negative infinity (unlike Go's / which truncates)
func FloorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// CeilDiv divides rounding towards positive infinity
func CeilDiv(a, b int64) int64 {
	return -FloorDiv(-a, b)
}

func NearlyEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}
