// Package intgeom resembles github.com/go-spatial/geom but uses int64s internally
// to avoid floating point errors when performing arithmetic with the coords.
//
// The idea is that an int64's range (math.MaxInt64) is enough for (most) (earthly) geom operations.
// See https://www.explainxkcd.com/wiki/index.php/2170:_Coordinate_Precision.
// Using the last 10 digits as decimals leaves 9 digits for the whole units of measurement
// in your SRS, which covers metres on any projected CRS we import into.
// Tile grids use it to cut extents into tile index ranges without rounding surprises
// at tile edges.
package intgeom

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	Precision = 10
	Half      = 5000000000
	One       = 10000000000
)

// M is short for measure.
// Used to indicate that a distance or ordinate is saved as an int64 and needs division by Precision (eventually).
type M = int64

// FromGeomOrd turns a floating point ordinate into a representation by an integer,
// rounding to the nearest representable value
func FromGeomOrd(o float64) M {
	return int64(math.Round(o * One))
}

// Fits reports whether o survives FromGeomOrd without overflowing
func Fits(o float64) bool {
	return !math.IsNaN(o) && math.Abs(o) < math.MaxInt64/One
}

// PrintWithDecimals formats o with exactly n decimals, truncating
func PrintWithDecimals(o M, n uint) string {
	sign := ""
	if o < 0 {
		sign = "-"
		o = -o
	}
	s := fmt.Sprintf("%0"+strconv.Itoa(Precision+1)+"d", o)
	l := len(s)
	m := s[l-Precision : l]
	if n < Precision {
		m = m[0:n]
	} else {
		m += strings.Repeat("0", int(n-Precision))
	}
	c := s[0 : l-Precision]
	return sign + c + "." + m
}
