package intgeom

import (
	"github.com/go-spatial/geom"
)

// Extent represents the minx, miny, maxx and maxy
type Extent [4]int64

func FromGeomExtent(e geom.Extent) Extent {
	return Extent{
		FromGeomOrd(e[0]),
		FromGeomOrd(e[1]),
		FromGeomOrd(e[2]),
		FromGeomOrd(e[3]),
	}
}

// ExtentFits reports whether every ordinate of e survives conversion
func ExtentFits(e geom.Extent) bool {
	for _, o := range e {
		if !Fits(o) {
			return false
		}
	}
	return true
}

// MaxX is the larger of the x values.
func (e Extent) MaxX() int64 {
	return e[2]
}

// MinX  is the smaller of the x values.
func (e Extent) MinX() int64 {
	return e[0]
}

// MaxY is the larger of the y values.
func (e Extent) MaxY() int64 {
	return e[3]
}

// MinY is the smaller of the y values.
func (e Extent) MinY() int64 {
	return e[1]
}

// Offset is the position of e relative to the top-left corner o, in the
// directions tiles are numbered: left and right grow eastwards, top and
// bottom grow southwards.
func (e Extent) Offset(o Point) (left, right, top, bottom int64) {
	return e.MinX() - o.X(), e.MaxX() - o.X(), o.Y() - e.MaxY(), o.Y() - e.MinY()
}
