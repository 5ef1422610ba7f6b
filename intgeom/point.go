package intgeom

import (
	"github.com/go-spatial/geom"
)

// Point describes a simple 2D point
type Point [2]int64

func FromGeomPoint(p geom.Point) Point {
	return Point{
		FromGeomOrd(p[0]),
		FromGeomOrd(p[1]),
	}
}

// X is the x coordinate of a point in the projection
func (p Point) X() int64 { return p[0] }

// Y is the y coordinate of a point in the projection
func (p Point) Y() int64 { return p[1] }
