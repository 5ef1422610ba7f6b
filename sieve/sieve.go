// Package sieve drops polygons and holes too small to show up on the target grid.
package sieve

import (
	"github.com/go-spatial/geom"

	"github.com/pdok/landform/geomhelp"
	"github.com/pdok/landform/vector"
)

// area of a polygon, exterior minus holes
func area(p [][][2]float64) float64 {
	if len(p) == 0 {
		return 0.
	}
	interior := .0
	for _, i := range p[1:] {
		interior += geomhelp.Shoelace(i)
	}
	return geomhelp.Shoelace(p[0]) - interior
}

// Polygon sieves p: nil when its area does not exceed minArea, otherwise p
// without the holes that do not.
func Polygon(p geom.Polygon, minArea float64) geom.Polygon {
	if area(p) <= minArea {
		return nil
	}
	if len(p) == 1 {
		return p
	}
	sieved := geom.Polygon{p[0]}
	for _, interior := range p[1:] {
		if geomhelp.Shoelace(interior) > minArea {
			sieved = append(sieved, interior)
		}
	}
	return sieved
}

func multiPolygon(mp geom.MultiPolygon, minArea float64) geom.MultiPolygon {
	var sieved geom.MultiPolygon
	for _, p := range mp {
		if s := Polygon(p, minArea); s != nil {
			sieved = append(sieved, s)
		}
	}
	return sieved
}

// Feature sieves the polygons of f against cells of size resolution. It
// reports false when nothing of f is left. Points and lines are kept as they are.
// f is modified in place.
func Feature(f *vector.Feature, resolution float64) bool {
	if resolution <= 0 {
		return true
	}
	minArea := resolution * resolution
	switch g := f.Geometry.(type) {
	case geom.Polygon:
		s := Polygon(g, minArea)
		if s == nil {
			return false
		}
		f.Geometry = s
	case geom.MultiPolygon:
		s := multiPolygon(g, minArea)
		if len(s) == 0 {
			return false
		}
		f.Geometry = s
	}
	return true
}
