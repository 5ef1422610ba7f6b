package vector

import (
	"context"
	"fmt"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/planar/intersect"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/geomhelp"
)

// Extract transforms every vertex of the feature's geometry. Degenerate and
// self-intersecting geometries are kept and flagged. The input is not modified.
func Extract(f *Feature, tf *crs.Transform) (*Feature, error) {
	if f == nil || f.CRS == nil {
		return nil, ErrMissingReference
	}
	if tf == nil || tf.Source().ID != f.CRS.ID {
		return nil, ErrReferenceMismatch
	}
	g, err := transformGeometry(f.Geometry, tf)
	if err != nil {
		return nil, fmt.Errorf("feature %s: %w", f.ID, err)
	}
	out := &Feature{
		ID:         f.ID,
		Source:     f.Source,
		Layer:      f.Layer,
		Geometry:   g,
		Attributes: f.Attributes,
		CRS:        tf.Target(),
	}
	out.Flags = Classify(g)
	return out, nil
}

// Classify computes the validity flags of a geometry
func Classify(g geom.Geometry) Flags {
	var flags Flags
	switch g := g.(type) {
	case nil:
		return Degenerate
	case geom.Point:
	case geom.MultiPoint:
		if len(g) == 0 {
			flags |= Degenerate
		}
	case geom.LineString:
		flags |= classifyLine(g)
	case geom.MultiLineString:
		if len(g) == 0 {
			flags |= Degenerate
		}
		for _, l := range g {
			flags |= classifyLine(l)
		}
	case geom.Polygon:
		flags |= classifyPolygon(g)
	case geom.MultiPolygon:
		if len(g) == 0 {
			flags |= Degenerate
		}
		for _, p := range g {
			flags |= classifyPolygon(p)
		}
	case geom.Collection:
		if len(g) == 0 {
			flags |= Degenerate
		}
		for _, sub := range g {
			flags |= Classify(sub)
		}
	}
	return flags
}

func distinctVertices(pts [][2]float64) int {
	n := 0
	for i, p := range pts {
		if i == 0 || p != pts[i-1] {
			n++
		}
	}
	if n > 1 && pts[0] == pts[len(pts)-1] {
		n--
	}
	return n
}

func classifyLine(l geom.LineString) Flags {
	if distinctVertices(l) < 2 {
		return Degenerate
	}
	if selfIntersects(l, false) {
		return SelfIntersecting
	}
	return 0
}

func classifyPolygon(p geom.Polygon) Flags {
	if len(p) == 0 {
		return Degenerate
	}
	var flags Flags
	for _, ring := range p {
		if distinctVertices(ring) < 3 || geomhelp.Shoelace(ring) == 0 {
			flags |= Degenerate
			continue
		}
		if selfIntersects(ring, true) {
			flags |= SelfIntersecting
		}
	}
	return flags
}

// selfIntersects reports whether two non-adjacent segments of pts touch or cross.
// Closed rings may omit the closing vertex. Segments are swept along x, so only
// pairs with overlapping x ranges are tested.
func selfIntersects(pts [][2]float64, closed bool) bool {
	if closed && len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	segs := make([]geom.Line, 0, len(pts))
	for i := 0; i+1 < len(pts); i++ {
		if pts[i] != pts[i+1] {
			segs = append(segs, geom.Line{pts[i], pts[i+1]})
		}
	}
	if closed && len(pts) > 2 && pts[len(pts)-1] != pts[0] {
		segs = append(segs, geom.Line{pts[len(pts)-1], pts[0]})
	}
	n := len(segs)
	if n < 3 {
		return false
	}
	adjacent := func(i, j int) bool {
		if i > j {
			i, j = j, i
		}
		// first and last segment of a ring share the closing vertex
		return j-i == 1 || (closed && i == 0 && j == n-1)
	}
	found := false
	eq := intersect.NewEventQueue(segs)
	_ = eq.FindIntersects(context.Background(), false, func(src, dest int, _ [2]float64) error {
		if adjacent(src, dest) {
			return nil
		}
		found = true
		return intersect.ErrStopIteration
	})
	return found
}

func transformPoints(pts [][2]float64, tf *crs.Transform) ([][2]float64, error) {
	out := make([][2]float64, len(pts))
	for i, p := range pts {
		x, y, err := tf.ForwardXY(p[0], p[1])
		if err != nil {
			return nil, err
		}
		out[i] = [2]float64{x, y}
	}
	return out, nil
}

func transformRings(rings [][][2]float64, tf *crs.Transform) ([][][2]float64, error) {
	out := make([][][2]float64, len(rings))
	for i, r := range rings {
		t, err := transformPoints(r, tf)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func transformGeometry(g geom.Geometry, tf *crs.Transform) (geom.Geometry, error) {
	switch g := g.(type) {
	case nil:
		return nil, nil
	case geom.Point:
		x, y, err := tf.ForwardXY(g[0], g[1])
		return geom.Point{x, y}, err
	case *geom.Point:
		return transformGeometry(*g, tf)
	case geom.MultiPoint:
		pts, err := transformPoints(g, tf)
		return geom.MultiPoint(pts), err
	case *geom.MultiPoint:
		return transformGeometry(*g, tf)
	case geom.LineString:
		pts, err := transformPoints(g, tf)
		return geom.LineString(pts), err
	case *geom.LineString:
		return transformGeometry(*g, tf)
	case geom.MultiLineString:
		lines, err := transformRings(g, tf)
		return geom.MultiLineString(lines), err
	case *geom.MultiLineString:
		return transformGeometry(*g, tf)
	case geom.Polygon:
		rings, err := transformRings(g, tf)
		return geom.Polygon(rings), err
	case *geom.Polygon:
		return transformGeometry(*g, tf)
	case geom.MultiPolygon:
		out := make(geom.MultiPolygon, len(g))
		for i, p := range g {
			rings, err := transformRings(p, tf)
			if err != nil {
				return nil, err
			}
			out[i] = rings
		}
		return out, nil
	case *geom.MultiPolygon:
		return transformGeometry(*g, tf)
	case geom.Collection:
		out := make(geom.Collection, len(g))
		for i, sub := range g {
			t, err := transformGeometry(sub, tf)
			if err != nil {
				return nil, err
			}
			out[i] = t
		}
		return out, nil
	case *geom.Collection:
		return transformGeometry(*g, tf)
	}
	return nil, fmt.Errorf("%T: %w", g, ErrUnsupportedGeometry)
}
