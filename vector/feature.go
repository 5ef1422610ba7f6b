// Package vector holds the vector feature model and reprojects features between references.
package vector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-spatial/geom"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/landform/crs"
)

var (
	ErrMissingReference  = errors.New("feature has no coordinate reference")
	ErrReferenceMismatch = errors.New("transform does not match feature reference")
	ErrUnsupportedGeometry = errors.New("unsupported geometry type")
)

// Flags mark geometries that are passed through although they are not valid
type Flags uint8

const (
	// Degenerate geometries are empty, single-point lines or zero-area rings
	Degenerate Flags = 1 << iota
	// SelfIntersecting geometries have non-adjacent segments that cross or touch
	SelfIntersecting
)

func (f Flags) Has(o Flags) bool {
	return f&o == o
}

func (f Flags) String() string {
	var parts []string
	if f.Has(Degenerate) {
		parts = append(parts, "degenerate")
	}
	if f.Has(SelfIntersecting) {
		parts = append(parts, "self-intersecting")
	}
	if len(parts) == 0 {
		return "valid"
	}
	return strings.Join(parts, ",")
}

// Attributes maps column names to string, int64, float64, bool, time.Time or nil,
// in the order the source declares them
type Attributes = orderedmap.OrderedMap[string, any]

func NewAttributes() *Attributes {
	return orderedmap.New[string, any]()
}

type Feature struct {
	ID string
	// Source is the ID of the source the feature was read from, empty until the pipeline sets it
	Source string
	// Layer is the table or collection the feature was read from
	Layer      string
	Geometry   geom.Geometry
	Attributes *Attributes
	CRS        *crs.CoordinateReference
	Flags      Flags
}

// Class returns the string value of attribute key, or the layer name when the attribute is absent
func (f *Feature) Class(key string) string {
	if key != "" && f.Attributes != nil {
		if v, ok := f.Attributes.Get(key); ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return f.Layer
}

// Extent returns the bounding box of the geometry, nil for empty geometries
func (f *Feature) Extent() *geom.Extent {
	if f.Geometry == nil {
		return nil
	}
	ext, err := geom.NewExtentFromGeometry(f.Geometry)
	if err != nil {
		return nil
	}
	return ext
}
