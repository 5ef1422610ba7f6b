// Package crs parses coordinate reference descriptors and builds transforms between them.
//
// Coordinates are (x, y, z) in the units of the reference: degrees (longitude, latitude)
// for geographic references, metres (or the declared linear unit) for projected ones.
// Axis order is always x/easting/longitude first, like traditional GIS data.
package crs

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidReference      = errors.New("invalid coordinate reference")
	ErrUnsupportedDatumShift = errors.New("unsupported datum shift")
	ErrOutOfDomain           = errors.New("coordinate outside projection domain")
)

const (
	deg2rad = math.Pi / 180
	rad2deg = 180 / math.Pi
)

// Ellipsoid is defined by its semi-major axis and flattening
type Ellipsoid struct {
	Name string
	A    float64
	F    float64
}

// E2 is the first eccentricity squared
func (e Ellipsoid) E2() float64 {
	return e.F * (2 - e.F)
}

// E is the first eccentricity
func (e Ellipsoid) E() float64 {
	return math.Sqrt(e.E2())
}

func (e Ellipsoid) B() float64 {
	return e.A * (1 - e.F)
}

// Datum names a geodetic datum. ToWGS84 holds the 3 or 7 Helmert parameters
// (metres, arc seconds, ppm; position vector convention), nil when the shift is unknown.
type Datum struct {
	Name    string
	ToWGS84 []float64
}

// Known reports whether the datum can be shifted to WGS84
func (d Datum) Known() bool {
	return d.ToWGS84 != nil
}

// IsWGS84Equivalent is true for datums whose shift to WGS84 is null, like ETRS89 and NAD83 at this precision
func (d Datum) IsWGS84Equivalent() bool {
	if !d.Known() {
		return false
	}
	for _, p := range d.ToWGS84 {
		if p != 0 {
			return false
		}
	}
	return true
}

func (d Datum) sameAs(o Datum) bool {
	if d.IsWGS84Equivalent() && o.IsWGS84Equivalent() {
		return true
	}
	if d.Known() != o.Known() {
		return false
	}
	if !d.Known() {
		return d.Name == o.Name
	}
	if len(d.ToWGS84) != len(o.ToWGS84) {
		return false
	}
	for i := range d.ToWGS84 {
		if d.ToWGS84[i] != o.ToWGS84[i] {
			return false
		}
	}
	return true
}

// CoordinateReference is an immutable, parsed reference system definition.
// Instances are shared between jobs through the Resolver's cache.
type CoordinateReference struct {
	// ID is the canonical identifier, e.g. "EPSG:28992" or a normalized PROJ string
	ID        string
	Name      string
	Ellipsoid Ellipsoid
	Datum     Datum
	// ToMeter converts the linear unit of a projected reference to metres
	ToMeter float64
	// VerticalToMeter converts declared heights to metres; 0 when no vertical unit is declared
	VerticalToMeter float64
	// EPSG code when known, 0 otherwise
	EPSG int

	projName string
	proj     projection
}

func (c *CoordinateReference) String() string {
	return c.ID
}

// Geographic is true for longitude/latitude references
func (c *CoordinateReference) Geographic() bool {
	return c.proj == nil
}

// ProjectionName returns the PROJ name of the projection ("longlat" for geographic references)
func (c *CoordinateReference) ProjectionName() string {
	return c.projName
}

// HasVertical reports whether the reference declares a vertical unit
func (c *CoordinateReference) HasVertical() bool {
	return c.VerticalToMeter > 0
}

// toGeodetic converts native coordinates to longitude/latitude in radians on the reference's own ellipsoid
func (c *CoordinateReference) toGeodetic(x, y float64) (lam, phi float64, err error) {
	if c.proj == nil {
		if math.IsNaN(x) || math.IsNaN(y) || math.Abs(y) > 90 {
			return 0, 0, fmt.Errorf("latitude %v: %w", y, ErrOutOfDomain)
		}
		return x * deg2rad, y * deg2rad, nil
	}
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return 0, 0, ErrOutOfDomain
	}
	return c.proj.inverse(x*c.ToMeter, y*c.ToMeter)
}

// fromGeodetic is the inverse of toGeodetic
func (c *CoordinateReference) fromGeodetic(lam, phi float64) (x, y float64, err error) {
	if c.proj == nil {
		return lam * rad2deg, phi * rad2deg, nil
	}
	x, y, err = c.proj.forward(lam, phi)
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return 0, 0, ErrOutOfDomain
	}
	return x / c.ToMeter, y / c.ToMeter, nil
}
