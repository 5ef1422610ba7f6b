package crs

import (
	"fmt"
	"math"
)

const arcsec2rad = math.Pi / (180 * 3600)

// datumShift converts geodetic coordinates between two datums through WGS84
// geocentric coordinates. Either side may be WGS84 equivalent.
type datumShift struct {
	srcEll, dstEll Ellipsoid
	src, dst       *helmert // nil when the datum equals WGS84
}

// helmert is a 7-parameter similarity transform to WGS84 and its exact inverse
type helmert struct {
	t   [3]float64
	m   [3][3]float64 // (1+s) * R
	inv [3][3]float64
}

func newHelmert(params []float64) (*helmert, error) {
	var p [7]float64
	switch len(params) {
	case 3, 7:
		copy(p[:], params)
	default:
		return nil, fmt.Errorf("towgs84 needs 3 or 7 parameters, got %d: %w", len(params), ErrInvalidReference)
	}
	rx, ry, rz := p[3]*arcsec2rad, p[4]*arcsec2rad, p[5]*arcsec2rad
	s := 1 + p[6]*1e-6
	h := &helmert{
		t: [3]float64{p[0], p[1], p[2]},
		m: [3][3]float64{
			{s, -s * rz, s * ry},
			{s * rz, s, -s * rx},
			{-s * ry, s * rx, s},
		},
	}
	inv, ok := invert3(h.m)
	if !ok {
		return nil, fmt.Errorf("singular towgs84 rotation: %w", ErrInvalidReference)
	}
	h.inv = inv
	return h, nil
}

func (h *helmert) toWGS84(v [3]float64) [3]float64 {
	return add(mul(h.m, v), h.t)
}

func (h *helmert) fromWGS84(v [3]float64) [3]float64 {
	return mul(h.inv, [3]float64{v[0] - h.t[0], v[1] - h.t[1], v[2] - h.t[2]})
}

func mul(m [3][3]float64, v [3]float64) [3]float64 {
	return [3]float64{
		m[0][0]*v[0] + m[0][1]*v[1] + m[0][2]*v[2],
		m[1][0]*v[0] + m[1][1]*v[1] + m[1][2]*v[2],
		m[2][0]*v[0] + m[2][1]*v[1] + m[2][2]*v[2],
	}
}

func add(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

// invert3 returns the inverse of m through its adjugate
func invert3(m [3][3]float64) ([3][3]float64, bool) {
	var inv [3][3]float64
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	if det == 0 {
		return inv, false
	}
	inv[0][0] = (m[1][1]*m[2][2] - m[1][2]*m[2][1]) / det
	inv[0][1] = (m[0][2]*m[2][1] - m[0][1]*m[2][2]) / det
	inv[0][2] = (m[0][1]*m[1][2] - m[0][2]*m[1][1]) / det
	inv[1][0] = (m[1][2]*m[2][0] - m[1][0]*m[2][2]) / det
	inv[1][1] = (m[0][0]*m[2][2] - m[0][2]*m[2][0]) / det
	inv[1][2] = (m[0][2]*m[1][0] - m[0][0]*m[1][2]) / det
	inv[2][0] = (m[1][0]*m[2][1] - m[1][1]*m[2][0]) / det
	inv[2][1] = (m[0][1]*m[2][0] - m[0][0]*m[2][1]) / det
	inv[2][2] = (m[0][0]*m[1][1] - m[0][1]*m[1][0]) / det
	return inv, true
}

func geodeticToGeocentric(ell Ellipsoid, lam, phi, h float64) [3]float64 {
	e2 := ell.E2()
	sphi, cphi := math.Sincos(phi)
	slam, clam := math.Sincos(lam)
	n := ell.A / math.Sqrt(1-e2*sphi*sphi)
	return [3]float64{
		(n + h) * cphi * clam,
		(n + h) * cphi * slam,
		(n*(1-e2) + h) * sphi,
	}
}

func geocentricToGeodetic(ell Ellipsoid, v [3]float64) (lam, phi, h float64) {
	e2 := ell.E2()
	p := math.Hypot(v[0], v[1])
	lam = math.Atan2(v[1], v[0])
	phi = math.Atan2(v[2], p*(1-e2))
	for i := 0; i < 20; i++ {
		sphi, cphi := math.Sincos(phi)
		n := ell.A / math.Sqrt(1-e2*sphi*sphi)
		if math.Abs(cphi) > 1e-10 {
			h = p/cphi - n
		} else {
			h = v[2]/sphi - n*(1-e2)
		}
		next := math.Atan2(v[2], p*(1-e2*n/(n+h)))
		if math.Abs(next-phi) < 1e-14 {
			phi = next
			break
		}
		phi = next
	}
	return lam, phi, h
}

func newDatumShift(src, dst *CoordinateReference) (*datumShift, error) {
	if !src.Datum.Known() || !dst.Datum.Known() {
		return nil, fmt.Errorf("%s (%s) to %s (%s): %w", src.ID, src.Datum.Name, dst.ID, dst.Datum.Name, ErrUnsupportedDatumShift)
	}
	ds := &datumShift{srcEll: src.Ellipsoid, dstEll: dst.Ellipsoid}
	var err error
	if !src.Datum.IsWGS84Equivalent() {
		if ds.src, err = newHelmert(src.Datum.ToWGS84); err != nil {
			return nil, err
		}
	}
	if !dst.Datum.IsWGS84Equivalent() {
		if ds.dst, err = newHelmert(dst.Datum.ToWGS84); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// forward shifts from the source datum to the destination datum. Heights are ellipsoidal.
func (ds *datumShift) forward(lam, phi, h float64) (float64, float64, float64) {
	v := geodeticToGeocentric(ds.srcEll, lam, phi, h)
	if ds.src != nil {
		v = ds.src.toWGS84(v)
	}
	if ds.dst != nil {
		v = ds.dst.fromWGS84(v)
	}
	return geocentricToGeodetic(ds.dstEll, v)
}

func (ds *datumShift) inverse(lam, phi, h float64) (float64, float64, float64) {
	v := geodeticToGeocentric(ds.dstEll, lam, phi, h)
	if ds.dst != nil {
		v = ds.dst.toWGS84(v)
	}
	if ds.src != nil {
		v = ds.src.fromWGS84(v)
	}
	return geocentricToGeodetic(ds.srcEll, v)
}
