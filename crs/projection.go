package crs

import (
	"fmt"
	"math"
)

// projection maps geodetic lon/lat (radians, on the reference's ellipsoid) to metres and back.
// False easting/northing and scale are applied by the projection itself.
type projection interface {
	forward(lam, phi float64) (x, y float64, err error)
	inverse(x, y float64) (lam, phi float64, err error)
}

type projParams struct {
	lon0, lat0 float64 // radians
	k0         float64
	x0, y0     float64
}

// conformalPsi is the isometric latitude of phi on an ellipsoid with eccentricity e
func conformalPsi(phi, e float64) float64 {
	s := math.Sin(phi)
	return math.Atanh(s) - e*math.Atanh(e*s)
}

// geodeticFromPsi inverts conformalPsi by fixed point iteration
func geodeticFromPsi(psi, e float64) float64 {
	s := math.Tanh(psi)
	for i := 0; i < 20; i++ {
		next := math.Tanh(psi + e*math.Atanh(e*s))
		if math.Abs(next-s) < 1e-15 {
			s = next
			break
		}
		s = next
	}
	return math.Asin(s)
}

func normalizeLon(lam float64) float64 {
	for lam > math.Pi {
		lam -= 2 * math.Pi
	}
	for lam < -math.Pi {
		lam += 2 * math.Pi
	}
	return lam
}

// mercator covers both the spherical (e == 0) and the ellipsoidal variant
type mercator struct {
	p projParams
	a float64
	e float64
}

func (m mercator) forward(lam, phi float64) (float64, float64, error) {
	if math.Abs(phi) >= math.Pi/2-1e-12 {
		return 0, 0, fmt.Errorf("mercator latitude %v: %w", phi*rad2deg, ErrOutOfDomain)
	}
	x := m.p.x0 + m.a*m.p.k0*normalizeLon(lam-m.p.lon0)
	y := m.p.y0 + m.a*m.p.k0*conformalPsi(phi, m.e)
	return x, y, nil
}

func (m mercator) inverse(x, y float64) (float64, float64, error) {
	psi := (y - m.p.y0) / (m.a * m.p.k0)
	lam := m.p.lon0 + (x-m.p.x0)/(m.a*m.p.k0)
	return lam, geodeticFromPsi(psi, m.e), nil
}

// transverseMercator uses the Krüger series to third order in the third flattening,
// which is accurate to well below a millimetre within a UTM zone.
type transverseMercator struct {
	p     projParams
	e     float64
	bigA  float64 // rectifying radius
	alpha [3]float64
	beta  [3]float64
	m0    float64 // northing of (lat0, lon0) before false northing
}

func newTransverseMercator(p projParams, ell Ellipsoid) *transverseMercator {
	n := ell.F / (2 - ell.F)
	n2, n3, n4 := n*n, n*n*n, n*n*n*n
	tm := &transverseMercator{
		p:    p,
		e:    ell.E(),
		bigA: ell.A / (1 + n) * (1 + n2/4 + n4/64),
		alpha: [3]float64{
			n/2 - 2*n2/3 + 5*n3/16,
			13*n2/48 - 3*n3/5,
			61 * n3 / 240,
		},
		beta: [3]float64{
			n/2 - 2*n2/3 + 37*n3/96,
			n2/48 + n3/15,
			17 * n3 / 480,
		},
	}
	if p.lat0 != 0 {
		_, tm.m0 = tm.project(0, p.lat0)
	}
	return tm
}

// project returns easting and northing relative to the central meridian and the equator, scaled by k0
func (tm *transverseMercator) project(dlam, phi float64) (float64, float64) {
	t := math.Sinh(conformalPsi(phi, tm.e))
	xi := math.Atan2(t, math.Cos(dlam))
	eta := math.Atanh(math.Sin(dlam) / math.Sqrt(1+t*t))
	x, y := eta, xi
	for j := 0; j < 3; j++ {
		k := 2 * float64(j+1)
		x += tm.alpha[j] * math.Cos(k*xi) * math.Sinh(k*eta)
		y += tm.alpha[j] * math.Sin(k*xi) * math.Cosh(k*eta)
	}
	return tm.p.k0 * tm.bigA * x, tm.p.k0 * tm.bigA * y
}

func (tm *transverseMercator) forward(lam, phi float64) (float64, float64, error) {
	dlam := normalizeLon(lam - tm.p.lon0)
	if math.Abs(dlam) >= math.Pi/2 || math.Abs(phi) > math.Pi/2 {
		return 0, 0, fmt.Errorf("transverse mercator longitude offset %v: %w", dlam*rad2deg, ErrOutOfDomain)
	}
	x, y := tm.project(dlam, phi)
	return tm.p.x0 + x, tm.p.y0 + y - tm.m0, nil
}

func (tm *transverseMercator) inverse(x, y float64) (float64, float64, error) {
	xi := (y - tm.p.y0 + tm.m0) / (tm.p.k0 * tm.bigA)
	eta := (x - tm.p.x0) / (tm.p.k0 * tm.bigA)
	xi0, eta0 := xi, eta
	for j := 0; j < 3; j++ {
		k := 2 * float64(j+1)
		xi0 -= tm.beta[j] * math.Sin(k*xi) * math.Cosh(k*eta)
		eta0 -= tm.beta[j] * math.Cos(k*xi) * math.Sinh(k*eta)
	}
	chi := math.Asin(math.Sin(xi0) / math.Cosh(eta0))
	dlam := math.Atan2(math.Sinh(eta0), math.Cos(xi0))
	psi := math.Atanh(math.Sin(chi))
	return tm.p.lon0 + dlam, geodeticFromPsi(psi, tm.e), nil
}

// obliqueStereographic is the double projection used by PROJ's sterea: a Gauss conformal
// mapping onto a sphere followed by a stereographic projection from that sphere.
type obliqueStereographic struct {
	p     projParams
	e     float64
	c     float64 // Gauss exponent
	kgs   float64 // Gauss constant
	r2    float64 // twice the conformal sphere radius times k0
	sinc0 float64
	cosc0 float64
}

func newObliqueStereographic(p projParams, ell Ellipsoid) *obliqueStereographic {
	e2 := ell.E2()
	e := math.Sqrt(e2)
	sphi, cphi := math.Sincos(p.lat0)
	es := e2 * sphi * sphi
	rc := math.Sqrt(1-e2) / (1 - es)
	c := math.Sqrt(1 + e2*cphi*cphi*cphi*cphi/(1-e2))
	chi := math.Asin(sphi / c)
	ratexp := 0.5 * c * e
	kgs := math.Tan(0.5*chi+math.Pi/4) / (math.Pow(math.Tan(0.5*p.lat0+math.Pi/4), c) * srat(e*sphi, ratexp))
	sinc0, cosc0 := math.Sincos(chi)
	return &obliqueStereographic{
		p:     p,
		e:     e,
		c:     c,
		kgs:   kgs,
		r2:    2 * rc * p.k0 * ell.A,
		sinc0: sinc0,
		cosc0: cosc0,
	}
}

func srat(esinp, exp float64) float64 {
	return math.Pow((1-esinp)/(1+esinp), exp)
}

func (s *obliqueStereographic) gauss(lam, phi float64) (float64, float64) {
	chi := 2*math.Atan(s.kgs*math.Pow(math.Tan(0.5*phi+math.Pi/4), s.c)*srat(s.e*math.Sin(phi), 0.5*s.c*s.e)) - math.Pi/2
	return s.c * lam, chi
}

func (s *obliqueStereographic) invGauss(lam, chi float64) (float64, float64) {
	num := math.Pow(math.Tan(0.5*chi+math.Pi/4)/s.kgs, 1/s.c)
	phi := chi
	for i := 0; i < 20; i++ {
		next := 2*math.Atan(num*srat(s.e*math.Sin(phi), -0.5*s.e)) - math.Pi/2
		if math.Abs(next-phi) < 1e-14 {
			phi = next
			break
		}
		phi = next
	}
	return lam / s.c, phi
}

func (s *obliqueStereographic) forward(lam, phi float64) (float64, float64, error) {
	glam, gphi := s.gauss(normalizeLon(lam-s.p.lon0), phi)
	sinc, cosc := math.Sincos(gphi)
	cosl := math.Cos(glam)
	denom := 1 + s.sinc0*sinc + s.cosc0*cosc*cosl
	if denom <= 1e-12 {
		return 0, 0, fmt.Errorf("stereographic antipode: %w", ErrOutOfDomain)
	}
	k := s.r2 / denom
	x := k * cosc * math.Sin(glam)
	y := k * (s.cosc0*sinc - s.sinc0*cosc*cosl)
	return s.p.x0 + x, s.p.y0 + y, nil
}

func (s *obliqueStereographic) inverse(x, y float64) (float64, float64, error) {
	x = (x - s.p.x0) / s.r2
	y = (y - s.p.y0) / s.r2
	rho := math.Hypot(x, y)
	var glam, gphi float64
	if rho == 0 {
		gphi = math.Asin(s.sinc0)
	} else {
		c := 2 * math.Atan(rho)
		sinc, cosc := math.Sincos(c)
		gphi = math.Asin(cosc*s.sinc0 + y*sinc*s.cosc0/rho)
		glam = math.Atan2(x*sinc, rho*s.cosc0*cosc-y*s.sinc0*sinc)
	}
	lam, phi := s.invGauss(glam, gphi)
	return s.p.lon0 + lam, phi, nil
}
