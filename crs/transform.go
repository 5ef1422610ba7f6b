package crs

import (
	"fmt"
)

// Coord is a position in the units of its reference
type Coord struct {
	X, Y, Z float64
}

// Transform maps coordinates between two references. It is immutable and safe
// for concurrent use.
type Transform struct {
	src, dst *CoordinateReference
	identity bool
	shift    *datumShift // nil when both datums are the same
	vertical bool
	vscale   float64 // src vertical unit expressed in dst vertical units
}

func (t *Transform) Source() *CoordinateReference {
	return t.src
}

func (t *Transform) Target() *CoordinateReference {
	return t.dst
}

// IsIdentity is true when source and target are the same reference
func (t *Transform) IsIdentity() bool {
	return t.identity
}

// VerticalShiftApplied reports whether z values are converted, which happens
// only when both references declare vertical units
func (t *Transform) VerticalShiftApplied() bool {
	return t.vertical
}

// Forward maps a source coordinate into the target reference
func (t *Transform) Forward(c Coord) (Coord, error) {
	if t.identity {
		return c, nil
	}
	lam, phi, err := t.src.toGeodetic(c.X, c.Y)
	if err != nil {
		return Coord{}, fmt.Errorf("%s inverse projection: %w", t.src.ID, err)
	}
	if t.shift != nil {
		lam, phi, _ = t.shift.forward(lam, phi, 0)
	}
	x, y, err := t.dst.fromGeodetic(lam, phi)
	if err != nil {
		return Coord{}, fmt.Errorf("%s projection: %w", t.dst.ID, err)
	}
	z := c.Z
	if t.vertical {
		z *= t.vscale
	}
	return Coord{X: x, Y: y, Z: z}, nil
}

// Inverse maps a target coordinate back into the source reference
func (t *Transform) Inverse(c Coord) (Coord, error) {
	if t.identity {
		return c, nil
	}
	lam, phi, err := t.dst.toGeodetic(c.X, c.Y)
	if err != nil {
		return Coord{}, fmt.Errorf("%s inverse projection: %w", t.dst.ID, err)
	}
	if t.shift != nil {
		lam, phi, _ = t.shift.inverse(lam, phi, 0)
	}
	x, y, err := t.src.fromGeodetic(lam, phi)
	if err != nil {
		return Coord{}, fmt.Errorf("%s projection: %w", t.src.ID, err)
	}
	z := c.Z
	if t.vertical {
		z /= t.vscale
	}
	return Coord{X: x, Y: y, Z: z}, nil
}

// ForwardXY is a convenience for horizontal-only callers
func (t *Transform) ForwardXY(x, y float64) (float64, float64, error) {
	c, err := t.Forward(Coord{X: x, Y: y})
	return c.X, c.Y, err
}

// InverseXY is a convenience for horizontal-only callers
func (t *Transform) InverseXY(x, y float64) (float64, float64, error) {
	c, err := t.Inverse(Coord{X: x, Y: y})
	return c.X, c.Y, err
}

func identityTransform(ref *CoordinateReference) *Transform {
	return &Transform{src: ref, dst: ref, identity: true}
}
