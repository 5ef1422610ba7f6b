package geomhelp

import (
	"strings"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
)

func TestShoelace(t *testing.T) {
	var tests = []struct {
		pts  [][2]float64
		area float64
	}{
		// Rectangle
		0: {pts: [][2]float64{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}, area: float64(100)},
		// Triangle
		1: {pts: [][2]float64{{0, 0}, {5, 10}, {0, 10}, {0, 0}}, area: float64(25)},
		// Missing 'official closing point
		2: {pts: [][2]float64{{0, 0}, {0, 10}, {10, 10}, {10, 0}}, area: float64(100)},
		// Single point
		3: {pts: [][2]float64{{1234, 4321}}, area: float64(0.000000)},
		// No point
		4: {pts: nil, area: float64(0.000000)},
		// Collinear
		5: {pts: [][2]float64{{0, 0}, {5, 5}, {10, 10}}, area: float64(0.000000)},
	}

	for k, test := range tests {
		area := Shoelace(test.pts)
		if area != test.area {
			t.Errorf("test: %d, expected: %f \ngot: %f", k, test.area, area)
		}
	}
}

func TestPolygonContains(t *testing.T) {
	donut := geom.Polygon{
		{{0, 0}, {10, 0}, {10, 10}, {0, 10}},
		{{4, 4}, {6, 4}, {6, 6}, {4, 6}},
	}
	tests := []struct {
		name string
		pt   [2]float64
		want bool
	}{
		{name: "inside", pt: [2]float64{1, 1}, want: true},
		{name: "in hole", pt: [2]float64{5, 5}, want: false},
		{name: "outside", pt: [2]float64{11, 5}, want: false},
		{name: "on outer edge", pt: [2]float64{0, 5}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PolygonContains(donut, tt.pt))
		})
	}
	assert.False(t, PolygonContains(geom.Polygon{}, [2]float64{0, 0}))
}

func TestWktMustEncode(t *testing.T) {
	line := geom.LineString{{0, 0}, {1000, 1000}, {2000, 0}}
	assert.True(t, strings.HasPrefix(WktMustEncode(line, 0), "LINESTRING"))
	short := WktMustEncode(line, 15)
	assert.True(t, strings.HasSuffix(short, "..."))
	assert.LessOrEqual(t, len(short), 15)
}
