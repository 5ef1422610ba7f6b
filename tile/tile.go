package tile

import (
	"math"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/vector"
)

// LayerFull is the weight of a sample completely covered by a class
const LayerFull = 255

// Provenance records what one source contributed to a tile
type Provenance struct {
	Source     string  `json:"source"`
	Order      int     `json:"order"`
	Resolution float64 `json:"resolution"`
	Weight     float64 `json:"weight"`
	// Samples is the number of elevation samples the source won (replace) or
	// contributed to (average)
	Samples  int `json:"samples"`
	Features int `json:"features"`
}

// OutputTile is a finalized tile. Once handed to a Sink it is not modified again.
type OutputTile struct {
	Key  Key
	Spec raster.GridSpec
	// Elevation is row-major; NaN marks no-data
	Elevation []float64
	// Layers maps class names, sorted, to per sample weights
	Layers *orderedmap.OrderedMap[string, []uint8]
	// Features intersecting the tile, in ingestion order
	Features []*vector.Feature
	// Provenance by source ID, in ingestion order
	Provenance *orderedmap.OrderedMap[string, *Provenance]
}

func IsNoData(v float64) bool {
	return math.IsNaN(v)
}

func (t *OutputTile) At(col, row int) float64 {
	return t.Elevation[row*t.Spec.Width+col]
}

// ValidCount counts elevation samples that are not no-data
func (t *OutputTile) ValidCount() int {
	n := 0
	for _, v := range t.Elevation {
		if !IsNoData(v) {
			n++
		}
	}
	return n
}

// Sink receives finalized tiles as soon as they are done
type Sink interface {
	Accept(t *OutputTile) error
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(t *OutputTile) error

func (f SinkFunc) Accept(t *OutputTile) error {
	return f(t)
}
