// Package tms20 reads OGC Tile Matrix Set (v2.0) definitions and addresses tiles in them.
// See https://www.ogc.org/standard/tms/
package tms20

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	"github.com/perimeterx/marshmallow"
	"github.com/shopspring/decimal"
)

// TMID identifies a tile matrix within its set, usually the zoom level
type TMID = int

var (
	//go:embed tilematrixsets/*.json
	embeddedTileMatrixSetsJSONFS embed.FS
	embeddedTileMatrixSetsMu     sync.Mutex
	embeddedTileMatrixSetsCache  = make(map[string]*TileMatrixSet)

	ErrUnknownTileMatrixSet = errors.New("unknown tile matrix set")
	ErrUnknownTileMatrix    = errors.New("unknown tile matrix")
)

// Load returns the embedded tile matrix set with the given id, or reads idOrPath as a JSON file
func Load(idOrPath string) (*TileMatrixSet, error) {
	tms, err := LoadEmbeddedTileMatrixSet(idOrPath)
	if err == nil || !errors.Is(err, ErrUnknownTileMatrixSet) {
		return tms, err
	}
	return LoadJSONTileMatrixSet(idOrPath)
}

func LoadJSONTileMatrixSet(path string) (*TileMatrixSet, error) {
	tmsJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTileMatrixSet(tmsJSON)
}

// LoadEmbeddedTileMatrixSet returns a shared instance; callers must not modify it
func LoadEmbeddedTileMatrixSet(id string) (*TileMatrixSet, error) {
	embeddedTileMatrixSetsMu.Lock()
	defer embeddedTileMatrixSetsMu.Unlock()
	if cached, ok := embeddedTileMatrixSetsCache[id]; ok {
		return cached, nil
	}
	tmsJSON, err := embeddedTileMatrixSetsJSONFS.ReadFile("tilematrixsets/" + id + ".json")
	if err != nil {
		return nil, fmt.Errorf("%q: %w", id, ErrUnknownTileMatrixSet)
	}
	tms, err := ParseTileMatrixSet(tmsJSON)
	if err != nil {
		return nil, fmt.Errorf("embedded %s: %w", id, err)
	}
	embeddedTileMatrixSetsCache[id] = tms
	return tms, nil
}

func ParseTileMatrixSet(data []byte) (*TileMatrixSet, error) {
	var tms TileMatrixSet
	if err := json.Unmarshal(data, &tms); err != nil {
		return nil, err
	}
	return &tms, nil
}

// TileMatrixSet is a definition of a tile matrix set following the Tile Matrix Set standard.
type TileMatrixSet struct {
	// Tile matrix set identifier. Implementation of 'identifier'
	ID string `json:"id,omitempty"`
	// Title of this tile matrix set, normally used for display to a human
	Title string `json:"title,omitempty"`
	// Brief narrative description of this tile matrix set, normally available for display to a human
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	// Reference to an official source for this TileMatrixSet
	URI         string   `validate:"omitempty,uri" json:"uri,omitempty"`
	OrderedAxes []string `validate:"omitempty,min=1" json:"orderedAxes"`
	// Coordinate Reference System (CRS)
	CRS CRS `json:"-"`
	// Reference to a well-known scale set
	WellKnownScaleSet string `validate:"omitempty,uri" json:"wellKnownScaleSet,omitempty"`
	// Minimum bounding rectangle surrounding the tile matrix set, in the supported CRS
	BoundingBox *TwoDBoundingBox `json:"boundingBox,omitempty"`
	// Describes scale levels and its tile matrices
	TileMatrices map[TMID]TileMatrix `validate:"required,min=1" json:"-"`
}

func (tms *TileMatrixSet) UnmarshalJSON(data []byte) error {
	if err := defaults.Set(tms); err != nil {
		return err
	}
	specials, err := marshmallow.Unmarshal(data, tms, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	rawCrs, ok := specials["crs"]
	if !ok {
		return fmt.Errorf(`missing key "crs"`)
	}
	if tms.CRS, err = unmarshalCRS(rawCrs); err != nil {
		return err
	}

	rawTileMatrices, ok := specials["tileMatrices"]
	if !ok {
		return fmt.Errorf(`missing key "tileMatrices"`)
	}
	if tms.TileMatrices, err = unmarshalTileMatrices(rawTileMatrices); err != nil {
		return err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(tms)
}

func unmarshalTileMatrices(rawTileMatrices any) (map[TMID]TileMatrix, error) {
	list, ok := rawTileMatrices.([]any)
	if !ok {
		return nil, fmt.Errorf(`"tileMatrices" should be an array`)
	}
	tileMatrices := make(map[TMID]TileMatrix, len(list))
	for _, raw := range list {
		var tm TileMatrix
		if err := tm.UnmarshalJSONFromMap(raw); err != nil {
			return nil, err
		}
		id, err := strconv.Atoi(tm.ID)
		if err != nil {
			return nil, fmt.Errorf("only integer-like ids are supported for tile matrices: %w", err)
		}
		tileMatrices[id] = tm
	}
	return tileMatrices, nil
}

var (
	crsURIRegexURL = regexp.MustCompile("https?://.+/def/crs/(?P<authority>[^/]+)/[^/]+/(?P<code>[^/]+)$")
	crsURIRegexURN = regexp.MustCompile("^urn:ogc:def:crs:(?P<authority>[^:]+):[^:]*:(?P<code>[^:]+)$")
)

// CRS is the authority and code of a tile matrix set's reference,
// given either as a URI or as a PROJJSON object with an id
type CRS struct {
	URI           string
	Description   string
	AuthorityName string `validate:"required"`
	AuthorityCode string `validate:"required"`
}

// Reference renders the CRS the way the crs package parses it, e.g. "EPSG:3857"
func (c CRS) Reference() string {
	return c.AuthorityName + ":" + c.AuthorityCode
}

// unmarshalCRS accepts a URI string, {"uri": ...} or {"wkt": {"id": {...}}}
func unmarshalCRS(rawCrs any) (CRS, error) {
	var c CRS
	var m map[string]any
	switch v := rawCrs.(type) {
	case string:
		m = map[string]any{"uri": v}
	case map[string]any:
		m = v
	default:
		return c, fmt.Errorf(`wrong type key "crs": %T`, rawCrs)
	}
	if d, ok := m["description"].(string); ok {
		c.Description = d
	}
	switch {
	case m["uri"] != nil:
		uri, ok := m["uri"].(string)
		if !ok {
			return c, fmt.Errorf(`uri property is not a string but a %T`, m["uri"])
		}
		parts := crsURIRegexURL.FindStringSubmatch(uri)
		if parts == nil {
			parts = crsURIRegexURN.FindStringSubmatch(uri)
		}
		if parts == nil {
			return c, fmt.Errorf(`could not parse crs uri "%v"`, uri)
		}
		c.URI, c.AuthorityName, c.AuthorityCode = uri, parts[1], parts[2]
	case m["wkt"] != nil:
		wkt, ok := m["wkt"].(map[string]any)
		if !ok {
			return c, fmt.Errorf(`wkt property is not an object but a %T`, m["wkt"])
		}
		id, ok := wkt["id"].(map[string]any)
		if !ok {
			return c, fmt.Errorf(`could not find an id in the ProjJSON crs "%v"`, wkt)
		}
		c.AuthorityName, _ = id["authority"].(string)
		switch code := id["code"].(type) {
		case string:
			c.AuthorityCode = code
		case float64:
			c.AuthorityCode = strconv.FormatFloat(code, 'f', -1, 64)
		}
	default:
		return c, fmt.Errorf(`crs has neither "uri" nor "wkt" (referenceSystem is not supported)`)
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	return c, validate.Struct(c)
}

// Minimum bounding rectangle surrounding a 2D resource in the CRS indicated elsewhere
type TwoDBoundingBox struct {
	LowerLeft   TwoDPoint `validate:"required" json:"lowerLeft"`
	UpperRight  TwoDPoint `validate:"required" json:"upperRight"`
	OrderedAxes []string  `validate:"omitempty,len=2" json:"orderedAxes,omitempty"`
}

func (bb TwoDBoundingBox) Extent() geom.Extent {
	return geom.Extent{bb.LowerLeft[0], bb.LowerLeft[1], bb.UpperRight[0], bb.UpperRight[1]}
}

// A 2D Point in the CRS indicated elsewhere
type TwoDPoint [2]float64

// A tile matrix, usually corresponding to a particular zoom level of a TileMatrixSet.
type TileMatrix struct {
	// Identifier selecting one of the scales defined in the TileMatrixSet and representing the scaleDenominator the tile.
	ID          string   `validate:"required" json:"id"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	// Scale denominator of this tile matrix
	ScaleDenominator float64 `validate:"required,gt=0" json:"scaleDenominator"`
	// Cell size of this tile matrix
	CellSize float64 `validate:"required,gt=0" json:"cellSize"`
	// The corner of the tile matrix (_topLeft_ or _bottomLeft_) used as the origin for numbering tile rows and columns.
	CornerOfOrigin CornerOfOrigin `validate:"omitempty,oneof=topLeft bottomLeft" json:"cornerOfOrigin,omitempty" default:"topLeft"`
	// Position in CRS coordinates of the corner of origin, also a corner of the (0, 0) tile
	PointOfOrigin TwoDPoint `validate:"required" json:"pointOfOrigin"`
	// Width of each tile of this tile matrix in pixels
	TileWidth uint `validate:"required,min=1" json:"tileWidth"`
	// Height of each tile of this tile matrix in pixels
	TileHeight uint `validate:"required,min=1" json:"tileHeight"`
	// Width of the matrix (number of tiles in width)
	MatrixWidth uint `validate:"required,min=1" json:"matrixWidth"`
	// Height of the matrix (number of tiles in height)
	MatrixHeight uint `validate:"required,min=1" json:"matrixHeight"`
	// Describes the rows that have variable matrix width
	VariableMatrixWidths []VariableMatrixWidth `json:"variableMatrixWidths,omitempty"`
}

func (tm *TileMatrix) UnmarshalJSON(data []byte) error {
	var dataMap map[string]any
	if err := json.Unmarshal(data, &dataMap); err != nil {
		return err
	}
	return tm.UnmarshalJSONFromMap(dataMap)
}

func (tm *TileMatrix) UnmarshalJSONFromMap(data any) error {
	if err := defaults.Set(tm); err != nil {
		return err
	}
	dataMap, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf(`data is not a map but a %T`, data)
	}
	if _, err := marshmallow.UnmarshalFromJSONMap(dataMap, tm, marshmallow.WithExcludeKnownFieldsFromMap(true)); err != nil {
		return err
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(tm)
}

type CornerOfOrigin string

const (
	TopLeft    CornerOfOrigin = "topLeft"
	BottomLeft CornerOfOrigin = "bottomLeft"
)

// Variable Matrix Width data structure
type VariableMatrixWidth struct {
	// Number of tiles in width that coalesce in a single tile for these rows
	Coalesce uint `validate:"required,min=2" json:"coalesce"`
	// First tile row where the coalescence factor applies for this tilematrix
	MinTileRow uint `validate:"min=0" json:"minTileRow"`
	// Last tile row where the coalescence factor applies for this tilematrix
	MaxTileRow uint `validate:"min=0" json:"maxTileRow"`
}

// tileSpan is the size of one tile in CRS units, computed exactly
func (tm TileMatrix) tileSpan() (x, y decimal.Decimal) {
	cell := decimal.NewFromFloat(tm.CellSize)
	return cell.Mul(decimal.NewFromInt(int64(tm.TileWidth))), cell.Mul(decimal.NewFromInt(int64(tm.TileHeight)))
}

// TopLeft returns the top-left corner of tile (col, row)
func (tm TileMatrix) TopLeft(col, row int64) (x, y float64) {
	spanX, spanY := tm.tileSpan()
	ox := decimal.NewFromFloat(tm.PointOfOrigin[0])
	oy := decimal.NewFromFloat(tm.PointOfOrigin[1])
	x = ox.Add(spanX.Mul(decimal.NewFromInt(col))).InexactFloat64()
	if tm.CornerOfOrigin == BottomLeft {
		y = oy.Add(spanY.Mul(decimal.NewFromInt(row + 1))).InexactFloat64()
	} else {
		y = oy.Sub(spanY.Mul(decimal.NewFromInt(row))).InexactFloat64()
	}
	return x, y
}

// TileExtent returns the bounding box of tile (col, row)
func (tm TileMatrix) TileExtent(col, row int64) geom.Extent {
	minX, maxY := tm.TopLeft(col, row)
	maxX, _ := tm.TopLeft(col+1, row)
	_, minY := tm.TopLeft(col, row+1)
	if tm.CornerOfOrigin == BottomLeft {
		_, minY = tm.TopLeft(col, row-1)
	}
	return geom.Extent{minX, minY, maxX, maxY}
}

// MatrixBoundingBox is the extent covered by all tiles of the matrix
func (tm TileMatrix) MatrixBoundingBox() geom.Extent {
	last := int64(tm.MatrixHeight) - 1
	first := tm.TileExtent(0, 0)
	end := tm.TileExtent(int64(tm.MatrixWidth)-1, last)
	if tm.CornerOfOrigin == BottomLeft {
		return geom.Extent{first[0], first[1], end[2], end[3]}
	}
	return geom.Extent{first[0], end[1], end[2], first[3]}
}

// TileMatrix returns the matrix with the given id
func (tms *TileMatrixSet) TileMatrix(id TMID) (TileMatrix, error) {
	tm, ok := tms.TileMatrices[id]
	if !ok {
		return tm, fmt.Errorf("%s/%d: %w", tms.ID, id, ErrUnknownTileMatrix)
	}
	return tm, nil
}

// Size returns a tile whose X and Y are the matrix width and height
func (tms *TileMatrixSet) Size(zoom uint) (*slippy.Tile, bool) {
	tm, ok := tms.TileMatrices[int(zoom)]
	if !ok {
		return nil, false
	}
	return slippy.NewTile(zoom, tm.MatrixWidth, tm.MatrixHeight), true
}

// ToNative returns the top-left corner of tile. Tiles one past the last column or row
// are accepted, so their corner closes the matrix.
func (tms *TileMatrixSet) ToNative(tile *slippy.Tile) (geom.Point, bool) {
	tm, ok := tms.TileMatrices[int(tile.Z)]
	if !ok || tile.X > tm.MatrixWidth || tile.Y > tm.MatrixHeight {
		return geom.Point{}, false
	}
	x, y := tm.TopLeft(int64(tile.X), int64(tile.Y))
	return geom.Point{x, y}, true
}
