package tile

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-spatial/geom"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/pdok/landform/geomhelp"
	"github.com/pdok/landform/log"
	"github.com/pdok/landform/mapslicehelp"
	"github.com/pdok/landform/mathhelp"
	"github.com/pdok/landform/morton"
	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/vector"
)

var (
	ErrTileFinalized = errors.New("tile already finalized")
	ErrGridMismatch  = errors.New("record does not match the tile grid")
	ErrInvalidBlend  = errors.New("invalid blend mode")
)

const defaultShards = 64

type Blend int

const (
	// Replace keeps the value of the best ranked source per sample
	Replace Blend = iota
	// Average takes the weighted mean of all valid samples
	Average
)

func (b Blend) String() string {
	if b == Average {
		return "average"
	}
	return "replace"
}

func ParseBlend(s string) (Blend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "replace":
		return Replace, nil
	case "average", "mean":
		return Average, nil
	}
	return Replace, fmt.Errorf("%q: %w", s, ErrInvalidBlend)
}

type Options struct {
	Blend Blend
	// IgnoreResolution ranks overlapping sources by ingestion order only
	IgnoreResolution bool
	// LastWins lets the later ingested of two equally ranked sources win
	LastWins bool
	// SmoothSteps is the number of 3x3 mean passes over finalized elevation
	SmoothSteps int
	// Shards splits the tile table; 0 uses a default
	Shards int
}

// Contribution identifies the source of a write
type Contribution struct {
	Source string
	// Order is the ingestion index of the source within the job, unique per source
	Order int
	// Resolution is the declared resolution, higher is finer
	Resolution float64
	// Weight in average blending, values <= 0 count as 1
	Weight float64
	// ClassAttribute names the feature attribute holding the class layer name
	ClassAttribute string
}

func (c Contribution) weight() float64 {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// Compositor merges records into tiles. Writes to one tile are serialized by that
// tile's lock; writes to distinct tiles run in parallel. A tile is finalized once
// no unfinished source is expected to write to it, and then handed to the sink.
type Compositor struct {
	grid   Grid
	opts   Options
	sink   Sink
	shards []shard

	pendingMu sync.Mutex
	expected  map[int]map[Key]struct{}
	pending   map[Key]map[int]struct{}
	wildcards map[int]struct{}
	done      map[int]struct{}
	closed    map[Key]struct{}

	// sinkMu keeps finalization batches whole, so the sink sees each batch in morton order
	sinkMu    sync.Mutex
	finalized atomic.Int64
}

type shard struct {
	mu    sync.Mutex
	tiles map[Key]*tileState
}

type tileState struct {
	mu        sync.Mutex
	key       Key
	finalized bool

	elevation []float64
	owner     []int
	parts     map[int][]float64
	layers    map[string][]uint8
	features  []attached
	contribs  map[int]*contrib
}

type contrib struct {
	Contribution
	features int
}

type attached struct {
	order int
	f     *vector.Feature
}

func NewCompositor(grid Grid, opts Options, sink Sink) (*Compositor, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	n := opts.Shards
	if n <= 0 {
		n = defaultShards
	}
	c := &Compositor{
		grid:      grid,
		opts:      opts,
		sink:      sink,
		shards:    make([]shard, n),
		expected:  make(map[int]map[Key]struct{}),
		pending:   make(map[Key]map[int]struct{}),
		wildcards: make(map[int]struct{}),
		done:      make(map[int]struct{}),
		closed:    make(map[Key]struct{}),
	}
	for i := range c.shards {
		c.shards[i].tiles = make(map[Key]*tileState)
	}
	return c, nil
}

func (c *Compositor) Grid() Grid {
	return c.grid
}

// resolutionTolerance is the relative difference below which two resolutions tie
const resolutionTolerance = 1e-9

// better reports whether a outranks b for one sample
func (c *Compositor) better(a, b Contribution) bool {
	eps := resolutionTolerance * math.Max(math.Abs(a.Resolution), math.Abs(b.Resolution))
	if !c.opts.IgnoreResolution && !mathhelp.NearlyEqual(a.Resolution, b.Resolution, eps) {
		return a.Resolution > b.Resolution
	}
	if c.opts.LastWins {
		return a.Order > b.Order
	}
	return a.Order < b.Order
}

// Expect announces the tiles a source will write to
func (c *Compositor) Expect(order int, keys []Key) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.done[order]; ok {
		return
	}
	delete(c.wildcards, order)
	for _, k := range keys {
		c.expectLocked(order, k)
	}
}

// ExpectAnywhere announces a source with an unknown extent: no tile is
// finalized before it is done or has narrowed its expectation with Expect
func (c *Compositor) ExpectAnywhere(order int) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.done[order]; !ok {
		c.wildcards[order] = struct{}{}
	}
}

func (c *Compositor) expectLocked(order int, k Key) {
	if _, ok := c.closed[k]; ok {
		return
	}
	if c.expected[order] == nil {
		c.expected[order] = make(map[Key]struct{})
	}
	c.expected[order][k] = struct{}{}
	if c.pending[k] == nil {
		c.pending[k] = make(map[int]struct{})
	}
	c.pending[k][order] = struct{}{}
}

// touch keeps k open until source order is done
func (c *Compositor) touch(order int, k Key) error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.closed[k]; ok {
		return fmt.Errorf("tile %s: %w", k, ErrTileFinalized)
	}
	if _, ok := c.done[order]; !ok {
		c.expectLocked(order, k)
	}
	return nil
}

func (c *Compositor) state(k Key) *tileState {
	s := &c.shards[morton.Shard(k.Z(), len(c.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tiles[k]
	if !ok {
		n := c.grid.TileWidth * c.grid.TileHeight
		ts = &tileState{
			key:       k,
			elevation: make([]float64, n),
			layers:    make(map[string][]uint8),
			contribs:  make(map[int]*contrib),
		}
		for i := range ts.elevation {
			ts.elevation[i] = math.NaN()
		}
		s.tiles[k] = ts
	}
	return ts
}

func (ts *tileState) contribution(ct Contribution) *contrib {
	cb, ok := ts.contribs[ct.Order]
	if !ok {
		cb = &contrib{Contribution: ct}
		ts.contribs[ct.Order] = cb
	}
	return cb
}

// Composite writes the valid samples of block, resampled onto the grid of tile k
func (c *Compositor) Composite(k Key, ct Contribution, block *raster.Block) error {
	if block.Width != c.grid.TileWidth || block.Height != c.grid.TileHeight {
		return fmt.Errorf("block %dx%d for %dx%d tiles: %w", block.Width, block.Height, c.grid.TileWidth, c.grid.TileHeight, ErrGridMismatch)
	}
	if block.CRS == nil || block.CRS.ID != c.grid.CRS.ID {
		return fmt.Errorf("block in %s for a grid in %s: %w", block.CRS, c.grid.CRS, ErrGridMismatch)
	}
	if block.ValidCount() == 0 {
		return nil
	}
	if err := c.touch(ct.Order, k); err != nil {
		return err
	}
	ts := c.state(k)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.finalized {
		return fmt.Errorf("tile %s: %w", k, ErrTileFinalized)
	}
	ts.contribution(ct)

	if c.opts.Blend == Average {
		if ts.parts == nil {
			ts.parts = make(map[int][]float64)
		}
		part, ok := ts.parts[ct.Order]
		if !ok {
			part = make([]float64, len(ts.elevation))
			for i := range part {
				part[i] = math.NaN()
			}
			ts.parts[ct.Order] = part
		}
		for i, v := range block.Data {
			if !block.IsNoData(v) && math.IsNaN(part[i]) {
				part[i] = v
			}
		}
		return nil
	}

	if ts.owner == nil {
		ts.owner = make([]int, len(ts.elevation))
		for i := range ts.owner {
			ts.owner[i] = -1
		}
	}
	for i, v := range block.Data {
		if block.IsNoData(v) {
			continue
		}
		if o := ts.owner[i]; o >= 0 && !c.better(ct, ts.contribs[o].Contribution) {
			continue
		}
		ts.elevation[i] = v
		ts.owner[i] = ct.Order
	}
	return nil
}

// CompositeFeature attaches f to every tile it intersects and rasterizes
// polygons into the layer named by the feature's class
func (c *Compositor) CompositeFeature(ct Contribution, f *vector.Feature) error {
	if f.CRS == nil || f.CRS.ID != c.grid.CRS.ID {
		return fmt.Errorf("feature %s in %s for a grid in %s: %w", f.ID, f.CRS, c.grid.CRS, ErrGridMismatch)
	}
	ext := f.Extent()
	if ext == nil {
		return nil
	}
	keys, err := c.grid.TilesFor(*ext)
	if err != nil {
		return fmt.Errorf("feature %s: %w", f.ID, err)
	}
	polygons := polygonsOf(f.Geometry)
	class := f.Class(ct.ClassAttribute)
	var errs []error
	for _, k := range keys {
		if err := c.touch(ct.Order, k); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.attach(k, ct, f, class, polygons); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Compositor) attach(k Key, ct Contribution, f *vector.Feature, class string, polygons []geom.Polygon) error {
	ts := c.state(k)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.finalized {
		return fmt.Errorf("tile %s: %w", k, ErrTileFinalized)
	}
	ts.contribution(ct).features++
	ts.features = append(ts.features, attached{order: ct.Order, f: f})
	if len(polygons) == 0 || class == "" {
		return nil
	}
	layer, ok := ts.layers[class]
	if !ok {
		layer = make([]uint8, len(ts.elevation))
		ts.layers[class] = layer
	}
	spec := c.grid.TileSpec(k)
	tileExt := spec.Extent()
	cell := c.grid.CellSize
	for _, p := range polygons {
		pext, err := geom.NewExtentFromGeometry(p)
		if err != nil {
			continue
		}
		colMin := max(int(math.Floor((pext[0]-tileExt[0])/cell)), 0)
		colMax := min(int(math.Ceil((pext[2]-tileExt[0])/cell)), spec.Width)
		rowMin := max(int(math.Floor((tileExt[3]-pext[3])/cell)), 0)
		rowMax := min(int(math.Ceil((tileExt[3]-pext[1])/cell)), spec.Height)
		for row := rowMin; row < rowMax; row++ {
			for col := colMin; col < colMax; col++ {
				i := row*spec.Width + col
				if layer[i] == LayerFull {
					continue
				}
				x, y := spec.Geotransform.PixelToWorld(float64(col)+0.5, float64(row)+0.5)
				if geomhelp.PolygonContains(p, [2]float64{x, y}) {
					layer[i] = LayerFull
				}
			}
		}
	}
	return nil
}

func polygonsOf(g geom.Geometry) []geom.Polygon {
	switch v := g.(type) {
	case geom.Polygon:
		return []geom.Polygon{v}
	case *geom.Polygon:
		if v != nil {
			return []geom.Polygon{*v}
		}
	case geom.MultiPolygon:
		out := make([]geom.Polygon, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	case *geom.MultiPolygon:
		if v != nil {
			return polygonsOf(*v)
		}
	case geom.Collection:
		var out []geom.Polygon
		for _, m := range v {
			out = append(out, polygonsOf(m)...)
		}
		return out
	}
	return nil
}

// SourceDone marks source order as finished and finalizes the tiles nothing is pending for
func (c *Compositor) SourceDone(order int) error {
	c.pendingMu.Lock()
	c.done[order] = struct{}{}
	delete(c.wildcards, order)
	for k := range c.expected[order] {
		delete(c.pending[k], order)
		if len(c.pending[k]) == 0 {
			delete(c.pending, k)
		}
	}
	delete(c.expected, order)
	c.pendingMu.Unlock()
	return c.finalizeReady(false)
}

// Flush finalizes all open tiles, whatever is still pending
func (c *Compositor) Flush() error {
	return c.finalizeReady(true)
}

func (c *Compositor) openKeys() []Key {
	var keys []Key
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k := range s.tiles {
			keys = append(keys, k)
		}
		s.mu.Unlock()
	}
	return keys
}

func (c *Compositor) finalizeReady(all bool) error {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	keys := c.openKeys()
	c.pendingMu.Lock()
	if len(c.wildcards) > 0 && !all {
		c.pendingMu.Unlock()
		return nil
	}
	ready := keys[:0]
	for _, k := range keys {
		if _, closed := c.closed[k]; closed {
			continue
		}
		if len(c.pending[k]) == 0 || all {
			c.closed[k] = struct{}{}
			delete(c.pending, k)
			ready = append(ready, k)
		}
	}
	c.pendingMu.Unlock()

	slices.SortFunc(ready, func(a, b Key) int {
		za, zb := a.Z(), b.Z()
		switch {
		case za < zb:
			return -1
		case za > zb:
			return 1
		}
		return 0
	})
	for _, k := range ready {
		out := c.finalize(k)
		c.finalized.Add(1)
		if c.sink == nil {
			continue
		}
		if err := c.sink.Accept(out); err != nil {
			return fmt.Errorf("tile %s: %w", k, err)
		}
		log.Debug("tile finalized", zap.Stringer("tile", k), zap.Int("valid", out.ValidCount()),
			zap.Int("features", len(out.Features)), zap.Strings("sources", mapslicehelp.OrderedMapKeys(out.Provenance)))
	}
	return nil
}

// finalize closes tile k and builds its output
func (c *Compositor) finalize(k Key) *OutputTile {
	s := &c.shards[morton.Shard(k.Z(), len(c.shards))]
	s.mu.Lock()
	ts := s.tiles[k]
	delete(s.tiles, k)
	s.mu.Unlock()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.finalized = true

	orders := mapslicehelp.SortedKeys(ts.contribs)
	provenance := orderedmap.New[string, *Provenance]()
	byOrder := make(map[int]*Provenance, len(orders))
	for _, o := range orders {
		cb := ts.contribs[o]
		p := &Provenance{
			Source:     cb.Source,
			Order:      cb.Order,
			Resolution: cb.Resolution,
			Weight:     cb.weight(),
			Features:   cb.features,
		}
		provenance.Set(cb.Source, p)
		byOrder[o] = p
	}

	elevation := ts.elevation
	if c.opts.Blend == Average {
		elevation = c.average(ts, orders, byOrder)
	} else {
		for _, o := range ts.owner {
			if o >= 0 {
				byOrder[o].Samples++
			}
		}
	}
	for i := 0; i < c.opts.SmoothSteps; i++ {
		elevation = smooth(elevation, c.grid.TileWidth, c.grid.TileHeight)
	}

	sort.SliceStable(ts.features, func(i, j int) bool {
		a, b := ts.features[i], ts.features[j]
		if a.order != b.order {
			return a.order < b.order
		}
		return a.f.ID < b.f.ID
	})
	features := make([]*vector.Feature, len(ts.features))
	for i, a := range ts.features {
		features[i] = a.f
	}

	out := &OutputTile{
		Key:        k,
		Spec:       c.grid.TileSpec(k),
		Elevation:  elevation,
		Layers:     mapslicehelp.OrderedMapFromSorted(ts.layers),
		Features:   features,
		Provenance: provenance,
	}
	ts.elevation, ts.owner, ts.parts, ts.layers, ts.features = nil, nil, nil, nil, nil
	return out
}

// average sums the parts in ingestion order, so the result does not depend on write order
func (c *Compositor) average(ts *tileState, orders []int, byOrder map[int]*Provenance) []float64 {
	n := len(ts.elevation)
	sum := make([]float64, n)
	weights := make([]float64, n)
	for _, o := range orders {
		part, ok := ts.parts[o]
		if !ok {
			continue
		}
		w := ts.contribs[o].weight()
		for i, v := range part {
			if math.IsNaN(v) {
				continue
			}
			sum[i] += w * v
			weights[i] += w
			byOrder[o].Samples++
		}
	}
	out := make([]float64, n)
	for i := range out {
		if weights[i] > 0 {
			out[i] = sum[i] / weights[i]
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// smooth replaces every valid sample by the mean of the valid samples in its 3x3 neighbourhood
func smooth(in []float64, width, height int) []float64 {
	out := make([]float64, len(in))
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			i := row*width + col
			if math.IsNaN(in[i]) {
				out[i] = in[i]
				continue
			}
			var sum float64
			var n int
			for dr := -1; dr <= 1; dr++ {
				for dc := -1; dc <= 1; dc++ {
					r, cl := row+dr, col+dc
					if r < 0 || r >= height || cl < 0 || cl >= width {
						continue
					}
					if v := in[r*width+cl]; !math.IsNaN(v) {
						sum += v
						n++
					}
				}
			}
			out[i] = sum / float64(n)
		}
	}
	return out
}

// Open is the number of tiles holding data that are not finalized yet
func (c *Compositor) Open() int {
	return len(c.openKeys())
}

// Finalized is the number of tiles finalized so far
func (c *Compositor) Finalized() int {
	return int(c.finalized.Load())
}
