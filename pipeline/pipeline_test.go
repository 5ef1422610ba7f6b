package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/driver"
	"github.com/pdok/landform/log"
	"github.com/pdok/landform/mapslicehelp"
	"github.com/pdok/landform/raster"
	"github.com/pdok/landform/tile"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	t        *testing.T
	dir      string
	resolver *crs.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log.SetLogger(zaptest.NewLogger(t))
	t.Cleanup(func() { log.SetLogger(nil) })
	r := crs.NewResolver()
	t.Cleanup(r.Close)
	return &fixture{t: t, dir: t.TempDir(), resolver: r}
}

func (f *fixture) importer(registry *driver.Registry) *Importer {
	return NewImporter(registry, f.resolver)
}

// asciiGrid writes an ESRI ASCII grid with its top-left corner at (minX, maxY)
// and returns a source declared in ref
func (f *fixture) asciiGrid(name, ref string, minX, maxY, cell float64, cols, rows int, value func(col, row int) float64) driver.SourceDescriptor {
	f.t.Helper()
	var sb strings.Builder
	fmt.Fprintf(&sb, "ncols %d\nnrows %d\nxllcorner %v\nyllcorner %v\ncellsize %v\nNODATA_value -9999\n",
		cols, rows, minX, maxY-float64(rows)*cell, cell)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			if col > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%v", value(col, row))
		}
		sb.WriteByte('\n')
	}
	return f.source(name, ref, sb.String())
}

func (f *fixture) source(name, ref, content string) driver.SourceDescriptor {
	f.t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o600))
	return driver.SourceDescriptor{ID: strings.TrimSuffix(name, filepath.Ext(name)), Path: path, CRS: ref}
}

func constant(v float64) func(int, int) float64 {
	return func(int, int) float64 { return v }
}

type tileCollector struct {
	mu    sync.Mutex
	tiles map[tile.Key]*tile.OutputTile
	order []tile.Key
}

func newTileCollector() *tileCollector {
	return &tileCollector{tiles: make(map[tile.Key]*tile.OutputTile)}
}

func (c *tileCollector) Accept(t *tile.OutputTile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tiles[t.Key]; ok {
		return fmt.Errorf("tile %s delivered twice", t.Key)
	}
	c.tiles[t.Key] = t
	c.order = append(c.order, t.Key)
	return nil
}

// rdRequest has 10x10 tiles of 100 m with tile 0/0 spanning x 0..100, y 900..1000 in RD New
func rdRequest(sources ...driver.SourceDescriptor) Request {
	return Request{
		Sources:   sources,
		TargetCRS: "EPSG:28992",
		Grid:      GridRequest{OriginX: 0, OriginY: 1000, CellSize: 10, TileSize: 10},
		Resample:  raster.DefaultOptions(),
		Workers:   2,
	}
}

func requireDone(t *testing.T, st Status) {
	t.Helper()
	require.NoError(t, st.Err)
	require.Equal(t, Done, st.State, "diagnostics: %v", st.Diagnostics)
	assert.Equal(t, st.Total, st.Processed)
	assert.Equal(t, 100.0, st.Percent())
}

func TestSeamBetweenAdjacentSources(t *testing.T) {
	f := newFixture(t)
	west := f.asciiGrid("west.asc", "EPSG:28992", 0, 1000, 10, 5, 10, func(col, row int) float64 {
		return 1000 + float64(col*10+row)
	})
	east := f.asciiGrid("east.asc", "EPSG:28992", 50, 1000, 10, 5, 10, func(col, row int) float64 {
		return 2000 + float64(col*10+row)
	})
	sink := newTileCollector()
	st := f.importer(driver.DefaultRegistry()).Run(context.Background(), rdRequest(west, east), sink)
	requireDone(t, st)
	assert.Empty(t, st.Diagnostics)
	assert.Equal(t, "EPSG:28992", st.Target)

	require.Equal(t, []tile.Key{{Col: 0, Row: 0}}, sink.order)
	out := sink.tiles[tile.Key{}]
	for row := 0; row < 10; row++ {
		for col := 0; col < 10; col++ {
			want := 1000 + float64(col*10+row)
			if col >= 5 {
				want = 2000 + float64((col-5)*10+row)
			}
			require.Equal(t, want, out.At(col, row), "sample %d,%d", col, row)
		}
	}
	assert.Equal(t, []string{"west", "east"}, mapslicehelp.OrderedMapKeys(out.Provenance))
	for _, id := range []string{"west", "east"} {
		p, _ := out.Provenance.Get(id)
		assert.Equal(t, 50, p.Samples, id)
	}
}

func TestEqualResolutionIsDeterministic(t *testing.T) {
	f := newFixture(t)
	var sources []driver.SourceDescriptor
	for i := 0; i < 4; i++ {
		sources = append(sources, f.asciiGrid(fmt.Sprintf("s%d.asc", i), "EPSG:28992", 0, 1000, 10, 20, 20, constant(float64(i+1))))
	}
	im := f.importer(driver.DefaultRegistry())
	for _, lastWins := range []bool{false, true} {
		want := 1.0
		if lastWins {
			want = 4
		}
		for round := 0; round < 10; round++ {
			req := rdRequest(sources...)
			req.Workers = len(sources)
			req.Tiles.LastWins = lastWins
			sink := newTileCollector()
			st := im.Run(context.Background(), req, sink)
			requireDone(t, st)
			require.Len(t, sink.tiles, 4)
			for k, out := range sink.tiles {
				for i, v := range out.Elevation {
					require.Equal(t, want, v, "tile %s sample %d", k, i)
				}
			}
		}
	}
}

func TestHigherResolutionWinsEndToEnd(t *testing.T) {
	f := newFixture(t)
	coarse := f.asciiGrid("coarse.asc", "EPSG:28992", 0, 1000, 20, 5, 5, constant(1))
	fine := f.asciiGrid("fine.asc", "EPSG:28992", 0, 1000, 10, 5, 10, constant(2))
	sink := newTileCollector()
	st := f.importer(driver.DefaultRegistry()).Run(context.Background(), rdRequest(coarse, fine), sink)
	requireDone(t, st)
	out := sink.tiles[tile.Key{}]
	for row := 0; row < 10; row++ {
		for col := 0; col < 10; col++ {
			want := 1.0
			if col < 5 {
				want = 2
			}
			require.Equal(t, want, out.At(col, row), "sample %d,%d", col, row)
		}
	}
}

func TestCorruptSourcesBecomeDiagnostics(t *testing.T) {
	f := newFixture(t)
	good := f.asciiGrid("good.asc", "EPSG:28992", 0, 1000, 10, 10, 10, constant(5))
	truncated := f.source("truncated.asc", "EPSG:28992",
		"ncols 10\nnrows 10\nxllcorner 100\nyllcorner 900\ncellsize 10\n1 2 3\n")
	badHeader := f.source("header.asc", "EPSG:28992",
		"ncols ten\nnrows 10\nxllcorner 200\nyllcorner 900\ncellsize 10\n")

	sink := newTileCollector()
	st := f.importer(driver.DefaultRegistry()).Run(context.Background(), rdRequest(good, truncated, badHeader), sink)
	requireDone(t, st)
	require.Len(t, st.Diagnostics, 2)
	kinds := map[string]DiagnosticKind{}
	for _, d := range st.Diagnostics {
		assert.ErrorIs(t, d.Err, ErrCorruptSource)
		assert.False(t, d.Time.IsZero())
		kinds[d.Source] = d.Kind
	}
	assert.Equal(t, map[string]DiagnosticKind{"truncated": Corrupt, "header": Unreadable}, kinds)
	require.Contains(t, sink.tiles, tile.Key{})
	assert.Equal(t, 100, sink.tiles[tile.Key{}].ValidCount())
}

func TestSetupErrorsAreFatal(t *testing.T) {
	f := newFixture(t)
	good := f.asciiGrid("good.asc", "EPSG:28992", 0, 1000, 10, 10, 10, constant(5))
	unknown := f.source("data.xyz", "", "just some text")
	badRef := good
	badRef.ID, badRef.CRS = "bad", "EPSG:999999"
	dup := good

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{name: "no sources", req: rdRequest(), wantErr: ErrInvalidRequest},
		{name: "duplicate ids", req: rdRequest(good, dup), wantErr: ErrInvalidRequest},
		{name: "unsupported format", req: rdRequest(good, unknown), wantErr: ErrUnsupportedFormat},
		{name: "invalid declared reference", req: rdRequest(good, badRef), wantErr: ErrInvalidReference},
		{name: "invalid target", req: func() Request {
			r := rdRequest(good)
			r.TargetCRS = "+proj=nonsense"
			return r
		}(), wantErr: ErrInvalidReference},
		{name: "no target", req: func() Request {
			r := rdRequest(good)
			r.TargetCRS = ""
			return r
		}(), wantErr: ErrInvalidRequest},
		{name: "invalid grid", req: func() Request {
			r := rdRequest(good)
			r.Grid.TileSize = 0
			return r
		}(), wantErr: ErrInvalidRequest},
		{name: "tile matrix set in another reference", req: func() Request {
			r := rdRequest(good)
			r.Grid = GridRequest{TileMatrixSet: "WebMercatorQuad", TileMatrix: 10}
			return r
		}(), wantErr: ErrInvalidRequest},
	}
	im := f.importer(driver.DefaultRegistry())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newTileCollector()
			st := im.Run(context.Background(), tt.req, sink)
			assert.Equal(t, Failed, st.State)
			require.ErrorIs(t, st.Err, tt.wantErr)
			assert.Zero(t, st.Started)
			assert.Empty(t, sink.tiles)
		})
	}
}

func TestSinkFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	good := f.asciiGrid("good.asc", "EPSG:28992", 0, 1000, 10, 10, 10, constant(5))
	full := errors.New("disk full")
	st := f.importer(driver.DefaultRegistry()).Run(context.Background(), rdRequest(good),
		tile.SinkFunc(func(*tile.OutputTile) error { return full }))
	assert.Equal(t, Failed, st.State)
	require.ErrorIs(t, st.Err, ErrSinkFailed)
	require.ErrorIs(t, st.Err, full)
}

func TestAutoUTM(t *testing.T) {
	f := newFixture(t)
	src := f.asciiGrid("wgs84.asc", "EPSG:4326", 5, 52.1, 0.01, 10, 10, constant(7))
	req := Request{
		Sources:   []driver.SourceDescriptor{src},
		TargetCRS: AutoUTM,
		Grid:      GridRequest{OriginX: 600000, OriginY: 5800000, CellSize: 100, TileSize: 100},
		Resample:  raster.DefaultOptions(),
	}
	sink := newTileCollector()
	st := f.importer(driver.DefaultRegistry()).Run(context.Background(), req, sink)
	requireDone(t, st)
	assert.Equal(t, "EPSG:32631", st.Target)
	require.NotEmpty(t, sink.tiles)
	valid := 0
	for _, out := range sink.tiles {
		assert.Equal(t, "EPSG:32631", out.Spec.CRS.ID)
		for _, v := range out.Elevation {
			if !tile.IsNoData(v) {
				assert.InDelta(t, 7.0, v, 1e-9)
				valid++
			}
		}
	}
	assert.Positive(t, valid)
	assert.Equal(t, st.TilesFinalized, len(sink.tiles))
}

func TestTileMatrixSetGrid(t *testing.T) {
	f := newFixture(t)
	src := f.asciiGrid("rd.asc", "EPSG:28992", 155000, 463100, 10, 10, 10, constant(3))
	req := Request{
		Sources:  []driver.SourceDescriptor{src},
		Grid:     GridRequest{TileMatrixSet: "NetherlandsRDNewQuad", TileMatrix: 10},
		Resample: raster.DefaultOptions(),
	}
	sink := newTileCollector()
	st := f.importer(driver.DefaultRegistry()).Run(context.Background(), req, sink)
	requireDone(t, st)
	assert.Equal(t, "EPSG:28992", st.Target)
	require.NotEmpty(t, sink.tiles)
	for _, out := range sink.tiles {
		assert.Equal(t, 256, out.Spec.Width)
		assert.Positive(t, out.ValidCount())
	}
}

func TestDeclaredExtentFinalizesEarly(t *testing.T) {
	f := newFixture(t)
	west := f.asciiGrid("west.asc", "EPSG:28992", 0, 1000, 10, 10, 10, constant(1))
	west.Extent = &geom.Extent{0, 900, 100, 1000}
	east := f.asciiGrid("east.asc", "EPSG:28992", 100, 1000, 10, 10, 10, constant(2))
	east.Extent = &geom.Extent{100, 900, 200, 1000}
	req := rdRequest(west, east)
	req.Workers = 1

	var seen atomic.Int32
	sink := tile.SinkFunc(func(out *tile.OutputTile) error {
		seen.Add(1)
		return nil
	})
	job := f.importer(driver.DefaultRegistry()).Start(context.Background(), req, sink)
	st := job.Wait()
	requireDone(t, st)
	assert.Equal(t, int32(2), seen.Load())
	assert.Equal(t, 2, st.TilesFinalized)
}

// blockingDriver yields one block per source and then waits for cancellation
type blockingDriver struct {
	opened chan string
	opens  atomic.Int32
}

func (d *blockingDriver) Name() string         { return "blocking" }
func (d *blockingDriver) Kind() driver.Kind    { return driver.Raster }
func (d *blockingDriver) Extensions() []string { return []string{".blk"} }
func (d *blockingDriver) Sniff([]byte) bool    { return false }
func (d *blockingDriver) Acquire() (driver.Session, error) {
	return blockingSession{d}, nil
}

type blockingSession struct {
	d *blockingDriver
}

func (s blockingSession) Open(ctx context.Context, desc driver.SourceDescriptor, opts driver.OpenOptions) (driver.Stream, error) {
	s.d.opens.Add(1)
	s.d.opened <- desc.ID
	return &blockingStream{ctx: ctx, ref: opts.Declared}, nil
}

func (s blockingSession) Close() error { return nil }

type blockingStream struct {
	ctx context.Context
	ref *crs.CoordinateReference
	n   int
}

func (s *blockingStream) Next() (driver.Record, error) {
	if s.n > 0 {
		<-s.ctx.Done()
	}
	s.n++
	b := raster.NewBlock(s.ref, raster.NorthUp(0, 1000, 10, 10), 10, 10, -9999)
	for i := range b.Data {
		b.Data[i] = 1
	}
	return driver.Record{Raster: b}, nil
}

func (s *blockingStream) CRS() *crs.CoordinateReference { return s.ref }
func (s *blockingStream) Extent() (geom.Extent, bool)   { return geom.Extent{}, false }
func (s *blockingStream) Resolution() float64           { return 0 }
func (s *blockingStream) Close() error                  { return nil }

func TestCancellation(t *testing.T) {
	f := newFixture(t)
	const total, workers = 5, 2
	d := &blockingDriver{opened: make(chan string, total)}
	var sources []driver.SourceDescriptor
	for i := 0; i < total; i++ {
		sources = append(sources, f.source(fmt.Sprintf("s%d.blk", i), "EPSG:28992", ""))
	}
	req := rdRequest(sources...)
	req.Workers = workers

	sink := newTileCollector()
	job := f.importer(driver.NewRegistry(d)).Start(context.Background(), req, sink)
	for i := 0; i < workers; i++ {
		<-d.opened
	}
	assert.Equal(t, Streaming, job.Status().State)
	job.Cancel()
	st := job.Wait()

	assert.Equal(t, Failed, st.State)
	require.ErrorIs(t, st.Err, ErrCancelled)
	assert.Equal(t, workers, st.Started)
	assert.Equal(t, int32(workers), d.opens.Load(), "no source starts after cancellation")
	assert.GreaterOrEqual(t, len(st.Diagnostics), workers)
	assert.LessOrEqual(t, len(st.Diagnostics), total)
	for _, diag := range st.Diagnostics {
		assert.Equal(t, Cancelled, diag.Kind)
		assert.ErrorIs(t, diag.Err, ErrCancelled)
	}
	assert.Equal(t, total, st.Processed)
	assert.Empty(t, sink.tiles)
}

func TestTargetResolution(t *testing.T) {
	ext := [4]float64{0, 0, 1, 1}
	assert.InDelta(t, 0.5, targetResolution(100, ext, [4]float64{0, 0, 200, 200}), 1e-12)
	assert.Equal(t, 0.0, targetResolution(0, ext, ext))
	assert.Equal(t, 3.0, targetResolution(3, [4]float64{}, ext))
}

func TestSieveDropsSmallPolygons(t *testing.T) {
	f := newFixture(t)
	landuse := f.source("landuse.geojson", "EPSG:28992", `{
  "type": "FeatureCollection",
  "name": "landuse",
  "features": [
    {"type": "Feature", "id": "lake",
     "geometry": {"type": "Polygon", "coordinates": [[[0, 900], [50, 900], [50, 1000], [0, 1000], [0, 900]]]},
     "properties": {"class": "water"}},
    {"type": "Feature", "id": "pond",
     "geometry": {"type": "Polygon", "coordinates": [[[60, 960], [62, 960], [62, 962], [60, 962], [60, 960]]]},
     "properties": {"class": "water"}}
  ]
}`)
	landuse.ClassAttribute = "class"

	tests := []struct {
		name  string
		sieve float64
		want  []string
	}{
		{"disabled", 0, []string{"lake", "pond"}},
		{"pond sieved", 5, []string{"lake"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := rdRequest(landuse)
			req.Sieve = tt.sieve
			sink := newTileCollector()
			st := f.importer(driver.DefaultRegistry()).Run(context.Background(), req, sink)
			requireDone(t, st)
			out := sink.tiles[tile.Key{}]
			require.NotNil(t, out)
			var ids []string
			for _, feat := range out.Features {
				ids = append(ids, feat.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestAverageWindowsMatchWholeRaster(t *testing.T) {
	f := newFixture(t)
	// 4x16 cells of 10 m, each row holding its own index
	src := f.asciiGrid("rows.asc", "EPSG:28992", 0, 160, 10, 4, 16, func(_, row int) float64 { return float64(row) })

	for _, budget := range []int64{1 << 20, 256} {
		t.Run(fmt.Sprintf("budget %d", budget), func(t *testing.T) {
			req := rdRequest(src)
			req.Grid = GridRequest{OriginX: 0, OriginY: 160, CellSize: 40, TileSize: 4}
			req.Resample = raster.Options{Mode: raster.Average, NoDataThreshold: 0.5}
			req.MemoryBudget = budget
			sink := newTileCollector()
			st := f.importer(driver.DefaultRegistry()).Run(context.Background(), req, sink)
			requireDone(t, st)
			assert.Empty(t, st.Diagnostics)
			out := sink.tiles[tile.Key{}]
			require.NotNil(t, out)
			for row, want := range []float64{1.5, 5.5, 9.5, 13.5} {
				assert.Equal(t, want, out.At(0, row), "row %d", row)
			}
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	req := Request{Sources: []driver.SourceDescriptor{{Path: filepath.Join("dems", "dem.asc")}}, TargetCRS: "EPSG:28992"}
	got, err := req.normalize()
	require.NoError(t, err)
	assert.Equal(t, DefaultMemoryBudget, got.MemoryBudget)
	assert.Equal(t, DefaultWorkers, got.Workers)
	assert.Equal(t, DefaultHaloRows, got.HaloRows)
	assert.Equal(t, "dem.asc", got.Sources[0].ID)

	req.MemoryBudget = 1 << 10
	got, err = req.normalize()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<10), got.MemoryBudget)

	req.MemoryBudget = -1
	_, err = req.normalize()
	require.ErrorIs(t, err, ErrInvalidRequest)
}
