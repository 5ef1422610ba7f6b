package driver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gpkgsource "github.com/pdok/landform/pkg/gpkg"
)

var rdNew = gpkg.SpatialReferenceSystem{
	Name:                   "Amersfoort / RD New",
	ID:                     28992,
	Organization:           "EPSG",
	OrganizationCoordsysID: 28992,
	Definition:             "undefined",
}

// writeGeoPackage creates a GeoPackage with one polygon table holding a name column
func writeGeoPackage(t *testing.T, path, table string, polygons map[string]geom.Polygon) {
	t.Helper()
	h, err := gpkgsource.Open(path)
	require.NoError(t, err)
	defer h.Close()

	tbl := gpkgsource.Table{
		Name: table,
		Columns: []gpkgsource.Column{
			{Name: "fid", Type: "INTEGER", PK: true},
			{Name: "name", Type: "TEXT"},
			{Name: "geom", Type: "POLYGON"},
		},
		GeometryColumn: "geom",
		GeometryType:   gpkg.Polygon,
		SRS:            rdNew,
	}
	require.NoError(t, gpkgsource.BuildTable(h, tbl))

	var ext *geom.Extent
	for _, name := range []string{"a", "b"} {
		p, ok := polygons[name]
		if !ok {
			continue
		}
		sb, err := gpkg.NewBinary(int32(rdNew.ID), p)
		require.NoError(t, err)
		_, err = h.Exec(tbl.InsertSQL(), name, sb)
		require.NoError(t, err)
		e, err := geom.NewExtentFromGeometry(p)
		require.NoError(t, err)
		if ext == nil {
			ext = e
		} else {
			ext.Add(e)
		}
	}
	require.NoError(t, h.UpdateGeometryExtent(table, ext))
}

func square(x, y, size float64) geom.Polygon {
	return geom.Polygon{{{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}}}
}

func TestGeoPackage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "landuse.gpkg")
	writeGeoPackage(t, path, "landuse", map[string]geom.Polygon{
		"a": square(155000, 463000, 10),
		"b": square(155020, 463000, 10),
	})

	s := openStream(t, SourceDescriptor{Path: path}, OpenOptions{Resolver: newResolver(t)})
	assert.Equal(t, "EPSG:28992", s.CRS().ID)
	ext, ok := s.Extent()
	require.True(t, ok)
	assert.Equal(t, [4]float64{155000, 463000, 155030, 463010}, [4]float64(ext))

	records, err := drain(s)
	require.NoError(t, err)
	require.Len(t, records, 2)
	first := records[0].Feature
	assert.Equal(t, "landuse.1", first.ID)
	assert.Equal(t, "landuse", first.Layer)
	assert.Equal(t, "a", first.Class("name"))
	assert.Equal(t, [4]float64{155000, 463000, 155010, 463010}, [4]float64(*first.Extent()))
	fid, ok := first.Attributes.Get("fid")
	require.True(t, ok)
	assert.Equal(t, int64(1), fid)
	assert.Equal(t, "b", records[1].Feature.Class("name"))
}

func TestGeoPackageLayerFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "landuse.gpkg")
	writeGeoPackage(t, path, "landuse", map[string]geom.Polygon{"a": square(0, 0, 1)})

	sess, err := GeoPackage{}.Acquire()
	require.NoError(t, err)
	defer sess.Close()
	_, err = sess.Open(context.Background(), SourceDescriptor{Path: path, Layer: "roads"}, OpenOptions{Resolver: newResolver(t)})
	require.ErrorIs(t, err, ErrCorruptSource)

	s, err := sess.Open(context.Background(), SourceDescriptor{Path: path, Layer: "LANDUSE"}, OpenOptions{Resolver: newResolver(t)})
	require.NoError(t, err)
	defer s.Close()
	records, err := drain(s)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
