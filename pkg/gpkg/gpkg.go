// Package gpkg reads feature tables from GeoPackages and builds the SQL to write them.
package gpkg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"
)

var ErrUnexpectedColumnType = errors.New("unexpected type for sqlite column data")

type Column struct {
	CID     int
	Name    string
	Type    string
	NotNull bool
	PK      bool
}

type Table struct {
	Name           string
	Columns        []Column
	GeometryColumn string
	GeometryType   gpkg.GeometryType
	SRS            gpkg.SpatialReferenceSystem
	// Extent as registered in gpkg_contents, nil when not filled in
	Extent *geom.Extent
}

// Reference returns the table's SRS as text the crs package parses:
// "EPSG:n" when the organization is EPSG, the WKT definition otherwise.
// Undefined systems (srs_id -1 and 0) yield "".
func (t Table) Reference() string {
	if t.SRS.ID <= 0 {
		return ""
	}
	if strings.EqualFold(t.SRS.Organization, "EPSG") && t.SRS.OrganizationCoordsysID > 0 {
		return "EPSG:" + strconv.Itoa(t.SRS.OrganizationCoordsysID)
	}
	if d := strings.TrimSpace(t.SRS.Definition); d != "" && !strings.EqualFold(d, "undefined") {
		return d
	}
	return ""
}

// GeometryTypeFromString returns the numeric value of a geometry type name
func GeometryTypeFromString(geometrytype string) gpkg.GeometryType {
	switch strings.ToUpper(geometrytype) {
	case "POINT":
		return gpkg.Point
	case "LINESTRING":
		return gpkg.Linestring
	case "POLYGON":
		return gpkg.Polygon
	case "MULTIPOINT":
		return gpkg.MultiPoint
	case "MULTILINESTRING":
		return gpkg.MultiLinestring
	case "MULTIPOLYGON":
		return gpkg.MultiPolygon
	case "GEOMETRYCOLLECTION":
		return gpkg.GeometryCollection
	default:
		return gpkg.Geometry
	}
}

// Open opens or creates the GeoPackage at file
func Open(file string) (*gpkg.Handle, error) {
	handle, err := gpkg.Open(file)
	if err != nil {
		return nil, fmt.Errorf("error opening GeoPackage %s: %w", file, err)
	}
	return handle, nil
}

type SourceGeopackage struct {
	handle *gpkg.Handle
}

func OpenSource(file string) (*SourceGeopackage, error) {
	handle, err := Open(file)
	if err != nil {
		return nil, err
	}
	return &SourceGeopackage{handle: handle}, nil
}

func (source *SourceGeopackage) Close() error {
	return source.handle.Close()
}

// Tables lists the feature tables from gpkg_geometry_columns
func (source *SourceGeopackage) Tables() ([]Table, error) {
	query := `SELECT table_name, column_name, geometry_type_name, srs_id FROM gpkg_geometry_columns ORDER BY table_name;`
	rows, err := source.handle.Query(query)
	if err != nil {
		return nil, fmt.Errorf("error reading gpkg_geometry_columns: %w", err)
	}
	defer rows.Close()

	var tables []Table
	var srsIDs []int
	for rows.Next() {
		var t Table
		var gtype string
		var srsID int
		if err := rows.Scan(&t.Name, &t.GeometryColumn, &gtype, &srsID); err != nil {
			return nil, fmt.Errorf("error reading the source table information: %w", err)
		}
		t.GeometryType = GeometryTypeFromString(gtype)
		tables = append(tables, t)
		srsIDs = append(srsIDs, srsID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// the cursor above must be done before the per table queries on a single connection
	for i := range tables {
		if tables[i].Columns, err = getTableColumns(source.handle, tables[i].Name); err != nil {
			return nil, err
		}
		if tables[i].SRS, err = getSpatialReferenceSystem(source.handle, srsIDs[i]); err != nil {
			return nil, err
		}
		if tables[i].Extent, err = getContentsExtent(source.handle, tables[i].Name); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

// Feature is one row of a feature table: the geometry plus the other columns in table order
type Feature struct {
	ID       string
	Geometry geom.Geometry
	Columns  []string
	Values   []any
}

// FeatureRows iterates the rows of one table
type FeatureRows struct {
	table Table
	rows  *sql.Rows
	cols  []string
	pk    string
	index int
}

func (source *SourceGeopackage) ReadFeatures(ctx context.Context, t Table) (*FeatureRows, error) {
	rows, err := source.handle.QueryContext(ctx, t.selectSQL())
	if err != nil {
		return nil, fmt.Errorf("error reading table %s: %w", t.Name, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("error reading the columns: %w", err)
	}
	fr := &FeatureRows{table: t, rows: rows, cols: cols}
	for _, c := range t.Columns {
		if c.PK {
			fr.pk = c.Name
		}
	}
	return fr, nil
}

// Next returns the next feature, io.EOF after the last one
func (fr *FeatureRows) Next() (Feature, error) {
	var f Feature
	if !fr.rows.Next() {
		if err := fr.rows.Err(); err != nil {
			return f, err
		}
		return f, io.EOF
	}
	vals := make([]any, len(fr.cols))
	valPtrs := make([]any, len(fr.cols))
	for i := range vals {
		valPtrs[i] = &vals[i]
	}
	if err := fr.rows.Scan(valPtrs...); err != nil {
		return f, fmt.Errorf("err reading row values: %w", err)
	}
	fr.index++
	f.ID = strconv.Itoa(fr.index)
	for i, colName := range fr.cols {
		if colName == fr.table.GeometryColumn {
			blob, ok := vals[i].([]byte)
			if !ok {
				if vals[i] == nil {
					continue
				}
				return f, fmt.Errorf("geometry column %s: %T: %w", colName, vals[i], ErrUnexpectedColumnType)
			}
			sb, err := gpkg.DecodeGeometry(blob)
			if err != nil {
				return f, fmt.Errorf("error decoding the geometry: %w", err)
			}
			f.Geometry = sb.Geometry
			continue
		}
		var v any
		switch value := vals[i].(type) {
		case []byte:
			v = string(value)
		case int64, float64, time.Time, string, bool, nil:
			v = value
		default:
			return f, fmt.Errorf("%v: %T: %w", colName, value, ErrUnexpectedColumnType)
		}
		if colName == fr.pk && v != nil {
			f.ID = fmt.Sprint(v)
		}
		f.Columns = append(f.Columns, colName)
		f.Values = append(f.Values, v)
	}
	return f, nil
}

func (fr *FeatureRows) Close() error {
	return fr.rows.Close()
}

// CreateSQL creates a CREATE statement on the given table and column information
// used for creating feature tables in the target Geopackage
func (t Table) CreateSQL() string {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%v"`, t.Name)
	var columnparts []string
	for _, column := range t.Columns {
		columnpart := `"` + column.Name + `" ` + column.Type
		if column.NotNull {
			columnpart = columnpart + ` NOT NULL`
		}
		if column.PK {
			columnpart = columnpart + ` PRIMARY KEY`
		}
		columnparts = append(columnparts, columnpart)
	}
	return create + `(` + strings.Join(columnparts, `, `) + `);`
}

// selectSQL build a SELECT statement based on the table and columns
// used for reading the source features
func (t Table) selectSQL() string {
	var csql []string
	for _, c := range t.Columns {
		csql = append(csql, `"`+c.Name+`"`)
	}
	return `SELECT ` + strings.Join(csql, `,`) + ` FROM "` + t.Name + `";`
}

// InsertSQL is the INSERT statement for every non primary key column, the geometry last
func (t Table) InsertSQL() string {
	var csql, vsql []string
	for _, c := range t.Columns {
		if c.Name != t.GeometryColumn && !c.PK {
			csql = append(csql, `"`+c.Name+`"`)
			vsql = append(vsql, `?`)
		}
	}
	csql = append(csql, `"`+t.GeometryColumn+`"`)
	vsql = append(vsql, `?`)
	return `INSERT INTO "` + t.Name + `"(` + strings.Join(csql, `,`) + `) VALUES(` + strings.Join(vsql, `,`) + `)`
}

// getSpatialReferenceSystem extracts this based on the given SRS id
func getSpatialReferenceSystem(h *gpkg.Handle, id int) (gpkg.SpatialReferenceSystem, error) {
	var srs gpkg.SpatialReferenceSystem
	query := `SELECT srs_name, srs_id, organization, organization_coordsys_id, definition, description FROM gpkg_spatial_ref_sys WHERE srs_id = ?;`

	var description *string
	err := h.QueryRow(query, id).Scan(&srs.Name, &srs.ID, &srs.Organization, &srs.OrganizationCoordsysID, &srs.Definition, &description)
	if err != nil {
		return srs, fmt.Errorf("error reading srs %d: %w", id, err)
	}
	if description != nil {
		srs.Description = *description
	}
	return srs, nil
}

// getTableColumns collects the column information of a given table
func getTableColumns(h *gpkg.Handle, table string) ([]Column, error) {
	rows, err := h.Query(fmt.Sprintf(`PRAGMA table_info('%v');`, strings.ReplaceAll(table, `'`, `''`)))
	if err != nil {
		return nil, fmt.Errorf("error reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var c Column
		var notnull, pk int
		var dfltValue any
		if err := rows.Scan(&c.CID, &c.Name, &c.Type, &notnull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("error getting the column information: %w", err)
		}
		c.NotNull, c.PK = notnull == 1, pk == 1
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

func getContentsExtent(h *gpkg.Handle, table string) (*geom.Extent, error) {
	var minX, minY, maxX, maxY sql.NullFloat64
	err := h.QueryRow(`SELECT min_x, min_y, max_x, max_y FROM gpkg_contents WHERE table_name = ?;`, table).
		Scan(&minX, &minY, &maxX, &maxY)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("error reading the extent of %s: %w", table, err)
	}
	if !minX.Valid || !minY.Valid || !maxX.Valid || !maxY.Valid {
		return nil, nil
	}
	return &geom.Extent{minX.Float64, minY.Float64, maxX.Float64, maxY.Float64}, nil
}

// BuildTable creates a given destination table with the necessary gpkg_ information
func BuildTable(h *gpkg.Handle, t Table) error {
	if err := h.UpdateSRS(t.SRS); err != nil {
		return fmt.Errorf("error registering srs %d: %w", t.SRS.ID, err)
	}
	if _, err := h.Exec(t.CreateSQL()); err != nil {
		return fmt.Errorf("error building table %s in target GeoPackage: %w", t.Name, err)
	}
	err := h.AddGeometryTable(gpkg.TableDescription{
		Name:          t.Name,
		ShortName:     t.Name,
		Description:   t.Name,
		GeometryField: t.GeometryColumn,
		GeometryType:  t.GeometryType,
		SRS:           int32(t.SRS.ID),
		Z:             gpkg.Prohibited,
		M:             gpkg.Prohibited,
	})
	if err != nil {
		return fmt.Errorf("error adding geometry table %s in target GeoPackage: %w", t.Name, err)
	}
	return nil
}
