package crs

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	epsgRegex   = regexp.MustCompile(`(?i)^\s*epsg\s*:+\s*(\d+)\s*$`)
	uriRegexURL = regexp.MustCompile(`(?i)^https?://.+/def/crs/([^/]+)/[^/]+/([^/]+)/?$`)
	uriRegexURN = regexp.MustCompile(`(?i)^urn:ogc:def:crs:([^:]+):[^:]*:([^:]+)$`)
	// only the outermost AUTHORITY["EPSG","n"] or ID["EPSG",n] counts, which is the last one in WKT1 and WKT2
	wktAuthorityRegex = regexp.MustCompile(`(?i)(?:AUTHORITY|ID)\[\s*"EPSG"\s*,\s*"?(\d+)"?\s*\]`)
	wktRootRegex      = regexp.MustCompile(`(?i)^\s*(GEOGCS|PROJCS|GEOGCRS|PROJCRS|GEODCRS|COMPD_CS|COMPOUNDCRS|BASEGEOGCRS)\s*\[`)
)

var ellipsoids = map[string]Ellipsoid{
	"WGS84":  {Name: "WGS84", A: 6378137, F: 1 / 298.257223563},
	"GRS80":  {Name: "GRS80", A: 6378137, F: 1 / 298.257222101},
	"bessel": {Name: "bessel", A: 6377397.155, F: 1 / 299.1528128},
	"intl":   {Name: "intl", A: 6378388, F: 1 / 297.0},
	"airy":   {Name: "airy", A: 6377563.396, F: 1 / 299.3249646},
	"clrk66": {Name: "clrk66", A: 6378206.4, F: 1 / 294.978698214},
}

type namedDatum struct {
	ellipsoid string
	toWGS84   []float64
}

var datums = map[string]namedDatum{
	"WGS84":   {ellipsoid: "WGS84", toWGS84: []float64{0, 0, 0}},
	"NAD83":   {ellipsoid: "GRS80", toWGS84: []float64{0, 0, 0}},
	"potsdam": {ellipsoid: "bessel", toWGS84: []float64{598.1, 73.7, 418.2, 0.202, 0.045, -2.455, 6.7}},
	"OSGB36":  {ellipsoid: "airy", toWGS84: []float64{446.448, -125.157, 542.06, 0.15, 0.247, 0.842, -20.489}},
}

var units = map[string]float64{
	"m":     1,
	"km":    1000,
	"dm":    0.1,
	"cm":    0.01,
	"ft":    0.3048,
	"us-ft": 1200.0 / 3937.0,
}

// canonicalAuthority returns "EPSG:n" for the supported authority spellings
func canonicalAuthority(text string) (string, bool) {
	if m := epsgRegex.FindStringSubmatch(text); m != nil {
		return "EPSG:" + strings.TrimLeft(m[1], "0"), true
	}
	for _, r := range []*regexp.Regexp{uriRegexURL, uriRegexURN} {
		if m := r.FindStringSubmatch(strings.TrimSpace(text)); m != nil && strings.EqualFold(m[1], "EPSG") {
			if _, err := strconv.Atoi(m[2]); err == nil {
				return "EPSG:" + strings.TrimLeft(m[2], "0"), true
			}
		}
	}
	if wktRootRegex.MatchString(text) {
		all := wktAuthorityRegex.FindAllStringSubmatch(text, -1)
		if len(all) > 0 {
			return "EPSG:" + all[len(all)-1][1], true
		}
	}
	return "", false
}

// canonicalize maps every accepted spelling of a reference to one cache key
func canonicalize(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty reference: %w", ErrInvalidReference)
	}
	if id, ok := canonicalAuthority(text); ok {
		return id, nil
	}
	if strings.HasPrefix(text, "+") {
		params, err := splitProjString(text)
		if err != nil {
			return "", err
		}
		return joinProjParams(params), nil
	}
	if wktRootRegex.MatchString(text) {
		return "", fmt.Errorf("WKT without EPSG authority: %w", ErrInvalidReference)
	}
	return "", fmt.Errorf("unrecognized reference %q: %w", text, ErrInvalidReference)
}

type projParam struct {
	key, value string
}

func splitProjString(text string) ([]projParam, error) {
	var params []projParam
	for _, tok := range strings.Fields(text) {
		if !strings.HasPrefix(tok, "+") || len(tok) == 1 {
			return nil, fmt.Errorf("bad PROJ token %q: %w", tok, ErrInvalidReference)
		}
		k, v, _ := strings.Cut(tok[1:], "=")
		switch k {
		case "no_defs", "wktext", "type":
			continue
		}
		params = append(params, projParam{key: k, value: v})
	}
	return params, nil
}

func joinProjParams(params []projParam) string {
	sorted := append([]projParam(nil), params...)
	sort.SliceStable(sorted, func(i, j int) bool {
		// +proj always first, the rest alphabetically
		if sorted[i].key == "proj" || sorted[j].key == "proj" {
			return sorted[i].key == "proj" && sorted[j].key != "proj"
		}
		return sorted[i].key < sorted[j].key
	})
	var sb strings.Builder
	for i, p := range sorted {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte('+')
		sb.WriteString(p.key)
		if p.value != "" {
			sb.WriteByte('=')
			sb.WriteString(p.value)
		}
	}
	return sb.String()
}

// build parses a canonical ID into a reference
func build(id string) (*CoordinateReference, error) {
	def := id
	epsg := 0
	if strings.HasPrefix(id, "EPSG:") {
		code, _ := strconv.Atoi(id[5:])
		d, ok := epsgDefinition(code)
		if !ok {
			return nil, fmt.Errorf("EPSG:%d not in the built-in registry: %w", code, ErrInvalidReference)
		}
		def, epsg = d.proj, code
	}
	params, err := splitProjString(def)
	if err != nil {
		return nil, err
	}
	ref, err := fromProjParams(params)
	if err != nil {
		return nil, err
	}
	ref.ID = id
	ref.EPSG = epsg
	if epsg != 0 {
		d, _ := epsgDefinition(epsg)
		ref.Name = d.name
	} else {
		ref.Name = ref.projName
	}
	return ref, nil
}

func floatParam(kv map[string]string, key string, def float64) (float64, error) {
	v, ok := kv[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("+%s=%s: %w", key, v, ErrInvalidReference)
	}
	return f, nil
}

func fromProjParams(params []projParam) (*CoordinateReference, error) {
	kv := make(map[string]string, len(params))
	for _, p := range params {
		kv[p.key] = p.value
	}
	ref := &CoordinateReference{ToMeter: 1}

	// ellipsoid and datum
	ell := ellipsoids["WGS84"]
	datum := Datum{}
	if name, ok := kv["datum"]; ok {
		nd, ok := datums[name]
		if !ok {
			return nil, fmt.Errorf("unknown datum %q: %w", name, ErrInvalidReference)
		}
		ell = ellipsoids[nd.ellipsoid]
		datum = Datum{Name: name, ToWGS84: nd.toWGS84}
	}
	if name, ok := kv["ellps"]; ok {
		e, ok := ellipsoids[name]
		if !ok {
			return nil, fmt.Errorf("unknown ellipsoid %q: %w", name, ErrInvalidReference)
		}
		ell = e
	}
	if _, ok := kv["R"]; ok {
		r, err := floatParam(kv, "R", 0)
		if err != nil {
			return nil, err
		}
		ell = Ellipsoid{Name: "sphere", A: r}
	}
	if _, ok := kv["a"]; ok {
		a, err := floatParam(kv, "a", 0)
		if err != nil {
			return nil, err
		}
		ell = Ellipsoid{Name: "custom", A: a}
		switch {
		case kv["b"] != "":
			b, err := floatParam(kv, "b", a)
			if err != nil {
				return nil, err
			}
			ell.F = (a - b) / a
		case kv["rf"] != "":
			rf, err := floatParam(kv, "rf", 0)
			if err != nil || rf == 0 {
				return nil, fmt.Errorf("+rf: %w", ErrInvalidReference)
			}
			ell.F = 1 / rf
		}
		if ell.F == 0 {
			ell.Name = "sphere"
		}
	}
	if ell.A <= 0 || ell.F < 0 || ell.F >= 1 {
		return nil, fmt.Errorf("ellipsoid a=%v f=%v: %w", ell.A, ell.F, ErrInvalidReference)
	}
	if tw, ok := kv["towgs84"]; ok {
		parts := strings.Split(tw, ",")
		vals := make([]float64, 0, len(parts))
		for _, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("+towgs84=%s: %w", tw, ErrInvalidReference)
			}
			vals = append(vals, f)
		}
		if len(vals) != 3 && len(vals) != 7 {
			return nil, fmt.Errorf("+towgs84 needs 3 or 7 values: %w", ErrInvalidReference)
		}
		datum = Datum{Name: "towgs84=" + tw, ToWGS84: vals}
	}
	if kv["nadgrids"] == "@null" && datum.Name == "" {
		// web mercator style: geodetic coordinates are taken as WGS84
		datum = Datum{Name: "WGS84", ToWGS84: []float64{0, 0, 0}}
	}
	if datum.Name == "" {
		if ell.Name == "WGS84" {
			datum = Datum{Name: "WGS84", ToWGS84: []float64{0, 0, 0}}
		} else {
			datum = Datum{Name: "unknown(" + ell.Name + ")"}
		}
	}
	ref.Ellipsoid = ell
	ref.Datum = datum

	// units
	if u, ok := kv["units"]; ok {
		f, ok := units[u]
		if !ok {
			return nil, fmt.Errorf("unknown unit %q: %w", u, ErrInvalidReference)
		}
		ref.ToMeter = f
	}
	toMeter, err := floatParam(kv, "to_meter", ref.ToMeter)
	if err != nil || toMeter <= 0 {
		return nil, fmt.Errorf("+to_meter: %w", ErrInvalidReference)
	}
	ref.ToMeter = toMeter
	if u, ok := kv["vunits"]; ok {
		f, ok := units[u]
		if !ok {
			return nil, fmt.Errorf("unknown vertical unit %q: %w", u, ErrInvalidReference)
		}
		ref.VerticalToMeter = f
	}
	if _, ok := kv["vto_meter"]; ok {
		v, err := floatParam(kv, "vto_meter", 0)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("+vto_meter: %w", ErrInvalidReference)
		}
		ref.VerticalToMeter = v
	}

	// projection parameters
	var p projParams
	for _, f := range []struct {
		key string
		dst *float64
		def float64
	}{
		{"lon_0", &p.lon0, 0},
		{"lat_0", &p.lat0, 0},
		{"x_0", &p.x0, 0},
		{"y_0", &p.y0, 0},
	} {
		if *f.dst, err = floatParam(kv, f.key, f.def); err != nil {
			return nil, err
		}
	}
	p.lon0 *= deg2rad
	p.lat0 *= deg2rad
	if p.k0, err = floatParam(kv, "k_0", 1); err != nil {
		return nil, err
	}
	if p.k0, err = floatParam(kv, "k", p.k0); err != nil {
		return nil, err
	}
	if p.k0 <= 0 {
		return nil, fmt.Errorf("scale factor %v: %w", p.k0, ErrInvalidReference)
	}

	ref.projName = kv["proj"]
	switch ref.projName {
	case "longlat", "latlong", "lonlat", "latlon":
		ref.projName = "longlat"
	case "merc":
		if _, ok := kv["lat_ts"]; ok {
			latTS, err := floatParam(kv, "lat_ts", 0)
			if err != nil {
				return nil, err
			}
			s, c := math.Sincos(latTS * deg2rad)
			p.k0 = c / math.Sqrt(1-ell.E2()*s*s)
		}
		ref.proj = mercator{p: p, a: ell.A, e: ell.E()}
	case "webmerc":
		ref.projName = "merc"
		ref.Ellipsoid = Ellipsoid{Name: "sphere", A: ellipsoids["WGS84"].A}
		ref.Datum = Datum{Name: "WGS84", ToWGS84: []float64{0, 0, 0}}
		ref.proj = mercator{p: p, a: ref.Ellipsoid.A}
	case "tmerc":
		ref.proj = newTransverseMercator(p, ell)
	case "utm":
		zone, err := strconv.Atoi(kv["zone"])
		if err != nil || zone < 1 || zone > 60 {
			return nil, fmt.Errorf("+zone=%s: %w", kv["zone"], ErrInvalidReference)
		}
		p = projParams{
			lon0: float64(zone*6-183) * deg2rad,
			k0:   0.9996,
			x0:   500000,
		}
		if _, south := kv["south"]; south {
			p.y0 = 10000000
		}
		ref.proj = newTransverseMercator(p, ell)
	case "sterea":
		ref.proj = newObliqueStereographic(p, ell)
	case "":
		return nil, fmt.Errorf("missing +proj: %w", ErrInvalidReference)
	default:
		return nil, fmt.Errorf("unsupported projection %q: %w", ref.projName, ErrInvalidReference)
	}
	return ref, nil
}
