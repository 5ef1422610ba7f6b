package crs

import (
	"fmt"
	"math"
)

type epsgDef struct {
	name string
	proj string
}

const (
	etrs89Params = "+ellps=GRS80 +towgs84=0,0,0,0,0,0,0"
	rdParams     = "+proj=sterea +lat_0=52.15616055555555 +lon_0=5.38763888888889 +k=0.9999079 " +
		"+x_0=155000 +y_0=463000 +ellps=bessel " +
		"+towgs84=565.417,50.3319,465.552,-0.398957,0.343988,-1.8774,4.0725 +units=m"
)

var epsgTable = map[int]epsgDef{
	4326:  {"WGS 84", "+proj=longlat +datum=WGS84"},
	4258:  {"ETRS89", "+proj=longlat " + etrs89Params},
	4269:  {"NAD83", "+proj=longlat +datum=NAD83"},
	4289:  {"Amersfoort", "+proj=longlat +ellps=bessel +towgs84=565.417,50.3319,465.552,-0.398957,0.343988,-1.8774,4.0725"},
	3857:  {"WGS 84 / Pseudo-Mercator", "+proj=merc +a=6378137 +b=6378137 +lat_ts=0 +lon_0=0 +x_0=0 +y_0=0 +k=1 +units=m +nadgrids=@null"},
	3395:  {"WGS 84 / World Mercator", "+proj=merc +lon_0=0 +k=1 +x_0=0 +y_0=0 +datum=WGS84 +units=m"},
	28992: {"Amersfoort / RD New", rdParams},
	27700: {"OSGB36 / British National Grid", "+proj=tmerc +lat_0=49 +lon_0=-2 +k=0.9996012717 +x_0=400000 +y_0=-100000 " +
		"+ellps=airy +towgs84=446.448,-125.157,542.06,0.15,0.247,0.842,-20.489 +units=m"},
}

func epsgDefinition(code int) (epsgDef, bool) {
	if d, ok := epsgTable[code]; ok {
		return d, true
	}
	switch {
	case code > 32600 && code <= 32660:
		zone := code - 32600
		return epsgDef{fmt.Sprintf("WGS 84 / UTM zone %dN", zone), fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m", zone)}, true
	case code > 32700 && code <= 32760:
		zone := code - 32700
		return epsgDef{fmt.Sprintf("WGS 84 / UTM zone %dS", zone), fmt.Sprintf("+proj=utm +zone=%d +south +datum=WGS84 +units=m", zone)}, true
	case code >= 25828 && code <= 25838:
		zone := code - 25800
		return epsgDef{fmt.Sprintf("ETRS89 / UTM zone %dN", zone), fmt.Sprintf("+proj=utm +zone=%d %s +units=m", zone, etrs89Params)}, true
	}
	return epsgDef{}, false
}

// UTMZoneFor returns the EPSG code of the WGS84 UTM zone containing lon/lat (degrees)
func UTMZoneFor(lon, lat float64) int {
	zone := int(math.Floor((lon+180)/6))%60 + 1
	if zone < 1 {
		zone += 60
	}
	if lat < 0 {
		return 32700 + zone
	}
	return 32600 + zone
}
