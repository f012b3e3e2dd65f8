package route

import (
	"errors"
	"fmt"
	"strings"

	"hiketrack/internal/shared/geo"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
)

var ErrInvalidWKT = errors.New("route: invalid LINESTRING")

// ParseLineString reads a WKT LINESTRING in lng/lat order, the way PostGIS
// prints it. An EWKT "SRID=n;" prefix is accepted. For LINESTRING Z the third
// ordinate is returned in elevations; for 2D input elevations is nil.
func ParseLineString(text string) (path []geo.Coordinate, elevations []float64, err error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, ";"); i >= 0 && strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		s = strings.TrimSpace(s[i+1:])
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidWKT, err)
	}
	ls, ok := g.(*geom.LineString)
	if !ok {
		return nil, nil, fmt.Errorf("%w: got %T", ErrInvalidWKT, g)
	}
	layout := ls.Layout()
	if layout != geom.XY && layout != geom.XYZ {
		return nil, nil, fmt.Errorf("%w: unsupported layout %v", ErrInvalidWKT, layout)
	}
	if ls.NumCoords() < 2 {
		return nil, nil, fmt.Errorf("%w: need at least two points", ErrInvalidWKT)
	}

	z := layout.ZIndex()
	for _, coord := range ls.Coords() {
		c := geo.Coordinate{Lat: coord.Y(), Lng: coord.X()}
		if !c.Valid() {
			return nil, nil, fmt.Errorf("%w: point out of range %v", ErrInvalidWKT, []float64(coord))
		}
		path = append(path, c)
		if z >= 0 {
			elevations = append(elevations, coord[z])
		}
	}
	return path, elevations, nil
}

// FormatLineString encodes a 2D path as WKT in lng/lat order.
func FormatLineString(path []geo.Coordinate) (string, error) {
	coords := make([]geom.Coord, len(path))
	for i, c := range path {
		coords[i] = geom.Coord{c.Lng, c.Lat}
	}
	ls, err := geom.NewLineString(geom.XY).SetCoords(coords)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWKT, err)
	}
	return wkt.Marshal(ls)
}

func elevationGain(elevations []float64) float64 {
	gain := 0.0
	for i := 1; i < len(elevations); i++ {
		if d := elevations[i] - elevations[i-1]; d > 0 {
			gain += d
		}
	}
	return gain
}
