// Package geo holds the spherical helpers used by tracking, stats and the
// anomaly detectors. Coordinates are WGS84 degrees; distances are metres
// unless the function name says otherwise.
package geo

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	EarthRadiusM = 6371000.0

	// SpanPadding is the proportional padding BoundingSpan adds on each axis.
	SpanPadding = 0.2
	// MinSpanDegrees keeps single-point and collinear sets from collapsing to
	// a zero-sized region.
	MinSpanDegrees = 0.005
)

var ErrEmptyInput = errors.New("geo: empty input")

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether c is a finite coordinate inside the WGS84 ranges.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

// HaversineKm returns the great-circle distance in kilometres.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	return Distance(Coordinate{Lat: lat1, Lng: lng1}, Coordinate{Lat: lat2, Lng: lng2}) / 1000
}

// Distance returns the haversine great-circle distance between a and b in metres.
func Distance(a, b Coordinate) float64 {
	if a == b {
		return 0
	}
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*sinLng*sinLng
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusM * math.Asin(math.Sqrt(h))
}

// Bearing returns the initial great-circle bearing from one point to another
// in degrees [0,360). Equal points have no bearing and return 0.
func Bearing(from, to Coordinate) float64 {
	if from == to {
		return 0
	}
	lat1 := toRad(from.Lat)
	lat2 := toRad(to.Lat)
	dLng := toRad(to.Lng - from.Lng)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)

	b := math.Mod(toDeg(math.Atan2(y, x))+360, 360)
	if b >= 360 {
		b = 0
	}
	return b
}

func axes(points []Coordinate) (lats, lngs []float64) {
	lats = make([]float64, len(points))
	lngs = make([]float64, len(points))
	for i, p := range points {
		lats[i] = p.Lat
		lngs[i] = p.Lng
	}
	return lats, lngs
}

// Centroid is the arithmetic mean of the coordinates. Good enough at hiking
// scales; it is not a spherical centroid.
func Centroid(points []Coordinate) (Coordinate, error) {
	if len(points) == 0 {
		return Coordinate{}, ErrEmptyInput
	}
	lats, lngs := axes(points)
	return Coordinate{Lat: stat.Mean(lats, nil), Lng: stat.Mean(lngs, nil)}, nil
}

// BoundingSpan returns the padded latitude and longitude extent of points.
func BoundingSpan(points []Coordinate) (latDelta, lngDelta float64, err error) {
	if len(points) == 0 {
		return 0, 0, ErrEmptyInput
	}
	lats, lngs := axes(points)
	latDelta = (floats.Max(lats) - floats.Min(lats)) * (1 + SpanPadding)
	lngDelta = (floats.Max(lngs) - floats.Min(lngs)) * (1 + SpanPadding)
	return math.Max(latDelta, MinSpanDegrees), math.Max(lngDelta, MinSpanDegrees), nil
}

// DistanceToPolyline returns the distance in metres from p to the closest point
// of line. Segments are measured on an equirectangular projection centred on p,
// which is accurate to well under a metre over a few kilometres.
func DistanceToPolyline(p Coordinate, line []Coordinate) float64 {
	switch len(line) {
	case 0:
		return math.Inf(1)
	case 1:
		return Distance(p, line[0])
	}

	cosLat := math.Cos(toRad(p.Lat))
	project := func(c Coordinate) (float64, float64) {
		return toRad(c.Lng-p.Lng) * cosLat * EarthRadiusM, toRad(c.Lat-p.Lat) * EarthRadiusM
	}

	best := math.Inf(1)
	ax, ay := project(line[0])
	for _, c := range line[1:] {
		bx, by := project(c)
		d := pointSegment(ax, ay, bx, by)
		if d < best {
			best = d
		}
		ax, ay = bx, by
	}
	return best
}

// pointSegment is the distance from the origin to segment a-b.
func pointSegment(ax, ay, bx, by float64) float64 {
	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(ax, ay)
	}
	t := -(ax*dx + ay*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(ax+t*dx, ay+t*dy)
}

// PathLength sums the distance along points in order.
func PathLength(points []Coordinate) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}
