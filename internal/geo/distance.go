// Package geo provides coordinate handling, great-circle distance, and the
// geocoding client used for location lookup.
package geo

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// earthRadiusKm is the mean Earth radius used by the haversine formula.
const earthRadiusKm = 6371

// coordRe matches "lat,lon" decimal-degree pairs, e.g. "48.85,2.35".
var coordRe = regexp.MustCompile(`^([-+]?\d{1,2}\.\d+),\s*([-+]?\d{1,3}\.\d+)$`)

// Point is a position in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// ParsePoint parses a "lat,lon" decimal string. Registered coordinates are
// stored in this form, so it is the single syntactic gate for location data.
func ParsePoint(s string) (Point, error) {
	m := coordRe.FindStringSubmatch(s)
	if m == nil {
		return Point{}, fmt.Errorf("invalid coordinates %q: want \"lat,lon\" decimal degrees", s)
	}
	lat, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Point{}, err
	}
	lon, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Point{}, err
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return Point{}, fmt.Errorf("coordinates %q out of range", s)
	}
	return Point{Lat: lat, Lon: lon}, nil
}

// Valid reports whether s parses as a coordinate pair.
func Valid(s string) bool {
	_, err := ParsePoint(s)
	return err == nil
}

func (p Point) String() string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lon, 'f', -1, 64)
}

// DistanceKm returns the great-circle distance between two points using the
// haversine formula.
func DistanceKm(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lon1 := a.Lon * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	lon2 := b.Lon * math.Pi / 180

	dLat := lat2 - lat1
	dLon := lon2 - lon1
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// DistanceBetween parses both coordinate strings and returns their distance.
func DistanceBetween(a, b string) (float64, error) {
	pa, err := ParsePoint(a)
	if err != nil {
		return 0, err
	}
	pb, err := ParsePoint(b)
	if err != nil {
		return 0, err
	}
	return DistanceKm(pa, pb), nil
}
