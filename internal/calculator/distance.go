// Package calculator provides GPS distance calculations using the Haversine formula
// to compute great-circle distances between geographic coordinates.
package calculator

import (
	"math"
)

const (
	// EarthRadiusKM is the Earth's radius in kilometers
	EarthRadiusKM = 6371.0
)

// Location represents a WGS84 coordinate in decimal degrees
type Location struct {
	Latitude  float64
	Longitude float64
}

// Distance returns the great-circle distance in kilometers between two locations
func Distance(a, b Location) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// Haversine calculates the great-circle distance between two points
// on the Earth's surface given their latitudes and longitudes in decimal degrees
//
// Formula:
// a = sin²(Δφ/2) + cos φ1 ⋅ cos φ2 ⋅ sin²(Δλ/2)
// c = 2 ⋅ atan2( √a, √(1−a) )
// d = R ⋅ c
//
// where:
// φ is latitude, λ is longitude, R is earth's radius (6371 km)
// Δφ is the difference in latitude, Δλ is the difference in longitude
//
// The haversine form stays accurate for the tens-of-meters steps between
// consecutive fixes, where the spherical law of cosines loses precision.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := degreesToRadians(lat1)
	lat2Rad := degreesToRadians(lat2)

	deltaLat := lat2Rad - lat1Rad
	deltaLon := degreesToRadians(lon2) - degreesToRadians(lon1)

	sinLat := math.Sin(deltaLat / 2)
	sinLon := math.Sin(deltaLon / 2)

	a := sinLat*sinLat + math.Cos(lat1Rad)*math.Cos(lat2Rad)*sinLon*sinLon

	// Rounding can push `a` slightly above 1 for antipodal points
	if a > 1 {
		a = 1
	}

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKM * c
}

// degreesToRadians converts degrees to radians
func degreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
