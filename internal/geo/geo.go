package geo

import (
	"github.com/golang/geo/s2"

	"github.com/example/trip-matching/internal/models"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * earthRadiusKm
}

// TrackLengthKm sums the segment distances of an ordered point sequence.
// Used when a trip record carries no precomputed straight-line distance.
func TrackLengthKm(points []models.GpsPoint) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += HaversineKm(points[i-1].Lat, points[i-1].Lon, points[i].Lat, points[i].Lon)
	}
	return total
}
