package geo

import (
	"fmt"
	"math"

	"github.com/ak-badjie/mbalit/internal/models"
)

// EarthRadiusKm is the mean earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// DefaultSpeedKmh is the assumed average travel speed in dense urban
// traffic. Used whenever a caller does not configure its own speed.
const DefaultSpeedKmh = 30.0

// ValidateCoord rejects coordinates outside the WGS84 ranges.
func ValidateCoord(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return fmt.Errorf("coordinate is not a number")
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", c.Lng)
	}
	return nil
}

// DistanceKm returns the great-circle distance between a and b in
// kilometers. It is symmetric and returns exactly zero for identical
// points. Fails only on out-of-range input.
func DistanceKm(a, b models.Coord) (float64, error) {
	if err := ValidateCoord(a); err != nil {
		return 0, err
	}
	if err := ValidateCoord(b); err != nil {
		return 0, err
	}
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng), nil
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// EstimateMinutes converts a road-free distance into a whole-minute travel
// estimate at the given average speed, rounding half up. Non-positive
// speeds fall back to DefaultSpeedKmh. In prod use a routing engine.
func EstimateMinutes(distanceKm, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return int(math.Round(distanceKm / speedKmh * 60))
}

// FormatEta renders minutes for customer display: "40 min" under an hour,
// "1h 10m" at or above it.
func FormatEta(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}
