package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"imhere/internal/model"
)

func TestDistanceKm_Identity(t *testing.T) {
	points := []model.Coordinate{
		{Latitude: 0, Longitude: 0},
		{Latitude: 40.0, Longitude: -75.0},
		{Latitude: -33.8688, Longitude: 151.2093},
		{Latitude: 89.9, Longitude: 179.9},
	}
	for _, p := range points {
		assert.Equal(t, 0.0, Between(p, p))
	}
}

func TestDistanceKm_Symmetric(t *testing.T) {
	pairs := [][2]model.Coordinate{
		{{Latitude: 40.0, Longitude: -75.0}, {Latitude: 40.0001, Longitude: -75.0001}},
		{{Latitude: 51.5074, Longitude: -0.1278}, {Latitude: 48.8566, Longitude: 2.3522}},
		{{Latitude: -10, Longitude: 170}, {Latitude: 10, Longitude: -170}},
	}
	for _, p := range pairs {
		assert.InDelta(t, Between(p[0], p[1]), Between(p[1], p[0]), 1e-9)
	}
}

func TestDistanceKm_OneDegreeLatitudeAtEquator(t *testing.T) {
	d := DistanceKm(0, 0, 1, 0)
	assert.InDelta(t, 111.19, d, 0.5)
}

func TestDistanceKm_KnownCities(t *testing.T) {
	// London to Paris is roughly 344 km on the great circle.
	d := DistanceKm(51.5074, -0.1278, 48.8566, 2.3522)
	assert.InDelta(t, 343.5, d, 2)
}

func TestDistanceKm_NearbyPoint(t *testing.T) {
	d := DistanceKm(40.0, -75.0, 40.0001, -75.0001)
	assert.Less(t, d, 0.02)
	assert.Greater(t, d, 0.0)
}
