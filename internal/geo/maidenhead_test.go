package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGridToLatLon(t *testing.T) {
	tests := []struct {
		locator  string
		lat, lon float64
	}{
		{"FN31pr", 41.729166, -72.708333},
		{"FN31PR", 41.729166, -72.708333},
		{"FN31", 41.5, -73.0},
		{"JO62qm", 52.520833, 13.375},
		{"AA00aa", -89.979166, -179.958333},
		{"RR99xx", 89.979166, 179.958333},
	}
	for _, tc := range tests {
		c, err := GridToLatLon(tc.locator)
		require.NoError(t, err, tc.locator)
		require.InDelta(t, tc.lat, c.Latitude, 0.0001, tc.locator)
		require.InDelta(t, tc.lon, c.Longitude, 0.0001, tc.locator)
	}
}

func TestGridToLatLonInvalid(t *testing.T) {
	for _, locator := range []string{"", "FN", "FN3", "FN31p", "FN31prx33zz", "FN31pr55xx9"} {
		_, err := GridToLatLon(locator)
		require.Error(t, err, locator)
	}
}

func TestLatLonToGrid(t *testing.T) {
	tests := []struct {
		lat, lon float64
		grid     string
	}{
		{41.7292, -72.7081, "FN31PR"},
		{52.5200, 13.4050, "JO62QM"},
		{-34.9, 138.6, "PF95HC"},
		{0.0, 0.0, "JJ00AA"},
	}
	for _, tc := range tests {
		got := LatLonToGrid(Coordinates{Latitude: tc.lat, Longitude: tc.lon})
		require.Equal(t, tc.grid, got)
	}
}

func TestGridRoundTrip(t *testing.T) {
	// A 6-character locator names a cell of 1/24 deg latitude by 1/12 deg
	// longitude, so the round trip must agree to within one cell.
	for lat := -89.0; lat < 90; lat += 7.3 {
		for lon := -179.0; lon < 180; lon += 11.7 {
			grid := LatLonToGrid(Coordinates{Latitude: lat, Longitude: lon})
			c, err := GridToLatLon(grid)
			require.NoError(t, err, grid)
			require.InDelta(t, lat, c.Latitude, 0.042, grid)
			require.InDelta(t, lon, c.Longitude, 0.084, grid)
		}
	}
}

func TestDistance(t *testing.T) {
	// Same point
	require.Less(t, Distance(41.7, -72.7, 41.7, -72.7), 1e-6)

	// Hartford CT to Berlin, roughly 6227 km
	d := Distance(41.7292, -72.7081, 52.5200, 13.4050)
	require.InDelta(t, 6227, d, 40)

	// Quarter of the equator
	d = Distance(0, 0, 0, 90)
	require.InDelta(t, 2*math.Pi*EarthRadiusKm/4, d, 1)
}

func TestBearing(t *testing.T) {
	// Due north / east / south / west from the origin
	require.InDelta(t, 0, Bearing(0, 0, 10, 0), 0.01)
	require.InDelta(t, 90, Bearing(0, 0, 0, 10), 0.01)
	require.InDelta(t, 180, Bearing(10, 0, 0, 0), 0.01)
	require.InDelta(t, 270, Bearing(0, 10, 0, 0), 0.01)

	// Always normalized into [0, 360)
	for lat := -80.0; lat < 90; lat += 13.1 {
		for lon := -170.0; lon < 180; lon += 17.9 {
			b := Bearing(41.7, -72.7, lat, lon)
			require.GreaterOrEqual(t, b, 0.0)
			require.Less(t, b, 360.0)
		}
	}
}
