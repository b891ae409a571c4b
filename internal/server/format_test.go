package server

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ft8goblin/callsign-lookup/internal/cache"
	"github.com/ft8goblin/callsign-lookup/internal/geo"
	"github.com/ft8goblin/callsign-lookup/internal/models"
	"github.com/ft8goblin/callsign-lookup/internal/resolver"
)

func formatServer(t *testing.T, myGrid string) *Server {
	t.Helper()
	now := func() time.Time { return time.Unix(1700000000, 0) }
	res := resolver.New(cache.Disabled(), nil, nil, resolver.Config{RetryDelay: 60, Now: now})

	opts := Options{
		Resolver: res,
		Cache:    cache.Disabled(),
		Progname: "callsign-lookup",
		Version:  "0.1.0",
		Now:      now,
	}
	if myGrid != "" {
		c, err := geo.GridToLatLon(myGrid)
		require.NoError(t, err)
		opts.MyGrid = myGrid
		opts.MyCoords = c
	}
	return New(opts)
}

func render(t *testing.T, s *Server, cd *models.CallData) string {
	t.Helper()
	var buf bytes.Buffer
	out := bufio.NewWriter(&buf)
	s.writeCallData(out, cd)
	require.NoError(t, out.Flush())
	return buf.String()
}

func TestFormatMinimalRecord(t *testing.T) {
	s := formatServer(t, "")
	out := render(t, s, &models.CallData{Callsign: "K1TTT", Origin: models.OriginULS})

	require.True(t, strings.HasPrefix(out, "200 OK K1TTT ONLINE 1700000000 ULS\n"))
	require.Contains(t, out, "Callsign: K1TTT\n")
	require.Contains(t, out, "Cached: false\n")
	require.Contains(t, out, "License Effective: UNKNOWN\n")
	require.Contains(t, out, "License Expires: UNKNOWN\n")
	require.True(t, strings.HasSuffix(out, "+EOR\n\n"))

	// Empty fields render as absent.
	require.NotContains(t, out, "Name:")
	require.NotContains(t, out, "Class:")
	require.NotContains(t, out, "Grid:")
	require.NotContains(t, out, "WGS-84:")
	require.NotContains(t, out, "Heading:")
	require.NotContains(t, out, "Aliases:")
	require.NotContains(t, out, "DXCC:")
	require.NotContains(t, out, "Email:")
	require.NotContains(t, out, "Country:")
	require.NotContains(t, out, "Cache-Fetched:")
}

func TestFormatCachedTimestamps(t *testing.T) {
	s := formatServer(t, "")
	fetched := time.Date(2023, 11, 14, 22, 13, 20, 0, time.Local)
	out := render(t, s, &models.CallData{
		Callsign:     "W1AW",
		Origin:       models.OriginCache,
		Cached:       true,
		CacheFetched: fetched.Unix(),
		CacheExpiry:  fetched.Add(72 * time.Hour).Unix(),
	})

	require.Contains(t, out, "Cached: true\n")
	require.Contains(t, out, "Cache-Fetched: "+fetched.Format("2006/01/02 15:04:05")+"\n")
	require.Contains(t, out, "Cache-Expiry: "+fetched.Add(72*time.Hour).Format("2006/01/02 15:04:05")+"\n")
}

func TestFormatClassMapping(t *testing.T) {
	s := formatServer(t, "")

	us := &models.CallData{Callsign: "W1AW", OpClass: "E", Country: "United States"}
	require.Contains(t, render(t, s, us), "Class: Extra\n")

	us.OpClass = "T"
	require.Contains(t, render(t, s, us), "Class: Technician\n")

	// Unknown US class letters are suppressed rather than echoed.
	us.OpClass = "X"
	require.NotContains(t, render(t, s, us), "Class:")

	foreign := &models.CallData{Callsign: "DL1ABC", OpClass: "A", Country: "Germany"}
	require.Contains(t, render(t, s, foreign), "Class: A\n")
}

func TestFormatHeadingFromCoordinates(t *testing.T) {
	s := formatServer(t, "JO62qm")
	out := render(t, s, &models.CallData{
		Callsign:  "W1AW",
		Latitude:  41.7148,
		Longitude: -72.7273,
	})
	require.Contains(t, out, "Heading: ")
	require.Contains(t, out, " mi / ")
	require.Contains(t, out, " km at ")
}

func TestFormatHeadingFromGridOnly(t *testing.T) {
	s := formatServer(t, "JO62qm")
	out := render(t, s, &models.CallData{Callsign: "W1AW", Grid: "FN31pr"})
	require.Contains(t, out, "Grid: FN31pr\n")
	require.Contains(t, out, "Heading: ")
}

func TestFormatNoHeadingWithoutOperatorGrid(t *testing.T) {
	s := formatServer(t, "")
	out := render(t, s, &models.CallData{Callsign: "W1AW", Grid: "FN31pr"})
	require.NotContains(t, out, "Heading: ")
}

func TestFormatAliases(t *testing.T) {
	s := formatServer(t, "")
	out := render(t, s, &models.CallData{
		Callsign:   "W1AW",
		Aliases:    "W1INF,AA1AW",
		AliasCount: 2,
	})
	require.Contains(t, out, "Aliases: 2: W1INF,AA1AW\n")
}
