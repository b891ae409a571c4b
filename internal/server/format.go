package server

import (
	"bufio"
	"fmt"
	"time"

	"github.com/ft8goblin/callsign-lookup/internal/geo"
	"github.com/ft8goblin/callsign-lookup/internal/models"
	"github.com/ft8goblin/callsign-lookup/pkg/logger"
)

// usClassNames maps the first letter of a US license class code to its name.
var usClassNames = map[byte]string{
	'N': "Novice",
	'A': "Advanced",
	'T': "Technician",
	'G': "General",
	'E': "Extra",
}

const (
	stampFormat = "2006/01/02 15:04:05"
	dateFormat  = "2006/01/02"
)

// writeCallData renders a resolved record as the multi-line wire format,
// terminated by +EOR and a blank line.
func (s *Server) writeCallData(out *bufio.Writer, cd *models.CallData) {
	// The ONLINE literal here is part of the wire contract and does not
	// track the offline flag.
	fmt.Fprintf(out, "200 OK %s ONLINE %d %s\n", cd.Callsign, s.now, cd.Origin)
	fmt.Fprintf(out, "Callsign: %s\n", cd.Callsign)

	if cd.Cached {
		fmt.Fprintf(out, "Cached: true\n")
		fmt.Fprintf(out, "Cache-Fetched: %s\n", time.Unix(cd.CacheFetched, 0).Format(stampFormat))
		fmt.Fprintf(out, "Cache-Expiry: %s\n", time.Unix(cd.CacheExpiry, 0).Format(stampFormat))
	} else {
		fmt.Fprintf(out, "Cached: false\n")
	}

	if cd.FirstName != "" {
		fmt.Fprintf(out, "Name: %s %s\n", cd.FirstName, cd.LastName)
	}

	if opclass := className(cd); opclass != "" {
		fmt.Fprintf(out, "Class: %s\n", opclass)
	}

	if cd.Grid != "" {
		fmt.Fprintf(out, "Grid: %s\n", cd.Grid)
	}

	if cd.HasLocation() {
		fmt.Fprintf(out, "WGS-84: %.3f, %.3f\n", cd.Latitude, cd.Longitude)
	}

	s.writeHeading(out, cd)

	if cd.AliasCount > 0 && cd.Aliases != "" {
		fmt.Fprintf(out, "Aliases: %d: %s\n", cd.AliasCount, cd.Aliases)
	}

	if cd.DXCC != 0 {
		fmt.Fprintf(out, "DXCC: %d\n", cd.DXCC)
	}

	if cd.Email != "" {
		fmt.Fprintf(out, "Email: %s\n", cd.Email)
	}

	if cd.Address1 != "" {
		fmt.Fprintf(out, "Address1: %s\n", cd.Address1)
	}

	if cd.AddressAttn != "" {
		fmt.Fprintf(out, "Attn: %s\n", cd.AddressAttn)
	}

	if cd.Address2 != "" {
		fmt.Fprintf(out, "Address2: %s\n", cd.Address2)
	}

	if cd.State != "" {
		fmt.Fprintf(out, "State: %s\n", cd.State)
	}

	if cd.Zip != "" {
		fmt.Fprintf(out, "Zip: %s\n", cd.Zip)
	}

	if cd.County != "" {
		fmt.Fprintf(out, "County: %s\n", cd.County)
	}

	if cd.FIPS != "" {
		fmt.Fprintf(out, "FIPS: %s\n", cd.FIPS)
	}

	if cd.LicenseEffective > 0 {
		fmt.Fprintf(out, "License Effective: %s\n", time.Unix(cd.LicenseEffective, 0).Format(dateFormat))
	} else {
		fmt.Fprintf(out, "License Effective: UNKNOWN\n")
	}

	if cd.LicenseExpiry > 0 {
		fmt.Fprintf(out, "License Expires: %s\n", time.Unix(cd.LicenseExpiry, 0).Format(dateFormat))
	} else {
		fmt.Fprintf(out, "License Expires: UNKNOWN\n")
	}

	if cd.Country != "" {
		fmt.Fprintf(out, "Country: %s (%d)\n", cd.Country, cd.CountryCode)
	}

	// End of record marker. Advisory; parsers must not rely on it.
	fmt.Fprintf(out, "+EOR\n\n")
}

// className expands US license class codes to their names; an unknown US
// class letter yields nothing. Classes of other countries pass through
// untouched.
func className(cd *models.CallData) string {
	if cd.OpClass == "" {
		return ""
	}
	if cd.Country == "United States" {
		return usClassNames[cd.OpClass[0]]
	}
	return cd.OpClass
}

// writeHeading emits the distance/bearing line from the operator's location
// to the record's, when both ends are known.
func (s *Server) writeHeading(out *bufio.Writer, cd *models.CallData) {
	if s.opts.MyGrid == "" {
		return
	}

	lat, lon := cd.Latitude, cd.Longitude
	if !cd.HasLocation() {
		if cd.Grid == "" {
			return
		}
		c, err := geo.GridToLatLon(cd.Grid)
		if err != nil {
			logger.Debugf("record grid %q did not decode: %v", cd.Grid, err)
			return
		}
		lat, lon = c.Latitude, c.Longitude
	}

	distance := geo.Distance(s.opts.MyCoords.Latitude, s.opts.MyCoords.Longitude, lat, lon)
	bearing := geo.Bearing(s.opts.MyCoords.Latitude, s.opts.MyCoords.Longitude, lat, lon)

	if distance > 0 && bearing > 0 {
		fmt.Fprintf(out, "Heading: %.1f mi / %.1f km at %.0f degrees\n", distance*0.6214, distance, bearing)
	}
}

// WriteNotFound emits the miss response for a callsign.
func (s *Server) WriteNotFound(out *bufio.Writer, callsign string) {
	fmt.Fprintf(out, "404 NOT FOUND %s %s %d\n", callsign, s.onlineWord(), s.now)
}
