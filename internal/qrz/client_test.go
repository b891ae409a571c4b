package qrz

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ft8goblin/callsign-lookup/internal/models"
)

const sessionXML = `<?xml version="1.0" encoding="utf-8"?>
<QRZDatabase version="1.34">
<Session><Key>abcd1234</Key><Count>123</Count></Session>
</QRZDatabase>`

const lookupXML = `<?xml version="1.0" encoding="utf-8"?>
<QRZDatabase version="1.34">
<Session><Key>abcd1234</Key></Session>
<Callsign>
<call>W1AW</call>
<aliases>W1INF</aliases>
<dxcc>291</dxcc>
<fname>ARRL HQ</fname>
<name>Operators Club</name>
<addr1>225 Main St</addr1>
<addr2>Newington</addr2>
<state>CT</state>
<zip>06111</zip>
<country>United States</country>
<ccode>271</ccode>
<lat>41.714775</lat>
<lon>-72.727260</lon>
<grid>FN31pr</grid>
<county>Hartford</county>
<fips>09003</fips>
<class>C</class>
<email>w1aw@arrl.org</email>
<u_views>123456</u_views>
<efdate>2020-12-08</efdate>
<expdate>2030-12-24</expdate>
</Callsign>
</QRZDatabase>`

const notFoundXML = `<?xml version="1.0" encoding="utf-8"?>
<QRZDatabase version="1.34">
<Session><Key>abcd1234</Key><Error>Not found: N0CALL</Error></Session>
</QRZDatabase>`

const badAuthXML = `<?xml version="1.0" encoding="utf-8"?>
<QRZDatabase version="1.34">
<Session><Error>Username/password incorrect</Error></Session>
</QRZDatabase>`

func testServer(t *testing.T, authBody string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("username") != "" {
			fmt.Fprint(w, authBody)
			return
		}
		if q.Get("s") != "abcd1234" {
			fmt.Fprint(w, badAuthXML)
			return
		}
		switch q.Get("callsign") {
		case "W1AW":
			fmt.Fprint(w, lookupXML)
		default:
			fmt.Fprint(w, notFoundXML)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStartSessionAndLookup(t *testing.T) {
	srv := testServer(t, sessionXML)
	c := New(Config{URL: srv.URL, Username: "user", Password: "pass"})

	require.False(t, c.Active())
	require.NoError(t, c.StartSession())
	require.True(t, c.Active())

	cd, err := c.Lookup("W1AW")
	require.NoError(t, err)
	require.NotNil(t, cd)
	require.Equal(t, "W1AW", cd.Callsign)
	require.Equal(t, models.OriginQRZ, cd.Origin)
	require.Equal(t, "ARRL HQ", cd.FirstName)
	require.Equal(t, 291, cd.DXCC)
	require.Equal(t, "FN31pr", cd.Grid)
	require.InDelta(t, 41.714775, cd.Latitude, 1e-9)
	require.Equal(t, 1, cd.AliasCount)
	require.NotZero(t, cd.LicenseEffective)
	require.NotZero(t, cd.LicenseExpiry)
}

func TestLookupNotFound(t *testing.T) {
	srv := testServer(t, sessionXML)
	c := New(Config{URL: srv.URL, Username: "user", Password: "pass"})
	require.NoError(t, c.StartSession())

	cd, err := c.Lookup("N0CALL")
	require.NoError(t, err)
	require.Nil(t, cd)
	require.True(t, c.Active())
}

func TestStartSessionAuthFailure(t *testing.T) {
	srv := testServer(t, badAuthXML)
	c := New(Config{URL: srv.URL, Username: "user", Password: "wrong"})

	err := c.StartSession()
	require.Error(t, err)
	require.False(t, c.Active())
}

func TestLookupWithoutSession(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", Username: "user", Password: "pass"})
	_, err := c.Lookup("W1AW")
	require.Error(t, err)
}
