// Package qrz is a client for the QRZ XML subscription API. Lookups ride an
// authenticated session key obtained from the login endpoint.
package qrz

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ft8goblin/callsign-lookup/internal/models"
	"github.com/ft8goblin/callsign-lookup/pkg/errors"
	"github.com/ft8goblin/callsign-lookup/pkg/logger"
)

// DefaultURL is the current QRZ XML API endpoint.
const DefaultURL = "https://xmldata.qrz.com/xml/current/"

// Config configures a Client.
type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to the QRZ XML API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	sessionKey string
}

type response struct {
	XMLName  xml.Name `xml:"QRZDatabase"`
	Session  session  `xml:"Session"`
	Callsign callsign `xml:"Callsign"`
}

type session struct {
	Key   string `xml:"Key"`
	Error string `xml:"Error"`
}

type callsign struct {
	Call    string  `xml:"call"`
	Aliases string  `xml:"aliases"`
	DXCC    int     `xml:"dxcc"`
	Fname   string  `xml:"fname"`
	Name    string  `xml:"name"`
	Addr1   string  `xml:"addr1"`
	Attn    string  `xml:"attn"`
	Addr2   string  `xml:"addr2"`
	State   string  `xml:"state"`
	Zip     string  `xml:"zip"`
	Country string  `xml:"country"`
	CCode   int     `xml:"ccode"`
	Lat     float64 `xml:"lat"`
	Lon     float64 `xml:"lon"`
	Grid    string  `xml:"grid"`
	County  string  `xml:"county"`
	FIPS    string  `xml:"fips"`
	Class   string  `xml:"class"`
	Codes   string  `xml:"codes"`
	Email   string  `xml:"email"`
	UViews  int     `xml:"u_views"`
	EfDate  string  `xml:"efdate"`
	ExpDate string  `xml:"expdate"`
}

// New returns a Client. It does not contact the API; call StartSession.
func New(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// StartSession authenticates and stores the session key for lookups.
func (c *Client) StartSession() error {
	resp, err := c.get(url.Values{
		"username": {c.cfg.Username},
		"password": {c.cfg.Password},
		"agent":    {"callsign-lookup"},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrRemoteAuth, "QRZ login failed")
	}
	if resp.Session.Key == "" {
		msg := resp.Session.Error
		if msg == "" {
			msg = "no session key in response"
		}
		return errors.New(errors.ErrRemoteAuth, msg)
	}

	c.sessionKey = resp.Session.Key
	logger.Info("QRZ session established")
	return nil
}

// EndSession forgets the session key. QRZ sessions expire server-side; there
// is no logout call.
func (c *Client) EndSession() {
	c.sessionKey = ""
}

// Active reports whether a session key is held.
func (c *Client) Active() bool {
	return c.sessionKey != ""
}

// Lookup fetches the record for a callsign. A miss returns (nil, nil).
func (c *Client) Lookup(callsign string) (*models.CallData, error) {
	if c.sessionKey == "" {
		return nil, errors.New(errors.ErrRemoteAuth, "no active QRZ session")
	}

	resp, err := c.get(url.Values{
		"s":        {c.sessionKey},
		"callsign": {callsign},
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrRemoteProtocol, "QRZ lookup failed")
	}

	if resp.Session.Error != "" {
		if strings.Contains(strings.ToLower(resp.Session.Error), "not found") {
			return nil, nil
		}
		// Anything else (timeout, invalid key) kills the session.
		c.sessionKey = ""
		return nil, errors.New(errors.ErrRemoteAuth, resp.Session.Error)
	}
	if resp.Callsign.Call == "" {
		return nil, nil
	}

	cs := resp.Callsign
	cd := &models.CallData{
		Callsign:         strings.ToUpper(cs.Call),
		QueryCallsign:    callsign,
		Origin:           models.OriginQRZ,
		FirstName:        cs.Fname,
		LastName:         cs.Name,
		Aliases:          cs.Aliases,
		Address1:         cs.Addr1,
		AddressAttn:      cs.Attn,
		Address2:         cs.Addr2,
		State:            cs.State,
		Zip:              cs.Zip,
		County:           cs.County,
		Country:          cs.Country,
		CountryCode:      cs.CCode,
		FIPS:             cs.FIPS,
		Grid:             cs.Grid,
		Latitude:         cs.Lat,
		Longitude:        cs.Lon,
		OpClass:          cs.Class,
		Codes:            cs.Codes,
		Email:            cs.Email,
		QRZViews:         cs.UViews,
		DXCC:             cs.DXCC,
		LicenseEffective: parseQRZDate(cs.EfDate),
		LicenseExpiry:    parseQRZDate(cs.ExpDate),
	}
	if cd.Aliases != "" {
		cd.AliasCount = strings.Count(cd.Aliases, ",") + 1
	}
	return cd, nil
}

func (c *Client) get(params url.Values) (*response, error) {
	u := c.cfg.URL + "?" + params.Encode()

	httpResp, err := c.httpClient.Get(u)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", httpResp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var resp response
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("bad XML response: %w", err)
	}
	return &resp, nil
}

// parseQRZDate converts the YYYY-MM-DD dates QRZ returns to epoch seconds.
func parseQRZDate(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return 0
	}
	return t.Unix()
}
