// Package server implements the line-oriented lookup protocol and the
// cooperative event loop that drives it.
package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/ft8goblin/callsign-lookup/internal/cache"
	"github.com/ft8goblin/callsign-lookup/internal/geo"
	"github.com/ft8goblin/callsign-lookup/internal/resolver"
	"github.com/ft8goblin/callsign-lookup/pkg/logger"
)

const (
	// ProtoVersion is the wire protocol version announced in the banner.
	ProtoVersion = 1

	// readBufferSize bounds a single command line. A full buffer without a
	// newline is discarded, loudly.
	readBufferSize = 16384

	// expiryInterval is how often the periodic cache sweep runs.
	expiryInterval = 3 * time.Hour
)

// MetricsInterface receives protocol counters and timings. May be nil.
type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Options wires a Server.
type Options struct {
	Resolver *resolver.Resolver
	Cache    *cache.Store

	// Operator location. MyGrid empty means no heading lines are emitted.
	MyGrid   string
	MyCoords geo.Coordinates

	// Banner switches.
	UseQRZ   bool
	UseULS   bool
	UseGNIS  bool
	UseCache bool

	Progname string
	Version  string

	Metrics MetricsInterface

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time

	// TickInterval overrides the housekeeping cadence, for tests.
	TickInterval time.Duration
}

// Server services one byte stream at a time. All state is mutated from the
// event loop only.
type Server struct {
	opts Options

	now        int64
	nextExpire int64
}

// New returns a Server ready to serve a stream.
func New(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = time.Second
	}
	s := &Server{opts: opts}
	s.now = opts.Now().Unix()
	s.nextExpire = s.now + int64(expiryInterval/time.Second)
	return s
}

// inputEvent is one framed unit from the reader: a complete line, a buffer
// overflow notice, or EOF.
type inputEvent struct {
	line     string
	overflow bool
	eof      bool
}

// readLines frames the input stream into newline-terminated lines using a
// fixed 16 KiB buffer. The channel is closed after the eof event. done stops
// the framer once the session is over.
func readLines(r io.Reader, events chan<- inputEvent, done <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	length := 0

	send := func(ev inputEvent) bool {
		select {
		case events <- ev:
			return true
		case <-done:
			return false
		}
	}

	for {
		n, err := r.Read(buf[length:])
		length += n

		// Hand off every complete line, shifting the remainder down.
		for {
			nl := -1
			for i := 0; i < length; i++ {
				if buf[i] == '\n' {
					nl = i
					break
				}
			}
			if nl < 0 {
				break
			}
			line := strings.TrimSuffix(string(buf[:nl]), "\r")
			copy(buf, buf[nl+1:length])
			length -= nl + 1
			if !send(inputEvent{line: line}) {
				return
			}
		}

		// Full buffer with no newline: discard it rather than truncate
		// silently.
		if length == readBufferSize {
			if !send(inputEvent{overflow: true}) {
				return
			}
			length = 0
		}

		if err != nil {
			send(inputEvent{eof: true})
			close(events)
			return
		}
	}
}

// ServeStream runs the protocol on a single byte stream. It returns true when
// the process should exit (EOF, /EXIT, or the request bound tripping), false
// when only the client went away (/GOODBYE on a disconnectable stream).
func (s *Server) ServeStream(r io.Reader, w io.Writer, disconnectable bool) bool {
	out := bufio.NewWriter(w)

	s.writeBanner(out)
	out.Flush()

	events := make(chan inputEvent)
	done := make(chan struct{})
	defer close(done)
	go readLines(r, events, done)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			switch {
			case ev.eof:
				logger.Error("got EOF on input, exiting!")
				fmt.Fprintf(out, "+GOODBYE Hope you had a nice session! Exiting.\n")
				out.Flush()
				return true
			case ev.overflow:
				fmt.Fprintf(out, "+ERROR Input buffer full, discarding incomplete line\n")
				out.Flush()
			default:
				action := s.dispatch(out, ev.line)
				out.Flush()
				switch action {
				case actionExit:
					return true
				case actionDisconnect:
					if disconnectable {
						return false
					}
				}
			}
		case <-ticker.C:
			s.tick()
		}
	}
}

// ServeListener accepts TCP clients and services them one at a time. It
// returns once a session asks the process to exit.
func (s *Server) ServeListener(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.WithError(err).Warn("Failed to accept connection")
			return
		}
		logger.WithField("remote_addr", conn.RemoteAddr().String()).Info("client connected")

		exit := s.ServeStream(conn, conn, true)
		conn.Close()
		if exit {
			return
		}
	}
}

// tick refreshes the shared timestamp and the state gauges, and runs the
// cache expiry sweep when its deadline comes due.
func (s *Server) tick() {
	s.now = s.opts.Now().Unix()

	if s.opts.Metrics != nil {
		offline := 0.0
		if s.opts.UseQRZ && s.opts.Resolver.Offline() {
			offline = 1
		}
		s.opts.Metrics.SetGauge("offline", offline, nil)
		if n, err := s.opts.Cache.Count(); err == nil {
			s.opts.Metrics.SetGauge("cache_entries", float64(n), nil)
		}
	}

	if s.now >= s.nextExpire {
		s.nextExpire = s.now + int64(expiryInterval/time.Second)
		if err := s.opts.Cache.Expire(); err != nil {
			logger.WithError(err).Warn("periodic cache expiry failed")
		}
		s.count("cache_expire_sweeps", nil)
	}
}

type action int

const (
	actionNone action = iota
	actionExit
	actionDisconnect
)

// dispatch parses and executes one command line.
func (s *Server) dispatch(out *bufio.Writer, line string) action {
	line = strings.TrimSpace(line)
	if line == "" {
		return actionNone
	}

	verb := line
	args := ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb, args = line[:i], strings.TrimSpace(line[i+1:])
	}

	start := time.Now()
	act := actionNone

	switch strings.ToUpper(verb) {
	case "/HELP":
		s.writeHelp(out)
	case "/CALL":
		s.handleCall(out, args)
		if s.opts.Resolver.Exhausted() {
			act = actionExit
		}
	case "/GRID":
		s.handleGrid(out, args)
	case "/GNIS":
		s.handleGNIS(out, args)
	case "/EXIT":
		logger.Error("Got EXIT from client. Goodbye!")
		fmt.Fprintf(out, "+GOODBYE Hope you had a nice session! Exiting.\n")
		act = actionExit
	case "/GOODBYE":
		logger.Info("Got GOODBYE from client. Disconnecting it.")
		fmt.Fprintf(out, "+GOODBYE Hope you had a nice session!\n")
		act = actionDisconnect
	default:
		fmt.Fprintf(out, "400 Bad Request - Your client sent a request I do not understand... Try /HELP for commands!\n")
	}

	name := strings.ToUpper(verb)
	s.count("commands", map[string]string{"command": name})
	s.observe("request_duration", time.Since(start).Seconds(), map[string]string{"command": name})

	return act
}

func (s *Server) writeBanner(out *bufio.Writer) {
	onOff := func(b bool) string {
		if b {
			return "On"
		}
		return "Off"
	}
	offline := ""
	if s.opts.UseQRZ && s.opts.Resolver.Offline() {
		offline = " (offline)"
	}

	fmt.Fprintf(out, "+NOTICE This server is experimental. Please feel free to suggest improvements or send patches\n")
	fmt.Fprintf(out, "+NOTICE Use /HELP to see available commands.\n")
	fmt.Fprintf(out, "+PROTO %d mytime=%d\n", ProtoVersion, s.now)
	fmt.Fprintf(out, "+OK %s/%s ready to answer requests. QRZ: %s%s, ULS: %s, GNIS: %s, Cache: %s\n",
		s.opts.Progname, s.opts.Version,
		onOff(s.opts.UseQRZ), offline,
		onOff(s.opts.UseULS), onOff(s.opts.UseGNIS),
		onOff(s.opts.UseCache))
}

func (s *Server) writeHelp(out *bufio.Writer) {
	fmt.Fprintf(out, "200 OK\n")
	fmt.Fprintf(out, "*** HELP ***\n")
	fmt.Fprintf(out, "/CALL <CALLSIGN> [NOCACHE]\tLookup a callsign\n")
	fmt.Fprintf(out, "/EXIT\t\t\t\tShutdown the service\n")
	fmt.Fprintf(out, "/GOODBYE\t\t\tDisconnect from the service, leaving it running\n")
	fmt.Fprintf(out, "/GRID [GRID|COORD]\t\tGet information about a grid square or lat/lon\n")
	fmt.Fprintf(out, "/HELP\t\t\t\tThis message\n")
	fmt.Fprintf(out, "*** Planned ***\n")
	fmt.Fprintf(out, "/GNIS <GRID|COORDS>\t\tLook up the place name for a grid or WGS-84 coordinate\n")
	fmt.Fprintf(out, "+OK\n\n")
}

func (s *Server) handleCall(out *bufio.Writer, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		fmt.Fprintf(out, "+ERROR You must specify a callsign to look up\n")
		return
	}
	callsign := fields[0]
	noCache := len(fields) > 1 && strings.EqualFold(fields[1], "NOCACHE")

	cd := s.opts.Resolver.Lookup(callsign, noCache)
	if cd == nil {
		s.WriteNotFound(out, callsign)
		logger.Infof("Callsign %s was not found in enabled databases.", callsign)
		return
	}
	s.writeCallData(out, cd)
}

// RunBatch services positional callsigns: each is resolved and printed in
// arrival order, then the farewell is emitted.
func (s *Server) RunBatch(w io.Writer, callsigns []string) {
	out := bufio.NewWriter(w)
	defer out.Flush()

	s.writeBanner(out)

	for _, callsign := range callsigns {
		cd := s.opts.Resolver.Lookup(callsign, false)
		if cd == nil {
			s.WriteNotFound(out, callsign)
			logger.Infof("Callsign %s was not found in enabled databases (%s).", callsign, s.onlineWord())
			continue
		}
		s.writeCallData(out, cd)
		if s.opts.Resolver.Exhausted() {
			break
		}
	}

	fmt.Fprintf(out, "+GOODBYE Hope you had a nice session! Exiting.\n")
}

func (s *Server) handleGNIS(out *bufio.Writer, args string) {
	if args == "" {
		fmt.Fprintf(out, "You must specify a WGS-84 coordinate or a 4-10 digit grid square.\n")
		return
	}
	if _, ok := s.parsePoint(out, args); !ok {
		return
	}
	fmt.Fprintf(out, "+ERROR GNIS lookups are not implemented yet\n")
}

func (s *Server) handleGrid(out *bufio.Writer, args string) {
	if args == "" {
		fmt.Fprintf(out, "You must specify a WGS-84 coordinate or a 4-10 digit grid square.\n")
		return
	}

	coord, ok := s.parsePoint(out, args)
	if !ok {
		return
	}

	fmt.Fprintf(out, "Grid: %s\n", coord.grid)
	fmt.Fprintf(out, "WGS-84: %.*f, %.*f\n", coord.Precision, coord.Latitude, coord.Precision, coord.Longitude)

	if s.opts.MyGrid != "" {
		distance := geo.Distance(s.opts.MyCoords.Latitude, s.opts.MyCoords.Longitude, coord.Latitude, coord.Longitude)
		bearing := geo.Bearing(s.opts.MyCoords.Latitude, s.opts.MyCoords.Longitude, coord.Latitude, coord.Longitude)
		fmt.Fprintf(out, "Heading: %.1f mi / %.1f km at %.0f degrees\n", distance*0.6214, distance, bearing)
	}
	fmt.Fprintf(out, "+EOR\n\n")
}

// gridPoint is a parsed /GRID or /GNIS argument: the coordinates, their
// display precision and the locator rendering.
type gridPoint struct {
	geo.Coordinates
	grid string
}

// parsePoint interprets args as either a Maidenhead locator or a "lat,lon"
// pair. Protocol errors are written to out and reported as !ok.
func (s *Server) parsePoint(out *bufio.Writer, args string) (gridPoint, bool) {
	args = strings.TrimSpace(args)

	if !strings.Contains(args, ",") {
		if len(args) > 10 {
			fmt.Fprintf(out, "+ERROR Invalid grid square '%s' (over 10 characters)\n", args)
			return gridPoint{}, false
		}
		grid := strings.ToUpper(args)
		c, err := geo.GridToLatLon(grid)
		if err != nil {
			fmt.Fprintf(out, "+ERROR Invalid grid square '%s'\n", args)
			return gridPoint{}, false
		}
		// Display precision tracks how much of the locator was given.
		switch {
		case len(grid) >= 8:
			c.Precision = 5
		case len(grid) >= 6:
			c.Precision = 4
		default:
			c.Precision = 3
		}
		return gridPoint{Coordinates: c, grid: grid}, true
	}

	parts := strings.SplitN(args, ",", 2)
	latStr := strings.TrimSpace(parts[0])
	lonStr := strings.TrimSpace(parts[1])

	latDigits := decimalDigits(latStr)
	lonDigits := decimalDigits(lonStr)
	if latDigits < 0 || lonDigits < 0 {
		fmt.Fprintf(out, "+ERROR You must specify at least one decimal place for each coordinate\n")
		return gridPoint{}, false
	}

	var lat, lon float64
	if _, err := fmt.Sscanf(latStr, "%f", &lat); err != nil {
		fmt.Fprintf(out, "+ERROR Invalid latitude '%s'\n", latStr)
		return gridPoint{}, false
	}
	if _, err := fmt.Sscanf(lonStr, "%f", &lon); err != nil {
		fmt.Fprintf(out, "+ERROR Invalid longitude '%s'\n", lonStr)
		return gridPoint{}, false
	}

	c := geo.Coordinates{Latitude: lat, Longitude: lon}
	switch {
	case latDigits >= 3 && lonDigits >= 3:
		c.Precision = 5
	case latDigits >= 2 && lonDigits >= 2:
		c.Precision = 4
	case latDigits >= 1 && lonDigits >= 1:
		c.Precision = 3
	default:
		// A decimal point with nothing after it still counts as a
		// coordinate, just a coarse one.
		c.Precision = 2
	}
	return gridPoint{Coordinates: c, grid: geo.LatLonToGrid(c)}, true
}

// decimalDigits counts digits after the decimal point, -1 when the string
// has no decimal point at all.
func decimalDigits(s string) int {
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return -1
	}
	return len(s) - i - 1
}

func (s *Server) onlineWord() string {
	if s.opts.Resolver.Offline() {
		return "OFFLINE"
	}
	return "ONLINE"
}

func (s *Server) count(name string, labels map[string]string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.IncrementCounter(name, labels)
	}
}

func (s *Server) observe(name string, v float64, labels map[string]string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveHistogram(name, v, labels)
	}
}
