package resolver

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ft8goblin/callsign-lookup/internal/cache"
	"github.com/ft8goblin/callsign-lookup/internal/models"
	"github.com/ft8goblin/callsign-lookup/pkg/errors"
)

type stubRemote struct {
	records  map[string]*models.CallData
	failAuth bool
	active   bool

	sessionStarts int
	lookups       int
}

func (s *stubRemote) StartSession() error {
	s.sessionStarts++
	if s.failAuth {
		return errors.New(errors.ErrRemoteAuth, "bad credentials")
	}
	s.active = true
	return nil
}

func (s *stubRemote) EndSession()  { s.active = false }
func (s *stubRemote) Active() bool { return s.active }

func (s *stubRemote) Lookup(callsign string) (*models.CallData, error) {
	s.lookups++
	cd, ok := s.records[callsign]
	if !ok {
		return nil, nil
	}
	cp := *cd
	return &cp, nil
}

type stubLocal struct {
	records map[string]*models.CallData
	lookups int
}

func (s *stubLocal) Lookup(callsign string) (*models.CallData, error) {
	s.lookups++
	cd, ok := s.records[callsign]
	if !ok {
		return nil, nil
	}
	cp := *cd
	return &cp, nil
}

func qrzRecord(callsign string) *models.CallData {
	return &models.CallData{
		Callsign:  callsign,
		Origin:    models.OriginQRZ,
		FirstName: "Hiram",
		LastName:  "Maxim",
		Grid:      "FN31pr",
	}
}

func ulsRecord(callsign string) *models.CallData {
	return &models.CallData{
		Callsign: callsign,
		Origin:   models.OriginULS,
		LastName: "Robbins",
	}
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Unix(1700000000, 0)}
}

func openStore(t *testing.T, clk *clock, keepStale bool) *cache.Store {
	t.Helper()
	s, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), cache.Options{
		Expiry:             86400,
		KeepStaleIfOffline: keepStale,
		Now:                clk.now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestColdCacheRemoteHit(t *testing.T) {
	clk := newClock()
	store := openStore(t, clk, true)
	remote := &stubRemote{records: map[string]*models.CallData{"W1AW": qrzRecord("W1AW")}}

	r := New(store, remote, nil, Config{RetryDelay: 60, Now: clk.now})

	cd := r.Lookup("W1AW", false)
	require.NotNil(t, cd)
	require.Equal(t, models.OriginQRZ, cd.Origin)
	require.Equal(t, 1, remote.sessionStarts)
	require.Equal(t, 1, remote.lookups)
	require.False(t, r.Offline())

	// The fresh answer must be in the cache before the next request.
	hit, err := store.Find("W1AW", false)
	require.NoError(t, err)
	require.NotNil(t, hit)
	require.Equal(t, models.OriginCache, hit.Origin)
}

func TestWarmCacheSkipsRemote(t *testing.T) {
	clk := newClock()
	store := openStore(t, clk, true)
	remote := &stubRemote{records: map[string]*models.CallData{"W1AW": qrzRecord("W1AW")}}

	r := New(store, remote, nil, Config{RetryDelay: 60, Now: clk.now})

	require.NotNil(t, r.Lookup("W1AW", false))
	require.Equal(t, 1, remote.lookups)

	cd := r.Lookup("W1AW", false)
	require.NotNil(t, cd)
	require.Equal(t, models.OriginCache, cd.Origin)
	require.True(t, cd.Cached)
	require.Equal(t, 1, remote.lookups)
}

func TestNoCacheBypassesRead(t *testing.T) {
	clk := newClock()
	store := openStore(t, clk, true)
	remote := &stubRemote{records: map[string]*models.CallData{"W1AW": qrzRecord("W1AW")}}

	r := New(store, remote, nil, Config{RetryDelay: 60, Now: clk.now})

	require.NotNil(t, r.Lookup("W1AW", false))
	cd := r.Lookup("W1AW", true)
	require.NotNil(t, cd)
	require.Equal(t, models.OriginQRZ, cd.Origin)
	require.Equal(t, 2, remote.lookups)
}

func TestStaleOfflineKeepStale(t *testing.T) {
	clk := newClock()
	store := openStore(t, clk, true)
	remote := &stubRemote{failAuth: true, records: map[string]*models.CallData{"W1AW": qrzRecord("W1AW")}}

	r := New(store, remote, nil, Config{RetryDelay: 60, Now: clk.now})

	// Seed the cache directly, then expire it.
	require.NoError(t, store.Save(qrzRecord("W1AW")))
	clk.advance(86401 * time.Second)

	cd := r.Lookup("W1AW", false)
	require.NotNil(t, cd)
	require.Equal(t, models.OriginCache, cd.Origin)
	require.True(t, r.Offline())

	n, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestStaleOfflineDiscard(t *testing.T) {
	clk := newClock()
	store := openStore(t, clk, false)
	remote := &stubRemote{failAuth: true}

	r := New(store, remote, nil, Config{RetryDelay: 60, Now: clk.now})

	require.NoError(t, store.Save(qrzRecord("W1AW")))
	clk.advance(86401 * time.Second)

	cd := r.Lookup("W1AW", false)
	require.Nil(t, cd)
	require.True(t, r.Offline())

	n, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestRetryDelayGatesSessionAttempts(t *testing.T) {
	clk := newClock()
	remote := &stubRemote{failAuth: true}

	r := New(cache.Disabled(), remote, nil, Config{RetryDelay: 60, Now: clk.now})

	r.Lookup("W1AW", false)
	require.Equal(t, 1, remote.sessionStarts)

	// Within the retry window: no new attempt.
	clk.advance(30 * time.Second)
	r.Lookup("W1AW", false)
	require.Equal(t, 1, remote.sessionStarts)

	// Past the window: retried.
	clk.advance(31 * time.Second)
	r.Lookup("W1AW", false)
	require.Equal(t, 2, remote.sessionStarts)
}

func TestRetryDelayClamp(t *testing.T) {
	clk := newClock()
	remote := &stubRemote{failAuth: true}

	r := New(cache.Disabled(), remote, nil, Config{RetryDelay: 5, Now: clk.now})

	r.Lookup("W1AW", false)
	require.Equal(t, 1, remote.sessionStarts)

	// 5s would allow a retry if the clamp were missing.
	clk.advance(10 * time.Second)
	r.Lookup("W1AW", false)
	require.Equal(t, 1, remote.sessionStarts)

	clk.advance(MinRetryDelay * time.Second)
	r.Lookup("W1AW", false)
	require.Equal(t, 2, remote.sessionStarts)
}

func TestULSFallbackNotCached(t *testing.T) {
	clk := newClock()
	store := openStore(t, clk, true)
	remote := &stubRemote{}
	local := &stubLocal{records: map[string]*models.CallData{"K1TTT": ulsRecord("K1TTT")}}

	r := New(store, remote, local, Config{RetryDelay: 60, Now: clk.now})

	cd := r.Lookup("K1TTT", false)
	require.NotNil(t, cd)
	require.Equal(t, models.OriginULS, cd.Origin)
	require.Equal(t, 1, local.lookups)

	// ULS answers are authoritative locally and must not be cached.
	n, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestULSOnlyWithoutRemote(t *testing.T) {
	clk := newClock()
	local := &stubLocal{records: map[string]*models.CallData{"K1TTT": ulsRecord("K1TTT")}}

	r := New(cache.Disabled(), nil, local, Config{RetryDelay: 60, Now: clk.now})

	cd := r.Lookup("K1TTT", false)
	require.NotNil(t, cd)
	require.Equal(t, models.OriginULS, cd.Origin)
}

func TestMiss(t *testing.T) {
	clk := newClock()
	r := New(cache.Disabled(), nil, &stubLocal{}, Config{RetryDelay: 60, Now: clk.now})

	require.Nil(t, r.Lookup("N0CALL", false))
	require.Equal(t, 0, r.Answered())
}

func TestMaxRequests(t *testing.T) {
	clk := newClock()
	remote := &stubRemote{records: map[string]*models.CallData{"W1AW": qrzRecord("W1AW")}}

	r := New(cache.Disabled(), remote, nil, Config{RetryDelay: 60, MaxRequests: 2, Now: clk.now})

	require.NotNil(t, r.Lookup("W1AW", false))
	require.False(t, r.Exhausted())

	require.NotNil(t, r.Lookup("W1AW", false))
	require.True(t, r.Exhausted())
	require.Equal(t, 2, r.Answered())
}
