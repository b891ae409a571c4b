// Package resolver runs callsign lookups across an ordered list of data
// sources: the local cache, the QRZ remote API and the local ULS database.
package resolver

import (
	"time"

	"github.com/ft8goblin/callsign-lookup/internal/cache"
	"github.com/ft8goblin/callsign-lookup/internal/models"
	"github.com/ft8goblin/callsign-lookup/pkg/errors"
	"github.com/ft8goblin/callsign-lookup/pkg/logger"
)

// MinRetryDelay is the floor on the remote session retry cadence, in seconds.
const MinRetryDelay = 30

// Source answers a callsign lookup. A miss is (nil, nil).
type Source interface {
	Lookup(callsign string) (*models.CallData, error)
}

// Remote is a session-oriented source such as the QRZ XML API.
type Remote interface {
	Source
	StartSession() error
	EndSession()
	Active() bool
}

// MetricsSink receives lookup counters. May be nil.
type MetricsSink interface {
	IncrementCounter(name string, labels map[string]string)
}

// Config tunes a Resolver.
type Config struct {
	// RetryDelay is the minimum gap between remote session attempts while
	// offline, in seconds. Values below MinRetryDelay are clamped.
	RetryDelay int64

	// MaxRequests answered before the resolver asks the process to exit so
	// a supervisor can respawn it. 0 disables the bound.
	MaxRequests int

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Resolver is the tiered lookup pipeline. It is not safe for concurrent use;
// the event loop serializes all calls.
type Resolver struct {
	cache   *cache.Store
	remote  Remote
	sources []Source
	cfg     Config

	offline   bool
	lastRetry int64
	answered  int
	exhausted bool

	metrics MetricsSink
}

// New wires a resolver. cache may be a disabled store, remote and local may
// be nil when the corresponding source is turned off. Tier order is fixed:
// cache, remote, local database.
func New(store *cache.Store, remote Remote, local Source, cfg Config) *Resolver {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RetryDelay < MinRetryDelay {
		logger.Warnf("retry-delay %d is too low, using %d seconds", cfg.RetryDelay, MinRetryDelay)
		cfg.RetryDelay = MinRetryDelay
	}
	if cfg.MaxRequests < 0 {
		cfg.MaxRequests = 0
	}

	r := &Resolver{
		cache:  store,
		remote: remote,
		cfg:    cfg,
		// Until a remote session exists the pipeline runs offline.
		offline: true,
	}
	if remote != nil {
		r.sources = append(r.sources, remoteTier{r})
	}
	if local != nil {
		r.sources = append(r.sources, local)
	}
	return r
}

// SetMetrics attaches a metrics sink.
func (r *Resolver) SetMetrics(m MetricsSink) {
	r.metrics = m
}

// Offline reports whether the remote source is currently unreachable.
func (r *Resolver) Offline() bool {
	return r.offline
}

// Exhausted reports whether the configured request bound has been reached.
// The caller is expected to shut down cleanly once this returns true.
func (r *Resolver) Exhausted() bool {
	return r.exhausted
}

// Answered returns the number of successfully answered lookups.
func (r *Resolver) Answered() int {
	return r.answered
}

func (r *Resolver) now() int64 {
	return r.cfg.Now().Unix()
}

// Lookup resolves a callsign through the tier list. noCache skips the cache
// read for this one request; any fresh answer is still persisted.
func (r *Resolver) Lookup(callsign string, noCache bool) *models.CallData {
	fromCache := false
	var cd *models.CallData

	if !noCache {
		hit, err := r.cache.Find(callsign, r.offline)
		if err != nil {
			logger.WithError(err).Warn("cache lookup failed")
		}
		if hit != nil {
			logger.Debugf("got cached calldata for %s", callsign)
			fromCache = true
			cd = hit
		}
	}

	r.maybeReconnect()

	if cd == nil {
		for _, src := range r.sources {
			hit, err := src.Lookup(callsign)
			if err != nil {
				logger.WithError(err).Warnf("source lookup failed for %s", callsign)
				continue
			}
			if hit != nil {
				cd = hit
				break
			}
		}
	}

	if cd == nil {
		logger.Warnf("no matches found for callsign %s", callsign)
		r.count("lookup_miss", nil)
		return nil
	}

	if !fromCache {
		logger.Debugf("adding new item (%s) to cache", callsign)
		if err := r.cache.Save(cd); err != nil {
			logger.WithError(err).Warnf("failed caching record for %s", callsign)
		}
	}

	r.count("lookup_hit", map[string]string{"origin": cd.Origin.String()})

	r.answered++
	if r.cfg.MaxRequests > 0 && r.answered >= r.cfg.MaxRequests {
		logger.Errorf("answered %d of %d allowed requests, exiting", r.answered, r.cfg.MaxRequests)
		r.exhausted = true
	}

	return cd
}

// maybeReconnect attempts a remote session while offline, at most once per
// retry-delay window.
func (r *Resolver) maybeReconnect() {
	if !r.offline || r.remote == nil || r.remote.Active() {
		return
	}
	now := r.now()
	if r.lastRetry != 0 && r.lastRetry+r.cfg.RetryDelay > now {
		return
	}
	r.lastRetry = now

	if err := r.remote.StartSession(); err != nil {
		logger.WithError(err).Error("Failed logging into QRZ, setting offline mode!")
		r.offline = true
		r.count("remote_session_failed", nil)
		return
	}
	r.offline = false
	r.count("remote_session_established", nil)
}

// Close ends the remote session if one is active.
func (r *Resolver) Close() {
	if r.remote != nil && r.remote.Active() {
		r.remote.EndSession()
	}
}

func (r *Resolver) count(name string, labels map[string]string) {
	if r.metrics != nil {
		r.metrics.IncrementCounter(name, labels)
	}
}

// remoteTier guards the remote source behind the resolver's offline state.
type remoteTier struct {
	r *Resolver
}

func (t remoteTier) Lookup(callsign string) (*models.CallData, error) {
	r := t.r
	if r.offline {
		return nil, nil
	}
	cd, err := r.remote.Lookup(callsign)
	if err != nil {
		if errors.Is(err, errors.ErrRemoteAuth) {
			// Session died under us; fall offline and let the retry
			// schedule bring it back.
			r.offline = true
		}
		return nil, err
	}
	if cd != nil {
		logger.Debugf("got qrz calldata for %s", callsign)
	}
	return cd, nil
}
