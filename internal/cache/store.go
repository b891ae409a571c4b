package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ft8goblin/callsign-lookup/internal/models"
	"github.com/ft8goblin/callsign-lookup/pkg/errors"
	"github.com/ft8goblin/callsign-lookup/pkg/logger"
)

// MinExpiry is the lowest cache TTL the store accepts, in seconds. To
// disable caching entirely, turn the cache off instead of shrinking the TTL.
const MinExpiry = 3600

const schema = `
CREATE TABLE IF NOT EXISTS cache (
	cache_id INTEGER PRIMARY KEY AUTOINCREMENT,
	callsign TEXT UNIQUE NOT NULL,
	dxcc INTEGER,
	aliases TEXT,
	first_name TEXT,
	last_name TEXT,
	addr1 TEXT,
	addr2 TEXT,
	state TEXT,
	zip TEXT,
	grid TEXT,
	country TEXT,
	latitude REAL,
	longitude REAL,
	county TEXT,
	class TEXT,
	codes TEXT,
	email TEXT,
	u_views INTEGER,
	effective INTEGER,
	expires INTEGER,
	cache_expires INTEGER,
	cache_fetched INTEGER
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache(cache_expires);
`

const (
	insertSQL = `INSERT OR REPLACE INTO cache
		(callsign, dxcc, aliases, first_name, last_name, addr1, addr2,
		 state, zip, grid, country, latitude, longitude, county, class,
		 codes, email, u_views, effective, expires, cache_expires, cache_fetched)
		VALUES (UPPER(?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectSQL = `SELECT callsign, dxcc, aliases, first_name, last_name, addr1, addr2,
		 state, zip, grid, country, latitude, longitude, county, class,
		 codes, email, u_views, effective, expires, cache_expires, cache_fetched
		FROM cache WHERE callsign = UPPER(?)`

	expireSQL = `DELETE FROM cache WHERE cache_expires <= ?`
)

// Options configures a Store.
type Options struct {
	// Expiry is the default record TTL in seconds. Values below MinExpiry
	// are clamped.
	Expiry int64

	// KeepStaleIfOffline returns expired rows instead of deleting them
	// while the remote source is unreachable.
	KeepStaleIfOffline bool

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Store is a persistent callsign record cache backed by a single-file
// SQLite database. A zero Store (no backing database) degrades every
// operation to a successful no-op, so a failed open never takes the
// service down with it.
type Store struct {
	db    *sql.DB
	stmts *stmtCache
	opts  Options
}

// Disabled returns a Store whose operations all no-op.
func Disabled() *Store {
	return &Store{}
}

// Open opens (creating on first run) the cache database at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Expiry < MinExpiry {
		logger.Warnf("cache expiry %d is too low, defaulting to %d seconds. If you wish to disable caching, set callsign-lookup/use-cache to false instead.", opts.Expiry, MinExpiry)
		opts.Expiry = MinExpiry
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCacheUnavailable, "failed to open cache database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrCacheUnavailable, "failed to open cache database")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrCacheUnavailable, "failed to create cache schema")
	}

	logger.Info("calldata cache database opened")
	return &Store{
		db:    db,
		stmts: newStmtCache(db),
		opts:  opts,
	}, nil
}

// Enabled reports whether the store has a backing database.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

func (s *Store) now() int64 {
	return s.opts.Now().Unix()
}

// Save persists a record. Records originating from the ULS database are not
// cached (that database is already local and queryable); those and calls on
// a disabled store succeed without doing anything.
func (s *Store) Save(cd *models.CallData) error {
	if cd == nil {
		return nil
	}
	if !s.Enabled() {
		return nil
	}
	if cd.Origin == models.OriginULS {
		return nil
	}

	stmt, err := s.stmts.prepare(insertSQL)
	if err != nil {
		return errors.Wrap(err, errors.ErrStatement, "failed to prepare cache insert")
	}

	now := s.now()
	cd.CacheFetched = now
	cd.CacheExpiry = now + s.opts.Expiry

	_, err = stmt.Exec(
		cd.Callsign, cd.DXCC, cd.Aliases, cd.FirstName, cd.LastName,
		cd.Address1, cd.Address2, cd.State, cd.Zip, cd.Grid, cd.Country,
		cd.Latitude, cd.Longitude, cd.County, cd.OpClass, cd.Codes,
		cd.Email, cd.QRZViews, cd.LicenseEffective, cd.LicenseExpiry,
		cd.CacheExpiry, cd.CacheFetched,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrStatement, "cache insert failed").WithContext("callsign", cd.Callsign)
	}
	return nil
}

// Find looks up a record by callsign and applies the staleness policy.
// A miss returns (nil, nil).
func (s *Store) Find(callsign string, offline bool) (*models.CallData, error) {
	if !s.Enabled() {
		return nil, nil
	}

	stmt, err := s.stmts.prepare(selectSQL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStatement, "failed to prepare cache select")
	}

	cd := &models.CallData{
		Origin: models.OriginCache,
		Cached: true,
	}
	err = stmt.QueryRow(callsign).Scan(
		&cd.Callsign, &cd.DXCC, &cd.Aliases, &cd.FirstName, &cd.LastName,
		&cd.Address1, &cd.Address2, &cd.State, &cd.Zip, &cd.Grid, &cd.Country,
		&cd.Latitude, &cd.Longitude, &cd.County, &cd.OpClass, &cd.Codes,
		&cd.Email, &cd.QRZViews, &cd.LicenseEffective, &cd.LicenseExpiry,
		&cd.CacheExpiry, &cd.CacheFetched,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStatement, "cache select failed").WithContext("callsign", callsign)
	}

	now := s.now()
	if cd.CacheExpiry <= now {
		if offline {
			if s.opts.KeepStaleIfOffline {
				logger.Warnf("returning stale result for %s (%d seconds past expiry)", cd.Callsign, now-cd.CacheExpiry)
				return cd, nil
			}
			logger.Warnf("cache expiry: record for %s is %d seconds old, forcing cache deletion", cd.Callsign, now-cd.CacheFetched)
			if err := s.Expire(); err != nil {
				logger.WithError(err).Warn("cache expiry sweep failed")
			}
			return nil, nil
		}
		// Online: report a miss so a fresh lookup overwrites the row.
		return nil, nil
	}

	return cd, nil
}

// Expire deletes every row whose TTL has lapsed.
func (s *Store) Expire() error {
	if !s.Enabled() {
		return nil
	}

	stmt, err := s.stmts.prepare(expireSQL)
	if err != nil {
		return errors.Wrap(err, errors.ErrStatement, "failed to prepare cache expiry")
	}

	res, err := stmt.Exec(s.now())
	if err != nil {
		return errors.Wrap(err, errors.ErrStatement, "cache expiry failed")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logger.Debugf("cache expiry done: %d changes", n)
	}
	return nil
}

// Count returns the number of cached records.
func (s *Store) Count() (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&n)
	return n, err
}

// CountExpired returns the number of cached records past their TTL.
func (s *Store) CountExpired() (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM cache WHERE cache_expires <= ?", s.now()).Scan(&n)
	return n, err
}

// Close finalizes the prepared statements and closes the database.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	s.stmts.close()
	return s.db.Close()
}

// stmtCache prepares statements lazily on first use and reuses them for the
// lifetime of the store.
type stmtCache struct {
	mu    sync.RWMutex
	stmts map[string]*sql.Stmt
	db    *sql.DB
}

func newStmtCache(db *sql.DB) *stmtCache {
	return &stmtCache{
		stmts: make(map[string]*sql.Stmt),
		db:    db,
	}
}

func (c *stmtCache) prepare(query string) (*sql.Stmt, error) {
	c.mu.RLock()
	stmt, exists := c.stmts[query]
	c.mu.RUnlock()

	if exists {
		return stmt, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check
	if stmt, exists := c.stmts[query]; exists {
		return stmt, nil
	}

	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, err
	}

	c.stmts[query] = stmt
	return stmt, nil
}

func (c *stmtCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range c.stmts {
		stmt.Close()
	}

	c.stmts = make(map[string]*sql.Stmt)
}
