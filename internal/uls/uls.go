// Package uls answers callsign lookups from a locally imported FCC ULS
// database. The import is bulk-loaded out of band; this adapter only reads.
package uls

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ft8goblin/callsign-lookup/internal/models"
	"github.com/ft8goblin/callsign-lookup/pkg/errors"
	"github.com/ft8goblin/callsign-lookup/pkg/logger"
)

const selectSQL = `SELECT callsign, first_name, last_name, entity_name,
	street_address, city, state, zip_code, operator_class,
	grant_date, expired_date, latitude, longitude, grid_square
	FROM callsigns WHERE callsign = UPPER(?)`

// DB is a read-only handle on the regulator database.
type DB struct {
	db   *sql.DB
	stmt *sql.Stmt
}

// Open opens the ULS database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "failed to open ULS database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrInternal, "failed to open ULS database")
	}
	logger.Info("ULS database opened")
	return &DB{db: db}, nil
}

// Lookup returns the licensee record for a callsign, or nil on a miss.
func (u *DB) Lookup(callsign string) (*models.CallData, error) {
	if u.stmt == nil {
		stmt, err := u.db.Prepare(selectSQL)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrStatement, "failed to prepare ULS select")
		}
		u.stmt = stmt
	}

	var (
		cd         models.CallData
		entityName string
		city       string
		grantDate  string
		expired    string
	)
	err := u.stmt.QueryRow(callsign).Scan(
		&cd.Callsign, &cd.FirstName, &cd.LastName, &entityName,
		&cd.Address1, &city, &cd.State, &cd.Zip, &cd.OpClass,
		&grantDate, &expired, &cd.Latitude, &cd.Longitude, &cd.Grid,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStatement, "ULS select failed").WithContext("callsign", callsign)
	}

	cd.Origin = models.OriginULS
	cd.QueryCallsign = callsign
	cd.Address2 = city
	cd.Country = "United States"
	cd.CountryCode = 1

	// Club licenses carry the entity name instead of a personal name.
	if cd.FirstName == "" && cd.LastName == "" && entityName != "" {
		cd.LastName = entityName
	}

	cd.LicenseEffective = parseULSDate(grantDate)
	cd.LicenseExpiry = parseULSDate(expired)

	return &cd, nil
}

// parseULSDate converts the MM/DD/YYYY dates the FCC publishes to epoch
// seconds. Unset or malformed dates come back as 0.
func parseULSDate(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	t, err := time.ParseInLocation("01/02/2006", s, time.Local)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// Close releases the prepared statement and the database handle.
func (u *DB) Close() error {
	if u.stmt != nil {
		u.stmt.Close()
		u.stmt = nil
	}
	return u.db.Close()
}
