// Package store is the event store gateway: parameterized SQL over the
// submissions, turnstile_validations, and blacklist tables (§4's "Event
// store gateway" and "Blacklist store" rows), plus datetime normalization.
//
// The teacher (dragstor-gocaptcha) bootstraps its schema with
// c.db.Exec(`CREATE TABLE IF NOT EXISTS ...`) directly against
// github.com/mattn/go-sqlite3 in New(); this package generalizes that
// same bootstrap-on-open idiom to three tables instead of one.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the shared *sql.DB and the structured logger used for
// persistence-layer error reporting (§7 category 5).
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if necessary) the database at dsn using driverName
// and applies the schema. Only sqlite3 is exercised by this repository,
// but driverName is not hardcoded so a Postgres-compatible driver could be
// swapped in without touching call sites, per §1's "assumed to offer
// parameterized SQL with atomic inserts and row-level uniqueness".
func Open(driverName, dsn string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", driverName, err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers (e.g. tests) that need to
// compose ad-hoc queries outside this package's exported surface.
func (s *Store) DB() *sql.DB {
	return s.db
}

// sqlTimeFormat is the SQL-native, human-sortable timestamp layout that
// every window predicate in this package binds against. Mixing this with
// ISO-8601's "T" separator silently breaks range comparisons because the
// two formats do not sort identically as strings (§6, §9).
const sqlTimeFormat = "2006-01-02 15:04:05"

// Normalize renders t in UTC using the SQL-native "YYYY-MM-DD HH:MM:SS"
// layout. All window-predicate parameters must flow through this
// function; never bind time.Time.Format(time.RFC3339) directly.
func Normalize(t time.Time) string {
	return t.UTC().Format(sqlTimeFormat)
}

