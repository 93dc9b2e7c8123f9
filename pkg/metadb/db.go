// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

// Package metadb is the typed accessor over the relational metadata store
// holding shard leases and container records.
package metadb

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	// registered database drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	mon = monkit.Package()

	// Error is the metadb error class.
	Error = errs.Class("metadb")
)

// Implementation is the SQL dialect the store runs on.
type Implementation int

// Supported implementations.
const (
	Postgres Implementation = iota
	SQLite
)

// DB provides access to shard leases and container records. All timestamps
// are stored as unix epoch milliseconds so lease-expiry arithmetic stays in
// SQL and identical across dialects.
type DB struct {
	db   *sql.DB
	impl Implementation
	log  *zap.Logger
	now  func() time.Time
}

// Open connects to the metadata database. Supported drivers: postgres,
// sqlite3.
func Open(ctx context.Context, log *zap.Logger, driver, dsn string) (*DB, error) {
	var impl Implementation
	switch driver {
	case "postgres":
		impl = Postgres
	case "sqlite3":
		impl = SQLite
	default:
		return nil, Error.New("unsupported driver %q", driver)
	}

	handle, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := handle.PingContext(ctx); err != nil {
		_ = handle.Close()
		return nil, Error.Wrap(err)
	}
	if impl == SQLite {
		// writers on separate connections deadlock sqlite
		handle.SetMaxOpenConns(1)
	}

	return &DB{
		db:   handle,
		impl: impl,
		log:  log,
		now:  time.Now,
	}, nil
}

// Close releases the connection pool.
func (db *DB) Close() error { return Error.Wrap(db.db.Close()) }

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// TestingSetNow overrides the store's clock, for tests.
func (db *DB) TestingSetNow(now func() time.Time) { db.now = now }

// CreateTables creates the schema if it does not exist yet.
func (db *DB) CreateTables(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS shard_leases (
			shard_id     INTEGER NOT NULL PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			acquired_at  BIGINT NOT NULL,
			heartbeat_at BIGINT NOT NULL,
			ttl_seconds  INTEGER NOT NULL,
			generation   BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS containers (
			container_id TEXT NOT NULL PRIMARY KEY,
			shard_id     INTEGER NOT NULL,
			day          TEXT NOT NULL,
			bucket       TEXT NOT NULL,
			object_key   TEXT NOT NULL,
			state        TEXT NOT NULL,
			file_count   BIGINT NOT NULL DEFAULT 0,
			byte_size    BIGINT NOT NULL DEFAULT 0,
			created_at   BIGINT NOT NULL,
			committed_at BIGINT,
			owner_id     TEXT NOT NULL,
			generation   BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS containers_state_created
			ON containers (state, created_at)`,
	} {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// rebind converts ?-style placeholders to the dialect's syntax.
func (db *DB) rebind(query string) string {
	if db.impl != Postgres {
		return query
	}
	var out strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

func millis(t time.Time) int64 { return t.UnixMilli() }
