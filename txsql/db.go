// Copyright (C) 2025 The txretry Authors.
// See LICENSE for copying information.

// Package txsql wraps database/sql handles with the transaction bookkeeping
// needed for safe retry decisions: every handle knows which adapter opened it
// and how many transaction boundaries enclose it.
package txsql

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("txsql")
)

// DB is a database handle that tracks the transactions running against it.
//
// Depth reports how many transaction boundaries enclose the handle itself.
// It is always zero for a pool handle, so a transaction begun here is
// outermost. OpenTransactions is a pool-wide gauge and says nothing about
// any single caller's nesting.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)

	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PingContext(ctx context.Context) error

	SelectValue(ctx context.Context, query string, args ...interface{}) (string, error)
	SelectOne(ctx context.Context, query string, args ...interface{}) (map[string]string, error)
	SelectRows(ctx context.Context, query string, args ...interface{}) ([]map[string]string, error)

	Adapter() string
	Depth() int
	OpenTransactions() int
	Stats() sql.DBStats
	Internal() *sql.DB
	Close() error
}

// Open opens a handle for the named driver and verifies the connection
// before returning it.
func Open(ctx context.Context, adapter, dsn string) (DB, error) {
	db, err := sql.Open(adapter, dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return Wrap(db, adapter), nil
}

// Wrap attaches transaction tracking to an existing handle. The adapter name
// should be the driver name the handle was opened with.
func Wrap(db *sql.DB, adapter string) DB {
	return &sqlDB{db: db, adapter: adapter}
}

// Monitor registers pool and transaction gauges for the handle under the
// given series name.
func Monitor(db DB, name string) {
	mon.Chain(statSource{
		db:  db,
		key: monkit.NewSeriesKey("db_stats").WithTags(monkit.NewSeriesTag("name", name)),
	})
}

type statSource struct {
	db  DB
	key monkit.SeriesKey
}

// Stats implements monkit.StatSource.
func (s statSource) Stats(cb func(key monkit.SeriesKey, field string, val float64)) {
	stats := s.db.Stats()
	cb(s.key, "open_connections", float64(stats.OpenConnections))
	cb(s.key, "in_use", float64(stats.InUse))
	cb(s.key, "idle", float64(stats.Idle))
	cb(s.key, "wait_count", float64(stats.WaitCount))
	cb(s.key, "open_transactions", float64(s.db.OpenTransactions()))
}

type sqlDB struct {
	db      *sql.DB
	adapter string
	open    int64
}

func (s *sqlDB) Adapter() string { return s.adapter }

func (s *sqlDB) Depth() int { return 0 }

func (s *sqlDB) OpenTransactions() int { return int(atomic.LoadInt64(&s.open)) }

// BeginTx starts an outermost transaction. Begin errors flow back unwrapped
// so that driver error codes stay visible to callers.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&s.open, 1)
	return &sqlTx{tx: tx, db: s, depth: 1}, nil
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) PingContext(ctx context.Context) error {
	return Error.Wrap(s.db.PingContext(ctx))
}

func (s *sqlDB) SelectValue(ctx context.Context, query string, args ...interface{}) (string, error) {
	return selectValue(ctx, s.db, query, args...)
}

func (s *sqlDB) SelectOne(ctx context.Context, query string, args ...interface{}) (map[string]string, error) {
	return selectOne(ctx, s.db, query, args...)
}

func (s *sqlDB) SelectRows(ctx context.Context, query string, args ...interface{}) ([]map[string]string, error) {
	return selectRows(ctx, s.db, query, args...)
}

func (s *sqlDB) Stats() sql.DBStats { return s.db.Stats() }

func (s *sqlDB) Internal() *sql.DB { return s.db }

func (s *sqlDB) Close() error { return Error.Wrap(s.db.Close()) }

// SetConnLimits bounds the underlying pool. A non-positive lifetime leaves
// connection reuse unbounded.
func SetConnLimits(db DB, maxOpen, maxIdle int, maxLifetime time.Duration) {
	internal := db.Internal()
	internal.SetMaxOpenConns(maxOpen)
	internal.SetMaxIdleConns(maxIdle)
	if maxLifetime > 0 {
		internal.SetConnMaxLifetime(maxLifetime)
	}
}

// queryer is the query surface shared by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func selectValue(ctx context.Context, q queryer, query string, args ...interface{}) (string, error) {
	var value sql.NullString
	if err := q.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		return "", Error.Wrap(err)
	}
	return value.String, nil
}

func selectOne(ctx context.Context, q queryer, query string, args ...interface{}) (map[string]string, error) {
	rows, err := selectRows(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, Error.Wrap(sql.ErrNoRows)
	}
	return rows[0], nil
}

func selectRows(ctx context.Context, q queryer, query string, args ...interface{}) (_ []map[string]string, err error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var result []map[string]string
	for rows.Next() {
		values := make([]sql.NullString, len(columns))
		scan := make([]interface{}, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, Error.Wrap(err)
		}
		row := make(map[string]string, len(columns))
		for i, column := range columns {
			row[column] = values[i].String
		}
		result = append(result, row)
	}
	return result, Error.Wrap(rows.Err())
}
