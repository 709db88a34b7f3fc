// Copyright (C) 2025 The txretry Authors.
// See LICENSE for copying information.

package txsql

import (
	"context"
	"database/sql"
	"strconv"
	"sync/atomic"
)

// Tx is an open transaction boundary.
//
// Depth reports how many boundaries are open on the handle's connection,
// counting this one: 1 for a connection-level transaction, one more for each
// savepoint below it. BeginTx opens a nested boundary backed by a savepoint.
type Tx interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)

	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row

	SelectValue(ctx context.Context, query string, args ...interface{}) (string, error)
	SelectOne(ctx context.Context, query string, args ...interface{}) (map[string]string, error)
	SelectRows(ctx context.Context, query string, args ...interface{}) ([]map[string]string, error)

	Commit() error
	Rollback() error

	Adapter() string
	Depth() int
}

// sqlTx is a connection-level transaction.
type sqlTx struct {
	tx    *sql.Tx
	db    *sqlDB
	depth int
	done  int32
}

func (t *sqlTx) Adapter() string { return t.db.adapter }

func (t *sqlTx) Depth() int { return t.depth }

func (t *sqlTx) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	return beginSavepoint(ctx, t.tx, t.db, t.depth, opts)
}

func (t *sqlTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *sqlTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *sqlTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *sqlTx) SelectValue(ctx context.Context, query string, args ...interface{}) (string, error) {
	return selectValue(ctx, t.tx, query, args...)
}

func (t *sqlTx) SelectOne(ctx context.Context, query string, args ...interface{}) (map[string]string, error) {
	return selectOne(ctx, t.tx, query, args...)
}

func (t *sqlTx) SelectRows(ctx context.Context, query string, args ...interface{}) ([]map[string]string, error) {
	return selectRows(ctx, t.tx, query, args...)
}

func (t *sqlTx) Commit() error {
	if !atomic.CompareAndSwapInt32(&t.done, 0, 1) {
		return sql.ErrTxDone
	}
	atomic.AddInt64(&t.db.open, -1)
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	if !atomic.CompareAndSwapInt32(&t.done, 0, 1) {
		return sql.ErrTxDone
	}
	atomic.AddInt64(&t.db.open, -1)
	return t.tx.Rollback()
}

// savepointTx is a nested boundary inside an open connection-level
// transaction. Commit releases the savepoint, Rollback rewinds to it.
type savepointTx struct {
	tx    *sql.Tx
	db    *sqlDB
	name  string
	depth int
	done  int32
}

// beginSavepoint opens a boundary at depth+1. Savepoint names derive from the
// parent depth: a name is reused only after the previous holder committed or
// rolled back, which releases it.
func beginSavepoint(ctx context.Context, tx *sql.Tx, db *sqlDB, depth int, opts *sql.TxOptions) (Tx, error) {
	if opts != nil && (opts.ReadOnly || opts.Isolation != sql.LevelDefault) {
		return nil, Error.New("cannot override transaction options inside an open transaction")
	}

	name := "txretry_" + strconv.Itoa(depth)
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, err
	}
	return &savepointTx{tx: tx, db: db, name: name, depth: depth + 1}, nil
}

func (t *savepointTx) Adapter() string { return t.db.adapter }

func (t *savepointTx) Depth() int { return t.depth }

func (t *savepointTx) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	return beginSavepoint(ctx, t.tx, t.db, t.depth, opts)
}

func (t *savepointTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *savepointTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *savepointTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *savepointTx) SelectValue(ctx context.Context, query string, args ...interface{}) (string, error) {
	return selectValue(ctx, t.tx, query, args...)
}

func (t *savepointTx) SelectOne(ctx context.Context, query string, args ...interface{}) (map[string]string, error) {
	return selectOne(ctx, t.tx, query, args...)
}

func (t *savepointTx) SelectRows(ctx context.Context, query string, args ...interface{}) ([]map[string]string, error) {
	return selectRows(ctx, t.tx, query, args...)
}

func (t *savepointTx) Commit() error {
	if !atomic.CompareAndSwapInt32(&t.done, 0, 1) {
		return sql.ErrTxDone
	}
	_, err := t.tx.Exec("RELEASE SAVEPOINT " + t.name)
	return err
}

func (t *savepointTx) Rollback() error {
	if !atomic.CompareAndSwapInt32(&t.done, 0, 1) {
		return sql.ErrTxDone
	}
	if _, err := t.tx.Exec("ROLLBACK TO SAVEPOINT " + t.name); err != nil {
		return err
	}
	_, err := t.tx.Exec("RELEASE SAVEPOINT " + t.name)
	return err
}
