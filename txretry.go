// Copyright (C) 2025 The txretry Authors.
// See LICENSE for copying information.

// Package txretry provides safe transaction-encapsulation functions which
// restart the transaction when the database reports transient lock
// contention, such as a deadlock or a lock wait timeout.
package txretry

import (
	"context"
	"database/sql"
	"strconv"
	"sync/atomic"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"storj.io/common/time2"

	"github.com/txkit/txretry/txsql"
)

var mon = monkit.Package()

// DB is a handle transactions can be started from. Both txsql.DB and
// txsql.Tx satisfy it. Depth reports how many transaction boundaries already
// enclose the handle; only a handle at depth zero begins outermost
// transactions, which are the only ones safe to restart.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txsql.Tx, error)
	Depth() int
}

// Diagnostics captures engine state when lock contention is detected.
// Implementations must be safe for concurrent use and are strictly best
// effort: they never fail the transaction they report on.
type Diagnostics interface {
	// Resolve decides, at most once per process, whether the engine
	// supports a diagnostic dump.
	Resolve(ctx context.Context)
	// LogStatus writes a point-in-time engine status dump to the log.
	LogStatus(ctx context.Context)
}

// RetryEvent describes one detected transient failure inside a transaction
// run by a Retrier.
type RetryEvent struct {
	// Attempt is the 1-based number of the attempt that failed.
	Attempt int
	// Kind is the contention category the classifier reported.
	Kind Kind
	// RetriesExhausted is true when no further restart will happen.
	RetriesExhausted bool
}

// Config configures a Retrier.
type Config struct {
	MaxRetries int `help:"how many times to restart a transaction broken by lock contention" default:"3"`
}

// DefaultConfig is the configuration used when no flag binding is involved.
var DefaultConfig = Config{MaxRetries: 3}

// Retrier runs transaction bodies with restart-on-contention semantics.
type Retrier struct {
	log      *zap.Logger
	classify Classifier
	diag     Diagnostics
	clock    time2.Clock

	maxRetries int32

	// OnRetry, when set before first use, observes every detected
	// transient failure, including the one that exhausts the budget.
	OnRetry func(RetryEvent)
}

// New constructs a Retrier. A nil classify falls back to DefaultMessages, a
// nil diag disables status dumps.
func New(log *zap.Logger, classify Classifier, diag Diagnostics, config Config) *Retrier {
	if classify == nil {
		classify = DefaultMessages
	}
	r := &Retrier{
		log:      log,
		classify: classify,
		diag:     diag,
	}
	r.SetMaxRetries(config.MaxRetries)
	return r
}

// MaxRetries reports how many restarts are currently allowed per
// transaction.
func (r *Retrier) MaxRetries() int { return int(atomic.LoadInt32(&r.maxRetries)) }

// SetMaxRetries changes the restart budget at runtime. The new value applies
// to every retry decision made after the call, including in transactions
// already in flight. Negative values count as zero.
func (r *Retrier) SetMaxRetries(n int) {
	if n < 0 {
		n = 0
	}
	atomic.StoreInt32(&r.maxRetries, int32(n))
}

// TestSwapClock replaces the clock used for backoff pauses.
func (r *Retrier) TestSwapClock(clock time2.Clock) { r.clock = clock }

// WithTx runs fn inside a transaction begun on db, committing when fn
// returns nil and rolling back when it returns an error.
//
// When fn fails with an error the classifier recognizes as transient lock
// contention and db is not already inside a transaction, the transaction is
// restarted, up to MaxRetries times, with an increasing pause before each
// restart. fn may therefore run more than once and must be safe to re-run
// from the start. The error fn failed with is returned to the caller as is,
// never wrapped.
func (r *Retrier) WithTx(ctx context.Context, db DB, txOpts *sql.TxOptions, fn func(context.Context, txsql.Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	if r.diag != nil {
		r.diag.Resolve(ctx)
	}
	nested := db.Depth() > 0

	for attempt := 0; ; attempt++ {
		err, rollbackErr := withTxOnce(ctx, db, txOpts, fn)
		if err == nil || nested {
			mon.IntVal("transaction_retries").Observe(int64(attempt))
			return errs.Combine(err, rollbackErr)
		}

		kind := r.classify.Classify(err)
		if kind == "" {
			mon.IntVal("transaction_retries").Observe(int64(attempt))
			return errs.Combine(err, rollbackErr)
		}

		maxRetries := r.MaxRetries()
		exhausted := attempt >= maxRetries
		r.emit(RetryEvent{Attempt: attempt + 1, Kind: kind, RetriesExhausted: exhausted})
		r.log.Info("transaction broken by lock contention",
			zap.Int("attempt", attempt+1),
			zap.Int("max retries", maxRetries),
			zap.String("kind", string(kind)),
			zap.Bool("restarting", !exhausted),
			zap.Error(err))
		if r.diag != nil {
			r.diag.LogStatus(ctx)
		}

		if exhausted {
			mon.IntVal("transaction_retries").Observe(int64(attempt))
			return errs.Combine(err, rollbackErr)
		}

		if delay := RetryDelay(attempt + 1); delay > 0 {
			if !r.clock.Sleep(ctx, delay) {
				mon.IntVal("transaction_retries").Observe(int64(attempt))
				return ctx.Err()
			}
		}
	}
}

func (r *Retrier) emit(event RetryEvent) {
	mon.Event("transaction_retry",
		monkit.NewSeriesTag("kind", string(event.Kind)),
		monkit.NewSeriesTag("exhausted", strconv.FormatBool(event.RetriesExhausted)))
	if r.OnRetry != nil {
		r.OnRetry(event)
	}
}

// withTxOnce runs fn within a single transaction attempt. The rollback error
// is kept separate from fn's error so the caller can classify the original
// failure.
func withTxOnce(ctx context.Context, db DB, txOpts *sql.TxOptions, fn func(context.Context, txsql.Tx) error) (err, rollbackErr error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.BeginTx(ctx, txOpts)
	if err != nil {
		return err, nil
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
		} else {
			rollbackErr = tx.Rollback()
		}
	}()

	return fn(ctx, tx), nil
}
