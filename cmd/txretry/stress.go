// Copyright (C) 2026 The txretry Authors.
// See LICENSE for copying information.

package main

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"

	"github.com/txkit/txretry"
	"github.com/txkit/txretry/innodbstatus"
	"github.com/txkit/txretry/txsql"
)

// runStress makes worker pairs update two rows in opposite order inside
// retried transactions, which reliably produces deadlocks, then reports how
// the retrier coped.
func runStress(ctx context.Context, log *zap.Logger, db txsql.DB, config Config) error {
	table := config.Stress.Table
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+table+" (id INT PRIMARY KEY, counter BIGINT NOT NULL)"); err != nil {
		return errs.New("error creating scratch table: %+v", err)
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return errs.New("error clearing scratch table: %+v", err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO "+table+" (id, counter) VALUES (1, 0), (2, 0)"); err != nil {
		return errs.New("error seeding scratch table: %+v", err)
	}

	monitor := innodbstatus.NewMonitor(log.Named("innodb"), db)
	retrier := txretry.New(log, classifierFor(db.Adapter()), monitor, config.Retry)

	var stats stressStats
	retrier.OnRetry = stats.onRetry

	group, groupCtx := errgroup.WithContext(ctx)
	for worker := 0; worker < config.Stress.Workers; worker++ {
		first, second := "1", "2"
		if worker%2 == 1 {
			first, second = second, first
		}
		worker := worker
		group.Go(func() error {
			for round := 0; round < config.Stress.Rounds; round++ {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				err := retrier.WithTx(groupCtx, db, nil, func(ctx context.Context, tx txsql.Tx) error {
					atomic.AddInt64(&stats.attempts, 1)
					if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET counter = counter + 1 WHERE id = "+first); err != nil {
						return err
					}
					_, err := tx.ExecContext(ctx, "UPDATE "+table+" SET counter = counter + 1 WHERE id = "+second)
					return err
				})
				if err != nil {
					if errs2.IsCanceled(err) {
						return err
					}
					atomic.AddInt64(&stats.failures, 1)
					log.Warn("transaction failed permanently",
						zap.Int("worker", worker),
						zap.Int("round", round),
						zap.Error(err))
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return errs.Wrap(err)
	}

	expected := int64(config.Stress.Workers) * int64(config.Stress.Rounds)
	committed := expected - atomic.LoadInt64(&stats.failures)
	counter, err := db.SelectValue(ctx, "SELECT counter FROM "+table+" WHERE id = 1")
	if err != nil {
		return errs.New("error reading scratch counter: %+v", err)
	}

	log.Info("stress run complete",
		zap.Int64("transactions", expected),
		zap.Int64("committed", committed),
		zap.Int64("attempts", atomic.LoadInt64(&stats.attempts)),
		zap.Int64("retries", atomic.LoadInt64(&stats.retries)),
		zap.Int64("exhausted", atomic.LoadInt64(&stats.exhausted)),
		zap.Int64("failures", atomic.LoadInt64(&stats.failures)),
		zap.String("counter", counter),
		zap.String("expected counter", strconv.FormatInt(committed, 10)))
	return nil
}

type stressStats struct {
	attempts  int64
	retries   int64
	exhausted int64
	failures  int64
}

func (stats *stressStats) onRetry(event txretry.RetryEvent) {
	atomic.AddInt64(&stats.retries, 1)
	if event.RetriesExhausted {
		atomic.AddInt64(&stats.exhausted, 1)
	}
}
