// Copyright (C) 2026 The txretry Authors.
// See LICENSE for copying information.

package txretry_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"storj.io/common/testcontext"

	"github.com/txkit/txretry"
	"github.com/txkit/txretry/innodbstatus"
	"github.com/txkit/txretry/mysqlerr"
	"github.com/txkit/txretry/txsql"
)

// pickMySQL returns the DSN for integration tests, or skips the test.
//
//	TXRETRY_TEST_MYSQL='root@tcp(localhost:3306)/testdb' go test ./...
func pickMySQL(t *testing.T) string {
	dsn := os.Getenv("TXRETRY_TEST_MYSQL")
	if dsn == "" {
		t.Skip("mysql flavor of testing is not configured, set TXRETRY_TEST_MYSQL")
	}
	return dsn
}

func openMySQL(t *testing.T, ctx context.Context, table string) txsql.DB {
	db, err := txsql.Open(ctx, "mysql", pickMySQL(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "CREATE TABLE "+table+" (id INT PRIMARY KEY, counter BIGINT NOT NULL) ENGINE=InnoDB")
	require.NoError(t, err)
	t.Cleanup(func() {
		_, err := db.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+table)
		require.NoError(t, err)
	})

	_, err = db.ExecContext(ctx, "INSERT INTO "+table+" (id, counter) VALUES (1, 0), (2, 0)")
	require.NoError(t, err)
	return db
}

func TestMySQLDeadlockRetried(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	const table = "txretry_test_deadlock"
	db := openMySQL(t, ctx, table)
	log := zaptest.NewLogger(t)

	monitor := innodbstatus.NewMonitor(log, db)
	retrier := txretry.New(log, mysqlerr.Default(), monitor, txretry.Config{MaxRetries: 5})

	var retries int64
	retrier.OnRetry = func(event txretry.RetryEvent) { atomic.AddInt64(&retries, 1) }

	// Both workers lock their first row, wait for each other, then try to
	// lock the other's row. One of them becomes a deadlock victim and gets
	// restarted; by then the winner has committed and released its locks.
	firstLocked := make(chan struct{})
	secondLocked := make(chan struct{})
	var firstOnce, secondOnce sync.Once

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return retrier.WithTx(groupCtx, db, nil, func(ctx context.Context, tx txsql.Tx) error {
			if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET counter = counter + 1 WHERE id = 1"); err != nil {
				return err
			}
			firstOnce.Do(func() { close(firstLocked) })
			select {
			case <-secondLocked:
			case <-ctx.Done():
				return ctx.Err()
			}
			_, err := tx.ExecContext(ctx, "UPDATE "+table+" SET counter = counter + 1 WHERE id = 2")
			return err
		})
	})
	group.Go(func() error {
		return retrier.WithTx(groupCtx, db, nil, func(ctx context.Context, tx txsql.Tx) error {
			if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET counter = counter + 1 WHERE id = 2"); err != nil {
				return err
			}
			secondOnce.Do(func() { close(secondLocked) })
			select {
			case <-firstLocked:
			case <-ctx.Done():
				return ctx.Err()
			}
			_, err := tx.ExecContext(ctx, "UPDATE "+table+" SET counter = counter + 1 WHERE id = 1")
			return err
		})
	})
	require.NoError(t, group.Wait())

	require.GreaterOrEqual(t, atomic.LoadInt64(&retries), int64(1))

	for _, id := range []string{"1", "2"} {
		counter, err := db.SelectValue(ctx, "SELECT counter FROM "+table+" WHERE id = "+id)
		require.NoError(t, err)
		require.Equal(t, "2", counter)
	}

	if command, ok := monitor.Command(); ok {
		require.Contains(t, command, "INNODB STATUS")
	}
}

func TestMySQLLockWaitTimeoutRetried(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	const table = "txretry_test_lockwait"
	db := openMySQL(t, ctx, table)
	log := zaptest.NewLogger(t)

	retrier := txretry.New(log, mysqlerr.Default(), nil, txretry.Config{MaxRetries: 5})

	var kinds sync.Map
	release := make(chan struct{})
	var releaseOnce sync.Once
	retrier.OnRetry = func(event txretry.RetryEvent) {
		kinds.Store(event.Kind, true)
		releaseOnce.Do(func() { close(release) })
	}

	// Hold a row lock in a plain transaction until the retrier reports the
	// first timeout, then let go so the restarted attempt can pass.
	hold, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = hold.ExecContext(ctx, "UPDATE "+table+" SET counter = counter + 1 WHERE id = 1")
	require.NoError(t, err)

	var holdGroup errgroup.Group
	holdGroup.Go(func() error {
		<-release
		return hold.Commit()
	})

	err = retrier.WithTx(ctx, db, nil, func(ctx context.Context, tx txsql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SET SESSION innodb_lock_wait_timeout = 1"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "UPDATE "+table+" SET counter = counter + 1 WHERE id = 1")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, holdGroup.Wait())

	_, sawTimeout := kinds.Load(txretry.LockWaitTimeout)
	require.True(t, sawTimeout)

	counter, err := db.SelectValue(ctx, "SELECT counter FROM "+table+" WHERE id = 1")
	require.NoError(t, err)
	require.Equal(t, "2", counter)
}

func TestMySQLNestedSavepointRollback(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	const table = "txretry_test_nested"
	db := openMySQL(t, ctx, table)
	log := zaptest.NewLogger(t)

	retrier := txretry.New(log, mysqlerr.Default(), nil, txretry.DefaultConfig)

	var events int64
	retrier.OnRetry = func(txretry.RetryEvent) { atomic.AddInt64(&events, 1) }

	errFakeDeadlock := &mysql.MySQLError{
		Number:  mysqlerr.CodeDeadlock,
		Message: "Deadlock found when trying to get lock; try restarting transaction",
	}

	err := retrier.WithTx(ctx, db, nil, func(ctx context.Context, outer txsql.Tx) error {
		if _, err := outer.ExecContext(ctx, "UPDATE "+table+" SET counter = 10 WHERE id = 1"); err != nil {
			return err
		}

		// The nested unit fails and rolls back to its savepoint without
		// poisoning the outer transaction, even though the error would be
		// retryable at the outermost boundary.
		nestedErr := retrier.WithTx(ctx, outer, nil, func(ctx context.Context, inner txsql.Tx) error {
			if _, err := inner.ExecContext(ctx, "UPDATE "+table+" SET counter = 99 WHERE id = 2"); err != nil {
				return err
			}
			return errFakeDeadlock
		})
		require.ErrorIs(t, nestedErr, errFakeDeadlock, "nested failure surfaces unchanged")

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), atomic.LoadInt64(&events), "nested failures never count as retries")

	counter, err := db.SelectValue(ctx, "SELECT counter FROM "+table+" WHERE id = 1")
	require.NoError(t, err)
	require.Equal(t, "10", counter)

	counter, err = db.SelectValue(ctx, "SELECT counter FROM "+table+" WHERE id = 2")
	require.NoError(t, err)
	require.Equal(t, "0", counter)
}
