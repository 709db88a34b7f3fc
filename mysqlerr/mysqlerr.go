// Copyright (C) 2025 The txretry Authors.
// See LICENSE for copying information.

// Package mysqlerr classifies MySQL driver errors, preferring the server
// error number over the message text.
package mysqlerr

import (
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/txkit/txretry"
)

// Server error numbers that report transient lock contention.
const (
	// CodeDeadlock is ER_LOCK_DEADLOCK, SQLSTATE 40001.
	CodeDeadlock = 1213
	// CodeLockWaitTimeout is ER_LOCK_WAIT_TIMEOUT, SQLSTATE HY000.
	CodeLockWaitTimeout = 1205
	// CodeLockNowait is ER_LOCK_NOWAIT, raised by locking reads with NOWAIT.
	CodeLockNowait = 3572
)

// Classifier recognizes lock contention reported by the mysql driver. When
// the error carries a server error number the number decides; otherwise the
// message table takes over, so errors from layers that only preserve the
// server text keep working. The zero value classifies by number alone.
type Classifier struct {
	Messages txretry.MessageTable
}

// Default returns a Classifier that falls back to txretry.DefaultMessages.
func Default() Classifier {
	return Classifier{Messages: txretry.DefaultMessages}
}

// Classify implements txretry.Classifier.
func (c Classifier) Classify(err error) txretry.Kind {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case CodeDeadlock:
			return txretry.Deadlock
		case CodeLockWaitTimeout, CodeLockNowait:
			return txretry.LockWaitTimeout
		}
		return ""
	}
	return c.Messages.Classify(err)
}
