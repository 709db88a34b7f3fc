// Copyright (C) 2025 The txretry Authors.
// See LICENSE for copying information.

// Package pgerr classifies PostgreSQL driver errors by SQLSTATE.
package pgerr

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/txkit/txretry"
)

// SerializationFailure reports SQLSTATE 40001, which PostgreSQL raises when
// a serializable transaction needs to be re-run.
const SerializationFailure = txretry.Kind("serialization_failure")

// SQLSTATE codes that report transient contention.
const (
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
)

// Classifier recognizes retryable contention reported by pgx. Errors without
// a SQLSTATE are never considered transient.
type Classifier struct{}

// Classify implements txretry.Classifier.
func (Classifier) Classify(err error) txretry.Kind {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	switch pgErr.SQLState() {
	case CodeDeadlockDetected:
		return txretry.Deadlock
	case CodeLockNotAvailable:
		return txretry.LockWaitTimeout
	case CodeSerializationFailure:
		return SerializationFailure
	}
	return ""
}
