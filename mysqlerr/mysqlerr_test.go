// Copyright (C) 2025 The txretry Authors.
// See LICENSE for copying information.

package mysqlerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/txkit/txretry"
	"github.com/txkit/txretry/mysqlerr"
)

func TestClassifyByNumber(t *testing.T) {
	classifier := mysqlerr.Default()

	for _, tt := range []struct {
		number  uint16
		message string
		want    txretry.Kind
	}{
		{number: 1213, message: "Deadlock found when trying to get lock; try restarting transaction", want: txretry.Deadlock},
		{number: 1205, message: "Lock wait timeout exceeded; try restarting transaction", want: txretry.LockWaitTimeout},
		{number: 3572, message: "Statement aborted because lock(s) could not be acquired immediately and NOWAIT is set.", want: txretry.LockWaitTimeout},
		{number: 1062, message: "Duplicate entry '1' for key 'PRIMARY'", want: ""},
		{number: 1146, message: "Table 'test.missing' doesn't exist", want: ""},
	} {
		err := &mysql.MySQLError{Number: tt.number, Message: tt.message}
		require.Equal(t, tt.want, classifier.Classify(err), "number %d", tt.number)
	}
}

func TestClassifyWrapped(t *testing.T) {
	classifier := mysqlerr.Default()

	inner := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock; try restarting transaction"}
	err := fmt.Errorf("update counters: %w", inner)
	require.Equal(t, txretry.Deadlock, classifier.Classify(err))
}

func TestClassifyMessageFallback(t *testing.T) {
	classifier := mysqlerr.Default()

	require.Equal(t, txretry.Deadlock,
		classifier.Classify(errors.New("Deadlock found when trying to get lock; try restarting transaction")))
	require.Equal(t, txretry.LockWaitTimeout,
		classifier.Classify(errors.New("Lock wait timeout exceeded; try restarting transaction")))
	require.Equal(t, txretry.Kind(""),
		classifier.Classify(errors.New("bad connection")))
	require.Equal(t, txretry.Kind(""), classifier.Classify(nil))
}

func TestClassifyNumberBeatsMessage(t *testing.T) {
	classifier := mysqlerr.Default()

	// A structured error decides by number even when the message would
	// match a pattern.
	err := &mysql.MySQLError{Number: 1062, Message: "Deadlock found when trying to get lock"}
	require.Equal(t, txretry.Kind(""), classifier.Classify(err))
}

func TestZeroValueClassifier(t *testing.T) {
	var classifier mysqlerr.Classifier

	err := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
	require.Equal(t, txretry.Deadlock, classifier.Classify(err))
	require.Equal(t, txretry.Kind(""),
		classifier.Classify(errors.New("Deadlock found when trying to get lock")))
}
