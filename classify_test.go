// Copyright (C) 2025 The txretry Authors.
// See LICENSE for copying information.

package txretry_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/txkit/txretry"
)

func TestMessageTableClassify(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
		want txretry.Kind
	}{
		{
			name: "nil",
			err:  nil,
			want: "",
		},
		{
			name: "deadlock",
			err:  errors.New("Error 1213: Deadlock found when trying to get lock; try restarting transaction"),
			want: txretry.Deadlock,
		},
		{
			name: "lock wait timeout",
			err:  errors.New("Error 1205: Lock wait timeout exceeded; try restarting transaction"),
			want: txretry.LockWaitTimeout,
		},
		{
			name: "wrapped deadlock",
			err:  fmt.Errorf("update counters: %w", errors.New("Deadlock found when trying to get lock")),
			want: txretry.Deadlock,
		},
		{
			name: "unrelated",
			err:  errors.New("Duplicate entry '7' for key 'PRIMARY'"),
			want: "",
		},
		{
			name: "near miss",
			err:  errors.New("deadlock found when trying to get lock"),
			want: "",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, txretry.DefaultMessages.Classify(tt.err))
		})
	}
}

func TestMessageTableCustomPatterns(t *testing.T) {
	table := txretry.MessageTable{
		txretry.Deadlock: {"deadlock detected", "was deadlocked on lock"},
	}
	require.Equal(t, txretry.Deadlock, table.Classify(errors.New("ERROR: deadlock detected")))
	require.Equal(t, txretry.Deadlock, table.Classify(errors.New("Transaction (Process ID 52) was deadlocked on lock resources")))
	require.Equal(t, txretry.Kind(""), table.Classify(errors.New("connection refused")))
}
