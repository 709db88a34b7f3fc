// Copyright (C) 2025 The txretry Authors.
// See LICENSE for copying information.

package txretry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/txkit/txretry"
)

func TestRetryDelaySchedule(t *testing.T) {
	for _, tt := range []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: -1, want: 0},
		{attempt: 0, want: 0},
		{attempt: 1, want: 0},
		{attempt: 2, want: 100 * time.Millisecond},
		{attempt: 3, want: 200 * time.Millisecond},
		{attempt: 4, want: 400 * time.Millisecond},
		{attempt: 5, want: 800 * time.Millisecond},
		{attempt: 6, want: 1600 * time.Millisecond},
		{attempt: 7, want: 3200 * time.Millisecond},
		{attempt: 8, want: 5 * time.Second},
		{attempt: 1000, want: 5 * time.Second},
	} {
		require.Equal(t, tt.want, txretry.RetryDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	for attempt := 2; attempt < 7; attempt++ {
		require.Equal(t, 2*txretry.RetryDelay(attempt), txretry.RetryDelay(attempt+1),
			"attempt %d", attempt)
	}
}
