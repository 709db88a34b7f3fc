// Copyright (C) 2025 The txretry Authors.
// See LICENSE for copying information.

package txretry

import "time"

// waitTimes holds the pause taken before each restart. The first restart is
// immediate so a transient conflict costs nothing extra.
var waitTimes = [...]time.Duration{
	0,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
	3200 * time.Millisecond,
}

// maxWait caps the pause once the schedule runs out.
const maxWait = 5 * time.Second

// RetryDelay returns the pause taken before the given restart attempt,
// counted from one. Attempts past the end of the schedule pause for the cap.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	if attempt <= len(waitTimes) {
		return waitTimes[attempt-1]
	}
	return maxWait
}
