// Copyright (C) 2025 The txretry Authors.
// See LICENSE for copying information.

package txretry

import "strings"

// Kind names a recognized category of transient lock-contention failure.
type Kind string

const (
	// Deadlock means the engine chose the transaction as a deadlock victim.
	Deadlock Kind = "deadlock"
	// LockWaitTimeout means the engine gave up waiting for a lock.
	LockWaitTimeout Kind = "lock_wait_timeout"
)

// Classifier decides whether an error is a transient lock-contention failure
// worth restarting the transaction for. It returns the failure's kind, or ""
// when the error is not recognized and must surface to the caller.
type Classifier interface {
	Classify(err error) Kind
}

// MessageTable classifies errors by scanning their text for known
// substrings. It works with any driver that preserves the server's message,
// at the cost of depending on the message wording.
type MessageTable map[Kind][]string

// Classify implements Classifier.
func (table MessageTable) Classify(err error) Kind {
	if err == nil {
		return ""
	}
	message := err.Error()
	for kind, patterns := range table {
		for _, pattern := range patterns {
			if strings.Contains(message, pattern) {
				return kind
			}
		}
	}
	return ""
}

// DefaultMessages matches the textual forms MySQL uses to report lock
// contention.
var DefaultMessages = MessageTable{
	Deadlock:        {"Deadlock found when trying to get lock"},
	LockWaitTimeout: {"Lock wait timeout exceeded"},
}
