// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides an injectable time source so that pre-warm state
// machine timeouts and milestones can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

var (
	mu  sync.RWMutex
	now func() time.Time
)

func init() {
	now = time.Now
}

// Now returns the current time according to the active clock source.
func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return now()
}

// Since is a convenience wrapper around Now().Sub(t).
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// SetForTest overrides the clock source for the duration of a test and
// returns a restore function. Typical use:
//
//	defer clock.SetForTest(func() time.Time { return fixed })()
func SetForTest(fn func() time.Time) func() {
	mu.Lock()
	prev := now
	now = fn
	mu.Unlock()
	return func() {
		mu.Lock()
		now = prev
		mu.Unlock()
	}
}

// Frozen returns a clock function that always reports t, for use with
// SetForTest in tests that need a fixed instant.
func Frozen(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
