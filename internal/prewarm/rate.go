// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prewarm

// calculateRate computes a per-second rate from a monotonically
// increasing counter sample, treating current < previous as a counter
// reset (the delta since the reset is just the current value) rather
// than producing a nonsensical negative rate.
func calculateRate(current, previous uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}
	if current < previous {
		return float64(current) / elapsedSeconds
	}
	return float64(current-previous) / elapsedSeconds
}
