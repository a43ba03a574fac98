// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package clock

import (
	"testing"
	"time"
)

func TestSetForTest(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	restore := SetForTest(Frozen(fixed))
	defer restore()

	if got := Now(); !got.Equal(fixed) {
		t.Errorf("expected frozen time %v, got %v", fixed, got)
	}
}

func TestSetForTestRestores(t *testing.T) {
	before := Now()
	restore := SetForTest(Frozen(time.Unix(0, 0)))
	restore()
	after := Now()

	if after.Before(before) {
		t.Errorf("restored clock went backwards: before=%v after=%v", before, after)
	}
}

func TestSince(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	defer SetForTest(Frozen(fixed))()

	earlier := fixed.Add(-5 * time.Second)
	if d := Since(earlier); d != 5*time.Second {
		t.Errorf("expected 5s, got %v", d)
	}
}
