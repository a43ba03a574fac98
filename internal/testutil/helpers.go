// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"testing"
)

// RequireNetwork skips the test if the SNIPROXY_NETWORK_TEST environment
// variable is not set. This ensures that tests requiring real outbound
// DNS resolution or TCP connectivity only run in an environment where
// that's available.
func RequireNetwork(t *testing.T) {
	t.Helper()
	if os.Getenv("SNIPROXY_NETWORK_TEST") == "" {
		t.Skip("Skipping test: requires SNIPROXY_NETWORK_TEST environment")
	}
}
