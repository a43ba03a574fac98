// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netdial

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sniproxy/internal/testutil"
)

func TestResolver_LookupHost_SystemResolver(t *testing.T) {
	testutil.RequireNetwork(t)

	r := NewResolver(nil, 2*time.Second)
	ips, err := r.LookupHost(context.Background(), "localhost")
	require.NoError(t, err)
	assert.NotEmpty(t, ips)
}

func TestResolver_ExchangeAny_NoServersConfigured(t *testing.T) {
	r := NewResolver(nil, time.Second)
	_, err := r.LookupSRV("sip", "tcp", "example.com")
	assert.Error(t, err)
}
