// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_WildcardCapture(t *testing.T) {
	dest, err := Resolve("backend-$1:9000", []string{"alpha"}, 443, 0)
	require.NoError(t, err)
	assert.Equal(t, "backend-alpha", dest.Host)
	assert.Equal(t, "9000", dest.Port)
	assert.False(t, dest.PortIsDynamic)
}

func TestResolve_InboundLocalPort(t *testing.T) {
	dest, err := Resolve("backend.example:{inbound_local_port}", nil, 8443, 0)
	require.NoError(t, err)
	assert.Equal(t, "backend.example", dest.Host)
	assert.Equal(t, "8443", dest.Port)
	assert.True(t, dest.PortIsDynamic)
}

func TestResolve_ProxyProtocolPort(t *testing.T) {
	dest, err := Resolve("backend.example:{proxy_protocol_port}", nil, 443, 9999)
	require.NoError(t, err)
	assert.Equal(t, "9999", dest.Port)
	assert.True(t, dest.PortIsDynamic)
}

func TestResolve_MutuallyExclusiveTokensErrors(t *testing.T) {
	_, err := Resolve("backend.example:{inbound_local_port}{proxy_protocol_port}", nil, 443, 9999)
	assert.Error(t, err)
}

func TestResolve_CapturePortSideIsDynamic(t *testing.T) {
	dest, err := Resolve("backend.example:$1", []string{"9001"}, 443, 0)
	require.NoError(t, err)
	assert.Equal(t, "9001", dest.Port)
	assert.True(t, dest.PortIsDynamic)
}

func TestResolve_CaptureHostSideIsStatic(t *testing.T) {
	dest, err := Resolve("$1.internal:443", []string{"alpha"}, 443, 0)
	require.NoError(t, err)
	assert.Equal(t, "alpha.internal", dest.Host)
	assert.False(t, dest.PortIsDynamic)
}

func TestResolve_NonDigitAfterDollarDisablesSubstitution(t *testing.T) {
	dest, err := Resolve("backend$x.example:443", nil, 443, 0)
	require.NoError(t, err)
	assert.Equal(t, "backend$x.example", dest.Host)
}

func TestResolve_NoPortErrors(t *testing.T) {
	_, err := Resolve("backend.example", nil, 443, 0)
	assert.Error(t, err)
}

func TestResolve_IsPureFunction(t *testing.T) {
	d1, err1 := Resolve("$1:{inbound_local_port}", []string{"host"}, 8443, 1234)
	d2, err2 := Resolve("$1:{inbound_local_port}", []string{"host"}, 8443, 1234)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, d1, d2)
}
