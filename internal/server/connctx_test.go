// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package server

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/sniproxy/internal/config"
)

func TestConnContext_ALPNProtocols_H2First(t *testing.T) {
	c := newConnContext("example.com", net.ParseIP("10.0.0.1"), 443, 0, false)
	c.EnableALPN("http/1.1")
	c.EnableALPN("h2")

	protos := c.alpnProtocols()
	assert.Equal(t, "h2", protos[0])
	assert.Contains(t, protos, "http/1.1")
}

func TestConnContext_ALPNProtocols_DefaultsToHTTP11(t *testing.T) {
	c := newConnContext("example.com", nil, 443, 0, false)
	assert.Equal(t, []string{"http/1.1"}, c.alpnProtocols())
}

func TestConnContext_DisableALPN(t *testing.T) {
	c := newConnContext("example.com", nil, 443, 0, false)
	c.EnableALPN("h2")
	c.DisableALPN("h2")
	assert.Equal(t, []string{"http/1.1"}, c.alpnProtocols())
}

func TestConnContext_SetTunnelAndAccessors(t *testing.T) {
	c := newConnContext("example.com", net.ParseIP("192.0.2.1"), 8443, 12345, true)
	assert.Equal(t, uint16(8443), c.LocalPort())
	port, ok := c.ProxyProtocolPort()
	assert.True(t, ok)
	assert.Equal(t, uint16(12345), port)
	assert.Equal(t, "example.com", c.ServerName())
	assert.Equal(t, "192.0.2.1", c.PeerIP().String())
}

func TestTLSVersionToStd(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS12), tlsVersionToStd(config.TLSv1_2, 0))
	assert.Equal(t, uint16(tls.VersionTLS13), tlsVersionToStd(config.TLSv1_3, 0))
	assert.Equal(t, uint16(99), tlsVersionToStd(config.TLSVersionUnset, 99))
}
