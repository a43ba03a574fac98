// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package server binds the rule store's matched actions onto real
// network connections: TLS listener setup, per-connection ClientHello
// dispatch, and Blind/Forward/PartialBlind routing (§1, §4.2, §5).
package server

import (
	"net"
	"sync"

	"grimm.is/sniproxy/internal/config"
	"grimm.is/sniproxy/internal/tunnel"
)

// connContext is the concrete sni.ConnContext binding for one inbound
// connection: it accumulates the effects the matched rule's actions want
// applied, for handleConn to act on once the action pipeline finishes.
type connContext struct {
	mu sync.Mutex

	peerIP            net.IP
	localPort         uint16
	proxyProtocolPort uint16
	hasProxyProtoPort bool
	servername        string

	alpn map[string]bool

	http2Hints map[string]int

	verifyClientMode config.VerifyClientMode
	verifyClientCA   string
	verifyClientDir  string

	tlsMin, tlsMax config.TLSVersion

	outboundSNIPolicy string
	maxEarlyData      uint32

	tunnelDest    *tunnel.Destination
	tunnelRouting config.RoutingType
	tunnelPrewarm config.PrewarmSpec
}

func newConnContext(servername string, peerIP net.IP, localPort uint16, proxyProtocolPort uint16, hasPP bool) *connContext {
	return &connContext{
		servername:        servername,
		peerIP:            peerIP,
		localPort:         localPort,
		proxyProtocolPort: proxyProtocolPort,
		hasProxyProtoPort: hasPP,
		alpn:              map[string]bool{},
		http2Hints:         map[string]int{},
	}
}

func (c *connContext) DisableALPN(proto string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.alpn, proto)
}

func (c *connContext) EnableALPN(proto string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alpn[proto] = true
}

func (c *connContext) SetHTTP2Hint(name string, value int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.http2Hints[name] = value
}

func (c *connContext) SetVerifyClient(mode config.VerifyClientMode, caFile, caDir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifyClientMode = mode
	c.verifyClientCA = caFile
	c.verifyClientDir = caDir
}

func (c *connContext) SetTLSVersionRange(min, max config.TLSVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tlsMin, c.tlsMax = min, max
}

func (c *connContext) SetOutboundSNIPolicy(policy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outboundSNIPolicy = policy
}

func (c *connContext) SetServerMaxEarlyData(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxEarlyData = n
}

func (c *connContext) SetTunnel(dest *tunnel.Destination, routing config.RoutingType, prewarm config.PrewarmSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tunnelDest = dest
	c.tunnelRouting = routing
	c.tunnelPrewarm = prewarm
}

func (c *connContext) PeerIP() net.IP { return c.peerIP }

func (c *connContext) LocalPort() uint16 { return c.localPort }

func (c *connContext) ProxyProtocolPort() (uint16, bool) {
	return c.proxyProtocolPort, c.hasProxyProtoPort
}

func (c *connContext) ServerName() string { return c.servername }

// alpnProtocols returns the enabled ALPN identifiers, h2 first, for the
// inbound TLS handshake's NextProtos. The order of the identifiers after
// h2 is not defined.
func (c *connContext) alpnProtocols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	if c.alpn["h2"] {
		out = append(out, "h2")
	}
	for proto := range c.alpn {
		if proto != "h2" {
			out = append(out, proto)
		}
	}
	if len(out) == 0 {
		out = append(out, "http/1.1")
	}
	return out
}

func tlsVersionToStd(v config.TLSVersion, fallback uint16) uint16 {
	switch v {
	case config.TLSv1:
		return 0x0301
	case config.TLSv1_1:
		return 0x0302
	case config.TLSv1_2:
		return 0x0303
	case config.TLSv1_3:
		return 0x0304
	default:
		return fallback
	}
}
