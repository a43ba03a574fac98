// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netdial

import (
	"net"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
)

// WrapPROXYProtocol wraps ln so that every accepted connection first reads
// (and strips) a PROXY protocol v1/v2 header, if present, before the TLS
// handshake ever sees the stream.
func WrapPROXYProtocol(ln net.Listener, readTimeout time.Duration) net.Listener {
	return &proxyproto.Listener{
		Listener:          ln,
		ReadHeaderTimeout: readTimeout,
	}
}

// ProxyProtocolPort extracts the source port the PROXY protocol header
// reported for conn, if conn was accepted through a WrapPROXYProtocol
// listener and a header was actually present. This is the
// "{proxy_protocol_port}" substitution input from §4.3.
func ProxyProtocolPort(conn net.Conn) (uint16, bool) {
	pc, ok := conn.(*proxyproto.Conn)
	if !ok {
		return 0, false
	}
	raddr := pc.RemoteAddr()
	if raddr == nil {
		return 0, false
	}
	if tcpAddr, ok := raddr.(*net.TCPAddr); ok {
		return uint16(tcpAddr.Port), true
	}
	return 0, false
}
