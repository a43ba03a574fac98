// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package netdial supplies the NetVConnection-equivalent collaborator
// spec.md treats abstractly (§1, §5): DNS resolution, TCP dialing, PROXY
// protocol port extraction, and the raw ClientHello SNI peek blind
// routing needs before any TLS library is invoked on the inbound side.
package netdial

import (
	"bufio"
	"net"
)

// Conn is a pooled or donated connection plus the donation accessors §4.5
// and §6 require: any bytes already read from the origin before donation
// must be surfaced, never silently dropped.
type Conn struct {
	net.Conn
	reader          *bufio.Reader
	hasOriginData   bool
}

// Wrap adapts a plain net.Conn into a Conn, buffering reads through r so
// that bytes peeked before donation (e.g. a TLS ServerHello already
// in flight) are preserved.
func Wrap(c net.Conn) *Conn {
	return &Conn{Conn: c, reader: bufio.NewReader(c)}
}

// Read satisfies io.Reader through the buffered reader, so previously
// peeked bytes are replayed before new reads hit the network.
func (c *Conn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// BufferedReader returns the buffered reader wrapping this connection,
// the "server_buffer_reader(vc)" accessor from §6.
func (c *Conn) BufferedReader() *bufio.Reader {
	return c.reader
}

// HasDataFromOrigin reports whether bytes have already been buffered from
// the origin (the "has_data_from_origin(vc)" accessor from §6).
func (c *Conn) HasDataFromOrigin() bool {
	return c.hasOriginData || c.reader.Buffered() > 0
}

// MarkHasOriginData flags that the origin has already sent bytes, even if
// the buffer has since been drained by a caller that peeked but chose not
// to consume.
func (c *Conn) MarkHasOriginData() {
	c.hasOriginData = true
}
