// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sniproxy/internal/config"
	"grimm.is/sniproxy/internal/sni"
)

// buildClientHello assembles a minimal TLS ClientHello record carrying
// servername as its SNI host_name extension, mirroring the netdial
// package's own test fixture for the same wire shape.
func buildClientHello(servername string) []byte {
	be16 := func(v uint16) []byte {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, v)
		return b
	}

	sniHost := []byte(servername)
	sniEntry := append([]byte{0x00}, be16(uint16(len(sniHost)))...)
	sniEntry = append(sniEntry, sniHost...)
	sniList := append(be16(uint16(len(sniEntry))), sniEntry...)
	sniExt := append([]byte{0x00, 0x00}, be16(uint16(len(sniList)))...)
	sniExt = append(sniExt, sniList...)
	extBlock := append(be16(uint16(len(sniExt))), sniExt...)

	body := []byte{0x03, 0x03}
	body = append(body, make([]byte, 32)...)
	body = append(body, 0x00)
	body = append(body, be16(2)...)
	body = append(body, 0x00, 0x2f)
	body = append(body, 0x01, 0x00)
	body = append(body, extBlock...)

	handshake := []byte{0x01, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	handshake = append(handshake, body...)

	record := []byte{0x16, 0x03, 0x03}
	record = append(record, be16(uint16(len(handshake)))...)
	return append(record, handshake...)
}

func newBlindRuleStore(t *testing.T, fqdn, route string) *sni.Store {
	t.Helper()
	p := config.NewPipeline(nil, nil)
	doc := []byte("sni:\n  - fqdn: " + fqdn + "\n    tunnel_route: \"" + route + "\"\n")
	result, err := p.Load(doc)
	require.NoError(t, err)

	store := sni.NewStore(nil)
	_, err = store.Reconfigure(result.Rules)
	require.NoError(t, err)
	return store
}

func TestServer_ServeBlind_ForwardsRawBytesToDestination(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		received <- append([]byte{}, buf[:n]...)
	}()

	destAddr := echo.Addr().(*net.TCPAddr)
	store := newBlindRuleStore(t, "blind.example", net.JoinHostPort("127.0.0.1", strconv.Itoa(destAddr.Port)))

	srv, err := New(DefaultConfig(), store, nil, nil, nil, nil)
	require.NoError(t, err)

	// A loopback TCP connection gives handleConn a real local port inside
	// the rule's default 1-65535 range; net.Pipe reports no port at all.
	front, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer front.Close()
	client, err := net.Dial("tcp", front.Addr().String())
	require.NoError(t, err)
	raw, err := front.Accept()
	require.NoError(t, err)

	hello := buildClientHello("blind.example")
	go func() {
		client.Write(hello)
		client.Close()
	}()

	done := make(chan struct{})
	go func() {
		srv.handleConn(context.Background(), raw)
		close(done)
	}()

	select {
	case got := <-received:
		assert.True(t, bytes.Contains(got, []byte("blind.example")))
	case <-time.After(3 * time.Second):
		t.Fatal("destination never received forwarded ClientHello bytes")
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handleConn never returned")
	}
}

func TestBuildClientHello_ParsesViaBufioPeek(t *testing.T) {
	hello := buildClientHello("peek.example")
	br := bufio.NewReader(bytes.NewReader(hello))
	header, err := br.Peek(5)
	require.NoError(t, err)
	require.Equal(t, byte(0x16), header[0])
}
