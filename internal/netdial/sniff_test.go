// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netdial

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildClientHello assembles a minimal-but-valid TLS 1.2 ClientHello
// record carrying a single SNI host_name extension, for testing the
// hand-rolled peek parser against a known-good wire shape.
func buildClientHello(t *testing.T, servername string) []byte {
	t.Helper()

	sniHost := []byte(servername)
	sniEntry := append([]byte{0x00}, uint16be(uint16(len(sniHost)))...)
	sniEntry = append(sniEntry, sniHost...)
	sniList := append(uint16be(uint16(len(sniEntry))), sniEntry...)
	sniExtData := sniList
	sniExt := append([]byte{0x00, 0x00}, uint16be(uint16(len(sniExtData)))...)
	sniExt = append(sniExt, sniExtData...)

	extensions := sniExt
	extBlock := append(uint16be(uint16(len(extensions))), extensions...)

	body := []byte{}
	body = append(body, 0x03, 0x03) // client_version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00) // session_id_length
	body = append(body, uint16be(2)...) // cipher_suites_length
	body = append(body, 0x00, 0x2f)
	body = append(body, 0x01) // compression_methods_length
	body = append(body, 0x00)
	body = append(body, extBlock...)

	handshake := []byte{0x01}
	handshake = append(handshake, uint24be(uint32(len(body)))...)
	handshake = append(handshake, body...)

	record := []byte{0x16, 0x03, 0x03}
	record = append(record, uint16be(uint16(len(handshake)))...)
	record = append(record, handshake...)

	return record
}

func uint16be(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func uint24be(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func TestPeekClientHello_ExtractsSNI(t *testing.T) {
	record := buildClientHello(t, "example.com")
	br := bufio.NewReader(bytes.NewReader(record))

	info, err := PeekClientHello(br, 1<<16)
	require.NoError(t, err)
	assert.Equal(t, "example.com", info.ServerName)

	// Peek must not consume: the same bytes are still readable.
	replayed := make([]byte, len(record))
	n, err := br.Read(replayed)
	require.NoError(t, err)
	assert.Equal(t, record, replayed[:n])
}

func TestPeekClientHello_RejectsNonHandshakeRecord(t *testing.T) {
	br := bufio.NewReader(bytes.NewReader([]byte{0x17, 0x03, 0x03, 0x00, 0x01, 0xAA}))
	_, err := PeekClientHello(br, 1<<16)
	assert.Error(t, err)
}

func TestPeekClientHello_RejectsImplausibleLength(t *testing.T) {
	br := bufio.NewReader(bytes.NewReader([]byte{0x16, 0x03, 0x03, 0xFF, 0xFF}))
	_, err := PeekClientHello(br, 100)
	assert.Error(t, err)
}
