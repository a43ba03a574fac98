// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netdial

import (
	"bufio"
	"encoding/binary"
	"fmt"
)

const (
	recordHeaderLen    = 5
	handshakeHeaderLen = 4
	extensionServerName = 0x0000
	extensionALPN       = 0x0010
)

// ClientHelloInfo is what blind routing needs to make a routing decision
// before any TLS library has been invoked on the inbound side — this is
// the one place in the repo that hand-parses TLS bytes, because by
// definition a blind route never terminates inbound TLS and the rule
// match must happen before a ServerHello can be produced.
type ClientHelloInfo struct {
	ServerName string
	ALPN       []string
}

// PeekClientHello reads (without consuming) the leading TLS record from
// br and extracts the ClientHello's SNI and ALPN extensions. The caller
// can then replay the exact same bytes to the origin untouched — br's
// buffering makes this a true peek, satisfying "forward the raw TLS
// stream to the origin without decrypting" from the GLOSSARY.
func PeekClientHello(br *bufio.Reader, maxRecordLen int) (*ClientHelloInfo, error) {
	header, err := br.Peek(recordHeaderLen)
	if err != nil {
		return nil, fmt.Errorf("netdial: peeking TLS record header: %w", err)
	}
	if header[0] != 0x16 {
		return nil, fmt.Errorf("netdial: not a TLS handshake record (content type %#x)", header[0])
	}
	recordLen := int(binary.BigEndian.Uint16(header[3:5]))
	if recordLen <= 0 || recordLen > maxRecordLen {
		return nil, fmt.Errorf("netdial: implausible TLS record length %d", recordLen)
	}

	total := recordHeaderLen + recordLen
	buf, err := br.Peek(total)
	if err != nil {
		return nil, fmt.Errorf("netdial: peeking full ClientHello record: %w", err)
	}

	return parseClientHello(buf[recordHeaderLen:])
}

func parseClientHello(payload []byte) (*ClientHelloInfo, error) {
	if len(payload) < handshakeHeaderLen {
		return nil, fmt.Errorf("netdial: handshake message truncated")
	}
	if payload[0] != 0x01 {
		return nil, fmt.Errorf("netdial: not a ClientHello (handshake type %#x)", payload[0])
	}
	msgLen := int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	body := payload[handshakeHeaderLen:]
	if len(body) < msgLen {
		return nil, fmt.Errorf("netdial: ClientHello body shorter than declared length")
	}
	body = body[:msgLen]

	r := &byteReader{buf: body}
	if _, err := r.take(2); err != nil { // client_version
		return nil, err
	}
	if _, err := r.take(32); err != nil { // random
		return nil, err
	}
	sessionIDLen, err := r.takeByte()
	if err != nil {
		return nil, err
	}
	if _, err := r.take(int(sessionIDLen)); err != nil {
		return nil, err
	}
	cipherSuitesLen, err := r.takeUint16()
	if err != nil {
		return nil, err
	}
	if _, err := r.take(int(cipherSuitesLen)); err != nil {
		return nil, err
	}
	compressionLen, err := r.takeByte()
	if err != nil {
		return nil, err
	}
	if _, err := r.take(int(compressionLen)); err != nil {
		return nil, err
	}

	if r.remaining() == 0 {
		// No extensions block; legacy ClientHello with no SNI.
		return &ClientHelloInfo{}, nil
	}

	extTotalLen, err := r.takeUint16()
	if err != nil {
		return nil, err
	}
	extBytes, err := r.take(int(extTotalLen))
	if err != nil {
		return nil, err
	}

	info := &ClientHelloInfo{}
	er := &byteReader{buf: extBytes}
	for er.remaining() > 0 {
		extType, err := er.takeUint16()
		if err != nil {
			break
		}
		extLen, err := er.takeUint16()
		if err != nil {
			break
		}
		extData, err := er.take(int(extLen))
		if err != nil {
			break
		}
		switch extType {
		case extensionServerName:
			info.ServerName = parseServerNameExtension(extData)
		case extensionALPN:
			info.ALPN = parseALPNExtension(extData)
		}
	}

	return info, nil
}

func parseServerNameExtension(data []byte) string {
	r := &byteReader{buf: data}
	listLen, err := r.takeUint16()
	if err != nil {
		return ""
	}
	list, err := r.take(int(listLen))
	if err != nil {
		return ""
	}
	lr := &byteReader{buf: list}
	for lr.remaining() > 0 {
		nameType, err := lr.takeByte()
		if err != nil {
			return ""
		}
		nameLen, err := lr.takeUint16()
		if err != nil {
			return ""
		}
		name, err := lr.take(int(nameLen))
		if err != nil {
			return ""
		}
		if nameType == 0 { // host_name
			return string(name)
		}
	}
	return ""
}

func parseALPNExtension(data []byte) []string {
	r := &byteReader{buf: data}
	listLen, err := r.takeUint16()
	if err != nil {
		return nil
	}
	list, err := r.take(int(listLen))
	if err != nil {
		return nil
	}
	var protos []string
	lr := &byteReader{buf: list}
	for lr.remaining() > 0 {
		n, err := lr.takeByte()
		if err != nil {
			break
		}
		proto, err := lr.take(int(n))
		if err != nil {
			break
		}
		protos = append(protos, string(proto))
	}
	return protos
}

// byteReader is a minimal bounds-checked cursor over a byte slice, used
// only by this file's handshake parser.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("netdial: ClientHello field out of bounds")
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *byteReader) takeByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) takeUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}
