// Package peerwire implements the BitTorrent peer wire protocol framing
// used between this client and a single peer: the handshake and the
// length-prefixed message codec.
package peerwire

import (
	"bytes"
	"fmt"
	"io"
)

// Protocol is the protocol name exchanged during the handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the fixed size of a handshake frame: 1 + 19 + 8 + 20 + 20.
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Handshake is the 68-byte greeting exchanged at the start of a peer
// connection.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Bytes encodes h as the 68-byte wire frame.
func (h Handshake) Bytes() []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	// 8 reserved bytes stay zero: this client advertises no extensions.
	copy(buf[1+len(Protocol)+8:], h.InfoHash[:])
	copy(buf[1+len(Protocol)+8+20:], h.PeerID[:])
	return buf
}

// ParseHandshake decodes a 68-byte handshake frame.
func ParseHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeSize {
		return Handshake{}, fmt.Errorf("peerwire: handshake has length %d, want %d", len(buf), HandshakeSize)
	}
	if buf[0] != byte(len(Protocol)) {
		return Handshake{}, fmt.Errorf("peerwire: unexpected protocol name length %d", buf[0])
	}
	if !bytes.Equal(buf[1:1+len(Protocol)], []byte(Protocol)) {
		return Handshake{}, fmt.Errorf("peerwire: unexpected protocol name %q", buf[1:1+len(Protocol)])
	}
	var h Handshake
	copy(h.InfoHash[:], buf[1+len(Protocol)+8:1+len(Protocol)+8+20])
	copy(h.PeerID[:], buf[1+len(Protocol)+8+20:])
	return h, nil
}

// ReadHandshake reads exactly HandshakeSize bytes from r and parses them.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("peerwire: short handshake read: %w", err)
	}
	return ParseHandshake(buf)
}
