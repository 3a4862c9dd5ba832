package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a peer wire message type. KeepAlive has no id byte on the
// wire (it is a zero-length message); it is represented here as a Message
// with ID set to KeepAlive so callers can switch on it uniformly.
type ID uint8

const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel

	// KeepAlive never appears on the wire as an id byte; ReadMessage
	// synthesizes it for a zero-length frame.
	KeepAlive ID = 0xff
)

// Message is a tagged peer wire message: its id and raw payload. Helpers
// below decode the payload of the variants this client acts on.
type Message struct {
	ID      ID
	Payload []byte
}

// HaveIndex decodes a Have message's piece index.
func (m Message) HaveIndex() (int, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("peerwire: have payload length %d, want 4", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// RequestFields decodes a Request or Cancel message's index/begin/length.
func (m Message) RequestFields() (index, begin, length int, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("peerwire: request payload length %d, want 12", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload[0:4])),
		int(binary.BigEndian.Uint32(m.Payload[4:8])),
		int(binary.BigEndian.Uint32(m.Payload[8:12])),
		nil
}

// PieceFields decodes a Piece message's index, begin and block.
func (m Message) PieceFields() (index, begin int, block []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("peerwire: piece payload length %d, want at least 8", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	block = m.Payload[8:]
	return index, begin, block, nil
}

func (m Message) serialize() []byte {
	payLen := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+payLen)
	binary.BigEndian.PutUint32(buf, payLen)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads one frame from r: <uint32 length><payload>. A
// zero-length frame is returned as a KeepAlive message with no payload.
func ReadMessage(r io.Reader) (Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Message{}, fmt.Errorf("peerwire: reading length prefix: %w", err)
	}
	msgLen := binary.BigEndian.Uint32(lenBuf)
	if msgLen == 0 {
		return Message{ID: KeepAlive}, nil
	}
	body := make([]byte, msgLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("peerwire: reading %d byte payload: %w", msgLen, err)
	}
	return Message{ID: ID(body[0]), Payload: body[1:]}, nil
}

// WriteMessage serializes and writes m to w.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.serialize())
	return err
}

// NewUnchoke, NewInterested, NewHave, NewRequest and NewCancel build the
// outbound messages this client ever sends; it never serves so it never
// needs to build Choke/Bitfield/Piece/NotInterested frames.

func NewUnchoke() Message    { return Message{ID: Unchoke} }
func NewInterested() Message { return Message{ID: Interested} }

// NewHave builds a Have message announcing piece index.
func NewHave(index int) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return Message{ID: Have, Payload: payload}
}

// NewRequest builds a Request message for a block.
func NewRequest(index, begin, length int) Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return Message{ID: Request, Payload: payload}
}

// NewCancel builds a Cancel message for an outstanding request.
func NewCancel(index, begin, length int) Message {
	m := NewRequest(index, begin, length)
	m.ID = Cancel
	return m
}
