// Package message implements the peer wire message framing of spec.md §4.4:
// a big-endian 4-byte length prefix followed by a 1-byte message id and its
// payload, plus the fixed 68-byte handshake frame.
//
// Grounded on the teacher's message/message.go and peer/peer.go Handshake
// type. ReadMessage and ReadHandshake read from any io.Reader; callers
// enforce spec.md §5's idle-read timeout (120s) by setting a read deadline
// on the connection before calling them.
package message

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/gorent/gorent/internal/xerrors"
)

// ID identifies a peer wire message per spec.md §4.4's table.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

// ProtocolName is the literal handshake protocol string.
const ProtocolName = "BitTorrent protocol"

// Message is a parsed, non-keep-alive peer wire message.
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize renders m as a length-prefixed frame. A nil *Message serializes
// to the zero-length keep-alive frame.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// New builds a Message with no payload, for the choke/unchoke/interested/
// not-interested family.
func New(id ID) *Message { return &Message{ID: id} }

// NewHave builds a `have` message payload (spec.md §4.4 id 4).
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// NewBitfield builds a `bitfield` message payload (spec.md §4.4 id 5).
func NewBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: bits}
}

// NewRequest builds a `request` message payload (spec.md §4.4 id 6).
func NewRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// ReadMessage reads one length-prefixed frame from r. It returns
// (nil, nil) for a keep-alive (zero-length) frame.
func ReadMessage(r io.Reader) (*Message, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, errors.Wrap(err, "message: read length prefix")
	}
	length := binary.BigEndian.Uint32(lengthBuf)
	if length == 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "message: read payload")
	}
	return &Message{ID: ID(buf[0]), Payload: buf[1:]}, nil
}

// ParsePiece extracts index/begin/data from a `piece` message. It validates
// only the message's own shape (id, minimum length); the begin offset is a
// peer-supplied value and must still be checked against whatever destination
// a caller writes it into.
func ParsePiece(msg *Message) (index, begin int, data []byte, err error) {
	if msg.ID != Piece {
		return 0, 0, nil, errors.Wrapf(xerrors.ErrPeerProtocolViolation, "expected piece message, got id %d", msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, 0, nil, errors.Wrapf(xerrors.ErrPeerProtocolViolation, "piece payload too short: %d bytes", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	data = msg.Payload[8:]
	return index, begin, data, nil
}

// ParseHave extracts the piece index from a `have` message.
func ParseHave(msg *Message) (int, error) {
	if msg.ID != Have {
		return 0, errors.Wrapf(xerrors.ErrPeerProtocolViolation, "expected have message, got id %d", msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, errors.Wrapf(xerrors.ErrPeerProtocolViolation, "have payload length %d, expected 4", len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// ParseRequest extracts index/begin/length from a `request` or `cancel`
// message.
func ParseRequest(msg *Message) (index, begin, length int, err error) {
	if len(msg.Payload) != 12 {
		return 0, 0, 0, errors.Wrapf(xerrors.ErrPeerProtocolViolation, "request payload length %d, expected 12", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

// Handshake is the fixed 68-byte handshake frame of spec.md §4.4.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize renders the handshake frame: 1 byte length, protocol name, 8
// reserved zero bytes, infohash, peer id.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 49+len(ProtocolName))
	cursor := 0
	buf[cursor] = byte(len(ProtocolName))
	cursor++
	cursor += copy(buf[cursor:], ProtocolName)
	cursor += 8 // reserved, left zero: extension bits advertised as zero (spec.md §1)
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates a 68-byte handshake frame from r. A
// frame whose declared pstrlen would make the frame shorter than 68 bytes,
// or whose protocol name does not match, is a protocol violation.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "handshake: read pstrlen")
	}
	pstrlen := int(lenBuf[0])

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, errors.Wrap(err, "handshake: read remainder")
	}
	if string(rest[:pstrlen]) != ProtocolName {
		return nil, errors.Wrapf(xerrors.ErrPeerProtocolViolation, "unexpected protocol name %q", rest[:pstrlen])
	}

	h := &Handshake{}
	cursor := pstrlen + 8 // skip protocol name and reserved bytes
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])
	return h, nil
}
