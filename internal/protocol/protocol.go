// Package protocol implements the wire codec for the remote-desktop
// session: the fixed 16-byte message header, the length-preserving
// obfuscation transform, and the per-message-type payload layouts.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed size of every message header, in bytes.
const HeaderSize = 16

// ProtocolMagic identifies a DeskRelay frame at the start of every header.
const ProtocolMagic uint16 = 0x4452 // "DR"

// MessageType enumerates the recognized wire message types.
type MessageType uint16

const (
	MsgHandshakeRequest MessageType = iota + 1
	MsgHandshakeResponse
	MsgAuthChallenge
	MsgAuthenticationRequest
	MsgAuthenticationResponse
	MsgHeartbeat
	MsgScreenData
	MsgMouseEvent
	MsgKeyboardEvent
)

func (t MessageType) String() string {
	switch t {
	case MsgHandshakeRequest:
		return "HANDSHAKE_REQUEST"
	case MsgHandshakeResponse:
		return "HANDSHAKE_RESPONSE"
	case MsgAuthChallenge:
		return "AUTH_CHALLENGE"
	case MsgAuthenticationRequest:
		return "AUTHENTICATION_REQUEST"
	case MsgAuthenticationResponse:
		return "AUTHENTICATION_RESPONSE"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgScreenData:
		return "SCREEN_DATA"
	case MsgMouseEvent:
		return "MOUSE_EVENT"
	case MsgKeyboardEvent:
		return "KEYBOARD_EVENT"
	default:
		return "UNKNOWN"
	}
}

// ErrIncomplete signals the buffer does not yet hold a full header or a
// full payload; the caller should wait for more bytes rather than treat
// this as a parse failure.
var ErrIncomplete = errors.New("protocol: incomplete message")

// ErrBadMagic signals a header whose magic does not match ProtocolMagic;
// the caller should resync by dropping one byte and retrying.
var ErrBadMagic = errors.New("protocol: bad magic")

// Header is the fixed 16-byte frame preceding every message payload. The
// sequence field is populated (monotonic per direction, starting at 1) but
// is reserved for future use and not validated on receipt.
type Header struct {
	Magic    uint16
	Type     MessageType
	Length   uint32 // payload size after obfuscation
	Sequence uint32
	Flags    uint16
	Reserved uint16
}

// Encode serializes h as 16 little-endian bytes.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	binary.LittleEndian.PutUint32(buf[8:12], h.Sequence)
	binary.LittleEndian.PutUint16(buf[12:14], h.Flags)
	binary.LittleEndian.PutUint16(buf[14:16], h.Reserved)
	return buf
}

// DecodeHeader parses a 16-byte buffer into a Header. Returns ErrBadMagic
// if the magic constant does not match.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrIncomplete
	}
	h := Header{
		Magic:    binary.LittleEndian.Uint16(buf[0:2]),
		Type:     MessageType(binary.LittleEndian.Uint16(buf[2:4])),
		Length:   binary.LittleEndian.Uint32(buf[4:8]),
		Sequence: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:    binary.LittleEndian.Uint16(buf[12:14]),
		Reserved: binary.LittleEndian.Uint16(buf[14:16]),
	}
	if h.Magic != ProtocolMagic {
		return h, ErrBadMagic
	}
	return h, nil
}

// Obfuscator applies the session's length-preserving payload transform: a
// keystream XOR seeded from session key material negotiated at auth time,
// falling back to a fixed per-instance keystream before auth (both are
// built with NewObfuscator). XOR is its own inverse, so Transform both
// obfuscates and deobfuscates.
type Obfuscator struct {
	key []byte
}

// NewObfuscator builds an Obfuscator from key material. An empty key
// disables the transform (Transform becomes a copy).
func NewObfuscator(key []byte) *Obfuscator {
	cp := make([]byte, len(key))
	copy(cp, key)
	return &Obfuscator{key: cp}
}

// Transform returns a new slice with data XORed against the repeating key
// stream. The output length always equals the input length.
func (o *Obfuscator) Transform(data []byte) []byte {
	out := make([]byte, len(data))
	if len(o.key) == 0 {
		copy(out, data)
		return out
	}
	for i, b := range data {
		out[i] = b ^ o.key[i%len(o.key)]
	}
	return out
}

// ParseMessage attempts to extract one complete message from the front of
// buf. On success it returns the header, the deobfuscated payload, and the
// number of bytes consumed (HeaderSize + header.Length). If buf does not
// yet hold a complete header or payload, it returns ErrIncomplete and the
// caller should wait for more bytes. A non-ErrIncomplete error (bad magic)
// means the caller should drop one byte and retry parsing (resync).
func ParseMessage(buf []byte, obf *Obfuscator) (Header, []byte, int, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, 0, ErrIncomplete
	}
	h, err := DecodeHeader(buf[:HeaderSize])
	if err != nil {
		return h, nil, 0, err
	}
	total := HeaderSize + int(h.Length)
	if len(buf) < total {
		return h, nil, 0, ErrIncomplete
	}
	payload := obf.Transform(buf[HeaderSize:total])
	return h, payload, total, nil
}

// EncodeMessage frames msgType/payload behind a header with the given
// sequence number, obfuscating the payload.
func EncodeMessage(msgType MessageType, sequence uint32, payload []byte, obf *Obfuscator) []byte {
	obfPayload := obf.Transform(payload)
	h := Header{
		Magic:    ProtocolMagic,
		Type:     msgType,
		Length:   uint32(len(obfPayload)),
		Sequence: sequence,
	}
	out := make([]byte, 0, HeaderSize+len(obfPayload))
	out = append(out, h.Encode()...)
	out = append(out, obfPayload...)
	return out
}

// writeFixed encodes v (a fixed-size struct of only numeric/array fields)
// in little-endian order.
func writeFixed(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readFixed decodes data into v (a pointer to a fixed-size struct).
func readFixed(data []byte, v any) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, v)
}

// fixedString returns a fixed-width, NUL-padded byte array copy of s
// truncated to size-1 bytes, leaving room for the terminator.
func fixedString(s string, size int) []byte {
	out := make([]byte, size)
	n := len(s)
	if n > size-1 {
		n = size - 1
	}
	copy(out, s[:n])
	return out
}

// stringFromFixed reads a NUL-terminated (or full-width) string out of a
// fixed-width byte array.
func stringFromFixed(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
