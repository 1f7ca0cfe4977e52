// Package protocol implements the binary frame used by power-bank cabinets.
//
// Frame layout (big endian):
//
//	[0:2] length of everything after this field (7 + len(payload))
//	[2]   opcode
//	[3]   VSN (sequence number)
//	[4]   checksum, sum(payload) mod 256
//	[5:9] token, see ComputeToken
//	[9:]  payload
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// LengthFieldSize is the size of the length prefix.
	LengthFieldSize = 2
	// FixedHeaderSize counts opcode, VSN, checksum and token.
	FixedHeaderSize = 7
	// HeaderSize is the smallest valid frame.
	HeaderSize = LengthFieldSize + FixedHeaderSize
	// MaxFrameSize bounds a whole frame including the length prefix.
	MaxFrameSize = 1024
)

var (
	ErrTooShort         = errors.New("protocol: frame too short")
	ErrLengthMismatch   = errors.New("protocol: length field mismatch")
	ErrFrameTooLarge    = errors.New("protocol: frame too large")
	ErrMalformedPayload = errors.New("protocol: malformed payload")
	ErrChecksumInvalid  = errors.New("protocol: checksum invalid")
	ErrTokenInvalid     = errors.New("protocol: token invalid")
)

// Frame is a decoded wire frame. Payload aliases the decoded buffer.
type Frame struct {
	Opcode   Opcode
	Seq      uint8
	Checksum uint8
	Token    uint32
	Payload  []byte
}

// Encode builds a frame, computing checksum and token over payload with key.
func Encode(op Opcode, seq uint8, key []byte, payload []byte) ([]byte, error) {
	size := HeaderSize + len(payload)
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(FixedHeaderSize+len(payload)))
	buf[2] = byte(op)
	buf[3] = seq
	buf[4] = Checksum(payload)
	binary.BigEndian.PutUint32(buf[5:9], ComputeToken(payload, key))
	copy(buf[9:], payload)
	return buf, nil
}

// Decode parses a complete frame. It does not verify checksum or token.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}
	declared := int(binary.BigEndian.Uint16(b[0:2]))
	if LengthFieldSize+declared != len(b) {
		return Frame{}, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, declared, len(b)-LengthFieldSize)
	}
	return Frame{
		Opcode:   Opcode(b[2]),
		Seq:      b[3],
		Checksum: b[4],
		Token:    binary.BigEndian.Uint32(b[5:9]),
		Payload:  b[9:],
	}, nil
}

// ReadFrame reads one length-prefixed frame from r. A declared length below the fixed
// header is drained and reported as ErrTooShort; one above max cannot be skipped safely and
// is reported as ErrFrameTooLarge without reading the body.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = MaxFrameSize
	}
	var prefix [LengthFieldSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	declared := int(binary.BigEndian.Uint16(prefix[:]))
	if LengthFieldSize+declared > max {
		return nil, fmt.Errorf("%w: declared %d", ErrFrameTooLarge, declared)
	}

	buf := make([]byte, LengthFieldSize+declared)
	copy(buf, prefix[:])
	if _, err := io.ReadFull(r, buf[LengthFieldSize:]); err != nil {
		return nil, err
	}
	if declared < FixedHeaderSize {
		return nil, fmt.Errorf("%w: declared %d", ErrTooShort, declared)
	}
	return buf, nil
}

// Authenticate verifies checksum and token over the frame payload.
func (f Frame) Authenticate(key []byte) error {
	return Authenticate(f.Payload, f.Checksum, f.Token, key)
}

// TokenBytes returns the token in wire order.
func (f Frame) TokenBytes() [4]byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], f.Token)
	return out
}

// Hex renders bytes the way field diagnostics expect them.
func Hex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
