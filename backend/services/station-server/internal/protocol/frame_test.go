package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

var testKey = []byte("s3cret-key")

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0xFF}
	raw, err := Encode(OpBorrow, 7, testKey, payload)
	require.NoError(t, err)
	require.Len(t, raw, HeaderSize+len(payload))
	require.Equal(t, []byte{0x00, 0x0B}, raw[:2])

	f, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, OpBorrow, f.Opcode)
	require.Equal(t, uint8(7), f.Seq)
	require.Equal(t, payload, f.Payload)
	require.Equal(t, uint8(0x05), f.Checksum)
	require.NoError(t, f.Authenticate(testKey))
}

func TestEncodeEmptyPayload(t *testing.T) {
	raw, err := Encode(OpHeartbeat, 1, testKey, nil)
	require.NoError(t, err)
	require.Len(t, raw, HeaderSize)

	f, err := Decode(raw)
	require.NoError(t, err)
	require.Empty(t, f.Payload)
	require.NoError(t, f.Authenticate(testKey))
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := Encode(OpLogin, 0, testKey, make([]byte, MaxFrameSize))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x07, 0x61})
	require.ErrorIs(t, err, ErrTooShort)

	raw, err := Encode(OpHeartbeat, 1, testKey, []byte{0xAA})
	require.NoError(t, err)
	_, err = Decode(raw[:len(raw)-1])
	require.ErrorIs(t, err, ErrLengthMismatch)

	raw = append(raw, 0x00)
	_, err = Decode(raw)
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestAuthenticateDetectsTampering(t *testing.T) {
	payload := []byte("inventory-payload")
	raw, err := Encode(OpQueryInventory, 3, testKey, payload)
	require.NoError(t, err)

	for i := HeaderSize; i < len(raw); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), raw...)
			tampered[i] ^= 1 << bit
			f, err := Decode(tampered)
			require.NoError(t, err)
			require.Error(t, f.Authenticate(testKey), "byte %d bit %d", i, bit)
		}
	}

	f, err := Decode(raw)
	require.NoError(t, err)
	require.ErrorIs(t, f.Authenticate([]byte("other-key")), ErrTokenInvalid)

	f.Checksum++
	require.ErrorIs(t, f.Authenticate(testKey), ErrChecksumInvalid)
}

func TestComputeTokenByteOrder(t *testing.T) {
	// MD5("abc") = 900150983cd24fb0d6963f7d28e17f72
	token := ComputeToken([]byte("ab"), []byte("c"))
	require.Equal(t, uint32(0x727db098), token)
}

func TestReadFrame(t *testing.T) {
	first, err := Encode(OpHeartbeat, 1, testKey, nil)
	require.NoError(t, err)
	second, err := Encode(OpReturn, 2, testKey, []byte{0x01, 0x02})
	require.NoError(t, err)

	r := bytes.NewReader(append(append([]byte(nil), first...), second...))
	got, err := ReadFrame(r, MaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, first, got)

	got, err = ReadFrame(r, MaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, second, got)

	_, err = ReadFrame(r, MaxFrameSize)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadFrameShortDeclaredLengthIsDrained(t *testing.T) {
	next, err := Encode(OpHeartbeat, 9, testKey, nil)
	require.NoError(t, err)
	stream := append([]byte{0x00, 0x03, 0xAA, 0xBB, 0xCC}, next...)
	r := bytes.NewReader(stream)

	_, err = ReadFrame(r, MaxFrameSize)
	require.ErrorIs(t, err, ErrTooShort)

	got, err := ReadFrame(r, MaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, next, got)
}

func TestReadFrameOversize(t *testing.T) {
	r := bytes.NewReader([]byte{0xFF, 0xFF, 0x00})
	_, err := ReadFrame(r, MaxFrameSize)
	require.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestReadFrameTruncatedBody(t *testing.T) {
	raw, err := Encode(OpHeartbeat, 1, testKey, []byte{1, 2, 3})
	require.NoError(t, err)
	_, err = ReadFrame(bytes.NewReader(raw[:len(raw)-2]), MaxFrameSize)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOpcodeString(t *testing.T) {
	require.Equal(t, "borrow", OpBorrow.String())
	require.Equal(t, "unknown(0x99)", Opcode(0x99).String())
	require.True(t, OpSlotAbnormal.Known())
	require.False(t, Opcode(0x62).Known())
}

func TestHexUppercase(t *testing.T) {
	require.Equal(t, "00AAFF", Hex([]byte{0x00, 0xAA, 0xFF}))
}
