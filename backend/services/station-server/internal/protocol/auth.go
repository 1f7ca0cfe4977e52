package protocol

import (
	"crypto/md5"
	"encoding/binary"
)

// Checksum is the unsigned byte sum of payload modulo 256.
func Checksum(payload []byte) uint8 {
	var sum uint8
	for _, b := range payload {
		sum += b
	}
	return sum
}

// ComputeToken derives the 4-byte token from MD5(payload || key). The token bytes are digest
// bytes 15, 11, 7 and 3 in that order, read as a big-endian uint32.
func ComputeToken(payload, key []byte) uint32 {
	h := md5.New()
	h.Write(payload)
	h.Write(key)
	var sum [md5.Size]byte
	h.Sum(sum[:0])
	return binary.BigEndian.Uint32([]byte{sum[15], sum[11], sum[7], sum[3]})
}

// Verify recomputes the token for payload and compares it with token.
func Verify(payload, key []byte, token uint32) bool {
	return ComputeToken(payload, key) == token
}

// Authenticate checks checksum and token over input. Input is usually the frame payload;
// commands whose checksum spans an assembled buffer pass that buffer instead.
func Authenticate(input []byte, checksum uint8, token uint32, key []byte) error {
	if Checksum(input) != checksum {
		return ErrChecksumInvalid
	}
	if !Verify(input, key, token) {
		return ErrTokenInvalid
	}
	return nil
}
