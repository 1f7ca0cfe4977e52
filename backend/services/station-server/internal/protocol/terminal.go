package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// TerminalIDSize is the wire size of a power-bank serial.
const TerminalIDSize = 8

// TerminalID is the raw serial of a power bank.
type TerminalID [TerminalIDSize]byte

// String renders the vendor prefix as ASCII followed by the remaining bytes as upper-case hex
// ("DCHA54000016"). When the prefix is not printable the whole id is hex.
func (t TerminalID) String() string {
	prefix := t[:4]
	for _, b := range prefix {
		if b < 0x20 || b > 0x7E {
			return strings.ToUpper(hex.EncodeToString(t[:]))
		}
	}
	return string(prefix) + strings.ToUpper(hex.EncodeToString(t[4:]))
}

// IsZero reports an empty slot marker.
func (t TerminalID) IsZero() bool {
	return t == TerminalID{}
}

// MarshalText renders the id in its text form.
func (t TerminalID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses the text form.
func (t *TerminalID) UnmarshalText(b []byte) error {
	id, err := ParseTerminalID(string(b))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// ParseTerminalID is the inverse of TerminalID.String.
func ParseTerminalID(s string) (TerminalID, error) {
	var id TerminalID
	s = strings.TrimSpace(s)
	switch len(s) {
	case 2 * TerminalIDSize:
		if _, err := hex.Decode(id[:], []byte(s)); err != nil {
			return TerminalID{}, fmt.Errorf("protocol: terminal id %q: %w", s, err)
		}
	case 4 + 8:
		copy(id[:4], s[:4])
		if _, err := hex.Decode(id[4:], []byte(s[4:])); err != nil {
			return TerminalID{}, fmt.Errorf("protocol: terminal id %q: %w", s, err)
		}
	default:
		return TerminalID{}, fmt.Errorf("protocol: terminal id %q: unexpected length", s)
	}
	return id, nil
}
