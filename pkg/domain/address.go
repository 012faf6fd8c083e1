package domain

import (
	"strings"
)

// Address is a 0x-prefixed, 40-hex-digit wallet address. Comparison is
// case-insensitive; addresses are normalized to lower case on parse.
type Address string

const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

func ParseAddress(s string) (Address, error) {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return "", ErrInvalidAddress
	}
	for _, c := range s[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return "", ErrInvalidAddress
		}
	}
	return Address(strings.ToLower(s)), nil
}

func (a Address) IsZero() bool {
	return a == "" || Address(strings.ToLower(string(a))) == ZeroAddress
}

func (a Address) String() string {
	return string(a)
}

// Short returns a truncated form safe for logs.
func (a Address) Short() string {
	s := string(a)
	if len(s) < 12 {
		return s
	}
	return s[:8] + "…" + s[len(s)-4:]
}
