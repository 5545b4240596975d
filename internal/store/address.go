package store

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fleetwatch/core/internal/verify"
)

// EncodeAddress renders an operator address the way it is stored in the
// operator_address text columns: lowercase hex with a 0x prefix.
func EncodeAddress(addr verify.Address) string {
	return "0x" + hex.EncodeToString(addr[:])
}

// decodeAddress parses the text form written by EncodeAddress.
func decodeAddress(s string) (verify.Address, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return verify.Address{}, fmt.Errorf("decode address %q: %w", s, err)
	}
	if len(b) != 20 {
		return verify.Address{}, fmt.Errorf("decode address %q: want 20 bytes, got %d", s, len(b))
	}
	var out verify.Address
	copy(out[:], b)
	return out, nil
}
