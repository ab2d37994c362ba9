package cryptoutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewNonceHex returns n random bytes hex-encoded, used for dispute-export
// anti-replay nonces (spec default: 16 bytes -> 32 hex chars) and any other
// opaque random token the core needs.
func NewNonceHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("cryptoutil: read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
