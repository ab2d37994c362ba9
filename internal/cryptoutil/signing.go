package cryptoutil

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// PubKeySize and SigSize match the wire contract in spec.md §4.5/§6: a
// 64-hex-char (32-byte) arbiter public key and a 128-hex-char (64-byte)
// decision signature.
const (
	PubKeySize = ed25519.PublicKeySize // 32
	SigSize    = ed25519.SignatureSize // 64
)

// ParsePublicKeyHex validates and decodes the ARBITER_PUBKEY environment
// value: exactly 64 hex characters, lower- or upper-case.
func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	if len(s) != PubKeySize*2 {
		return nil, fmt.Errorf("cryptoutil: arbiter public key must be %d hex chars, got %d", PubKeySize*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: arbiter public key is not valid hex: %w", err)
	}
	return ed25519.PublicKey(raw), nil
}

// ParseSignatureHex validates and decodes a 128-hex-char Ed25519 signature.
func ParseSignatureHex(s string) ([]byte, error) {
	if len(s) != SigSize*2 {
		return nil, fmt.Errorf("cryptoutil: signature must be %d hex chars, got %d", SigSize*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: signature is not valid hex: %w", err)
	}
	return raw, nil
}

// GenerateArbiterKeypair is a test/bootstrap helper producing a fresh
// Ed25519 keypair for the air-gapped signing device.
func GenerateArbiterKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// Sign produces an Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg under
// pub. Any byte change to msg or sig flips the result — this is the
// tamper-evidence invariant (spec §8 invariant 8).
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != PubKeySize || len(sig) != SigSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// ErrBadKeyLength is returned when a caller hands cryptoutil a public key
// of the wrong size outside the hex-parsing path (e.g. loaded from a
// config struct rather than the raw env string).
var ErrBadKeyLength = errors.New("cryptoutil: public key has wrong length")
