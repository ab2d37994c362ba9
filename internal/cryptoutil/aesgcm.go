// Package cryptoutil collects the field-encryption, signing and hashing
// primitives shared by persistence and the dispute air gap. It mirrors the
// shape of the teacher's core/security.go (package-level Sign/Verify/
// Encrypt/Decrypt helpers, no global key state beyond what the caller
// passes in) but is scoped to exactly what the spec calls for: AES-256-GCM
// field encryption, Ed25519 signatures, and Argon2id password hashing.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard nonce
	tagSize   = 16
)

// Key is a 32-byte AES-256 key. It is never logged; callers should zero it
// with Zero once the process holding it is shutting down.
type Key [keySize]byte

// ErrShortKey is returned by NewKey when fewer than 32 bytes are supplied.
var ErrShortKey = errors.New("cryptoutil: key must be at least 32 bytes")

// NewKey derives a Key from raw secret material (e.g. the DB_ENCRYPTION_KEY
// environment variable). Only the first 32 bytes are used; callers wanting
// a KDF over arbitrary-length input should hash it themselves before
// calling NewKey — the spec requires only a length floor, not a KDF, for
// this key.
func NewKey(raw []byte) (Key, error) {
	var k Key
	if len(raw) < keySize {
		return k, ErrShortKey
	}
	copy(k[:], raw[:keySize])
	return k, nil
}

// Zero overwrites the key material in place. Call via defer once a Key is
// no longer needed.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// Seal encrypts plaintext under k with a fresh random nonce, returning
// nonce(12) || ciphertext || tag(16) as required by spec §6.
func Seal(k Key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new gcm: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptoutil: read nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal, verifying the tag before returning plaintext.
func Open(k Key, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+tagSize {
		return nil, errors.New("cryptoutil: sealed blob too short")
	}
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new gcm: %w", err)
	}
	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: open: %w", err)
	}
	return pt, nil
}

// SealString is a convenience wrapper for the common case of sealing a
// UTF-8 string field (endpoint URLs, RPC usernames/passwords).
func SealString(k Key, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return Seal(k, []byte(s))
}

// OpenString reverses SealString. A nil/empty blob yields an empty string,
// matching the "optional field" semantics of WalletRpcConfig.
func OpenString(k Key, sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	pt, err := Open(k, sealed)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
