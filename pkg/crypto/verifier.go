package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF info strings. Each purpose gets its own subkey so no two uses of the
// master key ever share key material.
const (
	InfoVerifier = "zkvault/verifier/v1"
	InfoAudit    = "zkvault/audit/v1"
)

// DeriveSubkey derives a KeyLength subkey from secret using HKDF-SHA256.
func DeriveSubkey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKeyLength
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: failed to derive subkey: %w", err)
	}
	return key, nil
}

// CreateVerifier returns a one-way artifact proving knowledge of key
// without revealing it.
func CreateVerifier(key []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	return DeriveSubkey(key, InfoVerifier)
}

// VerifyKey reports whether key matches verifier. The comparison runs in
// constant time with respect to the verifier contents, so a success and a
// failure cost the same.
func VerifyKey(verifier, key []byte) bool {
	if len(key) != KeyLength {
		return false
	}
	candidate, err := DeriveSubkey(key, InfoVerifier)
	if err != nil {
		return false
	}
	defer SecureWipe(candidate)
	return subtle.ConstantTimeCompare(candidate, verifier) == 1
}
