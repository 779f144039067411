package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
)

// EnvelopeV1 tags AES-256-GCM envelopes: "zk1:" + base64(nonce || ciphertext || tag).
// New algorithms get a new tag; old tags stay readable.
const EnvelopeV1 = "zk1"

// ErrUnsupportedCiphertext indicates an envelope without a known version tag.
var ErrUnsupportedCiphertext = errors.New("crypto: unsupported ciphertext format")

// EncryptString encrypts plaintext under key and returns a self-describing
// envelope string suitable for opaque storage.
func EncryptString(key, plaintext []byte) (string, error) {
	ciphertext, nonce, err := Encrypt(key, plaintext)
	if err != nil {
		return "", err
	}
	blob := make([]byte, 0, len(nonce)+len(ciphertext))
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return EnvelopeV1 + ":" + base64.RawStdEncoding.EncodeToString(blob), nil
}

// DecryptString opens an envelope produced by EncryptString.
//
// An unknown version tag yields ErrUnsupportedCiphertext. Any damage to the
// body, including bad base64, yields ErrDecryptionFailed so that tampering
// and wrong keys look alike to callers.
func DecryptString(key []byte, envelope string) ([]byte, error) {
	tag, body, ok := strings.Cut(envelope, ":")
	if !ok || tag != EnvelopeV1 {
		return nil, ErrUnsupportedCiphertext
	}
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	blob, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil || len(blob) < NonceLength {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := Decrypt(key, blob[NonceLength:], blob[:NonceLength])
	if errors.Is(err, ErrCiphertextTooShort) {
		return nil, ErrDecryptionFailed
	}
	return plaintext, err
}

// EnvelopeVersion returns the version tag of an envelope, if any.
func EnvelopeVersion(envelope string) (string, bool) {
	tag, _, ok := strings.Cut(envelope, ":")
	if !ok || tag == "" {
		return "", false
	}
	return tag, true
}
