package backup

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/forest6511/zkvault/pkg/crypto"
)

const (
	// HMACLength is the length of the HMAC-SHA256 in bytes.
	HMACLength = 32

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = crypto.KeyLength
)

// HKDF info strings for the backup subkeys.
const (
	infoEncryption = "zkvault/backup/encryption/v1"
	infoMAC        = "zkvault/backup/mac/v1"
)

// backupKDF is the parameter set new password backups are derived with.
var backupKDF = crypto.KDFParams{
	Time:    crypto.Argon2Time,
	Memory:  crypto.Argon2Memory,
	Threads: crypto.Argon2Threads,
}

// deriveBackupKeys derives encryption and MAC keys from a password using
// the parameters recorded in the header.
func deriveBackupKeys(ctx context.Context, password []byte, p *KDFParams) (encKey, macKey []byte, err error) {
	if len(password) == 0 {
		return nil, nil, ErrEmptyPassword
	}
	root, err := crypto.DeriveWithParams(ctx, password, p.Salt, crypto.KDFParams{
		Time:    p.Iterations,
		Memory:  p.Memory,
		Threads: p.Parallelism,
	})
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(root)
	return splitKeys(root)
}

// splitKeys derives the encryption and MAC subkeys from a root key.
func splitKeys(root []byte) (encKey, macKey []byte, err error) {
	encKey, err = crypto.DeriveSubkey(root, infoEncryption)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	macKey, err = crypto.DeriveSubkey(root, infoMAC)
	if err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, fmt.Errorf("failed to derive MAC key: %w", err)
	}
	return encKey, macKey, nil
}

// EncryptPayload encrypts the payload using AES-256-GCM.
// Returns nonce prepended to ciphertext.
func EncryptPayload(plaintext, key []byte) ([]byte, error) {
	ciphertext, nonce, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	return append(nonce, ciphertext...), nil
}

// DecryptPayload decrypts the payload using AES-256-GCM.
// Expects nonce prepended to ciphertext.
func DecryptPayload(data, key []byte) ([]byte, error) {
	if len(data) < crypto.NonceLength {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := crypto.Decrypt(key, data[crypto.NonceLength:], data[:crypto.NonceLength])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ComputeHMAC computes HMAC-SHA256 over the given data.
func ComputeHMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyHMAC verifies the HMAC-SHA256 of the given data.
func VerifyHMAC(data, expectedMAC, key []byte) bool {
	return hmac.Equal(ComputeHMAC(data, key), expectedMAC)
}

// ReadKeyFile reads a 32-byte encryption key from a file.
func ReadKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(key) != KeyLength {
		crypto.SecureWipe(key)
		return nil, ErrInvalidKeyFile
	}
	return key, nil
}

// GenerateKeyFile generates a random 32-byte key and writes it to a new
// file. An existing file is never overwritten.
func GenerateKeyFile(path string) error {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	defer crypto.SecureWipe(key)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}
