// Package hybrid implements post-quantum hybrid public-key encryption used
// to wrap shared collection keys.
//
// Every ciphertext is protected by two independent key exchanges: Kyber1024
// (a post-quantum KEM) and an ephemeral-static X25519 exchange. The two
// shared secrets are combined with HKDF-SHA256, bound to the transcript,
// and the payload is sealed once with XChaCha20-Poly1305. Breaking either
// exchange alone does not reveal the payload.
//
// Ciphertext layout (version 1, fixed for interoperability):
//
//	version(1) || kyber ciphertext(1568) || ephemeral X25519 public(32) || nonce(24) || ciphertext+tag
package hybrid

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Version1 is the only ciphertext version currently produced.
const Version1 byte = 0x01

const (
	// ClassicalKeySize is the size of X25519 public and private keys.
	ClassicalKeySize = curve25519.PointSize

	// PQPublicKeySize is the size of a Kyber1024 public key.
	PQPublicKeySize = kyber1024.PublicKeySize

	// PQPrivateKeySize is the size of a Kyber1024 private key.
	PQPrivateKeySize = kyber1024.PrivateKeySize

	// PQCiphertextSize is the size of a Kyber1024 encapsulation.
	PQCiphertextSize = kyber1024.CiphertextSize

	headerSize = 1 + PQCiphertextSize + ClassicalKeySize
	minSize    = headerSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

	combinerInfo = "zkvault/hybrid/v1"
)

var (
	// ErrDecryptionFailed indicates a failed decapsulation or tag check.
	ErrDecryptionFailed = errors.New("hybrid: decryption failed")

	// ErrUnsupportedVersion indicates an unknown ciphertext version tag.
	ErrUnsupportedVersion = errors.New("hybrid: unsupported ciphertext version")

	// ErrInvalidKey indicates a key of the wrong size or an unusable point.
	ErrInvalidKey = errors.New("hybrid: invalid key")
)

// KeyPair holds a classical X25519 pair and a Kyber1024 pair. Public
// halves are shareable; private halves must be encrypted at rest.
type KeyPair struct {
	ClassicalPublic  []byte
	ClassicalPrivate []byte
	PQPublic         []byte
	PQPrivate        []byte
}

// Wipe zeroes the private halves.
func (kp *KeyPair) Wipe() {
	wipe(kp.ClassicalPrivate)
	wipe(kp.PQPrivate)
}

func scheme() kem.Scheme {
	return kyber1024.Scheme()
}

// GenerateKeyPair creates a fresh classical and post-quantum key pair.
func GenerateKeyPair() (*KeyPair, error) {
	classicalPriv := make([]byte, ClassicalKeySize)
	if _, err := io.ReadFull(rand.Reader, classicalPriv); err != nil {
		return nil, fmt.Errorf("hybrid: failed to generate X25519 key: %w", err)
	}
	classicalPub, err := curve25519.X25519(classicalPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("hybrid: failed to compute X25519 public key: %w", err)
	}

	pk, sk, err := scheme().GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("hybrid: failed to generate Kyber key pair: %w", err)
	}
	pqPub, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("hybrid: failed to marshal Kyber public key: %w", err)
	}
	pqPriv, err := sk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("hybrid: failed to marshal Kyber private key: %w", err)
	}

	return &KeyPair{
		ClassicalPublic:  classicalPub,
		ClassicalPrivate: classicalPriv,
		PQPublic:         pqPub,
		PQPrivate:        pqPriv,
	}, nil
}

// Encrypt seals plaintext for the holder of the given public keys.
func Encrypt(plaintext, classicalPublic, pqPublic []byte) ([]byte, error) {
	if len(classicalPublic) != ClassicalKeySize {
		return nil, fmt.Errorf("%w: classical public key must be %d bytes", ErrInvalidKey, ClassicalKeySize)
	}
	pk, err := scheme().UnmarshalBinaryPublicKey(pqPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	pqCT, pqSecret, err := scheme().Encapsulate(pk)
	if err != nil {
		return nil, fmt.Errorf("hybrid: Kyber encapsulation failed: %w", err)
	}
	defer wipe(pqSecret)

	ephPriv := make([]byte, ClassicalKeySize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return nil, fmt.Errorf("hybrid: failed to generate ephemeral key: %w", err)
	}
	defer wipe(ephPriv)
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("hybrid: failed to compute ephemeral public key: %w", err)
	}
	dhSecret, err := curve25519.X25519(ephPriv, classicalPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer wipe(dhSecret)

	header := make([]byte, 0, headerSize)
	header = append(header, Version1)
	header = append(header, pqCT...)
	header = append(header, ephPub...)

	key, err := combine(pqSecret, dhSecret, header, classicalPublic)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("hybrid: failed to create XChaCha20-Poly1305: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("hybrid: failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, header), nil
}

// Decrypt opens a ciphertext produced by Encrypt. A wrong classical key, a
// wrong post-quantum key and a tampered ciphertext all yield
// ErrDecryptionFailed.
func Decrypt(ciphertext, classicalPrivate, pqPrivate []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrDecryptionFailed
	}
	if ciphertext[0] != Version1 {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, ciphertext[0])
	}
	if len(ciphertext) < minSize {
		return nil, ErrDecryptionFailed
	}
	if len(classicalPrivate) != ClassicalKeySize {
		return nil, fmt.Errorf("%w: classical private key must be %d bytes", ErrInvalidKey, ClassicalKeySize)
	}
	sk, err := scheme().UnmarshalBinaryPrivateKey(pqPrivate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	header := ciphertext[:headerSize]
	pqCT := header[1 : 1+PQCiphertextSize]
	ephPub := header[1+PQCiphertextSize:]
	nonce := ciphertext[headerSize : headerSize+chacha20poly1305.NonceSizeX]
	sealed := ciphertext[headerSize+chacha20poly1305.NonceSizeX:]

	// Kyber uses implicit rejection: a wrong key still "succeeds" here and
	// the mismatch surfaces at the tag check.
	pqSecret, err := scheme().Decapsulate(sk, pqCT)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer wipe(pqSecret)

	dhSecret, err := curve25519.X25519(classicalPrivate, ephPub)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer wipe(dhSecret)

	classicalPublic, err := curve25519.X25519(classicalPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	key, err := combine(pqSecret, dhSecret, header, classicalPublic)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("hybrid: failed to create XChaCha20-Poly1305: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// combine derives the payload key from both shared secrets. The header
// (which carries both encapsulations) and the recipient's classical public
// key are mixed in so a ciphertext cannot be re-targeted.
func combine(pqSecret, dhSecret, header, classicalPublic []byte) ([]byte, error) {
	ikm := make([]byte, 0, len(pqSecret)+len(dhSecret))
	ikm = append(ikm, pqSecret...)
	ikm = append(ikm, dhSecret...)
	defer wipe(ikm)

	transcript := sha256.Sum256(header)
	info := make([]byte, 0, len(combinerInfo)+len(classicalPublic))
	info = append(info, combinerInfo...)
	info = append(info, classicalPublic...)

	r := hkdf.New(sha256.New, ikm, transcript[:], info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hybrid: failed to derive key: %w", err)
	}
	return key, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
