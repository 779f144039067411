package crypto

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
)

// KDF versions. A profile records the version its verifier was created
// with; the number alone selects the Argon2id parameters.
const (
	// KDFVersion1 is the legacy parameter set kept so old profiles still unlock.
	KDFVersion1 = 1

	// KDFVersion2 is the current parameter set for new profiles.
	KDFVersion2 = 2
)

// Argon2id parameters for KDFVersion2 (OWASP recommendation).
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4
)

// Argon2id parameters for KDFVersion1 (OWASP minimum).
const (
	LegacyArgon2Memory  = 19 * 1024
	LegacyArgon2Time    = 2
	LegacyArgon2Threads = 1
)

const (
	// SaltLength is the length of generated salts in bytes (128 bits).
	SaltLength = 16

	// MinSaltLength is the shortest salt DeriveKey accepts.
	MinSaltLength = 16
)

var (
	// ErrUnsupportedKDFVersion indicates no parameters are registered for the version.
	ErrUnsupportedKDFVersion = errors.New("crypto: unsupported KDF version")

	// ErrInvalidSalt indicates a missing or malformed salt.
	ErrInvalidSalt = errors.New("crypto: invalid salt")

	// ErrInvalidKDFParams indicates an unusable parameter table.
	ErrInvalidKDFParams = errors.New("crypto: invalid KDF parameters")
)

// KDFParams are the Argon2id cost parameters for one KDF version.
type KDFParams struct {
	Time    uint32 // iterations
	Memory  uint32 // KiB
	Threads uint8
}

// KDF derives keys from passwords using a table of versioned Argon2id
// parameters. The highest registered version is the current one.
type KDF struct {
	versions map[int]KDFParams
	current  int
}

// DefaultKDF returns the production parameter table (v1 legacy, v2 current).
func DefaultKDF() *KDF {
	k, _ := NewKDF(map[int]KDFParams{
		KDFVersion1: {Time: LegacyArgon2Time, Memory: LegacyArgon2Memory, Threads: LegacyArgon2Threads},
		KDFVersion2: {Time: Argon2Time, Memory: Argon2Memory, Threads: Argon2Threads},
	})
	return k
}

// NewKDF builds a KDF from an explicit parameter table. Versions must be
// positive and every entry must have non-zero costs.
func NewKDF(versions map[int]KDFParams) (*KDF, error) {
	if len(versions) == 0 {
		return nil, ErrInvalidKDFParams
	}
	k := &KDF{versions: make(map[int]KDFParams, len(versions))}
	for v, p := range versions {
		if v < 1 || p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
			return nil, fmt.Errorf("%w: version %d", ErrInvalidKDFParams, v)
		}
		k.versions[v] = p
		if v > k.current {
			k.current = v
		}
	}
	return k, nil
}

// Current returns the version new keys should be derived with.
func (k *KDF) Current() int {
	return k.current
}

// Versions returns the registered versions in ascending order.
func (k *KDF) Versions() []int {
	out := make([]int, 0, len(k.versions))
	for v := range k.versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Params returns the parameters registered for version.
func (k *KDF) Params(version int) (KDFParams, error) {
	p, ok := k.versions[version]
	if !ok {
		return KDFParams{}, fmt.Errorf("%w: %d", ErrUnsupportedKDFVersion, version)
	}
	return p, nil
}

// DeriveRawKeyBytes derives a 256-bit key from password and salt using the
// parameters of version. The caller owns the returned slice and must wipe
// it after use.
//
// Deriving with the wrong parameters yields a wrong key rather than an
// error, so unknown versions and malformed salts fail hard here instead of
// falling back to a default.
func (k *KDF) DeriveRawKeyBytes(ctx context.Context, password, salt []byte, version int) ([]byte, error) {
	p, err := k.Params(version)
	if err != nil {
		return nil, err
	}
	return DeriveWithParams(ctx, password, salt, p)
}

// DeriveKey is DeriveRawKeyBytes with the result moved into a guarded,
// mlocked buffer. The caller must Destroy it.
func (k *KDF) DeriveKey(ctx context.Context, password, salt []byte, version int) (*memguard.LockedBuffer, error) {
	raw, err := k.DeriveRawKeyBytes(ctx, password, salt, version)
	if err != nil {
		return nil, err
	}
	// NewBufferFromBytes wipes raw.
	return memguard.NewBufferFromBytes(raw), nil
}

// DeriveWithParams runs Argon2id with explicit parameters.
//
// Argon2id cannot be interrupted, so the derivation runs on its own
// goroutine and ctx only releases the caller; an abandoned result is wiped
// when it arrives.
func DeriveWithParams(ctx context.Context, password, salt []byte, p KDFParams) ([]byte, error) {
	if len(salt) < MinSaltLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidSalt, MinSaltLength, len(salt))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Private copies: the caller may wipe its buffers once we return.
	pw := append([]byte(nil), password...)
	s := append([]byte(nil), salt...)

	done := make(chan []byte, 1)
	go func() {
		key := argon2.IDKey(pw, s, p.Time, p.Memory, p.Threads, KeyLength)
		SecureWipe(pw)
		done <- key
	}()

	select {
	case key := <-done:
		return key, nil
	case <-ctx.Done():
		go func() { SecureWipe(<-done) }()
		return nil, ctx.Err()
	}
}

// GenerateSalt returns SaltLength cryptographically random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}
