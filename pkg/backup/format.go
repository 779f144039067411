package backup

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MagicNumber opens every backup file ("ZKVT_BKP").
var MagicNumber = [8]byte{'Z', 'K', 'V', 'T', '_', 'B', 'K', 'P'}

// FormatVersion is the newest layout this package reads and the one it writes.
const FormatVersion = 1

// maxHeaderSize caps the header length a reader trusts before allocating.
const maxHeaderSize = 1 << 20

// EncryptionMode records where the backup keys come from.
type EncryptionMode string

const (
	// EncryptionModePassword stretches a password with Argon2id.
	EncryptionModePassword EncryptionMode = "password"
	// EncryptionModeKey reads 32 raw bytes from a key file.
	EncryptionModeKey EncryptionMode = "key"
)

// KDFParams are the Argon2id inputs a reader needs to re-derive the keys
// of a password backup.
type KDFParams struct {
	Salt        []byte `json:"salt"`
	Memory      uint32 `json:"memory"` // KiB
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// Header is stored in the clear and covered by the trailing HMAC. It
// names files and key sources only, never vault contents.
type Header struct {
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	StoreFile      string         `json:"store_file"`
	EncryptionMode EncryptionMode `json:"encryption_mode"`
	KDFParams      *KDFParams     `json:"kdf_params,omitempty"`
	IncludesAudit  bool           `json:"includes_audit"`
	ChecksumAlgo   string         `json:"checksum_algorithm"`
}

// checkMode rejects headers whose key source cannot be honored.
func (h *Header) checkMode() error {
	switch h.EncryptionMode {
	case EncryptionModePassword:
		if h.KDFParams == nil || len(h.KDFParams.Salt) == 0 {
			return fmt.Errorf("%w: password backup without KDF parameters", ErrInvalidHeader)
		}
	case EncryptionModeKey:
		if h.KDFParams != nil {
			return fmt.Errorf("%w: key file backup with KDF parameters", ErrInvalidHeader)
		}
	default:
		return fmt.Errorf("%w: unknown encryption mode %q", ErrInvalidHeader, h.EncryptionMode)
	}
	return nil
}

// Payload is the plaintext sealed inside a backup.
type Payload struct {
	// Files is keyed by path relative to the vault directory.
	Files map[string][]byte `json:"files"`
}

// WriteHeader emits the magic number followed by the header as one
// length-prefixed section.
func WriteHeader(w io.Writer, header *Header) error {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	out := make([]byte, 0, len(MagicNumber)+4+len(headerJSON))
	out = append(out, MagicNumber[:]...)
	out = appendSection(out, headerJSON)
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// ReadHeader consumes the magic number and header section from r. Newer
// format versions and inconsistent key sources are refused.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("failed to read magic number: %w", err)
	}
	if magic != MagicNumber {
		return nil, ErrInvalidMagic
	}

	headerJSON, err := readSection(r, maxHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}
	if header.Version > FormatVersion {
		return nil, fmt.Errorf("%w: got %d, max supported %d",
			ErrUnsupportedVersion, header.Version, FormatVersion)
	}
	if err := header.checkMode(); err != nil {
		return nil, err
	}
	return &header, nil
}

// appendSection appends data behind its big-endian uint32 length.
func appendSection(dst, data []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(data)))
	return append(dst, data...)
}

// readSection reads one length-prefixed section of at most limit bytes.
func readSection(r io.Reader, limit uint32) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(n[:])
	if size > limit {
		return nil, fmt.Errorf("section too large: %d bytes", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// EncodePayload serializes payload for sealing.
func EncodePayload(payload *Payload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses an opened payload.
func DecodePayload(data []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &payload, nil
}
