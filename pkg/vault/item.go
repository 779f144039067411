package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forest6511/zkvault/pkg/crypto"
)

// ContentClass tags decrypted item data as belonging to the real vault or
// to the decoy set shown in a duress session.
type ContentClass string

const (
	ContentReal  ContentClass = "real"
	ContentDecoy ContentClass = "decoy"
)

// Item types
const (
	ItemLogin    = "login"
	ItemNote     = "note"
	ItemCard     = "card"
	ItemIdentity = "identity"
)

// Input validation limits
const (
	MaxTitleLength = 256
	MaxNotesSize   = 10 * 1024
	MaxURLLength   = 2048
)

// VaultItemData is the decrypted shape of an item. It exists only in
// memory.
type VaultItemData struct {
	Title        string       `json:"title"`
	Username     string       `json:"username,omitempty"`
	Password     string       `json:"password,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	TOTPSecret   string       `json:"totp_secret,omitempty"`
	URL          string       `json:"url,omitempty"`
	Type         string       `json:"type"`
	Favorite     bool         `json:"favorite,omitempty"`
	CategoryID   string       `json:"category_id,omitempty"`
	ContentClass ContentClass `json:"content_class"`
}

// Wipe clears the secret-bearing strings. Go strings are immutable, so this
// only drops references for the collector.
func (d *VaultItemData) Wipe() {
	d.Password = ""
	d.TOTPSecret = ""
	d.Notes = ""
}

// VaultItem is the stored form of an item: an opaque envelope plus
// non-secret metadata.
type VaultItem struct {
	ID            string
	UserID        string
	Type          string
	Favorite      bool
	EncryptedData string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Category is a stored category with an encrypted name.
type Category struct {
	ID            string
	UserID        string
	EncryptedName string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func validateItemData(op string, d *VaultItemData) error {
	if d == nil {
		return invalidInput(op, "item data is required")
	}
	if d.Title == "" {
		return invalidInput(op, "title is required")
	}
	if len(d.Title) > MaxTitleLength {
		return invalidInput(op, "title exceeds %d bytes", MaxTitleLength)
	}
	if len(d.Notes) > MaxNotesSize {
		return invalidInput(op, "notes exceed %d bytes", MaxNotesSize)
	}
	if len(d.URL) > MaxURLLength {
		return invalidInput(op, "url exceeds %d bytes", MaxURLLength)
	}
	switch d.Type {
	case "", ItemLogin, ItemNote, ItemCard, ItemIdentity:
	default:
		return invalidInput(op, "unknown item type %q", d.Type)
	}
	return nil
}

// EncryptData encrypts an opaque plaintext into a versioned envelope.
func EncryptData(key, plaintext []byte) (string, error) {
	s, err := crypto.EncryptString(key, plaintext)
	if err != nil {
		return "", cipherError("encrypt", err)
	}
	return s, nil
}

// DecryptData opens an envelope produced by EncryptData. A wrong key or a
// tampered envelope yields KindAuthentication.
func DecryptData(key []byte, envelope string) ([]byte, error) {
	plaintext, err := crypto.DecryptString(key, envelope)
	if err != nil {
		return nil, cipherError("decrypt", err)
	}
	return plaintext, nil
}

// EncryptItem serializes data to JSON and encrypts it.
func EncryptItem(key []byte, data *VaultItemData) (string, error) {
	if data == nil {
		return "", invalidInput("encrypt item", "item data is required")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", newError("encrypt item", KindInvalidInput, err)
	}
	defer crypto.SecureWipe(payload)

	s, err := crypto.EncryptString(key, payload)
	if err != nil {
		return "", cipherError("encrypt item", err)
	}
	return s, nil
}

// DecryptItem decrypts and deserializes an item. A payload that decrypts
// but does not parse yields KindCorruption.
func DecryptItem(key []byte, envelope string) (*VaultItemData, error) {
	payload, err := crypto.DecryptString(key, envelope)
	if err != nil {
		return nil, cipherError("decrypt item", err)
	}
	defer crypto.SecureWipe(payload)

	var data VaultItemData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, newError("decrypt item", KindCorruption, fmt.Errorf("item payload: %w", err))
	}
	if data.ContentClass == "" {
		data.ContentClass = ContentReal
	}
	return &data, nil
}

// cipherError maps primitive failures onto the vault taxonomy.
func cipherError(op string, err error) error {
	switch {
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return authError(op)
	case errors.Is(err, crypto.ErrInvalidKeyLength):
		return newError(op, KindConfiguration, err)
	case errors.Is(err, crypto.ErrUnsupportedCiphertext):
		return newError(op, KindCorruption, err)
	default:
		return newError(op, KindUnknown, err)
	}
}
