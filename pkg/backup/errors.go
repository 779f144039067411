package backup

import "errors"

// Backup/Restore errors
var (
	// ErrInvalidMagic indicates the backup file has an invalid magic number.
	ErrInvalidMagic = errors.New("invalid backup file: magic number mismatch")

	// ErrUnsupportedVersion indicates the backup format version is not supported.
	ErrUnsupportedVersion = errors.New("unsupported backup format version")

	// ErrInvalidHeader indicates a header whose key source is missing or contradictory.
	ErrInvalidHeader = errors.New("invalid backup header")

	// ErrIntegrityFailed indicates the HMAC verification failed.
	ErrIntegrityFailed = errors.New("backup integrity check failed: HMAC mismatch")

	// ErrDecryptionFailed indicates decryption failed due to invalid password or corruption.
	ErrDecryptionFailed = errors.New("backup decryption failed: invalid password or corrupted data")

	// ErrStoreNotFound indicates the vault directory has no store file to back up.
	ErrStoreNotFound = errors.New("vault store not found")

	// ErrVaultExists indicates the restore target already holds a store.
	ErrVaultExists = errors.New("vault already exists")

	// ErrInvalidKeyFile indicates the key file is invalid or wrong size.
	ErrInvalidKeyFile = errors.New("invalid key file: must be exactly 32 bytes")

	// ErrEmptyPassword indicates an empty password was provided.
	ErrEmptyPassword = errors.New("password cannot be empty")
)
