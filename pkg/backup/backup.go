// Package backup writes and restores encrypted copies of a vault
// directory.
//
// The store already holds only ciphertext; a backup adds a second layer
// keyed by a password or key file, so a copied backup file reveals
// neither the vault layout nor its size per item.
//
// Format: magic, length-prefixed JSON header, length-prefixed AES-256-GCM
// payload, and an HMAC-SHA256 over everything before it.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/forest6511/zkvault/internal/platform"
	"github.com/forest6511/zkvault/pkg/crypto"
)

// walSuffix names the SQLite write-ahead log beside the store file.
const walSuffix = "-wal"

// Options configures the backup operation.
type Options struct {
	// Output is the destination writer for the backup.
	Output io.Writer
	// StoreFile is the store's file name inside the vault directory.
	StoreFile string
	// AuditDir is the audit log directory name, included when set.
	AuditDir string
	// Password for encryption.
	Password []byte
	// KeyFile path for encryption key (overrides Password).
	KeyFile string
}

// RestoreOptions configures the restore operation.
type RestoreOptions struct {
	// VaultDir is the target vault directory.
	VaultDir string
	// Overwrite replaces an existing store.
	Overwrite bool
	// WithAudit restores audit logs when the backup has them.
	WithAudit bool
	// Password for decryption.
	Password []byte
	// KeyFile path for decryption key (overrides Password).
	KeyFile string
}

// RestoreResult contains the result of a restore operation.
type RestoreResult struct {
	// StoreFile is the restored store's file name.
	StoreFile string
	// FilesRestored is the number of files written.
	FilesRestored int
	// AuditRestored indicates if audit logs were restored.
	AuditRestored bool
}

// VerifyResult contains the result of a verify operation.
type VerifyResult struct {
	// Valid indicates the backup passed all integrity checks.
	Valid bool
	// Version is the backup format version.
	Version int
	// CreatedAt is when the backup was created.
	CreatedAt time.Time
	// StoreFile is the backed up store's file name.
	StoreFile string
	// Files is the number of files in the backup.
	Files int
	// IncludesAudit indicates if audit logs are included.
	IncludesAudit bool
	// Error is set if verification failed.
	Error string
}

// Backup writes an encrypted backup of the vault directory dir. The store
// must be closed so its file is consistent on disk.
func Backup(ctx context.Context, dir string, opts Options) error {
	if opts.Output == nil {
		return fmt.Errorf("output writer is required")
	}
	if opts.StoreFile == "" {
		return fmt.Errorf("store file is required")
	}

	header := &Header{
		Version:       FormatVersion,
		CreatedAt:     time.Now().UTC(),
		StoreFile:     opts.StoreFile,
		IncludesAudit: opts.AuditDir != "",
		ChecksumAlgo:  "sha256",
	}

	var encKey, macKey []byte
	var err error
	if opts.KeyFile != "" {
		encKey, macKey, err = keyFileKeys(opts.KeyFile)
		header.EncryptionMode = EncryptionModeKey
	} else {
		salt, serr := crypto.GenerateSalt()
		if serr != nil {
			return serr
		}
		header.KDFParams = &KDFParams{
			Salt:        salt,
			Memory:      backupKDF.Memory,
			Iterations:  backupKDF.Time,
			Parallelism: backupKDF.Threads,
		}
		header.EncryptionMode = EncryptionModePassword
		encKey, macKey, err = deriveBackupKeys(ctx, opts.Password, header.KDFParams)
	}
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	payload, err := collectFiles(dir, opts.StoreFile, opts.AuditDir)
	if err != nil {
		return fmt.Errorf("failed to collect vault files: %w", err)
	}

	payloadBytes, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(payloadBytes)

	ciphertext, err := EncryptPayload(payloadBytes, encKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt payload: %w", err)
	}

	// Buffer everything the HMAC covers.
	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		return err
	}
	buf.Write(appendSection(nil, ciphertext))

	if _, err := opts.Output.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if _, err := opts.Output.Write(ComputeHMAC(buf.Bytes(), macKey)); err != nil {
		return fmt.Errorf("failed to write HMAC: %w", err)
	}
	return nil
}

// Verify checks backup integrity without restoring. A failed check is
// reported in the result, not as an error.
func Verify(ctx context.Context, backupPath string, password []byte, keyFile string) (*VerifyResult, error) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return &VerifyResult{Error: err.Error()}, nil
	}

	header, payload, err := verifyAndDecrypt(ctx, data, password, keyFile)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return &VerifyResult{Error: err.Error()}, nil
	}
	defer payload.wipe()

	return &VerifyResult{
		Valid:         true,
		Version:       header.Version,
		CreatedAt:     header.CreatedAt,
		StoreFile:     header.StoreFile,
		Files:         len(payload.Files),
		IncludesAudit: header.IncludesAudit,
	}, nil
}

// Restore verifies a backup and writes its files into opts.VaultDir. Files
// are staged in a sibling temp directory and renamed into place.
func Restore(ctx context.Context, backupPath string, opts RestoreOptions) (*RestoreResult, error) {
	if opts.VaultDir == "" {
		return nil, fmt.Errorf("vault directory is required")
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	header, payload, err := verifyAndDecrypt(ctx, data, opts.Password, opts.KeyFile)
	if err != nil {
		return nil, err
	}
	defer payload.wipe()

	storePath := filepath.Join(opts.VaultDir, header.StoreFile)
	if _, err := os.Stat(storePath); err == nil && !opts.Overwrite {
		return nil, fmt.Errorf("%w at %s", ErrVaultExists, storePath)
	}

	if err := platform.EnsureDir(opts.VaultDir); err != nil {
		return nil, err
	}
	staging, err := os.MkdirTemp(opts.VaultDir, ".restore-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	result := &RestoreResult{StoreFile: header.StoreFile}
	var names []string
	for name := range payload.Files {
		if !restorable(name, header.StoreFile, opts.WithAudit) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		staged := filepath.Join(staging, name)
		if err := platform.EnsureDir(filepath.Dir(staged)); err != nil {
			return nil, err
		}
		if err := os.WriteFile(staged, payload.Files[name], platform.FileMode); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", name, err)
		}
	}

	// A WAL left by the replaced store would be replayed over the restored one.
	if err := os.Remove(storePath + walSuffix); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale WAL: %w", err)
	}

	for _, name := range names {
		target := filepath.Join(opts.VaultDir, name)
		if err := platform.EnsureDir(filepath.Dir(target)); err != nil {
			return nil, err
		}
		if err := os.Rename(filepath.Join(staging, name), target); err != nil {
			return nil, fmt.Errorf("failed to restore %s: %w", name, err)
		}
		result.FilesRestored++
		if name != header.StoreFile && name != header.StoreFile+walSuffix {
			result.AuditRestored = true
		}
	}
	return result, nil
}

// restorable reports whether a payload entry should be written.
func restorable(name, storeFile string, withAudit bool) bool {
	// Names come from an authenticated payload, but a relative path must
	// still stay inside the vault directory.
	if !filepath.IsLocal(name) {
		return false
	}
	if name == storeFile || name == storeFile+walSuffix {
		return true
	}
	return withAudit
}

// collectFiles reads the store file, its WAL if present, and every
// regular file in the audit directory.
func collectFiles(dir, storeFile, auditDir string) (*Payload, error) {
	payload := &Payload{Files: make(map[string][]byte)}

	data, err := os.ReadFile(filepath.Join(dir, storeFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, storeFile)
		}
		return nil, err
	}
	payload.Files[storeFile] = data

	if wal, err := os.ReadFile(filepath.Join(dir, storeFile+walSuffix)); err == nil && len(wal) > 0 {
		payload.Files[storeFile+walSuffix] = wal
	}

	if auditDir == "" {
		return payload, nil
	}
	entries, err := os.ReadDir(filepath.Join(dir, auditDir))
	if err != nil {
		if os.IsNotExist(err) {
			return payload, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := filepath.ToSlash(filepath.Join(auditDir, e.Name()))
		data, err := os.ReadFile(filepath.Join(dir, auditDir, e.Name()))
		if err != nil {
			return nil, err
		}
		payload.Files[name] = data
	}
	return payload, nil
}

// verifyAndDecrypt verifies the backup integrity and decrypts the payload.
func verifyAndDecrypt(ctx context.Context, data, password []byte, keyFile string) (*Header, *Payload, error) {
	if len(data) < len(MagicNumber)+4+HMACLength {
		return nil, nil, ErrInvalidMagic
	}

	reader := bytes.NewReader(data)
	header, err := ReadHeader(reader)
	if err != nil {
		return nil, nil, err
	}
	room := reader.Len() - 4 - HMACLength
	if room < 0 {
		return nil, nil, errors.New("backup file truncated")
	}
	ciphertext, err := readSection(reader, uint32(room))
	if err != nil {
		return nil, nil, fmt.Errorf("backup file truncated: %w", err)
	}
	bodyEnd := len(data) - reader.Len()
	storedHMAC := data[bodyEnd : bodyEnd+HMACLength]

	var encKey, macKey []byte
	switch {
	case keyFile != "":
		encKey, macKey, err = keyFileKeys(keyFile)
	case header.EncryptionMode == EncryptionModePassword && header.KDFParams != nil:
		encKey, macKey, err = deriveBackupKeys(ctx, password, header.KDFParams)
	default:
		err = fmt.Errorf("cannot determine decryption key")
	}
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	if !VerifyHMAC(data[:bodyEnd], storedHMAC, macKey) {
		return nil, nil, ErrIntegrityFailed
	}

	plaintext, err := DecryptPayload(ciphertext, encKey)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(plaintext)

	payload, err := DecodePayload(plaintext)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := payload.Files[header.StoreFile]; !ok {
		payload.wipe()
		return nil, nil, fmt.Errorf("%w: backup has no %s", ErrStoreNotFound, header.StoreFile)
	}
	return header, payload, nil
}

// keyFileKeys reads a key file and derives the backup subkeys from it.
func keyFileKeys(path string) (encKey, macKey []byte, err error) {
	root, err := ReadKeyFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(root)
	return splitKeys(root)
}

func (p *Payload) wipe() {
	for _, data := range p.Files {
		crypto.SecureWipe(data)
	}
}
