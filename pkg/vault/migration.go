package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/forest6511/zkvault/pkg/crypto"
	"github.com/forest6511/zkvault/pkg/store"
)

// Encrypted record fields
const (
	fieldEncryptedData             = "encrypted_data"
	fieldEncryptedName             = "encrypted_name"
	fieldEncryptedClassicalPrivate = "encrypted_classical_private"
	fieldEncryptedPQPrivate        = "encrypted_pq_private"
)

// fieldRef names a column holding an envelope encrypted under the master
// key. Every such column must be listed here or it is lost on KDF upgrade.
type fieldRef struct {
	Table string
	Field string
}

var masterKeyFields = []fieldRef{
	{store.TableItems, fieldEncryptedData},
	{store.TableCategories, fieldEncryptedName},
	{store.TableHybridKeys, fieldEncryptedClassicalPrivate},
	{store.TableHybridKeys, fieldEncryptedPQPrivate},
}

// errSuperseded aborts a migration whose session was locked or re-keyed.
var errSuperseded = errors.New("session changed during migration")

// errDataAhead means the re-encrypted data landed but neither the profile
// flip nor the rollback did. The store now holds data under the new key
// behind the old verifier.
var errDataAhead = errors.New("records re-encrypted but profile not updated")

type encryptedField struct {
	Table string
	ID    string
	Field string
	Value string
}

// stagedUpdate is one record's worth of re-encrypted fields. Original
// holds the envelopes being replaced.
type stagedUpdate struct {
	Table    string
	ID       string
	Patch    map[string]string
	Original map[string]string
}

// ReEncryptBatch is the in-memory result of BulkReEncrypt. Nothing in it
// has been written yet.
type ReEncryptBatch struct {
	Updates []stagedUpdate

	Staged          int // fields re-encrypted
	AlreadyMigrated int // fields that already open under the new key
	Unreadable      int // fields that open under neither key

	index map[string]int
}

func (b *ReEncryptBatch) add(table, id, field, old, value string) {
	if b.index == nil {
		b.index = map[string]int{}
	}
	k := table + "\x00" + id
	i, ok := b.index[k]
	if !ok {
		i = len(b.Updates)
		b.index[k] = i
		b.Updates = append(b.Updates, stagedUpdate{
			Table:    table,
			ID:       id,
			Patch:    map[string]string{},
			Original: map[string]string{},
		})
	}
	b.Updates[i].Patch[field] = value
	b.Updates[i].Original[field] = old
	b.Staged++
}

// itemEntries returns the integrity leaves of the staged item writes.
func (b *ReEncryptBatch) itemEntries() []IntegrityEntry {
	var out []IntegrityEntry
	for _, u := range b.Updates {
		if v, ok := u.Patch[fieldEncryptedData]; ok && u.Table == store.TableItems {
			out = append(out, IntegrityEntry{ID: u.ID, Ciphertext: v})
		}
	}
	return out
}

// KeyUpgrade is a new key and verifier derived at a higher KDF version.
type KeyUpgrade struct {
	FromVersion int
	ToVersion   int
	Key         []byte
	Verifier    []byte
}

// Wipe zeroes the new key.
func (u *KeyUpgrade) Wipe() {
	crypto.SecureWipe(u.Key)
}

// MigrationResult summarizes a completed migration or repair pass.
type MigrationResult struct {
	FromVersion     int
	ToVersion       int
	Written         int // records written
	AlreadyMigrated int
	Unreadable      int

	items []IntegrityEntry // item leaves now in the store
}

// RepairResult summarizes a repair pass.
type RepairResult struct {
	Probed        int
	Broken        int
	Repaired      int // records written
	Unrecoverable int
	FromVersions  []int

	items []IntegrityEntry
}

// Migrator moves a user's encrypted fields between KDF versions.
//
// The sequence is fixed: stage every re-encryption in memory, write the
// data in one transaction, then flip the profile's verifier and version.
// A failed flip rolls the data back. A crash between the two steps leaves
// the old version with its fields already re-encrypted (handled by the
// tolerant re-encryption and by repair), never an orphaned profile.
type Migrator struct {
	st     store.Store
	kdf    *crypto.KDF
	log    zerolog.Logger
	userID string
}

// NewMigrator returns a Migrator for userID.
func NewMigrator(st store.Store, kdf *crypto.KDF, log zerolog.Logger, userID string) *Migrator {
	return &Migrator{st: st, kdf: kdf, log: log, userID: userID}
}

// AttemptKDFUpgrade derives the key and verifier for the current KDF
// version from the same password and salt. It returns nil when the
// profile is already current.
func (m *Migrator) AttemptKDFUpgrade(ctx context.Context, password []byte, p *Profile) (*KeyUpgrade, error) {
	target := m.kdf.Current()
	if p.KDFVersion >= target {
		return nil, nil
	}

	key, err := m.kdf.DeriveRawKeyBytes(ctx, password, p.Salt, target)
	if err != nil {
		return nil, fmt.Errorf("derive v%d key: %w", target, err)
	}
	verifier, err := crypto.CreateVerifier(key)
	if err != nil {
		crypto.SecureWipe(key)
		return nil, err
	}
	return &KeyUpgrade{
		FromVersion: p.KDFVersion,
		ToVersion:   target,
		Key:         key,
		Verifier:    verifier,
	}, nil
}

// BulkReEncrypt decrypts every master-key field under oldKey and stages it
// re-encrypted under newKey. Fields that fail under oldKey but open under
// newKey were migrated by an interrupted earlier pass and are skipped.
// Fields that open under neither are logged and left alone.
func (m *Migrator) BulkReEncrypt(ctx context.Context, oldKey, newKey []byte) (*ReEncryptBatch, error) {
	fields, err := m.collect(ctx)
	if err != nil {
		return nil, err
	}

	batch := &ReEncryptBatch{}
	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		plaintext, err := crypto.DecryptString(oldKey, f.Value)
		if err != nil {
			if opens(newKey, f.Value) {
				batch.AlreadyMigrated++
				continue
			}
			batch.Unreadable++
			m.log.Warn().Str("table", f.Table).Str("id", f.ID).Str("field", f.Field).
				Msg("field unreadable under old and new key, leaving it untouched")
			continue
		}

		ct, err := crypto.EncryptString(newKey, plaintext)
		crypto.SecureWipe(plaintext)
		if err != nil {
			return nil, fmt.Errorf("re-encrypt %s/%s: %w", f.Table, f.ID, err)
		}
		batch.add(f.Table, f.ID, f.Field, f.Value, ct)
	}
	return batch, nil
}

// PersistRepaired writes every staged update in one transaction and then,
// when upgrade is non-nil, the profile's new verifier and version. proceed
// is consulted before each write; returning false aborts. A failure in
// the data step writes nothing. A failure after it restores the original
// envelopes, and errDataAhead is returned if that is impossible too. It
// returns the number of records left re-encrypted in the store.
func (m *Migrator) PersistRepaired(ctx context.Context, batch *ReEncryptBatch, upgrade *KeyUpgrade, proceed func() bool) (int, error) {
	check := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if proceed != nil && !proceed() {
			return errSuperseded
		}
		return nil
	}
	if len(batch.Updates) == 0 && upgrade == nil {
		return 0, nil
	}

	err := m.st.Tx(ctx, func(w store.Writer) error {
		for _, u := range batch.Updates {
			if err := check(); err != nil {
				return err
			}
			if err := w.Update(ctx, u.Table, u.ID, u.Patch); err != nil {
				return fmt.Errorf("persist %s/%s: %w", u.Table, u.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	written := len(batch.Updates)
	if upgrade == nil {
		return written, nil
	}

	// The version flag flips only after every data write landed.
	err = check()
	if err == nil {
		err = m.st.Update(ctx, store.TableProfiles, m.userID, map[string]string{
			fieldVerifier:   b64.EncodeToString(upgrade.Verifier),
			fieldKDFVersion: strconv.Itoa(upgrade.ToVersion),
		})
		if err != nil {
			err = fmt.Errorf("persist profile: %w", err)
		}
	}
	if err == nil {
		return written, nil
	}

	if rerr := m.rollback(context.WithoutCancel(ctx), batch); rerr != nil {
		m.log.Error().Err(rerr).Int("records", written).Msg("rollback of re-encrypted records failed")
		return written, fmt.Errorf("%w: %w", errDataAhead, err)
	}
	return 0, err
}

// rollback puts the original envelopes of batch back.
func (m *Migrator) rollback(ctx context.Context, batch *ReEncryptBatch) error {
	return m.st.Tx(ctx, func(w store.Writer) error {
		for _, u := range batch.Updates {
			if err := w.Update(ctx, u.Table, u.ID, u.Original); err != nil {
				return fmt.Errorf("restore %s/%s: %w", u.Table, u.ID, err)
			}
		}
		return nil
	})
}

// Migrate runs the full upgrade for a profile whose live key is oldKey.
// It returns the upgrade (caller wipes it) or nil when nothing was due.
// The result is returned even on failure so callers can see how many
// records were already written. On errDataAhead the upgrade is returned
// as well, since its key is the one the data now needs.
func (m *Migrator) Migrate(ctx context.Context, password []byte, p *Profile, oldKey []byte, proceed func() bool) (*KeyUpgrade, *MigrationResult, error) {
	upgrade, err := m.AttemptKDFUpgrade(ctx, password, p)
	if err != nil || upgrade == nil {
		return nil, nil, err
	}

	batch, err := m.BulkReEncrypt(ctx, oldKey, upgrade.Key)
	if err != nil {
		upgrade.Wipe()
		return nil, nil, err
	}
	written, err := m.PersistRepaired(ctx, batch, upgrade, proceed)
	result := &MigrationResult{
		FromVersion:     upgrade.FromVersion,
		ToVersion:       upgrade.ToVersion,
		Written:         written,
		AlreadyMigrated: batch.AlreadyMigrated,
		Unreadable:      batch.Unreadable,
	}
	if written > 0 {
		result.items = batch.itemEntries()
	}
	if err != nil && !errors.Is(err, errDataAhead) {
		upgrade.Wipe()
		return nil, result, err
	}
	return upgrade, result, err
}

// RepairKeyMismatch heals fields left under an older KDF version by an
// interrupted migration. It applies to profiles at version 2 or later:
// every field is probed with currentKey, and for the broken ones candidate
// keys are derived from version-1 down to 1. Fields opening under a
// candidate are re-encrypted under currentKey and persisted.
func (m *Migrator) RepairKeyMismatch(ctx context.Context, password []byte, p *Profile, currentKey []byte) (*RepairResult, error) {
	res := &RepairResult{}
	if p.KDFVersion < crypto.KDFVersion2 {
		return res, nil
	}

	fields, err := m.collect(ctx)
	if err != nil {
		return res, err
	}
	var broken []encryptedField
	for _, f := range fields {
		res.Probed++
		if !opens(currentKey, f.Value) {
			broken = append(broken, f)
		}
	}
	res.Broken = len(broken)
	if len(broken) == 0 {
		return res, nil
	}

	batch := &ReEncryptBatch{}
	for v := p.KDFVersion - 1; v >= 1 && len(broken) > 0; v-- {
		if _, err := m.kdf.Params(v); err != nil {
			continue
		}
		candidate, err := m.kdf.DeriveRawKeyBytes(ctx, password, p.Salt, v)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			m.log.Warn().Err(err).Int("kdf_version", v).Msg("repair: candidate derivation failed")
			continue
		}

		var remaining []encryptedField
		matched := false
		for _, f := range broken {
			plaintext, err := crypto.DecryptString(candidate, f.Value)
			if err != nil {
				remaining = append(remaining, f)
				continue
			}
			ct, err := crypto.EncryptString(currentKey, plaintext)
			crypto.SecureWipe(plaintext)
			if err != nil {
				crypto.SecureWipe(candidate)
				return res, fmt.Errorf("repair %s/%s: %w", f.Table, f.ID, err)
			}
			batch.add(f.Table, f.ID, f.Field, f.Value, ct)
			matched = true
		}
		crypto.SecureWipe(candidate)

		if matched {
			res.FromVersions = append(res.FromVersions, v)
		}
		broken = remaining
	}

	res.Unrecoverable = len(broken)
	for _, f := range broken {
		m.log.Warn().Str("table", f.Table).Str("id", f.ID).Str("field", f.Field).
			Msg("repair: field does not open under any known key version")
	}

	written, err := m.PersistRepaired(ctx, batch, nil, nil)
	res.Repaired = written
	if written > 0 {
		res.items = batch.itemEntries()
	}
	return res, err
}

// collect lists every non-empty master-key field owned by the user.
func (m *Migrator) collect(ctx context.Context) ([]encryptedField, error) {
	var out []encryptedField
	for _, ref := range masterKeyFields {
		recs, err := m.st.List(ctx, ref.Table, store.ByUser(m.userID))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", ref.Table, err)
		}
		for _, rec := range recs {
			if v := rec.Field(ref.Field); v != "" {
				out = append(out, encryptedField{Table: ref.Table, ID: rec.ID, Field: ref.Field, Value: v})
			}
		}
	}
	return out, nil
}

// opens reports whether envelope authenticates under key.
func opens(key []byte, envelope string) bool {
	plaintext, err := crypto.DecryptString(key, envelope)
	if err != nil {
		return false
	}
	crypto.SecureWipe(plaintext)
	return true
}
