package vault

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/zkvault/pkg/crypto"
	"github.com/forest6511/zkvault/pkg/store"
)

var errBoom = errors.New("disk on fire")

// legacyVault creates a KDF v1 vault holding three items, a category and
// hybrid key material, then locks it.
func legacyVault(t *testing.T, st store.Store) []string {
	t.Helper()
	ctx := context.Background()
	s := setupVault(t, st, legacyKDF(t))
	var ids []string
	for _, title := range []string{"Bank", "Email", "VPN"} {
		item, err := s.CreateItem(ctx, loginItem(title, "pw-"+title))
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}
	_, err := s.CreateCategory(ctx, "Work")
	require.NoError(t, err)
	_, err = s.EnsureHybridKeyMaterial(ctx)
	require.NoError(t, err)
	s.Lock()
	require.Equal(t, crypto.KDFVersion1, profileOf(t, st, "alice").KDFVersion)
	return ids
}

func requireAllReadable(t *testing.T, s *Session) {
	t.Helper()
	ctx := context.Background()
	items, err := s.ListItems(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Bank", "Email", "VPN"}, titles(items))
	for _, it := range items {
		assert.Equal(t, "pw-"+it.Data.Title, it.Data.Password)
	}
	cats, err := s.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, "Work", cats[0].Name)
}

func derivedKey(t *testing.T, kdf *crypto.KDF, st store.Store, version int) []byte {
	t.Helper()
	p := profileOf(t, st, "alice")
	key, err := kdf.DeriveRawKeyBytes(context.Background(), passwordBytes(realPassword), p.Salt, version)
	require.NoError(t, err)
	return key
}

func TestKDFUpgradeOnUnlock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	legacyVault(t, st)

	s := newTestSession(t, st, currentKDF(t), "alice")
	require.NoError(t, s.Unlock(ctx, realPassword))

	p := profileOf(t, st, "alice")
	assert.Equal(t, crypto.KDFVersion2, p.KDFVersion)
	requireAllReadable(t, s)

	kdf := currentKDF(t)
	oldKey := derivedKey(t, kdf, st, crypto.KDFVersion1)
	newKey := derivedKey(t, kdf, st, crypto.KDFVersion2)
	defer crypto.SecureWipe(oldKey)
	defer crypto.SecureWipe(newKey)
	assert.False(t, crypto.VerifyKey(p.Verifier, oldKey), "v1 key no longer validates")
	assert.True(t, crypto.VerifyKey(p.Verifier, newKey))

	res, err := s.VerifyIntegrity(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid, "root refreshed after migration")

	// Hybrid private keys moved with the master key.
	coll, err := s.CreateCollectionWithHybridKey(ctx, "Family", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, coll.Members)
	_, err = s.AddCollectionItem(ctx, coll.ID, loginItem("Netflix", "pw-Netflix"))
	require.NoError(t, err)
	shared, err := s.ListCollectionItems(ctx, coll.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Netflix"}, titles(shared))

	t.Run("second unlock writes nothing", func(t *testing.T) {
		s.Lock()
		st.ResetWrites()
		require.NoError(t, s.Unlock(ctx, realPassword))
		assert.Zero(t, st.Writes())
		requireAllReadable(t, s)
	})
}

func TestMigratorNoUpgradeDue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	kdf := currentKDF(t)
	s := setupVault(t, st, kdf)
	s.Lock()

	m := NewMigrator(st, kdf, zerolog.Nop(), "alice")
	upgrade, err := m.AttemptKDFUpgrade(ctx, passwordBytes(realPassword), profileOf(t, st, "alice"))
	require.NoError(t, err)
	assert.Nil(t, upgrade)
}

func TestBulkReEncryptIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	legacyVault(t, st)

	kdf := currentKDF(t)
	oldKey := derivedKey(t, kdf, st, crypto.KDFVersion1)
	newKey := derivedKey(t, kdf, st, crypto.KDFVersion2)
	defer crypto.SecureWipe(oldKey)
	defer crypto.SecureWipe(newKey)

	m := NewMigrator(st, kdf, zerolog.Nop(), "alice")
	// 3 items, 1 category, 2 hybrid private keys
	const fields = 6

	first, err := m.BulkReEncrypt(ctx, oldKey, newKey)
	require.NoError(t, err)
	assert.Equal(t, fields, first.Staged)
	assert.Zero(t, first.AlreadyMigrated)
	assert.Len(t, first.Updates, 5, "hybrid key fields share a record")

	st.ResetWrites()
	written, err := m.PersistRepaired(ctx, first, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, written)
	assert.Equal(t, 5, st.Writes())

	second, err := m.BulkReEncrypt(ctx, oldKey, newKey)
	require.NoError(t, err)
	assert.Zero(t, second.Staged)
	assert.Equal(t, fields, second.AlreadyMigrated)
	assert.Empty(t, second.Updates)
}

func TestBulkReEncryptLeavesUnreadableFields(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ids := legacyVault(t, st)
	require.NoError(t, st.Corrupt(store.TableItems, ids[0], fieldEncryptedData, "zk1:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"))

	kdf := currentKDF(t)
	oldKey := derivedKey(t, kdf, st, crypto.KDFVersion1)
	newKey := derivedKey(t, kdf, st, crypto.KDFVersion2)
	defer crypto.SecureWipe(oldKey)
	defer crypto.SecureWipe(newKey)

	batch, err := NewMigrator(st, kdf, zerolog.Nop(), "alice").BulkReEncrypt(ctx, oldKey, newKey)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Unreadable)
	assert.Equal(t, 5, batch.Staged)
}

func TestPersistRepairedStopsWhenSuperseded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	legacyVault(t, st)

	kdf := currentKDF(t)
	oldKey := derivedKey(t, kdf, st, crypto.KDFVersion1)
	defer crypto.SecureWipe(oldKey)
	m := NewMigrator(st, kdf, zerolog.Nop(), "alice")

	upgrade, err := m.AttemptKDFUpgrade(ctx, passwordBytes(realPassword), profileOf(t, st, "alice"))
	require.NoError(t, err)
	require.NotNil(t, upgrade)
	defer upgrade.Wipe()
	batch, err := m.BulkReEncrypt(ctx, oldKey, upgrade.Key)
	require.NoError(t, err)

	t.Run("during data write", func(t *testing.T) {
		calls := 0
		written, err := m.PersistRepaired(ctx, batch, upgrade, func() bool {
			calls++
			return calls <= 2
		})
		assert.ErrorIs(t, err, errSuperseded)
		assert.Zero(t, written)
		assert.Equal(t, crypto.KDFVersion1, profileOf(t, st, "alice").KDFVersion)

		again, err := m.BulkReEncrypt(ctx, oldKey, upgrade.Key)
		require.NoError(t, err)
		assert.Equal(t, 6, again.Staged, "nothing from the aborted transaction landed")
	})

	t.Run("before profile flip", func(t *testing.T) {
		calls := 0
		written, err := m.PersistRepaired(ctx, batch, upgrade, func() bool {
			calls++
			return calls <= len(batch.Updates)
		})
		assert.ErrorIs(t, err, errSuperseded)
		assert.Zero(t, written, "data rolled back")
		assert.Equal(t, crypto.KDFVersion1, profileOf(t, st, "alice").KDFVersion)

		again, err := m.BulkReEncrypt(ctx, oldKey, upgrade.Key)
		require.NoError(t, err)
		assert.Equal(t, 6, again.Staged)
	})
}

func TestMigrationCrashRecovery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	legacyVault(t, st)

	// The second item update fails, rolling back the whole data write.
	st.FailAfter(store.OpUpdate, store.TableItems, 1, errBoom)

	s := newTestSession(t, st, currentKDF(t), "alice")
	require.NoError(t, s.Unlock(ctx, realPassword), "a failed migration does not fail the unlock")
	assert.Equal(t, ModeReal, s.Mode())
	assert.Equal(t, crypto.KDFVersion1, profileOf(t, st, "alice").KDFVersion)
	requireAllReadable(t, s)

	res, err := s.VerifyIntegrity(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	st.SetFault(nil)
	s.Lock()
	require.NoError(t, s.Unlock(ctx, realPassword))
	assert.Equal(t, crypto.KDFVersion2, profileOf(t, st, "alice").KDFVersion)
	requireAllReadable(t, s)

	res, err = s.VerifyIntegrity(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestMigrationProfileFlipFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	legacyVault(t, st)
	st.FailAfter(store.OpUpdate, store.TableProfiles, 0, errBoom)

	s := newTestSession(t, st, currentKDF(t), "alice")
	require.NoError(t, s.Unlock(ctx, realPassword))
	assert.Equal(t, crypto.KDFVersion1, profileOf(t, st, "alice").KDFVersion)
	requireAllReadable(t, s)

	kdf := currentKDF(t)
	oldKey := derivedKey(t, kdf, st, crypto.KDFVersion1)
	defer crypto.SecureWipe(oldKey)
	recs, err := st.List(ctx, store.TableItems, store.ByUser("alice"))
	require.NoError(t, err)
	for _, rec := range recs {
		assert.True(t, opens(oldKey, rec.Field(fieldEncryptedData)), "item %s restored to the old key", rec.ID)
	}

	res, err := s.VerifyIntegrity(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	st.SetFault(nil)
	s.Lock()
	require.NoError(t, s.Unlock(ctx, realPassword))
	assert.Equal(t, crypto.KDFVersion2, profileOf(t, st, "alice").KDFVersion)
	requireAllReadable(t, s)
}

func TestMigrationRollbackFailureFollowsData(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	legacyVault(t, st)

	// The profile flip fails and so does every item write after the
	// three of the data transaction, so the rollback cannot land.
	itemWrites := 0
	st.SetFault(func(op store.Op, table, _ string) error {
		if op != store.OpUpdate {
			return nil
		}
		switch table {
		case store.TableProfiles:
			return errBoom
		case store.TableItems:
			itemWrites++
			if itemWrites > 3 {
				return errBoom
			}
		}
		return nil
	})

	s := newTestSession(t, st, currentKDF(t), "alice")
	require.NoError(t, s.Unlock(ctx, realPassword))
	assert.Equal(t, crypto.KDFVersion1, profileOf(t, st, "alice").KDFVersion)
	requireAllReadable(t, s)

	res, err := s.VerifyIntegrity(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	st.SetFault(nil)
	s.Lock()
	require.NoError(t, s.Unlock(ctx, realPassword))
	assert.Equal(t, crypto.KDFVersion2, profileOf(t, st, "alice").KDFVersion)
	requireAllReadable(t, s)
}

func TestWritesRefusedDuringMigration(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	legacyVault(t, st)

	s := newTestSession(t, st, currentKDF(t), "alice")
	var once sync.Once
	var createErr, categoryErr error
	st.SetFault(func(op store.Op, table, _ string) error {
		if op == store.OpUpdate && table == store.TableItems {
			once.Do(func() {
				_, createErr = s.CreateItem(ctx, loginItem("Mid", "pw-Mid"))
				_, categoryErr = s.CreateCategory(ctx, "Mid")
			})
		}
		return nil
	})

	require.NoError(t, s.Unlock(ctx, realPassword))
	assert.ErrorIs(t, createErr, ErrBusy)
	assert.ErrorIs(t, categoryErr, ErrBusy)
	assert.Equal(t, crypto.KDFVersion2, profileOf(t, st, "alice").KDFVersion)
	requireAllReadable(t, s)

	st.SetFault(nil)
	_, err := s.CreateItem(ctx, loginItem("After", "pw-After"))
	require.NoError(t, err, "writes resume once the migration committed")
	items, err := s.ListItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 4)
}

func TestRepairKeyMismatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	kdf := currentKDF(t)
	s := setupVault(t, st, kdf)
	item, err := s.CreateItem(ctx, loginItem("Bank", "pw-Bank"))
	require.NoError(t, err)
	_, err = s.CreateItem(ctx, loginItem("Email", "pw-Email"))
	require.NoError(t, err)
	_, err = s.CreateItem(ctx, loginItem("VPN", "pw-VPN"))
	require.NoError(t, err)
	_, err = s.CreateCategory(ctx, "Work")
	require.NoError(t, err)
	s.Lock()

	// Leave one item under the v1 key, as an interrupted migration would
	// after flipping the profile.
	v1 := derivedKey(t, kdf, st, crypto.KDFVersion1)
	defer crypto.SecureWipe(v1)
	stale, err := EncryptItem(v1, &VaultItemData{Title: "Bank", Password: "pw-Bank", Type: ItemLogin, ContentClass: ContentReal})
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, store.TableItems, item.ID, map[string]string{fieldEncryptedData: stale}))

	// Rebaseline so the stale record is the trusted state.
	p := profileOf(t, st, "alice")
	ikey, err := DeriveIntegrityKey(ctx, kdf, passwordBytes(realPassword), p.Salt)
	require.NoError(t, err)
	recs, err := st.List(ctx, store.TableItems, store.ByUser("alice"))
	require.NoError(t, err)
	var entries []IntegrityEntry
	for _, rec := range recs {
		entries = append(entries, IntegrityEntry{ID: rec.ID, Ciphertext: rec.Field(fieldEncryptedData)})
	}
	require.NoError(t, UpdateIntegrityRoot(ctx, st, entries, ikey, "alice"))

	t.Run("migrator", func(t *testing.T) {
		current := derivedKey(t, kdf, st, crypto.KDFVersion2)
		defer crypto.SecureWipe(current)
		m := NewMigrator(st, kdf, zerolog.Nop(), "alice")

		dry := *p
		dry.KDFVersion = crypto.KDFVersion1
		res, err := m.RepairKeyMismatch(ctx, passwordBytes(realPassword), &dry, current)
		require.NoError(t, err)
		assert.Zero(t, res.Probed, "v1 profiles have nothing older to repair from")
	})

	require.NoError(t, s.Unlock(ctx, realPassword))
	requireAllReadable(t, s)

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "pw-Bank", got.Data.Password)

	res, err := s.VerifyIntegrity(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid, "root refreshed after repair")

	t.Run("nothing left to repair", func(t *testing.T) {
		current := derivedKey(t, kdf, st, crypto.KDFVersion2)
		defer crypto.SecureWipe(current)
		m := NewMigrator(st, kdf, zerolog.Nop(), "alice")
		res, err := m.RepairKeyMismatch(ctx, passwordBytes(realPassword), profileOf(t, st, "alice"), current)
		require.NoError(t, err)
		assert.Equal(t, 4, res.Probed)
		assert.Zero(t, res.Broken)
		assert.Zero(t, res.Repaired)
	})
}

func TestRepairReportsUnrecoverable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	kdf := currentKDF(t)
	s := setupVault(t, st, kdf)
	good, err := s.CreateItem(ctx, loginItem("Bank", "pw-Bank"))
	require.NoError(t, err)
	bad, err := s.CreateItem(ctx, loginItem("Email", "pw-Email"))
	require.NoError(t, err)
	s.Lock()

	v1 := derivedKey(t, kdf, st, crypto.KDFVersion1)
	defer crypto.SecureWipe(v1)
	stale, err := EncryptItem(v1, loginItem("Bank", "pw-Bank"))
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, store.TableItems, good.ID, map[string]string{fieldEncryptedData: stale}))
	foreign, err := EncryptItem(integrityKey(3), loginItem("Email", "pw-Email"))
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, store.TableItems, bad.ID, map[string]string{fieldEncryptedData: foreign}))

	current := derivedKey(t, kdf, st, crypto.KDFVersion2)
	defer crypto.SecureWipe(current)
	m := NewMigrator(st, kdf, zerolog.Nop(), "alice")
	res, err := m.RepairKeyMismatch(ctx, passwordBytes(realPassword), profileOf(t, st, "alice"), current)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Broken)
	assert.Equal(t, 1, res.Repaired)
	assert.Equal(t, 1, res.Unrecoverable)
	assert.Equal(t, []int{crypto.KDFVersion1}, res.FromVersions)

	rec, err := st.Get(ctx, store.TableItems, store.ByID(bad.ID))
	require.NoError(t, err)
	assert.Equal(t, foreign, rec.Field(fieldEncryptedData), "unrecoverable fields are left untouched")
}

func TestAsyncMigrationLockedMidFlight(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	legacyVault(t, st)

	s := newTestSession(t, st, currentKDF(t), "alice", withAsync())
	var once sync.Once
	st.SetFault(func(op store.Op, table, _ string) error {
		if op == store.OpUpdate && table == store.TableItems {
			once.Do(s.Lock)
		}
		return nil
	})

	require.NoError(t, s.Unlock(ctx, realPassword))
	s.WaitMigration()

	assert.True(t, s.IsLocked())
	assert.Equal(t, crypto.KDFVersion1, profileOf(t, st, "alice").KDFVersion, "aborted migration leaves the profile alone")

	st.SetFault(nil)
	require.NoError(t, s.Unlock(ctx, realPassword))
	s.WaitMigration()

	assert.Equal(t, ModeReal, s.Mode())
	assert.Equal(t, crypto.KDFVersion2, profileOf(t, st, "alice").KDFVersion)
	requireAllReadable(t, s)

	res, err := s.VerifyIntegrity(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestAsyncMigrationCommits(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	legacyVault(t, st)

	s := newTestSession(t, st, currentKDF(t), "alice", withAsync())
	require.NoError(t, s.Unlock(ctx, realPassword))
	s.WaitMigration()

	assert.Equal(t, crypto.KDFVersion2, profileOf(t, st, "alice").KDFVersion)
	requireAllReadable(t, s)

	// The session now holds the v2 key: new writes open after a fresh unlock.
	_, err := s.CreateItem(ctx, loginItem("Extra", "pw-Extra"))
	require.NoError(t, err)
	s.Lock()
	require.NoError(t, s.Unlock(ctx, realPassword))
	items, err := s.ListItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 4)
}
