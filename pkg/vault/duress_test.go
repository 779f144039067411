package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/zkvault/pkg/crypto"
	"github.com/forest6511/zkvault/pkg/store"
)

func testProfile(t *testing.T, kdf *crypto.KDF, password string) (salt, verifier []byte) {
	t.Helper()
	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	key, err := kdf.DeriveRawKeyBytes(context.Background(), []byte(password), salt, kdf.Current())
	require.NoError(t, err)
	defer crypto.SecureWipe(key)
	verifier, err = crypto.CreateVerifier(key)
	require.NoError(t, err)
	return salt, verifier
}

func TestAttemptDualUnlock(t *testing.T) {
	ctx := context.Background()
	kdf := currentKDF(t)
	realSalt, realVerifier := testProfile(t, kdf, realPassword)
	duressSalt, duressVerifier := testProfile(t, kdf, duressPassword)
	duress := DuressConfig{Enabled: true, Salt: duressSalt, Verifier: duressVerifier, KDFVersion: kdf.Current()}

	tests := []struct {
		name     string
		password string
		duress   DuressConfig
		want     UnlockMode
	}{
		{"real password", realPassword, duress, UnlockReal},
		{"duress password", duressPassword, duress, UnlockDuress},
		{"wrong password", "wrong-pw", duress, UnlockInvalid},
		{"duress disabled, real password", realPassword, DuressConfig{}, UnlockReal},
		{"duress disabled, duress password", duressPassword, DuressConfig{}, UnlockInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := AttemptDualUnlock(ctx, kdf, []byte(tt.password), realSalt, realVerifier, kdf.Current(), tt.duress)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Mode)
			if tt.want == UnlockInvalid {
				assert.Nil(t, res.Key)
				return
			}
			require.Len(t, res.Key, crypto.KeyLength)
			verifier := realVerifier
			if tt.want == UnlockDuress {
				verifier = duressVerifier
			}
			assert.True(t, crypto.VerifyKey(verifier, res.Key))
			crypto.SecureWipe(res.Key)
		})
	}
}

func TestAttemptDualUnlockBrokenDuressProfile(t *testing.T) {
	kdf := currentKDF(t)
	realSalt, realVerifier := testProfile(t, kdf, realPassword)
	broken := DuressConfig{Enabled: true, Salt: realSalt, Verifier: []byte("x"), KDFVersion: 9}

	res, err := AttemptDualUnlock(context.Background(), kdf, []byte(realPassword), realSalt, realVerifier, kdf.Current(), broken)
	require.NoError(t, err)
	assert.Equal(t, UnlockReal, res.Mode)
	crypto.SecureWipe(res.Key)
}

func TestAttemptDualUnlockCancelled(t *testing.T) {
	kdf := currentKDF(t)
	realSalt, realVerifier := testProfile(t, kdf, realPassword)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := AttemptDualUnlock(ctx, kdf, []byte(realPassword), realSalt, realVerifier, kdf.Current(), DuressConfig{})
	assert.ErrorIs(t, err, context.Canceled)
}

func decoys() []*VaultItemData {
	return []*VaultItemData{
		loginItem("Facebook", "decoy-fb"),
		{Title: "Shopping list", Notes: "milk", Type: ItemNote},
	}
}

// duressVault returns a real session with two real items and a duress
// profile holding two decoys.
func duressVault(t *testing.T, st store.Store) *Session {
	t.Helper()
	ctx := context.Background()
	s := setupVault(t, st, currentKDF(t))
	_, err := s.CreateItem(ctx, loginItem("Bank", "real-bank"))
	require.NoError(t, err)
	_, err = s.CreateItem(ctx, loginItem("Email", "real-mail"))
	require.NoError(t, err)
	require.NoError(t, s.SetupDuress(ctx, realPassword, duressPassword, decoys()))
	return s
}

func titles(items []*DecryptedItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Data.Title
	}
	return out
}

func TestDuressSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s := duressVault(t, st)
	s.Lock()

	require.NoError(t, s.Unlock(ctx, duressPassword))
	assert.Equal(t, ModeDuress, s.Mode())

	items, err := s.ListItems(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Facebook", "Shopping list"}, titles(items))
	for _, it := range items {
		assert.Equal(t, ContentDecoy, it.Data.ContentClass)
	}

	t.Run("real items are not reachable", func(t *testing.T) {
		real, err := st.List(ctx, store.TableItems, store.ByUser("alice"))
		require.NoError(t, err)
		require.NotEmpty(t, real)
		_, err = s.GetItem(ctx, real[0].ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("new items become decoys", func(t *testing.T) {
		before, err := st.List(ctx, store.TableItems, store.ByUser("alice"))
		require.NoError(t, err)

		created, err := s.CreateItem(ctx, loginItem("Twitter", "decoy-tw"))
		require.NoError(t, err)
		got, err := s.GetItem(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, ContentDecoy, got.Data.ContentClass)

		after, err := st.List(ctx, store.TableItems, store.ByUser("alice"))
		require.NoError(t, err)
		assert.Len(t, after, len(before), "real table untouched")
	})

	t.Run("categories stay in memory", func(t *testing.T) {
		_, err := s.CreateCategory(ctx, "Social")
		require.NoError(t, err)
		cats, err := s.ListCategories(ctx)
		require.NoError(t, err)
		require.Len(t, cats, 1)
		assert.Equal(t, "Social", cats[0].Name)

		stored, err := st.List(ctx, store.TableCategories, store.ByUser("alice"))
		require.NoError(t, err)
		assert.Empty(t, stored)
	})

	t.Run("integrity is skipped", func(t *testing.T) {
		res, err := s.VerifyIntegrity(ctx, nil)
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.NoError(t, s.UpdateIntegrity(ctx, nil))
	})

	t.Run("collections are unavailable", func(t *testing.T) {
		_, err := s.EnsureHybridKeyMaterial(ctx)
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = s.CreateCollectionWithHybridKey(ctx, "Team", nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("duress management refuses", func(t *testing.T) {
		assert.ErrorIs(t, s.DisableDuress(ctx, realPassword), ErrAuthentication)
		assert.ErrorIs(t, s.ChangeDuress(ctx, realPassword, "Another-Panic-9#", nil), ErrAuthentication)
	})

	s.Lock()
	cats, err := s.ListCategories(ctx)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Nil(t, cats)

	require.NoError(t, s.Unlock(ctx, realPassword))
	items, err = s.ListItems(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Bank", "Email"}, titles(items))

	res, err := s.VerifyIntegrity(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid, "decoy writes do not touch the real root")
}

func TestDuressChange(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s := duressVault(t, st)

	const newDuress = "Another-Panic-9#"
	require.NoError(t, s.ChangeDuress(ctx, realPassword, newDuress, []*VaultItemData{loginItem("Reddit", "decoy-rd")}))

	stored, err := st.List(ctx, store.TableDecoyItems, store.ByUser("alice"))
	require.NoError(t, err)
	assert.Len(t, stored, 1, "previous decoys are replaced")

	s.Lock()
	assert.ErrorIs(t, s.Unlock(ctx, duressPassword), ErrAuthentication, "old duress password no longer works")

	require.NoError(t, s.Unlock(ctx, newDuress))
	assert.Equal(t, ModeDuress, s.Mode())
	items, err := s.ListItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Reddit"}, titles(items))
}

func TestDuressDisable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s := duressVault(t, st)

	require.NoError(t, s.DisableDuress(ctx, realPassword))
	assert.False(t, profileOf(t, st, "alice").Duress.Enabled)

	stored, err := st.List(ctx, store.TableDecoyItems, store.ByUser("alice"))
	require.NoError(t, err)
	assert.Empty(t, stored)

	// Disabling again is a no-op.
	require.NoError(t, s.DisableDuress(ctx, realPassword))

	s.Lock()
	assert.ErrorIs(t, s.Unlock(ctx, duressPassword), ErrAuthentication)
}

func TestMalformedDuressProfileIsDisabled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s := duressVault(t, st)
	s.Lock()

	require.NoError(t, st.Corrupt(store.TableProfiles, "alice", fieldDuressSalt, "not base64!"))

	p := profileOf(t, st, "alice")
	assert.False(t, p.Duress.Enabled)
	assert.Error(t, p.duressErr)

	require.NoError(t, s.Unlock(ctx, realPassword), "a broken duress profile does not lock the owner out")
	assert.Equal(t, ModeReal, s.Mode())
	items, err := s.ListItems(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Bank", "Email"}, titles(items))

	s.Lock()
	assert.ErrorIs(t, s.Unlock(ctx, duressPassword), ErrAuthentication)
}

func TestDuressSetupValidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s := setupVault(t, st, currentKDF(t))

	tests := []struct {
		name     string
		real     string
		duress   string
		decoys   []*VaultItemData
		wantKind Kind
	}{
		{"wrong real password", "Wrong-Horse-1!", duressPassword, nil, KindAuthentication},
		{"same as master", realPassword, realPassword, nil, KindInvalidInput},
		{"contains master", realPassword, realPassword + "x", nil, KindInvalidInput},
		{"too similar", realPassword, "Correct-Horse-2!", nil, KindInvalidInput},
		{"too short", realPassword, "short", nil, KindInvalidInput},
		{"invalid decoy", realPassword, duressPassword, []*VaultItemData{{Title: ""}}, KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SetupDuress(ctx, tt.real, tt.duress, tt.decoys)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
		})
	}
	assert.False(t, profileOf(t, st, "alice").Duress.Enabled)

	require.NoError(t, s.SetupDuress(ctx, realPassword, duressPassword, nil))
	assert.ErrorIs(t, s.SetupDuress(ctx, realPassword, "Another-Panic-9#", nil), ErrInvalidInput, "already configured")
	assert.ErrorIs(t, s.ChangeDuress(ctx, realPassword, realPassword, nil), ErrInvalidInput)

	s.Lock()
	assert.ErrorIs(t, s.SetupDuress(ctx, realPassword, duressPassword, nil), ErrLocked)
}

func TestCheckDuressPassword(t *testing.T) {
	assert.NoError(t, CheckDuressPassword(realPassword, duressPassword))
	assert.ErrorIs(t, CheckDuressPassword(realPassword, realPassword), ErrInvalidInput)
	assert.ErrorIs(t, CheckDuressPassword(realPassword, "xx"+realPassword), ErrInvalidInput)
	assert.ErrorIs(t, CheckDuressPassword(realPassword, "Correct-Horse-1?"), ErrInvalidInput)
}

func TestDuressProfileSurvivesMigration(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	legacy := setupVault(t, st, legacyKDF(t))
	require.NoError(t, legacy.SetupDuress(ctx, realPassword, duressPassword, decoys()))
	legacy.Lock()

	s := newTestSession(t, st, currentKDF(t), "alice")
	require.NoError(t, s.Unlock(ctx, realPassword))
	assert.Equal(t, crypto.KDFVersion2, profileOf(t, st, "alice").KDFVersion)
	assert.Equal(t, crypto.KDFVersion1, profileOf(t, st, "alice").Duress.KDFVersion)
	s.Lock()

	require.NoError(t, s.Unlock(ctx, duressPassword))
	assert.Equal(t, ModeDuress, s.Mode())
	items, err := s.ListItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
