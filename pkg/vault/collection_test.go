package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/zkvault/pkg/crypto"
	"github.com/forest6511/zkvault/pkg/store"
)

// member sets up a second user on the shared store and publishes its
// hybrid keys.
func member(t *testing.T, st store.Store, kdf *crypto.KDF, userID string) (*Session, Member) {
	t.Helper()
	ctx := context.Background()
	s := newTestSession(t, st, kdf, userID)
	require.NoError(t, s.Setup(ctx, realPassword))
	m, err := s.EnsureHybridKeyMaterial(ctx)
	require.NoError(t, err)
	return s, *m
}

func TestHybridKeyMaterial(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s := setupVault(t, st, currentKDF(t))

	first, err := s.EnsureHybridKeyMaterial(ctx)
	require.NoError(t, err)
	second, err := s.EnsureHybridKeyMaterial(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ClassicalPublic, second.ClassicalPublic, "key pair is created once")
	assert.Equal(t, first.PQPublic, second.PQPublic)

	rec, err := st.Get(ctx, store.TableHybridKeys, store.ByID("alice"))
	require.NoError(t, err)
	v, ok := crypto.EnvelopeVersion(rec.Field(fieldEncryptedPQPrivate))
	assert.True(t, ok)
	assert.Equal(t, crypto.EnvelopeV1, v)

	_, err = s.LookupHybridPublicKeys(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollectionSharing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	kdf := currentKDF(t)
	alice := setupVault(t, st, kdf)
	bob, _ := member(t, st, kdf, "bob")

	bobKeys, err := alice.LookupHybridPublicKeys(ctx, "bob")
	require.NoError(t, err)

	coll, err := alice.CreateCollectionWithHybridKey(ctx, "Family", []Member{*bobKeys, *bobKeys})
	require.NoError(t, err)
	assert.Equal(t, "alice", coll.OwnerID)
	assert.Equal(t, 1, coll.KeyVersion)
	assert.Equal(t, []string{"alice", "bob"}, coll.Members, "duplicates collapse")

	_, err = alice.AddCollectionItem(ctx, coll.ID, loginItem("Netflix", "shared-pw"))
	require.NoError(t, err)

	got, err := bob.ListCollectionItems(ctx, coll.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "shared-pw", got[0].Data.Password)

	t.Run("members cannot manage", func(t *testing.T) {
		_, err := bob.RotateCollectionKey(ctx, coll.ID, nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.ErrorIs(t, bob.AddCollectionMember(ctx, coll.ID, *bobKeys), ErrInvalidInput)
	})

	t.Run("items are not readable with the master key", func(t *testing.T) {
		_, err := alice.DecryptItem(got[0].Item.EncryptedData)
		assert.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("revoke", func(t *testing.T) {
		_, err := alice.RotateCollectionKey(ctx, coll.ID, []string{"alice"})
		assert.ErrorIs(t, err, ErrInvalidInput, "owner cannot be revoked")

		rotated, err := alice.RotateCollectionKey(ctx, coll.ID, []string{"bob"})
		require.NoError(t, err)
		assert.Equal(t, 2, rotated.KeyVersion)
		assert.Equal(t, "Family", rotated.Name)
		assert.Equal(t, []string{"alice"}, rotated.Members)

		_, err = bob.ListCollectionItems(ctx, coll.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		items, err := alice.ListCollectionItems(ctx, coll.ID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "shared-pw", items[0].Data.Password)
		assert.NotEqual(t, got[0].Item.EncryptedData, items[0].Item.EncryptedData, "items re-encrypted")
	})
}

func TestAddCollectionMember(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	kdf := currentKDF(t)
	alice := setupVault(t, st, kdf)
	carol, carolKeys := member(t, st, kdf, "carol")

	coll, err := alice.CreateCollectionWithHybridKey(ctx, "Team", nil)
	require.NoError(t, err)
	_, err = alice.AddCollectionItem(ctx, coll.ID, loginItem("Jira", "team-pw"))
	require.NoError(t, err)

	_, err = carol.ListCollectionItems(ctx, coll.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, alice.AddCollectionMember(ctx, coll.ID, carolKeys))
	assert.ErrorIs(t, alice.AddCollectionMember(ctx, coll.ID, carolKeys), ErrInvalidInput, "already a member")

	items, err := carol.ListCollectionItems(ctx, coll.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Jira"}, titles(items))

	// Rotation keeps members that were added later.
	rotated, err := alice.RotateCollectionKey(ctx, coll.ID, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "carol"}, rotated.Members)
	items, err = carol.ListCollectionItems(ctx, coll.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	bad := Member{UserID: "mallory", ClassicalPublic: []byte("short"), PQPublic: carolKeys.PQPublic}
	assert.ErrorIs(t, alice.AddCollectionMember(ctx, coll.ID, bad), ErrInvalidInput)
	assert.ErrorIs(t, alice.AddCollectionMember(ctx, "missing", carolKeys), ErrNotFound)
}

func TestRotateCollectionKeyAbortsOnCorruptItem(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	kdf := currentKDF(t)
	alice := setupVault(t, st, kdf)
	bob, bobKeys := member(t, st, kdf, "bob")

	coll, err := alice.CreateCollectionWithHybridKey(ctx, "Family", []Member{bobKeys})
	require.NoError(t, err)
	_, err = alice.AddCollectionItem(ctx, coll.ID, loginItem("One", "pw-1"))
	require.NoError(t, err)
	broken, err := alice.AddCollectionItem(ctx, coll.ID, loginItem("Two", "pw-2"))
	require.NoError(t, err)
	require.NoError(t, st.Corrupt(store.TableCollectionItems, broken.ID, fieldEncryptedData, "zk1:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"))

	st.ResetWrites()
	_, err = alice.RotateCollectionKey(ctx, coll.ID, []string{"bob"})
	assert.ErrorIs(t, err, ErrCorruption)
	assert.Zero(t, st.Writes(), "nothing written")

	rec, err := st.Get(ctx, store.TableCollections, store.ByID(coll.ID))
	require.NoError(t, err)
	assert.Equal(t, "1", rec.Field(fieldKeyVersion))

	items, err := bob.ListCollectionItems(ctx, coll.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"One"}, titles(items), "bob keeps access and the broken item is skipped")
}

func TestRotateCollectionKeyFailedTxKeepsOldKey(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	kdf := currentKDF(t)
	alice := setupVault(t, st, kdf)
	bob, bobKeys := member(t, st, kdf, "bob")

	coll, err := alice.CreateCollectionWithHybridKey(ctx, "Family", []Member{bobKeys})
	require.NoError(t, err)
	_, err = alice.AddCollectionItem(ctx, coll.ID, loginItem("One", "pw-1"))
	require.NoError(t, err)

	st.FailAfter(store.OpUpdate, store.TableCollections, 0, errBoom)
	_, err = alice.RotateCollectionKey(ctx, coll.ID, []string{"bob"})
	assert.ErrorIs(t, err, ErrStorage)
	st.SetFault(nil)

	items, err := bob.ListCollectionItems(ctx, coll.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1, "rolled-back rotation leaves bob's wrap intact")
}

func TestCollectionsInPasskeySession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s := setupVault(t, st, currentKDF(t))
	s.Lock()

	raw, err := s.GetRawKeyForPasskey(ctx, realPassword)
	require.NoError(t, err)
	require.NoError(t, s.UnlockWithPasskey(ctx, raw))

	coll, err := s.CreateCollectionWithHybridKey(ctx, "Passkey", nil)
	require.NoError(t, err)
	_, err = s.AddCollectionItem(ctx, coll.ID, loginItem("One", "pw-1"))
	require.NoError(t, err)
	items, err := s.ListCollectionItems(ctx, coll.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
