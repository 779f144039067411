package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/forest6511/zkvault/pkg/audit"
	"github.com/forest6511/zkvault/pkg/crypto"
	"github.com/forest6511/zkvault/pkg/hybrid"
	"github.com/forest6511/zkvault/pkg/store"
)

// Hybrid key and collection record fields
const (
	fieldClassicalPublic = "classical_public"
	fieldPQPublic        = "pq_public"
	fieldOwnerID         = "owner_id"
	fieldKeyVersion      = "key_version"
	fieldCollectionID    = "collection_id"
	fieldMemberID        = "member_id"
	fieldWrappedKey      = "wrapped_key"
)

// Member is a collection participant identified by its hybrid public keys.
type Member struct {
	UserID          string
	ClassicalPublic []byte
	PQPublic        []byte
}

// Collection is a shared item set whose key is wrapped for every member.
type Collection struct {
	ID         string
	OwnerID    string
	Name       string
	KeyVersion int
	Members    []string
}

func (s *Session) requireHybrid(op string) error {
	switch s.Mode() {
	case ModeReal, ModePasskey:
		return nil
	case ModeDuress:
		return invalidInput(op, "unavailable in this session")
	default:
		return newError(op, KindLocked, nil)
	}
}

// EnsureHybridKeyMaterial returns the user's hybrid public keys, creating
// the key pair on first use. Private halves are stored encrypted under
// the master key.
func (s *Session) EnsureHybridKeyMaterial(ctx context.Context) (*Member, error) {
	const op = "ensure hybrid keys"
	if err := s.requireHybrid(op); err != nil {
		return nil, err
	}

	m, err := s.LookupHybridPublicKeys(ctx, s.userID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	done, err := s.beginWrite(op)
	if err != nil {
		return nil, err
	}
	defer done()

	kp, err := hybrid.GenerateKeyPair()
	if err != nil {
		return nil, newError(op, KindUnknown, err)
	}
	defer kp.Wipe()

	var encClassical, encPQ string
	err = s.withKey(op, func(key []byte) error {
		var err error
		if encClassical, err = EncryptData(key, kp.ClassicalPrivate); err != nil {
			return err
		}
		encPQ, err = EncryptData(key, kp.PQPrivate)
		return err
	})
	if err != nil {
		return nil, err
	}

	rec := &store.Record{
		ID:     s.userID,
		UserID: s.userID,
		Fields: map[string]string{
			fieldClassicalPublic:           b64.EncodeToString(kp.ClassicalPublic),
			fieldPQPublic:                  b64.EncodeToString(kp.PQPublic),
			fieldEncryptedClassicalPrivate: encClassical,
			fieldEncryptedPQPrivate:        encPQ,
		},
	}
	if err := s.st.Insert(ctx, store.TableHybridKeys, rec); err != nil {
		return nil, storageError(op, err)
	}
	s.log.Info().Msg("hybrid key material created")
	return &Member{UserID: s.userID, ClassicalPublic: kp.ClassicalPublic, PQPublic: kp.PQPublic}, nil
}

// LookupHybridPublicKeys returns the published public keys of userID.
func (s *Session) LookupHybridPublicKeys(ctx context.Context, userID string) (*Member, error) {
	const op = "lookup hybrid keys"
	rec, err := s.st.Get(ctx, store.TableHybridKeys, store.ByID(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(op, KindNotFound, fmt.Errorf("no hybrid keys for user %q", userID))
	}
	if err != nil {
		return nil, storageError(op, err)
	}
	classical, err1 := b64.DecodeString(rec.Field(fieldClassicalPublic))
	pq, err2 := b64.DecodeString(rec.Field(fieldPQPublic))
	if err1 != nil || err2 != nil {
		return nil, newError(op, KindCorruption, errors.New("malformed public key"))
	}
	return &Member{UserID: userID, ClassicalPublic: classical, PQPublic: pq}, nil
}

// CreateCollectionWithHybridKey creates a collection with a fresh random
// key wrapped for the owner and every member. All records are written in
// one transaction.
func (s *Session) CreateCollectionWithHybridKey(ctx context.Context, name string, members []Member) (*Collection, error) {
	const op = "create collection"
	if err := s.requireHybrid(op); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, invalidInput(op, "collection name is required")
	}
	owner, err := s.EnsureHybridKeyMaterial(ctx)
	if err != nil {
		return nil, err
	}

	recipients := []Member{*owner}
	seen := map[string]bool{owner.UserID: true}
	for _, m := range members {
		if m.UserID == "" {
			return nil, invalidInput(op, "member user id is required")
		}
		if seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		recipients = append(recipients, m)
	}

	ckey, err := crypto.GenerateKey()
	if err != nil {
		return nil, newError(op, KindUnknown, err)
	}
	defer crypto.SecureWipe(ckey)

	encName, err := EncryptData(ckey, []byte(name))
	if err != nil {
		return nil, err
	}
	const version = 1
	id := uuid.NewString()
	wraps := make([]*store.Record, 0, len(recipients))
	for _, m := range recipients {
		rec, err := wrapRecord(op, id, m, ckey, version)
		if err != nil {
			return nil, err
		}
		wraps = append(wraps, rec)
	}

	coll := &store.Record{
		ID:     id,
		UserID: s.userID,
		Fields: map[string]string{
			fieldOwnerID:       s.userID,
			fieldKeyVersion:    strconv.Itoa(version),
			fieldEncryptedName: encName,
		},
	}
	err = s.st.Tx(ctx, func(w store.Writer) error {
		if err := w.Insert(ctx, store.TableCollections, coll); err != nil {
			return err
		}
		for _, rec := range wraps {
			if err := w.Insert(ctx, store.TableCollectionKeys, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageError(op, err)
	}

	memberIDs := make([]string, len(recipients))
	for i, m := range recipients {
		memberIDs[i] = m.UserID
	}
	s.logAuditFor(audit.OpCollectionCreate, id, map[string]any{"members": len(recipients)})
	s.log.Info().Str("collection_id", id).Int("members", len(recipients)).Msg("collection created")
	return &Collection{ID: id, OwnerID: s.userID, Name: name, KeyVersion: version, Members: memberIDs}, nil
}

// AddCollectionMember wraps the current collection key for one more
// member. Only the owner may add members.
func (s *Session) AddCollectionMember(ctx context.Context, collectionID string, member Member) error {
	const op = "add collection member"
	if err := s.requireHybrid(op); err != nil {
		return err
	}
	coll, err := s.ownedCollection(ctx, op, collectionID)
	if err != nil {
		return err
	}
	if member.UserID == "" {
		return invalidInput(op, "member user id is required")
	}

	ckey, version, err := s.openCollectionKey(ctx, op, collectionID)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(ckey)
	if v, _ := strconv.Atoi(coll.Field(fieldKeyVersion)); v != version {
		return newError(op, KindCorruption, errors.New("wrapped key version does not match collection"))
	}

	rec, err := wrapRecord(op, collectionID, member, ckey, version)
	if err != nil {
		return err
	}
	err = s.st.Insert(ctx, store.TableCollectionKeys, rec)
	if errors.Is(err, store.ErrDuplicate) {
		return invalidInput(op, "user %q is already a member", member.UserID)
	}
	if err != nil {
		return storageError(op, err)
	}
	s.logAuditFor(audit.OpCollectionAddMember, collectionID, nil)
	s.log.Info().Str("collection_id", collectionID).Msg("collection member added")
	return nil
}

// RotateCollectionKey replaces the collection key, re-encrypts every
// collection item and the name, re-wraps the key for the remaining
// members and drops the wraps of revoked ones. Everything is written in
// one transaction; a single item that fails to decrypt aborts the
// rotation with nothing written.
func (s *Session) RotateCollectionKey(ctx context.Context, collectionID string, revoke []string) (*Collection, error) {
	const op = "rotate collection key"
	if err := s.requireHybrid(op); err != nil {
		return nil, err
	}
	coll, err := s.ownedCollection(ctx, op, collectionID)
	if err != nil {
		return nil, err
	}
	revoked := map[string]bool{}
	for _, id := range revoke {
		if id == s.userID {
			return nil, invalidInput(op, "the owner cannot be revoked")
		}
		revoked[id] = true
	}

	wraps, err := s.st.List(ctx, store.TableCollectionKeys, store.Filter{Where: map[string]string{fieldCollectionID: collectionID}})
	if err != nil {
		return nil, storageError(op, err)
	}
	items, err := s.st.List(ctx, store.TableCollectionItems, store.Filter{Where: map[string]string{fieldCollectionID: collectionID}})
	if err != nil {
		return nil, storageError(op, err)
	}

	oldKey, version, err := s.openCollectionKey(ctx, op, collectionID)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(oldKey)
	newKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, newError(op, KindUnknown, err)
	}
	defer crypto.SecureWipe(newKey)
	newVersion := version + 1

	itemPatches := make(map[string]string, len(items))
	for _, it := range items {
		env, err := reEncrypt(oldKey, newKey, it.Field(fieldEncryptedData))
		if err != nil {
			return nil, newError(op, KindCorruption, fmt.Errorf("collection item %s: %w", it.ID, err))
		}
		itemPatches[it.ID] = env
	}
	name, err := DecryptData(oldKey, coll.Field(fieldEncryptedName))
	if err != nil {
		return nil, err
	}
	encName, err := EncryptData(newKey, name)
	if err != nil {
		return nil, err
	}

	var keep []*store.Record
	var drop []string
	var members []string
	for _, w := range wraps {
		memberID := w.Field(fieldMemberID)
		if revoked[memberID] {
			drop = append(drop, w.ID)
			continue
		}
		m, err := memberFromWrap(w)
		if err != nil {
			return nil, newError(op, KindCorruption, err)
		}
		rec, err := wrapRecord(op, collectionID, m, newKey, newVersion)
		if err != nil {
			return nil, err
		}
		keep = append(keep, rec)
		members = append(members, memberID)
	}

	err = s.st.Tx(ctx, func(w store.Writer) error {
		for id, env := range itemPatches {
			if err := w.Update(ctx, store.TableCollectionItems, id, map[string]string{fieldEncryptedData: env}); err != nil {
				return err
			}
		}
		for _, id := range drop {
			if err := w.Delete(ctx, store.TableCollectionKeys, id); err != nil {
				return err
			}
		}
		for _, rec := range keep {
			if err := w.Update(ctx, store.TableCollectionKeys, rec.ID, rec.Fields); err != nil {
				return err
			}
		}
		return w.Update(ctx, store.TableCollections, collectionID, map[string]string{
			fieldKeyVersion:    strconv.Itoa(newVersion),
			fieldEncryptedName: encName,
		})
	})
	if err != nil {
		return nil, storageError(op, err)
	}

	s.logAuditFor(audit.OpCollectionRotate, collectionID, map[string]any{
		"key_version": newVersion,
		"revoked":     len(drop),
		"items":       len(items),
	})
	s.log.Info().Str("collection_id", collectionID).Int("key_version", newVersion).
		Int("revoked", len(drop)).Msg("collection key rotated")
	return &Collection{
		ID:         collectionID,
		OwnerID:    s.userID,
		Name:       string(name),
		KeyVersion: newVersion,
		Members:    members,
	}, nil
}

// AddCollectionItem encrypts data under the collection key and stores it.
func (s *Session) AddCollectionItem(ctx context.Context, collectionID string, data *VaultItemData) (*VaultItem, error) {
	const op = "add collection item"
	if err := s.requireHybrid(op); err != nil {
		return nil, err
	}
	if err := validateItemData(op, data); err != nil {
		return nil, err
	}
	ckey, _, err := s.openCollectionKey(ctx, op, collectionID)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(ckey)

	tagged := *data
	tagged.ContentClass = ContentReal
	rec, err := newItemRecord(ckey, s.userID, &tagged)
	if err != nil {
		return nil, err
	}
	rec.Fields[fieldCollectionID] = collectionID
	if err := s.st.Insert(ctx, store.TableCollectionItems, rec); err != nil {
		return nil, storageError(op, err)
	}
	return itemFromRecord(rec), nil
}

// ListCollectionItems decrypts every item of a collection the user is a
// member of. Unreadable items are logged and skipped.
func (s *Session) ListCollectionItems(ctx context.Context, collectionID string) ([]*DecryptedItem, error) {
	const op = "list collection items"
	if err := s.requireHybrid(op); err != nil {
		return nil, err
	}
	ckey, _, err := s.openCollectionKey(ctx, op, collectionID)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(ckey)

	recs, err := s.st.List(ctx, store.TableCollectionItems, store.Filter{Where: map[string]string{fieldCollectionID: collectionID}})
	if err != nil {
		return nil, storageError(op, err)
	}
	out := make([]*DecryptedItem, 0, len(recs))
	for _, rec := range recs {
		item := itemFromRecord(rec)
		data, err := DecryptItem(ckey, item.EncryptedData)
		if err != nil {
			s.log.Warn().Err(err).Str("item_id", item.ID).Msg("skipping unreadable collection item")
			continue
		}
		out = append(out, &DecryptedItem{Item: item, Data: data})
	}
	return out, nil
}

// ownedCollection loads a collection and checks the session user owns it.
func (s *Session) ownedCollection(ctx context.Context, op, collectionID string) (*store.Record, error) {
	rec, err := s.st.Get(ctx, store.TableCollections, store.ByID(collectionID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(op, KindNotFound, nil)
	}
	if err != nil {
		return nil, storageError(op, err)
	}
	if rec.Field(fieldOwnerID) != s.userID {
		return nil, invalidInput(op, "only the owner may change collection membership")
	}
	return rec, nil
}

// openCollectionKey unwraps the collection key with the session user's
// hybrid private keys. The caller wipes the key.
func (s *Session) openCollectionKey(ctx context.Context, op, collectionID string) ([]byte, int, error) {
	wrap, err := s.st.Get(ctx, store.TableCollectionKeys, store.ByID(wrapID(collectionID, s.userID)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, newError(op, KindNotFound, errors.New("not a member of this collection"))
	}
	if err != nil {
		return nil, 0, storageError(op, err)
	}
	wrapped, err := b64.DecodeString(wrap.Field(fieldWrappedKey))
	if err != nil {
		return nil, 0, newError(op, KindCorruption, err)
	}
	version, err := strconv.Atoi(wrap.Field(fieldKeyVersion))
	if err != nil {
		return nil, 0, newError(op, KindCorruption, err)
	}

	keys, err := s.st.Get(ctx, store.TableHybridKeys, store.ByID(s.userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, newError(op, KindNotFound, errors.New("no hybrid key material"))
	}
	if err != nil {
		return nil, 0, storageError(op, err)
	}

	var ckey []byte
	err = s.withKey(op, func(master []byte) error {
		classical, err := DecryptData(master, keys.Field(fieldEncryptedClassicalPrivate))
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(classical)
		pq, err := DecryptData(master, keys.Field(fieldEncryptedPQPrivate))
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pq)

		ckey, err = hybrid.Decrypt(wrapped, classical, pq)
		if err != nil {
			return authError(op)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return ckey, version, nil
}

func wrapID(collectionID, memberID string) string {
	return collectionID + ":" + memberID
}

// wrapRecord seals ckey for m. The member's public keys are kept on the
// record so the key can be re-wrapped on rotation.
func wrapRecord(op, collectionID string, m Member, ckey []byte, version int) (*store.Record, error) {
	wrapped, err := hybrid.Encrypt(ckey, m.ClassicalPublic, m.PQPublic)
	if err != nil {
		if errors.Is(err, hybrid.ErrInvalidKey) {
			return nil, invalidInput(op, "invalid public key for user %q", m.UserID)
		}
		return nil, newError(op, KindUnknown, err)
	}
	return &store.Record{
		ID:     wrapID(collectionID, m.UserID),
		UserID: m.UserID,
		Fields: map[string]string{
			fieldCollectionID:    collectionID,
			fieldMemberID:        m.UserID,
			fieldKeyVersion:      strconv.Itoa(version),
			fieldWrappedKey:      b64.EncodeToString(wrapped),
			fieldClassicalPublic: b64.EncodeToString(m.ClassicalPublic),
			fieldPQPublic:        b64.EncodeToString(m.PQPublic),
		},
	}, nil
}

func memberFromWrap(rec *store.Record) (Member, error) {
	classical, err1 := b64.DecodeString(rec.Field(fieldClassicalPublic))
	pq, err2 := b64.DecodeString(rec.Field(fieldPQPublic))
	if err1 != nil || err2 != nil {
		return Member{}, fmt.Errorf("wrap %s: malformed public key", rec.ID)
	}
	return Member{UserID: rec.Field(fieldMemberID), ClassicalPublic: classical, PQPublic: pq}, nil
}

func reEncrypt(oldKey, newKey []byte, envelope string) (string, error) {
	plaintext, err := crypto.DecryptString(oldKey, envelope)
	if err != nil {
		return "", err
	}
	defer crypto.SecureWipe(plaintext)
	return crypto.EncryptString(newKey, plaintext)
}
