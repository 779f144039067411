package vault

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/awnumar/memguard"

	"github.com/forest6511/zkvault/pkg/audit"
	"github.com/forest6511/zkvault/pkg/crypto"
	"github.com/forest6511/zkvault/pkg/store"
)

// IntegrityContext prefixes the salt of the integrity key derivation.
const IntegrityContext = "zkvault/integrity/v1"

// Merkle node domain tags
const (
	tagLeaf  = 0x00
	tagNode  = 0x01
	tagEmpty = 0x02
)

// Integrity root record fields
const (
	fieldRoot      = "root"
	fieldItemCount = "item_count"
	fieldLeaves    = "leaves"
)

// IntegrityEntry is one item as seen by the integrity tree.
type IntegrityEntry struct {
	ID         string
	Ciphertext string
}

// IntegrityDetails explains a root mismatch by comparing per-item leaves
// with the stored ones.
type IntegrityDetails struct {
	StoredCount int
	Added       []string
	Removed     []string
	Modified    []string
}

// IntegrityResult is the outcome of an integrity check.
type IntegrityResult struct {
	Valid        bool
	IsFirstCheck bool
	// Skipped is set for sessions that hold no integrity key.
	Skipped   bool
	Root      []byte
	ItemCount int
	Details   IntegrityDetails
}

// Err returns a KindTamperSuspected error for a mismatch, nil otherwise.
func (r *IntegrityResult) Err() error {
	if r == nil || r.Valid {
		return nil
	}
	return newError("verify integrity", KindTamperSuspected, fmt.Errorf(
		"root mismatch: %d added, %d removed, %d modified",
		len(r.Details.Added), len(r.Details.Removed), len(r.Details.Modified)))
}

// DeriveIntegrityKey derives the integrity key with the fixed KDFVersion1
// parameters over IntegrityContext||salt. It does not depend on the
// profile's KDF version, so migrations leave the stored root valid.
func DeriveIntegrityKey(ctx context.Context, kdf *crypto.KDF, password, salt []byte) ([]byte, error) {
	params, err := kdf.Params(crypto.KDFVersion1)
	if err != nil {
		return nil, err
	}
	if len(salt) < crypto.MinSaltLength {
		return nil, crypto.ErrInvalidSalt
	}
	tagged := make([]byte, 0, len(IntegrityContext)+len(salt))
	tagged = append(tagged, IntegrityContext...)
	tagged = append(tagged, salt...)
	return crypto.DeriveWithParams(ctx, password, tagged, params)
}

// ComputeRoot returns the keyed Merkle root over entries sorted by ID.
func ComputeRoot(entries []IntegrityEntry, key []byte) []byte {
	root, _ := computeTree(entries, key)
	return root
}

func computeTree(entries []IntegrityEntry, key []byte) ([]byte, map[string][]byte) {
	leaves := make(map[string][]byte, len(entries))
	for _, e := range entries {
		leaves[e.ID] = leafHash(key, e)
	}
	return rootFromLeaves(key, leaves), leaves
}

// rootFromLeaves folds leaf hashes, ordered by ID, into the root.
func rootFromLeaves(key []byte, leaves map[string][]byte) []byte {
	if len(leaves) == 0 {
		return keyedHash(key, []byte{tagEmpty})
	}
	ids := make([]string, 0, len(leaves))
	for id := range leaves {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	level := make([][]byte, len(ids))
	for i, id := range ids {
		level[i] = leaves[id]
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, keyedHash(key, []byte{tagNode}, level[i], level[i+1]))
		}
		// odd node is promoted unchanged
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0]
}

func leafHash(key []byte, e IntegrityEntry) []byte {
	var n [4]byte
	buf := make([]byte, 0, 1+4+len(e.ID)+4+len(e.Ciphertext))
	buf = append(buf, tagLeaf)
	binary.BigEndian.PutUint32(n[:], uint32(len(e.ID)))
	buf = append(buf, n[:]...)
	buf = append(buf, e.ID...)
	binary.BigEndian.PutUint32(n[:], uint32(len(e.Ciphertext)))
	buf = append(buf, n[:]...)
	buf = append(buf, e.Ciphertext...)
	return keyedHash(key, buf)
}

func keyedHash(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// VerifyVaultIntegrity recomputes the root over entries and compares it
// with the stored one. With no stored root the current state becomes the
// baseline and IsFirstCheck is set.
func VerifyVaultIntegrity(ctx context.Context, st store.Store, entries []IntegrityEntry, key []byte, userID string) (*IntegrityResult, error) {
	root, leaves := computeTree(entries, key)
	result := &IntegrityResult{Root: root, ItemCount: len(entries)}

	rec, err := st.Get(ctx, store.TableIntegrityRoots, store.ByID(userID))
	if errors.Is(err, store.ErrNotFound) {
		if err := writeRoot(ctx, st, userID, root, leaves); err != nil {
			return nil, err
		}
		result.Valid = true
		result.IsFirstCheck = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	stored, err := b64.DecodeString(rec.Field(fieldRoot))
	if err == nil && hmac.Equal(stored, root) {
		result.Valid = true
		return result, nil
	}

	result.Details = diffLeaves(rec, leaves)
	return result, nil
}

// UpdateIntegrityRoot stores the root over entries as the new baseline.
// Call it only after the mutation it reflects has been persisted.
func UpdateIntegrityRoot(ctx context.Context, w store.Writer, entries []IntegrityEntry, key []byte, userID string) error {
	root, leaves := computeTree(entries, key)
	return writeRoot(ctx, w, userID, root, leaves)
}

// errBaselineInconsistent means the stored leaves no longer fold into the
// stored root.
var errBaselineInconsistent = errors.New("stored integrity leaves do not match root")

// ApplyIntegrityChanges moves the stored baseline forward by exactly the
// writes this client made: changed leaves are replaced or added, removed
// ones dropped. Every other leaf keeps its stored hash, so changes made
// to the store behind the client's back stay detectable. With no stored
// root it does nothing; the next check stores the baseline.
func ApplyIntegrityChanges(ctx context.Context, st store.Store, key []byte, userID string, changed []IntegrityEntry, removed []string) error {
	rec, err := st.Get(ctx, store.TableIntegrityRoots, store.ByID(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	leaves, err := decodeLeaves(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", errBaselineInconsistent, err)
	}
	stored, err := b64.DecodeString(rec.Field(fieldRoot))
	if err != nil || !hmac.Equal(stored, rootFromLeaves(key, leaves)) {
		return errBaselineInconsistent
	}

	for _, e := range changed {
		leaves[e.ID] = leafHash(key, e)
	}
	for _, id := range removed {
		delete(leaves, id)
	}
	return writeRoot(ctx, st, userID, rootFromLeaves(key, leaves), leaves)
}

func decodeLeaves(rec *store.Record) (map[string][]byte, error) {
	var encoded map[string]string
	if raw := rec.Field(fieldLeaves); raw != "" {
		if err := json.Unmarshal([]byte(raw), &encoded); err != nil {
			return nil, err
		}
	}
	leaves := make(map[string][]byte, len(encoded))
	for id, v := range encoded {
		h, err := b64.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("leaf %s: %w", id, err)
		}
		leaves[id] = h
	}
	return leaves, nil
}

func writeRoot(ctx context.Context, w store.Writer, userID string, root []byte, leaves map[string][]byte) error {
	encoded := make(map[string]string, len(leaves))
	for id, h := range leaves {
		encoded[id] = b64.EncodeToString(h)
	}
	leafJSON, err := json.Marshal(encoded)
	if err != nil {
		return err
	}
	fields := map[string]string{
		fieldRoot:      b64.EncodeToString(root),
		fieldItemCount: strconv.Itoa(len(leaves)),
		fieldLeaves:    string(leafJSON),
	}

	err = w.Update(ctx, store.TableIntegrityRoots, userID, fields)
	if errors.Is(err, store.ErrNotFound) {
		return w.Insert(ctx, store.TableIntegrityRoots, &store.Record{ID: userID, UserID: userID, Fields: fields})
	}
	return err
}

func diffLeaves(rec *store.Record, current map[string][]byte) IntegrityDetails {
	var stored map[string]string
	_ = json.Unmarshal([]byte(rec.Field(fieldLeaves)), &stored)

	d := IntegrityDetails{StoredCount: len(stored)}
	if n, err := strconv.Atoi(rec.Field(fieldItemCount)); err == nil {
		d.StoredCount = n
	}
	for id, h := range current {
		old, ok := stored[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case old != b64.EncodeToString(h):
			d.Modified = append(d.Modified, id)
		}
	}
	for id := range stored {
		if _, ok := current[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d
}

// EntriesFromItems maps stored items to integrity entries.
func EntriesFromItems(items []*VaultItem) []IntegrityEntry {
	entries := make([]IntegrityEntry, len(items))
	for i, it := range items {
		entries[i] = IntegrityEntry{ID: it.ID, Ciphertext: it.EncryptedData}
	}
	return entries
}

// VerifyIntegrity checks items (nil loads them from the store) against
// the stored root. A mismatch is reported in the result and logged; the
// session stays usable. Duress and passkey sessions get a skipped result.
func (s *Session) VerifyIntegrity(ctx context.Context, items []*VaultItem) (*IntegrityResult, error) {
	const op = "verify integrity"

	switch s.Mode() {
	case ModeLocked:
		return nil, newError(op, KindLocked, nil)
	case ModeDuress, ModePasskey:
		return &IntegrityResult{Valid: true, Skipped: true}, nil
	}

	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	entries, err := s.integrityEntries(ctx, items)
	if err != nil {
		return nil, storageError(op, err)
	}
	var result *IntegrityResult
	err = s.withIntegrityKey(op, func(key []byte) error {
		var err error
		result, err = VerifyVaultIntegrity(ctx, s.st, entries, key, s.userID)
		return err
	})
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	if !result.Valid {
		s.reportMismatch(result)
	}
	return result, nil
}

// UpdateIntegrity stores a new baseline over items (nil loads them).
func (s *Session) UpdateIntegrity(ctx context.Context, items []*VaultItem) error {
	const op = "update integrity"

	switch s.Mode() {
	case ModeLocked:
		return newError(op, KindLocked, nil)
	case ModeDuress, ModePasskey:
		return nil
	}

	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	entries, err := s.integrityEntries(ctx, items)
	if err != nil {
		return storageError(op, err)
	}
	err = s.withIntegrityKey(op, func(key []byte) error {
		return UpdateIntegrityRoot(ctx, s.st, entries, key, s.userID)
	})
	return wrapStorage(op, err)
}

// refreshIntegrity folds an item write made by the session itself into
// the stored root. Failures are logged only.
func (s *Session) refreshIntegrity(ctx context.Context, changed []IntegrityEntry, removed []string) {
	s.mu.RLock()
	mode, ienc := s.mode, s.integrityKey
	s.mu.RUnlock()
	if mode != ModeReal {
		return
	}
	s.applyIntegrity(ctx, ienc, changed, removed)
}

// applyIntegrity runs ApplyIntegrityChanges with an integrity key captured
// by the caller. A stored baseline that fails its own consistency check
// is left as it is and reported.
func (s *Session) applyIntegrity(ctx context.Context, ienc *memguard.Enclave, changed []IntegrityEntry, removed []string) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	err := openEnclave("refresh integrity", ienc, func(key []byte) error {
		return ApplyIntegrityChanges(ctx, s.st, key, s.userID, changed, removed)
	})
	if errors.Is(err, errBaselineInconsistent) {
		s.log.Warn().Err(err).Msg("integrity baseline inconsistent, root left unchanged")
		s.logAudit(audit.OpIntegrityMismatch, map[string]any{"baseline": "inconsistent"})
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to refresh integrity root")
	}
}

func (s *Session) reportMismatch(r *IntegrityResult) {
	s.log.Warn().
		Int("added", len(r.Details.Added)).
		Int("removed", len(r.Details.Removed)).
		Int("modified", len(r.Details.Modified)).
		Msg("vault integrity root mismatch")
	s.logAudit(audit.OpIntegrityMismatch, map[string]any{
		"added":    len(r.Details.Added),
		"removed":  len(r.Details.Removed),
		"modified": len(r.Details.Modified),
	})
}

func (s *Session) integrityEntries(ctx context.Context, items []*VaultItem) ([]IntegrityEntry, error) {
	if items != nil {
		return EntriesFromItems(items), nil
	}
	recs, err := s.st.List(ctx, store.TableItems, store.ByUser(s.userID))
	if err != nil {
		return nil, err
	}
	entries := make([]IntegrityEntry, len(recs))
	for i, rec := range recs {
		entries[i] = IntegrityEntry{ID: rec.ID, Ciphertext: rec.Field(fieldEncryptedData)}
	}
	return entries, nil
}
