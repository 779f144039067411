package vault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/forest6511/zkvault/pkg/audit"
	"github.com/forest6511/zkvault/pkg/crypto"
	"github.com/forest6511/zkvault/pkg/store"
)

// UnlockMode is the outcome of a dual unlock attempt.
type UnlockMode string

const (
	UnlockInvalid UnlockMode = "invalid"
	UnlockReal    UnlockMode = "real"
	UnlockDuress  UnlockMode = "duress"
)

// DualUnlockResult carries the derived key for the matching profile. Key
// is nil for UnlockInvalid; the caller owns and wipes it otherwise.
type DualUnlockResult struct {
	Mode UnlockMode
	Key  []byte
}

// AttemptDualUnlock derives the real and the duress candidate keys
// concurrently and checks both verifiers before choosing an outcome, so
// timing does not depend on which profile matched. When duress is
// disabled the second derivation runs against a throwaway salt and
// verifier at the real parameters.
func AttemptDualUnlock(ctx context.Context, kdf *crypto.KDF, password, realSalt, realVerifier []byte, realVersion int, duress DuressConfig) (DualUnlockResult, error) {
	duressSalt, duressVerifier, duressVersion := duress.Salt, duress.Verifier, duress.KDFVersion
	if !duress.Enabled {
		var err error
		if duressSalt, err = crypto.GenerateSalt(); err != nil {
			return DualUnlockResult{}, err
		}
		duressVerifier = make([]byte, len(realVerifier))
		if _, err := rand.Read(duressVerifier); err != nil {
			return DualUnlockResult{}, err
		}
		duressVersion = realVersion
	}

	var realKey, duressKey []byte
	var duressErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		realKey, err = kdf.DeriveRawKeyBytes(gctx, password, realSalt, realVersion)
		return err
	})
	g.Go(func() error {
		duressKey, duressErr = kdf.DeriveRawKeyBytes(gctx, password, duressSalt, duressVersion)
		// A broken duress profile must not lock the owner out; only a
		// cancelled context aborts the pair.
		if duressErr != nil && ctx.Err() != nil {
			return duressErr
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		crypto.SecureWipe(realKey)
		crypto.SecureWipe(duressKey)
		return DualUnlockResult{}, err
	}

	realOK := crypto.VerifyKey(realVerifier, realKey)
	duressOK := duressErr == nil && crypto.VerifyKey(duressVerifier, duressKey)
	if !duress.Enabled {
		duressOK = false
	}

	switch {
	case realOK:
		crypto.SecureWipe(duressKey)
		return DualUnlockResult{Mode: UnlockReal, Key: realKey}, nil
	case duressOK:
		crypto.SecureWipe(realKey)
		return DualUnlockResult{Mode: UnlockDuress, Key: duressKey}, nil
	default:
		crypto.SecureWipe(realKey)
		crypto.SecureWipe(duressKey)
		return DualUnlockResult{Mode: UnlockInvalid}, nil
	}
}

// SetupDuress enables a duress password and stores decoys encrypted under
// its key. realPassword must match the real verifier.
func (s *Session) SetupDuress(ctx context.Context, realPassword, duressPassword string, decoys []*VaultItemData) error {
	const op = "setup duress"
	profile, err := s.guardDuress(ctx, op, realPassword)
	if err != nil {
		return err
	}
	if profile.Duress.Enabled {
		return invalidInput(op, "duress password already configured")
	}
	if err := s.writeDuress(ctx, op, realPassword, duressPassword, decoys); err != nil {
		return err
	}
	s.logAudit(audit.OpDuressSetup, map[string]any{"decoys": len(decoys)})
	s.log.Info().Int("decoys", len(decoys)).Msg("duress password configured")
	return nil
}

// ChangeDuress replaces the duress password. The previous decoys are
// deleted since they cannot be re-keyed without the old duress password.
func (s *Session) ChangeDuress(ctx context.Context, realPassword, newDuressPassword string, decoys []*VaultItemData) error {
	const op = "change duress"
	profile, err := s.guardDuress(ctx, op, realPassword)
	if err != nil {
		return err
	}
	if !profile.Duress.Enabled {
		return invalidInput(op, "duress password not configured")
	}
	if err := s.writeDuress(ctx, op, realPassword, newDuressPassword, decoys); err != nil {
		return err
	}
	s.logAudit(audit.OpDuressChange, map[string]any{"decoys": len(decoys)})
	s.log.Info().Int("decoys", len(decoys)).Msg("duress password changed")
	return nil
}

// DisableDuress removes the duress profile and its decoys.
func (s *Session) DisableDuress(ctx context.Context, realPassword string) error {
	const op = "disable duress"
	profile, err := s.guardDuress(ctx, op, realPassword)
	if err != nil {
		return err
	}
	if !profile.Duress.Enabled {
		return nil
	}

	stale, err := s.decoyIDs(ctx)
	if err != nil {
		return storageError(op, err)
	}
	err = s.st.Tx(ctx, func(w store.Writer) error {
		if err := deleteDecoys(ctx, w, stale); err != nil {
			return err
		}
		return w.Update(ctx, store.TableProfiles, s.userID, DuressConfig{}.fields())
	})
	if err != nil {
		return storageError(op, err)
	}
	s.logAudit(audit.OpDuressDisable, nil)
	s.log.Info().Msg("duress password disabled")
	return nil
}

// guardDuress requires an unlocked password session and re-verifies the
// real password against the real verifier. A duress session always fails
// authentication, after the same derivation work.
func (s *Session) guardDuress(ctx context.Context, op, realPassword string) (*Profile, error) {
	mode := s.Mode()
	if mode != ModeReal && mode != ModeDuress {
		return nil, newError(op, KindLocked, nil)
	}
	profile, err := loadProfile(ctx, s.st, s.userID)
	if err != nil {
		return nil, err
	}

	pw := passwordBytes(realPassword)
	defer crypto.SecureWipe(pw)
	key, err := s.kdf.DeriveRawKeyBytes(ctx, pw, profile.Salt, profile.KDFVersion)
	if err != nil {
		return nil, deriveError(op, err)
	}
	defer crypto.SecureWipe(key)
	if !crypto.VerifyKey(profile.Verifier, key) || mode != ModeReal {
		return nil, authError(op)
	}
	return profile, nil
}

// writeDuress derives the new duress profile, replaces the decoy set and
// updates the profile in one transaction.
func (s *Session) writeDuress(ctx context.Context, op string, realPassword, duressPassword string, decoys []*VaultItemData) error {
	if err := CheckDuressPassword(realPassword, duressPassword); err != nil {
		return err
	}
	for _, d := range decoys {
		if err := validateItemData(op, d); err != nil {
			return err
		}
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return newError(op, KindUnknown, err)
	}
	version := s.kdf.Current()
	pw := passwordBytes(duressPassword)
	defer crypto.SecureWipe(pw)
	key, err := s.kdf.DeriveRawKeyBytes(ctx, pw, salt, version)
	if err != nil {
		return deriveError(op, err)
	}
	defer crypto.SecureWipe(key)
	verifier, err := crypto.CreateVerifier(key)
	if err != nil {
		return newError(op, KindUnknown, err)
	}

	records := make([]*store.Record, 0, len(decoys))
	for _, d := range decoys {
		data := *d
		data.ContentClass = ContentDecoy
		rec, err := newItemRecord(key, s.userID, &data)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	stale, err := s.decoyIDs(ctx)
	if err != nil {
		return storageError(op, err)
	}
	cfg := DuressConfig{Enabled: true, Salt: salt, Verifier: verifier, KDFVersion: version}
	err = s.st.Tx(ctx, func(w store.Writer) error {
		if err := deleteDecoys(ctx, w, stale); err != nil {
			return err
		}
		for _, rec := range records {
			if err := w.Insert(ctx, store.TableDecoyItems, rec); err != nil {
				return err
			}
		}
		return w.Update(ctx, store.TableProfiles, s.userID, cfg.fields())
	})
	if err != nil {
		return storageError(op, err)
	}
	return nil
}

// decoyIDs lists the user's decoy items. It must run outside a
// transaction: the SQLite backend holds a single connection.
func (s *Session) decoyIDs(ctx context.Context) ([]string, error) {
	recs, err := s.st.List(ctx, store.TableDecoyItems, store.ByUser(s.userID))
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids, nil
}

func deleteDecoys(ctx context.Context, w store.Writer, ids []string) error {
	for _, id := range ids {
		if err := w.Delete(ctx, store.TableDecoyItems, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete decoy %s: %w", id, err)
		}
	}
	return nil
}

func newItemRecord(key []byte, userID string, data *VaultItemData) (*store.Record, error) {
	if data.Type == "" {
		data.Type = ItemLogin
	}
	envelope, err := EncryptItem(key, data)
	if err != nil {
		return nil, err
	}
	return &store.Record{
		ID:     uuid.NewString(),
		UserID: userID,
		Fields: map[string]string{
			fieldEncryptedData: envelope,
			fieldType:          data.Type,
			fieldFavorite:      strconv.FormatBool(data.Favorite),
		},
	}, nil
}
