// Package vault is the client-side engine of the zero-knowledge vault:
// unlocking, key migration, duress handling, integrity checking and
// item encryption. Only ciphertext ever reaches the store.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"github.com/forest6511/zkvault/pkg/audit"
	"github.com/forest6511/zkvault/pkg/crypto"
	"github.com/forest6511/zkvault/pkg/store"
)

// SessionMode is the state of a Session.
type SessionMode int

const (
	ModeLocked SessionMode = iota
	// ModeReal is a password unlock of the real profile.
	ModeReal
	// ModeDuress shows only decoys. Integrity, repair, migration, audit
	// and hybrid operations are disabled.
	ModeDuress
	// ModePasskey holds the real key but no integrity key.
	ModePasskey
)

func (m SessionMode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeDuress:
		return "duress"
	case ModePasskey:
		return "passkey"
	default:
		return "locked"
	}
}

// Options configures a Session.
type Options struct {
	UserID string
	Store  store.Store

	// KDF defaults to crypto.DefaultKDF().
	KDF *crypto.KDF

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger

	// RateLimiter defaults to an in-memory CooldownLimiter.
	RateLimiter RateLimiter

	// Audit is optional. It is only written in real password sessions.
	Audit *audit.Logger

	// AsyncMigration runs KDF upgrades on a background goroutine after
	// Unlock returns.
	AsyncMigration bool
}

// Session holds the unlocked state of one user's vault.
type Session struct {
	userID   string
	st       store.Store
	kdf      *crypto.KDF
	log      zerolog.Logger
	limiter  RateLimiter
	audit    *audit.Logger
	async    bool
	migrator *Migrator

	// flight admits one unlock, migration or repair at a time.
	flight sync.Mutex
	// writes fences master-key writes off a running migration, which holds
	// it exclusively from collecting fields until the key swap.
	writes sync.RWMutex
	// rootMu serializes read-modify-write of the integrity root.
	rootMu sync.Mutex

	mu              sync.RWMutex
	mode            SessionMode
	key             *memguard.Enclave
	integrityKey    *memguard.Enclave
	epoch           uint64
	cancelMigration context.CancelFunc
	migrationDone   chan struct{}
	decoyCategories []*Category
}

// NewSession returns a locked session.
func NewSession(opts Options) (*Session, error) {
	if opts.Store == nil {
		return nil, newError("new session", KindConfiguration, errors.New("store is required"))
	}
	if opts.UserID == "" {
		return nil, newError("new session", KindConfiguration, errors.New("user id is required"))
	}

	s := &Session{
		userID:  opts.UserID,
		st:      opts.Store,
		kdf:     opts.KDF,
		limiter: opts.RateLimiter,
		audit:   opts.Audit,
		async:   opts.AsyncMigration,
	}
	if s.kdf == nil {
		s.kdf = crypto.DefaultKDF()
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "vault").Logger()
	} else {
		s.log = zerolog.Nop()
	}
	if s.limiter == nil {
		s.limiter = NewCooldownLimiter("", DefaultCooldownPolicy())
	}
	if s.audit != nil {
		s.audit = s.audit.WithActor(s.userID, "vault")
	}
	s.migrator = NewMigrator(s.st, s.kdf, s.log, s.userID)
	return s, nil
}

// Mode returns the current session mode.
func (s *Session) Mode() SessionMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// IsLocked reports whether the session holds no key.
func (s *Session) IsLocked() bool {
	return s.Mode() == ModeLocked
}

// Setup creates the profile for a new vault and leaves the session
// unlocked in real mode.
func (s *Session) Setup(ctx context.Context, password string) error {
	const op = "setup"
	if !s.flight.TryLock() {
		return newError(op, KindBusy, nil)
	}
	defer s.flight.Unlock()

	if !s.IsLocked() {
		return invalidInput(op, "session already unlocked")
	}
	if v := ValidateMasterPassword(password); !v.Valid {
		return invalidInput(op, "%s", v.Warnings[0])
	}

	_, err := s.st.Get(ctx, store.TableProfiles, store.ByID(s.userID))
	if err == nil {
		return invalidInput(op, "vault already initialized")
	}
	if !errors.Is(err, store.ErrNotFound) {
		return storageError(op, err)
	}

	pw := passwordBytes(password)
	defer crypto.SecureWipe(pw)

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return newError(op, KindUnknown, err)
	}
	version := s.kdf.Current()
	key, err := s.kdf.DeriveRawKeyBytes(ctx, pw, salt, version)
	if err != nil {
		return deriveError(op, err)
	}
	defer crypto.SecureWipe(key)
	verifier, err := crypto.CreateVerifier(key)
	if err != nil {
		return newError(op, KindUnknown, err)
	}
	ikey, err := DeriveIntegrityKey(ctx, s.kdf, pw, salt)
	if err != nil {
		return deriveError(op, err)
	}
	defer crypto.SecureWipe(ikey)

	profile := &Profile{UserID: s.userID, Salt: salt, Verifier: verifier, KDFVersion: version}
	if err := s.st.Insert(ctx, store.TableProfiles, profile.record()); err != nil {
		return storageError(op, err)
	}
	if err := UpdateIntegrityRoot(ctx, s.st, nil, ikey, s.userID); err != nil {
		s.log.Warn().Err(err).Msg("failed to store initial integrity root")
	}

	s.enableAudit(ikey)
	s.activate(ModeReal, key, ikey)
	s.logAudit(audit.OpVaultSetup, map[string]any{"kdf_version": version})
	s.log.Info().Int("kdf_version", version).Msg("vault initialized")
	return nil
}

// Unlock derives the key from password and unlocks the session. The real
// and duress profiles are tried together; the resulting mode is visible
// only through Mode. Wrong passwords feed the rate limiter.
func (s *Session) Unlock(ctx context.Context, password string) error {
	const op = "unlock"
	if !s.flight.TryLock() {
		return newError(op, KindBusy, nil)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.flight.Unlock()
		}
	}()

	if !s.IsLocked() {
		return invalidInput(op, "session already unlocked")
	}
	if err := s.checkRateLimit(ctx, op); err != nil {
		return err
	}
	profile, err := loadProfile(ctx, s.st, s.userID)
	if err != nil {
		return err
	}

	if profile.duressErr != nil {
		s.log.Warn().Err(profile.duressErr).Msg("duress profile unreadable, treating it as disabled")
	}

	pw := passwordBytes(password)
	defer crypto.SecureWipe(pw)

	res, err := AttemptDualUnlock(ctx, s.kdf, pw, profile.Salt, profile.Verifier, profile.KDFVersion, profile.Duress)
	if err != nil {
		return deriveError(op, err)
	}

	switch res.Mode {
	case UnlockInvalid:
		return s.failedAttempt(ctx, op)
	case UnlockDuress:
		s.resetRateLimit(ctx)
		s.activate(ModeDuress, res.Key, nil)
		s.log.Info().Msg("vault unlocked")
		return nil
	}

	key := res.Key
	defer crypto.SecureWipe(key)
	failures := s.resetRateLimit(ctx)

	ikey, err := DeriveIntegrityKey(ctx, s.kdf, pw, profile.Salt)
	if err != nil {
		return deriveError(op, err)
	}
	defer crypto.SecureWipe(ikey)

	pre := s.precheckIntegrity(ctx, ikey)

	var repair *RepairResult
	if profile.KDFVersion >= crypto.KDFVersion2 {
		repair = s.repair(ctx, pw, profile, key, ikey)
	}

	s.enableAudit(ikey)
	epoch := s.activate(ModeReal, key, ikey)

	if failures > 0 {
		s.logAudit(audit.OpVaultUnlockFailed, map[string]any{"attempts": failures})
	}
	s.logAudit(audit.OpVaultUnlock, map[string]any{"kdf_version": profile.KDFVersion})
	if pre != nil && !pre.Valid {
		s.reportMismatch(pre)
	}
	if repair != nil && repair.Repaired > 0 {
		s.logAudit(audit.OpRepair, map[string]any{"records": repair.Repaired, "unrecoverable": repair.Unrecoverable})
	}
	s.log.Info().Msg("vault unlocked")

	if profile.KDFVersion < s.kdf.Current() {
		handedOff = s.startMigration(ctx, epoch, pw, profile)
	}
	return nil
}

// UnlockWithPasskey unlocks with a raw key previously obtained from
// GetRawKeyForPasskey. Only the real verifier is consulted; integrity and
// audit are unavailable in the resulting session.
func (s *Session) UnlockWithPasskey(ctx context.Context, rawKey []byte) error {
	const op = "unlock with passkey"
	if !s.flight.TryLock() {
		return newError(op, KindBusy, nil)
	}
	defer s.flight.Unlock()

	if !s.IsLocked() {
		return invalidInput(op, "session already unlocked")
	}
	if err := s.checkRateLimit(ctx, op); err != nil {
		return err
	}
	profile, err := loadProfile(ctx, s.st, s.userID)
	if err != nil {
		return err
	}
	if !crypto.VerifyKey(profile.Verifier, rawKey) {
		return s.failedAttempt(ctx, op)
	}

	s.resetRateLimit(ctx)
	key := append([]byte(nil), rawKey...)
	s.activate(ModePasskey, key, nil)
	s.log.Info().Msg("vault unlocked")
	return nil
}

// GetRawKeyForPasskey verifies password against the real profile and
// returns the raw master key for binding to a passkey. The caller must
// wipe it. The key changes when a KDF migration commits.
func (s *Session) GetRawKeyForPasskey(ctx context.Context, password string) ([]byte, error) {
	const op = "get raw key"
	if err := s.checkRateLimit(ctx, op); err != nil {
		return nil, err
	}
	profile, err := loadProfile(ctx, s.st, s.userID)
	if err != nil {
		return nil, err
	}

	pw := passwordBytes(password)
	defer crypto.SecureWipe(pw)
	key, err := s.kdf.DeriveRawKeyBytes(ctx, pw, profile.Salt, profile.KDFVersion)
	if err != nil {
		return nil, deriveError(op, err)
	}
	if !crypto.VerifyKey(profile.Verifier, key) {
		crypto.SecureWipe(key)
		return nil, s.failedAttempt(ctx, op)
	}
	return key, nil
}

// Lock drops all key material. It cancels a running migration without
// waiting for it; the bumped epoch keeps that migration from committing.
func (s *Session) Lock() {
	s.mu.Lock()
	wasReal := s.mode == ModeReal
	wasLocked := s.mode == ModeLocked
	cancel := s.cancelMigration
	s.cancelMigration = nil
	s.epoch++
	s.mode = ModeLocked
	s.key = nil
	s.integrityKey = nil
	s.decoyCategories = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasReal && s.audit != nil {
		if err := s.audit.LogSuccess(audit.OpVaultLock, "", nil); err != nil {
			s.log.Warn().Err(err).Msg("failed to write audit event")
		}
		s.audit.ClearHMACKey()
	}
	if !wasLocked {
		s.log.Info().Msg("vault locked")
	}
}

// WaitMigration blocks until a background migration started by the last
// unlock has finished.
func (s *Session) WaitMigration() {
	s.mu.RLock()
	done := s.migrationDone
	s.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// EncryptData encrypts plaintext under the session key.
func (s *Session) EncryptData(plaintext []byte) (string, error) {
	var out string
	err := s.withKey("encrypt", func(key []byte) error {
		var err error
		out, err = EncryptData(key, plaintext)
		return err
	})
	return out, err
}

// DecryptData opens an envelope under the session key.
func (s *Session) DecryptData(envelope string) ([]byte, error) {
	var out []byte
	err := s.withKey("decrypt", func(key []byte) error {
		var err error
		out, err = DecryptData(key, envelope)
		return err
	})
	return out, err
}

// EncryptItem encrypts item data under the session key.
func (s *Session) EncryptItem(data *VaultItemData) (string, error) {
	var out string
	err := s.withKey("encrypt item", func(key []byte) error {
		var err error
		out, err = EncryptItem(key, data)
		return err
	})
	return out, err
}

// DecryptItem decrypts item data under the session key.
func (s *Session) DecryptItem(envelope string) (*VaultItemData, error) {
	var out *VaultItemData
	err := s.withKey("decrypt item", func(key []byte) error {
		var err error
		out, err = DecryptItem(key, envelope)
		return err
	})
	return out, err
}

// activate moves key and ikey into enclaves (wiping the sources) and
// returns the new epoch.
func (s *Session) activate(mode SessionMode, key, ikey []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.mode = mode
	s.key = memguard.NewEnclave(key)
	s.integrityKey = nil
	if len(ikey) > 0 {
		s.integrityKey = memguard.NewEnclave(ikey)
	}
	s.decoyCategories = nil
	return s.epoch
}

func (s *Session) epochIs(epoch uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch == epoch
}

// commitKey swaps in a migrated key if the session is still the one that
// started the migration.
func (s *Session) commitKey(epoch uint64, key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.mode != ModeReal {
		return false
	}
	s.key = memguard.NewEnclave(append([]byte(nil), key...))
	return true
}

func (s *Session) withKey(op string, fn func(key []byte) error) error {
	s.mu.RLock()
	enc := s.key
	s.mu.RUnlock()
	return openEnclave(op, enc, fn)
}

func (s *Session) withIntegrityKey(op string, fn func(key []byte) error) error {
	s.mu.RLock()
	enc := s.integrityKey
	s.mu.RUnlock()
	return openEnclave(op, enc, fn)
}

func openEnclave(op string, enc *memguard.Enclave, fn func(key []byte) error) error {
	if enc == nil {
		return newError(op, KindLocked, nil)
	}
	buf, err := enc.Open()
	if err != nil {
		return newError(op, KindUnknown, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

func (s *Session) checkRateLimit(ctx context.Context, op string) error {
	remaining, err := s.limiter.Check(ctx)
	if errors.Is(err, ErrCooldownActive) {
		return newError(op, KindRateLimited, fmt.Errorf("retry in %v", remaining.Round(time.Second)))
	}
	if err != nil {
		return storageError(op, err)
	}
	return nil
}

// failedAttempt records the failure and returns the error for the caller.
func (s *Session) failedAttempt(ctx context.Context, op string) error {
	cooldown, err := s.limiter.RecordFailure(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to record unlock failure")
	}
	s.log.Warn().Msg("unlock failed")
	if cooldown > 0 {
		return newError(op, KindRateLimited, fmt.Errorf("too many failed attempts, retry in %v", cooldown))
	}
	return authError(op)
}

// resetRateLimit clears the failure history and returns how many failures
// preceded this unlock, when the limiter can tell.
func (s *Session) resetRateLimit(ctx context.Context) int {
	failures := 0
	if sl, ok := s.limiter.(interface {
		State(context.Context) (*LockState, error)
	}); ok {
		if st, err := sl.State(ctx); err == nil {
			failures = st.FailedAttempts
		}
	}
	if err := s.limiter.Reset(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to reset rate limiter")
	}
	return failures
}

// enableAudit keys the audit chain from the integrity key, which survives
// KDF migrations unchanged.
func (s *Session) enableAudit(ikey []byte) {
	if s.audit == nil {
		return
	}
	if err := s.audit.SetHMACKey(ikey); err != nil {
		s.log.Warn().Err(err).Msg("failed to set audit key")
	}
}

// logAudit writes an audit event in real sessions only.
func (s *Session) logAudit(op string, fields map[string]any) {
	s.logAuditFor(op, "", fields)
}

func (s *Session) logAuditFor(op, subject string, fields map[string]any) {
	if s.audit == nil || s.Mode() != ModeReal {
		return
	}
	if err := s.audit.LogSuccess(op, subject, fields); err != nil {
		s.log.Warn().Err(err).Str("event", op).Msg("failed to write audit event")
	}
}

// precheckIntegrity runs the integrity check with the raw key before the
// session is marked unlocked. A nil result means the check could not run.
func (s *Session) precheckIntegrity(ctx context.Context, ikey []byte) *IntegrityResult {
	entries, err := s.integrityEntries(ctx, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("integrity check skipped")
		return nil
	}
	res, err := VerifyVaultIntegrity(ctx, s.st, entries, ikey, s.userID)
	if err != nil {
		s.log.Warn().Err(err).Msg("integrity check skipped")
		return nil
	}
	if res.IsFirstCheck {
		s.log.Info().Int("items", res.ItemCount).Msg("integrity baseline stored")
	}
	return res
}

// repair heals fields left under an older KDF version. Failures are
// logged and never block the unlock.
func (s *Session) repair(ctx context.Context, pw []byte, profile *Profile, key, ikey []byte) *RepairResult {
	res, err := s.migrator.RepairKeyMismatch(ctx, pw, profile, key)
	if err != nil {
		s.log.Warn().Err(err).Msg("key repair failed")
	}
	if res == nil || res.Repaired == 0 {
		return res
	}
	s.log.Info().Int("records", res.Repaired).Ints("from_versions", res.FromVersions).Msg("repaired records")
	if len(res.items) > 0 {
		s.rootMu.Lock()
		err := ApplyIntegrityChanges(ctx, s.st, ikey, s.userID, res.items, nil)
		s.rootMu.Unlock()
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to refresh integrity root")
		}
	}
	return res
}

// startMigration runs the KDF upgrade, inline or on a goroutine. It
// reports whether the flight guard was handed to the goroutine.
func (s *Session) startMigration(ctx context.Context, epoch uint64, pw []byte, profile *Profile) bool {
	parent := ctx
	if s.async {
		parent = context.WithoutCancel(ctx)
	}
	mctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		cancel()
		return false
	}
	s.cancelMigration = cancel
	s.migrationDone = done
	s.mu.Unlock()

	password := memguard.NewBufferFromBytes(append([]byte(nil), pw...))
	run := func() {
		defer cancel()
		defer password.Destroy()
		s.migrate(mctx, epoch, password.Bytes(), profile)
	}

	if !s.async {
		run()
		close(done)
		return false
	}
	// The flight guard is released before done closes so a waiter can
	// unlock again immediately.
	go func() {
		defer close(done)
		defer s.flight.Unlock()
		run()
	}()
	return true
}

func (s *Session) migrate(ctx context.Context, epoch uint64, pw []byte, profile *Profile) {
	s.writes.Lock()
	defer s.writes.Unlock()

	s.mu.RLock()
	ienc := s.integrityKey
	s.mu.RUnlock()

	var upgrade *KeyUpgrade
	var result *MigrationResult
	err := s.withKey("migrate", func(oldKey []byte) error {
		var err error
		upgrade, result, err = s.migrator.Migrate(ctx, pw, profile, oldKey, func() bool { return s.epochIs(epoch) })
		return err
	})
	// Records this migration left in the store must not show up as
	// tampering on the next check.
	if result != nil && len(result.items) > 0 {
		defer s.applyIntegrity(context.WithoutCancel(ctx), ienc, result.items, nil)
	}
	if upgrade != nil {
		defer upgrade.Wipe()
	}
	if errors.Is(err, errDataAhead) {
		// The data only opens under the new key now; follow it.
		if s.commitKey(epoch, upgrade.Key) {
			s.log.Error().Err(err).Msg("key migration half applied, session moved to the new key")
		}
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("key migration aborted, continuing on current key")
		return
	}
	if upgrade == nil {
		return
	}

	if !s.commitKey(epoch, upgrade.Key) {
		s.log.Debug().Msg("key migration finished after lock, key discarded")
		return
	}
	s.log.Info().
		Int("from_version", result.FromVersion).
		Int("to_version", result.ToVersion).
		Int("records", result.Written).
		Int("skipped", result.AlreadyMigrated).
		Msg("key migration committed")
	s.logAudit(audit.OpKDFUpgrade, map[string]any{
		"from_version": result.FromVersion,
		"to_version":   result.ToVersion,
		"records":      result.Written,
	})
}

// beginWrite admits a write of master-key ciphertext. While a migration
// holds the fence the write fails with KindBusy instead of landing under
// a key that is about to be replaced.
func (s *Session) beginWrite(op string) (func(), error) {
	if !s.writes.TryRLock() {
		return nil, newError(op, KindBusy, errors.New("key migration in progress"))
	}
	return s.writes.RUnlock, nil
}

func deriveError(op string, err error) error {
	switch {
	case errors.Is(err, crypto.ErrInvalidSalt), errors.Is(err, crypto.ErrUnsupportedKDFVersion),
		errors.Is(err, crypto.ErrInvalidKDFParams):
		return newError(op, KindConfiguration, err)
	default:
		return newError(op, KindUnknown, err)
	}
}

// wrapStorage passes *Error values through and classifies the rest as
// storage failures.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return storageError(op, err)
}
