package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/forest6511/zkvault/pkg/crypto"
	"github.com/forest6511/zkvault/pkg/store"
)

// Profile record fields
const (
	fieldSalt             = "salt"
	fieldVerifier         = "verifier"
	fieldKDFVersion       = "kdf_version"
	fieldDuressEnabled    = "duress_enabled"
	fieldDuressSalt       = "duress_salt"
	fieldDuressVerifier   = "duress_verifier"
	fieldDuressKDFVersion = "duress_kdf_version"
)

// Profile is the persisted per-user unlock material. Verifier always
// corresponds to a key derivable from Salt at KDFVersion.
type Profile struct {
	UserID     string
	Salt       []byte
	Verifier   []byte
	KDFVersion int
	Duress     DuressConfig

	// duressErr is set when stored duress fields were unreadable and
	// Duress was left disabled.
	duressErr error
}

// DuressConfig is the optional panic-password profile. Its salt is
// independent of the real one.
type DuressConfig struct {
	Enabled    bool
	Salt       []byte
	Verifier   []byte
	KDFVersion int
}

var b64 = base64.StdEncoding

func (p *Profile) record() *store.Record {
	fields := map[string]string{
		fieldSalt:       b64.EncodeToString(p.Salt),
		fieldVerifier:   b64.EncodeToString(p.Verifier),
		fieldKDFVersion: strconv.Itoa(p.KDFVersion),
	}
	for k, v := range p.Duress.fields() {
		fields[k] = v
	}
	return &store.Record{ID: p.UserID, UserID: p.UserID, Fields: fields}
}

func (d DuressConfig) fields() map[string]string {
	if !d.Enabled {
		return map[string]string{
			fieldDuressEnabled:    "false",
			fieldDuressSalt:       "",
			fieldDuressVerifier:   "",
			fieldDuressKDFVersion: "",
		}
	}
	return map[string]string{
		fieldDuressEnabled:    "true",
		fieldDuressSalt:       b64.EncodeToString(d.Salt),
		fieldDuressVerifier:   b64.EncodeToString(d.Verifier),
		fieldDuressKDFVersion: strconv.Itoa(d.KDFVersion),
	}
}

// loadProfile reads and validates the profile for userID. Missing or
// malformed real unlock material is a configuration error. Malformed
// duress fields only disable duress.
func loadProfile(ctx context.Context, st store.Reader, userID string) (*Profile, error) {
	const op = "load profile"

	rec, err := st.Get(ctx, store.TableProfiles, store.ByID(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(op, KindNotFound, fmt.Errorf("no profile for user %q", userID))
	}
	if err != nil {
		return nil, storageError(op, err)
	}
	return parseProfile(rec)
}

func parseProfile(rec *store.Record) (*Profile, error) {
	const op = "load profile"

	p := &Profile{UserID: rec.ID}
	var err error
	if p.Salt, err = b64.DecodeString(rec.Field(fieldSalt)); err != nil || len(p.Salt) < crypto.MinSaltLength {
		return nil, newError(op, KindConfiguration, crypto.ErrInvalidSalt)
	}
	if p.Verifier, err = b64.DecodeString(rec.Field(fieldVerifier)); err != nil || len(p.Verifier) == 0 {
		return nil, newError(op, KindConfiguration, errors.New("missing verifier"))
	}
	if p.KDFVersion, err = strconv.Atoi(rec.Field(fieldKDFVersion)); err != nil {
		return nil, newError(op, KindConfiguration, crypto.ErrUnsupportedKDFVersion)
	}

	if rec.Field(fieldDuressEnabled) == "true" {
		d, err := parseDuress(rec)
		if err != nil {
			p.duressErr = err
			return p, nil
		}
		p.Duress = d
	}
	return p, nil
}

func parseDuress(rec *store.Record) (DuressConfig, error) {
	d := DuressConfig{Enabled: true}
	var err error
	if d.Salt, err = b64.DecodeString(rec.Field(fieldDuressSalt)); err != nil || len(d.Salt) < crypto.MinSaltLength {
		return DuressConfig{}, fmt.Errorf("duress: %w", crypto.ErrInvalidSalt)
	}
	if d.Verifier, err = b64.DecodeString(rec.Field(fieldDuressVerifier)); err != nil || len(d.Verifier) == 0 {
		return DuressConfig{}, errors.New("duress: missing verifier")
	}
	if d.KDFVersion, err = strconv.Atoi(rec.Field(fieldDuressKDFVersion)); err != nil {
		return DuressConfig{}, fmt.Errorf("duress: %w", crypto.ErrUnsupportedKDFVersion)
	}
	return d, nil
}
