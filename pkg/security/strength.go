// Package security reports on the password health of an unlocked vault.
// It works on decrypted items held by the caller and never persists
// anything derived from them.
package security

import (
	"unicode/utf8"

	"github.com/forest6511/zkvault/pkg/vault"
)

// PasswordStrength represents the strength level of a stored password.
type PasswordStrength int

const (
	// PasswordWeak indicates an insecure password (less than 8 characters).
	PasswordWeak PasswordStrength = iota
	// PasswordFair indicates a minimally acceptable password.
	PasswordFair
	// PasswordGood indicates a good password.
	PasswordGood
	// PasswordStrong indicates a strong password.
	PasswordStrong
)

// String returns a human-readable representation of the password strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "Weak"
	case PasswordFair:
		return "Fair"
	case PasswordGood:
		return "Good"
	case PasswordStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Points returns the score points for this strength level.
// Used in the strength component: Weak=0, Fair=8, Good=17, Strong=25.
func (s PasswordStrength) Points() int {
	switch s {
	case PasswordWeak:
		return 0
	case PasswordFair:
		return 8
	case PasswordGood:
		return 17
	case PasswordStrong:
		return 25
	default:
		return 0
	}
}

// CalculateStrength rates a password by length, the primary factor per
// NIST SP 800-63B (composition rules are discouraged). Length is counted
// in runes so non-Latin passwords are not penalized.
func CalculateStrength(password string) PasswordStrength {
	length := utf8.RuneCountInString(password)

	switch {
	case length >= 20:
		return PasswordStrong
	case length >= 14:
		return PasswordGood
	case length >= 8:
		return PasswordFair
	default:
		return PasswordWeak
	}
}

// hasPassword reports whether the item carries a password worth rating.
func hasPassword(item *vault.DecryptedItem) bool {
	return item != nil && item.Data != nil && item.Data.Password != ""
}

// isLogin reports whether the item is a login, the only type scored for
// TOTP and URL coverage.
func isLogin(item *vault.DecryptedItem) bool {
	if item == nil || item.Data == nil {
		return false
	}
	return item.Data.Type == "" || item.Data.Type == vault.ItemLogin
}
