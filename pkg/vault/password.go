package vault

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Password validation constants
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128

	// MinDuressDistance is the minimum edit distance between the real and
	// duress passwords after normalization.
	MinDuressDistance = 4
)

// PasswordStrength represents the strength level of a password
type PasswordStrength int

const (
	PasswordWeak PasswordStrength = iota
	PasswordFair
	PasswordGood
	PasswordStrong
)

// String returns a human-readable representation of password strength
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "weak"
	case PasswordFair:
		return "fair"
	case PasswordGood:
		return "good"
	case PasswordStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// PasswordValidationResult contains the result of password validation
type PasswordValidationResult struct {
	Valid    bool             // Whether password meets minimum requirements
	Strength PasswordStrength // Estimated strength
	Warnings []string         // Suggestions for improvement (not errors)
}

// ValidateMasterPassword checks length limits and estimates strength.
// Complexity only produces warnings. Length is counted in runes after
// normalization.
func ValidateMasterPassword(password string) *PasswordValidationResult {
	result := &PasswordValidationResult{
		Valid:    true,
		Strength: PasswordFair,
	}

	n := utf8.RuneCountInString(normalizePassword(password))
	if n < MinPasswordLength {
		result.Valid = false
		result.Strength = PasswordWeak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
		return result
	}
	if n > MaxPasswordLength {
		result.Valid = false
		result.Strength = PasswordWeak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Password must be at most %d characters", MaxPasswordLength))
		return result
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			hasSymbol = true
		}
	}
	complexity := 0
	for _, ok := range []bool{hasUpper, hasLower, hasDigit, hasSymbol} {
		if ok {
			complexity++
		}
	}

	if complexity < 2 {
		result.Warnings = append(result.Warnings,
			"Consider using a mix of uppercase, lowercase, numbers, and symbols")
	}
	if n < 12 {
		result.Warnings = append(result.Warnings,
			"Longer passwords (12+ characters) are more secure")
	}

	switch {
	case complexity >= 3 && n >= 16:
		result.Strength = PasswordStrong
	case complexity >= 2 && n >= 12:
		result.Strength = PasswordGood
	case complexity >= 2 || n >= 12:
		result.Strength = PasswordFair
	default:
		result.Strength = PasswordWeak
	}

	return result
}

// normalizePassword applies Unicode NFC so that visually identical
// passwords typed on different platforms derive the same key.
func normalizePassword(password string) string {
	return norm.NFC.String(password)
}

// passwordBytes returns the normalized password as bytes for the KDF. The
// caller wipes the result.
func passwordBytes(password string) []byte {
	return []byte(normalizePassword(password))
}

// CheckDuressPassword rejects a duress password that is trivially
// derivable from the real one. Both are NFC-normalized and case-folded
// before comparison. Rejected: too short, equal, one containing the other,
// or an edit distance below MinDuressDistance.
func CheckDuressPassword(realPassword, duressPassword string) error {
	const op = "check duress password"

	if utf8.RuneCountInString(normalizePassword(duressPassword)) < MinPasswordLength {
		return invalidInput(op, "duress password must be at least %d characters", MinPasswordLength)
	}

	r := strings.ToLower(normalizePassword(realPassword))
	d := strings.ToLower(normalizePassword(duressPassword))

	switch {
	case r == d:
		return invalidInput(op, "duress password must differ from the master password")
	case strings.Contains(r, d) || strings.Contains(d, r):
		return invalidInput(op, "duress password must not contain or be contained in the master password")
	case levenshtein(r, d) < MinDuressDistance:
		return invalidInput(op, "duress password is too similar to the master password")
	}
	return nil
}

// levenshtein returns the rune-level edit distance between a and b.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
