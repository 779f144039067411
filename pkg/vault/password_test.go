package vault

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/zkvault/pkg/store"
)

func TestValidateMasterPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		valid    bool
		strength PasswordStrength
	}{
		{"too short", "Ab1!", false, PasswordWeak},
		{"too long", strings.Repeat("a", MaxPasswordLength+1), false, PasswordWeak},
		{"lowercase only", "abcdefgh", true, PasswordWeak},
		{"two classes", "abcdefg1", true, PasswordFair},
		{"good", "abcdefghijK1", true, PasswordGood},
		{"strong", "Correct-Horse-Battery-1", true, PasswordStrong},
		// Length counts runes, not bytes.
		{"multibyte", "パスワード日本語", true, PasswordWeak},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateMasterPassword(tt.password)
			assert.Equal(t, tt.valid, res.Valid)
			assert.Equal(t, tt.strength, res.Strength, "strength %s", res.Strength)
		})
	}
}

func TestPasswordNormalization(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	// "é" precomposed vs "e" + combining acute accent
	composed := "Caf\u00e9-Latte-42!"
	decomposed := "Cafe\u0301-Latte-42!"
	require.NotEqual(t, composed, decomposed)

	s := newTestSession(t, st, currentKDF(t), "alice")
	require.NoError(t, s.Setup(ctx, composed))
	s.Lock()
	require.NoError(t, s.Unlock(ctx, decomposed))
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("abc", "abc"))
	assert.Equal(t, 3, levenshtein("", "abc"))
	assert.Equal(t, 1, levenshtein("abc", "abd"))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
	assert.Equal(t, 1, levenshtein("日本", "日本語"))
}
