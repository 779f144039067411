package main

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/spf13/cobra"
)

// Character set constants
const (
	charsetLowercase = "abcdefghijklmnopqrstuvwxyz"
	charsetUppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	charsetDigits    = "0123456789"
	charsetSymbols   = "!@#$%^&*()_+-=[]{}|;:,.<>?"

	minPasswordLength     = 8
	maxPasswordLength     = 256
	defaultPasswordLength = 24
	defaultPasswordCount  = 1
	maxPasswordCount      = 100
	maxExcludeLength      = 256
)

// Generate command flags
var (
	generateLength      int
	generateCount       int
	generateNoSymbols   bool
	generateNoNumbers   bool
	generateNoUppercase bool
	generateNoLowercase bool
	generateExclude     string
)

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().IntVarP(&generateLength, "length", "l", defaultPasswordLength, "Password length (8-256)")
	generateCmd.Flags().IntVarP(&generateCount, "count", "n", defaultPasswordCount, "Number of passwords to generate (1-100)")
	generateCmd.Flags().BoolVar(&generateNoSymbols, "no-symbols", false, "Exclude symbols")
	generateCmd.Flags().BoolVar(&generateNoNumbers, "no-numbers", false, "Exclude numbers")
	generateCmd.Flags().BoolVar(&generateNoUppercase, "no-uppercase", false, "Exclude uppercase letters")
	generateCmd.Flags().BoolVar(&generateNoLowercase, "no-lowercase", false, "Exclude lowercase letters")
	generateCmd.Flags().StringVar(&generateExclude, "exclude", "", "Characters to exclude")
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate secure random passwords",
	Long: `Generate cryptographically secure random passwords. No vault access is needed.

Examples:
  zkvault generate
  zkvault generate -l 32 --no-symbols
  zkvault generate -n 5 --exclude "0O1lI"`,
	// The generator needs no configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateGenerateFlags(); err != nil {
			return err
		}
		charset, err := buildCharset(charsetOptions{
			noLowercase: generateNoLowercase,
			noUppercase: generateNoUppercase,
			noNumbers:   generateNoNumbers,
			noSymbols:   generateNoSymbols,
			exclude:     generateExclude,
		})
		if err != nil {
			return err
		}

		for i := 0; i < generateCount; i++ {
			password, err := generatePassword(charset, generateLength)
			if err != nil {
				return fmt.Errorf("failed to generate password: %w", err)
			}
			fmt.Println(password)
		}
		return nil
	},
}

// validateGenerateFlags validates the generate command flags
func validateGenerateFlags() error {
	if generateLength < minPasswordLength {
		return fmt.Errorf("password length must be at least %d characters", minPasswordLength)
	}
	if generateLength > maxPasswordLength {
		return fmt.Errorf("password length must be at most %d characters", maxPasswordLength)
	}
	if generateCount < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	if generateCount > maxPasswordCount {
		return fmt.Errorf("count must be at most %d", maxPasswordCount)
	}
	if len(generateExclude) > maxExcludeLength {
		return fmt.Errorf("exclude string must be at most %d characters", maxExcludeLength)
	}
	return nil
}

type charsetOptions struct {
	noLowercase, noUppercase, noNumbers, noSymbols bool
	exclude                                        string
}

// defaultCharset is every character class with nothing excluded.
func defaultCharset() string {
	return charsetLowercase + charsetUppercase + charsetDigits + charsetSymbols
}

// buildCharset builds the character set from opts.
func buildCharset(opts charsetOptions) (string, error) {
	var charset strings.Builder
	if !opts.noLowercase {
		charset.WriteString(charsetLowercase)
	}
	if !opts.noUppercase {
		charset.WriteString(charsetUppercase)
	}
	if !opts.noNumbers {
		charset.WriteString(charsetDigits)
	}
	if !opts.noSymbols {
		charset.WriteString(charsetSymbols)
	}

	result := charset.String()
	if opts.exclude != "" {
		result = removeChars(result, opts.exclude)
	}
	if result == "" {
		return "", fmt.Errorf("character set is empty: adjust flags to include at least one character type")
	}
	return result, nil
}

// removeChars removes specified characters from a string
func removeChars(s, chars string) string {
	excludeSet := make(map[rune]bool)
	for _, c := range chars {
		excludeSet[c] = true
	}

	var result strings.Builder
	for _, c := range s {
		if !excludeSet[c] {
			result.WriteRune(c)
		}
	}
	return result.String()
}

// generatePassword generates a cryptographically secure random password
func generatePassword(charset string, length int) (string, error) {
	charsetLen := big.NewInt(int64(len(charset)))
	password := make([]byte, length)

	for i := 0; i < length; i++ {
		idx, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %w", err)
		}
		password[i] = charset[idx.Int64()]
	}
	return string(password), nil
}
