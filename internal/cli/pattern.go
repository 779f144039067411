// Package cli provides shared utilities for CLI commands.
package cli

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// HasGlob reports whether pattern contains glob characters (*?[).
func HasGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// ValidatePatterns checks the glob syntax of every pattern.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("invalid pattern '%s': %w", p, err)
		}
	}
	return nil
}

// MatchTitle reports whether title matches any pattern. Matching is
// case-insensitive and NFC-normalized; a pattern without glob characters
// matches as a substring. '*' does not cross '/'.
func MatchTitle(patterns []string, title string) bool {
	if len(patterns) == 0 {
		return true
	}
	t := fold(title)
	for _, p := range patterns {
		p = fold(p)
		if !HasGlob(p) {
			if strings.Contains(t, p) {
				return true
			}
			continue
		}
		if ok, err := path.Match(p, t); err == nil && ok {
			return true
		}
	}
	return false
}

// FilterTitles returns the indexes of titles matching any pattern,
// preserving order.
func FilterTitles(patterns []string, titles []string) ([]int, error) {
	if err := ValidatePatterns(patterns); err != nil {
		return nil, err
	}
	var out []int
	for i, t := range titles {
		if MatchTitle(patterns, t) {
			out = append(out, i)
		}
	}
	return out, nil
}

func fold(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}
