package cli

import (
	"reflect"
	"testing"
)

func TestFilterTitles(t *testing.T) {
	titles := []string{
		"GitHub",
		"GitLab (work)",
		"Bank of Example",
		"AWS root",
		"AWS/staging",
		"Café",
	}

	tests := []struct {
		name     string
		patterns []string
		expected []int
		wantErr  bool
	}{
		{
			name:     "no patterns matches all",
			patterns: nil,
			expected: []int{0, 1, 2, 3, 4, 5},
		},
		{
			name:     "substring",
			patterns: []string{"git"},
			expected: []int{0, 1},
		},
		{
			name:     "case insensitive glob",
			patterns: []string{"aws *"},
			expected: []int{3},
		},
		{
			name:     "star does not cross slash",
			patterns: []string{"aws*"},
			expected: []int{3},
		},
		{
			name:     "question mark",
			patterns: []string{"git???"},
			expected: []int{0},
		},
		{
			name:     "multiple patterns keep order",
			patterns: []string{"bank*", "github"},
			expected: []int{0, 2},
		},
		{
			name:     "normalized",
			patterns: []string{"café"},
			expected: []int{5},
		},
		{
			name:     "no match",
			patterns: []string{"nonexistent*"},
			expected: nil,
		},
		{
			name:     "invalid pattern",
			patterns: []string{"[invalid"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FilterTitles(tt.patterns, titles)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FilterTitles() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("FilterTitles() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestHasGlob(t *testing.T) {
	tests := map[string]bool{
		"plain": false,
		"a*":    true,
		"a?":    true,
		"[ab]":  true,
	}
	for pattern, want := range tests {
		if got := HasGlob(pattern); got != want {
			t.Errorf("HasGlob(%q) = %v, want %v", pattern, got, want)
		}
	}
}
