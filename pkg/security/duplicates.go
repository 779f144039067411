package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/zkvault/pkg/vault"
)

// DuplicateGroup represents a group of items sharing the same password.
type DuplicateGroup struct {
	// ItemIDs contains the IDs of the items with duplicate values.
	ItemIDs []string `json:"item_ids,omitempty"`
	// Titles contains the matching item titles, in ItemIDs order.
	Titles []string `json:"titles,omitempty"`
	// Count is the number of duplicates.
	Count int `json:"count"`
}

// duplicateEntry tracks a single password occurrence for grouping.
type duplicateEntry struct {
	id    string
	title string
	hash  string
}

// FindDuplicates groups items that share a password.
// Uses HMAC-SHA256 with a report-local key for privacy-preserving comparison.
// Returns groups sorted by count (most duplicated first).
//
// Security properties:
// - HMAC with a report-local key prevents offline guessing attacks
// - Hashes are computed per report, never persisted
// - Values are normalized (trimmed whitespace, Unicode NFC)
func (c *Calculator) FindDuplicates(items []*vault.DecryptedItem, limit int) ([]DuplicateGroup, error) {
	if err := c.ensureKey(); err != nil {
		return nil, err
	}

	var entries []duplicateEntry
	for _, item := range items {
		if !hasPassword(item) {
			continue
		}
		value := normalizeValue(item.Data.Password)
		if value == "" {
			continue
		}
		entries = append(entries, duplicateEntry{
			id:    item.Item.ID,
			title: item.Data.Title,
			hash:  computeValueHash(value, c.hmacKey),
		})
	}

	hashGroups := make(map[string][]duplicateEntry)
	for _, entry := range entries {
		hashGroups[entry.hash] = append(hashGroups[entry.hash], entry)
	}

	var groups []DuplicateGroup
	for _, entries := range hashGroups {
		if len(entries) <= 1 {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
		group := DuplicateGroup{Count: len(entries)}
		for _, entry := range entries {
			group.ItemIDs = append(group.ItemIDs, entry.id)
			group.Titles = append(group.Titles, entry.title)
		}
		groups = append(groups, group)
	}

	// Count descending, then first ID for a stable order.
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].ItemIDs[0] < groups[j].ItemIDs[0]
	})

	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

func (c *Calculator) ensureKey() error {
	if c.hmacKey != nil {
		return nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	c.hmacKey = key
	return nil
}

// computeValueHash computes HMAC-SHA256 of a value with the report key.
func computeValueHash(value string, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeValue trims surrounding whitespace and applies NFC so the same
// password typed on different platforms compares equal.
func normalizeValue(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}

// FindWeakPasswords returns an issue for every item whose password rates Weak.
func (c *Calculator) FindWeakPasswords(items []*vault.DecryptedItem, limit int) []SecurityIssue {
	var issues []SecurityIssue

	for _, item := range items {
		if !hasPassword(item) {
			continue
		}
		if CalculateStrength(item.Data.Password) != PasswordWeak {
			continue
		}
		issues = append(issues, SecurityIssue{
			Type:        IssueWeakPassword,
			Severity:    SeverityWarning,
			ItemID:      item.Item.ID,
			Title:       item.Data.Title,
			Description: "Password has insufficient strength (" + formatLength(item.Data.Password) + ")",
			Suggestion:  "Use a longer password (14+ characters)",
		})
	}

	if limit > 0 && len(issues) > limit {
		issues = issues[:limit]
	}
	return issues
}

// formatLength returns a human-readable length description.
func formatLength(password string) string {
	n := len([]rune(password))
	if n == 1 {
		return "1 character"
	}
	return strconv.Itoa(n) + " characters"
}
