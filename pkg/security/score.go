package security

import (
	"context"

	"github.com/forest6511/zkvault/pkg/vault"
)

// Report is the password health assessment of a vault.
type Report struct {
	// Overall is the total score (0-100).
	Overall int `json:"overall"`
	// Components breaks down the score into categories.
	Components ScoreComponents `json:"components"`
	// Items is the number of items assessed.
	Items int `json:"items"`
	// Issues contains the detected problems.
	Issues []SecurityIssue `json:"issues"`
	// Duplicates lists password reuse groups.
	Duplicates []DuplicateGroup `json:"duplicates,omitempty"`
	// Suggestions provides actionable recommendations.
	Suggestions []string `json:"suggestions"`
}

// ScoreComponents breaks down the score into categories.
// Each component contributes up to 25 points (total: 100).
type ScoreComponents struct {
	// StrengthScore is based on average password strength (0-25).
	StrengthScore int `json:"strength"`
	// UniquenessScore is based on percentage of unique passwords (0-25).
	UniquenessScore int `json:"uniqueness"`
	// TOTPScore is based on the share of logins with a TOTP secret (0-25).
	TOTPScore int `json:"totp"`
	// URLScore is based on the share of logins bound to a URL (0-25).
	URLScore int `json:"url"`
}

// IssueType identifies the type of issue.
type IssueType string

const (
	// IssueWeakPassword indicates a password with insufficient strength.
	IssueWeakPassword IssueType = "weak"
	// IssueDuplicatePassword indicates a password reused across items.
	IssueDuplicatePassword IssueType = "duplicate"
	// IssueMissingTOTP indicates a login without a second factor.
	IssueMissingTOTP IssueType = "missing_totp"
	// IssueMissingURL indicates a login not bound to a site.
	IssueMissingURL IssueType = "missing_url"
)

// Severity indicates the urgency of an issue.
type Severity string

const (
	// SeverityCritical requires immediate attention.
	SeverityCritical Severity = "critical"
	// SeverityWarning should be addressed soon.
	SeverityWarning Severity = "warning"
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"
)

// SecurityIssue represents a detected problem.
type SecurityIssue struct {
	// Type identifies the category of issue.
	Type IssueType `json:"type"`
	// Severity indicates urgency.
	Severity Severity `json:"severity"`
	// ItemID is the affected item, empty for duplicate groups.
	ItemID string `json:"item_id,omitempty"`
	// ItemIDs is used for duplicate issues (multiple items).
	ItemIDs []string `json:"item_ids,omitempty"`
	// Title is the affected item's title.
	Title string `json:"title,omitempty"`
	// Description explains the issue.
	Description string `json:"description"`
	// Suggestion provides remediation guidance.
	Suggestion string `json:"suggestion,omitempty"`
}

// ItemLister is the part of a vault session the report reads from.
type ItemLister interface {
	ListItems(ctx context.Context) ([]*vault.DecryptedItem, error)
}

// Calculator computes health reports. A Calculator keeps its HMAC key
// for its own lifetime only; create one per report.
type Calculator struct {
	hmacKey []byte // report-local key for duplicate detection
}

// NewCalculator creates a new calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// ReportFor lists the session's items and computes their report.
func (c *Calculator) ReportFor(ctx context.Context, s ItemLister) (*Report, error) {
	items, err := s.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, it := range items {
			it.Data.Wipe()
		}
	}()
	return c.Calculate(items)
}

// Calculate computes the full report for items.
func (c *Calculator) Calculate(items []*vault.DecryptedItem) (*Report, error) {
	if len(items) == 0 {
		return &Report{
			Overall: 100,
			Components: ScoreComponents{
				StrengthScore:   25,
				UniquenessScore: 25,
				TOTPScore:       25,
				URLScore:        25,
			},
			Issues:      []SecurityIssue{},
			Suggestions: []string{},
		}, nil
	}

	strengthScore, weakIssues := c.calculateStrengthScore(items)
	uniquenessScore, dupIssues, groups, err := c.calculateUniquenessScore(items)
	if err != nil {
		return nil, err
	}
	totpScore, totpIssues := coverageScore(items, func(d *vault.VaultItemData) bool { return d.TOTPSecret != "" },
		IssueMissingTOTP, "Login has no TOTP secret", "Enable two-factor authentication where the site supports it")
	urlScore, urlIssues := coverageScore(items, func(d *vault.VaultItemData) bool { return d.URL != "" },
		IssueMissingURL, "Login is not bound to a URL", "Add the site URL so the login is only offered there")

	issues := make([]SecurityIssue, 0, len(weakIssues)+len(dupIssues)+len(totpIssues)+len(urlIssues))
	issues = append(issues, weakIssues...)
	issues = append(issues, dupIssues...)
	issues = append(issues, totpIssues...)
	issues = append(issues, urlIssues...)

	return &Report{
		Overall: strengthScore + uniquenessScore + totpScore + urlScore,
		Components: ScoreComponents{
			StrengthScore:   strengthScore,
			UniquenessScore: uniquenessScore,
			TOTPScore:       totpScore,
			URLScore:        urlScore,
		},
		Items:       len(items),
		Issues:      issues,
		Duplicates:  groups,
		Suggestions: generateSuggestions(issues),
	}, nil
}

// calculateStrengthScore averages strength points over items with a
// password. Returns score (0-25) and weak password issues.
func (c *Calculator) calculateStrengthScore(items []*vault.DecryptedItem) (int, []SecurityIssue) {
	totalPoints := 0
	passwordCount := 0
	for _, item := range items {
		if !hasPassword(item) {
			continue
		}
		passwordCount++
		totalPoints += CalculateStrength(item.Data.Password).Points()
	}

	// No passwords: full score (N/A)
	if passwordCount == 0 {
		return 25, nil
	}
	score := totalPoints / passwordCount
	if score > 25 {
		score = 25
	}
	return score, c.FindWeakPasswords(items, 0)
}

// calculateUniquenessScore evaluates password reuse.
// Returns score (0-25), duplicate issues and the groups behind them.
func (c *Calculator) calculateUniquenessScore(items []*vault.DecryptedItem) (int, []SecurityIssue, []DuplicateGroup, error) {
	groups, err := c.FindDuplicates(items, 0)
	if err != nil {
		return 0, nil, nil, err
	}

	unique := make(map[string]bool)
	total := 0
	for _, item := range items {
		if !hasPassword(item) {
			continue
		}
		value := normalizeValue(item.Data.Password)
		if value == "" {
			continue
		}
		total++
		unique[computeValueHash(value, c.hmacKey)] = true
	}

	// No passwords: full score (N/A)
	if total == 0 {
		return 25, nil, groups, nil
	}

	var issues []SecurityIssue
	for _, g := range groups {
		issues = append(issues, SecurityIssue{
			Type:        IssueDuplicatePassword,
			Severity:    SeverityWarning,
			ItemIDs:     g.ItemIDs,
			Description: "Multiple items share the same password",
			Suggestion:  "Use a unique password for each item",
		})
	}
	score := len(unique) * 25 / total
	return score, issues, groups, nil
}

// coverageScore scores the share of login items satisfying has and
// reports the rest as informational issues.
func coverageScore(items []*vault.DecryptedItem, has func(*vault.VaultItemData) bool, typ IssueType, desc, suggestion string) (int, []SecurityIssue) {
	var issues []SecurityIssue
	logins, covered := 0, 0
	for _, item := range items {
		if !isLogin(item) {
			continue
		}
		logins++
		if has(item.Data) {
			covered++
			continue
		}
		issues = append(issues, SecurityIssue{
			Type:        typ,
			Severity:    SeverityInfo,
			ItemID:      item.Item.ID,
			Title:       item.Data.Title,
			Description: desc,
			Suggestion:  suggestion,
		})
	}

	// No logins: full score (N/A)
	if logins == 0 {
		return 25, issues
	}
	return covered * 25 / logins, issues
}

// generateSuggestions creates actionable recommendations based on issues.
func generateSuggestions(issues []SecurityIssue) []string {
	seen := map[IssueType]bool{}
	for _, issue := range issues {
		seen[issue.Type] = true
	}

	suggestions := []string{}
	if seen[IssueWeakPassword] {
		suggestions = append(suggestions, "Update weak passwords with stronger alternatives (14+ characters)")
	}
	if seen[IssueDuplicatePassword] {
		suggestions = append(suggestions, "Replace duplicate passwords with unique values")
	}
	if seen[IssueMissingTOTP] {
		suggestions = append(suggestions, "Store TOTP secrets for logins that support two-factor authentication")
	}
	if seen[IssueMissingURL] {
		suggestions = append(suggestions, "Add URLs to logins so they are only filled on the right site")
	}
	return suggestions
}
