// Package importer parses password manager exports into vault items.
// Supports 1Password CSV, Bitwarden JSON, and LastPass CSV formats.
package importer

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/zkvault/pkg/vault"
)

// Source represents the source password manager format.
type Source string

const (
	Source1Password Source = "1password"
	SourceBitwarden Source = "bitwarden"
	SourceLastPass  Source = "lastpass"
)

// ImportedItem is one parsed entry ready to be stored.
type ImportedItem struct {
	Data *vault.VaultItemData
	// Folder is the source folder or group, created as a category on import.
	Folder string
}

// ImportResult contains the results of a parse.
type ImportResult struct {
	Items    []*ImportedItem
	Warnings []string
	Skipped  []SkippedItem
}

// Wipe drops the parsed secrets.
func (r *ImportResult) Wipe() {
	for _, it := range r.Items {
		it.Data.Wipe()
	}
}

// SkippedItem represents an entry that was not imported.
type SkippedItem struct {
	OriginalName string
	Reason       string
}

// Parser is the interface for export format parsers.
type Parser interface {
	Parse(data []byte) (*ImportResult, error)
	Source() Source
}

// GetParser returns a parser for the given source.
func GetParser(source Source) (Parser, error) {
	switch source {
	case Source1Password:
		return &OnePasswordParser{}, nil
	case SourceBitwarden:
		return &BitwardenParser{}, nil
	case SourceLastPass:
		return &LastPassParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported import source: %s", source)
	}
}

// ValidSources returns a list of valid source names.
func ValidSources() []string {
	return []string{
		string(Source1Password),
		string(SourceBitwarden),
		string(SourceLastPass),
	}
}

// Target is the part of a vault session an import writes to.
type Target interface {
	CreateItem(ctx context.Context, data *vault.VaultItemData) (*vault.VaultItem, error)
	CreateCategory(ctx context.Context, name string) (*vault.Category, error)
	ListCategories(ctx context.Context) ([]*vault.DecryptedCategory, error)
}

// Summary counts what Import stored.
type Summary struct {
	Imported   int
	Categories int
	Failed     []SkippedItem
}

// Import stores every parsed item, creating a category per new folder
// name. A failing item is recorded and the import continues.
func Import(ctx context.Context, t Target, r *ImportResult) (*Summary, error) {
	existing, err := t.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	categories := make(map[string]string, len(existing))
	for _, c := range existing {
		categories[c.Name] = c.Category.ID
	}

	summary := &Summary{}
	for _, it := range r.Items {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if it.Folder != "" {
			id, ok := categories[it.Folder]
			if !ok {
				cat, err := t.CreateCategory(ctx, it.Folder)
				if err != nil {
					return summary, err
				}
				id = cat.ID
				categories[it.Folder] = id
				summary.Categories++
			}
			it.Data.CategoryID = id
		}
		if _, err := t.CreateItem(ctx, it.Data); err != nil {
			summary.Failed = append(summary.Failed, SkippedItem{OriginalName: it.Data.Title, Reason: err.Error()})
			continue
		}
		summary.Imported++
	}
	return summary, nil
}

// cleanTitle normalizes a source name into an item title, falling back to
// the URL hostname or a counter.
func cleanTitle(name, url string, counter *int) string {
	title := norm.NFC.String(strings.TrimSpace(name))
	if title == "" {
		if host := extractHostname(url); host != "" {
			return host
		}
		title = fmt.Sprintf("Imported item %d", *counter)
		*counter++
	}
	return truncate(title, vault.MaxTitleLength)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// extractHostname extracts the hostname from a URL.
func extractHostname(urlStr string) string {
	urlStr = strings.TrimPrefix(urlStr, "https://")
	urlStr = strings.TrimPrefix(urlStr, "http://")

	if idx := strings.Index(urlStr, "/"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	if idx := strings.Index(urlStr, ":"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	return strings.TrimPrefix(urlStr, "www.")
}

// decodeHTMLEntities decodes the entities LastPass writes into exports.
func decodeHTMLEntities(s string) string {
	return htmlEntities.Replace(s)
}

var htmlEntities = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", "\"",
	"&#39;", "'",
	"&apos;", "'",
)

// noteBuilder collects labelled lines for types the item model stores as
// notes (cards, identities, custom fields).
type noteBuilder struct {
	lines []string
}

func (b *noteBuilder) add(label, value string) {
	if value = strings.TrimSpace(value); value != "" {
		b.lines = append(b.lines, label+": "+value)
	}
}

func (b *noteBuilder) addText(text string) {
	if text = strings.TrimSpace(text); text != "" {
		b.lines = append(b.lines, text)
	}
}

// String joins the lines, reporting whether they had to be cut to fit
// the notes limit.
func (b *noteBuilder) String() (string, bool) {
	s := strings.Join(b.lines, "\n")
	if len(s) > vault.MaxNotesSize {
		return truncate(s, vault.MaxNotesSize), true
	}
	return s, false
}

func isEmptyOrWhitespace(s string) bool {
	return strings.TrimSpace(s) == ""
}
