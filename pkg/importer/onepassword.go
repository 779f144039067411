package importer

import (
	"fmt"
	"strings"

	"github.com/forest6511/zkvault/pkg/vault"
)

// OnePasswordParser parses 1Password CSV export files:
// Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes
type OnePasswordParser struct{}

// 1Password CSV column names (header-based parsing).
const (
	op1ColTitle    = "Title"
	op1ColWebsite  = "Website"
	op1ColUsername = "Username"
	op1ColPassword = "Password"
	op1ColOTPAuth  = "OTPAuth"
	op1ColFavorite = "Favorite"
	op1ColArchived = "Archived"
	op1ColTags     = "Tags"
	op1ColNotes    = "Notes"
)

// Source returns the source type for this parser.
func (p *OnePasswordParser) Source() Source {
	return Source1Password
}

// Parse parses 1Password CSV data. Archived entries are skipped; the
// first tag becomes the folder.
func (p *OnePasswordParser) Parse(data []byte) (*ImportResult, error) {
	result := &ImportResult{}
	counter := 1

	identity := func(s string) string { return strings.TrimSpace(s) }
	warnings, err := readCSV(data, identity, op1ColTitle, func(rowNum int, get func(string) string) {
		value := func(col string) string { return strings.TrimSpace(get(col)) }
		title := value(op1ColTitle)
		website := value(op1ColWebsite)
		username := value(op1ColUsername)
		password := value(op1ColPassword)
		otpAuth := value(op1ColOTPAuth)
		rawNotes := value(op1ColNotes)

		if isTrue(value(op1ColArchived)) {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: title, Reason: "archived"})
			return
		}
		if username == "" && password == "" && otpAuth == "" && rawNotes == "" {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: title, Reason: "no useful data"})
			return
		}

		d := &vault.VaultItemData{
			Title:      cleanTitle(title, website, &counter),
			Type:       vault.ItemLogin,
			URL:        website,
			Username:   username,
			Password:   password,
			TOTPSecret: otpAuth,
			Favorite:   isTrue(value(op1ColFavorite)),
		}
		if username == "" && password == "" && otpAuth == "" {
			d.Type = vault.ItemNote
		}

		notes := &noteBuilder{}
		notes.addText(rawNotes)
		var cut bool
		if d.Notes, cut = notes.String(); cut {
			result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: notes truncated", rowNum))
		}

		var folder string
		for _, t := range strings.Split(value(op1ColTags), ",") {
			if t = strings.TrimSpace(t); t != "" {
				folder = t
				break
			}
		}
		result.Items = append(result.Items, &ImportedItem{Data: d, Folder: folder})
	})
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, warnings...)
	return result, nil
}

func isTrue(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	}
	return false
}
