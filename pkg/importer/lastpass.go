package importer

import (
	"fmt"
	"strings"

	"github.com/forest6511/zkvault/pkg/vault"
)

// LastPassParser parses LastPass CSV export files:
// url,username,password,totp,extra,name,grouping,fav
type LastPassParser struct{}

// LastPass CSV column names (header-based parsing).
const (
	lpColURL      = "url"
	lpColUsername = "username"
	lpColPassword = "password"
	lpColTOTP     = "totp"
	lpColExtra    = "extra"
	lpColName     = "name"
	lpColGrouping = "grouping"
	lpColFav      = "fav"
)

// lastPassSecureNoteURL marks secure notes in LastPass exports.
const lastPassSecureNoteURL = "http://sn"

// Source returns the source type for this parser.
func (p *LastPassParser) Source() Source {
	return SourceLastPass
}

// Parse parses LastPass CSV data.
func (p *LastPassParser) Parse(data []byte) (*ImportResult, error) {
	result := &ImportResult{}
	counter := 1

	warnings, err := readCSV(data, strings.ToLower, lpColName, func(rowNum int, get func(string) string) {
		value := func(col string) string {
			return decodeHTMLEntities(strings.TrimSpace(get(col)))
		}
		name := value(lpColName)
		url := value(lpColURL)
		username := value(lpColUsername)
		password := value(lpColPassword)
		totp := value(lpColTOTP)
		extra := value(lpColExtra)

		if username == "" && password == "" && totp == "" && extra == "" {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: name, Reason: "no useful data"})
			return
		}

		d := &vault.VaultItemData{
			Title:      cleanTitle(name, url, &counter),
			Type:       vault.ItemLogin,
			Username:   username,
			Password:   password,
			TOTPSecret: totp,
			Favorite:   value(lpColFav) == "1",
		}
		if url == lastPassSecureNoteURL {
			d.Type = vault.ItemNote
		} else {
			d.URL = url
		}
		notes := &noteBuilder{}
		notes.addText(extra)
		var cut bool
		if d.Notes, cut = notes.String(); cut {
			result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: notes truncated", rowNum))
		}

		result.Items = append(result.Items, &ImportedItem{Data: d, Folder: value(lpColGrouping)})
	})
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, warnings...)
	return result, nil
}
