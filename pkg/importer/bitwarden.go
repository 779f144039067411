package importer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forest6511/zkvault/pkg/vault"
)

// BitwardenParser parses Bitwarden JSON export files (unencrypted).
type BitwardenParser struct{}

// Bitwarden item types.
const (
	bitwardenTypeLogin      = 1
	bitwardenTypeSecureNote = 2
	bitwardenTypeCard       = 3
	bitwardenTypeIdentity   = 4
)

// Bitwarden custom field types.
const (
	bitwardenFieldText    = 0
	bitwardenFieldHidden  = 1
	bitwardenFieldBoolean = 2
)

type bitwardenExport struct {
	Encrypted bool              `json:"encrypted"`
	Items     []bitwardenItem   `json:"items"`
	Folders   []bitwardenFolder `json:"folders"`
}

type bitwardenFolder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type bitwardenItem struct {
	Type     int                    `json:"type"`
	Name     string                 `json:"name"`
	Notes    string                 `json:"notes"`
	Favorite bool                   `json:"favorite"`
	FolderID *string                `json:"folderId"`
	Login    *bitwardenLogin        `json:"login"`
	Card     *bitwardenCard         `json:"card"`
	Identity *bitwardenIdentity     `json:"identity"`
	Fields   []bitwardenCustomField `json:"fields"`
}

type bitwardenLogin struct {
	URIs     []bitwardenURI `json:"uris"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	TOTP     string         `json:"totp"`
}

type bitwardenURI struct {
	URI string `json:"uri"`
}

type bitwardenCard struct {
	CardholderName string `json:"cardholderName"`
	Number         string `json:"number"`
	ExpMonth       string `json:"expMonth"`
	ExpYear        string `json:"expYear"`
	Code           string `json:"code"`
	Brand          string `json:"brand"`
}

type bitwardenIdentity struct {
	Title          string `json:"title"`
	FirstName      string `json:"firstName"`
	MiddleName     string `json:"middleName"`
	LastName       string `json:"lastName"`
	Username       string `json:"username"`
	Company        string `json:"company"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Address1       string `json:"address1"`
	Address2       string `json:"address2"`
	Address3       string `json:"address3"`
	City           string `json:"city"`
	State          string `json:"state"`
	PostalCode     string `json:"postalCode"`
	Country        string `json:"country"`
	SSN            string `json:"ssn"`
	PassportNumber string `json:"passportNumber"`
	LicenseNumber  string `json:"licenseNumber"`
}

type bitwardenCustomField struct {
	Name  string  `json:"name"`
	Value *string `json:"value"`
	Type  int     `json:"type"`
}

// Source returns the source type for this parser.
func (p *BitwardenParser) Source() Source {
	return SourceBitwarden
}

// Parse parses Bitwarden JSON data.
func (p *BitwardenParser) Parse(data []byte) (*ImportResult, error) {
	var export bitwardenExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse Bitwarden JSON: %w", err)
	}
	if export.Encrypted {
		return nil, fmt.Errorf("encrypted Bitwarden exports are not supported; export as unencrypted JSON")
	}

	folders := make(map[string]string, len(export.Folders))
	for _, f := range export.Folders {
		folders[f.ID] = f.Name
	}

	result := &ImportResult{}
	counter := 1
	for i := range export.Items {
		item := &export.Items[i]
		d, warning := p.parseItem(item, &counter)
		if warning != "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("item %d (%s): %s", i+1, item.Name, warning))
		}
		if d == nil {
			if warning == "" {
				result.Skipped = append(result.Skipped, SkippedItem{OriginalName: item.Name, Reason: "no useful data"})
			}
			continue
		}
		var folder string
		if item.FolderID != nil {
			folder = folders[*item.FolderID]
		}
		result.Items = append(result.Items, &ImportedItem{Data: d, Folder: folder})
	}
	return result, nil
}

// parseItem maps one Bitwarden item. A nil result with an empty warning
// means the item held nothing worth importing.
func (p *BitwardenParser) parseItem(item *bitwardenItem, counter *int) (*vault.VaultItemData, string) {
	d := &vault.VaultItemData{Favorite: item.Favorite}
	notes := &noteBuilder{}

	switch item.Type {
	case bitwardenTypeLogin:
		d.Type = vault.ItemLogin
		if l := item.Login; l != nil {
			d.Username = l.Username
			d.Password = l.Password
			d.TOTPSecret = l.TOTP
			for i, u := range l.URIs {
				if u.URI == "" {
					continue
				}
				if d.URL == "" {
					d.URL = u.URI
				} else {
					notes.add(fmt.Sprintf("URL %d", i+1), u.URI)
				}
			}
		}
	case bitwardenTypeSecureNote:
		d.Type = vault.ItemNote
	case bitwardenTypeCard:
		d.Type = vault.ItemCard
		if c := item.Card; c != nil {
			notes.add("Cardholder", c.CardholderName)
			notes.add("Brand", c.Brand)
			notes.add("Number", c.Number)
			if c.ExpMonth != "" || c.ExpYear != "" {
				notes.add("Expires", c.ExpMonth+"/"+c.ExpYear)
			}
			// The security code is the card's password.
			d.Password = c.Code
		}
	case bitwardenTypeIdentity:
		d.Type = vault.ItemIdentity
		if id := item.Identity; id != nil {
			d.Username = id.Username
			name := strings.Join(strings.Fields(strings.Join([]string{id.Title, id.FirstName, id.MiddleName, id.LastName}, " ")), " ")
			notes.add("Name", name)
			notes.add("Company", id.Company)
			notes.add("Email", id.Email)
			notes.add("Phone", id.Phone)
			address := strings.Join(strings.Fields(strings.Join([]string{id.Address1, id.Address2, id.Address3, id.City, id.State, id.PostalCode, id.Country}, " ")), " ")
			notes.add("Address", address)
			notes.add("SSN", id.SSN)
			notes.add("Passport", id.PassportNumber)
			notes.add("License", id.LicenseNumber)
		}
	default:
		return nil, fmt.Sprintf("unsupported item type: %d", item.Type)
	}

	for _, cf := range item.Fields {
		if cf.Value == nil {
			continue
		}
		label := strings.TrimSpace(cf.Name)
		if label == "" {
			label = "Custom field"
		}
		switch cf.Type {
		case bitwardenFieldText, bitwardenFieldHidden, bitwardenFieldBoolean:
			notes.add(label, *cf.Value)
		}
	}
	notes.addText(item.Notes)

	var warning string
	var cut bool
	if d.Notes, cut = notes.String(); cut {
		warning = "notes truncated"
	}
	if isEmptyOrWhitespace(d.Username) && isEmptyOrWhitespace(d.Password) &&
		isEmptyOrWhitespace(d.TOTPSecret) && isEmptyOrWhitespace(d.Notes) {
		return nil, ""
	}
	d.Title = cleanTitle(item.Name, d.URL, counter)
	return d, warning
}
