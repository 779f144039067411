package importer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/forest6511/zkvault/pkg/vault"
)

func TestGetParser(t *testing.T) {
	for _, name := range ValidSources() {
		p, err := GetParser(Source(name))
		if err != nil {
			t.Fatalf("GetParser(%q) error = %v", name, err)
		}
		if string(p.Source()) != name {
			t.Errorf("GetParser(%q).Source() = %q", name, p.Source())
		}
	}
	if _, err := GetParser("keepass"); err == nil {
		t.Error("GetParser(keepass) should fail")
	}
}

func TestCleanTitle(t *testing.T) {
	counter := 1
	tests := []struct {
		name, url, want string
	}{
		{"  GitHub  ", "", "GitHub"},
		{"", "https://www.example.com:8443/login", "example.com"},
		{"", "", "Imported item 1"},
		{"", "", "Imported item 2"},
		// NFD e + combining acute becomes a single rune
		{"Cafe\u0301", "", "Caf\u00e9"},
	}
	for _, tt := range tests {
		if got := cleanTitle(tt.name, tt.url, &counter); got != tt.want {
			t.Errorf("cleanTitle(%q, %q) = %q, want %q", tt.name, tt.url, got, tt.want)
		}
	}

	long := strings.Repeat("é", vault.MaxTitleLength)
	if got := cleanTitle(long, "", &counter); len(got) > vault.MaxTitleLength || !strings.HasPrefix(long, got) {
		t.Errorf("cleanTitle(long) = %d bytes, want <= %d on a rune boundary", len(got), vault.MaxTitleLength)
	}
}

func TestNoteBuilder(t *testing.T) {
	b := &noteBuilder{}
	b.add("Brand", "Visa")
	b.add("Empty", "   ")
	b.addText("  free text ")
	got, cut := b.String()
	if got != "Brand: Visa\nfree text" || cut {
		t.Errorf("String() = %q, %v", got, cut)
	}

	b.addText(strings.Repeat("x", vault.MaxNotesSize))
	got, cut = b.String()
	if !cut || len(got) != vault.MaxNotesSize {
		t.Errorf("String() len = %d cut = %v, want %d true", len(got), cut, vault.MaxNotesSize)
	}
}

func TestOnePasswordParser(t *testing.T) {
	data := "\xEF\xBB\xBFTitle,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes\n" +
		"GitHub,https://github.com,octo,s3cret,otpauth://totp/x,true,false,\"Work,Dev\",note one\n" +
		"Old,https://old.example.com,u,p,,false,true,,\n" +
		"Empty,https://empty.example.com,,,,false,false,,\n" +
		"Diary,,,,,false,false,Personal,dear diary\n" +
		"Broken,only-two-columns\n"

	r, err := (&OnePasswordParser{}).Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(r.Items) != 2 {
		t.Fatalf("Items = %d, want 2", len(r.Items))
	}

	gh := r.Items[0]
	if gh.Data.Title != "GitHub" || gh.Data.Username != "octo" || gh.Data.Password != "s3cret" ||
		gh.Data.TOTPSecret != "otpauth://totp/x" || gh.Data.URL != "https://github.com" ||
		!gh.Data.Favorite || gh.Data.Type != vault.ItemLogin {
		t.Errorf("GitHub item = %+v", gh.Data)
	}
	if gh.Folder != "Work" {
		t.Errorf("Folder = %q, want Work", gh.Folder)
	}

	diary := r.Items[1]
	if diary.Data.Type != vault.ItemNote || diary.Data.Notes != "dear diary" || diary.Folder != "Personal" {
		t.Errorf("Diary item = %+v folder %q", diary.Data, diary.Folder)
	}

	if len(r.Skipped) != 2 {
		t.Errorf("Skipped = %+v, want archived and empty", r.Skipped)
	}
	if len(r.Warnings) != 1 || !strings.Contains(r.Warnings[0], "row 6") {
		t.Errorf("Warnings = %v, want a column count warning for row 6", r.Warnings)
	}
}

func TestOnePasswordParser_MissingTitle(t *testing.T) {
	if _, err := (&OnePasswordParser{}).Parse([]byte("Name,Password\na,b\n")); err == nil {
		t.Error("Parse() should fail without a Title column")
	}
}

func TestLastPassParser(t *testing.T) {
	data := "url,username,password,totp,extra,name,grouping,fav\n" +
		"https://example.com,me,p&amp;ss,,,Example,Social,1\n" +
		"http://sn,,,,secret &lt;note&gt;,Note,,0\n" +
		"https://blank.example.com,,,,,Blank,,0\n"

	r, err := (&LastPassParser{}).Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(r.Items) != 2 || len(r.Skipped) != 1 {
		t.Fatalf("Items = %d Skipped = %d, want 2 and 1", len(r.Items), len(r.Skipped))
	}

	login := r.Items[0]
	if login.Data.Password != "p&ss" || login.Data.URL != "https://example.com" || !login.Data.Favorite || login.Folder != "Social" {
		t.Errorf("login = %+v folder %q", login.Data, login.Folder)
	}

	note := r.Items[1]
	if note.Data.Type != vault.ItemNote || note.Data.URL != "" || note.Data.Notes != "secret <note>" {
		t.Errorf("note = %+v", note.Data)
	}
}

func TestLastPassParser_UppercaseHeader(t *testing.T) {
	data := "URL,Username,Password,TOTP,Extra,Name,Grouping,Fav\nhttps://a.example.com,u,p,,,A,,0\n"
	r, err := (&LastPassParser{}).Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(r.Items) != 1 || r.Items[0].Data.Title != "A" {
		t.Errorf("Items = %+v", r.Items)
	}
}

const bitwardenExportJSON = `{
  "encrypted": false,
  "folders": [{"id": "f1", "name": "Finance"}],
  "items": [
    {
      "type": 1, "name": "Bank", "favorite": true, "folderId": "f1",
      "notes": "branch 12",
      "login": {
        "username": "alice", "password": "pw", "totp": "JBSWY3DPEHPK3PXP",
        "uris": [{"uri": "https://bank.example.com"}, {"uri": "https://m.bank.example.com"}]
      },
      "fields": [{"name": "PIN", "value": "1234", "type": 1}, {"name": "nil", "value": null, "type": 0}]
    },
    {
      "type": 3, "name": "Visa", "folderId": null,
      "card": {"cardholderName": "Alice", "number": "4111111111111111", "expMonth": "12", "expYear": "2030", "code": "123", "brand": "Visa"}
    },
    {
      "type": 4, "name": "Me",
      "identity": {"firstName": "Alice", "lastName": "Smith", "email": "a@example.com", "city": "Tokyo"}
    },
    {"type": 2, "name": "Empty note", "notes": "  "},
    {"type": 5, "name": "SSH key"}
  ]
}`

func TestBitwardenParser(t *testing.T) {
	r, err := (&BitwardenParser{}).Parse([]byte(bitwardenExportJSON))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(r.Items) != 3 {
		t.Fatalf("Items = %d, want 3", len(r.Items))
	}

	bank := r.Items[0]
	if bank.Folder != "Finance" || bank.Data.URL != "https://bank.example.com" || bank.Data.TOTPSecret == "" || !bank.Data.Favorite {
		t.Errorf("bank = %+v folder %q", bank.Data, bank.Folder)
	}
	wantNotes := "URL 2: https://m.bank.example.com\nPIN: 1234\nbranch 12"
	if bank.Data.Notes != wantNotes {
		t.Errorf("bank notes = %q, want %q", bank.Data.Notes, wantNotes)
	}

	card := r.Items[1]
	if card.Data.Type != vault.ItemCard || card.Data.Password != "123" || card.Folder != "" {
		t.Errorf("card = %+v", card.Data)
	}
	if !strings.Contains(card.Data.Notes, "Expires: 12/2030") || !strings.Contains(card.Data.Notes, "Number: 4111111111111111") {
		t.Errorf("card notes = %q", card.Data.Notes)
	}

	id := r.Items[2]
	if id.Data.Type != vault.ItemIdentity || !strings.Contains(id.Data.Notes, "Name: Alice Smith") || !strings.Contains(id.Data.Notes, "Address: Tokyo") {
		t.Errorf("identity = %+v", id.Data)
	}

	if len(r.Skipped) != 1 || r.Skipped[0].OriginalName != "Empty note" {
		t.Errorf("Skipped = %+v", r.Skipped)
	}
	if len(r.Warnings) != 1 || !strings.Contains(r.Warnings[0], "unsupported item type: 5") {
		t.Errorf("Warnings = %v", r.Warnings)
	}
}

func TestBitwardenParser_Rejects(t *testing.T) {
	p := &BitwardenParser{}
	if _, err := p.Parse([]byte(`{"encrypted": true, "items": []}`)); err == nil {
		t.Error("encrypted export should be rejected")
	}
	if _, err := p.Parse([]byte(`not json`)); err == nil {
		t.Error("invalid JSON should be rejected")
	}
}

type fakeTarget struct {
	items      []*vault.VaultItemData
	categories []*vault.DecryptedCategory
	created    []string
	failTitle  string
}

func (f *fakeTarget) CreateItem(_ context.Context, d *vault.VaultItemData) (*vault.VaultItem, error) {
	if d.Title == f.failTitle {
		return nil, errors.New("rejected")
	}
	f.items = append(f.items, d)
	return &vault.VaultItem{ID: d.Title}, nil
}

func (f *fakeTarget) CreateCategory(_ context.Context, name string) (*vault.Category, error) {
	f.created = append(f.created, name)
	return &vault.Category{ID: "cat-" + name}, nil
}

func (f *fakeTarget) ListCategories(context.Context) ([]*vault.DecryptedCategory, error) {
	return f.categories, nil
}

func TestImport(t *testing.T) {
	target := &fakeTarget{
		categories: []*vault.DecryptedCategory{{Category: &vault.Category{ID: "existing"}, Name: "Work"}},
		failTitle:  "Bad",
	}
	r := &ImportResult{Items: []*ImportedItem{
		{Data: &vault.VaultItemData{Title: "A", Password: "a"}, Folder: "Work"},
		{Data: &vault.VaultItemData{Title: "B", Password: "b"}, Folder: "Home"},
		{Data: &vault.VaultItemData{Title: "C", Password: "c"}, Folder: "Home"},
		{Data: &vault.VaultItemData{Title: "Bad"}},
		{Data: &vault.VaultItemData{Title: "D"}},
	}}

	s, err := Import(context.Background(), target, r)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if s.Imported != 4 || s.Categories != 1 || len(s.Failed) != 1 {
		t.Errorf("Summary = %+v", s)
	}
	if len(target.created) != 1 || target.created[0] != "Home" {
		t.Errorf("created categories = %v, want [Home]", target.created)
	}
	if target.items[0].CategoryID != "existing" || target.items[1].CategoryID != "cat-Home" || target.items[3].CategoryID != "" {
		t.Errorf("category IDs = %q %q %q", target.items[0].CategoryID, target.items[1].CategoryID, target.items[3].CategoryID)
	}

	r.Wipe()
	if target.items[0].Password != "" {
		t.Error("Wipe() should clear imported passwords")
	}
}

func TestImport_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &ImportResult{Items: []*ImportedItem{{Data: &vault.VaultItemData{Title: "A"}}}}
	if _, err := Import(ctx, &fakeTarget{}, r); !errors.Is(err, context.Canceled) {
		t.Errorf("Import() error = %v, want context.Canceled", err)
	}
}
