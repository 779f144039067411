package security

import (
	"context"
	"errors"
	"testing"

	"github.com/forest6511/zkvault/pkg/vault"
)

func item(id, title, password string) *vault.DecryptedItem {
	return &vault.DecryptedItem{
		Item: &vault.VaultItem{ID: id},
		Data: &vault.VaultItemData{Title: title, Password: password, Type: vault.ItemLogin},
	}
}

func TestCalculate_EmptyVault(t *testing.T) {
	r, err := NewCalculator().Calculate(nil)
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if r.Overall != 100 {
		t.Errorf("Overall = %d, want 100", r.Overall)
	}
	if len(r.Issues) != 0 || len(r.Suggestions) != 0 {
		t.Errorf("expected no issues or suggestions, got %v / %v", r.Issues, r.Suggestions)
	}
}

func TestCalculate_PerfectLogins(t *testing.T) {
	items := []*vault.DecryptedItem{
		item("1", "Bank", "correct-horse-battery-staple"),
		item("2", "Mail", "another-long-passphrase-here"),
	}
	for _, it := range items {
		it.Data.TOTPSecret = "JBSWY3DPEHPK3PXP"
		it.Data.URL = "https://example.com"
	}

	r, err := NewCalculator().Calculate(items)
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if r.Overall != 100 {
		t.Errorf("Overall = %d, want 100 (components %+v)", r.Overall, r.Components)
	}
	if len(r.Issues) != 0 {
		t.Errorf("Issues = %v, want none", r.Issues)
	}
}

func TestCalculate_Components(t *testing.T) {
	items := []*vault.DecryptedItem{
		item("1", "Bank", "hunter2"),                      // weak, duplicated
		item("2", "Mail", " hunter2 "),                    // same after trimming
		item("3", "VPN", "correct-horse-battery-staple"), // strong
		{Item: &vault.VaultItem{ID: "4"}, Data: &vault.VaultItemData{Title: "Note", Type: vault.ItemNote}},
	}
	items[2].Data.TOTPSecret = "JBSWY3DPEHPK3PXP"
	items[2].Data.URL = "https://vpn.example.com"

	r, err := NewCalculator().Calculate(items)
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}

	// (0 + 0 + 25) / 3 passwords
	if r.Components.StrengthScore != 8 {
		t.Errorf("StrengthScore = %d, want 8", r.Components.StrengthScore)
	}
	// 2 unique of 3
	if r.Components.UniquenessScore != 16 {
		t.Errorf("UniquenessScore = %d, want 16", r.Components.UniquenessScore)
	}
	// 1 of 3 logins; notes do not count
	if r.Components.TOTPScore != 8 || r.Components.URLScore != 8 {
		t.Errorf("TOTPScore, URLScore = %d, %d, want 8, 8", r.Components.TOTPScore, r.Components.URLScore)
	}
	if r.Overall != 8+16+8+8 {
		t.Errorf("Overall = %d, want %d", r.Overall, 8+16+8+8)
	}
	if r.Items != 4 {
		t.Errorf("Items = %d, want 4", r.Items)
	}

	if len(r.Duplicates) != 1 || r.Duplicates[0].Count != 2 {
		t.Fatalf("Duplicates = %+v, want one group of 2", r.Duplicates)
	}
	if got := r.Duplicates[0].ItemIDs; got[0] != "1" || got[1] != "2" {
		t.Errorf("duplicate ItemIDs = %v, want [1 2]", got)
	}

	counts := map[IssueType]int{}
	for _, issue := range r.Issues {
		counts[issue.Type]++
	}
	want := map[IssueType]int{IssueWeakPassword: 2, IssueDuplicatePassword: 1, IssueMissingTOTP: 2, IssueMissingURL: 2}
	for typ, n := range want {
		if counts[typ] != n {
			t.Errorf("%s issues = %d, want %d", typ, counts[typ], n)
		}
	}
	if len(r.Suggestions) != 4 {
		t.Errorf("Suggestions = %v, want 4 entries", r.Suggestions)
	}
}

func TestFindDuplicates_Normalization(t *testing.T) {
	items := []*vault.DecryptedItem{
		item("a", "One", "Café-Latte-42"),
		item("b", "Two", "Café-Latte-42"),
		item("c", "Three", "unrelated-password"),
		item("d", "Four", ""),
		item("e", "Five", ""),
	}

	groups, err := NewCalculator().FindDuplicates(items, 0)
	if err != nil {
		t.Fatalf("FindDuplicates() error = %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %+v, want 1", groups)
	}
	if groups[0].Titles[0] != "One" || groups[0].Titles[1] != "Two" {
		t.Errorf("Titles = %v, want [One Two]", groups[0].Titles)
	}
}

func TestFindDuplicates_Limit(t *testing.T) {
	items := []*vault.DecryptedItem{
		item("1", "A", "pw-one"), item("2", "B", "pw-one"), item("3", "C", "pw-one"),
		item("4", "D", "pw-two"), item("5", "E", "pw-two"),
	}

	groups, err := NewCalculator().FindDuplicates(items, 1)
	if err != nil {
		t.Fatalf("FindDuplicates() error = %v", err)
	}
	if len(groups) != 1 || groups[0].Count != 3 {
		t.Errorf("groups = %+v, want the group of 3 only", groups)
	}
}

func TestFindDuplicates_KeyIsPerCalculator(t *testing.T) {
	a, b := NewCalculator(), NewCalculator()
	if _, err := a.FindDuplicates(nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.FindDuplicates(nil, 0); err != nil {
		t.Fatal(err)
	}
	if computeValueHash("same", a.hmacKey) == computeValueHash("same", b.hmacKey) {
		t.Error("two calculators produced the same hash")
	}
}

func TestFindWeakPasswords(t *testing.T) {
	items := []*vault.DecryptedItem{
		item("1", "Short", "abc"),
		item("2", "Long", "correct-horse-battery-staple"),
		item("3", "Empty", ""),
	}

	issues := NewCalculator().FindWeakPasswords(items, 0)
	if len(issues) != 1 {
		t.Fatalf("issues = %+v, want 1", issues)
	}
	if issues[0].ItemID != "1" || issues[0].Title != "Short" {
		t.Errorf("issue = %+v", issues[0])
	}
	if want := "Password has insufficient strength (3 characters)"; issues[0].Description != want {
		t.Errorf("Description = %q, want %q", issues[0].Description, want)
	}
}

type fakeLister struct {
	items []*vault.DecryptedItem
	err   error
}

func (f *fakeLister) ListItems(context.Context) ([]*vault.DecryptedItem, error) {
	return f.items, f.err
}

func TestReportFor(t *testing.T) {
	lister := &fakeLister{items: []*vault.DecryptedItem{item("1", "Bank", "hunter2")}}
	r, err := NewCalculator().ReportFor(context.Background(), lister)
	if err != nil {
		t.Fatalf("ReportFor() error = %v", err)
	}
	if r.Items != 1 || r.Components.StrengthScore != 0 {
		t.Errorf("report = %+v", r)
	}
	if lister.items[0].Data.Password != "" {
		t.Error("decrypted passwords should be dropped after the report")
	}

	boom := errors.New("locked")
	if _, err := NewCalculator().ReportFor(context.Background(), &fakeLister{err: boom}); !errors.Is(err, boom) {
		t.Errorf("ReportFor() error = %v, want %v", err, boom)
	}
}
