package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/forest6511/zkvault/pkg/config"
	"github.com/forest6511/zkvault/pkg/security"
	"github.com/forest6511/zkvault/pkg/vault"
)

func TestDescribeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"authentication", &vault.Error{Op: "unlock", Kind: vault.KindAuthentication}, "failed to unlock vault: invalid password"},
		{"rate limited", &vault.Error{Op: "unlock", Kind: vault.KindRateLimited}, "failed to unlock vault: too many failed attempts, try again later"},
		{"busy", &vault.Error{Op: "unlock", Kind: vault.KindBusy}, "failed to unlock vault: vault is busy"},
		{"plain", errors.New("disk gone"), "failed to unlock vault: disk gone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeError("failed to unlock vault", tt.err).Error(); got != tt.want {
				t.Errorf("describeError() = %q, want %q", got, tt.want)
			}
		})
	}

	// Other vault errors stay unwrappable.
	nf := &vault.Error{Op: "get item", Kind: vault.KindNotFound}
	if err := describeError("failed to get item", nf); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("describeError() lost the NotFound kind: %v", err)
	}
}

func TestBuildDecoys(t *testing.T) {
	decoys, err := buildDecoys([]string{"Email", "Streaming"})
	if err != nil {
		t.Fatalf("buildDecoys failed: %v", err)
	}
	if len(decoys) != 2 {
		t.Fatalf("got %d decoys, want 2", len(decoys))
	}
	if decoys[0].Title != "Email" || decoys[1].Title != "Streaming" {
		t.Errorf("unexpected titles: %q, %q", decoys[0].Title, decoys[1].Title)
	}
	if decoys[0].Password == decoys[1].Password {
		t.Error("decoys share a password")
	}
	for _, d := range decoys {
		if d.Type != vault.ItemLogin {
			t.Errorf("decoy type = %q, want login", d.Type)
		}
		if got := security.CalculateStrength(d.Password); got != security.PasswordStrong {
			t.Errorf("decoy password strength = %s, want Strong", got)
		}
	}

	if none, err := buildDecoys(nil); err != nil || len(none) != 0 {
		t.Errorf("buildDecoys(nil) = %v, %v", none, err)
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		value  int
		filled int
	}{
		{0, 0},
		{25, 20},
		{12, 9},
	}
	for _, tt := range tests {
		bar := progressBar(tt.value, 25)
		if got := strings.Count(bar, "█"); got != tt.filled {
			t.Errorf("progressBar(%d) filled = %d, want %d", tt.value, got, tt.filled)
		}
		if got := strings.Count(bar, "█") + strings.Count(bar, "░"); got != 20 {
			t.Errorf("progressBar(%d) width = %d, want 20", tt.value, got)
		}
	}
}

func TestTypeLabel(t *testing.T) {
	if got := typeLabel(""); got != vault.ItemLogin {
		t.Errorf("typeLabel(\"\") = %q, want login", got)
	}
	if got := typeLabel(vault.ItemNote); got != vault.ItemNote {
		t.Errorf("typeLabel(note) = %q", got)
	}
}

func TestStoreFileName(t *testing.T) {
	saved := cfg
	defer func() { cfg = saved }()

	for _, backend := range []string{config.BackendSQLite, config.BackendBolt} {
		cfg = &config.Config{Backend: backend}
		if got := backendFor(storeFileName()); got != backend {
			t.Errorf("backendFor(storeFileName()) = %q, want %q", got, backend)
		}
	}
}
