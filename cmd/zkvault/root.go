package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/zkvault/internal/platform"
	"github.com/forest6511/zkvault/pkg/audit"
	"github.com/forest6511/zkvault/pkg/config"
	"github.com/forest6511/zkvault/pkg/store"
	"github.com/forest6511/zkvault/pkg/vault"
)

// Files inside the vault directory.
const (
	sqliteFileName    = "vault.db"
	boltFileName      = "vault.bolt"
	rateLimitFileName = "ratelimit.json"
	auditDirName      = "audit"
)

const commandTimeout = 5 * time.Minute

var (
	vaultDirFlag string
	logLevelFlag string

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "zkvault",
	Short:         "zkvault is a zero-knowledge password vault",
	Long:          `A local password vault whose keys never leave the client.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	// PersistentPreRunE loads the configuration for every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir := vaultDirFlag
		if dir == "" {
			dir = filepath.Join(home, ".zkvault")
		}
		dir = config.ResolveVaultDir(dir, home)

		cfg, err = config.Load(dir)
		if err != nil {
			return err
		}
		cfg.VaultDir = config.ResolveVaultDir(cfg.VaultDir, home)
		if logLevelFlag != "" {
			cfg.LogLevel = logLevelFlag
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(cfg.Level()).
			With().Timestamp().Logger()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultDirFlag, "vault", "", "Vault directory (default ~/.zkvault)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
}

// commandContext returns the context for one command run.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), commandTimeout)
}

// openStore opens the configured backend, creating the vault directory.
func openStore(ctx context.Context) (store.Store, error) {
	if err := platform.EnsureDir(cfg.VaultDir); err != nil {
		return nil, err
	}
	for _, w := range platform.CheckPermissions(cfg.VaultDir, sqliteFileName, boltFileName, rateLimitFileName, config.FileName) {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if info, err := platform.EnsureDiskSpace(cfg.VaultDir, 0); err != nil {
		return nil, err
	} else if info != nil && info.IsLow() {
		fmt.Fprintf(os.Stderr, "warning: disk is %d%% full\n", info.UsedPct)
	}

	path := filepath.Join(cfg.VaultDir, storeFileName())
	if cfg.Backend == config.BackendBolt {
		return store.OpenBolt(path)
	}
	return store.OpenSQLite(ctx, path)
}

// vaultHandle bundles an open store with a session over it.
type vaultHandle struct {
	st      store.Store
	session *vault.Session
	audit   *audit.Logger
}

// openVault opens the store and a locked session for the configured user.
func openVault(ctx context.Context) (*vaultHandle, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	auditLog := audit.NewLogger(filepath.Join(cfg.VaultDir, auditDirName))
	s, err := vault.NewSession(vault.Options{
		UserID:         cfg.UserID,
		Store:          st,
		Logger:         &logger,
		RateLimiter:    vault.NewCooldownLimiter(filepath.Join(cfg.VaultDir, rateLimitFileName), cfg.CooldownPolicy()),
		Audit:          auditLog,
		AsyncMigration: cfg.AsyncMigration,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return &vaultHandle{st: st, session: s, audit: auditLog}, nil
}

// Close waits for a background migration, locks the session and closes
// the store.
func (h *vaultHandle) Close() {
	h.session.WaitMigration()
	h.session.Lock()
	if err := h.st.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close store")
	}
}

// unlockVault opens the vault and unlocks it with a prompted password.
// The password is returned for commands that must re-verify it.
func unlockVault(ctx context.Context) (*vaultHandle, string, error) {
	h, err := openVault(ctx)
	if err != nil {
		return nil, "", err
	}
	password, err := readPassword("Enter master password: ")
	if err != nil {
		h.Close()
		return nil, "", err
	}
	if err := h.session.Unlock(ctx, password); err != nil {
		h.Close()
		return nil, "", describeError("failed to unlock vault", err)
	}
	return h, password, nil
}

// describeError turns vault errors into short user-facing messages.
func describeError(msg string, err error) error {
	var verr *vault.Error
	if !errors.As(err, &verr) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	switch verr.Kind {
	case vault.KindAuthentication:
		return fmt.Errorf("%s: invalid password", msg)
	case vault.KindRateLimited:
		return fmt.Errorf("%s: too many failed attempts, try again later", msg)
	case vault.KindBusy:
		return fmt.Errorf("%s: vault is busy", msg)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

// readPassword prompts without echo, falling back to a plain line for
// piped input.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if isTerminal(int(os.Stdin.Fd())) { //nolint:gosec // fd fits in int
		passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd())) //nolint:gosec // fd fits in int
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(passwordBytes), nil
	}
	return readLine()
}

// readNewPassword prompts twice and requires both entries to match.
func readNewPassword(what string) (string, error) {
	first, err := readPassword("Enter " + what + ": ")
	if err != nil {
		return "", err
	}
	second, err := readPassword("Confirm " + what + ": ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}

var stdinReader = bufio.NewReader(os.Stdin)

// readLine reads a single line from user input.
func readLine() (string, error) {
	line, err := stdinReader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	value := strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(value, "\r"), nil
}

func isTerminal(fd int) bool {
	return term.IsTerminal(fd)
}
