// Package config loads the CLI configuration from a YAML file in the vault
// directory. Missing keys fall back to defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/zkvault/pkg/vault"
)

// FileName is the name of the config file inside the vault directory.
const FileName = "config.yaml"

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

var (
	// ErrInsecure is returned when the config file is writable by group or others.
	ErrInsecure = errors.New("config: file has insecure permissions")
	// ErrSymlink is returned when the config file is a symlink.
	ErrSymlink = errors.New("config: file is a symlink")
	// ErrNotOwnedByUser is returned when the config file belongs to another user.
	ErrNotOwnedByUser = errors.New("config: file not owned by current user")
	// ErrInvalid is returned by Validate.
	ErrInvalid = errors.New("config: invalid value")
)

// Cooldown holds the failure counts at which unlock cooldowns start.
type Cooldown struct {
	Threshold1 int `yaml:"threshold1"`
	Threshold2 int `yaml:"threshold2"`
	Threshold3 int `yaml:"threshold3"`
}

// Config is the CLI configuration.
type Config struct {
	VaultDir       string   `yaml:"vault_dir"`
	Backend        string   `yaml:"backend"`
	UserID         string   `yaml:"user_id"`
	LogLevel       string   `yaml:"log_level"`
	AsyncMigration bool     `yaml:"async_migration"`
	Cooldown       Cooldown `yaml:"cooldown"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		VaultDir: "~/.zkvault",
		Backend:  BackendSQLite,
		UserID:   "local",
		LogLevel: "info",
		Cooldown: Cooldown{
			Threshold1: vault.CooldownThreshold1,
			Threshold2: vault.CooldownThreshold2,
			Threshold3: vault.CooldownThreshold3,
		},
	}
}

// Load reads dir/config.yaml over the defaults. A missing file yields the
// defaults with VaultDir set to dir.
func Load(dir string) (*Config, error) {
	cfg := Default()
	cfg.VaultDir = dir

	f, err := openConfigFile(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: failed to stat file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0022 != 0 {
		return nil, fmt.Errorf("%w: %04o", ErrInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read file: %w", err)
	}
	return Parse(content, cfg)
}

// Parse decodes YAML content over base and validates the result.
func Parse(content []byte, base *Config) (*Config, error) {
	cfg := *base
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated values and threshold ordering.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendBolt:
	default:
		return fmt.Errorf("%w: backend %q (want sqlite or bolt)", ErrInvalid, c.Backend)
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("%w: user_id is empty", ErrInvalid)
	}
	if strings.TrimSpace(c.VaultDir) == "" {
		return fmt.Errorf("%w: vault_dir is empty", ErrInvalid)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
	}
	t := c.Cooldown
	if t.Threshold1 <= 0 || t.Threshold2 <= t.Threshold1 || t.Threshold3 <= t.Threshold2 {
		return fmt.Errorf("%w: cooldown thresholds must be positive and increasing", ErrInvalid)
	}
	return nil
}

// Level returns the parsed log level. Call after Validate.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// CooldownPolicy maps the configured thresholds onto the default durations.
func (c *Config) CooldownPolicy() vault.CooldownPolicy {
	return vault.CooldownPolicy{
		Threshold1: c.Cooldown.Threshold1,
		Threshold2: c.Cooldown.Threshold2,
		Threshold3: c.Cooldown.Threshold3,
		Duration1:  vault.CooldownDuration1,
		Duration2:  vault.CooldownDuration2,
		Duration3:  vault.CooldownDuration3,
	}
}

// ResolveVaultDir expands a leading "~" against home.
func ResolveVaultDir(dir, home string) string {
	if dir == "~" {
		return home
	}
	if strings.HasPrefix(dir, "~/") {
		return filepath.Join(home, dir[2:])
	}
	return dir
}
