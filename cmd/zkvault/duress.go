package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/zkvault/pkg/vault"
)

var duressDecoys []string

func init() {
	rootCmd.AddCommand(duressCmd)
	duressCmd.AddCommand(duressSetupCmd)
	duressCmd.AddCommand(duressChangeCmd)
	duressCmd.AddCommand(duressDisableCmd)

	for _, c := range []*cobra.Command{duressSetupCmd, duressChangeCmd} {
		c.Flags().StringArrayVar(&duressDecoys, "decoy", nil, "Decoy login title (can be repeated)")
	}
}

// duressCmd is the parent command for duress password operations
var duressCmd = &cobra.Command{
	Use:   "duress",
	Short: "Duress password operations",
	Long: `A duress password unlocks a decoy vault. Anyone watching sees a normal
unlock; the real items stay unreachable.`,
}

var duressSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configures a duress password",
	Long: `Configures a duress password and stores decoy logins under it.

Example:
  zkvault duress setup --decoy "Email" --decoy "Streaming"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDuressWrite(cmd, "duress password configured", func(ctx context.Context, s *vault.Session, master, duress string, decoys []*vault.VaultItemData) error {
			return s.SetupDuress(ctx, master, duress, decoys)
		})
	},
}

var duressChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Replaces the duress password and its decoys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDuressWrite(cmd, "duress password changed", func(ctx context.Context, s *vault.Session, master, duress string, decoys []*vault.VaultItemData) error {
			return s.ChangeDuress(ctx, master, duress, decoys)
		})
	},
}

var duressDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Removes the duress password and its decoys",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, password, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		if err := h.session.DisableDuress(ctx, password); err != nil {
			return describeError("failed to disable duress password", err)
		}
		fmt.Println("Duress password disabled")
		return nil
	},
}

func runDuressWrite(cmd *cobra.Command, done string, write func(ctx context.Context, s *vault.Session, master, duress string, decoys []*vault.VaultItemData) error) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	h, password, err := unlockVault(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	duress, err := readNewPassword("duress password")
	if err != nil {
		return err
	}
	if err := vault.CheckDuressPassword(password, duress); err != nil {
		return describeError("duress password rejected", err)
	}

	decoys, err := buildDecoys(duressDecoys)
	if err != nil {
		return err
	}
	defer func() {
		for _, d := range decoys {
			d.Wipe()
		}
	}()

	if err := write(ctx, h.session, password, duress, decoys); err != nil {
		return describeError("failed to save duress password", err)
	}
	fmt.Printf("%s (%d decoys)\n", done, len(decoys))
	return nil
}

// buildDecoys turns titles into decoy logins with generated passwords.
func buildDecoys(titles []string) ([]*vault.VaultItemData, error) {
	decoys := make([]*vault.VaultItemData, 0, len(titles))
	for _, title := range titles {
		password, err := generatePassword(defaultCharset(), defaultPasswordLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate decoy password: %w", err)
		}
		decoys = append(decoys, &vault.VaultItemData{Title: title, Type: vault.ItemLogin, Password: password})
	}
	return decoys, nil
}
