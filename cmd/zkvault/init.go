package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/zkvault/pkg/vault"
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(integrityCmd)
	integrityCmd.AddCommand(integrityVerifyCmd)
}

// initCmd initializes a new vault
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes a new vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		fmt.Println("Initializing new vault...")

		password, err := readNewPassword("master password")
		if err != nil {
			return err
		}

		passwordResult := vault.ValidateMasterPassword(password)
		if !passwordResult.Valid {
			return fmt.Errorf("password validation failed: %s", passwordResult.Warnings[0])
		}
		// Warnings are advisory, not blocking.
		fmt.Printf("Password strength: %s\n", passwordResult.Strength)
		for _, warning := range passwordResult.Warnings {
			fmt.Printf("Warning: %s\n", warning)
		}

		h, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		if err := h.session.Setup(ctx, password); err != nil {
			return describeError("failed to initialize vault", err)
		}
		fmt.Printf("Vault initialized successfully at %s\n", cfg.VaultDir)
		return nil
	},
}

// unlockCmd checks that the vault opens and reports its integrity.
var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Unlocks the vault and reports its status",
	Long: `Unlocks the vault, runs any pending key upgrade and reports the
integrity status. The vault is locked again when the command exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		items, err := h.session.ListItems(ctx)
		if err != nil {
			return describeError("failed to list items", err)
		}
		fmt.Printf("Vault unlocked: %d items\n", len(items))
		for _, it := range items {
			it.Data.Wipe()
		}
		return printIntegrity(ctx, h.session)
	},
}

// integrityCmd is the parent command for integrity operations
var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Vault integrity operations",
}

var integrityVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the vault integrity root",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		return printIntegrity(ctx, h.session)
	},
}

func printIntegrity(ctx context.Context, s *vault.Session) error {
	result, err := s.VerifyIntegrity(ctx, nil)
	if err != nil {
		return describeError("failed to verify integrity", err)
	}

	switch {
	case result.IsFirstCheck:
		fmt.Printf("✓ Integrity baseline recorded: %d items\n", result.ItemCount)
		return nil
	case result.Valid:
		// Sessions without an integrity key print the same line.
		fmt.Println("✓ Integrity verified")
		return nil
	}

	fmt.Println("✗ Integrity check FAILED")
	for _, id := range result.Details.Added {
		fmt.Printf("  added:    %s\n", id)
	}
	for _, id := range result.Details.Removed {
		fmt.Printf("  removed:  %s\n", id)
	}
	for _, id := range result.Details.Modified {
		fmt.Printf("  modified: %s\n", id)
	}
	return result.Err()
}
