package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/zkvault/internal/platform"
	"github.com/forest6511/zkvault/pkg/backup"
	"github.com/forest6511/zkvault/pkg/config"
)

var (
	backupWithAudit      bool
	backupBackupPassword bool
	backupKeyFile        string
	backupForce          bool
	backupNewKey         bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)

	backupCmd.PersistentFlags().StringVar(&backupKeyFile, "key-file", "", "Encryption key file (32 bytes)")
	backupCmd.PersistentFlags().BoolVarP(&backupForce, "force", "f", false, "Overwrite existing files")

	backupCreateCmd.Flags().BoolVar(&backupWithAudit, "with-audit", false, "Include audit logs in the backup")
	backupCreateCmd.Flags().BoolVar(&backupBackupPassword, "backup-password", false, "Use separate backup password")
	backupCreateCmd.Flags().BoolVar(&backupNewKey, "new-key", false, "Generate the key file given by --key-file")

	backupRestoreCmd.Flags().BoolVar(&backupWithAudit, "with-audit", false, "Restore audit logs when the backup has them")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Creates, verifies and restores encrypted vault backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create [file]",
	Short: "Creates an encrypted backup of the vault",
	Long: `Create an encrypted backup of the vault store.

The backup is encrypted with the master password unless --backup-password
or --key-file is given.

Examples:
  zkvault backup create vault.zkbak
  zkvault backup create full.zkbak --with-audit
  zkvault backup create vault.zkbak --key-file backup.key --new-key`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output := args[0]
		if !backupForce {
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("output file already exists: %s (use --force to overwrite)", output)
			}
		}
		if backupNewKey {
			if backupKeyFile == "" {
				return fmt.Errorf("--new-key requires --key-file")
			}
			if err := backup.GenerateKeyFile(backupKeyFile); err != nil {
				return err
			}
			fmt.Printf("Key file written: %s\n", backupKeyFile)
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		// The master password is checked even when a key file encrypts
		// the backup, and the store is closed before it is read.
		h, master, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		h.Close()

		opts := backup.Options{StoreFile: storeFileName(), KeyFile: backupKeyFile}
		if backupWithAudit {
			opts.AuditDir = auditDirName
		}
		if backupKeyFile == "" {
			password := master
			if backupBackupPassword {
				if password, err = readNewPassword("backup password"); err != nil {
					return err
				}
			}
			opts.Password = []byte(password)
		}

		if err := platform.EnsureDir(filepath.Dir(output)); err != nil {
			return err
		}
		f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, platform.FileMode)
		if err != nil {
			return fmt.Errorf("failed to create backup file: %w", err)
		}
		opts.Output = f
		if err := backup.Backup(ctx, cfg.VaultDir, opts); err != nil {
			f.Close()
			os.Remove(output)
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to write backup file: %w", err)
		}
		fmt.Printf("Backup created successfully: %s\n", output)
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verifies a backup without restoring it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		password, err := backupPassword()
		if err != nil {
			return err
		}
		result, err := backup.Verify(ctx, args[0], password, backupKeyFile)
		if err != nil {
			return err
		}
		if !result.Valid {
			return fmt.Errorf("backup verification failed: %s", result.Error)
		}
		fmt.Printf("Backup verification successful!\n")
		fmt.Printf("  Version: %d\n", result.Version)
		fmt.Printf("  Created: %s\n", result.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("  Store: %s\n", result.StoreFile)
		fmt.Printf("  Files: %d\n", result.Files)
		fmt.Printf("  Includes Audit: %v\n", result.IncludesAudit)
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [file]",
	Short: "Restores the vault from a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if backupForce {
			fmt.Printf("This replaces the vault in %s. Continue? [y/N]: ", cfg.VaultDir)
			answer, err := readLine()
			if err != nil {
				return err
			}
			if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
				fmt.Println("Restore cancelled.")
				return nil
			}
		}

		password, err := backupPassword()
		if err != nil {
			return err
		}
		result, err := backup.Restore(ctx, args[0], backup.RestoreOptions{
			VaultDir:  cfg.VaultDir,
			Overwrite: backupForce,
			WithAudit: backupWithAudit,
			Password:  password,
			KeyFile:   backupKeyFile,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Restore complete!\n")
		fmt.Printf("  Store: %s\n", result.StoreFile)
		fmt.Printf("  Files restored: %d\n", result.FilesRestored)
		if result.AuditRestored {
			fmt.Printf("  Audit log: restored\n")
		}
		if backendFor(result.StoreFile) != cfg.Backend {
			fmt.Fprintf(os.Stderr, "warning: restored store uses the %s backend but %s is configured\n",
				backendFor(result.StoreFile), cfg.Backend)
		}
		return nil
	},
}

// backupPassword prompts for the backup password unless a key file is set.
func backupPassword() ([]byte, error) {
	if backupKeyFile != "" {
		return nil, nil
	}
	password, err := readPassword("Enter backup password: ")
	if err != nil {
		return nil, err
	}
	return []byte(password), nil
}

// storeFileName returns the configured backend's file name.
func storeFileName() string {
	if cfg.Backend == config.BackendBolt {
		return boltFileName
	}
	return sqliteFileName
}

// backendFor maps a store file name back to its backend.
func backendFor(storeFile string) string {
	if storeFile == boltFileName {
		return config.BackendBolt
	}
	return config.BackendSQLite
}
