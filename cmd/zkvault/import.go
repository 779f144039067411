package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/zkvault/pkg/importer"
)

// Item import flags
var (
	importFrom   string
	importDryRun bool
)

func init() {
	itemCmd.AddCommand(itemImportCmd)

	itemImportCmd.Flags().StringVar(&importFrom, "from", "", "Import source: 1password, bitwarden, lastpass")
	itemImportCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Show what would be imported without making changes")
	_ = itemImportCmd.MarkFlagRequired("from")
}

var itemImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Imports items from another password manager",
	Long: `Import items from a password manager export into the vault.

Examples:
  # Import an unencrypted Bitwarden JSON export
  zkvault item import --from bitwarden bitwarden_export.json

  # Preview a 1Password CSV import without unlocking the vault
  zkvault item import --from 1password export.csv --dry-run

Folders, groups and tags become categories. Card, identity and custom
field data the item model has no field for is kept in notes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := importer.Source(strings.ToLower(importFrom))
		parser, err := importer.GetParser(source)
		if err != nil {
			return fmt.Errorf("invalid --from value '%s': must be one of %v", importFrom, importer.ValidSources())
		}

		data, err := readImportFile(args[0])
		if err != nil {
			return err
		}
		result, err := parser.Parse(data)
		if err != nil {
			return fmt.Errorf("failed to parse %s file: %w", importFrom, err)
		}
		defer result.Wipe()

		for _, warning := range result.Warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
		for _, skipped := range result.Skipped {
			fmt.Fprintf(os.Stderr, "Skipped: %s (%s)\n", skipped.OriginalName, skipped.Reason)
		}
		if len(result.Items) == 0 {
			fmt.Println("No items found in file")
			return nil
		}
		fmt.Printf("Found %d items to import\n", len(result.Items))

		if importDryRun {
			for _, it := range result.Items {
				folder := ""
				if it.Folder != "" {
					folder = "  [" + it.Folder + "]"
				}
				fmt.Printf("  %-8s %s%s\n", typeLabel(it.Data.Type), it.Data.Title, folder)
			}
			return nil
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		summary, err := importer.Import(ctx, h.session, result)
		if err != nil {
			return describeError("import failed", err)
		}
		for _, f := range summary.Failed {
			fmt.Fprintf(os.Stderr, "Failed: %s (%s)\n", f.OriginalName, f.Reason)
		}
		fmt.Printf("Imported %d items", summary.Imported)
		if summary.Categories > 0 {
			fmt.Printf(", created %d categories", summary.Categories)
		}
		fmt.Println()
		return nil
	},
}

// readImportFile reads an export file, refusing symlinks.
func readImportFile(filePath string) ([]byte, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", filePath)
		}
		return nil, fmt.Errorf("failed to access file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("security: refusing to read symlink: %s", absPath)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}
