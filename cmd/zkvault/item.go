package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/zkvault/internal/cli"
	"github.com/forest6511/zkvault/pkg/security"
	"github.com/forest6511/zkvault/pkg/vault"
)

// Item add flags
var (
	itemType       string
	itemUsername   string
	itemURL        string
	itemNotes      string
	itemTOTP       string
	itemCategoryID string
	itemGenerate   bool
	itemLength     int
)

// Item get/report flags
var (
	itemShowSecrets bool
	itemForce       bool
	reportVerbose   bool
	reportJSON      bool
)

func init() {
	rootCmd.AddCommand(itemCmd)
	itemCmd.AddCommand(itemAddCmd)
	itemCmd.AddCommand(itemListCmd)
	itemCmd.AddCommand(itemGetCmd)
	itemCmd.AddCommand(itemDeleteCmd)
	itemCmd.AddCommand(itemReportCmd)

	rootCmd.AddCommand(categoryCmd)
	categoryCmd.AddCommand(categoryAddCmd)
	categoryCmd.AddCommand(categoryListCmd)

	itemAddCmd.Flags().StringVar(&itemType, "type", vault.ItemLogin, "Item type: login, note, card, identity")
	itemAddCmd.Flags().StringVar(&itemUsername, "username", "", "Username")
	itemAddCmd.Flags().StringVar(&itemURL, "url", "", "Site URL")
	itemAddCmd.Flags().StringVar(&itemNotes, "notes", "", "Notes")
	itemAddCmd.Flags().StringVar(&itemTOTP, "totp", "", "TOTP secret")
	itemAddCmd.Flags().StringVar(&itemCategoryID, "category", "", "Category ID")
	itemAddCmd.Flags().BoolVarP(&itemGenerate, "generate", "g", false, "Generate the password instead of prompting")
	itemAddCmd.Flags().IntVarP(&itemLength, "length", "l", defaultPasswordLength, "Generated password length")

	itemGetCmd.Flags().BoolVar(&itemShowSecrets, "show-secrets", false, "Print the password and TOTP secret")
	itemDeleteCmd.Flags().BoolVarP(&itemForce, "force", "f", false, "Skip confirmation prompt")

	itemReportCmd.Flags().BoolVarP(&reportVerbose, "verbose", "v", false, "Show all details including suggestions")
	itemReportCmd.Flags().BoolVar(&reportJSON, "json", false, "Output in JSON format")
}

// itemCmd is the parent command for item operations
var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Vault item operations",
}

var itemAddCmd = &cobra.Command{
	Use:   "add [title]",
	Short: "Adds an item",
	Long: `Adds an item. Login items prompt for the password unless --generate is set.

Example:
  zkvault item add "Bank" --username alice --url https://bank.example
  zkvault item add "VPN" --generate -l 32
  zkvault item add "Door code" --type note --notes 1234`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		data := &vault.VaultItemData{
			Title:      args[0],
			Type:       itemType,
			Username:   itemUsername,
			URL:        itemURL,
			Notes:      itemNotes,
			TOTPSecret: itemTOTP,
			CategoryID: itemCategoryID,
		}

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		switch {
		case itemGenerate:
			if itemLength < minPasswordLength || itemLength > maxPasswordLength {
				return fmt.Errorf("password length must be between %d and %d", minPasswordLength, maxPasswordLength)
			}
			data.Password, err = generatePassword(defaultCharset(), itemLength)
			if err != nil {
				return fmt.Errorf("failed to generate password: %w", err)
			}
		case itemType == vault.ItemLogin:
			data.Password, err = readPassword("Item password: ")
			if err != nil {
				return err
			}
		}
		defer data.Wipe()

		item, err := h.session.CreateItem(ctx, data)
		if err != nil {
			return describeError("failed to add item", err)
		}
		fmt.Printf("Item '%s' saved (%s)\n", data.Title, item.ID)
		if itemGenerate {
			fmt.Printf("Password strength: %s\n", security.CalculateStrength(data.Password))
		}
		return nil
	},
}

var itemListCmd = &cobra.Command{
	Use:   "list [pattern...]",
	Short: "Lists items",
	Long: `List items, optionally filtered by title.

A pattern with glob characters (*?[) must match the whole title; any other
pattern matches as a substring. Matching ignores case.

Examples:
  zkvault item list
  zkvault item list git "aws *"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cli.ValidatePatterns(args); err != nil {
			return err
		}

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
		if len(items) == 0 {
			fmt.Println("No items stored")
			return nil
		}
		shown := 0
		for _, it := range items {
			if !cli.MatchTitle(args, it.Data.Title) {
				it.Data.Wipe()
				continue
			}
			shown++
			fmt.Printf("%s  %-8s  %s", it.Item.ID, typeLabel(it.Data.Type), it.Data.Title)
			if it.Data.Username != "" {
				fmt.Printf(" (%s)", it.Data.Username)
			}
			fmt.Println()
			it.Data.Wipe()
		}
		if shown == 0 {
			fmt.Println("No items match")
		}
		return nil
	},
}

var itemGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Shows one item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		it, err := h.session.GetItem(ctx, args[0])
		if err != nil {
			return describeError("failed to get item", err)
		}
		defer it.Data.Wipe()

		d := it.Data
		fmt.Printf("Title:    %s\n", d.Title)
		fmt.Printf("Type:     %s\n", typeLabel(d.Type))
		printField("Username", d.Username)
		printField("URL", d.URL)
		printField("Notes", d.Notes)
		printField("Category", d.CategoryID)
		if d.Password != "" {
			if itemShowSecrets {
				printField("Password", d.Password)
			} else {
				printField("Password", "********")
			}
			fmt.Printf("Strength: %s\n", security.CalculateStrength(d.Password))
		}
		if d.TOTPSecret != "" {
			if itemShowSecrets {
				printField("TOTP", d.TOTPSecret)
			} else {
				printField("TOTP", "configured")
			}
		}
		fmt.Printf("Updated:  %s\n", it.Item.UpdatedAt.Local().Format("2006-01-02 15:04"))
		return nil
	},
}

var itemDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Deletes an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		if !itemForce {
			fmt.Printf("Delete item %s? [y/N]: ", args[0])
			answer, err := readLine()
			if err != nil {
				return err
			}
			if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
				fmt.Println("Aborted")
				return nil
			}
		}

		if err := h.session.DeleteItem(ctx, args[0]); err != nil {
			return describeError("failed to delete item", err)
		}
		fmt.Printf("Item %s deleted\n", args[0])
		return nil
	},
}

var itemReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Analyze password health",
	Long: `Analyze the password health of your vault and get recommendations.

The score is calculated from:
  - Password Strength (0-25): Average strength of stored passwords
  - Uniqueness (0-25): Percentage of unique passwords
  - TOTP (0-25): Share of logins with a TOTP secret
  - URL (0-25): Share of logins bound to a site URL`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		report, err := security.NewCalculator().ReportFor(ctx, h.session)
		if err != nil {
			return describeError("failed to calculate report", err)
		}
		if reportJSON {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		printReport(report, reportVerbose)
		return nil
	},
}

// categoryCmd is the parent command for category operations
var categoryCmd = &cobra.Command{
	Use:   "category",
	Short: "Category operations",
}

var categoryAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Adds a category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		cat, err := h.session.CreateCategory(ctx, args[0])
		if err != nil {
			return describeError("failed to add category", err)
		}
		fmt.Printf("Category '%s' saved (%s)\n", args[0], cat.ID)
		return nil
	},
}

var categoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists categories",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		cats, err := h.session.ListCategories(ctx)
		if err != nil {
			return describeError("failed to list categories", err)
		}
		for _, c := range cats {
			fmt.Printf("%s  %s\n", c.Category.ID, c.Name)
		}
		return nil
	},
}

func typeLabel(t string) string {
	if t == "" {
		return vault.ItemLogin
	}
	return t
}

func printField(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-9s %s\n", label+":", value)
}

// printReport outputs the health report as formatted text.
func printReport(r *security.Report, verbose bool) {
	emoji := "🔒"
	var rating string
	switch {
	case r.Overall >= 90:
		rating = "Excellent"
	case r.Overall >= 70:
		rating = "Good"
	case r.Overall >= 50:
		emoji = "⚠️"
		rating = "Fair"
	default:
		emoji = "🚨"
		rating = "Needs Attention"
	}

	fmt.Printf("%s Password Health: %d/100 (%s)\n\n", emoji, r.Overall, rating)

	fmt.Println("Components:")
	fmt.Printf("  Password Strength: %d/25 %s\n", r.Components.StrengthScore, progressBar(r.Components.StrengthScore, 25))
	fmt.Printf("  Uniqueness:        %d/25 %s\n", r.Components.UniquenessScore, progressBar(r.Components.UniquenessScore, 25))
	fmt.Printf("  TOTP:              %d/25 %s\n", r.Components.TOTPScore, progressBar(r.Components.TOTPScore, 25))
	fmt.Printf("  URL:               %d/25 %s\n", r.Components.URLScore, progressBar(r.Components.URLScore, 25))
	fmt.Println()

	issues := r.Issues
	if !verbose {
		// Informational coverage issues only show up in verbose mode.
		issues = nil
		for _, issue := range r.Issues {
			if issue.Severity != security.SeverityInfo {
				issues = append(issues, issue)
			}
		}
	}
	if len(issues) > 0 {
		fmt.Printf("⚠️  Issues (%d):\n", len(issues))
		for i, issue := range issues {
			label := strings.ToUpper(string(issue.Type))
			subject := ""
			if issue.Title != "" {
				subject = fmt.Sprintf(" %q", issue.Title)
			} else if len(issue.ItemIDs) > 0 {
				subject = " " + strings.Join(issue.ItemIDs, ", ")
			}
			fmt.Printf("  %d. [%s]%s: %s\n", i+1, label, subject, issue.Description)
		}
		fmt.Println()
	}

	if len(r.Suggestions) > 0 && verbose {
		fmt.Println("💡 Suggestions:")
		for _, suggestion := range r.Suggestions {
			fmt.Printf("  - %s\n", suggestion)
		}
		fmt.Println()
	}
}

// progressBar creates a simple ASCII progress bar.
func progressBar(value, maxVal int) string {
	width := 20
	filled := value * width / maxVal
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}
