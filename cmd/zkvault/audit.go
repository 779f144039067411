package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// Audit flags
var (
	auditLimit int
	auditSince string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h)")
}

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var since time.Time
		if auditSince != "" {
			d, err := time.ParseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid --since duration: %w", err)
			}
			since = time.Now().Add(-d)
		}

		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		events, err := h.audit.ListEvents(auditLimit, since)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}
		for _, e := range events {
			fmt.Printf("%s  %-22s %-8s %s\n", e.Timestamp, e.Operation, e.Result, e.Subject)
		}
		return nil
	},
}

// auditVerifyCmd checks the HMAC chain
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		// The chain key is derived during unlock.
		h, _, err := unlockVault(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		fmt.Println("Verifying audit log integrity...")
		result, err := h.audit.Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		if result.Valid {
			fmt.Printf("✓ Audit log verified: %d records, chain intact\n", result.RecordsTotal)
		} else {
			fmt.Printf("✗ Audit log verification FAILED\n")
			fmt.Printf("  Records total: %d\n", result.RecordsTotal)
			fmt.Printf("  Records verified: %d\n", result.RecordsVerified)
			fmt.Println("  Errors:")
			for _, e := range result.Errors {
				fmt.Printf("    - %s\n", e)
			}
			return fmt.Errorf("audit log integrity check failed")
		}

		jsonResult, _ := json.Marshal(result)
		fmt.Printf("\nJSON: %s\n", string(jsonResult))
		return nil
	},
}
