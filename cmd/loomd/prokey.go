package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/credit"
	"github.com/loomworks/loom/internal/prokey"
	"github.com/loomworks/loom/internal/store"
)

// buildProkeyCmd creates the "prokey" command group: generate, verify,
// and usage.
func buildProkeyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "prokey",
		Short: "Manage Pro access keys",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new Pro key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prokey.Generate(cfg.Pro.Prime))
			return nil
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <key>",
		Short: "Check whether a Pro key is valid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if !prokey.Validate(args[0], cfg.Pro.Prime) {
				fmt.Fprintln(cmd.OutOrStdout(), "invalid")
				os.Exit(1)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}

	usageCmd := &cobra.Command{
		Use:   "usage <key>",
		Short: "Show the current month's credit usage for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			st, err := store.NewSQLiteStore(cfg.Database.Path, nil)
			if err != nil {
				return fmt.Errorf("failed to open event store: %w", err)
			}
			defer st.Close() //nolint:errcheck

			ledger := credit.NewLedger(st, cfg.Pro.MonthlyLimit, cfg.Pro.WarningThreshold, nil)
			report, err := ledger.Usage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.AddCommand(generateCmd, verifyCmd, usageCmd)
	return cmd
}
