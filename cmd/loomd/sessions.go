package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/store"
)

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	var (
		deviceID string
		limit    int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions for a device, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceID == "" {
				return fmt.Errorf("--device is required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			st, err := store.NewSQLiteStore(cfg.Database.Path, nil)
			if err != nil {
				return fmt.Errorf("failed to open event store: %w", err)
			}
			defer st.Close() //nolint:errcheck

			sessions, err := st.ListSessionsByDevice(cmd.Context(), deviceID, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tFIRST MESSAGE")
			for _, s := range sessions {
				first := s.FirstMessage
				if len(first) > 60 {
					first = first[:57] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.CreatedAt.Format("2006-01-02 15:04"), first)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&deviceID, "device", "", "Device identifier")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum sessions to return")

	cmd.AddCommand(listCmd)
	return cmd
}
