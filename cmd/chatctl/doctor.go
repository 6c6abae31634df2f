package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"chatpipe/internal/health"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the database, outbox and local directories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := state.cfg.EnsureDirectories(); err != nil {
			return err
		}
		report := state.health.Run(cmd.Context())

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			for _, r := range report.Components {
				line := fmt.Sprintf("%-16s %-9s", r.Name, r.Status)
				if r.Message != "" {
					line += " " + r.Message
				}
				if r.Error != "" {
					line += ": " + r.Error
				}
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "overall: %s\n", report.Status)
		}

		if report.Status == health.StatusUnhealthy {
			return fmt.Errorf("unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
}
