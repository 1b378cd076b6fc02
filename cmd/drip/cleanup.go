package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old delivery log entries",
	Long: `Delete delivery log entries older than N days. Engagement on removed
entries no longer gates later steps.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 365, "Delete entries older than N days")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if cleanupDays <= 0 {
		return fmt.Errorf("--days must be positive")
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.db.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -cleanupDays)
	n, err := s.logs.DeleteOlderThan(cmd.Context(), cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean up delivery log: %w", err)
	}

	fmt.Printf("Deleted %d delivery log entries older than %s\n", n, cutoff.Format("2006-01-02"))
	return nil
}
