package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler pass and exit",
	Long: `Run a single scheduler tick, for cron driven deployments that do not
run "drip serve". It opens the state database, so stop the server first.`,
	RunE: runTick,
}

func init() {
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, args []string) error {
	application, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer application.Close()

	result, err := application.Tick(cmd.Context())
	if err != nil {
		return fmt.Errorf("tick failed: %w", err)
	}

	if result.Locked {
		fmt.Println("Another instance holds the scheduler lock, nothing done")
		return nil
	}

	fmt.Printf("Due:       %d\n", result.Due)
	fmt.Printf("Sent:      %d\n", result.Sent)
	fmt.Printf("Failed:    %d\n", result.Failed)
	fmt.Printf("Skipped:   %d\n", result.Skipped)
	fmt.Printf("Completed: %d\n", result.Completed)
	fmt.Printf("Postponed: %d\n", result.Postponed)
	fmt.Printf("Errors:    %d\n", result.Errors)
	if result.Stopped {
		fmt.Println("Global quota reached, tick stopped early")
	}
	return nil
}
