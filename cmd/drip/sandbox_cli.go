package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/drip/internal/sandbox"
)

var (
	sandboxListDomain string
	sandboxListTo     string
	sandboxListLimit  int
	sandboxClearDays  int
	sandboxExportOut  string
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect messages captured by the sandbox transport",
	Long: `Inspect messages captured by the sandbox transport. These commands
open the state database, so stop the server first or use the HTTP API.`,
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Print a captured message",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxExportCmd = &cobra.Command{
	Use:   "export <message_id>",
	Short: "Export a captured message to an .eml file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxExport,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured messages",
	RunE:  runSandboxClear,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListDomain, "domain", "", "Filter by recipient domain")
	sandboxListCmd.Flags().StringVar(&sandboxListTo, "to", "", "Filter by recipient address")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxExportCmd.Flags().StringVar(&sandboxExportOut, "out", "", "Output file (default <id>.eml)")

	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "Clear messages older than N days (0 clears all)")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxExportCmd, sandboxClearCmd, sandboxStatsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func openSandboxStorage() (*sandbox.Storage, *bolt.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := bolt.Open(cfg.State.Path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state database: %w", err)
	}

	storage, err := sandbox.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	return storage, db, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	messages, err := storage.List(cmd.Context(), sandbox.ListFilter{
		To:     sandboxListTo,
		Domain: sandboxListDomain,
		Limit:  sandboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No messages in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTO\tSUBJECT\tCAPTURED\tERROR")
	fmt.Fprintln(w, "--\t--\t-------\t--------\t-----")

	for _, msg := range messages {
		errText := "-"
		if msg.SimulatedErr != "" {
			errText = msg.SimulatedErr
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			msg.ID,
			truncate(msg.To, 30),
			truncate(msg.Subject, 40),
			msg.CapturedAt.Format("2006-01-02 15:04"),
			errText,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d messages\n", len(messages))
	return nil
}

func getSandboxMessage(cmd *cobra.Command, id string) (*sandbox.Message, error) {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	msg, err := storage.Get(cmd.Context(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("message not found: %s", id)
	}
	return msg, nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	msg, err := getSandboxMessage(cmd, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Message:  %s\n", msg.ID)
	fmt.Printf("From:     %s\n", msg.From)
	fmt.Printf("To:       %s\n", msg.To)
	fmt.Printf("Subject:  %s\n", msg.Subject)
	fmt.Printf("Captured: %s\n", msg.CapturedAt.Format(time.RFC3339))
	if msg.SimulatedErr != "" {
		fmt.Printf("Error:    %s\n", msg.SimulatedErr)
	}

	fmt.Println("\n---")
	fmt.Println(string(msg.Data))
	fmt.Println("---")
	return nil
}

func runSandboxExport(cmd *cobra.Command, args []string) error {
	msg, err := getSandboxMessage(cmd, args[0])
	if err != nil {
		return err
	}

	filename := sandboxExportOut
	if filename == "" {
		filename = msg.ID + ".eml"
	}
	if err := os.WriteFile(filename, msg.Data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	fmt.Printf("Message exported to: %s\n", filename)
	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	var cutoff time.Time
	if sandboxClearDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -sandboxClearDays)
	}

	count, err := storage.Clear(cmd.Context(), cutoff)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}

	fmt.Printf("Cleared %d messages from sandbox\n", count)
	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := storage.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get sandbox stats: %w", err)
	}

	fmt.Println("Sandbox Statistics")
	fmt.Println("==================")
	fmt.Printf("Total Messages: %d\n", stats.Total)
	fmt.Printf("Failed:         %d\n", stats.Failed)
	fmt.Printf("Total Size:     %d bytes\n", stats.TotalSize)

	if len(stats.ByDomain) > 0 {
		fmt.Println("\nBy Domain:")
		for domain, count := range stats.ByDomain {
			fmt.Printf("  %s: %d\n", domain, count)
		}
	}

	if !stats.OldestAt.IsZero() {
		fmt.Printf("\nOldest Message: %s\n", stats.OldestAt.Format(time.RFC3339))
	}
	if !stats.NewestAt.IsZero() {
		fmt.Printf("Newest Message: %s\n", stats.NewestAt.Format(time.RFC3339))
	}

	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
