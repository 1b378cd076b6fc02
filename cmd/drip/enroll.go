package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/drip/internal/db"
	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/repository"
)

var (
	enrollSequence  string
	enrollKind      string
	transitionStop  []string
	transitionStart string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <subscriber_id>",
	Short: "Enroll a subscriber into a sequence",
	Long: `Enroll a subscriber into a sequence by id, or into the active
sequence of a kind matching the subscriber's locale.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnroll,
}

var unenrollCmd = &cobra.Command{
	Use:   "unenroll <subscriber_id>",
	Short: "Stop a subscriber's sequence",
	Long: `Unsubscribe a subscriber from one sequence (--sequence) or complete
every active enrollment of a kind (--kind).`,
	Args: cobra.ExactArgs(1),
	RunE: runUnenroll,
}

var transitionCmd = &cobra.Command{
	Use:   "transition <subscriber_id>",
	Short: "Move a subscriber between funnel stages",
	Args:  cobra.ExactArgs(1),
	RunE:  runTransition,
}

var eventCmd = &cobra.Command{
	Use:   "event <subscriber_id> <event>",
	Short: "Apply a configured lifecycle event",
	Args:  cobra.ExactArgs(2),
	RunE:  runEvent,
}

func init() {
	for _, c := range []*cobra.Command{enrollCmd, unenrollCmd} {
		c.Flags().StringVar(&enrollSequence, "sequence", "", "Sequence ID")
		c.Flags().StringVar(&enrollKind, "kind", "", "Sequence kind")
		c.MarkFlagsOneRequired("sequence", "kind")
		c.MarkFlagsMutuallyExclusive("sequence", "kind")
	}

	transitionCmd.Flags().StringSliceVar(&transitionStop, "stop", nil, "Kinds to complete (repeatable)")
	transitionCmd.Flags().StringVar(&transitionStart, "start", "", "Kind to start")
	transitionCmd.MarkFlagsOneRequired("stop", "start")

	rootCmd.AddCommand(enrollCmd, unenrollCmd, transitionCmd, eventCmd)
}

// store holds the sqlite side of the application. It does not touch the
// state database, so it can run next to a live server.
type store struct {
	db          *db.DB
	subscribers *repository.SubscriberRepository
	manager     *drip.Manager
	logs        *repository.DeliveryLogRepository
}

func openStore() (*store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	subscribers := repository.NewSubscriberRepository(database.DB)
	sequences := repository.NewSequenceRepository(database.DB)
	enrollments := repository.NewEnrollmentRepository(database.DB)

	return &store{
		db:          database,
		subscribers: subscribers,
		manager:     drip.NewManager(subscribers, sequences, enrollments, cfg, nil, nil, logger),
		logs:        repository.NewDeliveryLogRepository(database.DB),
	}, nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.db.Close()

	ctx := cmd.Context()
	subscriberID := args[0]

	var created bool
	if enrollSequence != "" {
		created, err = s.manager.Enroll(ctx, subscriberID, enrollSequence)
	} else {
		var result *drip.TransitionResult
		result, err = s.manager.Transition(ctx, subscriberID, nil, enrollKind)
		if result != nil {
			created = result.Started
		}
	}
	if err != nil {
		return fmt.Errorf("failed to enroll: %w", err)
	}

	if created {
		fmt.Println("Enrolled")
	} else {
		fmt.Println("Already enrolled (or no active sequence), nothing changed")
	}
	return nil
}

func runUnenroll(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.db.Close()

	ctx := cmd.Context()
	subscriberID := args[0]

	if enrollSequence != "" {
		if _, err := s.manager.Unenroll(ctx, subscriberID, enrollSequence); err != nil {
			return fmt.Errorf("failed to unenroll: %w", err)
		}
		fmt.Println("Unsubscribed from sequence")
		return nil
	}

	n, err := s.manager.StopByKind(ctx, subscriberID, enrollKind)
	if err != nil {
		return fmt.Errorf("failed to stop sequences: %w", err)
	}
	fmt.Printf("Completed %d enrollment(s)\n", n)
	return nil
}

func runTransition(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.db.Close()

	result, err := s.manager.Transition(cmd.Context(), args[0], transitionStop, transitionStart)
	if err != nil {
		return fmt.Errorf("transition failed: %w", err)
	}
	printTransition(result)
	return nil
}

func runEvent(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.db.Close()

	result, err := s.manager.ApplyEvent(cmd.Context(), args[0], strings.TrimSpace(args[1]))
	if err != nil {
		return fmt.Errorf("event failed: %w", err)
	}
	printTransition(result)
	return nil
}

func printTransition(result *drip.TransitionResult) {
	fmt.Printf("Stopped: %d\n", result.Stopped)
	fmt.Printf("Started: %t\n", result.Started)
}
