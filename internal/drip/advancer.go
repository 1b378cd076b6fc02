package drip

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/repository"
)

// Advancer moves an enrollment past a consumed step. It is the only code
// path that raises current_step after enrollment.
type Advancer struct {
	sequences   *repository.SequenceRepository
	enrollments *repository.EnrollmentRepository
	clock       Clock
	collector   *metrics.Collector
	logger      *slog.Logger
}

func NewAdvancer(sequences *repository.SequenceRepository, enrollments *repository.EnrollmentRepository, clock Clock, collector *metrics.Collector, logger *slog.Logger) *Advancer {
	return &Advancer{
		sequences:   sequences,
		enrollments: enrollments,
		clock:       clock,
		collector:   collector,
		logger:      logger.With("component", "advancer"),
	}
}

// Advance records position as consumed. The step at position+1 sets the
// next send time; without one the enrollment completes. It reports
// whether the enrollment completed.
func (a *Advancer) Advance(ctx context.Context, enrollmentID, sequenceID string, position int) (bool, error) {
	now := a.clock.Now()

	next, err := a.sequences.GetStep(ctx, sequenceID, position+1)
	if err != nil {
		return false, fmt.Errorf("failed to load step %d: %w", position+1, err)
	}

	if next == nil {
		return a.Complete(ctx, enrollmentID, position)
	}

	nextAt := NextSendAt(now, next.Delay())
	ok, err := a.enrollments.Advance(ctx, enrollmentID, position, nextAt)
	if err != nil {
		return false, err
	}
	if !ok {
		a.logger.Debug("enrollment already moved on", "enrollment_id", enrollmentID, "position", position)
		return false, nil
	}

	a.logger.Debug("enrollment advanced",
		"enrollment_id", enrollmentID,
		"current_step", position,
		"next_email_at", nextAt,
	)
	return false, nil
}

// Complete finishes an enrollment whose last consumed step is position
func (a *Advancer) Complete(ctx context.Context, enrollmentID string, position int) (bool, error) {
	ok, err := a.enrollments.Complete(ctx, enrollmentID, position, a.clock.Now())
	if err != nil {
		return false, err
	}
	if !ok {
		a.logger.Debug("enrollment already finished", "enrollment_id", enrollmentID)
		return false, nil
	}

	a.collector.TrackCompletions("end_of_sequence", 1)
	a.logger.Info("enrollment completed", "enrollment_id", enrollmentID, "current_step", position)
	return true, nil
}
