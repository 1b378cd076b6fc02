package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/drip/internal/lock"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/models"
	"github.com/foxzi/drip/internal/repository"
)

// SchedulerConfig controls the tick loop
type SchedulerConfig struct {
	Interval   time.Duration
	BatchSize  int
	ClaimTTL   time.Duration // a claim older than this is considered abandoned
	RetryDelay time.Duration // how far a failed enrollment is pushed back
}

// TickResult summarizes one pass over the due set
type TickResult struct {
	Due       int
	Sent      int
	Failed    int
	Skipped   int
	Completed int
	Postponed int
	Errors    int
	Locked    bool // another instance held the tick lock
	Stopped   bool // the global quota ended the tick early
}

// Scheduler periodically selects due enrollments and runs each one
// through claim, evaluation, delivery and advancement
type Scheduler struct {
	cfg         SchedulerConfig
	sequences   *repository.SequenceRepository
	enrollments *repository.EnrollmentRepository
	evaluator   *Evaluator
	driver      *Driver
	advancer    *Advancer
	locker      lock.Locker
	clock       Clock
	collector   *metrics.Collector
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// SchedulerDeps are the collaborators of a Scheduler. Locker defaults to
// an in-process lock; Collector is optional.
type SchedulerDeps struct {
	Sequences   *repository.SequenceRepository
	Enrollments *repository.EnrollmentRepository
	Evaluator   *Evaluator
	Driver      *Driver
	Advancer    *Advancer
	Locker      lock.Locker
	Clock       Clock
	Collector   *metrics.Collector
}

func NewScheduler(cfg SchedulerConfig, deps SchedulerDeps, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Minute
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}

	return &Scheduler{
		cfg:         cfg,
		sequences:   deps.Sequences,
		enrollments: deps.Enrollments,
		evaluator:   deps.Evaluator,
		driver:      deps.Driver,
		advancer:    deps.Advancer,
		locker:      deps.Locker,
		clock:       deps.Clock,
		collector:   deps.Collector,
		logger:      logger.With("component", "scheduler"),
	}
}

// Start runs a tick every interval until Stop or ctx cancellation
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.logger.Info("starting scheduler", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)
}

// Stop waits for the running tick to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.logger.Info("stopping scheduler")
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopped by context")
			return
		case <-stopCh:
			s.logger.Debug("scheduler stopped by signal")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("tick failed", "error", err)
			}
		}
	}
}

// Tick runs one pass over the due set in selection order
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	start := time.Now()
	result := &TickResult{}

	acquired, err := s.locker.Acquire(ctx)
	if err != nil {
		s.collector.TrackTick("error", time.Since(start), 0)
		return nil, fmt.Errorf("failed to acquire tick lock: %w", err)
	}
	if !acquired {
		result.Locked = true
		s.logger.Debug("tick skipped, lock held elsewhere")
		s.collector.TrackTick("locked", time.Since(start), 0)
		return result, nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			s.logger.Warn("failed to release tick lock", "error", err)
		}
	}()

	due, err := s.enrollments.SelectDue(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		s.collector.TrackTick("error", time.Since(start), 0)
		return nil, err
	}
	result.Due = len(due)

	for _, ec := range due {
		if ctx.Err() != nil {
			break
		}

		err := s.processOne(ctx, ec, result)
		if errors.Is(err, ErrQuotaExceeded) {
			result.Stopped = true
			s.logger.Warn("sending quota exceeded, ending tick", "error", err)
			break
		}
		if err != nil {
			result.Errors++
			s.logger.Error("failed to process enrollment",
				"enrollment_id", ec.EnrollmentID,
				"error", err,
			)
		}
	}

	outcome := "ok"
	switch {
	case result.Stopped:
		outcome = "quota"
	case result.Errors > 0:
		outcome = "partial"
	}
	s.collector.TrackTick(outcome, time.Since(start), result.Due)

	if result.Due > 0 {
		s.logger.Info("tick finished",
			"due", result.Due,
			"sent", result.Sent,
			"failed", result.Failed,
			"skipped", result.Skipped,
			"completed", result.Completed,
			"postponed", result.Postponed,
			"errors", result.Errors,
			"duration", time.Since(start),
		)
	}

	return result, nil
}

// processOne isolates one enrollment: errors and panics stay here
func (s *Scheduler) processOne(ctx context.Context, ec models.EnrollmentContext, result *TickResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing enrollment: %v", r)
		}
	}()

	now := s.clock.Now()
	claimed, err := s.enrollments.Claim(ctx, ec.EnrollmentID, ec.CurrentStep, now, now.Add(-s.cfg.ClaimTTL))
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Debug("enrollment claimed elsewhere", "enrollment_id", ec.EnrollmentID)
		return nil
	}

	position := ec.NextPosition()
	step, err := s.sequences.GetStep(ctx, ec.SequenceID, position)
	if err != nil {
		s.postpone(ec.EnrollmentID, now.Add(s.cfg.RetryDelay))
		return fmt.Errorf("failed to load step %d: %w", position, err)
	}
	if step == nil {
		completed, err := s.advancer.Complete(ctx, ec.EnrollmentID, ec.CurrentStep)
		if completed {
			result.Completed++
		}
		return err
	}

	send, err := s.evaluator.ShouldSend(ctx, ec.SubscriberID, ec.SequenceID, position, step.Conditions)
	if err != nil {
		s.postpone(ec.EnrollmentID, now.Add(s.cfg.RetryDelay))
		return fmt.Errorf("failed to evaluate conditions: %w", err)
	}

	if !send {
		result.Skipped++
		s.collector.TrackSkipped("conditions")
		s.logger.Debug("step conditions not met, consuming step",
			"enrollment_id", ec.EnrollmentID,
			"position", position,
		)
	} else {
		outcome, err := s.driver.Deliver(ctx, ec, step)
		if err != nil {
			var domainErr *domainQuotaError
			switch {
			case errors.Is(err, ErrQuotaExceeded):
				s.release(ec.EnrollmentID)
			case errors.As(err, &domainErr):
				retry := domainErr.retryAfter
				if retry <= 0 {
					retry = s.cfg.RetryDelay
				}
				s.postpone(ec.EnrollmentID, now.Add(retry))
				result.Postponed++
				s.logger.Info("recipient domain over quota, postponing", "enrollment_id", ec.EnrollmentID, "error", err)
				return nil
			default:
				s.postpone(ec.EnrollmentID, now.Add(s.cfg.RetryDelay))
			}
			return err
		}
		switch outcome {
		case OutcomeSent:
			result.Sent++
		case OutcomeFailed:
			result.Failed++
		}
	}

	completed, err := s.advancer.Advance(ctx, ec.EnrollmentID, ec.SequenceID, position)
	if completed {
		result.Completed++
	}
	return err
}

// postpone drops a claim and moves the enrollment behind the rest of the due set
func (s *Scheduler) postpone(enrollmentID string, until time.Time) {
	if err := s.enrollments.Postpone(context.Background(), enrollmentID, until); err != nil {
		s.logger.Warn("failed to postpone enrollment", "enrollment_id", enrollmentID, "error", err)
	}
}

// release drops a claim so the enrollment is retried on the next tick
func (s *Scheduler) release(enrollmentID string) {
	if err := s.enrollments.Release(context.Background(), enrollmentID); err != nil {
		s.logger.Warn("failed to release claim", "enrollment_id", enrollmentID, "error", err)
	}
}
