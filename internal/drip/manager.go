package drip

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/repository"
)

// Enrollment sources, used as the metrics label
const (
	SourceDirect     = "direct"
	SourceKind       = "kind"
	SourceTag        = "tag"
	SourceTransition = "transition"
)

// Transitions resolves lifecycle events to funnel moves; *config.Config
// implements it
type Transitions interface {
	Transition(event string) (config.TransitionConfig, bool)
}

// Manager handles enrollment lifecycle events
type Manager struct {
	subscribers *repository.SubscriberRepository
	sequences   *repository.SequenceRepository
	enrollments *repository.EnrollmentRepository
	transitions Transitions
	clock       Clock
	collector   *metrics.Collector
	logger      *slog.Logger
}

func NewManager(
	subscribers *repository.SubscriberRepository,
	sequences *repository.SequenceRepository,
	enrollments *repository.EnrollmentRepository,
	transitions Transitions,
	clock Clock,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Manager {
	if clock == nil {
		clock = SystemClock()
	}
	return &Manager{
		subscribers: subscribers,
		sequences:   sequences,
		enrollments: enrollments,
		transitions: transitions,
		clock:       clock,
		collector:   collector,
		logger:      logger.With("component", "enrollment"),
	}
}

// Enroll starts a subscriber on a sequence. It is idempotent on the pair
// whatever the state of an existing enrollment; created is false then.
func (m *Manager) Enroll(ctx context.Context, subscriberID, sequenceID string) (bool, error) {
	return m.enroll(ctx, subscriberID, sequenceID, SourceDirect)
}

func (m *Manager) enroll(ctx context.Context, subscriberID, sequenceID, source string) (bool, error) {
	sub, err := m.subscribers.GetByID(ctx, subscriberID)
	if err != nil {
		return false, err
	}
	if sub == nil {
		return false, ErrSubscriberNotFound
	}

	seq, err := m.sequences.GetByID(ctx, sequenceID)
	if err != nil {
		return false, err
	}
	if seq == nil {
		return false, ErrSequenceNotFound
	}

	now := m.clock.Now()
	first, err := m.sequences.GetStep(ctx, sequenceID, 1)
	if err != nil {
		return false, fmt.Errorf("failed to load first step: %w", err)
	}
	nextAt := NextSendAt(now, 0)
	if first != nil {
		nextAt = NextSendAt(now, first.Delay())
	}

	created, err := m.enrollments.Create(ctx, subscriberID, sequenceID, now, nextAt)
	if err != nil {
		return false, err
	}

	if created {
		m.collector.TrackEnrollment(source)
		m.logger.Info("subscriber enrolled",
			"subscriber_id", subscriberID,
			"sequence", seq.Name,
			"source", source,
			"next_email_at", nextAt,
		)
	}
	return created, nil
}

// Unenroll stops an active enrollment. Terminal or missing enrollments
// yield ErrNotEnrolled.
func (m *Manager) Unenroll(ctx context.Context, subscriberID, sequenceID string) (bool, error) {
	ok, err := m.enrollments.Unsubscribe(ctx, subscriberID, sequenceID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotEnrolled
	}

	m.collector.TrackUnsubscribe()
	m.logger.Info("subscriber unenrolled", "subscriber_id", subscriberID, "sequence_id", sequenceID)
	return true, nil
}

// StopByKind completes every active enrollment of the subscriber in
// sequences of the given kind
func (m *Manager) StopByKind(ctx context.Context, subscriberID, kind string) (int, error) {
	n, err := m.enrollments.CompleteByKind(ctx, subscriberID, kind, m.clock.Now())
	if err != nil {
		return 0, err
	}

	m.collector.TrackCompletions("transition", int(n))
	if n > 0 {
		m.logger.Info("enrollments stopped", "subscriber_id", subscriberID, "kind", kind, "count", n)
	}
	return int(n), nil
}

// StartByKind enrolls into the active sequence of a kind and locale.
// Without such a sequence it does nothing.
func (m *Manager) StartByKind(ctx context.Context, subscriberID, locale, kind string) (bool, error) {
	return m.startByKind(ctx, subscriberID, locale, kind, SourceKind)
}

func (m *Manager) startByKind(ctx context.Context, subscriberID, locale, kind, source string) (bool, error) {
	seq, err := m.sequences.FindActiveByKind(ctx, kind, locale)
	if err != nil {
		return false, err
	}
	if seq == nil {
		m.logger.Debug("no active sequence for kind", "kind", kind, "locale", locale)
		return false, nil
	}
	return m.enroll(ctx, subscriberID, seq.ID, source)
}

// TagAdded enrolls the subscriber into active sequences triggered by tag
// in the subscriber's locale. It returns the number of new enrollments.
func (m *Manager) TagAdded(ctx context.Context, subscriberID, tag string) (int, error) {
	sub, err := m.subscribers.GetByID(ctx, subscriberID)
	if err != nil {
		return 0, err
	}
	if sub == nil {
		return 0, ErrSubscriberNotFound
	}

	seqs, err := m.sequences.ListActiveByTriggerTag(ctx, tag, sub.Locale)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, seq := range seqs {
		ok, err := m.enroll(ctx, subscriberID, seq.ID, SourceTag)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// TransitionResult reports what a funnel move changed
type TransitionResult struct {
	Stopped int  `json:"stopped"`
	Started bool `json:"started"`
}

// Transition stops the given kinds, then starts startKind (if set) in the
// subscriber's locale
func (m *Manager) Transition(ctx context.Context, subscriberID string, stopKinds []string, startKind string) (*TransitionResult, error) {
	sub, err := m.subscribers.GetByID(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubscriberNotFound
	}

	result := &TransitionResult{}
	for _, kind := range stopKinds {
		n, err := m.StopByKind(ctx, subscriberID, kind)
		if err != nil {
			return result, err
		}
		result.Stopped += n
	}

	if startKind != "" {
		started, err := m.startByKind(ctx, subscriberID, sub.Locale, startKind, SourceTransition)
		if err != nil {
			return result, err
		}
		result.Started = started
	}
	return result, nil
}

// ApplyEvent runs the transition configured for a lifecycle event
func (m *Manager) ApplyEvent(ctx context.Context, subscriberID, event string) (*TransitionResult, error) {
	if m.transitions == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	t, ok := m.transitions.Transition(event)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	return m.Transition(ctx, subscriberID, t.Stop, t.Start)
}
