package drip

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/db"
	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/models"
	"github.com/foxzi/drip/internal/repository"
	"github.com/foxzi/drip/internal/template"
	"github.com/foxzi/drip/internal/token"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeMailer records accepted messages. failFor and panicFor match recipients.
type fakeMailer struct {
	mu       sync.Mutex
	sent     []*mailer.Message
	failFor  map[string]bool
	panicFor map[string]bool
}

func (m *fakeMailer) Send(ctx context.Context, msg *mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicFor[msg.To] {
		panic("transport exploded")
	}
	if m.failFor[msg.To] {
		return &mailer.DeliveryError{Temporary: true, Message: "451 try again later"}
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) subjectsTo(to string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.sent {
		if msg.To == to {
			out = append(out, msg.Subject)
		}
	}
	return out
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type harness struct {
	t           *testing.T
	ctx         context.Context
	db          *sql.DB
	clock       *fakeClock
	mailer      *fakeMailer
	subscribers *repository.SubscriberRepository
	sequences   *repository.SequenceRepository
	enrollments *repository.EnrollmentRepository
	logs        *repository.DeliveryLogRepository
	manager     *Manager
	driver      *Driver
	scheduler   *Scheduler
	tokens      *token.Signer
}

type harnessOption func(*DriverDeps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	d, err := db.NewMemory()
	require.NoError(t, err)
	require.NoError(t, d.Migrate())
	t.Cleanup(func() { d.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := template.NewEngine("")
	require.NoError(t, err)

	h := &harness{
		t:           t,
		ctx:         context.Background(),
		db:          d.DB,
		clock:       &fakeClock{now: baseTime},
		mailer:      &fakeMailer{failFor: map[string]bool{}, panicFor: map[string]bool{}},
		subscribers: repository.NewSubscriberRepository(d.DB),
		sequences:   repository.NewSequenceRepository(d.DB),
		enrollments: repository.NewEnrollmentRepository(d.DB),
		logs:        repository.NewDeliveryLogRepository(d.DB),
		tokens:      token.NewSigner("test-secret", "drip"),
	}

	transitions := &config.Config{Transitions: []config.TransitionConfig{
		{Event: "access_granted", Stop: []string{"pdf"}, Start: "access"},
		{Event: "payment_completed", Stop: []string{"pdf", "access"}},
	}}

	deps := DriverDeps{
		Engine: engine,
		Logs:   h.logs,
		Mailer: h.mailer,
		Tokens: h.tokens,
		Clock:  h.clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	h.manager = NewManager(h.subscribers, h.sequences, h.enrollments, transitions, h.clock, nil, logger)
	h.driver = NewDriver(DriverConfig{
		From:      "news@example.com",
		FromName:  "Example",
		PublicURL: "https://mail.example.com/",
	}, deps, logger)
	h.scheduler = NewScheduler(SchedulerConfig{BatchSize: 50, ClaimTTL: 5 * time.Minute}, SchedulerDeps{
		Sequences:   h.sequences,
		Enrollments: h.enrollments,
		Evaluator:   NewEvaluator(h.sequences, h.subscribers, h.logs),
		Driver:      h.driver,
		Advancer:    NewAdvancer(h.sequences, h.enrollments, h.clock, nil, logger),
		Clock:       h.clock,
	}, logger)

	return h
}

func (h *harness) subscriber(email, locale string) *models.Subscriber {
	h.t.Helper()
	s := &models.Subscriber{Email: email, Locale: locale, Status: models.SubscriberActive}
	require.NoError(h.t, h.subscribers.Create(h.ctx, s))
	return s
}

func (h *harness) sequence(name, kind, locale string, steps ...models.SequenceStep) *models.Sequence {
	h.t.Helper()
	seq := &models.Sequence{Name: name, Kind: kind, Locale: locale, Status: models.SequenceActive}
	require.NoError(h.t, h.sequences.Create(h.ctx, seq))
	for i := range steps {
		steps[i].SequenceID = seq.ID
		require.NoError(h.t, h.sequences.AddStep(h.ctx, &steps[i]))
	}
	return seq
}

func (h *harness) enroll(sub *models.Subscriber, seq *models.Sequence) {
	h.t.Helper()
	created, err := h.manager.Enroll(h.ctx, sub.ID, seq.ID)
	require.NoError(h.t, err)
	require.True(h.t, created)
}

func (h *harness) tick() *TickResult {
	h.t.Helper()
	res, err := h.scheduler.Tick(h.ctx)
	require.NoError(h.t, err)
	return res
}

func (h *harness) enrollment(sub *models.Subscriber, seq *models.Sequence) *models.Enrollment {
	h.t.Helper()
	e, err := h.enrollments.Get(h.ctx, sub.ID, seq.ID)
	require.NoError(h.t, err)
	require.NotNil(h.t, e)
	return e
}

// logFor returns the latest delivery log entry of a subscriber
func (h *harness) logFor(sub *models.Subscriber) *models.DeliveryLogEntry {
	h.t.Helper()
	entries, err := h.logs.ListBySubscriber(h.ctx, sub.ID, 1)
	require.NoError(h.t, err)
	require.NotEmpty(h.t, entries)
	return &entries[0]
}

func step(subject string, days, hours int) models.SequenceStep {
	return models.SequenceStep{
		Subject:    subject,
		Body:       "Hello {NAME}, this is " + strings.ToLower(subject) + ".",
		DelayDays:  days,
		DelayHours: hours,
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
