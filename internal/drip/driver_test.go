package drip

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/models"
	"github.com/foxzi/drip/internal/ratelimit"
	"github.com/foxzi/drip/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestLocalizedContent(t *testing.T) {
	st := &models.SequenceStep{
		Subject:   "Generic subject",
		Body:      "Generic body",
		SubjectAM: "AM subject",
		BodyAM:    "",
		SubjectEN: " ",
		BodyEN:    "EN body",
	}

	tests := []struct {
		locale      string
		wantSubject string
		wantBody    string
	}{
		{"am", "AM subject", "Generic body"},
		{"en", "Generic subject", "EN body"},
		{"fr", "Generic subject", "Generic body"},
		{"", "Generic subject", "Generic body"},
	}

	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			got := LocalizedContent(st, tt.locale)
			assert.Equal(t, tt.wantSubject, got.Subject)
			assert.Equal(t, tt.wantBody, got.Body)
		})
	}
}

func TestLocaleFallbackDuringTick(t *testing.T) {
	h := newHarness(t)
	am := h.subscriber("am@example.com", "am")
	en := h.subscriber("en@example.com", "en")

	welcome := models.SequenceStep{
		Subject:   "Welcome",
		Body:      "Hi {{first_name}}",
		SubjectAM: "እንኳን ደህና መጡ",
		BodyAM:    "ሰላም {NAME}",
	}
	seq := h.sequence("Welcome", "pdf", "en", welcome)
	h.enroll(am, seq)
	h.enroll(en, seq)

	h.tick()

	assert.Equal(t, []string{"እንኳን ደህና መጡ"}, h.mailer.subjectsTo(am.Email))
	assert.Equal(t, []string{"Welcome"}, h.mailer.subjectsTo(en.Email))
}

func TestDeliverPersonalizesAndSignsToken(t *testing.T) {
	h := newHarness(t)
	sub := &models.Subscriber{
		Email:        "ann@example.com",
		FirstName:    "Ann",
		Locale:       "en",
		Status:       models.SubscriberActive,
		CustomFields: map[string]string{"company": "Acme"},
	}
	require.NoError(t, h.subscribers.Create(h.ctx, sub))
	seq := h.sequence("Welcome", "pdf", "en", models.SequenceStep{
		Subject: "{{first_name}} at {{company}}",
		Body:    "Visit [our site](https://acme.example.com) {{nickname}}",
	})
	h.enroll(sub, seq)

	due, err := h.enrollments.SelectDue(h.ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	st, err := h.sequences.GetStep(h.ctx, seq.ID, 1)
	require.NoError(t, err)

	outcome, err := h.driver.Deliver(h.ctx, due[0], st)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)

	require.Equal(t, 1, h.mailer.count())
	msg := h.mailer.sent[0]
	assert.Equal(t, "Ann at Acme", msg.Subject)
	assert.Equal(t, "news@example.com", msg.From)
	assert.Contains(t, msg.HTML, "https://mail.example.com/t/c/"+msg.ID+"?u=https%3A%2F%2Facme.example.com")
	assert.Contains(t, msg.Text, "{{nickname}}", "unknown merge tags stay verbatim")

	unsub := strings.TrimSuffix(strings.TrimPrefix(msg.Headers["List-Unsubscribe"], "<https://mail.example.com/u/"), ">")
	claims, err := h.tokens.Verify(unsub)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, claims.SubscriberID)
	assert.Equal(t, seq.ID, claims.SequenceID)
	assert.Equal(t, msg.ID, claims.LogID)
}

func TestDeliverWithoutPublicURL(t *testing.T) {
	h := newHarness(t)
	h.driver.cfg.PublicURL = ""
	sub := h.subscriber("a@example.com", "en")
	seq := h.sequence("Welcome", "pdf", "en", step("One", 0, 0))
	h.enroll(sub, seq)

	h.tick()

	require.Equal(t, 1, h.mailer.count())
	msg := h.mailer.sent[0]
	assert.NotContains(t, msg.HTML, "<img")
	assert.Empty(t, msg.Headers["List-Unsubscribe"])
}

func TestAttachmentsWithoutLoaderFailDelivery(t *testing.T) {
	h := newHarness(t)
	sub := h.subscriber("a@example.com", "en")
	st := step("Guide", 0, 0)
	st.Attachments = []models.Attachment{{Path: "guide.pdf"}}
	seq := h.sequence("Guide", "pdf", "en", st)
	h.enroll(sub, seq)

	res := h.tick()
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, h.logFor(sub).Error, "attachment")
	assert.Equal(t, models.EnrollmentCompleted, h.enrollment(sub, seq).Status)
}

func TestAttachmentsLoadedFromBaseDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(filepath.Join(dir, "guide.pdf"), "%PDF-1.4"))

	h := newHarness(t, func(d *DriverDeps) {
		d.Attachments = mailer.NewAttachmentLoader(dir, nil)
	})
	sub := h.subscriber("a@example.com", "en")
	st := step("Guide", 0, 0)
	st.Attachments = []models.Attachment{{Path: "guide.pdf", Filename: "Guide.pdf"}}
	seq := h.sequence("Guide", "pdf", "en", st)
	h.enroll(sub, seq)

	res := h.tick()
	require.Equal(t, 1, res.Sent)
	msg := h.mailer.sent[0]
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "Guide.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, []byte("%PDF-1.4"), msg.Attachments[0].Data)
}

func newTestLimiter(t *testing.T, cfg *ratelimit.Config, now func() time.Time) *ratelimit.Limiter {
	t.Helper()
	bdb, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })

	l, err := ratelimit.NewLimiter(bdb, cfg)
	require.NoError(t, err)
	l.SetClock(now)
	t.Cleanup(func() { l.Stop() })
	return l
}

func TestGlobalQuotaStopsTick(t *testing.T) {
	var h *harness
	h = newHarness(t, func(d *DriverDeps) {
		d.Limiter = newTestLimiter(t, &ratelimit.Config{
			Global: &ratelimit.LimitConfig{MessagesPerHour: 2},
		}, func() time.Time { return h.clock.Now() })
	})
	seq := h.sequence("Welcome", "pdf", "en", step("One", 0, 0))
	var subs []*models.Subscriber
	for _, addr := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		sub := h.subscriber(addr, "en")
		h.enroll(sub, seq)
		h.clock.Advance(time.Second)
		subs = append(subs, sub)
	}

	res := h.tick()
	assert.Equal(t, 2, res.Sent)
	assert.True(t, res.Stopped)

	e := h.enrollment(subs[2], seq)
	assert.Equal(t, models.EnrollmentActive, e.Status)
	assert.Equal(t, 0, e.CurrentStep, "a denied send does not advance")

	h.clock.Advance(time.Hour)
	res = h.tick()
	assert.Equal(t, 1, res.Sent)
	assert.False(t, res.Stopped)
}

func TestDomainQuotaPostponesOnlyThatDomain(t *testing.T) {
	var h *harness
	h = newHarness(t, func(d *DriverDeps) {
		d.Limiter = newTestLimiter(t, &ratelimit.Config{
			RecipientDomain: &ratelimit.LimitConfig{MessagesPerHour: 1},
		}, func() time.Time { return h.clock.Now() })
	})
	seq := h.sequence("Welcome", "pdf", "en", step("One", 0, 0))
	first := h.subscriber("a@busy.example", "en")
	h.enroll(first, seq)
	h.clock.Advance(time.Second)
	second := h.subscriber("b@busy.example", "en")
	h.enroll(second, seq)
	h.clock.Advance(time.Second)
	other := h.subscriber("c@quiet.example", "en")
	h.enroll(other, seq)

	res := h.tick()
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Postponed)
	assert.False(t, res.Stopped)
	assert.Equal(t, models.EnrollmentActive, h.enrollment(second, seq).Status)
	assert.Empty(t, h.mailer.subjectsTo(second.Email))
}

func TestDomainQuotaDoesNotStarveOtherDomains(t *testing.T) {
	var h *harness
	h = newHarness(t, func(d *DriverDeps) {
		d.Limiter = newTestLimiter(t, &ratelimit.Config{
			RecipientDomain: &ratelimit.LimitConfig{MessagesPerHour: 1},
		}, func() time.Time { return h.clock.Now() })
	})
	h.scheduler.cfg.BatchSize = 2
	seq := h.sequence("Welcome", "pdf", "en", step("One", 0, 0))

	var busy []*models.Subscriber
	for _, addr := range []string{"a@busy.example", "b@busy.example", "c@busy.example"} {
		sub := h.subscriber(addr, "en")
		h.enroll(sub, seq)
		h.clock.Advance(time.Second)
		busy = append(busy, sub)
	}
	quiet := h.subscriber("d@quiet.example", "en")
	h.enroll(quiet, seq)

	for i := 0; i < 3; i++ {
		h.tick()
		h.clock.Advance(time.Minute)
	}

	assert.Equal(t, []string{"One"}, h.mailer.subjectsTo(quiet.Email))

	postponed := h.enrollment(busy[1], seq)
	assert.Equal(t, 0, postponed.CurrentStep, "a postponed step is not consumed")
	assert.True(t, postponed.NextEmailAt.After(h.clock.Now()), "postponed until the quota window resets")
}

func TestStepLoadErrorPushesEnrollmentBack(t *testing.T) {
	h := newHarness(t)
	h.scheduler.cfg.BatchSize = 1
	broken := h.sequence("Broken", "course", "en", step("Broken", 0, 0))
	seq := h.sequence("Welcome", "pdf", "en", step("One", 0, 0))
	_, err := h.db.ExecContext(h.ctx, "UPDATE sequence_emails SET conditions = '{bad' WHERE sequence_id = ?", broken.ID)
	require.NoError(t, err)

	first := h.subscriber("a@example.com", "en")
	h.enroll(first, broken)
	h.clock.Advance(time.Second)
	second := h.subscriber("b@example.com", "en")
	h.enroll(second, seq)

	res := h.tick()
	assert.Equal(t, 1, res.Errors)
	h.clock.Advance(time.Minute)
	h.tick()

	assert.Equal(t, []string{"One"}, h.mailer.subjectsTo(second.Email))
	e := h.enrollment(first, broken)
	assert.Equal(t, 0, e.CurrentStep)
	assert.True(t, e.NextEmailAt.Equal(baseTime.Add(time.Second+5*time.Minute)), "next_email_at = %s", e.NextEmailAt)
}

func TestSendDelayHonorsContext(t *testing.T) {
	h := newHarness(t)
	h.driver.cfg.SendDelay = time.Hour
	sub := h.subscriber("a@example.com", "en")
	seq := h.sequence("Welcome", "pdf", "en", step("One", 0, 0))
	h.enroll(sub, seq)

	due, err := h.enrollments.SelectDue(h.ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	st, err := h.sequences.GetStep(h.ctx, seq.ID, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome, err := h.driver.Deliver(ctx, due[0], st)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTokenRejectsForeignSecret(t *testing.T) {
	other := token.NewSigner("other-secret", "drip")
	tok, err := other.Sign(token.Unsubscribe{SubscriberID: "s", SequenceID: "q"}, baseTime)
	require.NoError(t, err)

	h := newHarness(t)
	_, err = h.tokens.Verify(tok)
	assert.True(t, errors.Is(err, token.ErrInvalidToken))
}
