package drip

import (
	"testing"
	"time"

	"github.com/foxzi/drip/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSendWithoutConditions(t *testing.T) {
	h := newHarness(t)
	ev := NewEvaluator(h.sequences, h.subscribers, h.logs)

	ok, err := ev.ShouldSend(h.ctx, "any", "any", 3, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.ShouldSend(h.ctx, "any", "any", 3, &models.Conditions{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTagConditions(t *testing.T) {
	h := newHarness(t)
	ev := NewEvaluator(h.sequences, h.subscribers, h.logs)
	sub := h.subscriber("a@example.com", "en")
	for _, tag := range []string{"buyer", "vip"} {
		_, err := h.subscribers.AddTag(h.ctx, sub.ID, tag)
		require.NoError(t, err)
	}

	tests := []struct {
		name string
		cond models.Conditions
		want bool
	}{
		{"has all tags", models.Conditions{HasTags: []string{"buyer", "vip"}}, true},
		{"duplicate tag names count once", models.Conditions{HasTags: []string{"vip", "vip"}}, true},
		{"padded tag names match", models.Conditions{HasTags: []string{" vip ", "vip", ""}}, true},
		{"missing one tag", models.Conditions{HasTags: []string{"buyer", "trial"}}, false},
		{"not has absent tag", models.Conditions{NotHasTags: []string{"trial"}}, true},
		{"not has held tag", models.Conditions{NotHasTags: []string{"trial", "vip"}}, false},
		{"both predicates", models.Conditions{HasTags: []string{"buyer"}, NotHasTags: []string{"trial"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := tt.cond
			ok, err := ev.ShouldSend(h.ctx, sub.ID, "seq", 1, &cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestPreviousEmailOpenedGate(t *testing.T) {
	h := newHarness(t)
	opener := h.subscriber("opener@example.com", "en")
	ignorer := h.subscriber("ignorer@example.com", "en")

	gated := step("Follow-up", 1, 0)
	gated.Conditions = &models.Conditions{PreviousEmailOpened: true}
	seq := h.sequence("Nurture", "pdf", "en", step("Intro", 0, 0), gated, step("Last", 1, 0))
	h.enroll(opener, seq)
	h.enroll(ignorer, seq)

	res := h.tick()
	require.Equal(t, 2, res.Sent)

	opened, err := h.logs.MarkOpened(h.ctx, h.logFor(opener).ID, h.clock.Now())
	require.NoError(t, err)
	require.True(t, opened)

	h.clock.Advance(24 * time.Hour)
	res = h.tick()
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Skipped)

	assert.Equal(t, []string{"Intro", "Follow-up"}, h.mailer.subjectsTo(opener.Email))
	assert.Equal(t, []string{"Intro"}, h.mailer.subjectsTo(ignorer.Email))

	// the gate is one-shot: the skipped step is consumed like a send
	e := h.enrollment(ignorer, seq)
	assert.Equal(t, 2, e.CurrentStep)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), e.NextEmailAt.UTC())

	h.clock.Advance(24 * time.Hour)
	h.tick()
	assert.Equal(t, []string{"Intro", "Last"}, h.mailer.subjectsTo(ignorer.Email))
}

func TestPreviousEmailOpenedFirstStepAndMissingStep(t *testing.T) {
	h := newHarness(t)
	ev := NewEvaluator(h.sequences, h.subscribers, h.logs)
	sub := h.subscriber("a@example.com", "en")
	seq := h.sequence("Sparse", "pdf", "en")

	cond := &models.Conditions{PreviousEmailOpened: true}

	ok, err := ev.ShouldSend(h.ctx, sub.ID, seq.ID, 1, cond)
	require.NoError(t, err)
	assert.True(t, ok, "first step has no previous email")

	ok, err = ev.ShouldSend(h.ctx, sub.ID, seq.ID, 5, cond)
	require.NoError(t, err)
	assert.True(t, ok, "missing previous step fails open")
}

func TestClickCountsAsOpen(t *testing.T) {
	h := newHarness(t)
	ev := NewEvaluator(h.sequences, h.subscribers, h.logs)
	sub := h.subscriber("a@example.com", "en")
	seq := h.sequence("Nurture", "pdf", "en", step("Intro", 0, 0))
	h.enroll(sub, seq)
	h.tick()

	_, err := h.logs.MarkClicked(h.ctx, h.logFor(sub).ID, h.clock.Now())
	require.NoError(t, err)

	ok, err := ev.ShouldSend(h.ctx, sub.ID, seq.ID, 2, &models.Conditions{PreviousEmailOpened: true})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTagGatingDuringTick(t *testing.T) {
	h := newHarness(t)
	buyer := h.subscriber("buyer@example.com", "en")
	browser := h.subscriber("browser@example.com", "en")
	_, err := h.subscribers.AddTag(h.ctx, buyer.ID, "customer")
	require.NoError(t, err)

	upsell := step("Upsell", 0, 0)
	upsell.Conditions = &models.Conditions{HasTags: []string{"customer"}}
	pitch := step("Pitch", 0, 0)
	pitch.Conditions = &models.Conditions{NotHasTags: []string{"customer"}}
	seq := h.sequence("Split", "access", "en", upsell, pitch)
	h.enroll(buyer, seq)
	h.enroll(browser, seq)

	h.tick()
	h.tick()

	assert.Equal(t, []string{"Upsell"}, h.mailer.subjectsTo(buyer.Email))
	assert.Equal(t, []string{"Pitch"}, h.mailer.subjectsTo(browser.Email))
	assert.Equal(t, models.EnrollmentCompleted, h.enrollment(buyer, seq).Status)
	assert.Equal(t, models.EnrollmentCompleted, h.enrollment(browser, seq).Status)
}
