package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/drip/internal/models"
	"github.com/foxzi/drip/internal/template"
)

func TestCreateSequence(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/sequences", map[string]any{
		"name":   "Welcome EN",
		"kind":   "welcome",
		"locale": "en",
		"status": "active",
		"steps": []map[string]any{
			{"subject": "Welcome {{first_name}}", "body": "Hi {NAME}"},
			{"subject": "Day 2", "body": "More", "delay_days": 2, "conditions": map[string]any{"previous_email_opened": true}},
			{"subject": "Attachment", "body": "See file", "delay_hours": 6, "attachments": []map[string]string{{"path": "guides/intro.pdf"}}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeBody[SequenceResponse](t, rec)
	require.NotNil(t, resp.Sequence)
	assert.Equal(t, models.SequenceActive, resp.Status)
	require.Len(t, resp.Steps, 3)

	steps, err := env.sequences.ListSteps(env.ctx, resp.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, st := range steps {
		assert.Equal(t, i+1, st.Position)
	}
	assert.True(t, steps[1].Conditions.PreviousEmailOpened)
	assert.Equal(t, "intro.pdf", steps[2].Attachments[0].Filename)

	get := env.do(http.MethodGet, "/api/v1/sequences/"+resp.ID, nil)
	require.Equal(t, http.StatusOK, get.Code)
	assert.Len(t, decodeBody[SequenceResponse](t, get).Steps, 3)

	list := env.do(http.MethodGet, "/api/v1/sequences?kind=welcome", nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Equal(t, float64(1), decodeBody[map[string]any](t, list)["total"])
}

func TestCreateSequenceRejectsInvalidSteps(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing kind", map[string]any{"name": "x", "locale": "en"}},
		{"bad locale", map[string]any{"name": "x", "kind": "k", "locale": "de"}},
		{"negative delay", map[string]any{"name": "x", "kind": "k", "locale": "en",
			"steps": []map[string]any{{"subject": "s", "body": "b", "delay_days": -1}}}},
		{"blank subject", map[string]any{"name": "x", "kind": "k", "locale": "en",
			"steps": []map[string]any{{"subject": "   ", "body": "b"}}}},
		{"attachment without path", map[string]any{"name": "x", "kind": "k", "locale": "en",
			"steps": []map[string]any{{"subject": "s", "body": "b", "attachments": []map[string]string{{"filename": "a.pdf"}}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/sequences", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	list, err := env.sequences.List(env.ctx, models.SequenceListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAddStep(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence("Nurture", "pdf", 2)

	gap := env.do(http.MethodPost, "/api/v1/sequences/"+seq.ID+"/steps", map[string]any{
		"position": 5, "subject": "s", "body": "b",
	})
	assert.Equal(t, http.StatusBadRequest, gap.Code)

	taken := env.do(http.MethodPost, "/api/v1/sequences/"+seq.ID+"/steps", map[string]any{
		"position": 2, "subject": "s", "body": "b",
	})
	assert.Equal(t, http.StatusConflict, taken.Code)

	rec := env.do(http.MethodPost, "/api/v1/sequences/"+seq.ID+"/steps", map[string]any{
		"subject": "Third", "body": "b", "subject_am": "ሶስተኛ",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	st := decodeBody[models.SequenceStep](t, rec)
	assert.Equal(t, 3, st.Position)

	del := env.do(http.MethodDelete, "/api/v1/sequences/"+seq.ID+"/steps/"+st.ID, nil)
	require.Equal(t, http.StatusNoContent, del.Code)
	steps, err := env.sequences.ListSteps(env.ctx, seq.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	again := env.do(http.MethodDelete, "/api/v1/sequences/"+seq.ID+"/steps/"+st.ID, nil)
	assert.Equal(t, http.StatusNotFound, again.Code)

	missing := env.do(http.MethodPost, "/api/v1/sequences/nope/steps", map[string]any{"subject": "s", "body": "b"})
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestDeleteStepScopedToSequence(t *testing.T) {
	env := newTestEnv(t)
	nurture := env.sequence("Nurture", "pdf", 3)
	course := env.sequence("Course", "course", 1)

	foreign, err := env.sequences.GetStep(env.ctx, course.ID, 1)
	require.NoError(t, err)
	rec := env.do(http.MethodDelete, "/api/v1/sequences/"+nurture.ID+"/steps/"+foreign.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	kept, err := env.sequences.GetStep(env.ctx, course.ID, 1)
	require.NoError(t, err)
	assert.NotNil(t, kept)

	middle, err := env.sequences.GetStep(env.ctx, nurture.ID, 2)
	require.NoError(t, err)
	del := env.do(http.MethodDelete, "/api/v1/sequences/"+nurture.ID+"/steps/"+middle.ID, nil)
	require.Equal(t, http.StatusNoContent, del.Code)

	steps, err := env.sequences.ListSteps(env.ctx, nurture.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, []int{1, 2}, []int{steps[0].Position, steps[1].Position})
}

func TestSequenceStatusAndDelete(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence("Nurture", "pdf", 1)

	bad := env.do(http.MethodPost, "/api/v1/sequences/"+seq.ID+"/status", map[string]string{"status": "archived"})
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	rec := env.do(http.MethodPost, "/api/v1/sequences/"+seq.ID+"/status", map[string]string{"status": "paused"})
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := env.sequences.GetByID(env.ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SequencePaused, stored.Status)

	del := env.do(http.MethodDelete, "/api/v1/sequences/"+seq.ID, nil)
	require.Equal(t, http.StatusNoContent, del.Code)
	stored, err = env.sequences.GetByID(env.ctx, seq.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	again := env.do(http.MethodDelete, "/api/v1/sequences/"+seq.ID, nil)
	assert.Equal(t, http.StatusNotFound, again.Code)
}

func TestSequenceStats(t *testing.T) {
	env := newTestEnv(t)
	seq := env.sequence("Nurture", "pdf", 2)
	sub := env.subscriber("s@example.com", models.SubscriberActive)
	other := env.subscriber("o@example.com", models.SubscriberActive)
	for _, s := range []*models.Subscriber{sub, other} {
		_, err := env.enrollments.Create(env.ctx, s.ID, seq.ID, testNow, testNow)
		require.NoError(t, err)
	}
	_, err := env.enrollments.Unsubscribe(env.ctx, other.ID, seq.ID)
	require.NoError(t, err)

	first, err := env.sequences.GetStep(env.ctx, seq.ID, 1)
	require.NoError(t, err)
	entry := &models.DeliveryLogEntry{SubscriberID: sub.ID, SequenceID: seq.ID, ReferenceID: first.ID, Subject: first.Subject}
	require.NoError(t, env.logs.Create(env.ctx, entry))
	require.NoError(t, env.logs.MarkSent(env.ctx, entry.ID, testNow))
	_, err = env.logs.MarkOpened(env.ctx, entry.ID, testNow)
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/api/v1/sequences/"+seq.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[SequenceStatsResponse](t, rec)
	assert.Equal(t, 1, resp.Enrollments[models.EnrollmentActive])
	assert.Equal(t, 1, resp.Enrollments[models.EnrollmentUnsubscribed])
	require.NotEmpty(t, resp.Steps)
	assert.Equal(t, 1, resp.Steps[0].Position)
	assert.Equal(t, 1, resp.Steps[0].Opened)
}

func TestPreviewStep(t *testing.T) {
	env := newTestEnv(t)
	seq := &models.Sequence{Name: "Welcome AM", Kind: "welcome", Locale: "am", Status: models.SequenceActive}
	require.NoError(t, env.sequences.Create(env.ctx, seq))
	require.NoError(t, env.sequences.AddStep(env.ctx, &models.SequenceStep{
		SequenceID: seq.ID,
		Subject:    "Hello {{first_name}}",
		Body:       "Plan: {{plan}}",
		SubjectAM:  "ሰላም {{first_name}}",
	}))

	rec := env.do(http.MethodPost, "/api/v1/sequences/"+seq.ID+"/steps/1/preview", map[string]any{
		"email":         "p@example.com",
		"first_name":    "Abebe",
		"custom_fields": map[string]string{"plan": "pro"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decodeBody[template.RenderResult](t, rec)
	assert.Equal(t, "ሰላም Abebe", result.Subject)
	assert.Contains(t, result.Text, "Plan: pro")

	sub := env.subscriber("en@example.com", models.SubscriberActive)
	byID := env.do(http.MethodPost, "/api/v1/sequences/"+seq.ID+"/steps/1/preview", map[string]any{"subscriber_id": sub.ID})
	require.Equal(t, http.StatusOK, byID.Code)
	assert.Equal(t, "Hello ", decodeBody[template.RenderResult](t, byID).Subject)

	missing := env.do(http.MethodPost, "/api/v1/sequences/"+seq.ID+"/steps/9/preview", map[string]any{})
	assert.Equal(t, http.StatusNotFound, missing.Code)

	invalid := env.do(http.MethodPost, "/api/v1/sequences/"+seq.ID+"/steps/zero/preview", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, invalid.Code)
}
