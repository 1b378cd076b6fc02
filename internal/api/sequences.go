package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/models"
	"github.com/foxzi/drip/internal/template"
)

// StepRequest describes one step in sequence requests
type StepRequest struct {
	Position    int                 `json:"position" validate:"min=0"`
	Subject     string              `json:"subject" validate:"required,max=500"`
	Body        string              `json:"body" validate:"required"`
	SubjectAM   string              `json:"subject_am" validate:"max=500"`
	BodyAM      string              `json:"body_am"`
	SubjectEN   string              `json:"subject_en" validate:"max=500"`
	BodyEN      string              `json:"body_en"`
	DelayDays   int                 `json:"delay_days" validate:"min=0,max=3650"`
	DelayHours  int                 `json:"delay_hours" validate:"min=0,max=87600"`
	Conditions  *models.Conditions  `json:"conditions"`
	Attachments []models.Attachment `json:"attachments"`
}

func (req *StepRequest) step(sequenceID string) *models.SequenceStep {
	st := &models.SequenceStep{
		SequenceID:  sequenceID,
		Position:    req.Position,
		Subject:     req.Subject,
		Body:        req.Body,
		SubjectAM:   req.SubjectAM,
		BodyAM:      req.BodyAM,
		SubjectEN:   req.SubjectEN,
		BodyEN:      req.BodyEN,
		DelayDays:   req.DelayDays,
		DelayHours:  req.DelayHours,
		Attachments: req.Attachments,
	}
	if !req.Conditions.IsEmpty() {
		st.Conditions = req.Conditions
	}
	for i := range st.Attachments {
		if st.Attachments[i].Filename == "" {
			st.Attachments[i].Filename = filepath.Base(st.Attachments[i].Path)
		}
	}
	return st
}

// CreateSequenceRequest is the request body for POST /sequences
type CreateSequenceRequest struct {
	Name       string        `json:"name" validate:"required,max=200"`
	Kind       string        `json:"kind" validate:"required,max=64"`
	Locale     string        `json:"locale" validate:"required,oneof=en am"`
	Status     string        `json:"status" validate:"omitempty,oneof=draft active paused"`
	TriggerTag string        `json:"trigger_tag" validate:"max=64"`
	Steps      []StepRequest `json:"steps" validate:"dive"`
}

// SequenceResponse is a sequence with its steps
type SequenceResponse struct {
	*models.Sequence
	Steps []models.SequenceStep `json:"steps"`
}

// SequenceStatsResponse is the response for GET /sequences/{id}/stats
type SequenceStatsResponse struct {
	SequenceID  string             `json:"sequence_id"`
	Enrollments map[string]int     `json:"enrollments"`
	Steps       []models.StepStats `json:"steps"`
}

// validateStep renders-checks the content every locale would receive
func (s *Server) validateStep(st *models.SequenceStep) error {
	for _, locale := range []string{"", "en", "am"} {
		tmpl := drip.LocalizedContent(st, locale)
		if err := s.engine.Validate(&tmpl); err != nil {
			if locale == "" {
				return err
			}
			return fmt.Errorf("%s content: %w", locale, err)
		}
	}
	for _, a := range st.Attachments {
		if strings.TrimSpace(a.Path) == "" {
			return fmt.Errorf("attachment path is required")
		}
	}
	return nil
}

// handleListSequences handles GET /api/v1/sequences
func (s *Server) handleListSequences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.SequenceListFilter{
		Kind:   q.Get("kind"),
		Locale: q.Get("locale"),
		Status: q.Get("status"),
		Limit:  100,
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = min(limit, 1000)
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset >= 0 {
		filter.Offset = offset
	}

	sequences, err := s.sequences.List(r.Context(), filter)
	if err != nil {
		s.sendDripError(w, err, "list sequences")
		return
	}
	if sequences == nil {
		sequences = []models.Sequence{}
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"sequences": sequences,
		"total":     len(sequences),
	})
}

// handleCreateSequence handles POST /api/v1/sequences
func (s *Server) handleCreateSequence(w http.ResponseWriter, r *http.Request) {
	var req CreateSequenceRequest
	if !s.decode(w, r, &req) {
		return
	}

	steps := make([]*models.SequenceStep, len(req.Steps))
	for i := range req.Steps {
		req.Steps[i].Position = i + 1
		steps[i] = req.Steps[i].step("")
		if err := s.validateStep(steps[i]); err != nil {
			s.sendError(w, http.StatusBadRequest, fmt.Sprintf("step %d: %v", i+1, err))
			return
		}
	}

	seq := &models.Sequence{
		Name:       req.Name,
		Kind:       req.Kind,
		Locale:     req.Locale,
		Status:     req.Status,
		TriggerTag: req.TriggerTag,
	}
	if err := s.sequences.Create(r.Context(), seq); err != nil {
		s.sendDripError(w, err, "create sequence")
		return
	}

	resp := SequenceResponse{Sequence: seq, Steps: []models.SequenceStep{}}
	for _, st := range steps {
		st.SequenceID = seq.ID
		if err := s.sequences.AddStep(r.Context(), st); err != nil {
			s.sendDripError(w, err, "add step")
			return
		}
		resp.Steps = append(resp.Steps, *st)
	}

	s.logger.Info("sequence created",
		"sequence_id", seq.ID,
		"name", seq.Name,
		"kind", seq.Kind,
		"locale", seq.Locale,
		"steps", len(steps),
	)
	s.sendJSON(w, http.StatusCreated, resp)
}

// handleGetSequence handles GET /api/v1/sequences/{id}
func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	seq := s.loadSequence(w, r)
	if seq == nil {
		return
	}

	steps, err := s.sequences.ListSteps(r.Context(), seq.ID)
	if err != nil {
		s.sendDripError(w, err, "get sequence")
		return
	}
	if steps == nil {
		steps = []models.SequenceStep{}
	}

	s.sendJSON(w, http.StatusOK, SequenceResponse{Sequence: seq, Steps: steps})
}

// handleDeleteSequence handles DELETE /api/v1/sequences/{id}
func (s *Server) handleDeleteSequence(w http.ResponseWriter, r *http.Request) {
	seq := s.loadSequence(w, r)
	if seq == nil {
		return
	}

	if err := s.sequences.Delete(r.Context(), seq.ID); err != nil {
		s.sendDripError(w, err, "delete sequence")
		return
	}

	s.logger.Info("sequence deleted", "sequence_id", seq.ID, "name", seq.Name)
	w.WriteHeader(http.StatusNoContent)
}

// SequenceStatusRequest is the request body for POST /sequences/{id}/status
type SequenceStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=draft active paused"`
}

// handleSequenceStatus handles POST /api/v1/sequences/{id}/status
func (s *Server) handleSequenceStatus(w http.ResponseWriter, r *http.Request) {
	seq := s.loadSequence(w, r)
	if seq == nil {
		return
	}

	var req SequenceStatusRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.sequences.UpdateStatus(r.Context(), seq.ID, req.Status); err != nil {
		s.sendDripError(w, err, "update sequence status")
		return
	}

	s.logger.Info("sequence status changed", "sequence_id", seq.ID, "from", seq.Status, "to", req.Status)
	seq.Status = req.Status
	s.sendJSON(w, http.StatusOK, seq)
}

// handleAddStep handles POST /api/v1/sequences/{id}/steps
func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	seq := s.loadSequence(w, r)
	if seq == nil {
		return
	}

	var req StepRequest
	if !s.decode(w, r, &req) {
		return
	}

	existing, err := s.sequences.ListSteps(r.Context(), seq.ID)
	if err != nil {
		s.sendDripError(w, err, "add step")
		return
	}
	if req.Position > len(existing)+1 {
		s.sendError(w, http.StatusBadRequest,
			fmt.Sprintf("position %d would leave a gap after %d steps", req.Position, len(existing)))
		return
	}
	for _, st := range existing {
		if st.Position == req.Position {
			s.sendError(w, http.StatusConflict, fmt.Sprintf("position %d is taken", req.Position))
			return
		}
	}

	st := req.step(seq.ID)
	if err := s.validateStep(st); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.sequences.AddStep(r.Context(), st); err != nil {
		s.sendDripError(w, err, "add step")
		return
	}

	s.sendJSON(w, http.StatusCreated, st)
}

// handleDeleteStep handles DELETE /api/v1/sequences/{id}/steps/{stepID}
func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	seq := s.loadSequence(w, r)
	if seq == nil {
		return
	}

	deleted, err := s.sequences.DeleteStep(r.Context(), seq.ID, chi.URLParam(r, "stepID"))
	if err != nil {
		s.sendDripError(w, err, "delete step")
		return
	}
	if !deleted {
		s.sendError(w, http.StatusNotFound, "Step not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PreviewRequest is the request body for the step preview. A subscriber
// id takes precedence over the inline recipient fields.
type PreviewRequest struct {
	SubscriberID string            `json:"subscriber_id"`
	Email        string            `json:"email" validate:"omitempty,email"`
	FirstName    string            `json:"first_name"`
	Locale       string            `json:"locale" validate:"omitempty,oneof=en am"`
	CustomFields map[string]string `json:"custom_fields"`
}

// handlePreviewStep handles POST /api/v1/sequences/{id}/steps/{position}/preview
func (s *Server) handlePreviewStep(w http.ResponseWriter, r *http.Request) {
	seq := s.loadSequence(w, r)
	if seq == nil {
		return
	}

	position, err := strconv.Atoi(chi.URLParam(r, "position"))
	if err != nil || position < 1 {
		s.sendError(w, http.StatusBadRequest, "Invalid position")
		return
	}

	var req PreviewRequest
	if !s.decode(w, r, &req) {
		return
	}

	st, err := s.sequences.GetStep(r.Context(), seq.ID, position)
	if err != nil {
		s.sendDripError(w, err, "preview step")
		return
	}
	if st == nil {
		s.sendError(w, http.StatusNotFound, "Step not found")
		return
	}

	data := template.Data{
		Email:        req.Email,
		FirstName:    req.FirstName,
		Locale:       req.Locale,
		CustomFields: req.CustomFields,
	}
	if req.SubscriberID != "" {
		sub, err := s.subscribers.GetByID(r.Context(), req.SubscriberID)
		if err != nil {
			s.sendDripError(w, err, "preview step")
			return
		}
		if sub == nil {
			s.sendError(w, http.StatusNotFound, "Subscriber not found")
			return
		}
		data = template.Data{
			Email:        sub.Email,
			FirstName:    sub.FirstName,
			Locale:       sub.Locale,
			CustomFields: sub.CustomFields,
		}
	}
	if data.Locale == "" {
		data.Locale = seq.Locale
	}

	tmpl := drip.LocalizedContent(st, data.Locale)
	result, err := s.engine.Render(&tmpl, data)
	if err != nil {
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

// handleSequenceStats handles GET /api/v1/sequences/{id}/stats
func (s *Server) handleSequenceStats(w http.ResponseWriter, r *http.Request) {
	seq := s.loadSequence(w, r)
	if seq == nil {
		return
	}

	counts, err := s.enrollments.CountByStatus(r.Context(), seq.ID)
	if err != nil {
		s.sendDripError(w, err, "get sequence stats")
		return
	}
	steps, err := s.logs.StepStats(r.Context(), seq.ID)
	if err != nil {
		s.sendDripError(w, err, "get sequence stats")
		return
	}
	if steps == nil {
		steps = []models.StepStats{}
	}

	s.sendJSON(w, http.StatusOK, SequenceStatsResponse{
		SequenceID:  seq.ID,
		Enrollments: counts,
		Steps:       steps,
	})
}
