package api

import (
	"net/http"
)

// EnrollmentRequest enrolls into or removes from one sequence, or starts
// or stops a funnel kind in the subscriber's locale
type EnrollmentRequest struct {
	SubscriberID string `json:"subscriber_id" validate:"required"`
	SequenceID   string `json:"sequence_id" validate:"required_without=Kind"`
	Kind         string `json:"kind" validate:"max=64"`
}

// handleEnroll handles POST /api/v1/enrollments
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollmentRequest
	if !s.decode(w, r, &req) {
		return
	}

	var created bool
	if req.SequenceID != "" {
		ok, err := s.manager.Enroll(r.Context(), req.SubscriberID, req.SequenceID)
		if err != nil {
			s.sendDripError(w, err, "enroll subscriber")
			return
		}
		created = ok
	} else {
		result, err := s.manager.Transition(r.Context(), req.SubscriberID, nil, req.Kind)
		if err != nil {
			s.sendDripError(w, err, "enroll subscriber")
			return
		}
		created = result.Started
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.sendJSON(w, status, map[string]bool{"created": created})
}

// handleUnenroll handles DELETE /api/v1/enrollments
func (s *Server) handleUnenroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollmentRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.SequenceID == "" {
		n, err := s.manager.StopByKind(r.Context(), req.SubscriberID, req.Kind)
		if err != nil {
			s.sendDripError(w, err, "stop sequences")
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]int{"stopped": n})
		return
	}

	if _, err := s.manager.Unenroll(r.Context(), req.SubscriberID, req.SequenceID); err != nil {
		s.sendDripError(w, err, "unenroll subscriber")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"stopped": 1})
}
