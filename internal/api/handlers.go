package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/models"
)

const maxBodySize = 1 << 20

// ErrorResponse is the error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	Uptime            string `json:"uptime"`
	ActiveEnrollments int    `json:"active_enrollments"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	active, err := s.enrollments.CountActive(r.Context())
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		resp.Status = "degraded"
		s.sendJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.ActiveEnrollments = active

	s.sendJSON(w, http.StatusOK, resp)
}

// newValidator reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}

	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			s.collector.TrackAPIError("validation")
			s.sendJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Details: validationMessages(verrs),
			})
			return false
		}
		s.sendError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func validationMessages(errs validator.ValidationErrors) []string {
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		field := err.Field()
		param := err.Param()

		switch err.Tag() {
		case "required":
			messages = append(messages, field+" is required")
		case "email":
			messages = append(messages, field+" must be a valid email")
		case "oneof":
			messages = append(messages, field+" must be one of: "+param)
		case "min":
			messages = append(messages, field+" must be at least "+param)
		case "max":
			messages = append(messages, field+" must be at most "+param)
		default:
			messages = append(messages, field+" is invalid")
		}
	}
	return messages
}

// sendDripError maps engine errors to HTTP statuses
func (s *Server) sendDripError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, drip.ErrSubscriberNotFound):
		s.sendError(w, http.StatusNotFound, "Subscriber not found")
	case errors.Is(err, drip.ErrSequenceNotFound):
		s.sendError(w, http.StatusNotFound, "Sequence not found")
	case errors.Is(err, drip.ErrNotEnrolled):
		s.sendError(w, http.StatusNotFound, "Subscriber is not enrolled in sequence")
	case errors.Is(err, drip.ErrUnknownEvent):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "action", action, "error", err)
		s.collector.TrackAPIError("internal")
		s.sendError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}

// loadSubscriber resolves the {id} URL parameter. It writes the error
// response itself and returns nil on failure.
func (s *Server) loadSubscriber(w http.ResponseWriter, r *http.Request) *models.Subscriber {
	id := chi.URLParam(r, "id")
	sub, err := s.subscribers.GetByID(r.Context(), id)
	if err != nil {
		s.sendDripError(w, err, "get subscriber")
		return nil
	}
	if sub == nil {
		s.sendError(w, http.StatusNotFound, "Subscriber not found")
		return nil
	}
	return sub
}

// loadSequence resolves the {id} URL parameter like loadSubscriber
func (s *Server) loadSequence(w http.ResponseWriter, r *http.Request) *models.Sequence {
	id := chi.URLParam(r, "id")
	seq, err := s.sequences.GetByID(r.Context(), id)
	if err != nil {
		s.sendDripError(w, err, "get sequence")
		return nil
	}
	if seq == nil {
		s.sendError(w, http.StatusNotFound, "Sequence not found")
		return nil
	}
	return seq
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
