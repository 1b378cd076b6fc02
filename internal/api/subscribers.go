package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/drip/internal/drip"
	"github.com/foxzi/drip/internal/models"
)

// eventConfirmed is applied when a subscriber completes double opt-in
const eventConfirmed = "confirmed"

// CreateSubscriberRequest is the request body for POST /subscribers
type CreateSubscriberRequest struct {
	Email        string            `json:"email" validate:"required,email,max=254"`
	FirstName    string            `json:"first_name" validate:"max=100"`
	Locale       string            `json:"locale" validate:"omitempty,oneof=en am"`
	Status       string            `json:"status" validate:"omitempty,oneof=pending active"`
	CustomFields map[string]string `json:"custom_fields"`
	Tags         []string          `json:"tags" validate:"dive,required,max=64"`
}

// SubscriberResponse is a subscriber with its enrollments
type SubscriberResponse struct {
	*models.Subscriber
	Enrollments      []models.Enrollment       `json:"enrollments"`
	RecentDeliveries []models.DeliveryLogEntry `json:"recent_deliveries,omitempty"`
}

// ConfirmResponse is the response for POST /subscribers/{id}/confirm
type ConfirmResponse struct {
	Confirmed  bool                   `json:"confirmed"`
	Transition *drip.TransitionResult `json:"transition,omitempty"`
}

// handleCreateSubscriber handles POST /api/v1/subscribers
func (s *Server) handleCreateSubscriber(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriberRequest
	if !s.decode(w, r, &req) {
		return
	}

	existing, err := s.subscribers.GetByEmail(r.Context(), req.Email)
	if err != nil {
		s.sendDripError(w, err, "create subscriber")
		return
	}
	if existing != nil {
		s.sendJSON(w, http.StatusConflict, map[string]string{
			"error": "Subscriber already exists",
			"id":    existing.ID,
		})
		return
	}

	sub := &models.Subscriber{
		Email:        req.Email,
		FirstName:    req.FirstName,
		Locale:       req.Locale,
		Status:       req.Status,
		CustomFields: req.CustomFields,
	}
	if err := s.subscribers.Create(r.Context(), sub); err != nil {
		s.sendDripError(w, err, "create subscriber")
		return
	}

	s.logger.Info("subscriber created", "subscriber_id", sub.ID, "status", sub.Status)

	if sub.Status == models.SubscriberActive {
		if _, err := s.confirmed(r, sub.ID); err != nil {
			s.sendDripError(w, err, "start subscriber funnel")
			return
		}
	}

	for _, tag := range req.Tags {
		if _, _, err := s.addTag(r, sub.ID, tag); err != nil {
			s.sendDripError(w, err, "tag subscriber")
			return
		}
		sub.Tags = append(sub.Tags, tag)
	}

	s.sendJSON(w, http.StatusCreated, sub)
}

// handleGetSubscriber handles GET /api/v1/subscribers/{id}
func (s *Server) handleGetSubscriber(w http.ResponseWriter, r *http.Request) {
	sub := s.loadSubscriber(w, r)
	if sub == nil {
		return
	}

	tags, err := s.subscribers.TagNames(r.Context(), sub.ID)
	if err != nil {
		s.sendDripError(w, err, "get subscriber")
		return
	}
	sub.Tags = tags

	enrollments, err := s.enrollments.ListBySubscriber(r.Context(), sub.ID)
	if err != nil {
		s.sendDripError(w, err, "get subscriber")
		return
	}
	if enrollments == nil {
		enrollments = []models.Enrollment{}
	}

	deliveries, err := s.logs.ListBySubscriber(r.Context(), sub.ID, 20)
	if err != nil {
		s.sendDripError(w, err, "get subscriber")
		return
	}

	s.sendJSON(w, http.StatusOK, SubscriberResponse{
		Subscriber:       sub,
		Enrollments:      enrollments,
		RecentDeliveries: deliveries,
	})
}

// UpdateSubscriberRequest is the request body for PATCH /subscribers/{id}
type UpdateSubscriberRequest struct {
	CustomFields map[string]string `json:"custom_fields" validate:"required"`
}

// handleUpdateSubscriber handles PATCH /api/v1/subscribers/{id}
func (s *Server) handleUpdateSubscriber(w http.ResponseWriter, r *http.Request) {
	sub := s.loadSubscriber(w, r)
	if sub == nil {
		return
	}

	var req UpdateSubscriberRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.subscribers.UpdateCustomFields(r.Context(), sub.ID, req.CustomFields); err != nil {
		s.sendDripError(w, err, "update subscriber")
		return
	}
	sub.CustomFields = req.CustomFields

	s.sendJSON(w, http.StatusOK, sub)
}

// handleConfirmSubscriber handles POST /api/v1/subscribers/{id}/confirm
func (s *Server) handleConfirmSubscriber(w http.ResponseWriter, r *http.Request) {
	sub := s.loadSubscriber(w, r)
	if sub == nil {
		return
	}

	switch sub.Status {
	case models.SubscriberUnsubscribed:
		s.sendError(w, http.StatusConflict, "Subscriber has unsubscribed")
		return
	case models.SubscriberActive:
		s.sendJSON(w, http.StatusOK, ConfirmResponse{Confirmed: false})
		return
	}

	if err := s.subscribers.UpdateStatus(r.Context(), sub.ID, models.SubscriberActive); err != nil {
		s.sendDripError(w, err, "confirm subscriber")
		return
	}

	result, err := s.confirmed(r, sub.ID)
	if err != nil {
		s.sendDripError(w, err, "start subscriber funnel")
		return
	}

	s.logger.Info("subscriber confirmed", "subscriber_id", sub.ID)
	s.sendJSON(w, http.StatusOK, ConfirmResponse{Confirmed: true, Transition: result})
}

// confirmed applies the confirmed event. Without a configured transition it does nothing.
func (s *Server) confirmed(r *http.Request, subscriberID string) (*drip.TransitionResult, error) {
	result, err := s.manager.ApplyEvent(r.Context(), subscriberID, eventConfirmed)
	if errors.Is(err, drip.ErrUnknownEvent) {
		return nil, nil
	}
	return result, err
}

// handleUnsubscribeAll handles POST /api/v1/subscribers/{id}/unsubscribe
func (s *Server) handleUnsubscribeAll(w http.ResponseWriter, r *http.Request) {
	sub := s.loadSubscriber(w, r)
	if sub == nil {
		return
	}

	if err := s.subscribers.UpdateStatus(r.Context(), sub.ID, models.SubscriberUnsubscribed); err != nil {
		s.sendDripError(w, err, "unsubscribe subscriber")
		return
	}
	n, err := s.enrollments.UnsubscribeAll(r.Context(), sub.ID)
	if err != nil {
		s.sendDripError(w, err, "unsubscribe subscriber")
		return
	}

	s.logger.Info("subscriber unsubscribed from all sequences", "subscriber_id", sub.ID, "enrollments", n)
	s.sendJSON(w, http.StatusOK, map[string]int64{"enrollments_stopped": n})
}

// AddTagRequest is the request body for POST /subscribers/{id}/tags
type AddTagRequest struct {
	Tag string `json:"tag" validate:"required,max=64"`
}

// handleAddTag handles POST /api/v1/subscribers/{id}/tags
func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	sub := s.loadSubscriber(w, r)
	if sub == nil {
		return
	}

	var req AddTagRequest
	if !s.decode(w, r, &req) {
		return
	}

	added, enrolled, err := s.addTag(r, sub.ID, req.Tag)
	if err != nil {
		s.sendDripError(w, err, "tag subscriber")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"added":    added,
		"enrolled": enrolled,
	})
}

// addTag attaches a tag and, when it is new, enrolls into sequences it triggers
func (s *Server) addTag(r *http.Request, subscriberID, tag string) (bool, int, error) {
	added, err := s.subscribers.AddTag(r.Context(), subscriberID, tag)
	if err != nil || !added {
		return added, 0, err
	}
	enrolled, err := s.manager.TagAdded(r.Context(), subscriberID, tag)
	return added, enrolled, err
}

// handleRemoveTag handles DELETE /api/v1/subscribers/{id}/tags/{tag}
func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	sub := s.loadSubscriber(w, r)
	if sub == nil {
		return
	}

	if err := s.subscribers.RemoveTag(r.Context(), sub.ID, chi.URLParam(r, "tag")); err != nil {
		s.sendDripError(w, err, "remove tag")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// EventRequest is the request body for POST /subscribers/{id}/events
type EventRequest struct {
	Event string `json:"event" validate:"required,max=64"`
}

// handleEvent handles POST /api/v1/subscribers/{id}/events
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.manager.ApplyEvent(r.Context(), chi.URLParam(r, "id"), req.Event)
	if err != nil {
		s.sendDripError(w, err, "apply event")
		return
	}

	s.logger.Info("lifecycle event applied",
		"subscriber_id", chi.URLParam(r, "id"),
		"event", req.Event,
		"stopped", result.Stopped,
		"started", result.Started,
	)
	s.sendJSON(w, http.StatusOK, result)
}

// TransitionRequest is the request body for POST /subscribers/{id}/transitions
type TransitionRequest struct {
	Stop  []string `json:"stop" validate:"dive,required"`
	Start string   `json:"start"`
}

// handleTransition handles POST /api/v1/subscribers/{id}/transitions
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Stop) == 0 && req.Start == "" {
		s.sendError(w, http.StatusBadRequest, "stop or start is required")
		return
	}

	result, err := s.manager.Transition(r.Context(), chi.URLParam(r, "id"), req.Stop, req.Start)
	if err != nil {
		s.sendDripError(w, err, "run transition")
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}
