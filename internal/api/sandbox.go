package api

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/drip/internal/sandbox"
)

// SandboxMessageResponse represents a sandbox message in API responses
type SandboxMessageResponse struct {
	ID           string    `json:"id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Subject      string    `json:"subject"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

func sandboxMessageResponse(msg *sandbox.Message) SandboxMessageResponse {
	return SandboxMessageResponse{
		ID:           msg.ID,
		From:         msg.From,
		To:           msg.To,
		Subject:      msg.Subject,
		CapturedAt:   msg.CapturedAt,
		SimulatedErr: msg.SimulatedErr,
	}
}

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []SandboxMessageResponse `json:"messages"`
	Total    int                      `json:"total"`
}

// sandboxAvailable writes 503 when the sandbox transport is not in use
func (s *Server) sandboxAvailable(w http.ResponseWriter) bool {
	if s.sandbox == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return false
	}
	return true
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxAvailable(w) {
		return
	}

	q := r.URL.Query()
	filter := sandbox.ListFilter{
		To:     q.Get("to"),
		Domain: q.Get("domain"),
		Limit:  100,
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = min(limit, 1000)
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset >= 0 {
		filter.Offset = min(offset, 1000000)
	}

	messages, err := s.sandbox.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list sandbox messages", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}

	resp := SandboxListResponse{
		Messages: make([]SandboxMessageResponse, len(messages)),
		Total:    len(messages),
	}
	for i, msg := range messages {
		resp.Messages[i] = sandboxMessageResponse(msg)
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// SandboxMessageDetailResponse is the response for GET /api/v1/sandbox/messages/{id}
type SandboxMessageDetailResponse struct {
	SandboxMessageResponse
	Headers map[string]string `json:"headers,omitempty"`
	Text    string            `json:"text,omitempty"`
	HTML    string            `json:"html,omitempty"`
	Size    int               `json:"size"`
}

// getSandboxMessage resolves the {id} URL parameter. It writes the error
// response itself and returns nil on failure.
func (s *Server) getSandboxMessage(w http.ResponseWriter, r *http.Request) *sandbox.Message {
	if !s.sandboxAvailable(w) {
		return nil
	}

	msg, err := s.sandbox.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to get sandbox message", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get message")
		return nil
	}
	if msg == nil {
		s.sendError(w, http.StatusNotFound, "Message not found")
		return nil
	}
	return msg
}

// handleSandboxGet handles GET /api/v1/sandbox/messages/{id}
func (s *Server) handleSandboxGet(w http.ResponseWriter, r *http.Request) {
	msg := s.getSandboxMessage(w, r)
	if msg == nil {
		return
	}

	headers, text, html := parseEmailData(msg.Data)
	s.sendJSON(w, http.StatusOK, SandboxMessageDetailResponse{
		SandboxMessageResponse: sandboxMessageResponse(msg),
		Headers:                headers,
		Text:                   text,
		HTML:                   html,
		Size:                   len(msg.Data),
	})
}

// handleSandboxRaw handles GET /api/v1/sandbox/messages/{id}/raw
func (s *Server) handleSandboxRaw(w http.ResponseWriter, r *http.Request) {
	msg := s.getSandboxMessage(w, r)
	if msg == nil {
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", `attachment; filename="`+sanitizeFilename(msg.ID)+`.eml"`)
	w.WriteHeader(http.StatusOK)
	w.Write(msg.Data)
}

// handleSandboxDelete handles DELETE /api/v1/sandbox/messages/{id}
func (s *Server) handleSandboxDelete(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxAvailable(w) {
		return
	}

	if err := s.sandbox.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.logger.Error("failed to delete sandbox message", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages?older_than=24h
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxAvailable(w) {
		return
	}

	var cutoff time.Time
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.sendError(w, http.StatusBadRequest, "Invalid older_than format (use Go duration: 24h, 168h)")
			return
		}
		cutoff = s.clock.Now().Add(-d)
	}

	count, err := s.sandbox.Clear(r.Context(), cutoff)
	if err != nil {
		s.logger.Error("failed to clear sandbox", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to clear messages")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]int{"cleared": count})
}

// handleSandboxStats handles GET /api/v1/sandbox/stats
func (s *Server) handleSandboxStats(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxAvailable(w) {
		return
	}

	stats, err := s.sandbox.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get sandbox stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}

	s.sendJSON(w, http.StatusOK, stats)
}

// parseEmailData extracts headers and the text and HTML parts of a
// captured message. Nested multiparts are walked depth first.
func parseEmailData(data []byte) (headers map[string]string, text, html string) {
	headers = make(map[string]string)

	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return headers, string(data), ""
	}

	dec := new(mime.WordDecoder)
	for k, v := range msg.Header {
		value := strings.Join(v, ", ")
		if decoded, err := dec.DecodeHeader(value); err == nil {
			value = decoded
		}
		headers[k] = value
	}

	text, html = readParts(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	return headers, text, html
}

func readParts(contentType, encoding string, body io.Reader) (text, html string) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			t, h := readParts(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if text == "" {
				text = t
			}
			if html == "" {
				html = h
			}
		}
		return text, html
	}

	if strings.EqualFold(encoding, "quoted-printable") {
		body = quotedprintable.NewReader(body)
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return "", ""
	}

	switch mediaType {
	case "text/html":
		return "", string(content)
	case "text/plain":
		return string(content), ""
	}
	return "", ""
}

// sanitizeFilename keeps a filename safe for Content-Disposition
func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}
