package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/osteele/liquid"

	"github.com/foxzi/drip/internal/drip"
)

// transparentGIF is a 1x1 transparent GIF
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

const pageLayout = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{ title | escape }}</title>
</head>
<body style="margin:0;padding:0;background:#f6f6f6;font-family:Arial,Helvetica,sans-serif;color:#222222;">
<div style="max-width:480px;margin:48px auto;padding:32px;background:#ffffff;text-align:center;">
<h1 style="font-size:22px;">{{ title | escape }}</h1>
<p style="font-size:16px;line-height:1.5;">{{ message | escape }}</p>
{% if action %}<form method="post" action="{{ action | escape }}">
<button type="submit" style="padding:10px 24px;font-size:16px;border:0;background:#222222;color:#ffffff;cursor:pointer;">Unsubscribe</button>
</form>{% endif %}
</div>
</body>
</html>
`

func parsePage() (*liquid.Template, error) {
	tpl, err := liquid.NewEngine().ParseString(pageLayout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page layout: %w", err)
	}
	return tpl, nil
}

// renderPage writes a small HTML page for people following email links
func (s *Server) renderPage(w http.ResponseWriter, status int, title, message, action string) {
	bindings := liquid.Bindings{"title": title, "message": message}
	if action != "" {
		bindings["action"] = action
	}

	out, err := s.page.RenderString(bindings)
	if err != nil {
		s.logger.Error("failed to render page", "error", err)
		http.Error(w, title, status)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(out))
}

// handleOpen handles GET /t/o/{logID}.gif
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	logID := chi.URLParam(r, "logID")

	opened, err := s.logs.MarkOpened(r.Context(), logID, s.clock.Now())
	if err != nil {
		s.logger.Error("failed to record open", "log_id", logID, "error", err)
	}
	if opened {
		s.collector.TrackEngagement("opened")
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}

// handleClick handles GET /t/c/{logID}?u=target. Only links of a known
// delivery are redirected.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	logID := chi.URLParam(r, "logID")

	target, err := url.Parse(r.URL.Query().Get("u"))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		s.sendError(w, http.StatusBadRequest, "Invalid link")
		return
	}

	entry, err := s.logs.GetByID(r.Context(), logID)
	if err != nil {
		s.logger.Error("failed to load delivery", "log_id", logID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to follow link")
		return
	}
	if entry == nil {
		s.sendError(w, http.StatusNotFound, "Link not found")
		return
	}

	clicked, err := s.logs.MarkClicked(r.Context(), logID, s.clock.Now())
	if err != nil {
		s.logger.Error("failed to record click", "log_id", logID, "error", err)
	}
	if clicked {
		s.collector.TrackEngagement("clicked")
	}

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleUnsubscribePage handles GET /u/{token}. The unsubscribe itself
// needs a POST so link scanners cannot trigger it.
func (s *Server) handleUnsubscribePage(w http.ResponseWriter, r *http.Request) {
	req, err := s.tokens.Verify(chi.URLParam(r, "token"))
	if err != nil {
		s.renderPage(w, http.StatusBadRequest, "Invalid link", "This unsubscribe link is not valid.", "")
		return
	}

	message := "You will stop receiving emails from this series."
	seq, err := s.sequences.GetByID(r.Context(), req.SequenceID)
	if err != nil {
		s.logger.Error("failed to load sequence", "sequence_id", req.SequenceID, "error", err)
	}
	if seq != nil {
		message = fmt.Sprintf("You will stop receiving emails from %q.", seq.Name)
	}

	s.renderPage(w, http.StatusOK, "Unsubscribe", message, r.URL.Path)
}

// handleUnsubscribe handles POST /u/{token}, both from the confirmation
// page and as a one-click List-Unsubscribe-Post request
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	req, err := s.tokens.Verify(chi.URLParam(r, "token"))
	if err != nil {
		s.renderPage(w, http.StatusBadRequest, "Invalid link", "This unsubscribe link is not valid.", "")
		return
	}

	_, err = s.manager.Unenroll(r.Context(), req.SubscriberID, req.SequenceID)
	if err != nil && !errors.Is(err, drip.ErrNotEnrolled) {
		s.logger.Error("failed to unsubscribe",
			"subscriber_id", req.SubscriberID,
			"sequence_id", req.SequenceID,
			"error", err,
		)
		s.renderPage(w, http.StatusInternalServerError, "Something went wrong", "Please try again later.", "")
		return
	}

	s.renderPage(w, http.StatusOK, "Unsubscribed", "You will not receive further emails from this series.", "")
}
