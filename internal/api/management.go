package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/drip/internal/ratelimit"
)

// QuotaStatsResponse is the response for GET /api/v1/quota/{level}/{key}
type QuotaStatsResponse struct {
	Level       string `json:"level"`
	Key         string `json:"key"`
	HourlyCount int    `json:"hourly_count"`
	DailyCount  int    `json:"daily_count"`
	HourlyLimit int    `json:"hourly_limit"`
	DailyLimit  int    `json:"daily_limit"`
}

// handleQuotaStats handles GET /api/v1/quota/{level}/{key}. The global
// counter uses the key "global".
func (s *Server) handleQuotaStats(w http.ResponseWriter, r *http.Request) {
	level := ratelimit.Level(chi.URLParam(r, "level"))
	key := chi.URLParam(r, "key")

	if s.limiter == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Sending quota is not enabled")
		return
	}

	resp := QuotaStatsResponse{Level: string(level), Key: key}
	switch level {
	case ratelimit.LevelGlobal:
		resp.HourlyLimit = s.quota.Global.MessagesPerHour
		resp.DailyLimit = s.quota.Global.MessagesPerDay
	case ratelimit.LevelRecipientDomain:
		resp.HourlyLimit = s.quota.RecipientDomain.MessagesPerHour
		resp.DailyLimit = s.quota.RecipientDomain.MessagesPerDay
		key = strings.ToLower(key)
		resp.Key = key
	default:
		s.sendError(w, http.StatusBadRequest, "level must be global or recipient_domain")
		return
	}

	stats, err := s.limiter.GetStats(r.Context(), level, key)
	if err != nil {
		s.logger.Error("failed to get quota stats", "level", level, "key", key, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get quota stats")
		return
	}
	resp.HourlyCount = stats.HourlyCount
	resp.DailyCount = stats.DailyCount

	s.sendJSON(w, http.StatusOK, resp)
}
