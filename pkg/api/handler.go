package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

const defaultMaxRangeDays = 365

// ErrInvalidRange is returned for a ?range= that is not a positive day count
var ErrInvalidRange = errors.New("range must be a positive number of days")

var errUnauthorized = errors.New("unauthorized")

// Handler serves the read-only analytics endpoints
type Handler struct {
	config Config
}

// Routes returns a mux serving the three analytics endpoints under prefix
// (e.g. "/analytics").
func (h *Handler) Routes(prefix string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(prefix+"/summary", h.GetSummary)
	mux.HandleFunc(prefix+"/trials/timeline", h.GetTrialTimeline)
	mux.HandleFunc(prefix+"/events/recent", h.GetRecentEvents)
	return mux
}

// GetSummary handles GET /analytics/summary?range=N
// The conversion rate uses a 90 day window unless range is given.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	days, err := h.rangeDays(r, lifecycle.SummaryWindowDays)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	start, end := h.config.Aggregator.DefaultWindow(days)
	summary, err := h.config.Aggregator.Summary(r.Context(), start, end)
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("range") == "" {
		convStart, convEnd := h.config.Aggregator.DefaultWindow(lifecycle.ConversionWindowDays)
		rate, err := h.config.Aggregator.TrialConversionRate(r.Context(), convStart, convEnd)
		if err != nil {
			h.handleError(w, r, err, http.StatusInternalServerError)
			return
		}
		summary.ConversionRate = rate
	}

	h.writeJSON(w, SummaryResponse{RangeDays: days, Metrics: summary})
}

// GetTrialTimeline handles GET /analytics/trials/timeline?range=N
func (h *Handler) GetTrialTimeline(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	days, err := h.rangeDays(r, lifecycle.SummaryWindowDays)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	start, end := h.config.Aggregator.DefaultWindow(days)
	points, err := h.config.Aggregator.TrialTimeline(r.Context(), start, end)
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, TimelineResponse{RangeDays: days, Start: start, End: end, Points: points})
}

// GetRecentEvents handles GET /analytics/events/recent?limit=N
func (h *Handler) GetRecentEvents(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	limit := lifecycle.RecentEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.handleError(w, r, fmt.Errorf("invalid limit %q", raw), http.StatusBadRequest)
			return
		}
		if n < limit {
			limit = n
		}
	}

	events, err := h.config.Aggregator.RecentEvents(r.Context(), limit)
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}

	views := make([]EventView, 0, len(events))
	for _, e := range events {
		views = append(views, EventView{
			ID:             e.ID,
			FamilyID:       e.FamilyID,
			SubscriptionID: e.SubscriptionID,
			Type:           e.Type,
			Data:           e.Data,
			OccurredAt:     e.OccurredAt,
		})
	}
	h.writeJSON(w, RecentEventsResponse{Events: views})
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.handleError(w, r, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return false
	}
	if h.config.Authorize != nil && !h.config.Authorize(r) {
		h.handleError(w, r, errUnauthorized, http.StatusUnauthorized)
		return false
	}
	return true
}

// rangeDays parses ?range=, falling back to def and capping at MaxRangeDays
func (h *Handler) rangeDays(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("range")
	if raw == "" {
		return def, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 {
		return 0, ErrInvalidRange
	}
	if days > h.config.MaxRangeDays {
		days = h.config.MaxRangeDays
	}
	return days, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Log encoding error but response already sent
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	// Default error handling
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		// Log encoding error but response already sent
		_ = encodeErr
	}
}
