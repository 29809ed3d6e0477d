package handlers

import (
	"net/http"

	"github.com/convoq/convoq/internal/models"
)

// LaneStats reports one lane's queue depths.
type LaneStats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
}

// StatsResponse represents the operational stats response.
type StatsResponse struct {
	Lanes       map[string]LaneStats `json:"lanes"`
	Breaker     map[string]string    `json:"breaker"`
	DeadLetters int64                `json:"dead_letters"`
}

// Stats exposes queue depths, breaker state and the dead-letter backlog.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Lanes:   make(map[string]LaneStats),
		Breaker: make(map[string]string),
	}

	for _, lane := range models.Lanes {
		ready, delayed, err := h.lanes[lane].Depth(r.Context())
		if err != nil {
			h.Error(w, http.StatusServiceUnavailable, "queue depth unavailable")
			return
		}
		resp.Lanes[string(lane)] = LaneStats{Ready: ready, Delayed: delayed}
	}

	state, err := h.brk.State(r.Context(), "generate")
	if err == nil {
		resp.Breaker["generate"] = string(state)
	}

	count, err := h.results.CountDeadLetters(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "dead-letter count unavailable")
		return
	}
	resp.DeadLetters = count

	h.JSON(w, http.StatusOK, resp)
}
