package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/convoq/convoq/internal/models"
)

// DeadLettersResponse lists parked entries.
type DeadLettersResponse struct {
	Entries []models.DeadLetterEntry `json:"entries"`
	Count   int                      `json:"count"`
}

// ListDeadLetters returns the most recently parked dead letters.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.results.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "dead-letter listing failed")
		return
	}
	if entries == nil {
		entries = []models.DeadLetterEntry{}
	}

	h.JSON(w, http.StatusOK, DeadLettersResponse{Entries: entries, Count: len(entries)})
}

// RetryDeadLetter requeues a parked entry onto the normal lane.
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")

	entry, err := h.results.GetDeadLetter(r.Context(), messageID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "dead-letter lookup failed")
		return
	}
	if entry == nil {
		h.Error(w, http.StatusNotFound, "unknown dead letter")
		return
	}

	if err := h.retries.Requeue(r.Context(), entry); err != nil {
		h.Error(w, http.StatusInternalServerError, "requeue failed")
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{
		"message_id": messageID,
		"status":     "requeued",
	})
}
