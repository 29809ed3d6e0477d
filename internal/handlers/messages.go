package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/convoq/convoq/internal/metrics"
	"github.com/convoq/convoq/internal/models"
)

// maxSessionIDLen bounds session ids to keep Redis keys sane.
const maxSessionIDLen = 128

// PostMessageRequest represents the ingest request.
type PostMessageRequest struct {
	MessageID string `json:"message_id,omitempty"` // assigned if empty
	SessionID string `json:"session_id"`
	Payload   string `json:"payload"`
}

// PostMessageResponse represents the ingest response.
type PostMessageResponse struct {
	MessageID string `json:"message_id"`
	Lane      string `json:"lane"`
	Priority  int    `json:"priority"`
	Status    string `json:"status"` // "queued" or "duplicate"
}

// PostMessage accepts an inbound message, routes it and enqueues it on the
// chosen lane. Duplicate message ids inside the dedup window are accepted
// without re-enqueueing.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" || len(req.SessionID) > maxSessionIDLen {
		h.Error(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.Payload == "" {
		h.Error(w, http.StatusBadRequest, "payload is required")
		return
	}
	if req.MessageID == "" {
		req.MessageID = ulid.Make().String()
	}

	fresh, err := h.redis.MarkIngested(r.Context(), req.MessageID, h.cfg.DedupTTL)
	if err != nil {
		h.Error(w, http.StatusServiceUnavailable, "ingest temporarily unavailable")
		return
	}
	if !fresh {
		h.JSON(w, http.StatusAccepted, PostMessageResponse{
			MessageID: req.MessageID,
			Status:    "duplicate",
		})
		return
	}

	metrics.MessagesReceived.Inc()

	msg := &models.InboundMessage{
		MessageID: req.MessageID,
		SessionID: req.SessionID,
		Payload:   req.Payload,
		Timestamp: time.Now().UnixMilli(),
	}
	h.emitter.Emit(r.Context(), models.Event{
		Type:      models.EventMessageReceived,
		MessageID: msg.MessageID,
		SessionID: msg.SessionID,
	})

	route, err := h.router.Route(r.Context(), msg)
	if err != nil {
		h.Error(w, http.StatusServiceUnavailable, "routing failed")
		return
	}

	task := &models.Task{
		MessageID: msg.MessageID,
		SessionID: msg.SessionID,
		Payload:   msg.Payload,
		Lane:      route.Lane,
		Priority:  route.Priority,
	}
	if err := h.lanes.Enqueue(r.Context(), task, route.Delay); err != nil {
		h.Error(w, http.StatusServiceUnavailable, "enqueue failed")
		return
	}

	h.emitter.Emit(r.Context(), models.Event{
		Type:      models.EventMessageRouted,
		MessageID: msg.MessageID,
		SessionID: msg.SessionID,
		Lane:      route.Lane,
	})

	h.JSON(w, http.StatusAccepted, PostMessageResponse{
		MessageID: msg.MessageID,
		Lane:      string(route.Lane),
		Priority:  route.Priority,
		Status:    "queued",
	})
}

// MessageStatusResponse represents the result lookup response.
type MessageStatusResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"` // "completed", "pending" or "dead_lettered"
	Result    string `json:"result,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// GetMessage returns the persisted result for a message, or its pipeline
// status while the answer is still in flight.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")

	result, err := h.results.GetResult(r.Context(), messageID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "result lookup failed")
		return
	}
	if result != nil {
		h.JSON(w, http.StatusOK, MessageStatusResponse{
			MessageID: messageID,
			Status:    "completed",
			Result:    result.Body,
		})
		return
	}

	entry, err := h.results.GetDeadLetter(r.Context(), messageID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "result lookup failed")
		return
	}
	if entry != nil {
		h.JSON(w, http.StatusOK, MessageStatusResponse{
			MessageID: messageID,
			Status:    "dead_lettered",
			LastError: entry.LastError,
		})
		return
	}

	ingested, err := h.redis.WasIngested(r.Context(), messageID)
	if err == nil && ingested {
		h.JSON(w, http.StatusAccepted, MessageStatusResponse{
			MessageID: messageID,
			Status:    "pending",
		})
		return
	}

	h.Error(w, http.StatusNotFound, "unknown message")
}
