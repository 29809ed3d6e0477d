package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/convoq/convoq/internal/breaker"
	"github.com/convoq/convoq/internal/config"
	"github.com/convoq/convoq/internal/events"
	"github.com/convoq/convoq/internal/queue"
	"github.com/convoq/convoq/internal/retry"
	"github.com/convoq/convoq/internal/router"
	"github.com/convoq/convoq/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	redis   *store.RedisStore
	results store.ResultStore
	router  *router.Router
	lanes   queue.Lanes
	retries *retry.Handler
	brk     *breaker.Breaker
	emitter *events.Emitter
	cfg     *config.Config
	logger  zerolog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(redis *store.RedisStore, results store.ResultStore, rt *router.Router,
	lanes queue.Lanes, retries *retry.Handler, brk *breaker.Breaker,
	emitter *events.Emitter, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		redis:   redis,
		results: results,
		router:  rt,
		lanes:   lanes,
		retries: retries,
		brk:     brk,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
