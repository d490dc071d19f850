package handler

import (
	"net/http"
	"strconv"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
)

const maxDeadLetterLimit = 500

// QueueHandler serves human-readable JSON snapshots of the broker.
// Raw Prometheus metrics are available at /metrics via promhttp and are
// separate from these endpoints.
type QueueHandler struct {
	broker queue.Broker
}

func NewQueueHandler(b queue.Broker) *QueueHandler {
	return &QueueHandler{broker: b}
}

// Depths handles GET /queues?category=
//
// @Summary  Per-category queue depth snapshot
// @Tags     queues
// @Produce  json
// @Param    category  query     string  false  "limit to one category"
// @Success  200       {object}  map[string]queue.Depth
// @Failure  400       {object}  map[string]string
// @Router   /queues [get]
func (h *QueueHandler) Depths(w http.ResponseWriter, r *http.Request) {
	cats := domain.AllCategories()
	if raw := r.URL.Query().Get("category"); raw != "" {
		cat, err := domain.ParseCategory(raw)
		if err != nil {
			mapError(w, err)
			return
		}
		cats = []domain.Category{cat}
	}

	out := make(map[string]queue.Depth, len(cats))
	for _, cat := range cats {
		d, err := h.broker.Depth(r.Context(), cat)
		if err != nil {
			mapError(w, err)
			return
		}
		out[string(cat)] = d
	}
	respondJSON(w, http.StatusOK, out)
}

// DeadLetters handles GET /dead-letters?limit=N
//
// @Summary  Most recent dead-lettered jobs, newest first
// @Tags     queues
// @Produce  json
// @Param    limit  query     int  false  "max records (default 50)"
// @Success  200    {array}   domain.DeadLetterRecord
// @Failure  400    {object}  map[string]string
// @Router   /dead-letters [get]
func (h *QueueHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDeadLetterLimit {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	recs, err := h.broker.DeadLetters(r.Context(), limit)
	if err != nil {
		mapError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.DeadLetterRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}
