package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Probe is what the readiness endpoint asks about the running engine.
type Probe interface {
	Ready(ctx context.Context) error
	Status() map[string]bool
}

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	probe   Probe
	timeout time.Duration
	logger  *zap.Logger
}

func NewHealthHandler(probe Probe, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{probe: probe, timeout: 2 * time.Second, logger: logger}
}

// Health handles GET /health
//
// @Summary  Liveness probe
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]string
// @Router   /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready. It answers 503 while the queue broker or the
// domain store is unreachable.
//
// @Summary  Readiness probe
// @Tags     system
// @Produce  json
// @Success  200  {object}  readyResponse
// @Failure  503  {object}  readyResponse
// @Router   /ready [get]
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := readyResponse{Status: "ready", Workers: h.probe.Status()}
	if err := h.probe.Ready(ctx); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		resp.Status = "not_ready"
		resp.Error = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type readyResponse struct {
	Status  string          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Workers map[string]bool `json:"workers"`
}
