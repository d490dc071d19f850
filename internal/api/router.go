package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/api/handler"
	apimw "github.com/notifyhub/reminder-engine/internal/api/middleware"
	"github.com/notifyhub/reminder-engine/internal/queue"
)

// NewRouter wires the ops router. It exposes probes, the Prometheus scrape
// endpoint and read-only queue snapshots; nothing here mutates engine state.
func NewRouter(
	probe handler.Probe,
	broker queue.Broker,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestSize(1 << 16))
	r.Use(apimw.CorrelationID)
	r.Use(apimw.RequestLogger(logger))

	hh := handler.NewHealthHandler(probe, logger)
	qh := handler.NewQueueHandler(broker)

	r.Get("/health", hh.Health)
	r.Get("/ready", hh.Ready)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/queues", qh.Depths)
	r.Get("/dead-letters", qh.DeadLetters)

	return r
}
