// Package api is the daemon's HTTP surface: the session WebSocket, read-only
// inspection endpoints, health and metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sketchhub/sketchd/internal/events"
	"github.com/sketchhub/sketchd/internal/lease"
	"github.com/sketchhub/sketchd/internal/metrics"
	"github.com/sketchhub/sketchd/internal/session"
	"github.com/sketchhub/sketchd/internal/store"
)

// Store is the read surface the API exposes.
type Store interface {
	store.SketchStore
	store.EventStore
}

type App struct {
	log      *slog.Logger
	registry *session.Registry
	leases   *lease.Manager
	store    Store
	broker   *events.Broker
	metrics  *metrics.Collector
}

func New(log *slog.Logger, registry *session.Registry, leases *lease.Manager, st Store, broker *events.Broker, collector *metrics.Collector) *App {
	return &App{
		log:      log,
		registry: registry,
		leases:   leases,
		store:    st,
		broker:   broker,
		metrics:  collector,
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sketches/{sketchID}/ws", a.handleSketchWS)
		r.Get("/sketches/{sketchID}", a.handleSketch)
		r.Get("/sketches/{sketchID}/events", a.handleSketchEvents)
		r.Get("/sketches/{sketchID}/events/stream", a.handleSketchEventStream)
		r.Get("/leases", a.handleLeases)
	})

	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleLeases(w http.ResponseWriter, r *http.Request) {
	active, err := a.leases.Active(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lease table unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"active": active,
		"cap":    a.leases.Cap(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
