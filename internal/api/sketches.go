package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sketchhub/sketchd/internal/session"
	"github.com/sketchhub/sketchd/pkg/types"
)

type sketchResponse struct {
	ID            string      `json:"id"`
	Stage         types.Stage `json:"stage"`
	Epoch         int64       `json:"epoch"`
	PreviewURL    string      `json:"previewUrl,omitempty"`
	Hostname      string      `json:"hostname"`
	ModifiedFiles []string    `json:"modifiedFiles,omitempty"`
	Live          bool        `json:"live"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

func (a *App) handleSketch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sketchID")
	if !session.ValidSketchID(id) {
		writeError(w, http.StatusBadRequest, "invalid sketch ID")
		return
	}

	sk, ok, err := a.store.GetSketch(r.Context(), id)
	if err != nil {
		a.log.Error("get sketch", "sketch_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "sketch not found")
		return
	}

	writeJSON(w, http.StatusOK, sketchResponse{
		ID:            sk.ID,
		Stage:         sk.Stage,
		Epoch:         sk.Epoch,
		PreviewURL:    sk.PreviewURL,
		Hostname:      sk.Hostname,
		ModifiedFiles: sk.ModifiedFiles,
		Live:          a.registry.Live(sk.ID),
		CreatedAt:     sk.CreatedAt,
		UpdatedAt:     sk.UpdatedAt,
	})
}

// handleSketchEvents returns the audit trail for a sketch, newest first
// unless order=asc. Supported filters: types (comma-separated frame types),
// since/until (RFC 3339) and limit.
func (a *App) handleSketchEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sketchID")
	if !session.ValidSketchID(id) {
		writeError(w, http.StatusBadRequest, "invalid sketch ID")
		return
	}

	q := types.EventQuery{SketchID: id, Limit: 100}
	if raw := r.URL.Query().Get("types"); raw != "" {
		q.Types = strings.Split(raw, ",")
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = n
	}
	for param, dst := range map[string]**time.Time{"since": &q.Since, "until": &q.Until} {
		raw := r.URL.Query().Get(param)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+param+" timestamp")
			return
		}
		*dst = &ts
	}
	q.Asc = r.URL.Query().Get("order") == "asc"

	evs, err := a.store.QueryEvents(r.Context(), q)
	if err != nil {
		a.log.Error("query events", "sketch_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if evs == nil {
		evs = []types.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// handleSketchEventStream pushes live session events for a sketch over SSE
// until the client disconnects. Events emitted while no stream is attached
// are not replayed; use the events endpoint for history.
func (a *App) handleSketchEventStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sketchID")
	if !session.ValidSketchID(id) {
		writeError(w, http.StatusBadRequest, "invalid sketch ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "stream unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.broker.Subscribe(id, 200)
	defer a.broker.Unsubscribe(id, ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			_, _ = w.Write([]byte("data: "))
			if err := enc.Encode(ev); err != nil {
				return
			}
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}
