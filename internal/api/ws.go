package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/sketchhub/sketchd/internal/lease"
	"github.com/sketchhub/sketchd/internal/session"
	"github.com/sketchhub/sketchd/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Sketch previews embed the socket from arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSketchWS admits a client into a sketch session. Admission failures
// are reported on the socket itself: the upgrade always happens first so the
// client receives a frame plus a meaningful close code instead of a bare HTTP
// error.
func (a *App) handleSketchWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sketchID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("websocket upgrade failed", "sketch_id", id, "error", err)
		return
	}

	if !session.ValidSketchID(id) {
		rejectWS(conn, types.ServerMessage{
			Type:    types.MsgError,
			Message: "Invalid sketch ID",
		}, types.CloseInvalidSketchID, "invalid sketch ID")
		return
	}

	err = a.registry.Attach(r.Context(), id, conn)
	if errors.Is(err, lease.ErrNoCapacity) {
		a.metrics.IncLeaseRejection()
		active, aerr := a.leases.Active(r.Context())
		if aerr != nil {
			active = a.leases.Cap()
		}
		rejectWS(conn, types.ServerMessage{
			Type:    types.MsgFull,
			Message: "No session capacity available",
			Active:  active,
		}, types.CloseNoCapacity, "no capacity")
		return
	}
	if err != nil {
		a.log.Error("session attach", "sketch_id", id, "error", err)
		rejectWS(conn, types.ServerMessage{
			Type:    types.MsgError,
			Message: "Failed to open session",
		}, websocket.CloseInternalServerErr, "attach failed")
		return
	}
	// The coordinator owns the connection from here.
}

func rejectWS(conn *websocket.Conn, frame types.ServerMessage, code int, reason string) {
	_ = conn.WriteJSON(frame)
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
