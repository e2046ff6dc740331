package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sketchhub/sketchd/pkg/types"
)

// Conn is the subset of *websocket.Conn the coordinator needs. Tests swap in
// an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// socket is one live attachment to a sketch session. At most one socket per
// session is authoritative; a newer connection supersedes every older one.
type socket struct {
	id   string
	conn Conn
	log  *slog.Logger

	mu         sync.Mutex
	state      types.ConnState
	superseded bool
	closed     bool
}

func newSocket(id string, conn Conn, log *slog.Logger) *socket {
	return &socket{
		id:    id,
		conn:  conn,
		log:   log.With("socket_id", id),
		state: types.ConnConnected,
	}
}

// configureKeepalive arms the read deadline and extends it on every pong.
// The coordinator's heartbeat sends the pings.
func (s *socket) configureKeepalive(wait time.Duration) {
	_ = s.conn.SetReadDeadline(time.Now().Add(wait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wait))
	})
}

func (s *socket) ping() {
	_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(500*time.Millisecond))
}

func (s *socket) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = types.ConnReady
}

// supersede flags the socket as displaced and closes it. The close handler
// for a superseded socket performs no session bookkeeping.
func (s *socket) supersede() {
	s.mu.Lock()
	s.superseded = true
	s.mu.Unlock()
	s.close(websocket.CloseNormalClosure, "superseded by newer connection")
}

func (s *socket) isSuperseded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.superseded
}

// send writes one frame. Send failures are logged and swallowed: a dead
// socket must never corrupt the caller or block sends to other sockets.
func (s *socket) send(msg types.ServerMessage) {
	s.write(msg.Type, msg)
}

func (s *socket) sendWelcome(msg types.WelcomeMessage) {
	s.write(msg.Type, msg)
}

func (s *socket) write(frameType string, msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshal frame", "type", frameType, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.log.Debug("send failed", "type", frameType, "error", err)
	}
}

func (s *socket) close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	deadline := time.Now().Add(500 * time.Millisecond)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.conn.Close()
}
