package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sketchhub/sketchd/internal/blob"
	"github.com/sketchhub/sketchd/internal/events"
	"github.com/sketchhub/sketchd/internal/genai"
	"github.com/sketchhub/sketchd/internal/lease"
	"github.com/sketchhub/sketchd/internal/metrics"
	"github.com/sketchhub/sketchd/internal/retry"
	"github.com/sketchhub/sketchd/internal/sandbox"
	"github.com/sketchhub/sketchd/internal/store"
	"github.com/sketchhub/sketchd/pkg/types"
)

// ErrClosed is returned when attaching to a coordinator that already tore
// down.
var ErrClosed = errors.New("session closed")

// Store is the persistence surface one coordinator needs.
type Store interface {
	store.SketchStore
	store.EventStore
}

// Settings are the fixed parameters of every sketch session.
type Settings struct {
	// Hostname is the base domain previews are exposed under; a session's
	// public hostname is "<sketchID>.<Hostname>".
	Hostname          string
	EditableFile      string
	ReferenceFiles    []string
	PreviewPort       int
	PreviewCommand    string
	WorkDir           string
	HeartbeatInterval time.Duration
	Retry             retry.Policy
}

// Deps bundles the collaborators shared by all coordinators.
type Deps struct {
	Store     Store
	Leases    *lease.Manager
	Sandbox   sandbox.Client
	Generator genai.Generator
	Blobs     blob.Store
	Broker    *events.Broker
	Metrics   *metrics.Collector
	Log       *slog.Logger
	Settings  Settings
}

// Coordinator owns one sketch session: its persisted record, its sockets and
// its workflow lifecycle. State mutations are committed through the store and
// re-read after every external call, so work resumed after I/O observes
// whatever happened while it was suspended.
type Coordinator struct {
	id      string
	leaseID string
	deps    Deps
	log     *slog.Logger

	mu      sync.Mutex
	sockets map[string]*socket
	stopped bool

	heartbeatStop chan struct{}
	onTeardown    func()
}

func newCoordinator(ctx context.Context, deps Deps, sketchID, leaseID string, onTeardown func()) (*Coordinator, error) {
	c := &Coordinator{
		id:            sketchID,
		leaseID:       leaseID,
		deps:          deps,
		log:           deps.Log.With("sketch_id", sketchID),
		sockets:       make(map[string]*socket),
		heartbeatStop: make(chan struct{}),
		onTeardown:    onTeardown,
	}

	sk, ok, err := deps.Store.GetSketch(ctx, sketchID)
	if err != nil {
		return nil, err
	}
	if !ok {
		sk = types.Sketch{
			ID:       sketchID,
			LeaseID:  leaseID,
			Hostname: sketchID + "." + deps.Settings.Hostname,
			Stage:    types.StageIdle,
			Epoch:    0,
		}
	} else {
		// Re-initialized after a daemon restart: the old lease is gone.
		sk.LeaseID = leaseID
		if sk.Stage.InFlight() {
			// An attempt died with the previous process.
			sk.Stage = types.StageIdle
		}
	}
	if err := deps.Store.PutSketch(ctx, sk); err != nil {
		return nil, err
	}

	go c.heartbeatLoop()
	return c, nil
}

// attach registers a socket, superseding every prior one, and starts its read
// loop.
func (c *Coordinator) attach(sock *socket) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrClosed
	}
	prior := make([]*socket, 0, len(c.sockets))
	for _, s := range c.sockets {
		prior = append(prior, s)
	}
	c.sockets[sock.id] = sock
	c.mu.Unlock()

	for _, s := range prior {
		c.deps.Metrics.IncSupersession()
		s.supersede()
	}
	c.deps.Metrics.IncWSConnect()
	c.log.Debug("socket attached", "socket_id", sock.id, "superseded", len(prior))

	sock.configureKeepalive(c.keepaliveWait())
	go c.readLoop(sock)
	return nil
}

func (c *Coordinator) readLoop(sock *socket) {
	defer c.handleClose(sock)
	for {
		mt, data, err := sock.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = sock.conn.SetReadDeadline(time.Now().Add(c.keepaliveWait()))
		if mt != websocket.TextMessage { // non-text frames are ignored
			continue
		}
		c.handleMessage(sock, data)
	}
}

// handleClose runs when a socket's read loop ends. A superseded socket's
// close is a no-op beyond removing it from the table; the supersession path
// already did the bookkeeping.
func (c *Coordinator) handleClose(sock *socket) {
	c.mu.Lock()
	delete(c.sockets, sock.id)
	last := len(c.sockets) == 0
	c.mu.Unlock()

	if sock.isSuperseded() {
		return
	}
	if last {
		c.finalizeIdle(context.Background(), "last socket closed")
	}
}

// keepaliveWait is how long a socket may stay silent (no frames, no pongs)
// before its read loop fails out.
func (c *Coordinator) keepaliveWait() time.Duration {
	interval := c.deps.Settings.HeartbeatInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return 2 * interval
}

func (c *Coordinator) heartbeatLoop() {
	interval := c.deps.Settings.HeartbeatInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.heartbeatStop:
			return
		case <-ticker.C:
			c.mu.Lock()
			socks := make([]*socket, 0, len(c.sockets))
			for _, s := range c.sockets {
				socks = append(socks, s)
			}
			c.mu.Unlock()
			if len(socks) == 0 {
				if c.finalizeIdle(context.Background(), "heartbeat with no sockets") {
					return
				}
				continue
			}
			for _, s := range socks {
				s.ping()
			}
			if _, err := c.deps.Leases.Renew(context.Background(), c.leaseID); err != nil {
				c.log.Warn("heartbeat lease renew", "error", err)
			}
		}
	}
}

// expire is the forced-shutdown path: notify clients, drop sockets, tear
// down.
func (c *Coordinator) expire(ctx context.Context) {
	c.broadcast(types.ServerMessage{Type: types.MsgExpired})

	c.mu.Lock()
	socks := make([]*socket, 0, len(c.sockets))
	for _, s := range c.sockets {
		socks = append(socks, s)
	}
	c.mu.Unlock()
	for _, s := range socks {
		s.close(websocket.CloseGoingAway, "session expired")
	}

	c.finalize(ctx, "host shutdown")
}

// finalize archives artifacts, releases the lease and deletes persisted
// state. It runs at most once per coordinator lifetime no matter how many
// triggers race; archival and lease release are best effort, storage cleanup
// is not.
func (c *Coordinator) finalize(ctx context.Context, reason string) {
	c.finalizeIf(ctx, reason, false)
}

// finalizeIdle tears down only if no socket is attached; the check runs
// under the same lock that admits sockets, so a reconnect racing an idle
// trigger keeps the session alive. Reports whether teardown ran.
func (c *Coordinator) finalizeIdle(ctx context.Context, reason string) bool {
	return c.finalizeIf(ctx, reason, true)
}

func (c *Coordinator) finalizeIf(ctx context.Context, reason string, onlyIfIdle bool) bool {
	c.mu.Lock()
	if c.stopped || (onlyIfIdle && len(c.sockets) > 0) {
		c.mu.Unlock()
		return false
	}
	c.stopped = true
	socks := make([]*socket, 0, len(c.sockets))
	for _, s := range c.sockets {
		socks = append(socks, s)
	}
	c.mu.Unlock()

	close(c.heartbeatStop)
	c.log.Info("finalizing session", "reason", reason)

	if err := c.archiveArtifacts(ctx); err != nil {
		c.log.Warn("archive on teardown", "error", err)
	}
	if err := c.deps.Leases.Release(ctx, c.leaseID); err != nil {
		c.log.Warn("release lease on teardown", "error", err)
	}
	if err := c.deps.Store.DeleteSketch(ctx, c.id); err != nil {
		c.log.Error("delete sketch state", "error", err)
	}

	for _, s := range socks {
		s.close(websocket.CloseGoingAway, "session closed")
	}
	if c.onTeardown != nil {
		c.onTeardown()
	}
	c.deps.Metrics.IncTeardown()
	return true
}

// archiveArtifacts writes the manifest and then each modified artifact's
// current content to the object store.
func (c *Coordinator) archiveArtifacts(ctx context.Context) error {
	sk, ok, err := c.deps.Store.GetSketch(ctx, c.id)
	if err != nil || !ok {
		return err
	}
	if len(sk.ModifiedFiles) == 0 {
		return nil
	}

	manifest, err := encodeManifest(sk.ModifiedFiles)
	if err != nil {
		return err
	}
	if err := c.deps.Blobs.Put(ctx, blob.ManifestKey(c.id), manifest); err != nil {
		return err
	}
	for _, name := range sk.ModifiedFiles {
		content, err := c.deps.Sandbox.ReadFile(ctx, c.id, name)
		if err != nil {
			return err
		}
		if err := c.deps.Blobs.Put(ctx, blob.ArtifactKey(c.id, name), []byte(content)); err != nil {
			return err
		}
	}
	return nil
}

// loadSketch re-reads the persisted record. Workflows call this after every
// suspension point instead of trusting a stale copy.
func (c *Coordinator) loadSketch(ctx context.Context) (types.Sketch, bool) {
	sk, ok, err := c.deps.Store.GetSketch(ctx, c.id)
	if err != nil {
		c.log.Error("load sketch", "error", err)
		return types.Sketch{}, false
	}
	return sk, ok
}

// commit re-fetches the record under the coordinator lock, applies mutate and
// writes it back. check, if set, can reject the commit when the record no
// longer matches the attempt that produced it (expected supersession, not an
// error).
func (c *Coordinator) commit(ctx context.Context, check func(types.Sketch) bool, mutate func(*types.Sketch)) (types.Sketch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sk, ok, err := c.deps.Store.GetSketch(ctx, c.id)
	if err != nil {
		c.log.Error("commit load", "error", err)
		return types.Sketch{}, false
	}
	if !ok {
		return types.Sketch{}, false
	}
	if check != nil && !check(sk) {
		return sk, false
	}
	mutate(&sk)
	if err := c.deps.Store.PutSketch(ctx, sk); err != nil {
		c.log.Error("commit put", "error", err)
		return types.Sketch{}, false
	}
	return sk, true
}

// broadcast sends a frame to every live socket, publishes it on the broker
// and appends it to the audit trail. Failures never propagate.
func (c *Coordinator) broadcast(msg types.ServerMessage) {
	c.mu.Lock()
	socks := make([]*socket, 0, len(c.sockets))
	for _, s := range c.sockets {
		if !s.isSuperseded() {
			socks = append(socks, s)
		}
	}
	c.mu.Unlock()

	for _, s := range socks {
		s.send(msg)
	}

	ev := types.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		SketchID:  c.id,
		Type:      msg.Type,
		Epoch:     msg.Epoch,
		Fields:    eventFields(msg),
	}
	if err := c.deps.Store.AppendEvent(context.Background(), ev); err != nil {
		c.log.Debug("append audit event", "error", err)
	}
	c.deps.Broker.Publish(ev)
}

func eventFields(msg types.ServerMessage) map[string]any {
	f := map[string]any{}
	if msg.Stage != "" {
		f["stage"] = string(msg.Stage)
	}
	if msg.Step != "" {
		f["step"] = msg.Step
	}
	if msg.Message != "" {
		f["message"] = msg.Message
	}
	if msg.URL != "" {
		f["url"] = msg.URL
	}
	if msg.Active != 0 {
		f["active"] = msg.Active
	}
	if len(f) == 0 {
		return nil
	}
	return f
}
