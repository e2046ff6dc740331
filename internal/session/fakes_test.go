package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sketchhub/sketchd/internal/blob"
	"github.com/sketchhub/sketchd/internal/events"
	"github.com/sketchhub/sketchd/internal/genai"
	"github.com/sketchhub/sketchd/internal/lease"
	"github.com/sketchhub/sketchd/internal/metrics"
	"github.com/sketchhub/sketchd/internal/retry"
	"github.com/sketchhub/sketchd/internal/store/sqlite"
	"github.com/sketchhub/sketchd/pkg/types"
)

// fakeConn is an in-memory Conn. Inbound frames are queued by the test;
// outbound frames are decoded and recorded.
type fakeConn struct {
	inbound chan []byte

	mu          sync.Mutex
	frames      []types.ServerMessage
	closeCode   int
	closeReason string
	closed      bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closeCode: -1}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	b, ok := <-f.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, b, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	var msg types.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) WriteControl(mt int, data []byte, _ time.Time) error {
	if mt == websocket.CloseMessage && len(data) >= 2 {
		f.mu.Lock()
		f.closeCode = int(binary.BigEndian.Uint16(data))
		f.closeReason = string(data[2:])
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeConn) clientSend(t *testing.T, msg types.ClientMessage) {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	f.inbound <- b
}

// waitFor blocks until a frame of the given type has been received and
// returns the first one.
func (f *fakeConn) waitFor(t *testing.T, typ string) types.ServerMessage {
	t.Helper()
	var out types.ServerMessage
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, m := range f.frames {
			if m.Type == typ {
				out = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "never received %q frame", typ)
	return out
}

func (f *fakeConn) snapshot() []types.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ServerMessage(nil), f.frames...)
}

func (f *fakeConn) frameTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, m := range f.frames {
		out[i] = m.Type
	}
	return out
}

func (f *fakeConn) lastCloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

// fakeSandbox is an in-memory execution environment.
type fakeSandbox struct {
	mu            sync.Mutex
	files         map[string]string
	started       []string
	startFailures int
	exposures     int
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: map[string]string{
		"index.html": "<html><div id=\"root\"></div></html>",
	}}
}

func (f *fakeSandbox) StartProcess(_ context.Context, sketchID, command, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startFailures > 0 {
		f.startFailures--
		return fmt.Errorf("spawn %s: transient failure", command)
	}
	f.started = append(f.started, sketchID+":"+command)
	return nil
}

func (f *fakeSandbox) WaitForPort(context.Context, string, int) error { return nil }

func (f *fakeSandbox) ExposePort(_ context.Context, _ string, _ int, hostname string) (string, error) {
	f.mu.Lock()
	f.exposures++
	f.mu.Unlock()
	return "https://" + hostname, nil
}

func (f *fakeSandbox) UnexposePort(context.Context, string, int) error { return nil }

func (f *fakeSandbox) ReadFile(_ context.Context, _ string, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (f *fakeSandbox) WriteFile(_ context.Context, _ string, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func (f *fakeSandbox) exposureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exposures
}

func (f *fakeSandbox) fileContent(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	return content, ok
}

// fakeGenerator returns canned output. A non-nil block channel makes Generate
// wait until the test releases it.
type fakeGenerator struct {
	mu     sync.Mutex
	output string
	err    error
	block  chan struct{}
	calls  []genai.Request
}

func (g *fakeGenerator) Generate(_ context.Context, req genai.Request) (string, error) {
	g.mu.Lock()
	block, err, output := g.block, g.err, g.output
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	return output, nil
}

type testEnv struct {
	reg     *Registry
	store   *sqlite.Store
	leases  *lease.Manager
	sandbox *fakeSandbox
	blobs   *blob.MemoryStore
	gen     *fakeGenerator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvCap(t, 20)
}

func newTestEnvCap(t *testing.T, capacity int) *testEnv {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	lm := lease.NewManager(st, capacity, 5*time.Minute, log)
	t.Cleanup(lm.Close)

	sb := newFakeSandbox()
	gen := &fakeGenerator{output: "export default function Sketch() { return null }"}
	blobs := blob.NewMemoryStore()

	deps := Deps{
		Store:     st,
		Leases:    lm,
		Sandbox:   sb,
		Generator: gen,
		Blobs:     blobs,
		Broker:    events.NewBroker(),
		Metrics:   metrics.New(),
		Log:       log,
		Settings: Settings{
			Hostname:          "sketches.test",
			EditableFile:      "sketch.tsx",
			ReferenceFiles:    []string{"index.html"},
			PreviewPort:       5173,
			PreviewCommand:    "npm run dev",
			WorkDir:           "/workspace",
			HeartbeatInterval: 50 * time.Millisecond,
			Retry: retry.Policy{
				MaxAttempts:       3,
				InitialDelay:      time.Millisecond,
				MaxDelay:          5 * time.Millisecond,
				BackoffMultiplier: 2.0,
			},
		},
	}

	return &testEnv{
		reg:     NewRegistry(deps),
		store:   st,
		leases:  lm,
		sandbox: sb,
		blobs:   blobs,
		gen:     gen,
	}
}

// connect attaches a new fake connection and completes the hello handshake's
// client half.
func (e *testEnv) connect(t *testing.T, sketchID string) *fakeConn {
	t.Helper()
	fc := newFakeConn()
	require.NoError(t, e.reg.Attach(context.Background(), sketchID, fc))
	fc.clientSend(t, types.ClientMessage{Type: types.MsgHello})
	return fc
}
