package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sketchhub/sketchd/internal/blob"
	"github.com/sketchhub/sketchd/internal/lease"
	"github.com/sketchhub/sketchd/pkg/types"
)

func TestHelloOnFreshSession(t *testing.T) {
	env := newTestEnv(t)
	fc := env.connect(t, "aurora-demo")

	welcome := fc.waitFor(t, types.MsgWelcome)
	assert.Equal(t, "aurora-demo", welcome.SketchID)
	assert.Equal(t, types.StageIdle, welcome.Stage)
	assert.Equal(t, int64(0), welcome.Epoch)
	fc.waitFor(t, types.MsgReady)
}

func TestWelcomeWireShape(t *testing.T) {
	fresh, err := json.Marshal(welcomeFrame(types.Sketch{
		ID:    "aurora-demo",
		Stage: types.StageIdle,
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"welcome","sketchId":"aurora-demo","stage":"idle","epoch":0}`, string(fresh))

	resumed, err := json.Marshal(welcomeFrame(types.Sketch{
		ID:         "aurora-demo",
		Stage:      types.StageDone,
		PreviewURL: "https://aurora-demo.sketches.test",
		Epoch:      3,
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"welcome","sketchId":"aurora-demo","stage":"done","previewUrl":"https://aurora-demo.sketches.test","epoch":3}`, string(resumed))
}

func TestGenerationFrameSequence(t *testing.T) {
	env := newTestEnv(t)
	fc := env.connect(t, "aurora-demo")
	fc.waitFor(t, types.MsgReady)

	fc.clientSend(t, types.ClientMessage{Type: types.MsgStart, Prompt: "a bouncing ball"})
	done := fc.waitFor(t, types.MsgDone)

	assert.Equal(t, "aurora-demo", done.SketchID)
	assert.Equal(t, int64(1), done.Epoch)
	assert.Equal(t, "https://aurora-demo.sketches.test", done.URL)

	var steps []string
	var sawPreview bool
	for _, m := range fc.snapshot() {
		switch m.Type {
		case types.MsgStatus:
			steps = append(steps, m.Step)
		case types.MsgPreview:
			sawPreview = true
			assert.Equal(t, done.URL, m.URL)
		}
	}
	assert.Equal(t, []string{types.StepServer, types.StepAgent, types.StepAgent, types.StepModify}, steps)
	assert.True(t, sawPreview)

	// The generated source landed in the environment and in the archive.
	content, ok := env.sandbox.fileContent("sketch.tsx")
	require.True(t, ok)
	assert.Contains(t, content, "Sketch")
	_, err := env.blobs.Get(context.Background(), blob.ManifestKey("aurora-demo"))
	require.NoError(t, err)

	sk, ok, err := env.store.GetSketch(context.Background(), "aurora-demo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StageDone, sk.Stage)
	assert.Equal(t, int64(1), sk.Epoch)
	assert.Equal(t, []string{"sketch.tsx"}, sk.ModifiedFiles)
}

func TestSecondGenerationReusesPreview(t *testing.T) {
	env := newTestEnv(t)
	fc := env.connect(t, "aurora-demo")
	fc.waitFor(t, types.MsgReady)

	fc.clientSend(t, types.ClientMessage{Type: types.MsgStart, Prompt: "first"})
	fc.waitFor(t, types.MsgDone)

	fc.clientSend(t, types.ClientMessage{Type: types.MsgStart, Prompt: "second"})
	require.Eventually(t, func() bool {
		for _, m := range fc.snapshot() {
			if m.Type == types.MsgDone && m.Epoch == 2 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// Preview was provisioned once; epoch advanced per attempt.
	assert.Equal(t, 1, env.sandbox.exposureCount())
	var serverSteps int
	for _, m := range fc.snapshot() {
		if m.Type == types.MsgStatus && m.Step == types.StepServer {
			serverSteps++
		}
	}
	assert.Equal(t, 1, serverSteps)
}

func TestStartDuringRunningRejected(t *testing.T) {
	env := newTestEnv(t)
	env.gen.block = make(chan struct{})
	fc := env.connect(t, "aurora-demo")
	fc.waitFor(t, types.MsgReady)

	fc.clientSend(t, types.ClientMessage{Type: types.MsgStart, Prompt: "slow"})
	require.Eventually(t, func() bool {
		env.gen.mu.Lock()
		defer env.gen.mu.Unlock()
		return len(env.gen.calls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	fc.clientSend(t, types.ClientMessage{Type: types.MsgStart, Prompt: "eager"})
	errFrame := fc.waitFor(t, types.MsgError)
	assert.Equal(t, "Generation already in progress", errFrame.Message)

	close(env.gen.block)
	done := fc.waitFor(t, types.MsgDone)
	assert.Equal(t, int64(1), done.Epoch, "rejected start must not consume an epoch")
}

func TestEmptyPromptRejected(t *testing.T) {
	env := newTestEnv(t)
	fc := env.connect(t, "aurora-demo")
	fc.waitFor(t, types.MsgReady)

	fc.clientSend(t, types.ClientMessage{Type: types.MsgStart, Prompt: "   "})
	errFrame := fc.waitFor(t, types.MsgError)
	assert.Equal(t, "Prompt is required", errFrame.Message)

	sk, _, err := env.store.GetSketch(context.Background(), "aurora-demo")
	require.NoError(t, err)
	assert.Equal(t, types.StageIdle, sk.Stage)
	assert.Equal(t, int64(0), sk.Epoch)
}

func TestGenerationFailureResetsToIdle(t *testing.T) {
	env := newTestEnv(t)
	env.gen.err = errors.New("model unavailable")
	fc := env.connect(t, "aurora-demo")
	fc.waitFor(t, types.MsgReady)

	fc.clientSend(t, types.ClientMessage{Type: types.MsgStart, Prompt: "doomed"})
	errFrame := fc.waitFor(t, types.MsgError)
	assert.Contains(t, errFrame.Message, "model unavailable")
	assert.Equal(t, int64(1), errFrame.Epoch)

	require.Eventually(t, func() bool {
		sk, ok, err := env.store.GetSketch(context.Background(), "aurora-demo")
		return err == nil && ok && sk.Stage == types.StageIdle
	}, 2*time.Second, 5*time.Millisecond)

	// The session stays usable: clear the fault and retry.
	env.gen.mu.Lock()
	env.gen.err = nil
	env.gen.mu.Unlock()
	fc.clientSend(t, types.ClientMessage{Type: types.MsgStart, Prompt: "retry"})
	done := fc.waitFor(t, types.MsgDone)
	assert.Equal(t, int64(2), done.Epoch)
}

func TestTransientStartFailureRetries(t *testing.T) {
	env := newTestEnv(t)
	env.sandbox.startFailures = 2
	fc := env.connect(t, "aurora-demo")
	fc.waitFor(t, types.MsgReady)

	fc.clientSend(t, types.ClientMessage{Type: types.MsgStart, Prompt: "persistent"})
	fc.waitFor(t, types.MsgDone)

	var retries int
	for _, m := range fc.snapshot() {
		if m.Type == types.MsgStatus && m.Step == types.StepRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestRestoreFrameSequence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	source := "export default function Sketch() { return <Saved/> }"
	require.NoError(t, env.blobs.Put(ctx, blob.ManifestKey("aurora-demo"), []byte(`["sketch.tsx"]`)))
	require.NoError(t, env.blobs.Put(ctx, blob.ArtifactKey("aurora-demo", "sketch.tsx"), []byte(source)))

	fc := env.connect(t, "aurora-demo")

	welcome := fc.waitFor(t, types.MsgWelcome)
	assert.Equal(t, types.StageRestoring, welcome.Stage)
	assert.Equal(t, int64(1), welcome.Epoch)

	restored := fc.waitFor(t, types.MsgRestored)
	assert.Equal(t, "aurora-demo", restored.SketchID)
	assert.Equal(t, "https://aurora-demo.sketches.test", restored.URL)
	assert.Equal(t, int64(1), restored.Epoch)
	fc.waitFor(t, types.MsgReady)

	var steps []string
	for _, m := range fc.snapshot() {
		if m.Type == types.MsgStatus {
			steps = append(steps, m.Step)
		}
	}
	assert.Equal(t, []string{types.StepRestoring, types.StepServer}, steps)

	content, ok := env.sandbox.fileContent("sketch.tsx")
	require.True(t, ok)
	assert.Equal(t, source, content)

	sk, ok, err := env.store.GetSketch(ctx, "aurora-demo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StageDone, sk.Stage)
}

func TestRestoreMissingArtifact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.blobs.Put(ctx, blob.ManifestKey("aurora-demo"), []byte(`["sketch.tsx"]`)))

	fc := env.connect(t, "aurora-demo")

	welcome := fc.waitFor(t, types.MsgWelcome)
	assert.Equal(t, types.StageRestoring, welcome.Stage)

	errFrame := fc.waitFor(t, types.MsgError)
	assert.Contains(t, errFrame.Message, "Missing")
	assert.Contains(t, errFrame.Message, "sketch.tsx")
	fc.waitFor(t, types.MsgReady)

	sk, ok, err := env.store.GetSketch(ctx, "aurora-demo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StageIdle, sk.Stage)
	assert.Equal(t, int64(1), sk.Epoch)
}

func TestReconnectSupersedesPriorSocket(t *testing.T) {
	env := newTestEnv(t)
	first := env.connect(t, "aurora-demo")
	first.waitFor(t, types.MsgReady)

	second := env.connect(t, "aurora-demo")
	second.waitFor(t, types.MsgReady)

	require.Eventually(t, func() bool {
		return first.lastCloseCode() == websocket.CloseNormalClosure
	}, 2*time.Second, 5*time.Millisecond)

	// The session survived the handover and only the new socket sees frames.
	assert.True(t, env.reg.Live("aurora-demo"))
	priorFrames := len(first.snapshot())

	second.clientSend(t, types.ClientMessage{Type: types.MsgStart, Prompt: "after handover"})
	second.waitFor(t, types.MsgDone)
	assert.Len(t, first.snapshot(), priorFrames)

	active, err := env.leases.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, active, "reconnect must not consume a second lease")
}

func TestLastSocketCloseFinalizes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fc := env.connect(t, "aurora-demo")
	fc.waitFor(t, types.MsgReady)
	fc.clientSend(t, types.ClientMessage{Type: types.MsgStart, Prompt: "keep this"})
	fc.waitFor(t, types.MsgDone)

	require.NoError(t, fc.Close())

	require.Eventually(t, func() bool {
		return !env.reg.Live("aurora-demo")
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		active, err := env.leases.Active(ctx)
		return err == nil && active == 0
	}, 2*time.Second, 5*time.Millisecond)

	_, ok, err := env.store.GetSketch(ctx, "aurora-demo")
	require.NoError(t, err)
	assert.False(t, ok, "persisted session state must be deleted on teardown")

	// The archive survives teardown so the next session can restore.
	manifest, err := env.blobs.Get(ctx, blob.ManifestKey("aurora-demo"))
	require.NoError(t, err)
	assert.Equal(t, `["sketch.tsx"]`, string(manifest))
	_, err = env.blobs.Get(ctx, blob.ArtifactKey("aurora-demo", "sketch.tsx"))
	require.NoError(t, err)
}

func TestIdleTeardownSkippedWhenSocketAttaches(t *testing.T) {
	env := newTestEnv(t)
	fc := env.connect(t, "aurora-demo")
	fc.waitFor(t, types.MsgReady)

	env.reg.mu.Lock()
	c := env.reg.coords["aurora-demo"]
	env.reg.mu.Unlock()
	require.NotNil(t, c)

	// An idle-triggered teardown that loses the race with a reconnect must
	// back off instead of closing the freshly attached socket.
	assert.False(t, c.finalizeIdle(context.Background(), "idle check"))
	assert.True(t, env.reg.Live("aurora-demo"))

	fc.clientSend(t, types.ClientMessage{Type: types.MsgStart, Prompt: "a bouncing ball"})
	done := fc.waitFor(t, types.MsgDone)
	assert.Equal(t, int64(1), done.Epoch)
}

func TestHeartbeatRenewsLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fc := env.connect(t, "aurora-demo")
	fc.waitFor(t, types.MsgReady)

	initial, ok, err := env.store.EarliestLeaseExpiry(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		expiry, ok, err := env.store.EarliestLeaseExpiry(ctx)
		return err == nil && ok && expiry.After(initial)
	}, 2*time.Second, 10*time.Millisecond, "heartbeat never pushed the lease expiry forward")
}

func TestShutdownBroadcastsExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fc := env.connect(t, "aurora-demo")
	fc.waitFor(t, types.MsgReady)

	env.reg.Shutdown(ctx)

	fc.waitFor(t, types.MsgExpired)
	require.Eventually(t, func() bool {
		return fc.lastCloseCode() == websocket.CloseGoingAway
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, env.reg.Live("aurora-demo"))

	active, err := env.leases.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, active)
}

func TestAttachAtCapacity(t *testing.T) {
	env := newTestEnvCap(t, 1)
	fc := env.connect(t, "aurora-demo")
	fc.waitFor(t, types.MsgReady)

	err := env.reg.Attach(context.Background(), "other-sketch", newFakeConn())
	require.ErrorIs(t, err, lease.ErrNoCapacity)

	// Reconnecting to the live session still works at capacity.
	second := env.connect(t, "aurora-demo")
	second.waitFor(t, types.MsgReady)
}

func TestUnknownMessageType(t *testing.T) {
	env := newTestEnv(t)
	fc := env.connect(t, "aurora-demo")
	fc.waitFor(t, types.MsgReady)

	fc.clientSend(t, types.ClientMessage{Type: "warp"})
	errFrame := fc.waitFor(t, types.MsgError)
	assert.Equal(t, "Unknown message type", errFrame.Message)
}

func TestValidSketchID(t *testing.T) {
	valid := []string{"abc", "aurora-demo", "0ab", "a1-b2-c3"}
	for _, id := range valid {
		assert.True(t, ValidSketchID(id), id)
	}
	invalid := []string{"", "ab", "-abc", "ABC", "has_underscore", "has space",
		strings.Repeat("a", 65)}
	for _, id := range invalid {
		assert.False(t, ValidSketchID(id), id)
	}
}
