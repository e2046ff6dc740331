package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sketchhub/sketchd/internal/blob"
	"github.com/sketchhub/sketchd/pkg/types"
)

func (c *Coordinator) handleMessage(sock *socket, data []byte) {
	var msg types.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		sock.send(types.ServerMessage{Type: types.MsgError, Message: "Invalid message"})
		return
	}

	switch msg.Type {
	case types.MsgHello:
		c.handleHello(sock)
	case types.MsgStart:
		c.handleStart(sock, msg.Prompt)
	default:
		sock.send(types.ServerMessage{Type: types.MsgError, Message: "Unknown message type"})
	}
}

// handleHello completes the handshake. If the session is idle and an archived
// manifest exists, a restore attempt silently begins before the welcome goes
// out, so the reported stage is already "restoring".
func (c *Coordinator) handleHello(sock *socket) {
	ctx := context.Background()
	sock.markReady()

	sk, ok := c.loadSketch(ctx)
	if !ok {
		sock.send(types.ServerMessage{Type: types.MsgError, Message: "Session state unavailable"})
		return
	}

	if sk.Stage == types.StageIdle {
		hasManifest, err := c.manifestExists(ctx)
		if err != nil {
			c.log.Warn("check archived manifest", "error", err)
		}
		if hasManifest {
			sk, ok = c.commit(ctx,
				func(cur types.Sketch) bool { return cur.Stage == types.StageIdle },
				func(cur *types.Sketch) {
					cur.Epoch++
					cur.Stage = types.StageRestoring
				})
			if ok {
				sock.sendWelcome(welcomeFrame(sk))
				go c.restore(ctx, sk.Epoch)
				return
			}
			// Another handler started an attempt while we checked the
			// store; fall through and report whatever is current.
			sk, _ = c.loadSketch(ctx)
		}
	}

	sock.sendWelcome(welcomeFrame(sk))
	if sk.Stage == types.StageIdle {
		sock.send(types.ServerMessage{Type: types.MsgReady})
	}
}

// handleStart begins a generation attempt. Requests during an in-flight
// attempt are rejected without any state change.
func (c *Coordinator) handleStart(sock *socket, prompt string) {
	ctx := context.Background()

	if strings.TrimSpace(prompt) == "" {
		sock.send(types.ServerMessage{Type: types.MsgError, Message: "Prompt is required"})
		return
	}

	sk, ok := c.commit(ctx,
		func(cur types.Sketch) bool { return cur.Stage.CanStart() },
		func(cur *types.Sketch) {
			cur.Epoch++
			cur.Stage = types.StageRunning
		})
	if !ok {
		if sk.Stage.InFlight() {
			sock.send(types.ServerMessage{Type: types.MsgError, Message: "Generation already in progress"})
			return
		}
		sock.send(types.ServerMessage{Type: types.MsgError, Message: "Session state unavailable"})
		return
	}

	go c.generate(ctx, sk.Epoch, prompt)
}

func (c *Coordinator) manifestExists(ctx context.Context) (bool, error) {
	_, err := c.deps.Blobs.Get(ctx, blob.ManifestKey(c.id))
	if errors.Is(err, blob.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func welcomeFrame(sk types.Sketch) types.WelcomeMessage {
	return types.WelcomeMessage{
		Type:       types.MsgWelcome,
		SketchID:   sk.ID,
		Stage:      sk.Stage,
		PreviewURL: sk.PreviewURL,
		Epoch:      sk.Epoch,
	}
}
