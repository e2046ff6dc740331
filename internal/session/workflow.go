package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sketchhub/sketchd/internal/blob"
	"github.com/sketchhub/sketchd/internal/genai"
	"github.com/sketchhub/sketchd/internal/sandbox"
	"github.com/sketchhub/sketchd/pkg/types"
)

// restore replays the archived attempt for this sketch. Any failure resets
// the stage to idle, reports the error tagged with this attempt's epoch and
// re-signals readiness so the client can retry without reconnecting.
func (c *Coordinator) restore(ctx context.Context, epoch int64) {
	c.broadcast(statusFrame(types.StepRestoring, "Restoring sketch from archive", epoch))

	data, err := c.deps.Blobs.Get(ctx, blob.ManifestKey(c.id))
	if err != nil {
		c.failAttempt(ctx, epoch, fmt.Errorf("fetch manifest: %w", err))
		return
	}
	files, err := decodeManifest(data)
	if err != nil {
		c.failAttempt(ctx, epoch, err)
		return
	}

	for _, name := range files {
		content, err := c.deps.Blobs.Get(ctx, blob.ArtifactKey(c.id, name))
		if errors.Is(err, blob.ErrNotFound) {
			c.failAttempt(ctx, epoch, fmt.Errorf("Missing archived artifact: %s", name))
			return
		}
		if err != nil {
			c.failAttempt(ctx, epoch, fmt.Errorf("fetch archived artifact %s: %w", name, err))
			return
		}
		if !c.attemptCurrent(ctx, epoch, types.StageRestoring) {
			return
		}
		if err := c.writeFileRetry(ctx, epoch, name, string(content)); err != nil {
			c.failAttempt(ctx, epoch, err)
			return
		}
	}

	c.broadcast(statusFrame(types.StepServer, "Starting preview server", epoch))
	url, err := c.provisionPreview(ctx, epoch)
	if err != nil {
		c.failAttempt(ctx, epoch, err)
		return
	}

	sk, ok := c.commit(ctx, attemptCheck(epoch, types.StageRestoring), func(cur *types.Sketch) {
		if cur.PreviewURL == "" {
			cur.PreviewURL = url
		}
		cur.ModifiedFiles = files
		cur.Stage = types.StageDone
	})
	if !ok {
		return // superseded while we were provisioning
	}

	if _, err := c.deps.Leases.Renew(ctx, c.leaseID); err != nil {
		c.log.Warn("renew after restore", "error", err)
	}

	c.broadcast(types.ServerMessage{Type: types.MsgPreview, URL: sk.PreviewURL, Epoch: epoch})
	c.broadcast(types.ServerMessage{Type: types.MsgRestored, SketchID: c.id, URL: sk.PreviewURL, Epoch: epoch})
	c.broadcast(types.ServerMessage{Type: types.MsgReady})
	c.deps.Metrics.IncRestore()
}

// generate runs one generation attempt. The stage was already persisted as
// running (and the epoch incremented) by the start handler, so concurrent
// observers see the attempt before any I/O happens here.
func (c *Coordinator) generate(ctx context.Context, epoch int64, prompt string) {
	s := c.deps.Settings

	sk, ok := c.loadSketch(ctx)
	if !ok || sk.Epoch != epoch || sk.Stage != types.StageRunning {
		return
	}

	url := sk.PreviewURL
	if url == "" {
		c.broadcast(statusFrame(types.StepServer, "Starting preview server", epoch))
		exposed, err := c.provisionPreview(ctx, epoch)
		if err != nil {
			c.failAttempt(ctx, epoch, err)
			return
		}
		cur, ok := c.commit(ctx, attemptCheck(epoch, types.StageRunning), func(cur *types.Sketch) {
			if cur.PreviewURL == "" {
				cur.PreviewURL = exposed
			}
		})
		if !ok {
			return
		}
		url = cur.PreviewURL
	}

	if _, err := c.deps.Leases.Renew(ctx, c.leaseID); err != nil {
		c.log.Warn("renew before generation", "error", err)
	}

	current, err := c.deps.Sandbox.ReadFile(ctx, c.id, s.EditableFile)
	if err != nil {
		// Fresh environments have no sketch source yet.
		c.log.Debug("read editable artifact", "error", err)
		current = ""
	}
	refs := make(map[string]string, len(s.ReferenceFiles))
	for _, name := range s.ReferenceFiles {
		content, err := c.deps.Sandbox.ReadFile(ctx, c.id, name)
		if err != nil {
			c.log.Debug("read reference artifact", "file", name, "error", err)
			continue
		}
		refs[name] = content
	}

	c.broadcast(statusFrame(types.StepAgent, "Generating sketch source", epoch))
	generated, err := c.deps.Generator.Generate(ctx, genai.Request{
		Prompt:     prompt,
		Current:    current,
		References: refs,
	})
	if err != nil {
		c.failAttempt(ctx, epoch, fmt.Errorf("generation failed: %w", err))
		return
	}
	c.broadcast(statusFrame(types.StepAgent, "Applying generated source", epoch))

	if !c.attemptCurrent(ctx, epoch, types.StageRunning) {
		return
	}

	c.broadcast(statusFrame(types.StepModify, "Updating "+s.EditableFile, epoch))
	if err := c.writeFileRetry(ctx, epoch, s.EditableFile, generated); err != nil {
		c.failAttempt(ctx, epoch, err)
		return
	}

	if _, ok := c.commit(ctx, attemptCheck(epoch, types.StageRunning), func(cur *types.Sketch) {
		cur.ModifiedFiles = []string{s.EditableFile}
		cur.Stage = types.StageDone
	}); !ok {
		return
	}

	if err := c.archiveGenerated(ctx, s.EditableFile, generated); err != nil {
		c.failAttempt(ctx, epoch, fmt.Errorf("archive attempt: %w", err))
		return
	}
	if _, err := c.deps.Leases.Renew(ctx, c.leaseID); err != nil {
		c.log.Warn("renew after generation", "error", err)
	}

	c.broadcast(types.ServerMessage{Type: types.MsgPreview, URL: url, Epoch: epoch})
	c.broadcast(types.ServerMessage{Type: types.MsgDone, SketchID: c.id, URL: url, Epoch: epoch})
	c.deps.Metrics.IncGeneration()
}

// provisionPreview starts the live process, waits for its port and exposes it
// under the session's hostname.
func (c *Coordinator) provisionPreview(ctx context.Context, epoch int64) (string, error) {
	sk, ok := c.loadSketch(ctx)
	if !ok {
		return "", errors.New("session state unavailable")
	}
	s := c.deps.Settings

	if err := c.startProcessRetry(ctx, epoch); err != nil {
		return "", err
	}
	if err := c.deps.Sandbox.WaitForPort(ctx, c.id, s.PreviewPort); err != nil {
		return "", fmt.Errorf("wait for preview port %d: %w", s.PreviewPort, err)
	}
	url, err := sandbox.Expose(ctx, c.deps.Sandbox, c.id, s.PreviewPort, sk.Hostname)
	if err != nil {
		return "", fmt.Errorf("expose preview port: %w", err)
	}
	return url, nil
}

func (c *Coordinator) startProcessRetry(ctx context.Context, epoch int64) error {
	s := c.deps.Settings
	err := s.Retry.Do(ctx, func(attempt int) {
		if attempt > 1 {
			msg := fmt.Sprintf("Retrying preview server start (attempt %d of %d)", attempt, s.Retry.MaxAttempts)
			c.broadcast(statusFrame(types.StepRetry, msg, epoch))
		}
	}, func() error {
		return c.deps.Sandbox.StartProcess(ctx, c.id, s.PreviewCommand, s.WorkDir)
	})
	if err != nil {
		return fmt.Errorf("start preview process: %w", err)
	}
	return nil
}

func (c *Coordinator) writeFileRetry(ctx context.Context, epoch int64, name, content string) error {
	s := c.deps.Settings
	err := s.Retry.Do(ctx, func(attempt int) {
		if attempt > 1 {
			msg := fmt.Sprintf("Retrying write of %s (attempt %d of %d)", name, attempt, s.Retry.MaxAttempts)
			c.broadcast(statusFrame(types.StepRetry, msg, epoch))
		}
	}, func() error {
		return c.deps.Sandbox.WriteFile(ctx, c.id, name, content)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (c *Coordinator) archiveGenerated(ctx context.Context, name, content string) error {
	manifest, err := encodeManifest([]string{name})
	if err != nil {
		return err
	}
	if err := c.deps.Blobs.Put(ctx, blob.ManifestKey(c.id), manifest); err != nil {
		return err
	}
	return c.deps.Blobs.Put(ctx, blob.ArtifactKey(c.id, name), []byte(content))
}

// failAttempt returns the session to a retryable state. The stage reset only
// applies if this attempt still owns the record; the error broadcast happens
// either way so the client that issued it sees the outcome.
func (c *Coordinator) failAttempt(ctx context.Context, epoch int64, cause error) {
	c.log.Warn("attempt failed", "epoch", epoch, "error", cause)
	c.deps.Metrics.IncWorkflowFail()

	c.commit(ctx,
		func(cur types.Sketch) bool { return cur.Epoch == epoch && cur.Stage.InFlight() },
		func(cur *types.Sketch) { cur.Stage = types.StageIdle })

	c.broadcast(types.ServerMessage{Type: types.MsgError, Message: cause.Error(), Epoch: epoch})
	c.broadcast(types.ServerMessage{Type: types.MsgReady})
}

// attemptCurrent re-reads persisted state and reports whether this attempt is
// still the live one. A mismatch means expected supersession; the caller just
// stops.
func (c *Coordinator) attemptCurrent(ctx context.Context, epoch int64, stage types.Stage) bool {
	sk, ok := c.loadSketch(ctx)
	return ok && sk.Epoch == epoch && sk.Stage == stage
}

func attemptCheck(epoch int64, stage types.Stage) func(types.Sketch) bool {
	return func(sk types.Sketch) bool {
		return sk.Epoch == epoch && sk.Stage == stage
	}
}

func statusFrame(step, message string, epoch int64) types.ServerMessage {
	return types.ServerMessage{Type: types.MsgStatus, Step: step, Message: message, Epoch: epoch}
}

func encodeManifest(files []string) ([]byte, error) {
	b, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return b, nil
}

func decodeManifest(data []byte) ([]string, error) {
	var files []string
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return files, nil
}
