// Package sandbox talks to the execution environment that runs a sketch's
// live process, exposes its port and performs file I/O on its working
// directory. The daemon only orchestrates; everything here is a remote call.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Client is the execution environment surface consumed by the session
// coordinator. Implementations must treat every call as a fallible network
// operation.
type Client interface {
	// StartProcess launches the long-running preview process under workDir.
	StartProcess(ctx context.Context, sketchID, command, workDir string) error
	// WaitForPort blocks until the given TCP port accepts connections.
	WaitForPort(ctx context.Context, sketchID string, port int) error
	// ExposePort publishes the port under hostname and returns the public URL.
	ExposePort(ctx context.Context, sketchID string, port int, hostname string) (string, error)
	// UnexposePort removes a prior exposure of the port.
	UnexposePort(ctx context.Context, sketchID string, port int) error
	ReadFile(ctx context.Context, sketchID, path string) (string, error)
	WriteFile(ctx context.Context, sketchID, path, content string) error
}

// HTTPError is a non-2xx response from the sandbox API.
type HTTPError struct {
	Method     string
	Path       string
	Status     string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsPortConflict reports whether err is the sandbox refusing to expose a port
// because a prior exposure for it still exists.
func IsPortConflict(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == 409
}

// Expose publishes a port, recovering once from a stale prior exposure: on a
// conflict the port is explicitly unexposed and the exposure retried. Any
// other failure propagates immediately.
func Expose(ctx context.Context, c Client, sketchID string, port int, hostname string) (string, error) {
	url, err := c.ExposePort(ctx, sketchID, port, hostname)
	if err == nil {
		return url, nil
	}
	if !IsPortConflict(err) {
		return "", err
	}
	if uerr := c.UnexposePort(ctx, sketchID, port); uerr != nil {
		return "", fmt.Errorf("unexpose conflicting port %d: %w", port, uerr)
	}
	return c.ExposePort(ctx, sketchID, port, hostname)
}
