// Package blob is the durable object store used to archive and restore sketch
// artifacts.
package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("object not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// ManifestKey is where a sketch's archived manifest lives.
func ManifestKey(sketchID string) string {
	return fmt.Sprintf("sessions/%s/manifest.json", sketchID)
}

// ArtifactKey addresses one archived artifact by filename.
func ArtifactKey(sketchID, filename string) string {
	return fmt.Sprintf("sessions/%s/%s", sketchID, filename)
}
