package store

import (
	"context"
	"time"

	"github.com/sketchhub/sketchd/pkg/types"
)

// SketchStore persists session records. The coordinator re-reads the record
// after every external call instead of trusting an in-memory copy, so reads
// must always reflect the latest committed write.
type SketchStore interface {
	GetSketch(ctx context.Context, id string) (types.Sketch, bool, error)
	PutSketch(ctx context.Context, sk types.Sketch) error
	DeleteSketch(ctx context.Context, id string) error
}

// LeaseTable is the lease manager's ticket table. Callers serialize access;
// the table itself only promises per-statement atomicity.
type LeaseTable interface {
	InsertLease(ctx context.Context, l types.Lease) error
	SetLeaseExpiry(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	DeleteLease(ctx context.Context, id string) error
	DeleteExpiredLeases(ctx context.Context, now time.Time) (int, error)
	CountLeases(ctx context.Context) (int, error)
	EarliestLeaseExpiry(ctx context.Context) (time.Time, bool, error)
}

type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
}
