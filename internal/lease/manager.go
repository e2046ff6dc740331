package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sketchhub/sketchd/internal/store"
	"github.com/sketchhub/sketchd/pkg/types"
)

var (
	// ErrNoCapacity is returned by Acquire when the admission cap is reached.
	ErrNoCapacity = errors.New("no lease capacity")
	// ErrNotFound is returned by Renew when the lease expired or never existed.
	ErrNotFound = errors.New("lease not found")
)

// Manager is the singleton admission controller. It owns the persistent
// ticket table; every operation runs under one mutex so eviction, count and
// insert are atomic with respect to each other (single-writer table).
//
// A sweep timer is re-armed to the earliest expiry after every mutation, so
// abandoned leases are evicted even if no further calls arrive.
type Manager struct {
	mu    sync.Mutex
	table store.LeaseTable
	cap   int
	ttl   time.Duration
	log   *slog.Logger

	timer  *time.Timer
	closed bool
	now    func() time.Time
}

func NewManager(table store.LeaseTable, capacity int, ttl time.Duration, log *slog.Logger) *Manager {
	if capacity <= 0 {
		capacity = 20
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		table: table,
		cap:   capacity,
		ttl:   ttl,
		log:   log.With("component", "lease"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Acquire evicts expired rows, then grants a lease iff the count of live rows
// is below the cap.
func (m *Manager) Acquire(ctx context.Context, leaseID string) (types.Lease, error) {
	if leaseID == "" {
		return types.Lease{}, fmt.Errorf("lease id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.table.DeleteExpiredLeases(ctx, m.now()); err != nil {
		return types.Lease{}, err
	}
	n, err := m.table.CountLeases(ctx)
	if err != nil {
		return types.Lease{}, err
	}
	if n >= m.cap {
		m.log.Warn("acquire rejected", "active", n, "cap", m.cap)
		return types.Lease{}, ErrNoCapacity
	}

	l := types.Lease{ID: leaseID, ExpiresAt: m.now().Add(m.ttl)}
	if err := m.table.InsertLease(ctx, l); err != nil {
		return types.Lease{}, err
	}
	m.rearmLocked(ctx)
	m.log.Debug("lease acquired", "lease_id", leaseID, "active", n+1)
	return l, nil
}

// Renew unconditionally pushes the expiry out to now+TTL for a live row.
func (m *Manager) Renew(ctx context.Context, leaseID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.table.DeleteExpiredLeases(ctx, m.now()); err != nil {
		return time.Time{}, err
	}
	expiresAt := m.now().Add(m.ttl)
	found, err := m.table.SetLeaseExpiry(ctx, leaseID, expiresAt)
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		return time.Time{}, ErrNotFound
	}
	m.rearmLocked(ctx)
	return expiresAt, nil
}

// Release deletes the row if present. Releasing an unknown lease is a no-op.
func (m *Manager) Release(ctx context.Context, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.table.DeleteLease(ctx, leaseID); err != nil {
		return err
	}
	m.rearmLocked(ctx)
	return nil
}

// Active evicts expired rows and returns the remaining count.
func (m *Manager) Active(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.table.DeleteExpiredLeases(ctx, m.now()); err != nil {
		return 0, err
	}
	return m.table.CountLeases(ctx)
}

// Cap returns the admission cap.
func (m *Manager) Cap() int { return m.cap }

// Close stops the sweep timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// rearmLocked schedules the next sweep at the earliest pending expiry. Caller
// holds m.mu.
func (m *Manager) rearmLocked(ctx context.Context) {
	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	earliest, ok, err := m.table.EarliestLeaseExpiry(ctx)
	if err != nil {
		m.log.Error("compute next sweep", "error", err)
		return
	}
	if !ok {
		return
	}
	wait := earliest.Sub(m.now())
	if wait < 0 {
		wait = 0
	}
	m.timer = time.AfterFunc(wait, m.sweep)
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	ctx := context.Background()
	n, err := m.table.DeleteExpiredLeases(ctx, m.now())
	if err != nil {
		m.log.Error("sweep leases", "error", err)
	} else if n > 0 {
		m.log.Info("swept expired leases", "evicted", n)
	}
	m.rearmLocked(ctx)
}
