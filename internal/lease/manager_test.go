package lease

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sketchhub/sketchd/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, capacity int, ttl time.Duration) *Manager {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	m := NewManager(st, capacity, ttl, nil)
	t.Cleanup(m.Close)
	return m
}

func TestAcquireUpToCapThenReject(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 20, time.Minute)

	ids := make([]string, 0, 20)
	var lastExpiry time.Time
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("lease-%02d", i)
		l, err := m.Acquire(ctx, id)
		require.NoError(t, err, "acquire %d", i)
		assert.Equal(t, id, l.ID)
		assert.False(t, l.ExpiresAt.Before(lastExpiry), "expiry must not regress")
		lastExpiry = l.ExpiresAt
		ids = append(ids, id)
	}

	_, err := m.Acquire(ctx, "lease-overflow")
	require.ErrorIs(t, err, ErrNoCapacity)

	// Releasing one slot lets the 21st in.
	require.NoError(t, m.Release(ctx, ids[7]))
	_, err = m.Acquire(ctx, "lease-overflow")
	require.NoError(t, err)

	n, err := m.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestRenewUnknownAndKnown(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 5, time.Minute)

	_, err := m.Renew(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)

	l, err := m.Acquire(ctx, "lease-a")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	renewed, err := m.Renew(ctx, "lease-a")
	require.NoError(t, err)
	assert.True(t, renewed.After(l.ExpiresAt), "renew must strictly extend expiry")
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 5, time.Minute)

	_, err := m.Acquire(ctx, "lease-a")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "lease-a"))
	require.NoError(t, m.Release(ctx, "lease-a"))
	require.NoError(t, m.Release(ctx, "never-existed"))
}

func TestExpiryFreesSlot(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 1, 20*time.Millisecond)

	_, err := m.Acquire(ctx, "lease-a")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "lease-b")
	require.ErrorIs(t, err, ErrNoCapacity)

	time.Sleep(40 * time.Millisecond)

	n, err := m.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = m.Acquire(ctx, "lease-b")
	require.NoError(t, err)

	// The row that expired is gone for renewal purposes too.
	_, err = m.Renew(ctx, "lease-a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweepHonorsInjectedClock(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 5, time.Minute)

	_, err := m.Acquire(ctx, "lease-a")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "lease-b")
	require.NoError(t, err)

	// Jump the clock past both expiries. The rearm on the next mutation must
	// schedule against the injected clock, not the wall clock, so the sweep
	// fires immediately rather than in a minute.
	m.mu.Lock()
	m.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	m.mu.Unlock()

	require.NoError(t, m.Release(ctx, "lease-b"))

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		n, err := m.table.CountLeases(ctx)
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSweepTimerEvictsWithoutCalls(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 5, 15*time.Millisecond)

	_, err := m.Acquire(ctx, "lease-a")
	require.NoError(t, err)

	// No further mutating calls: the armed sweep must evict on its own.
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		n, err := m.table.CountLeases(ctx)
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
}
