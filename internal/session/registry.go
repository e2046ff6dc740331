package session

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

var sketchIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,63}$`)

// ValidSketchID reports whether id is a well-formed sketch identifier:
// lowercase alphanumerics and hyphens, starting with an alphanumeric, 3 to 64
// characters.
func ValidSketchID(id string) bool {
	return sketchIDPattern.MatchString(id)
}

// Registry maps live sketch IDs to their coordinators. At most one
// coordinator exists per sketch; creating one acquires a lease, and the
// coordinator removes itself when it tears down.
type Registry struct {
	deps Deps

	mu     sync.Mutex
	coords map[string]*Coordinator
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:   deps,
		coords: make(map[string]*Coordinator),
	}
}

// Attach admits conn into sketchID's session, creating the coordinator if the
// session is not live. Reconnects to a live session never touch the lease
// table. Returns lease.ErrNoCapacity when the table is full.
func (r *Registry) Attach(ctx context.Context, sketchID string, conn Conn) error {
	for {
		c, err := r.coordinator(ctx, sketchID)
		if err != nil {
			return err
		}
		sock := newSocket(uuid.NewString(), conn, c.log)
		err = c.attach(sock)
		if errors.Is(err, ErrClosed) {
			// Lost a race with teardown; the next lookup recreates it.
			r.remove(sketchID, c)
			continue
		}
		return err
	}
}

func (r *Registry) coordinator(ctx context.Context, sketchID string) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.coords[sketchID]; ok {
		return c, nil
	}

	leaseID := uuid.NewString()
	if _, err := r.deps.Leases.Acquire(ctx, leaseID); err != nil {
		return nil, err
	}
	r.deps.Metrics.IncLeaseGrant()

	var c *Coordinator
	c, err := newCoordinator(ctx, r.deps, sketchID, leaseID, func() {
		r.remove(sketchID, c)
	})
	if err != nil {
		_ = r.deps.Leases.Release(ctx, leaseID)
		return nil, err
	}
	r.coords[sketchID] = c
	return c, nil
}

func (r *Registry) remove(sketchID string, c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coords[sketchID] == c {
		delete(r.coords, sketchID)
	}
}

// Live reports whether sketchID currently has a coordinator.
func (r *Registry) Live(sketchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.coords[sketchID]
	return ok
}

// Shutdown expires every live session: clients get an expired frame, sockets
// close and artifacts archive before the daemon exits.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	coords := make([]*Coordinator, 0, len(r.coords))
	for _, c := range r.coords {
		coords = append(coords, c)
	}
	r.mu.Unlock()

	for _, c := range coords {
		c.expire(ctx)
	}
}
