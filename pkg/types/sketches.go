package types

import "time"

// Stage is the coarse workflow phase of a sketch session.
type Stage string

const (
	StageIdle      Stage = "idle"      // no attempt in flight, ready for a prompt
	StageRestoring Stage = "restoring" // replaying an archived attempt
	StageRunning   Stage = "running"   // a fresh generation attempt in flight
	StageDone      Stage = "done"      // last attempt completed
)

// CanStart reports whether a new generation attempt may begin in this stage.
func (s Stage) CanStart() bool {
	return s == StageIdle || s == StageDone
}

// InFlight reports whether an attempt is currently running.
func (s Stage) InFlight() bool {
	return s == StageRestoring || s == StageRunning
}

// Sketch is the persisted record of one editing session. It is owned
// exclusively by the session coordinator for its ID; everything else reads it
// through the store.
type Sketch struct {
	ID            string    `json:"id"`
	LeaseID       string    `json:"lease_id"`
	Hostname      string    `json:"hostname"`
	Stage         Stage     `json:"stage"`
	Epoch         int64     `json:"epoch"`
	PreviewURL    string    `json:"preview_url,omitempty"`
	ModifiedFiles []string  `json:"modified_files,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Lease is one admission ticket in the lease manager's table.
type Lease struct {
	ID        string    `json:"lease_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ConnState tracks a socket attachment's handshake progress.
type ConnState string

const (
	ConnConnected ConnState = "connected" // accepted, no greeting yet
	ConnReady     ConnState = "ready"     // client completed the hello handshake
)
