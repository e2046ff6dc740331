package types

import "time"

// Event is one audited protocol occurrence for a sketch session. Fields holds
// the frame payload or any extra context; the full event is stored as JSON.
type Event struct {
	ID        string         `json:"event_id"`
	Timestamp time.Time      `json:"ts"`
	SketchID  string         `json:"sketch_id"`
	Type      string         `json:"type"`
	Epoch     int64          `json:"epoch,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// EventQuery filters audited events.
type EventQuery struct {
	SketchID string
	Types    []string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Asc      bool
}
