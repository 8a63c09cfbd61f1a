// Package engine implements resumable chunked uploads: session state,
// chunk sequencing with retry and failure classification, a worker pool
// for parallel transfers, and a progress event stream for external
// consumers.
package engine

import "time"

// Status is the lifecycle state of an upload session.
type Status string

// Session lifecycle states. Pending and Paused sessions can be (re)started;
// Completed, Failed, and Expired are terminal. Expired differs from Failed
// in that the engine automatically creates a replacement server session.
const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the session has reached an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Resumable reports whether a restart should pick the session up.
func (s Status) Resumable() bool {
	switch s {
	case StatusPending, StatusActive, StatusPaused:
		return true
	default:
		return false
	}
}

// EventKind labels progress events.
type EventKind string

// Event kinds emitted over the event stream.
const (
	EventQueued    EventKind = "queued"
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventPaused    EventKind = "paused"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventExpired   EventKind = "expired"
	EventCanceled  EventKind = "canceled"
)

// Event is one progress notification. Events are serialized to JSON on the
// websocket stream, so external shells (GUI, scripts) consume the same
// shape the CLI renders.
type Event struct {
	Kind       EventKind `json:"kind"`
	SessionID  string    `json:"session_id"`
	LocalPath  string    `json:"local_path"`
	RemotePath string    `json:"remote_path"`
	BytesDone  int64     `json:"bytes_done"`
	TotalBytes int64     `json:"total_bytes"`
	Speed      float64   `json:"speed,omitempty"` // bytes per second, progress events only
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}
