package models

import (
	"time"
)

// Status is the lifecycle state of a stream session
type Status string

// Session statuses
const (
	StatusRegistered Status = "registered"
	StatusReady      Status = "ready"
	StatusConsuming  Status = "consuming"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

func (s Status) String() string {
	return string(s)
}

// Session represents a staged upload waiting to be streamed
type Session struct {
	ID        string
	FilePath  string
	Filename  string
	Size      int64
	Status    Status
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionEvent is published on every session transition
type SessionEvent struct {
	EventID    string    `json:"event_id"`
	SessionID  string    `json:"session_id"`
	Status     Status    `json:"status"`
	Previous   Status    `json:"previous,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Filename   string    `json:"filename,omitempty"`
	Size       int64     `json:"size"`
	Frames     int       `json:"frames,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SessionRecord is the latest known state of a session as kept by the
// history stores. It outlives the in-memory session.
type SessionRecord struct {
	SessionID   string    `json:"stream_id"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	Size        int64     `json:"file_size"`
	Frames      int       `json:"frames"`
	Transitions int       `json:"transitions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Apply folds an event into the record. Events older than the record are
// counted but do not overwrite newer state; it reports whether the state
// changed.
func (r *SessionRecord) Apply(ev SessionEvent) bool {
	r.Transitions++
	if r.SessionID == "" {
		r.SessionID = ev.SessionID
		r.CreatedAt = ev.OccurredAt
	}
	if ev.OccurredAt.Before(r.CreatedAt) {
		r.CreatedAt = ev.OccurredAt
	}
	if !r.UpdatedAt.IsZero() && ev.OccurredAt.Before(r.UpdatedAt) {
		return false
	}

	r.Status = ev.Status
	r.UpdatedAt = ev.OccurredAt
	if ev.Reason != "" {
		r.Reason = ev.Reason
	}
	if ev.Filename != "" {
		r.Filename = ev.Filename
	}
	if ev.Size > 0 {
		r.Size = ev.Size
	}
	if ev.Frames > 0 {
		r.Frames = ev.Frames
	}
	return true
}
