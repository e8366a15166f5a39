package domain

import "time"

// EventKind names an integrity-relevant occurrence during a session.
type EventKind string

const (
	EventSessionStarted       EventKind = "session_started"
	EventPageHidden           EventKind = "page_hidden"
	EventPageVisible          EventKind = "page_visible"
	EventWindowBlur           EventKind = "window_blur"
	EventWindowFocus          EventKind = "window_focus"
	EventScreenshotKey        EventKind = "screenshot_key"
	EventFullscreenExit       EventKind = "fullscreen_exit"
	EventCameraRecovered      EventKind = "camera_recovered"
	EventCameraRecoveryFailed EventKind = "camera_recovery_failed"
	EventSessionEnded         EventKind = "session_ended"
)

// IntegrityEvent is the canonical unit written to the integrity journal.
type IntegrityEvent struct {
	Kind        EventKind `json:"kind"`
	SessionID   string    `json:"session_id"`
	CandidateID string    `json:"candidate_id"`
	At          time.Time `json:"at"`
	Seq         uint64    `json:"seq"`
	Detail      string    `json:"detail,omitempty"`
}
