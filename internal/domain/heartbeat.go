package domain

import "time"

// HealthStatus is the camera health verdict carried by each heartbeat.
type HealthStatus string

const (
	HealthIdle     HealthStatus = "idle"
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
)

// CameraDetails is the camera block of the heartbeat wire payload.
type CameraDetails struct {
	Visible     bool   `json:"visible"`
	Focus       bool   `json:"focus"`
	VideoTracks int    `json:"videoTracks"`
	AudioTracks int    `json:"audioTracks"`
	LiveTracks  int    `json:"liveTracks"`
	FrameAgeMs  *int64 `json:"frameAgeMs"`
	ReadyState  int    `json:"readyState"`
}

// HeartbeatRecord is ephemeral: a failed delivery is superseded by the next tick.
type HeartbeatRecord struct {
	SessionID   string         `json:"sessionId"`
	CandidateID string         `json:"candidateId,omitempty"`
	Timestamp   time.Time      `json:"ts"`
	PageURL     string         `json:"pageUrl"`
	Status      HealthStatus   `json:"status"`
	Camera      CameraDetails  `json:"camera"`
	Extra       map[string]any `json:"extra"`
}
