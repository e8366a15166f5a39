package domain

import "time"

// ProctorSnapshot is a single JPEG still tied to the session. Write-once,
// delivered best-effort.
type ProctorSnapshot struct {
	ID             string
	SessionID      string
	Image          []byte
	Width          int
	Height         int
	TakenAt        time.Time
	CandidateToken string
	Reason         string
}
