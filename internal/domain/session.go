package domain

import "time"

// ProctorSession identifies one monitored exam attempt. SessionID stays empty
// until the backend accepts the start request.
type ProctorSession struct {
	SessionID      string    `json:"session_id"`
	TestID         string    `json:"test_id"`
	CandidateID    string    `json:"candidate_id"`
	CandidateToken string    `json:"-"`
	StartedAt      time.Time `json:"started_at"`
}

// Started reports whether the backend assigned a session id.
func (s ProctorSession) Started() bool { return s.SessionID != "" }
