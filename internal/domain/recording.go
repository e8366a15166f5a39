package domain

import "time"

// RecorderState is the upload pipeline state machine.
type RecorderState string

const (
	RecorderIdle      RecorderState = "idle"
	RecorderRecording RecorderState = "recording"
	RecorderStopping  RecorderState = "stopping"
	RecorderError     RecorderState = "error"
)

// Chunk is one time-bounded encoded segment tagged with the session identity.
// UploadID is empty until the backend acknowledged the first chunk.
type Chunk struct {
	ID             string
	Seq            uint64
	Data           []byte
	MimeType       string
	CapturedAt     time.Time
	SessionID      string
	TestID         string
	CandidateID    string
	CandidateToken string
	UploadID       string
}

// FinalizeRequest closes a chunked upload on the backend.
type FinalizeRequest struct {
	UploadID       string
	SessionID      string
	TestID         string
	CandidateID    string
	CandidateToken string
	UploadedAt     time.Time
}
