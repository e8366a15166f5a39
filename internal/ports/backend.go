package ports

import (
	"context"
	"time"

	"github.com/ghalamif/AegisProctor/internal/domain"
)

type StartSessionRequest struct {
	TestID      string `json:"test_id"`
	CandidateID string `json:"candidate_id"`
	Token       string `json:"token,omitempty"`
}

type StartSessionResponse struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

type EndSessionRequest struct {
	SessionID      string `json:"session_id"`
	Reason         string `json:"reason"`
	CandidateToken string `json:"candidate_token,omitempty"`
}

// HeartbeatTransport delivers health telemetry. Beacon must not block and
// must survive cancellation of the caller's context.
type HeartbeatTransport interface {
	Heartbeat(ctx context.Context, rec domain.HeartbeatRecord) error
	HeartbeatBeacon(rec domain.HeartbeatRecord)
}

type ChunkUploader interface {
	UploadChunk(ctx context.Context, c domain.Chunk) (uploadID string, err error)
	FinalizeUpload(ctx context.Context, req domain.FinalizeRequest) error
}

// Backend is the remote grading backend boundary.
type Backend interface {
	HeartbeatTransport
	ChunkUploader
	StartSession(ctx context.Context, req StartSessionRequest) (StartSessionResponse, error)
	Snapshot(ctx context.Context, s domain.ProctorSnapshot) error
	EndSession(ctx context.Context, req EndSessionRequest) error
	EndSessionBeacon(req EndSessionRequest)
}
