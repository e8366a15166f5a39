package proctor

import (
	"github.com/ghalamif/AegisProctor/internal/adapters/observability"
	"github.com/ghalamif/AegisProctor/internal/app/config"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

// Config re-exports the root configuration struct so embedding services can
// construct or modify it programmatically.
type Config = config.Config

type (
	// BackendConfig points the agent at the grading backend.
	BackendConfig = config.BackendConfig
	// SessionConfig carries the test and candidate identity.
	SessionConfig = config.SessionConfig
	// BackoffPolicy is the heartbeat rescheduling law.
	BackoffPolicy  = ports.BackoffPolicy
	RecorderConfig = config.RecorderConfig
	SnapshotConfig = config.SnapshotConfig
	CameraConfig   = config.CameraConfig
	// DisplayConfig is passed through to the surrounding exam UI.
	DisplayConfig = config.DisplayConfig
	// JournalConfig configures the on-disk integrity journal and its sink.
	JournalConfig = config.JournalConfig
	// JournalPolicy controls journal/queue thresholds.
	JournalPolicy  = ports.JournalPolicy
	PostgresConfig = config.PostgresConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	LogConfig     = observability.LogConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
