package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ghalamif/AegisProctor/internal/adapters/observability"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

type Config struct {
	Backend   BackendConfig           `yaml:"backend"`
	Session   SessionConfig           `yaml:"session"`
	Heartbeat ports.BackoffPolicy     `yaml:"heartbeat"`
	Recorder  RecorderConfig          `yaml:"recorder"`
	Snapshot  SnapshotConfig          `yaml:"snapshot"`
	Camera    CameraConfig            `yaml:"camera"`
	Display   DisplayConfig           `yaml:"display"`
	Journal   JournalConfig           `yaml:"journal"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Log       observability.LogConfig `yaml:"log"`
}

type BackendConfig struct {
	BaseURL          string        `yaml:"base_url"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	UploadTimeout    time.Duration `yaml:"upload_timeout"`
}

// SessionConfig carries the identity supplied by the exam page.
type SessionConfig struct {
	TestID         string `yaml:"test_id"`
	CandidateID    string `yaml:"candidate_id"`
	CandidateToken string `yaml:"candidate_token"`
	PageURL        string `yaml:"page_url"`
}

type RecorderConfig struct {
	Timeslice   time.Duration `yaml:"timeslice"`
	JPEGQuality int           `yaml:"jpeg_quality"`
	MaxFPS      float64       `yaml:"max_fps"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

type SnapshotConfig struct {
	Interval    time.Duration `yaml:"interval"`
	JPEGQuality int           `yaml:"jpeg_quality"`
}

type CameraConfig struct {
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FrameRate float64 `yaml:"frame_rate"`
	// Driver selects the device adapter: "mediadevices" or "synthetic".
	Driver   string `yaml:"driver"`
	DeviceID string `yaml:"device_id"`
}

// DisplayConfig is passed through to the surrounding UI.
type DisplayConfig struct {
	PreviewWidth      int           `yaml:"preview_width"`
	PreviewHeight     int           `yaml:"preview_height"`
	PreviewPosition   string        `yaml:"preview_position"`
	EnforceFullscreen bool          `yaml:"enforce_fullscreen"`
	Watermark         bool          `yaml:"watermark"`
	NoticeTTL         time.Duration `yaml:"notice_ttl"`
}

type JournalConfig struct {
	Dir      string              `yaml:"dir"`
	Policy   ports.JournalPolicy `yaml:"policy"`
	Postgres PostgresConfig      `yaml:"postgres"`
}

// PostgresConfig is optional; an empty ConnString forwards events to the log.
type PostgresConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads YAML from disk, overlays PROCTOR_* environment variables (after
// loading any .env file next to the working directory), then applies defaults
// and validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	// A missing .env file is normal outside development.
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

const (
	EnvBackendURL     = "PROCTOR_BACKEND_URL"
	EnvTestID         = "PROCTOR_TEST_ID"
	EnvCandidateID    = "PROCTOR_CANDIDATE_ID"
	EnvCandidateToken = "PROCTOR_CANDIDATE_TOKEN"
	EnvLogLevel       = "PROCTOR_LOG_LEVEL"
	EnvMetricsAddr    = "PROCTOR_METRICS_ADDR"
	EnvCameraDriver   = "PROCTOR_CAMERA_DRIVER"
	EnvHeartbeat      = "PROCTOR_HEARTBEAT_INTERVAL"
	EnvFullscreen     = "PROCTOR_ENFORCE_FULLSCREEN"
)

func (c *Config) applyEnv() error {
	overrides := map[string]*string{
		EnvBackendURL:     &c.Backend.BaseURL,
		EnvTestID:         &c.Session.TestID,
		EnvCandidateID:    &c.Session.CandidateID,
		EnvCandidateToken: &c.Session.CandidateToken,
		EnvLogLevel:       &c.Log.Level,
		EnvMetricsAddr:    &c.Metrics.Addr,
		EnvCameraDriver:   &c.Camera.Driver,
	}
	for key, dst := range overrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvHeartbeat); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHeartbeat, err)
		}
		c.Heartbeat.Base = d
	}
	if v := os.Getenv(EnvFullscreen); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvFullscreen, err)
		}
		c.Display.EnforceFullscreen = b
	}
	return nil
}

func (c *Config) ApplyDefaults() {
	if c.Backend.RequestTimeout == 0 {
		c.Backend.RequestTimeout = 10 * time.Second
	}
	if c.Backend.HeartbeatTimeout == 0 {
		c.Backend.HeartbeatTimeout = 5 * time.Second
	}
	if c.Backend.UploadTimeout == 0 {
		c.Backend.UploadTimeout = 60 * time.Second
	}

	if c.Heartbeat.Base == 0 {
		c.Heartbeat.Base = 10 * time.Second
	}
	if c.Heartbeat.Ceiling == 0 {
		c.Heartbeat.Ceiling = 60 * time.Second
	}
	if c.Heartbeat.Multiplier == 0 {
		c.Heartbeat.Multiplier = 2
	}

	if c.Recorder.Timeslice == 0 {
		c.Recorder.Timeslice = 5 * time.Second
	}
	if c.Recorder.JPEGQuality == 0 {
		c.Recorder.JPEGQuality = 70
	}
	if c.Recorder.MaxFPS == 0 {
		c.Recorder.MaxFPS = 5
	}
	if c.Recorder.StopTimeout == 0 {
		c.Recorder.StopTimeout = 15 * time.Second
	}

	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = 60 * time.Second
	}
	if c.Snapshot.JPEGQuality == 0 {
		c.Snapshot.JPEGQuality = 80
	}

	if c.Camera.Width == 0 {
		c.Camera.Width = 640
	}
	if c.Camera.Height == 0 {
		c.Camera.Height = 480
	}
	if c.Camera.FrameRate == 0 {
		c.Camera.FrameRate = 15
	}
	if c.Camera.Driver == "" {
		c.Camera.Driver = "mediadevices"
	}

	if c.Display.PreviewWidth == 0 {
		c.Display.PreviewWidth = 220
	}
	if c.Display.PreviewHeight == 0 {
		c.Display.PreviewHeight = 165
	}
	if c.Display.PreviewPosition == "" {
		c.Display.PreviewPosition = "bottom-right"
	}
	if c.Display.NoticeTTL == 0 {
		c.Display.NoticeTTL = 4 * time.Second
	}

	if c.Journal.Dir == "" {
		c.Journal.Dir = "./data/journal"
	}
	if c.Journal.Policy.MaxJournalSizeBytes == 0 {
		c.Journal.Policy.MaxJournalSizeBytes = 64 << 20
	}
	if c.Journal.Policy.MaxQueueLen == 0 {
		c.Journal.Policy.MaxQueueLen = 10_000
	}
	if c.Journal.Policy.MaxBatchSize == 0 {
		c.Journal.Policy.MaxBatchSize = 100
	}
	if c.Journal.Policy.IdleSleep == 0 {
		c.Journal.Policy.IdleSleep = 250 * time.Millisecond
	}
	if c.Journal.Policy.OnJournalFull == "" {
		c.Journal.Policy.OnJournalFull = "drop"
	}
	if c.Journal.Policy.OnQueueFull == "" {
		c.Journal.Policy.OnQueueFull = "drop"
	}
	if c.Journal.Postgres.Table == "" {
		c.Journal.Postgres.Table = "integrity_events"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url %q is not an absolute URL", c.Backend.BaseURL)
	}
	if c.Heartbeat.Ceiling < c.Heartbeat.Base {
		return fmt.Errorf("heartbeat.max_interval must be >= heartbeat.interval")
	}
	if c.Heartbeat.Multiplier < 1 {
		return fmt.Errorf("heartbeat.multiplier must be >= 1")
	}
	if c.Snapshot.Interval <= c.Heartbeat.Base {
		return fmt.Errorf("snapshot.interval must be coarser than heartbeat.interval")
	}
	if c.Recorder.JPEGQuality < 1 || c.Recorder.JPEGQuality > 100 {
		return fmt.Errorf("recorder.jpeg_quality must be within 1..100")
	}
	if c.Snapshot.JPEGQuality < 1 || c.Snapshot.JPEGQuality > 100 {
		return fmt.Errorf("snapshot.jpeg_quality must be within 1..100")
	}
	switch c.Camera.Driver {
	case "mediadevices", "synthetic":
	default:
		return fmt.Errorf("camera.driver %q must be mediadevices or synthetic", c.Camera.Driver)
	}
	if c.Journal.Policy.MaxQueueLen <= 0 {
		return fmt.Errorf("journal.policy.max_queue_len must be > 0")
	}
	if c.Journal.Policy.MaxBatchSize <= 0 {
		return fmt.Errorf("journal.policy.max_batch_size must be > 0")
	}
	if c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	return nil
}
