package observability

import (
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

type PromObs struct {
	log      zerolog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the proctoring metrics on the default registerer and
// logs to stderr.
func NewPromObs(cfg LogConfig) *PromObs {
	return NewPromObsWithWriter(cfg, os.Stderr)
}

func NewPromObsWithWriter(cfg LogConfig, w io.Writer) *PromObs {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}

	counters := map[string]prometheus.Counter{
		"proctor_heartbeats_sent_total":   counter("proctor_heartbeats_sent_total", "Heartbeats acknowledged by the backend."),
		"proctor_heartbeats_failed_total": counter("proctor_heartbeats_failed_total", "Heartbeat deliveries that failed or timed out."),
		"proctor_chunks_uploaded_total":   counter("proctor_chunks_uploaded_total", "Video chunks acknowledged by the backend."),
		"proctor_chunks_failed_total":     counter("proctor_chunks_failed_total", "Video chunks dropped after a failed upload."),
		"proctor_snapshots_total":         counter("proctor_snapshots_total", "Snapshots delivered to the backend."),
		"proctor_recoveries_total":        counter("proctor_recoveries_total", "Camera recovery cycles that restarted the device."),
		"proctor_recovery_failures_total": counter("proctor_recovery_failures_total", "Camera recovery cycles that could not restart the device."),
		"proctor_journal_forwarded_total": counter("proctor_journal_forwarded_total", "Integrity events written to the audit sink."),
		"proctor_journal_dropped_total":   counter("proctor_journal_dropped_total", "Integrity events lost to journal or queue policies."),
	}
	gauges := map[string]prometheus.Gauge{
		"proctor_heartbeat_interval_seconds": gauge("proctor_heartbeat_interval_seconds", "Delay until the next scheduled heartbeat."),
		"proctor_recorded_bytes":             gauge("proctor_recorded_bytes", "Encoded bytes produced by the current recording."),
		"proctor_journal_size_bytes":         gauge("proctor_journal_size_bytes", "Size of the integrity journal on disk."),
		"proctor_journal_queue_length":       gauge("proctor_journal_queue_length", "Integrity events waiting to be forwarded."),
		"proctor_frame_age_seconds":          gauge("proctor_frame_age_seconds", "Age of the newest rendered camera frame."),
	}
	upload := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proctor_chunk_upload_seconds",
		Help:    "Latency of a single chunk upload.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	collectors := make([]prometheus.Collector, 0, len(counters)+len(gauges)+1)
	for _, c := range counters {
		collectors = append(collectors, c)
	}
	for _, g := range gauges {
		collectors = append(collectors, g)
	}
	collectors = append(collectors, upload)
	prometheus.MustRegister(collectors...)

	return &PromObs{
		log:      newLogger(cfg, w),
		counters: counters,
		gauges:   gauges,
		histos: map[string]prometheus.Observer{
			"proctor_chunk_upload_seconds": upload,
		},
	}
}

func newLogger(cfg LogConfig, w io.Writer) zerolog.Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Logger exposes the underlying zerolog logger for adapters that log directly.
func (p *PromObs) Logger() zerolog.Logger { return p.log }

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	withFields(p.log.Info(), fields).Msg(msg)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	withFields(p.log.Error().Err(err), fields).Msg(msg)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	withFields(p.log.WithLevel(zerolog.FatalLevel).Err(err), fields).Msg(msg)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDropped(id ports.JournalEntryID, e *domain.IntegrityEvent, err error) {
	p.IncCounter("proctor_journal_dropped_total", 1)
	ev := p.log.Warn().Err(err).Uint64("entry_id", uint64(id))
	if e != nil {
		ev = ev.Str("kind", string(e.Kind)).Str("session_id", e.SessionID)
	}
	ev.Msg("integrity event dropped")
}

func withFields(ev *zerolog.Event, fields []ports.Field) *zerolog.Event {
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	return ev
}

var _ ports.Observability = (*PromObs)(nil)
