package proctor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ghalamif/AegisProctor/internal/adapters/backend"
	"github.com/ghalamif/AegisProctor/internal/adapters/encoder"
	"github.com/ghalamif/AegisProctor/internal/adapters/headless"
	"github.com/ghalamif/AegisProctor/internal/adapters/journal"
	"github.com/ghalamif/AegisProctor/internal/adapters/mediadev"
	"github.com/ghalamif/AegisProctor/internal/adapters/observability"
	"github.com/ghalamif/AegisProctor/internal/adapters/preview"
	"github.com/ghalamif/AegisProctor/internal/adapters/queue"
	"github.com/ghalamif/AegisProctor/internal/adapters/sink"
	"github.com/ghalamif/AegisProctor/internal/adapters/synthetic"
	"github.com/ghalamif/AegisProctor/internal/app/camera"
	"github.com/ghalamif/AegisProctor/internal/app/freshness"
	"github.com/ghalamif/AegisProctor/internal/app/guard"
	"github.com/ghalamif/AegisProctor/internal/app/heartbeat"
	"github.com/ghalamif/AegisProctor/internal/app/recorder"
	"github.com/ghalamif/AegisProctor/internal/app/watchdog"
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

const (
	// ReasonShutdown is sent to the backend when the host process stops the agent.
	ReasonShutdown = "agent_shutdown"
	// ReasonUnload is sent when the exam page goes away.
	ReasonUnload = guard.ReasonUnload
)

// Option customizes the dependencies used by Runtime.
type Option func(*runtimeOverrides)

type runtimeOverrides struct {
	device        Device
	preview       PreviewSink
	encoder       MediaEncoder
	backend       Backend
	page          PageMonitor
	notifier      Notifier
	clipboard     Clipboard
	fullscreen    Fullscreen
	journal       Journal
	queue         EventQueue
	sink          EventSink
	observability Observability
}

// WithDevice injects a capture device (a virtual camera, a test double).
func WithDevice(d Device) Option {
	return func(o *runtimeOverrides) {
		o.device = d
	}
}

// WithPreviewSink replaces the in-process frame sink.
func WithPreviewSink(s PreviewSink) Option {
	return func(o *runtimeOverrides) {
		o.preview = s
	}
}

// WithEncoder swaps the MJPEG encoder for another segment encoder.
func WithEncoder(e MediaEncoder) Option {
	return func(o *runtimeOverrides) {
		o.encoder = e
	}
}

// WithBackend points the agent at a custom backend implementation instead of
// the HTTP client.
func WithBackend(b Backend) Option {
	return func(o *runtimeOverrides) {
		o.backend = b
	}
}

// WithPageMonitor wires the exam page signals. Without it the runtime uses a
// headless page that only changes when driven through Page.
func WithPageMonitor(p PageMonitor) Option {
	return func(o *runtimeOverrides) {
		o.page = p
	}
}

func WithNotifier(n Notifier) Option {
	return func(o *runtimeOverrides) {
		o.notifier = n
	}
}

func WithClipboard(c Clipboard) Option {
	return func(o *runtimeOverrides) {
		o.clipboard = c
	}
}

func WithFullscreen(f Fullscreen) Option {
	return func(o *runtimeOverrides) {
		o.fullscreen = f
	}
}

// WithJournal lets callers bring their own journal or reuse an open one. The
// runtime does not close a journal it did not open.
func WithJournal(j Journal) Option {
	return func(o *runtimeOverrides) {
		o.journal = j
	}
}

func WithEventQueue(q EventQueue) Option {
	return func(o *runtimeOverrides) {
		o.queue = q
	}
}

// WithEventSink sends integrity events to a custom sink instead of Postgres
// or the log.
func WithEventSink(s EventSink) Option {
	return func(o *runtimeOverrides) {
		o.sink = s
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) Option {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// Runtime wires camera → recorder/heartbeat/watchdog → session coordinator,
// plus the integrity journal, and exposes lifecycle hooks for embedding the
// agent inside any Go service.
type Runtime struct {
	cfg       *Config
	obs       ports.Observability
	backend   ports.Backend
	page      ports.PageMonitor
	notifier  ports.Notifier
	camera    *camera.Controller
	frames    *freshness.Tracker
	heartbeat *heartbeat.Reporter
	recorder  *recorder.Pipeline
	watchdog  *watchdog.Watchdog
	guard     *guard.Coordinator
	publisher *Publisher
	db        *sql.DB

	metricsOnce sync.Once
	metricsSrv  *http.Server
	gaugeStopCh chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewRuntime bootstraps the default adapters (pion camera, MJPEG encoder,
// HTTP backend client, file journal, Postgres or log sink, Prometheus
// observability). Option values override any dependency.
func NewRuntime(cfg *Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	obs := overrides.observability
	if obs == nil {
		obs = observability.NewPromObs(cfg.Log)
	}

	be := overrides.backend
	if be == nil {
		client, err := backend.New(cfg.Backend.BaseURL,
			backend.WithToken(cfg.Session.CandidateToken),
			backend.WithBeaconTimeout(cfg.Backend.RequestTimeout),
			backend.WithObservability(obs))
		if err != nil {
			return nil, err
		}
		be = client
	}

	dev := overrides.device
	if dev == nil {
		switch cfg.Camera.Driver {
		case "synthetic":
			dev = synthetic.NewDevice(cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FrameRate)
		default:
			dev = mediadev.Device{DeviceID: cfg.Camera.DeviceID}
		}
	}

	view := overrides.preview
	if view == nil {
		view = preview.New()
	}

	enc := overrides.encoder
	if enc == nil {
		enc = encoder.MJPEG{Quality: cfg.Recorder.JPEGQuality, MaxFPS: cfg.Recorder.MaxFPS}
	}

	page := overrides.page
	if page == nil {
		page = headless.NewPage(cfg.Session.PageURL)
	}
	notifier := overrides.notifier
	if notifier == nil {
		notifier = headless.NewNotifier(loggerFor(obs))
	}
	clip := overrides.clipboard
	if clip == nil {
		clip = &headless.Clipboard{}
	}
	full := overrides.fullscreen
	if full == nil {
		full = &headless.Fullscreen{}
	}

	pub, db, err := newJournalPublisher(cfg, overrides, obs)
	if err != nil {
		return nil, err
	}

	cam := camera.NewController(dev, view, ports.Constraints{
		Width:     cfg.Camera.Width,
		Height:    cfg.Camera.Height,
		FrameRate: cfg.Camera.FrameRate,
	}, obs)
	frames := freshness.NewTracker()
	hb := heartbeat.NewReporter(be, page, frames, cfg.Heartbeat, cfg.Backend.HeartbeatTimeout, obs)
	rec := recorder.NewPipeline(enc, be, recorder.Options{
		Timeslice:     cfg.Recorder.Timeslice,
		UploadTimeout: cfg.Backend.UploadTimeout,
	}, obs)
	wd := watchdog.New(cam, frames, rec, hb, page, notifier, watchdog.Options{
		Interval:    cfg.Heartbeat.Base,
		StaleAfter:  freshness.StaleThreshold(cfg.Heartbeat.Base),
		StopTimeout: cfg.Recorder.StopTimeout,
		NoticeTTL:   cfg.Display.NoticeTTL,
	}, obs)

	var watermark string
	if cfg.Display.Watermark {
		watermark = cfg.Session.CandidateID
	}

	g := guard.New(guard.Deps{
		Camera:     cam,
		Frames:     frames,
		Heartbeat:  hb,
		Recorder:   rec,
		Watchdog:   wd,
		Backend:    be,
		Page:       page,
		Notifier:   notifier,
		Clipboard:  clip,
		Fullscreen: full,
		Journal: func(e domain.IntegrityEvent) {
			if err := pub.publish(&e); err != nil {
				obs.LogError("integrity_event_dropped", err, ports.Field{Key: "kind", Value: string(e.Kind)})
			}
		},
		Obs: obs,
	}, guard.Options{
		TestID:            cfg.Session.TestID,
		CandidateID:       cfg.Session.CandidateID,
		CandidateToken:    cfg.Session.CandidateToken,
		PageURL:           cfg.Session.PageURL,
		SnapshotInterval:  cfg.Snapshot.Interval,
		SnapshotQuality:   cfg.Snapshot.JPEGQuality,
		EnforceFullscreen: cfg.Display.EnforceFullscreen,
		Watermark:         watermark,
		NoticeTTL:         cfg.Display.NoticeTTL,
		RequestTimeout:    cfg.Backend.RequestTimeout,
		StopTimeout:       cfg.Recorder.StopTimeout,
	})

	return &Runtime{
		cfg:       cfg,
		obs:       obs,
		backend:   be,
		page:      page,
		notifier:  notifier,
		camera:    cam,
		frames:    frames,
		heartbeat: hb,
		recorder:  rec,
		watchdog:  wd,
		guard:     g,
		publisher: pub,
		db:        db,
	}, nil
}

func newJournalPublisher(cfg *Config, o runtimeOverrides, obs ports.Observability) (*Publisher, *sql.DB, error) {
	var (
		j   = o.journal
		own bool
		err error
	)
	if j == nil {
		j, err = journal.Open(cfg.Journal.Dir)
		if err != nil {
			return nil, nil, err
		}
		own = true
	}

	q := o.queue
	if q == nil {
		q = queue.NewMemQueue(cfg.Journal.Policy.MaxQueueLen)
	}

	var (
		db  *sql.DB
		snk = o.sink
	)
	if snk == nil {
		if cfg.Journal.Postgres.ConnString != "" {
			db, err = sql.Open("postgres", cfg.Journal.Postgres.ConnString)
			if err != nil {
				if own {
					_ = j.Close()
				}
				return nil, nil, err
			}
			snk = sink.NewPostgresSink(db, cfg.Journal.Postgres.Table)
		} else {
			snk = sink.NewLogSink(obs)
		}
	}

	pub, err := startPublisher(cfg.Journal.Policy, j, q, snk, obs, own)
	if err != nil {
		if own {
			_ = j.Close()
		}
		if db != nil {
			_ = db.Close()
		}
		return nil, nil, err
	}
	return pub, db, nil
}

// Start launches the metrics server and starts the proctored session. A
// failed session start returns the partial report and an error; Start may be
// called again once the cause is fixed.
func (r *Runtime) Start(ctx context.Context) (*StartReport, error) {
	if r == nil {
		return nil, fmt.Errorf("runtime is nil")
	}
	r.metricsOnce.Do(r.startMetrics)
	return r.guard.Start(ctx)
}

// Run starts the runtime and blocks until the context is cancelled or the
// session ends, then shuts down gracefully.
func (r *Runtime) Run(ctx context.Context) error {
	if _, err := r.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout())
		defer cancel()
		return errors.Join(err, r.Shutdown(shutdownCtx))
	}

	select {
	case <-ctx.Done():
	case <-r.guard.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout())
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

func (r *Runtime) shutdownTimeout() time.Duration {
	return r.cfg.Recorder.StopTimeout + r.cfg.Backend.RequestTimeout + 5*time.Second
}

// End finishes the session with the given reason. It is safe to call more
// than once.
func (r *Runtime) End(ctx context.Context, reason string) error {
	return r.guard.End(ctx, reason)
}

// RetryCamera re-opens the camera after a failed automatic recovery.
func (r *Runtime) RetryCamera(ctx context.Context) CameraResult {
	return r.guard.RetryCamera(ctx)
}

// Publish records a caller-defined integrity event in the journal.
func (r *Runtime) Publish(ev Event) error {
	return r.publisher.Publish(ev)
}

func (r *Runtime) Phase() Phase                      { return r.guard.Phase() }
func (r *Runtime) Session() domain.ProctorSession    { return r.guard.Session() }
func (r *Runtime) Done() <-chan struct{}             { return r.guard.Done() }
func (r *Runtime) Page() PageMonitor                 { return r.page }
func (r *Runtime) HealthStatus() domain.HealthStatus { return r.heartbeat.Status() }
func (r *Runtime) JournalStats() JournalStats        { return r.publisher.Stats() }

// Shutdown ends the session if still running, drains the journal and stops
// the metrics server and DB connection.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.shutdownErr = r.shutdown(ctx)
	})
	return r.shutdownErr
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var errs []error

	if err := r.guard.End(ctx, ReasonShutdown); err != nil {
		errs = append(errs, err)
	}

	if f, ok := r.backend.(interface{ Flush(context.Context) error }); ok {
		if err := f.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush beacons: %w", err))
		}
	}

	if err := r.publisher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}

	// Settles any concurrent Start and keeps a later one from serving metrics.
	r.metricsOnce.Do(func() {})
	if r.gaugeStopCh != nil {
		close(r.gaugeStopCh)
	}

	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *Runtime) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.heartbeat.Status()))
	})

	r.metricsSrv = &http.Server{
		Addr:              r.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogError("metrics_server_exited", err)
		}
	}()

	r.gaugeStopCh = make(chan struct{})
	go r.recordResourceGauges(r.gaugeStopCh, time.Second)
}

func (r *Runtime) recordResourceGauges(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			stats := r.publisher.Stats()
			r.obs.SetGauge("proctor_journal_size_bytes", float64(stats.SizeBytes))
			r.obs.SetGauge("proctor_journal_queue_length", float64(r.publisher.Pending()))
			if age, ok := r.frames.FrameAge(); ok {
				r.obs.SetGauge("proctor_frame_age_seconds", age.Seconds())
			}
		}
	}
}

func loggerFor(obs ports.Observability) zerolog.Logger {
	if l, ok := obs.(interface{ Logger() zerolog.Logger }); ok {
		return l.Logger()
	}
	return zerolog.Nop()
}
