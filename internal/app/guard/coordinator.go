// Package guard coordinates one proctored exam attempt: it starts the backend
// session, binds the camera, recorder, heartbeat and watchdog to it, reacts to
// page signals and tears everything down exactly once.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/AegisProctor/internal/adapters/observability"
	"github.com/ghalamif/AegisProctor/internal/app/camera"
	"github.com/ghalamif/AegisProctor/internal/app/freshness"
	"github.com/ghalamif/AegisProctor/internal/app/heartbeat"
	"github.com/ghalamif/AegisProctor/internal/app/recorder"
	"github.com/ghalamif/AegisProctor/internal/app/watchdog"
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

type Phase string

const (
	PhaseUnstarted Phase = "unstarted"
	PhaseStarting  Phase = "starting"
	PhaseActive    Phase = "active"
	PhaseEnding    Phase = "ending"
	PhaseEnded     Phase = "ended"
)

const ReasonUnload = "page_unload"

var (
	ErrNotStartable = errors.New("session cannot be started in its current phase")
	ErrStartAborted = errors.New("session ended while it was starting")
)

// Deps are the components a Coordinator drives. Camera, Backend and Page are
// required; the rest may be nil.
type Deps struct {
	Camera     *camera.Controller
	Frames     *freshness.Tracker
	Heartbeat  *heartbeat.Reporter
	Recorder   *recorder.Pipeline
	Watchdog   *watchdog.Watchdog
	Backend    ports.Backend
	Page       ports.PageMonitor
	Notifier   ports.Notifier
	Clipboard  ports.Clipboard
	Fullscreen ports.Fullscreen
	// Journal receives integrity events in the order they happen.
	Journal func(domain.IntegrityEvent)
	Obs     ports.Observability
}

type Options struct {
	TestID         string
	CandidateID    string
	CandidateToken string
	PageURL        string

	SnapshotInterval  time.Duration
	SnapshotQuality   int
	EnforceFullscreen bool
	Watermark         string
	NoticeTTL         time.Duration
	RequestTimeout    time.Duration
	StopTimeout       time.Duration
}

// StartReport describes each start step separately so a failed session start
// still tells the candidate what the camera is doing.
type StartReport struct {
	Camera     domain.CameraResult
	Session    domain.ProctorSession
	SessionErr error
	Recording  bool
}

type counters struct {
	TabHidden      int
	WindowBlur     int
	ScreenshotKey  int
	FullscreenExit int
	Snapshots      int
	Recoveries     int
}

type Coordinator struct {
	deps Deps
	opts Options
	obs  ports.Observability

	// bindMu is held while Start wires components to a new session and while
	// RetryCamera reopens the device, so teardown never runs in the middle.
	bindMu sync.Mutex

	mu          sync.Mutex
	phase       Phase
	session     domain.ProctorSession
	endReason   string
	cancelStart context.CancelFunc
	counts      counters
	unsubscribe func()
	snapStop    chan struct{}
	snapDone    chan struct{}

	endOnce sync.Once
	endErr  error
	ended   chan struct{}
}

func New(deps Deps, opts Options) *Coordinator {
	obs := deps.Obs
	if obs == nil {
		obs = observability.Nop{}
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = time.Minute
	}
	if opts.NoticeTTL <= 0 {
		opts.NoticeTTL = 4 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 15 * time.Second
	}

	c := &Coordinator{
		deps:  deps,
		opts:  opts,
		obs:   obs,
		phase: PhaseUnstarted,
		ended: make(chan struct{}),
	}

	deps.Camera.OnStreamChange(c.onStreamChange)
	if deps.Watchdog != nil {
		deps.Watchdog.OnRecovery(c.onRecovery)
	}
	if deps.Recorder != nil {
		deps.Recorder.OnError(func(err error) { obs.LogError("recorder_error", err) })
	}
	if deps.Heartbeat != nil {
		deps.Heartbeat.SetExtra(c.extra)
		deps.Heartbeat.OnStatusChange(func(s domain.HealthStatus) {
			obs.LogInfo("health_status_changed", ports.Field{Key: "status", Value: string(s)})
		})
	}
	return c
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) Session() domain.ProctorSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Done is closed once teardown has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.ended }

func (c *Coordinator) onStreamChange(s ports.Stream, sink ports.PreviewSink) {
	if c.deps.Frames != nil && sink != nil {
		c.deps.Frames.Attach(sink)
	}
	if c.deps.Heartbeat != nil {
		c.deps.Heartbeat.SetMedia(s, sink)
	}
}

// Start opens the camera, starts the backend session and binds the recorder,
// heartbeat, watchdog and snapshot loop to it. A missing identity or a failed
// session request returns an error, leaves the camera open and allows Start to
// be called again.
func (c *Coordinator) Start(ctx context.Context) (*StartReport, error) {
	c.mu.Lock()
	if c.phase != PhaseUnstarted {
		phase := c.phase
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotStartable, phase)
	}
	c.phase = PhaseStarting
	ctx, cancel := context.WithCancel(ctx)
	c.cancelStart = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelStart = nil
		c.mu.Unlock()
		cancel()
	}()

	report := &StartReport{}

	report.Camera = c.deps.Camera.Open(ctx)
	if !report.Camera.OK {
		c.notifyError(report.Camera.Message)
	}

	sess, err := c.startSession(ctx)
	if err != nil {
		c.mu.Lock()
		aborted := c.phase != PhaseStarting
		if !aborted {
			c.phase = PhaseUnstarted
		}
		c.mu.Unlock()
		if aborted {
			c.abortStart(domain.ProctorSession{})
			return report, ErrStartAborted
		}
		report.SessionErr = err
		c.notifyError("The proctoring session could not be started: " + err.Error())
		c.obs.LogError("session_start_failed", err)
		return report, err
	}
	report.Session = sess

	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	c.mu.Lock()
	if c.phase != PhaseStarting {
		c.mu.Unlock()
		c.abortStart(sess)
		return report, ErrStartAborted
	}
	c.session = sess
	c.phase = PhaseActive
	c.mu.Unlock()

	if c.deps.Heartbeat != nil {
		c.deps.Heartbeat.SetIdentity(heartbeat.Identity{
			SessionID:   sess.SessionID,
			CandidateID: sess.CandidateID,
			PageURL:     c.opts.PageURL,
		})
	}
	if c.deps.Recorder != nil {
		c.deps.Recorder.SetBinding(recorder.Binding{
			SessionID:      sess.SessionID,
			TestID:         sess.TestID,
			CandidateID:    sess.CandidateID,
			CandidateToken: sess.CandidateToken,
		})
		if stream := c.deps.Camera.Stream(); stream != nil {
			report.Recording = c.deps.Recorder.Start(stream)
		}
		if !report.Recording {
			c.notifyError("Recording could not be started.")
		}
	}
	if c.deps.Heartbeat != nil {
		c.deps.Heartbeat.Start(context.WithoutCancel(ctx))
	}
	if c.deps.Watchdog != nil {
		c.deps.Watchdog.Run(context.WithoutCancel(ctx))
	}

	unsubscribe := c.deps.Page.Subscribe(c.onPageEvent)
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	c.startSnapshots()
	if c.opts.EnforceFullscreen && c.deps.Fullscreen != nil {
		if err := c.deps.Fullscreen.Request(ctx); err != nil {
			c.obs.LogError("fullscreen_request_refused", err)
		}
	}

	c.record(domain.EventSessionStarted, "")
	c.obs.LogInfo("session_started",
		ports.Field{Key: "session_id", Value: sess.SessionID},
		ports.Field{Key: "test_id", Value: sess.TestID},
		ports.Field{Key: "camera", Value: string(report.Camera.Status)},
		ports.Field{Key: "recording", Value: report.Recording},
	)
	return report, nil
}

// abortStart releases what a Start overtaken by teardown acquired after the
// teardown had already run.
func (c *Coordinator) abortStart(sess domain.ProctorSession) {
	c.mu.Lock()
	reason := c.endReason
	c.mu.Unlock()

	c.deps.Camera.Close()
	if c.deps.Frames != nil {
		c.deps.Frames.Detach()
	}
	if sess.Started() {
		c.deps.Backend.EndSessionBeacon(ports.EndSessionRequest{
			SessionID:      sess.SessionID,
			Reason:         reason,
			CandidateToken: sess.CandidateToken,
		})
	}
	c.obs.LogInfo("session_start_aborted",
		ports.Field{Key: "session_id", Value: sess.SessionID},
		ports.Field{Key: "reason", Value: reason},
	)
}

func (c *Coordinator) startSession(ctx context.Context) (domain.ProctorSession, error) {
	if c.opts.TestID == "" || c.opts.CandidateID == "" {
		var missing []string
		if c.opts.TestID == "" {
			missing = append(missing, "test id")
		}
		if c.opts.CandidateID == "" {
			missing = append(missing, "candidate id")
		}
		return domain.ProctorSession{}, fmt.Errorf("%w: missing %v", ports.ErrMissingIdentity, missing)
	}

	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	resp, err := c.deps.Backend.StartSession(rctx, ports.StartSessionRequest{
		TestID:      c.opts.TestID,
		CandidateID: c.opts.CandidateID,
		Token:       c.opts.CandidateToken,
	})
	if err != nil {
		return domain.ProctorSession{}, fmt.Errorf("start session: %w", err)
	}
	if resp.SessionID == "" {
		return domain.ProctorSession{}, fmt.Errorf("start session: backend returned no session id")
	}
	startedAt := resp.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return domain.ProctorSession{
		SessionID:      resp.SessionID,
		TestID:         c.opts.TestID,
		CandidateID:    c.opts.CandidateID,
		CandidateToken: c.opts.CandidateToken,
		StartedAt:      startedAt,
	}, nil
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Coordinator) notifyError(msg string) {
	if c.deps.Notifier != nil && msg != "" {
		c.deps.Notifier.Error(msg)
	}
}

func (c *Coordinator) notice(msg string) {
	if c.deps.Notifier != nil {
		c.deps.Notifier.Notice(msg, c.opts.NoticeTTL)
	}
}

func (c *Coordinator) record(kind domain.EventKind, detail string) {
	if c.deps.Journal == nil {
		return
	}
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	c.deps.Journal(domain.IntegrityEvent{
		Kind:        kind,
		SessionID:   sess.SessionID,
		CandidateID: sess.CandidateID,
		At:          time.Now().UTC(),
		Detail:      detail,
	})
}

func (c *Coordinator) onPageEvent(ev ports.PageEvent) {
	switch ev.Kind {
	case ports.PageVisibilityChange:
		if ev.State.Visible {
			c.record(domain.EventPageVisible, "")
			return
		}
		c.bump(func(n *counters) { n.TabHidden++ })
		c.record(domain.EventPageHidden, "")
		c.SnapshotAsync("tab_hidden")
	case ports.PageBlur:
		c.bump(func(n *counters) { n.WindowBlur++ })
		c.record(domain.EventWindowBlur, "")
		c.SnapshotAsync("window_blur")
	case ports.PageFocus:
		c.record(domain.EventWindowFocus, "")
	case ports.PageScreenshotKey:
		c.bump(func(n *counters) { n.ScreenshotKey++ })
		c.record(domain.EventScreenshotKey, ev.Key)
		c.scrubClipboard()
		c.notice("Screenshots are not allowed during the test.")
		c.SnapshotAsync("screenshot_key")
	case ports.PageFullscreenExit:
		c.bump(func(n *counters) { n.FullscreenExit++ })
		c.record(domain.EventFullscreenExit, "")
		if c.opts.EnforceFullscreen && c.deps.Fullscreen != nil {
			c.notice("Please stay in fullscreen mode during the test.")
			go c.requestFullscreen()
		}
	case ports.PageHide, ports.PageUnload:
		go func() { _ = c.HandleUnload() }()
	}
}

func (c *Coordinator) bump(fn func(*counters)) {
	c.mu.Lock()
	fn(&c.counts)
	c.mu.Unlock()
}

func (c *Coordinator) scrubClipboard() {
	if c.deps.Clipboard == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if err := c.deps.Clipboard.Clear(ctx); err != nil {
		c.obs.LogError("clipboard_scrub_failed", err)
	}
}

func (c *Coordinator) requestFullscreen() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if err := c.deps.Fullscreen.Request(ctx); err != nil {
		c.obs.LogError("fullscreen_request_refused", err)
	}
}

// extra is the integrity summary attached to every heartbeat.
func (c *Coordinator) extra() map[string]any {
	c.mu.Lock()
	n := c.counts
	c.mu.Unlock()

	m := map[string]any{
		"tabHidden":      n.TabHidden,
		"windowBlur":     n.WindowBlur,
		"screenshotKey":  n.ScreenshotKey,
		"fullscreenExit": n.FullscreenExit,
		"snapshots":      n.Snapshots,
		"recoveries":     n.Recoveries,
	}
	if c.deps.Recorder != nil {
		m["recorder"] = string(c.deps.Recorder.State())
		m["recordedBytes"] = c.deps.Recorder.RecordedSize()
	}
	if c.opts.Watermark != "" {
		m["watermark"] = c.opts.Watermark
	}
	return m
}

func (c *Coordinator) onRecovery(o watchdog.Outcome) {
	if o.OK {
		c.bump(func(n *counters) { n.Recoveries++ })
		c.record(domain.EventCameraRecovered, "")
		return
	}
	c.record(domain.EventCameraRecoveryFailed, string(o.Result.Status))
}

// RetryCamera is the manual re-open offered after automatic recovery gave up.
// Once teardown has begun it only reports the camera status.
func (c *Coordinator) RetryCamera(ctx context.Context) domain.CameraResult {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	if p := c.Phase(); p == PhaseEnding || p == PhaseEnded {
		return c.deps.Camera.Status()
	}

	if c.deps.Watchdog != nil {
		c.deps.Watchdog.Reset()
	}
	rec := c.deps.Recorder
	if rec != nil && rec.IsActive() {
		sctx, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
		if err := rec.Stop(sctx); err != nil {
			c.obs.LogError("retry_recorder_stop_failed", err)
		}
		cancel()
	}

	res := c.deps.Camera.Restart(ctx)
	if !res.OK {
		c.notifyError(res.Message)
		c.record(domain.EventCameraRecoveryFailed, string(res.Status))
		return res
	}
	c.record(domain.EventCameraRecovered, "manual")
	if rec != nil && c.Phase() == PhaseActive {
		rec.Start(c.deps.Camera.Stream())
	}
	c.notice("Camera restarted.")
	return res
}

// End tears the session down. It runs once; later calls return the first
// result.
func (c *Coordinator) End(ctx context.Context, reason string) error {
	return c.teardown(ctx, reason, false)
}

// HandleUnload runs the same teardown as End with delivery that does not
// depend on the caller staying alive.
func (c *Coordinator) HandleUnload() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
	defer cancel()
	return c.teardown(ctx, ReasonUnload, true)
}

func (c *Coordinator) teardown(ctx context.Context, reason string, unload bool) error {
	c.endOnce.Do(func() {
		c.endErr = c.runTeardown(ctx, reason, unload)
		close(c.ended)
	})
	<-c.ended
	return c.endErr
}

func (c *Coordinator) runTeardown(ctx context.Context, reason string, unload bool) error {
	c.bindMu.Lock()
	c.mu.Lock()
	c.phase = PhaseEnding
	c.endReason = reason
	sess := c.session
	unsubscribe := c.unsubscribe
	cancelStart := c.cancelStart
	c.unsubscribe = nil
	c.mu.Unlock()
	c.bindMu.Unlock()

	// A Start still waiting on the backend gives up and releases what it holds.
	if cancelStart != nil {
		cancelStart()
	}

	var errs []error

	if c.deps.Watchdog != nil {
		c.deps.Watchdog.Stop()
	}
	c.stopSnapshots()
	if unsubscribe != nil {
		unsubscribe()
	}

	if c.deps.Recorder != nil {
		sctx, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
		if err := c.deps.Recorder.Stop(sctx); err != nil && !errors.Is(err, ports.ErrNoUploadID) {
			errs = append(errs, fmt.Errorf("stop recorder: %w", err))
		}
		cancel()
	}

	if sess.Started() {
		req := ports.EndSessionRequest{SessionID: sess.SessionID, Reason: reason, CandidateToken: sess.CandidateToken}
		if unload {
			c.deps.Backend.EndSessionBeacon(req)
		} else {
			rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
			if err := c.deps.Backend.EndSession(rctx, req); err != nil {
				errs = append(errs, fmt.Errorf("end session: %w", err))
			}
			cancel()
		}
	}

	if c.deps.Heartbeat != nil {
		c.deps.Heartbeat.Stop()
	}
	c.deps.Camera.Close()
	if c.deps.Frames != nil {
		c.deps.Frames.Detach()
	}
	if c.opts.EnforceFullscreen && c.deps.Fullscreen != nil && c.deps.Fullscreen.Active() {
		if err := c.deps.Fullscreen.Exit(ctx); err != nil {
			errs = append(errs, fmt.Errorf("exit fullscreen: %w", err))
		}
	}

	if sess.Started() {
		c.record(domain.EventSessionEnded, reason)
	}
	c.setPhase(PhaseEnded)

	err := errors.Join(errs...)
	if err != nil {
		c.obs.LogError("session_teardown_incomplete", err, ports.Field{Key: "reason", Value: reason})
	} else {
		c.obs.LogInfo("session_ended",
			ports.Field{Key: "session_id", Value: sess.SessionID},
			ports.Field{Key: "reason", Value: reason},
		)
	}
	return err
}
