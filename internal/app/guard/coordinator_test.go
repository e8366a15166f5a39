package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ghalamif/AegisProctor/internal/adapters/encoder"
	"github.com/ghalamif/AegisProctor/internal/adapters/headless"
	"github.com/ghalamif/AegisProctor/internal/adapters/preview"
	"github.com/ghalamif/AegisProctor/internal/adapters/synthetic"
	"github.com/ghalamif/AegisProctor/internal/app/camera"
	"github.com/ghalamif/AegisProctor/internal/app/freshness"
	"github.com/ghalamif/AegisProctor/internal/app/heartbeat"
	"github.com/ghalamif/AegisProctor/internal/app/recorder"
	"github.com/ghalamif/AegisProctor/internal/app/watchdog"
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

type stubBackend struct {
	mu        sync.Mutex
	calls     []string
	startErr  error
	startGate chan struct{}
	honorCtx  bool
	entered   chan struct{}
	snapshots []domain.ProctorSnapshot
	ends      []ports.EndSessionRequest
}

func (b *stubBackend) log(name string) {
	b.mu.Lock()
	b.calls = append(b.calls, name)
	b.mu.Unlock()
}

func (b *stubBackend) StartSession(ctx context.Context, req ports.StartSessionRequest) (ports.StartSessionResponse, error) {
	b.log("start")
	if b.startGate != nil {
		close(b.entered)
		if b.honorCtx {
			select {
			case <-b.startGate:
			case <-ctx.Done():
				return ports.StartSessionResponse{}, ctx.Err()
			}
		} else {
			<-b.startGate
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return ports.StartSessionResponse{}, b.startErr
	}
	return ports.StartSessionResponse{SessionID: "sess-1", StartedAt: time.Now()}, nil
}

func (b *stubBackend) Heartbeat(context.Context, domain.HeartbeatRecord) error {
	b.log("heartbeat")
	return nil
}

func (b *stubBackend) HeartbeatBeacon(domain.HeartbeatRecord) { b.log("heartbeat_beacon") }

func (b *stubBackend) UploadChunk(context.Context, domain.Chunk) (string, error) {
	b.log("chunk")
	return "up-1", nil
}

func (b *stubBackend) FinalizeUpload(context.Context, domain.FinalizeRequest) error {
	b.log("finalize")
	return nil
}

func (b *stubBackend) Snapshot(_ context.Context, s domain.ProctorSnapshot) error {
	b.log("snapshot")
	b.mu.Lock()
	b.snapshots = append(b.snapshots, s)
	b.mu.Unlock()
	return nil
}

func (b *stubBackend) EndSession(_ context.Context, req ports.EndSessionRequest) error {
	b.log("end")
	b.mu.Lock()
	b.ends = append(b.ends, req)
	b.mu.Unlock()
	return nil
}

func (b *stubBackend) EndSessionBeacon(req ports.EndSessionRequest) {
	b.log("end_beacon")
	b.mu.Lock()
	b.ends = append(b.ends, req)
	b.mu.Unlock()
}

func (b *stubBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (b *stubBackend) index(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.calls {
		if c == name {
			return i
		}
	}
	return -1
}

type journal struct {
	mu     sync.Mutex
	events []domain.IntegrityEvent
}

func (j *journal) add(e domain.IntegrityEvent) {
	j.mu.Lock()
	j.events = append(j.events, e)
	j.mu.Unlock()
}

func (j *journal) kinds() []domain.EventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.EventKind, 0, len(j.events))
	for _, e := range j.events {
		out = append(out, e.Kind)
	}
	return out
}

func (j *journal) has(k domain.EventKind) bool {
	for _, got := range j.kinds() {
		if got == k {
			return true
		}
	}
	return false
}

type fixture struct {
	dev        *synthetic.Device
	backend    *stubBackend
	page       *headless.Page
	notifier   *headless.Notifier
	clipboard  *headless.Clipboard
	fullscreen *headless.Fullscreen
	journal    *journal
	cam        *camera.Controller
	rec        *recorder.Pipeline
	c          *Coordinator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	return newFixtureWithWatchdog(t, opts, time.Hour)
}

func newFixtureWithWatchdog(t *testing.T, opts Options, every time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		dev:        synthetic.NewDevice(32, 24, 60),
		backend:    &stubBackend{},
		page:       headless.NewPage("https://exam.local/test/7"),
		notifier:   headless.NewNotifier(zerolog.Nop()),
		clipboard:  &headless.Clipboard{},
		fullscreen: &headless.Fullscreen{},
		journal:    &journal{},
	}
	policy := ports.BackoffPolicy{Base: time.Hour, Ceiling: time.Hour, Multiplier: 2}
	frames := freshness.NewTracker()
	f.cam = camera.NewController(f.dev, preview.New(), ports.Constraints{}, nil)
	hb := heartbeat.NewReporter(f.backend, f.page, frames, policy, time.Second, nil)
	f.rec = recorder.NewPipeline(encoder.MJPEG{Quality: 50}, f.backend, recorder.Options{Timeslice: 20 * time.Millisecond}, nil)
	wd := watchdog.New(f.cam, frames, f.rec, hb, f.page, f.notifier, watchdog.Options{Interval: every}, nil)

	f.c = New(Deps{
		Camera:     f.cam,
		Frames:     frames,
		Heartbeat:  hb,
		Recorder:   f.rec,
		Watchdog:   wd,
		Backend:    f.backend,
		Page:       f.page,
		Notifier:   f.notifier,
		Clipboard:  f.clipboard,
		Fullscreen: f.fullscreen,
		Journal:    f.journal.add,
	}, opts)
	t.Cleanup(func() { _ = f.c.End(context.Background(), "test_cleanup") })
	return f
}

func identity() Options {
	return Options{TestID: "t-7", CandidateID: "c-3", CandidateToken: "tok", PageURL: "https://exam.local/test/7"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRequiresIdentity(t *testing.T) {
	f := newFixture(t, Options{TestID: "t-7"})

	report, err := f.c.Start(context.Background())
	if !errors.Is(err, ports.ErrMissingIdentity) {
		t.Fatalf("expected missing identity error, got %v", err)
	}
	if !report.Camera.OK {
		t.Fatalf("camera should still open, got %+v", report.Camera)
	}
	if f.backend.count("start") != 0 {
		t.Fatalf("backend must not be called without identity")
	}
	if f.c.Phase() != PhaseUnstarted {
		t.Fatalf("expected unstarted, got %s", f.c.Phase())
	}
	if len(f.notifier.Errors()) != 1 {
		t.Fatalf("expected a descriptive error notice, got %v", f.notifier.Errors())
	}
}

func TestStartReportsSessionFailureAndCanRetry(t *testing.T) {
	f := newFixture(t, identity())
	f.backend.startErr = errors.New("502 bad gateway")

	report, err := f.c.Start(context.Background())
	if err == nil || report.SessionErr == nil {
		t.Fatalf("expected session error")
	}
	if report.Recording {
		t.Fatalf("recording must not start without a session")
	}

	f.backend.mu.Lock()
	f.backend.startErr = nil
	f.backend.mu.Unlock()

	report, err = f.c.Start(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if report.Session.SessionID != "sess-1" || !report.Recording {
		t.Fatalf("unexpected report %+v", report)
	}
	if f.dev.Opens() != 1 {
		t.Fatalf("retry should reuse the live camera, opens=%d", f.dev.Opens())
	}
	if _, err := f.c.Start(context.Background()); !errors.Is(err, ErrNotStartable) {
		t.Fatalf("expected second start to be refused, got %v", err)
	}
}

func TestEndTearsDownInOrder(t *testing.T) {
	f := newFixture(t, identity())
	if _, err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if f.c.Phase() != PhaseActive {
		t.Fatalf("expected active, got %s", f.c.Phase())
	}
	waitFor(t, "first heartbeat", func() bool { return f.backend.count("heartbeat") >= 1 })
	waitFor(t, "a chunk upload", func() bool { return f.backend.count("chunk") >= 1 })

	if err := f.c.End(context.Background(), "submitted"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := f.c.End(context.Background(), "again"); err != nil {
		t.Fatalf("second end: %v", err)
	}

	fin, end := f.backend.index("finalize"), f.backend.index("end")
	if fin < 0 || end < 0 || fin > end {
		t.Fatalf("recording must finalize before the session ends, finalize=%d end=%d", fin, end)
	}
	if f.backend.count("end") != 1 || f.backend.count("end_beacon") != 0 {
		t.Fatalf("expected a single end call")
	}
	if f.backend.ends[0].Reason != "submitted" || f.backend.ends[0].SessionID != "sess-1" {
		t.Fatalf("unexpected end request %+v", f.backend.ends[0])
	}
	if f.dev.LiveHandles() != 0 {
		t.Fatalf("camera must be released")
	}
	if f.rec.State() != domain.RecorderIdle {
		t.Fatalf("recorder should be idle, got %s", f.rec.State())
	}
	if f.page.Subscribers() != 0 {
		t.Fatalf("page listeners must be detached, %d left", f.page.Subscribers())
	}
	if f.c.Phase() != PhaseEnded {
		t.Fatalf("expected ended, got %s", f.c.Phase())
	}
	kinds := f.journal.kinds()
	if kinds[0] != domain.EventSessionStarted || kinds[len(kinds)-1] != domain.EventSessionEnded {
		t.Fatalf("unexpected journal %v", kinds)
	}
	select {
	case <-f.c.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
}

func TestUnloadSharesTeardown(t *testing.T) {
	f := newFixture(t, identity())
	if _, err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.page.Unload()
	<-f.c.Done()
	if err := f.c.End(context.Background(), "late"); err != nil {
		t.Fatalf("end after unload: %v", err)
	}

	if f.backend.count("end_beacon") != 1 || f.backend.count("end") != 0 {
		t.Fatalf("unload must notify with a beacon exactly once")
	}
	if f.backend.ends[0].Reason != ReasonUnload {
		t.Fatalf("unexpected reason %q", f.backend.ends[0].Reason)
	}
	if f.backend.count("heartbeat_beacon") != 1 {
		t.Fatalf("expected the heartbeat beacon on unload")
	}
	if f.dev.LiveHandles() != 0 {
		t.Fatalf("camera must be released on unload")
	}
}

func TestScreenshotKeyDeterrence(t *testing.T) {
	f := newFixture(t, identity())
	if _, err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "preview frame", func() bool { return f.cam.Sink().ReadyState() == preview.HaveEnoughData })

	f.page.PressKey("PrintScreen")

	if f.clipboard.Clears() != 1 {
		t.Fatalf("expected clipboard scrub")
	}
	if len(f.notifier.Notices()) != 1 {
		t.Fatalf("expected a deterrence notice, got %v", f.notifier.Notices())
	}
	waitFor(t, "snapshot", func() bool { return f.backend.count("snapshot") == 1 })
	f.backend.mu.Lock()
	snap := f.backend.snapshots[0]
	f.backend.mu.Unlock()
	if snap.Reason != "screenshot_key" || snap.Width != 32 || len(snap.Image) == 0 || snap.SessionID != "sess-1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !f.journal.has(domain.EventScreenshotKey) {
		t.Fatalf("expected screenshot event in journal")
	}
	if f.c.extra()["screenshotKey"] != 1 {
		t.Fatalf("expected heartbeat extra to count the key press")
	}
}

func TestHiddenTabTriggersSnapshotAndEvents(t *testing.T) {
	f := newFixture(t, identity())
	if _, err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "preview frame", func() bool { return f.cam.Sink().ReadyState() == preview.HaveEnoughData })

	f.page.SetVisible(false)
	f.page.SetVisible(true)
	f.page.SetFocused(false)

	waitFor(t, "two snapshots", func() bool { return f.backend.count("snapshot") == 2 })
	for _, k := range []domain.EventKind{domain.EventPageHidden, domain.EventPageVisible, domain.EventWindowBlur} {
		if !f.journal.has(k) {
			t.Fatalf("missing %s in %v", k, f.journal.kinds())
		}
	}
}

func TestFullscreenReRequested(t *testing.T) {
	opts := identity()
	opts.EnforceFullscreen = true
	f := newFixture(t, opts)
	if _, err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !f.fullscreen.Active() {
		t.Fatalf("expected fullscreen on start")
	}

	f.fullscreen.Refuse(true)
	f.page.ExitFullscreen()
	waitFor(t, "fullscreen re-request", func() bool { return f.fullscreen.Requests() == 2 })
	if f.c.Phase() != PhaseActive {
		t.Fatalf("a refused request must not affect the session")
	}

	f.fullscreen.Refuse(false)
	_ = f.fullscreen.Request(context.Background())
	if err := f.c.End(context.Background(), "submitted"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if f.fullscreen.Active() {
		t.Fatalf("fullscreen must be released on teardown")
	}
}

func TestRetryCameraAfterFailedRecovery(t *testing.T) {
	f := newFixture(t, identity())
	if _, err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.dev.FailNext(ports.ErrPermissionDenied)
	f.dev.Current().Unplug()

	if res := f.c.RetryCamera(context.Background()); res.OK || res.Status != domain.CameraBlocked {
		t.Fatalf("expected blocked, got %+v", res)
	}
	if res := f.c.RetryCamera(context.Background()); !res.OK {
		t.Fatalf("expected retry to succeed, got %+v", res)
	}
	if !f.rec.IsActive() {
		t.Fatalf("recording should resume on the new stream")
	}
	if !f.journal.has(domain.EventCameraRecoveryFailed) || !f.journal.has(domain.EventCameraRecovered) {
		t.Fatalf("expected recovery events, got %v", f.journal.kinds())
	}
}

func gatedStart(f *fixture, honorCtx bool) {
	f.backend.startGate = make(chan struct{})
	f.backend.entered = make(chan struct{})
	f.backend.honorCtx = honorCtx
}

func TestEndDuringStartReleasesLateSession(t *testing.T) {
	f := newFixture(t, identity())
	gatedStart(f, false)

	type result struct {
		report *StartReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := f.c.Start(context.Background())
		done <- result{r, err}
	}()
	<-f.backend.entered

	if err := f.c.End(context.Background(), "submitted"); err != nil {
		t.Fatalf("end: %v", err)
	}
	close(f.backend.startGate)
	res := <-done
	if !errors.Is(res.err, ErrStartAborted) {
		t.Fatalf("expected ErrStartAborted, got %v", res.err)
	}

	time.Sleep(50 * time.Millisecond)
	if f.c.Phase() != PhaseEnded {
		t.Fatalf("expected ended, got %s", f.c.Phase())
	}
	if f.dev.LiveHandles() != 0 {
		t.Fatalf("camera must be released, %d live handles", f.dev.LiveHandles())
	}
	if f.backend.count("heartbeat") != 0 || f.backend.count("chunk") != 0 {
		t.Fatalf("nothing may run for an aborted session")
	}
	if f.rec.IsActive() || f.page.Subscribers() != 0 {
		t.Fatalf("recorder and page listeners must stay unbound")
	}
	if f.backend.count("end_beacon") != 1 || f.backend.ends[0].SessionID != "sess-1" || f.backend.ends[0].Reason != "submitted" {
		t.Fatalf("the late session must be ended with the teardown reason, got %+v", f.backend.ends)
	}
	if f.journal.has(domain.EventSessionStarted) {
		t.Fatalf("an aborted session must not be journaled as started")
	}
}

func TestEndCancelsInFlightStart(t *testing.T) {
	f := newFixture(t, identity())
	gatedStart(f, true)

	done := make(chan error, 1)
	go func() {
		_, err := f.c.Start(context.Background())
		done <- err
	}()
	<-f.backend.entered

	if err := f.c.End(context.Background(), "submitted"); err != nil {
		t.Fatalf("end: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrStartAborted) {
			t.Fatalf("expected ErrStartAborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start was not cancelled by teardown")
	}
	if f.c.Phase() != PhaseEnded || f.dev.LiveHandles() != 0 {
		t.Fatalf("expected ended with the camera released, phase=%s live=%d", f.c.Phase(), f.dev.LiveHandles())
	}
	if f.backend.count("end_beacon") != 0 || f.backend.count("end") != 0 {
		t.Fatalf("no backend session existed, nothing to end")
	}
}

func TestDeniedCameraIsNotReopenedByWatchdog(t *testing.T) {
	f := newFixtureWithWatchdog(t, identity(), 5*time.Millisecond)
	f.dev.FailNext(ports.ErrPermissionDenied)

	report, err := f.c.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if report.Camera.Status != domain.CameraBlocked || report.Recording {
		t.Fatalf("expected blocked camera without recording, got %+v", report)
	}

	time.Sleep(60 * time.Millisecond)
	if f.dev.Opens() != 1 {
		t.Fatalf("a denied camera must be asked exactly once, got %d opens", f.dev.Opens())
	}
	if st := f.cam.Status(); st.Status != domain.CameraBlocked {
		t.Fatalf("status must stay blocked, got %s", st.Status)
	}
}

func TestRetryCameraAfterEndKeepsDeviceReleased(t *testing.T) {
	f := newFixture(t, identity())
	if _, err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.c.End(context.Background(), "submitted"); err != nil {
		t.Fatalf("end: %v", err)
	}

	res := f.c.RetryCamera(context.Background())
	if res.OK || res.Status != domain.CameraIdle {
		t.Fatalf("expected idle camera after teardown, got %+v", res)
	}
	if f.dev.LiveHandles() != 0 || f.dev.Opens() != 1 {
		t.Fatalf("retry must not reopen after teardown, live=%d opens=%d", f.dev.LiveHandles(), f.dev.Opens())
	}
}
