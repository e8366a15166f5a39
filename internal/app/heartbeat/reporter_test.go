package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghalamif/AegisProctor/internal/adapters/headless"
	"github.com/ghalamif/AegisProctor/internal/adapters/synthetic"
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

type stubTransport struct {
	mu       sync.Mutex
	sent     []domain.HeartbeatRecord
	beacons  []domain.HeartbeatRecord
	failures int
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (s *stubTransport) Heartbeat(ctx context.Context, rec domain.HeartbeatRecord) error {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, rec)
	if s.failures > 0 {
		s.failures--
		return errors.New("503 service unavailable")
	}
	return nil
}

func (s *stubTransport) HeartbeatBeacon(rec domain.HeartbeatRecord) {
	s.mu.Lock()
	s.beacons = append(s.beacons, rec)
	s.mu.Unlock()
}

func (s *stubTransport) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent), len(s.beacons)
}

type stubFrames struct {
	age   time.Duration
	known bool
}

func (f *stubFrames) FrameAge() (time.Duration, bool) { return f.age, f.known }

var policy = ports.BackoffPolicy{Base: 10 * time.Second, Ceiling: 60 * time.Second, Multiplier: 2}

func liveStream(t *testing.T) (*synthetic.Device, ports.Stream) {
	t.Helper()
	dev := synthetic.NewDevice(8, 8, 30)
	s, err := dev.Open(context.Background(), ports.Constraints{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return dev, s
}

func TestVerdict(t *testing.T) {
	fg := ports.PageState{Visible: true, Focused: true}
	cases := []struct {
		name string
		sig  Signals
		want domain.HealthStatus
	}{
		{"no live track", Signals{Page: fg}, domain.HealthIdle},
		{"fresh and foreground", Signals{LiveVideoTracks: 1, FrameAge: time.Second, FrameAgeKnown: true, StaleAfter: 20 * time.Second, Page: fg}, domain.HealthOK},
		{"unknown age", Signals{LiveVideoTracks: 1, StaleAfter: 20 * time.Second, Page: fg}, domain.HealthOK},
		{"stale", Signals{LiveVideoTracks: 1, FrameAge: 21 * time.Second, FrameAgeKnown: true, StaleAfter: 20 * time.Second, Page: fg}, domain.HealthDegraded},
		{"hidden", Signals{LiveVideoTracks: 1, Page: ports.PageState{Focused: true}}, domain.HealthDegraded},
		{"blurred", Signals{LiveVideoTracks: 1, Page: ports.PageState{Visible: true}}, domain.HealthDegraded},
	}
	for _, tc := range cases {
		if got := Verdict(tc.sig); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestTickBacksOffAfterFailures(t *testing.T) {
	tr := &stubTransport{failures: 3}
	r := NewReporter(tr, headless.NewPage("https://exam.local"), &stubFrames{}, policy, time.Second, nil)
	r.SetIdentity(Identity{SessionID: "s-1", CandidateID: "c-1"})

	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := r.Tick(context.Background()); got != w {
			t.Fatalf("tick %d: expected interval %v, got %v", i, w, got)
		}
	}
	if n, _ := tr.counts(); n != 4 {
		t.Fatalf("expected 4 deliveries, got %d", n)
	}
	if r.ConsecutiveFailures() != 0 {
		t.Fatalf("expected streak reset after success")
	}
}

func TestBackoffRespectsCeiling(t *testing.T) {
	tr := &stubTransport{failures: 100}
	r := NewReporter(tr, nil, nil, policy, time.Second, nil)
	r.SetIdentity(Identity{SessionID: "s-1"})

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = r.Tick(context.Background())
		if last > policy.Ceiling {
			t.Fatalf("interval %v exceeds ceiling", last)
		}
	}
	if last != policy.Ceiling {
		t.Fatalf("expected to settle at the ceiling, got %v", last)
	}
}

func TestTenMinutesOfHealthyReports(t *testing.T) {
	tr := &stubTransport{}
	_, stream := liveStream(t)
	r := NewReporter(tr, headless.NewPage("https://exam.local"), &stubFrames{age: time.Second, known: true}, policy, time.Second, nil)
	r.SetIdentity(Identity{SessionID: "s-1"})
	r.SetMedia(stream, nil)

	var elapsed time.Duration
	ticks := 0
	for elapsed < 10*time.Minute {
		elapsed += r.Tick(context.Background())
		ticks++
	}
	if ticks != 60 {
		t.Fatalf("expected 60 heartbeats in 10 minutes, got %d", ticks)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, rec := range tr.sent {
		if rec.Status != domain.HealthOK {
			t.Fatalf("expected ok status, got %s", rec.Status)
		}
	}
	if tr.sent[0].Camera.LiveTracks != 1 || *tr.sent[0].Camera.FrameAgeMs != 1000 {
		t.Fatalf("unexpected camera block %+v", tr.sent[0].Camera)
	}
}

func TestTickWithoutSessionSkipsDelivery(t *testing.T) {
	tr := &stubTransport{}
	r := NewReporter(tr, nil, nil, policy, time.Second, nil)

	if d := r.Tick(context.Background()); d != policy.Base {
		t.Fatalf("expected base interval, got %v", d)
	}
	if n, _ := tr.counts(); n != 0 {
		t.Fatalf("expected no delivery without a session id")
	}
	r.Beacon()
	if _, b := tr.counts(); b != 0 {
		t.Fatalf("expected no beacon without a session id")
	}
}

func TestHideShowTransitions(t *testing.T) {
	tr := &stubTransport{}
	page := headless.NewPage("https://exam.local")
	_, stream := liveStream(t)
	r := NewReporter(tr, page, &stubFrames{}, policy, time.Second, nil)
	r.SetIdentity(Identity{SessionID: "s-1"})
	r.SetMedia(stream, nil)

	var mu sync.Mutex
	var changes []domain.HealthStatus
	r.OnStatusChange(func(s domain.HealthStatus) {
		mu.Lock()
		changes = append(changes, s)
		mu.Unlock()
	})

	r.Start(context.Background())
	defer r.Stop()
	waitFor(t, "first report", func() bool { n, _ := tr.counts(); return n >= 1 })

	page.SetVisible(false)
	page.SetVisible(true)
	page.SetFocused(false)
	page.SetFocused(true)
	r.Tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []domain.HealthStatus{domain.HealthOK, domain.HealthDegraded, domain.HealthOK, domain.HealthDegraded, domain.HealthOK}
	if len(changes) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], changes[i])
		}
	}
}

func TestPageHideSendsBeaconAndStopDetaches(t *testing.T) {
	tr := &stubTransport{}
	page := headless.NewPage("https://exam.local")
	r := NewReporter(tr, page, nil, policy, time.Second, nil)
	r.SetIdentity(Identity{SessionID: "s-1"})
	r.SetExtra(func() map[string]any { return map[string]any{"tab_hidden": 2} })

	r.Start(context.Background())
	page.Hide()
	if _, b := tr.counts(); b != 1 {
		t.Fatalf("expected one beacon, got %d", b)
	}
	tr.mu.Lock()
	if tr.beacons[0].Extra["tab_hidden"] != 2 {
		t.Fatalf("expected extra block in beacon, got %v", tr.beacons[0].Extra)
	}
	tr.mu.Unlock()

	r.Stop()
	r.Stop()
	if page.Subscribers() != 0 {
		t.Fatalf("expected page listeners detached")
	}
	page.Unload()
	if _, b := tr.counts(); b != 1 {
		t.Fatalf("expected no beacon after stop")
	}
}

func TestStartSchedulesWithoutOverlap(t *testing.T) {
	tr := &stubTransport{}
	fast := ports.BackoffPolicy{Base: 5 * time.Millisecond, Ceiling: 20 * time.Millisecond, Multiplier: 2}
	r := NewReporter(tr, nil, nil, fast, time.Second, nil)
	r.SetIdentity(Identity{SessionID: "s-1"})

	r.Start(context.Background())
	r.Start(context.Background())
	waitFor(t, "several reports", func() bool { n, _ := tr.counts(); return n >= 5 })
	r.Stop()

	time.Sleep(20 * time.Millisecond)
	after, _ := tr.counts()
	time.Sleep(50 * time.Millisecond)
	if n, _ := tr.counts(); n != after {
		t.Fatalf("reports continued after stop: %d -> %d", after, n)
	}
	if tr.overlap.Load() {
		t.Fatalf("heartbeat deliveries overlapped")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
