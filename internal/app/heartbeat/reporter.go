// Package heartbeat reports camera health to the backend on an adaptive
// schedule.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/ghalamif/AegisProctor/internal/adapters/observability"
	"github.com/ghalamif/AegisProctor/internal/app/camera"
	"github.com/ghalamif/AegisProctor/internal/app/freshness"
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

// Identity binds reports to a session.
type Identity struct {
	SessionID   string
	CandidateID string
	PageURL     string
}

// FrameClock is the part of the freshness tracker the reporter reads.
type FrameClock interface {
	FrameAge() (time.Duration, bool)
}

type Reporter struct {
	transport ports.HeartbeatTransport
	page      ports.PageMonitor
	frames    FrameClock
	policy    ports.BackoffPolicy
	timeout   time.Duration
	obs       ports.Observability
	now       func() time.Time

	tickMu sync.Mutex

	mu          sync.Mutex
	id          Identity
	stream      ports.Stream
	sink        ports.PreviewSink
	extra       func() map[string]any
	failures    int
	status      domain.HealthStatus
	listeners   []func(domain.HealthStatus)
	running     bool
	gen         uint64
	timer       *time.Timer
	unsubscribe func()
	cancel      context.CancelFunc
}

func NewReporter(t ports.HeartbeatTransport, page ports.PageMonitor, frames FrameClock, policy ports.BackoffPolicy, timeout time.Duration, obs ports.Observability) *Reporter {
	if obs == nil {
		obs = observability.Nop{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reporter{
		transport: t,
		page:      page,
		frames:    frames,
		policy:    policy,
		timeout:   timeout,
		obs:       obs,
		now:       time.Now,
		status:    domain.HealthIdle,
	}
}

func (r *Reporter) SetIdentity(id Identity) {
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
}

// SetMedia replaces the stream and preview the next report describes.
func (r *Reporter) SetMedia(s ports.Stream, sink ports.PreviewSink) {
	r.mu.Lock()
	r.stream, r.sink = s, sink
	r.mu.Unlock()
}

// SetExtra installs a provider for the free-form extra block.
func (r *Reporter) SetExtra(fn func() map[string]any) {
	r.mu.Lock()
	r.extra = fn
	r.mu.Unlock()
}

// OnStatusChange registers fn for verdict transitions.
func (r *Reporter) OnStatusChange(fn func(domain.HealthStatus)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Reporter) Status() domain.HealthStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// ConsecutiveFailures is the failure streak that drives the backoff.
func (r *Reporter) ConsecutiveFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Start sends a report immediately and keeps rescheduling itself until Stop.
// Calling Start while running is a no-op.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.gen++
	gen := r.gen
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	if r.page != nil {
		r.unsubscribe = r.page.Subscribe(r.onPageEvent)
	}
	r.mu.Unlock()

	go r.loop(runCtx, gen)
}

func (r *Reporter) loop(ctx context.Context, gen uint64) {
	if !r.current(gen) {
		return
	}
	delay := r.Tick(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.gen != gen {
		return
	}
	r.timer = time.AfterFunc(delay, func() { r.loop(ctx, gen) })
}

func (r *Reporter) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running && r.gen == gen
}

// Tick performs one report and returns the delay until the next one.
func (r *Reporter) Tick(ctx context.Context) time.Duration {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	rec, hasSession := r.snapshot()
	r.transition(rec.Status)

	if !hasSession {
		return r.nextDelay()
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err := r.transport.Heartbeat(sendCtx, rec)
	cancel()

	r.mu.Lock()
	if err != nil {
		r.failures++
	} else {
		r.failures = 0
	}
	failures := r.failures
	r.mu.Unlock()

	if err != nil {
		r.obs.IncCounter("proctor_heartbeats_failed_total", 1)
		r.obs.LogError("heartbeat_failed", err,
			ports.Field{Key: "session_id", Value: rec.SessionID},
			ports.Field{Key: "consecutive_failures", Value: failures},
		)
	} else {
		r.obs.IncCounter("proctor_heartbeats_sent_total", 1)
	}
	return r.nextDelay()
}

func (r *Reporter) nextDelay() time.Duration {
	r.mu.Lock()
	d := r.policy.Delay(r.failures)
	r.mu.Unlock()
	r.obs.SetGauge("proctor_heartbeat_interval_seconds", d.Seconds())
	return d
}

// Record builds the report that the next tick would send.
func (r *Reporter) Record() domain.HeartbeatRecord {
	rec, _ := r.snapshot()
	return rec
}

func (r *Reporter) snapshot() (domain.HeartbeatRecord, bool) {
	r.mu.Lock()
	id, stream, sink, extra := r.id, r.stream, r.sink, r.extra
	r.mu.Unlock()

	var page ports.PageState
	if r.page != nil {
		page = r.page.State()
	}
	video, audio, live := camera.TrackCounts(stream)
	liveVideo := 0
	if stream != nil {
		for _, t := range stream.VideoTracks() {
			if t.State() == ports.TrackLive {
				liveVideo++
			}
		}
	}

	sig := Signals{
		LiveVideoTracks: liveVideo,
		StaleAfter:      freshness.StaleThreshold(r.policy.Base),
		Page:            page,
	}
	details := domain.CameraDetails{
		Visible:     page.Visible,
		Focus:       page.Focused,
		VideoTracks: video,
		AudioTracks: audio,
		LiveTracks:  live,
	}
	if r.frames != nil {
		if age, ok := r.frames.FrameAge(); ok {
			sig.FrameAge, sig.FrameAgeKnown = age, true
			ms := age.Milliseconds()
			details.FrameAgeMs = &ms
			r.obs.SetGauge("proctor_frame_age_seconds", age.Seconds())
		}
	}
	if sink != nil {
		details.ReadyState = sink.ReadyState()
	}

	pageURL := id.PageURL
	if page.URL != "" {
		pageURL = page.URL
	}
	rec := domain.HeartbeatRecord{
		SessionID:   id.SessionID,
		CandidateID: id.CandidateID,
		Timestamp:   r.now().UTC(),
		PageURL:     pageURL,
		Status:      Verdict(sig),
		Camera:      details,
		Extra:       map[string]any{},
	}
	if extra != nil {
		if m := extra(); m != nil {
			rec.Extra = m
		}
	}
	return rec, id.SessionID != ""
}

func (r *Reporter) transition(s domain.HealthStatus) {
	r.mu.Lock()
	if r.status == s {
		r.mu.Unlock()
		return
	}
	r.status = s
	listeners := append(([]func(domain.HealthStatus))(nil), r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func (r *Reporter) onPageEvent(ev ports.PageEvent) {
	switch ev.Kind {
	case ports.PageVisibilityChange, ports.PageFocus, ports.PageBlur:
		rec, _ := r.snapshot()
		r.transition(rec.Status)
	case ports.PageHide, ports.PageUnload:
		r.Beacon()
	}
}

// Beacon sends the current report without waiting for the outcome.
func (r *Reporter) Beacon() {
	rec, hasSession := r.snapshot()
	if !hasSession {
		return
	}
	r.transport.HeartbeatBeacon(rec)
}

// Stop cancels the schedule and page listeners. Safe to call repeatedly.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	unsubscribe, cancel := r.unsubscribe, r.cancel
	r.unsubscribe, r.cancel = nil, nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}
