// Package watchdog restarts the camera when the feed dies or freezes while
// the candidate is looking at the exam.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/AegisProctor/internal/adapters/observability"
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

type Camera interface {
	Status() domain.CameraResult
	HasLiveVideo() bool
	Restart(ctx context.Context) domain.CameraResult
	Stream() ports.Stream
	Sink() ports.PreviewSink
}

type Frames interface {
	Stalled(threshold time.Duration) bool
}

type Recorder interface {
	IsActive() bool
	Stop(ctx context.Context) error
	Start(s ports.Stream) bool
}

type Media interface {
	SetMedia(s ports.Stream, sink ports.PreviewSink)
}

type Options struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	StopTimeout time.Duration
	NoticeTTL   time.Duration
}

// Outcome describes one finished recovery cycle.
type Outcome struct {
	OK     bool
	Result domain.CameraResult
	At     time.Time
}

type Watchdog struct {
	camera   Camera
	frames   Frames
	recorder Recorder
	media    Media
	page     ports.PageMonitor
	notifier ports.Notifier
	opts     Options
	obs      ports.Observability

	inFlight atomic.Bool
	halted   atomic.Bool
	armed    atomic.Bool

	mu        sync.Mutex
	observers []func(Outcome)
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(cam Camera, frames Frames, rec Recorder, media Media, page ports.PageMonitor, n ports.Notifier, opts Options, obs ports.Observability) *Watchdog {
	if obs == nil {
		obs = observability.Nop{}
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * opts.Interval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 15 * time.Second
	}
	return &Watchdog{
		camera:   cam,
		frames:   frames,
		recorder: rec,
		media:    media,
		page:     page,
		notifier: n,
		opts:     opts,
		obs:      obs,
	}
}

// OnRecovery registers fn for the outcome of every recovery cycle.
func (w *Watchdog) OnRecovery(fn func(Outcome)) {
	w.mu.Lock()
	w.observers = append(w.observers, fn)
	w.mu.Unlock()
}

// Halted reports whether automatic recovery is suspended after a failure.
func (w *Watchdog) Halted() bool { return w.halted.Load() }

// Reset re-enables automatic recovery after a failed cycle.
func (w *Watchdog) Reset() { w.halted.Store(false) }

// Healthy reports whether the camera has a live track that is producing frames.
func (w *Watchdog) Healthy() bool {
	if !w.camera.HasLiveVideo() {
		return false
	}
	return w.frames == nil || !w.frames.Stalled(w.opts.StaleAfter)
}

// Armed reports whether the camera has been on since the watchdog was
// created. A camera that was denied or missing from the start is never
// reopened automatically.
func (w *Watchdog) Armed() bool { return w.armed.Load() }

// Check runs one recovery cycle when the feed is dead or frozen and the page
// is in the foreground. At most one cycle runs at a time; concurrent calls
// return false immediately.
func (w *Watchdog) Check(ctx context.Context) bool {
	switch w.camera.Status().Status {
	case domain.CameraOn:
		w.armed.Store(true)
	case domain.CameraIdle:
		return false
	}
	if !w.armed.Load() || w.halted.Load() || w.Healthy() {
		return false
	}
	if w.page != nil && !w.page.State().Foreground() {
		return false
	}
	if !w.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer w.inFlight.Store(false)

	w.recover(ctx)
	return true
}

func (w *Watchdog) recover(ctx context.Context) {
	w.obs.LogInfo("camera_recovery_started")

	if w.recorder != nil && w.recorder.IsActive() {
		stopCtx, cancel := context.WithTimeout(ctx, w.opts.StopTimeout)
		if err := w.recorder.Stop(stopCtx); err != nil {
			w.obs.LogError("recovery_recorder_stop_failed", err)
		}
		cancel()
	}

	res := w.camera.Restart(ctx)
	out := Outcome{OK: res.OK, Result: res, At: time.Now()}
	if !res.OK {
		w.halted.Store(true)
		w.obs.IncCounter("proctor_recovery_failures_total", 1)
		w.obs.LogError("camera_recovery_failed", errors.New(res.Message), ports.Field{Key: "status", Value: string(res.Status)})
		if w.notifier != nil {
			msg := res.Message
			if msg == "" {
				msg = "The camera could not be restarted."
			}
			w.notifier.Error(msg + " Use retry camera once it is reconnected.")
		}
		w.publish(out)
		return
	}

	stream := w.camera.Stream()
	if w.media != nil {
		w.media.SetMedia(stream, w.camera.Sink())
	}
	if w.recorder != nil {
		w.recorder.Start(stream)
	}
	w.obs.IncCounter("proctor_recoveries_total", 1)
	w.obs.LogInfo("camera_recovered")
	if w.notifier != nil {
		w.notifier.Notice("Camera restarted.", w.opts.NoticeTTL)
	}
	w.publish(out)
}

func (w *Watchdog) publish(o Outcome) {
	w.mu.Lock()
	fns := append(([]func(Outcome))(nil), w.observers...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(o)
	}
}

// Run checks on every interval until ctx is cancelled or Stop is called.
func (w *Watchdog) Run(ctx context.Context) {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(w.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				w.Check(ctx)
			}
		}
	}()
}

// Stop ends the loop started by Run and waits for an in-flight check.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	w.mu.Lock()
	w.done = nil
	w.mu.Unlock()
}
