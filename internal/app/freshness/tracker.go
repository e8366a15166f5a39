// Package freshness tracks when the preview last presented a frame.
package freshness

import (
	"sync"
	"time"

	"github.com/ghalamif/AegisProctor/internal/ports"
)

const DefaultSampleInterval = 250 * time.Millisecond

type Tracker struct {
	sampleInterval time.Duration
	now            func() time.Time

	mu          sync.Mutex
	gen         uint64
	attached    bool
	lastFrameAt time.Time
	lastPos     time.Duration
	cancel      func()
}

type Option func(*Tracker)

func WithSampleInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.sampleInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{sampleInterval: DefaultSampleInterval, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Attach starts observing sink and replaces any previous subscription. The
// clock starts at attach time so a feed that never delivers a frame goes stale.
func (t *Tracker) Attach(sink ports.PreviewSink) {
	t.mu.Lock()
	t.detachLocked()
	t.gen++
	gen := t.gen
	t.attached = true
	t.lastFrameAt = t.now()
	t.lastPos = sink.Position()
	t.mu.Unlock()

	cancel, ok := sink.OnFrame(func(time.Time) { t.mark(gen) })
	if !ok {
		cancel = t.sample(gen, sink)
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		cancel()
		return
	}
	t.cancel = cancel
	t.mu.Unlock()
}

// sample polls the playback position for sinks without frame callbacks.
func (t *Tracker) sample(gen uint64, sink ports.PreviewSink) func() {
	ticker := time.NewTicker(t.sampleInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				t.Sample(gen, sink.Position())
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Sample marks a frame when pos moved since the previous sample of the same
// attachment generation.
func (t *Tracker) Sample(gen uint64, pos time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || !t.attached {
		return
	}
	if pos != t.lastPos {
		t.lastPos = pos
		t.lastFrameAt = t.now()
	}
}

func (t *Tracker) mark(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || !t.attached {
		return
	}
	t.lastFrameAt = t.now()
}

// Generation identifies the current attachment.
func (t *Tracker) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

func (t *Tracker) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detachLocked()
	t.gen++
}

func (t *Tracker) detachLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.attached = false
}

// FrameAge returns the time since the last observed frame. ok is false while
// detached.
func (t *Tracker) FrameAge() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.attached {
		return 0, false
	}
	return t.now().Sub(t.lastFrameAt), true
}

// Stalled reports whether no frame was seen for longer than threshold. A
// detached tracker is not stalled; liveness is judged from the tracks.
func (t *Tracker) Stalled(threshold time.Duration) bool {
	age, ok := t.FrameAge()
	return ok && age > threshold
}

// StaleThreshold is the staleness bound used by health and recovery checks.
func StaleThreshold(heartbeatInterval time.Duration) time.Duration {
	return 2 * heartbeatInterval
}
