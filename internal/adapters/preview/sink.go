// Package preview renders a capture stream into an in-memory surface. It keeps
// the latest frame for snapshots and exposes presentation signals used for
// frame-freshness tracking.
package preview

import (
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/ghalamif/AegisProctor/internal/ports"
)

// Ready states follow HTMLMediaElement.readyState.
const (
	HaveNothing    = 0
	HaveEnoughData = 4
)

type Option func(*Sink)

// WithoutFrameCallbacks disables OnFrame so callers fall back to sampling
// Position.
func WithoutFrameCallbacks() Option {
	return func(s *Sink) { s.callbacks = false }
}

// WithClock overrides the time source used to stamp frames.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

type Sink struct {
	callbacks bool
	now       func() time.Time

	mu        sync.Mutex
	gen       uint64
	buf       *image.RGBA
	lastAt    time.Time
	position  time.Duration
	ready     int
	subs      map[uint64]func(time.Time)
	nextSubID uint64
}

func New(opts ...Option) *Sink {
	s := &Sink{
		callbacks: true,
		now:       time.Now,
		subs:      map[uint64]func(time.Time){},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Attach replaces the displayed stream. Frames from a previous stream are
// discarded once Attach returns.
func (s *Sink) Attach(stream ports.Stream) error {
	r, err := stream.NewVideoReader()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.buf = nil
	s.ready = HaveNothing
	s.lastAt = time.Time{}
	s.mu.Unlock()

	go s.pump(gen, r)
	return nil
}

func (s *Sink) Detach() {
	s.mu.Lock()
	s.gen++
	s.ready = HaveNothing
	s.mu.Unlock()
}

func (s *Sink) pump(gen uint64, r ports.FrameReader) {
	for {
		img, release, err := r.Read()
		if err != nil {
			s.mu.Lock()
			if s.gen == gen {
				s.ready = HaveNothing
			}
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			release()
			return
		}
		s.buf = copyInto(s.buf, img)
		release()
		at := s.now()
		if !s.lastAt.IsZero() {
			s.position += at.Sub(s.lastAt)
		} else {
			s.position += time.Millisecond
		}
		s.lastAt = at
		s.ready = HaveEnoughData
		var subs []func(time.Time)
		if s.callbacks {
			subs = make([]func(time.Time), 0, len(s.subs))
			for _, fn := range s.subs {
				subs = append(subs, fn)
			}
		}
		s.mu.Unlock()

		for _, fn := range subs {
			fn(at)
		}
	}
}

func (s *Sink) OnFrame(fn func(at time.Time)) (func(), bool) {
	if !s.callbacks {
		return func() {}, false
	}
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}, true
}

func (s *Sink) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Sink) ReadyState() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// LatestFrame returns a copy of the most recently presented frame.
func (s *Sink) LatestFrame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil || s.ready == HaveNothing {
		return nil, ports.ErrFrameUnavailable
	}
	return copyInto(nil, s.buf), nil
}

func copyInto(dst *image.RGBA, src image.Image) *image.RGBA {
	b := src.Bounds()
	if dst == nil || dst.Bounds() != b {
		dst = image.NewRGBA(b)
	}
	draw.Draw(dst, b, src, b.Min, draw.Src)
	return dst
}

var _ ports.PreviewSink = (*Sink)(nil)
