// Package synthetic provides an in-process capture device that renders a
// moving test pattern. It backs dry runs of the agent and the package tests,
// and can simulate unplugging, frozen feeds and permission failures.
package synthetic

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/AegisProctor/internal/ports"
)

type Device struct {
	width, height int
	frameInterval time.Duration

	mu       sync.Mutex
	failures []error
	streams  []*Stream
	opens    int
	live     int
	maxLive  int
}

func NewDevice(width, height int, fps float64) *Device {
	if width <= 0 {
		width = 64
	}
	if height <= 0 {
		height = 48
	}
	if fps <= 0 {
		fps = 15
	}
	return &Device{
		width:         width,
		height:        height,
		frameInterval: time.Duration(float64(time.Second) / fps),
	}
}

// FailNext makes the next len(errs) Open calls fail with the given errors.
func (d *Device) FailNext(errs ...error) {
	d.mu.Lock()
	d.failures = append(d.failures, errs...)
	d.mu.Unlock()
}

func (d *Device) Open(ctx context.Context, _ ports.Constraints) (ports.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.opens++
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}

	s := &Stream{id: uuid.NewString(), dev: d}
	s.video = &Track{id: uuid.NewString(), stream: s, done: make(chan struct{})}
	d.streams = append(d.streams, s)
	d.live++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	return s, nil
}

func (d *Device) released() {
	d.mu.Lock()
	d.live--
	d.mu.Unlock()
}

// Opens counts Open calls, failed ones included.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// LiveHandles is the number of acquired streams whose track has not ended.
func (d *Device) LiveHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// MaxLiveHandles is the high-water mark of LiveHandles.
func (d *Device) MaxLiveHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive
}

// Current returns the most recently acquired stream.
func (d *Device) Current() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

type Stream struct {
	id     string
	dev    *Device
	video  *Track
	frozen atomic.Bool
}

func (s *Stream) ID() string                 { return s.id }
func (s *Stream) VideoTracks() []ports.Track { return []ports.Track{s.video} }
func (s *Stream) AudioTracks() []ports.Track { return nil }

func (s *Stream) NewVideoReader() (ports.FrameReader, error) {
	if s.video.State() != ports.TrackLive {
		return nil, fmt.Errorf("synthetic: track %s ended", s.video.id)
	}
	return &reader{stream: s, ticker: time.NewTicker(s.dev.frameInterval)}, nil
}

// Freeze keeps the track live but stops delivering frames.
func (s *Stream) Freeze() { s.frozen.Store(true) }

// Thaw resumes frame delivery after Freeze.
func (s *Stream) Thaw() { s.frozen.Store(false) }

// Unplug ends the track as if the device disappeared.
func (s *Stream) Unplug() { s.video.end(fmt.Errorf("synthetic: device unplugged")) }

type Track struct {
	id     string
	stream *Stream

	mu      sync.Mutex
	ended   bool
	onEnded []func(error)
	done    chan struct{}
}

func (t *Track) ID() string { return t.id }

func (t *Track) State() ports.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return ports.TrackEnded
	}
	return ports.TrackLive
}

func (t *Track) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

func (t *Track) Stop() error {
	t.finish()
	return nil
}

func (t *Track) end(cause error) {
	if handlers, ok := t.finish(); ok {
		for _, fn := range handlers {
			fn(cause)
		}
	}
}

func (t *Track) finish() ([]func(error), bool) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return nil, false
	}
	t.ended = true
	close(t.done)
	handlers := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	t.stream.dev.released()
	return handlers, true
}

type reader struct {
	stream *Stream
	ticker *time.Ticker
	n      int
}

func (r *reader) Read() (image.Image, func(), error) {
	for {
		select {
		case <-r.stream.video.done:
			r.ticker.Stop()
			return nil, nil, io.EOF
		case <-r.ticker.C:
			if r.stream.frozen.Load() {
				continue
			}
			r.n++
			return r.pattern(), func() {}, nil
		}
	}
}

// pattern draws a vertical bar that sweeps across the frame.
func (r *reader) pattern() image.Image {
	w, h := r.stream.dev.width, r.stream.dev.height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bar := r.n % w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 96, A: 255}
			if x == bar {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

var _ ports.Device = (*Device)(nil)
