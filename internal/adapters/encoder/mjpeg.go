// Package encoder turns a frame stream into time-sliced Motion-JPEG segments.
package encoder

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/ghalamif/AegisProctor/internal/ports"
)

const MimeTypeMJPEG = "video/x-motion-jpeg"

// MJPEG concatenates JPEG frames. A segment is a self-contained sequence of
// complete JPEG images.
type MJPEG struct {
	Quality int
	MaxFPS  float64
}

func (m MJPEG) MimeType() string { return MimeTypeMJPEG }

func (m MJPEG) Start(s ports.Stream, timeslice time.Duration, h ports.EncoderHandlers) (ports.EncoderSession, error) {
	if s == nil {
		return nil, ports.ErrNoStream
	}
	r, err := s.NewVideoReader()
	if err != nil {
		return nil, err
	}
	quality := m.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var minGap time.Duration
	if m.MaxFPS > 0 {
		minGap = time.Duration(float64(time.Second) / m.MaxFPS)
	}

	sess := &session{
		handlers:  h,
		quality:   quality,
		minGap:    minGap,
		timeslice: timeslice,
		frames:    make(chan frame),
		flush:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go sess.read(r)
	go sess.run()
	return sess, nil
}

type frame struct {
	img     image.Image
	release func()
	err     error
}

type session struct {
	handlers  ports.EncoderHandlers
	quality   int
	minGap    time.Duration
	timeslice time.Duration

	frames chan frame
	flush  chan struct{}
	stop   chan struct{}
	done   chan struct{}

	stopOnce sync.Once
	buf      bytes.Buffer
	lastAt   time.Time
}

func (s *session) RequestData() {
	select {
	case s.flush <- struct{}{}:
	default:
	}
}

func (s *session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) read(r ports.FrameReader) {
	for {
		img, release, err := r.Read()
		select {
		case s.frames <- frame{img: img, release: release, err: err}:
		case <-s.done:
			if release != nil {
				release()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *session) run() {
	defer close(s.done)
	var tick <-chan time.Time
	if s.timeslice > 0 {
		t := time.NewTicker(s.timeslice)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case f := <-s.frames:
			if f.err != nil {
				s.emit()
				s.fail(f.err)
				s.finish()
				return
			}
			s.encode(f)
		case <-tick:
			s.emit()
		case <-s.flush:
			s.emit()
		case <-s.stop:
			s.emit()
			s.finish()
			return
		}
	}
}

func (s *session) encode(f frame) {
	if f.release != nil {
		defer f.release()
	}
	now := time.Now()
	if s.minGap > 0 && !s.lastAt.IsZero() && now.Sub(s.lastAt) < s.minGap {
		return
	}
	if err := jpeg.Encode(&s.buf, f.img, &jpeg.Options{Quality: s.quality}); err != nil {
		s.fail(err)
		return
	}
	s.lastAt = now
}

func (s *session) emit() {
	if s.buf.Len() == 0 {
		return
	}
	seg := make([]byte, s.buf.Len())
	copy(seg, s.buf.Bytes())
	s.buf.Reset()
	if s.handlers.OnData != nil {
		s.handlers.OnData(seg)
	}
}

func (s *session) fail(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *session) finish() {
	if s.handlers.OnStop != nil {
		s.handlers.OnStop()
	}
}

var _ ports.MediaEncoder = MJPEG{}
