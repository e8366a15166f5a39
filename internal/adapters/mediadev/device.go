// Package mediadev adapts pion/mediadevices capture devices to the camera
// ports.
package mediadev

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"

	// Registers the V4L2/AVFoundation camera drivers.
	_ "github.com/pion/mediadevices/pkg/driver/camera"

	"github.com/ghalamif/AegisProctor/internal/ports"
)

// Device opens the first camera that satisfies the constraints.
type Device struct {
	// DeviceID pins a specific camera; empty selects the best match.
	DeviceID string
}

func (d Device) Open(ctx context.Context, c ports.Constraints) (ports.Stream, error) {
	type result struct {
		ms  mediadevices.MediaStream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(mc *mediadevices.MediaTrackConstraints) { d.constrain(mc, c) },
		})
		ch <- result{ms, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, classify(r.err)
		}
		return newStream(r.ms), nil
	case <-ctx.Done():
		// The device may still be granted after we gave up; release it then.
		go func() {
			if r := <-ch; r.err == nil {
				for _, t := range r.ms.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func (d Device) constrain(mc *mediadevices.MediaTrackConstraints, c ports.Constraints) {
	if d.DeviceID != "" {
		mc.DeviceID = prop.String(d.DeviceID)
	}
	if c.Width > 0 {
		mc.Width = prop.Int(c.Width)
	}
	if c.Height > 0 {
		mc.Height = prop.Int(c.Height)
	}
	if c.FrameRate > 0 {
		mc.FrameRate = prop.Float(c.FrameRate)
	}
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, fs.ErrPermission), strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", ports.ErrPermissionDenied, err)
	case errors.Is(err, syscall.EBUSY), strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ports.ErrDeviceBusy, err)
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "no such"), strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ports.ErrNoDevice, err)
	default:
		return err
	}
}

type stream struct {
	id    string
	video []ports.Track
	audio []ports.Track
	first *mediadevices.VideoTrack
}

func newStream(ms mediadevices.MediaStream) *stream {
	s := &stream{id: uuid.NewString()}
	for _, t := range ms.GetVideoTracks() {
		s.video = append(s.video, newTrack(t))
		if vt, ok := t.(*mediadevices.VideoTrack); ok && s.first == nil {
			s.first = vt
		}
	}
	for _, t := range ms.GetAudioTracks() {
		s.audio = append(s.audio, newTrack(t))
	}
	return s
}

func (s *stream) ID() string                 { return s.id }
func (s *stream) VideoTracks() []ports.Track { return s.video }
func (s *stream) AudioTracks() []ports.Track { return s.audio }

func (s *stream) NewVideoReader() (ports.FrameReader, error) {
	if s.first == nil {
		return nil, ports.ErrNoDevice
	}
	if s.video[0].State() != ports.TrackLive {
		return nil, fmt.Errorf("mediadev: video track %s ended", s.video[0].ID())
	}
	return s.first.NewReader(true), nil
}

type track struct {
	inner mediadevices.Track

	mu       sync.Mutex
	ended    bool
	stopped  bool
	handlers []func(error)
}

func newTrack(inner mediadevices.Track) *track {
	t := &track{inner: inner}
	inner.OnEnded(t.onEnded)
	return t
}

func (t *track) ID() string { return t.inner.ID() }

func (t *track) State() ports.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return ports.TrackEnded
	}
	return ports.TrackLive
}

func (t *track) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.handlers = append(t.handlers, fn)
	t.mu.Unlock()
}

func (t *track) onEnded(err error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	handlers := t.handlers
	stopped := t.stopped
	t.handlers = nil
	t.mu.Unlock()

	if stopped {
		return
	}
	for _, fn := range handlers {
		fn(err)
	}
}

func (t *track) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.ended = true
	t.handlers = nil
	t.mu.Unlock()
	return t.inner.Close()
}

var _ ports.Device = Device{}
