// Package camera owns the capture device handle for one proctoring session.
package camera

import (
	"context"
	"errors"
	"sync"

	"github.com/ghalamif/AegisProctor/internal/adapters/observability"
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

// StreamHook is invoked after every successful Open or Restart with the new
// stream and the sink it is rendered into.
type StreamHook func(s ports.Stream, sink ports.PreviewSink)

// Controller is the exclusive owner of the device stream. Other components
// only hold references re-supplied through StreamHooks.
type Controller struct {
	device      ports.Device
	sink        ports.PreviewSink
	constraints ports.Constraints
	obs         ports.Observability

	mu      sync.Mutex
	stream  ports.Stream
	status  domain.CameraStatus
	message string
	hooks   []StreamHook
}

func NewController(device ports.Device, sink ports.PreviewSink, c ports.Constraints, obs ports.Observability) *Controller {
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Controller{
		device:      device,
		sink:        sink,
		constraints: c,
		obs:         obs,
		status:      domain.CameraIdle,
	}
}

// OnStreamChange registers a hook fired after each successful acquisition.
func (c *Controller) OnStreamChange(fn StreamHook) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Open requests video-only access. A handle that is still live is reused; a
// dead one is released before a new one is acquired.
func (c *Controller) Open(ctx context.Context) domain.CameraResult {
	c.mu.Lock()
	if c.stream != nil && liveVideo(c.stream) > 0 {
		res := domain.CameraResult{OK: true, Status: c.status, Message: c.message}
		c.mu.Unlock()
		return res
	}
	c.releaseLocked()
	res, stream := c.acquireLocked(ctx)
	hooks := append([]StreamHook(nil), c.hooks...)
	c.mu.Unlock()

	if res.OK {
		for _, h := range hooks {
			h(stream, c.sink)
		}
	}
	return res
}

// Restart releases the current handle completely and acquires a new one.
func (c *Controller) Restart(ctx context.Context) domain.CameraResult {
	c.mu.Lock()
	c.releaseLocked()
	res, stream := c.acquireLocked(ctx)
	hooks := append([]StreamHook(nil), c.hooks...)
	c.mu.Unlock()

	if res.OK {
		c.obs.LogInfo("camera_restarted", ports.Field{Key: "stream_id", Value: stream.ID()})
		for _, h := range hooks {
			h(stream, c.sink)
		}
	}
	return res
}

// Close stops every track and detaches the sink. Safe to call repeatedly.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
	if c.status == domain.CameraOn {
		c.status = domain.CameraIdle
		c.message = ""
	}
}

func (c *Controller) releaseLocked() {
	if c.stream == nil {
		return
	}
	if c.sink != nil {
		c.sink.Detach()
	}
	for _, t := range allTracks(c.stream) {
		if err := t.Stop(); err != nil {
			c.obs.LogError("camera_track_stop_failed", err, ports.Field{Key: "track_id", Value: t.ID()})
		}
	}
	c.stream = nil
}

func (c *Controller) acquireLocked(ctx context.Context) (domain.CameraResult, ports.Stream) {
	if c.device == nil {
		c.status, c.message = domain.CameraError, "No camera device is available."
		return domain.CameraResult{Status: c.status, Message: c.message}, nil
	}

	stream, err := c.device.Open(ctx, c.constraints)
	if err == nil && (stream == nil || liveVideo(stream) == 0) {
		if stream != nil {
			for _, t := range allTracks(stream) {
				_ = t.Stop()
			}
		}
		err = ports.ErrNoDevice
	}
	if err != nil {
		c.status, c.message = classify(err)
		c.obs.LogError("camera_open_failed", err, ports.Field{Key: "status", Value: string(c.status)})
		return domain.CameraResult{Status: c.status, Message: c.message}, nil
	}

	if c.sink != nil {
		if err := c.sink.Attach(stream); err != nil {
			for _, t := range allTracks(stream) {
				_ = t.Stop()
			}
			c.status, c.message = domain.CameraError, "Camera preview could not be started."
			c.obs.LogError("camera_preview_attach_failed", err)
			return domain.CameraResult{Status: c.status, Message: c.message}, nil
		}
	}

	c.stream = stream
	c.status, c.message = domain.CameraOn, ""
	return domain.CameraResult{OK: true, Status: c.status}, stream
}

func classify(err error) (domain.CameraStatus, string) {
	switch {
	case errors.Is(err, ports.ErrPermissionDenied):
		return domain.CameraBlocked, "Camera access was blocked. Allow camera access to continue the test."
	case errors.Is(err, ports.ErrDeviceBusy):
		return domain.CameraError, "The camera is in use by another application."
	case errors.Is(err, ports.ErrNoDevice):
		return domain.CameraError, "No camera was found. Connect a camera and try again."
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.CameraError, "Timed out waiting for the camera."
	default:
		return domain.CameraError, "The camera could not be started: " + err.Error()
	}
}

func (c *Controller) Status() domain.CameraResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CameraResult{OK: c.status == domain.CameraOn, Status: c.status, Message: c.message}
}

// Stream returns the current handle, or nil while closed.
func (c *Controller) Stream() ports.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Controller) Sink() ports.PreviewSink { return c.sink }

// HasLiveVideo reports whether the current handle has at least one live video track.
func (c *Controller) HasLiveVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil && liveVideo(c.stream) > 0
}

// TrackCounts returns video, audio and live track counts of the current handle.
func (c *Controller) TrackCounts() (video, audio, live int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TrackCounts(c.stream)
}

func TrackCounts(s ports.Stream) (video, audio, live int) {
	if s == nil {
		return 0, 0, 0
	}
	for _, t := range s.VideoTracks() {
		video++
		if t.State() == ports.TrackLive {
			live++
		}
	}
	for _, t := range s.AudioTracks() {
		audio++
		if t.State() == ports.TrackLive {
			live++
		}
	}
	return video, audio, live
}

func liveVideo(s ports.Stream) int {
	n := 0
	for _, t := range s.VideoTracks() {
		if t.State() == ports.TrackLive {
			n++
		}
	}
	return n
}

func allTracks(s ports.Stream) []ports.Track {
	return append(append([]ports.Track(nil), s.VideoTracks()...), s.AudioTracks()...)
}
