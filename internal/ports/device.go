package ports

import (
	"context"
	"image"
	"time"
)

// TrackState mirrors MediaStreamTrack.readyState.
type TrackState int

const (
	TrackLive TrackState = iota
	TrackEnded
)

// Constraints selects the capture format requested from a Device.
type Constraints struct {
	Width     int
	Height    int
	FrameRate float64
}

// Device grants exclusive access to a capture device. Open must wrap
// ErrPermissionDenied, ErrDeviceBusy or ErrNoDevice where it can tell.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is one acquired capture handle.
type Stream interface {
	ID() string
	VideoTracks() []Track
	AudioTracks() []Track
	// NewVideoReader returns an independent frame reader over the first video
	// track. Readers fail once the track ends.
	NewVideoReader() (FrameReader, error)
}

type Track interface {
	ID() string
	State() TrackState
	// OnEnded registers a handler invoked once when the track ends for any
	// reason other than Stop.
	OnEnded(fn func(error))
	Stop() error
}

// FrameReader yields decoded frames. release must be called once per frame.
type FrameReader interface {
	Read() (img image.Image, release func(), err error)
}

// PreviewSink renders the active stream, the Go stand-in for a <video> element.
type PreviewSink interface {
	Attach(s Stream) error
	Detach()
	// OnFrame subscribes to presented frames. ok is false when the sink has no
	// per-frame callback mechanism; callers then poll Position.
	OnFrame(fn func(at time.Time)) (cancel func(), ok bool)
	// Position is a playback counter that advances whenever a frame is shown.
	Position() time.Duration
	ReadyState() int
	LatestFrame() (image.Image, error)
}
