package ports

import "time"

// EncoderHandlers receive encoder output. OnData is never invoked after OnStop.
type EncoderHandlers struct {
	OnData  func(segment []byte)
	OnStop  func()
	OnError func(error)
}

// MediaEncoder produces time-sliced encoded segments from a stream.
type MediaEncoder interface {
	MimeType() string
	Start(s Stream, timeslice time.Duration, h EncoderHandlers) (EncoderSession, error)
}

type EncoderSession interface {
	// RequestData flushes the segment collected so far.
	RequestData()
	// Stop flushes a final segment and then fires OnStop.
	Stop()
}
