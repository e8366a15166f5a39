package proctor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ghalamif/AegisProctor/internal/domain"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
var ErrChannelSinkClosed = errors.New("proctor: channel sink closed")

// violations are the kinds a reviewer has to look at. Lifecycle markers and
// the matching "back to normal" events are not among them.
var violations = map[domain.EventKind]bool{
	domain.EventPageHidden:           true,
	domain.EventWindowBlur:           true,
	domain.EventScreenshotKey:        true,
	domain.EventFullscreenExit:       true,
	domain.EventCameraRecoveryFailed: true,
}

// IsViolation reports whether kind counts against the candidate.
func IsViolation(kind string) bool { return violations[domain.EventKind(kind)] }

// NewCallbackSink turns fn into an EventSink for the journal forwarder.
func NewCallbackSink(name string, fn EventBatchSink) EventSink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewViolationSink forwards only violation events to next. Batches left
// empty after filtering are not delivered, so next never sees lifecycle
// noise such as session_started or page_visible.
func NewViolationSink(next EventSink) EventSink {
	return &violationSink{next: next}
}

// NewChannelSink hands batches to a reader over a channel. The returned
// func closes it; the forwarder blocks while the channel is full.
func NewChannelSink(name string, buffer int) (EventSink, <-chan []Event, func()) {
	if name == "" {
		name = "channel"
	}
	s := &channelSink{
		name: name,
		out:  make(chan []Event, max(buffer, 0)),
		done: make(chan struct{}),
	}
	return s, s.out, s.shut
}

type callbackSink struct {
	name string
	fn   EventBatchSink
}

func (s *callbackSink) WriteBatch(events []*domain.IntegrityEvent) error {
	switch {
	case s.fn == nil:
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	case len(events) == 0:
		return nil
	}
	return s.fn(toEvents(events))
}

func (s *callbackSink) Name() string { return s.name }

type violationSink struct {
	next EventSink
}

func (s *violationSink) WriteBatch(events []*domain.IntegrityEvent) error {
	kept := make([]*domain.IntegrityEvent, 0, len(events))
	for _, e := range events {
		if e != nil && violations[e.Kind] {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return s.next.WriteBatch(kept)
}

func (s *violationSink) Name() string { return "violations:" + s.next.Name() }

type channelSink struct {
	name string
	out  chan []Event
	done chan struct{}
	once sync.Once

	// sending is held across a send so shut never closes out under a parked writer.
	sending sync.Mutex
}

func (s *channelSink) WriteBatch(events []*domain.IntegrityEvent) error {
	s.sending.Lock()
	defer s.sending.Unlock()

	if s.isShut() {
		return ErrChannelSinkClosed
	}
	if len(events) == 0 {
		return nil
	}
	select {
	case s.out <- toEvents(events):
		return nil
	case <-s.done:
		return ErrChannelSinkClosed
	}
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) isShut() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *channelSink) shut() {
	s.once.Do(func() {
		close(s.done)
		s.sending.Lock()
		defer s.sending.Unlock()
		close(s.out)
	})
}

func toEvents(events []*domain.IntegrityEvent) []Event {
	if len(events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(events))
	for _, e := range events {
		out = append(out, eventFromDomain(e))
	}
	return out
}
