package proctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghalamif/AegisProctor/internal/ports"
)

// ErrMissingIdentity is returned when an exam attempt is bound without a
// test id or candidate id.
var ErrMissingIdentity = ports.ErrMissingIdentity

// Flow builds a proctored attempt step by step:
//
//	Conf → Candidate → Exam → Capture → Deliver → Run
//
// Steps that change the configuration are checked again in Deliver, so a
// Flow never produces a Runtime from a config that LoadConfig would reject.
type Flow struct {
	cfg  *Config
	opts []Option
	errs []error
}

// FlowOption mutates the Flow after configuration is loaded.
type FlowOption func(*Flow)

// CaptureOption swaps a camera-side adapter: device, preview, encoder, page.
type CaptureOption func(*Flow)

// DeliverOption swaps where evidence goes: backend, integrity events, telemetry.
type DeliverOption func(*Flow)

// Conf loads YAML from disk (with .env and PROCTOR_* overrides) and returns a
// Flow for it.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options appends raw Option values for advanced scenarios.
func (f *Flow) Options(opts ...Option) *Flow {
	if f != nil {
		f.add(opts...)
	}
	return f
}

// Candidate binds the attempt to a test and candidate, replacing whatever the
// config file or environment supplied. The token is optional.
func (f *Flow) Candidate(testID, candidateID, token string) *Flow {
	if f == nil {
		return nil
	}
	if testID == "" || candidateID == "" {
		f.errs = append(f.errs, fmt.Errorf("%w: got test %q, candidate %q", ErrMissingIdentity, testID, candidateID))
		return f
	}
	f.cfg.Session.TestID = testID
	f.cfg.Session.CandidateID = candidateID
	f.cfg.Session.CandidateToken = token
	return f
}

// ExamRule tightens how the exam page is supervised.
type ExamRule func(*Config)

// EnforceFullscreen asks for fullscreen on start and again whenever the
// candidate leaves it.
func EnforceFullscreen() ExamRule {
	return func(c *Config) { c.Display.EnforceFullscreen = true }
}

// Watermark stamps the candidate id into every heartbeat.
func Watermark() ExamRule {
	return func(c *Config) { c.Display.Watermark = true }
}

// SnapshotEvery overrides the periodic snapshot cadence. It must stay coarser
// than the heartbeat interval.
func SnapshotEvery(d time.Duration) ExamRule {
	return func(c *Config) { c.Snapshot.Interval = d }
}

// Exam records the page the attempt runs on and the rules applied to it.
func (f *Flow) Exam(pageURL string, rules ...ExamRule) *Flow {
	if f == nil {
		return nil
	}
	if pageURL != "" {
		f.cfg.Session.PageURL = pageURL
	}
	for _, rule := range rules {
		if rule != nil {
			rule(f.cfg)
		}
	}
	return f
}

func (f *Flow) Capture(opts ...CaptureOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Deliver applies the delivery overrides, re-validates the configuration and
// builds a Runtime. Errors from earlier steps are reported here, joined.
func (f *Flow) Deliver(opts ...DeliverOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if len(f.errs) > 0 {
		return nil, errors.Join(f.errs...)
	}
	if err := f.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("flow config: %w", err)
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run builds the Runtime and proctors the attempt until ctx is done or the
// session ends.
func (f *Flow) Run(ctx context.Context, opts ...DeliverOption) error {
	rt, err := f.Deliver(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// WithFlowOptions appends Option values during Conf.
func WithFlowOptions(opts ...Option) FlowOption {
	return func(f *Flow) {
		if f != nil {
			f.add(opts...)
		}
	}
}

// override wraps opt so that a nil adapter leaves the default in place.
func override(set bool, opt func() Option) func(*Flow) {
	return func(f *Flow) {
		if f != nil && set {
			f.add(opt())
		}
	}
}

func CaptureDevice(d Device) CaptureOption {
	return override(d != nil, func() Option { return WithDevice(d) })
}

func CapturePreview(s PreviewSink) CaptureOption {
	return override(s != nil, func() Option { return WithPreviewSink(s) })
}

// CaptureEncoder swaps the segment encoder used for the recording.
func CaptureEncoder(e MediaEncoder) CaptureOption {
	return override(e != nil, func() Option { return WithEncoder(e) })
}

// CapturePage connects the exam page signals.
func CapturePage(p PageMonitor) CaptureOption {
	return override(p != nil, func() Option { return WithPageMonitor(p) })
}

func DeliverBackend(b Backend) DeliverOption {
	return override(b != nil, func() Option { return WithBackend(b) })
}

// DeliverEvents sends integrity events to s instead of Postgres or the log.
func DeliverEvents(s EventSink) DeliverOption {
	return override(s != nil, func() Option { return WithEventSink(s) })
}

// DeliverViolations is DeliverEvents with everything but violations filtered out.
func DeliverViolations(s EventSink) DeliverOption {
	return override(s != nil, func() Option { return WithEventSink(NewViolationSink(s)) })
}

func DeliverObservability(obs Observability) DeliverOption {
	return override(obs != nil, func() Option { return WithObservability(obs) })
}

// DeliverCallback is DeliverEvents with a sink built from fn.
func DeliverCallback(name string, fn EventBatchSink) DeliverOption {
	return override(true, func() Option { return WithEventSink(NewCallbackSink(name, fn)) })
}

func (f *Flow) add(opts ...Option) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
