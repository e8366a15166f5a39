package proctor

import (
	"time"

	base "github.com/ghalamif/AegisProctor/pkg/proctor"
)

// Re-exported errors for convenience.
var (
	ErrQueueFull         = base.ErrQueueFull
	ErrJournalFull       = base.ErrJournalFull
	ErrPublisherClosed   = base.ErrPublisherClosed
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
	ErrMissingIdentity   = base.ErrMissingIdentity
)

const (
	ReasonShutdown = base.ReasonShutdown
	ReasonUnload   = base.ReasonUnload
)

// Type aliases so consumers can import github.com/ghalamif/AegisProctor directly.
type (
	Config          = base.Config
	BackendConfig   = base.BackendConfig
	SessionConfig   = base.SessionConfig
	BackoffPolicy   = base.BackoffPolicy
	JournalPolicy   = base.JournalPolicy
	Flow            = base.Flow
	FlowOption      = base.FlowOption
	CaptureOption   = base.CaptureOption
	DeliverOption   = base.DeliverOption
	ExamRule        = base.ExamRule
	Runtime         = base.Runtime
	Option          = base.Option
	StartReport     = base.StartReport
	CameraResult    = base.CameraResult
	Event           = base.Event
	EventBatchSink  = base.EventBatchSink
	EventSink       = base.EventSink
	IntegrityEvent  = base.IntegrityEvent
	Device          = base.Device
	PreviewSink     = base.PreviewSink
	MediaEncoder    = base.MediaEncoder
	Backend         = base.Backend
	PageMonitor     = base.PageMonitor
	Notifier        = base.Notifier
	Observability   = base.Observability
	JournalStats    = base.JournalStats
	Publisher       = base.Publisher
	PublisherConfig = base.PublisherConfig
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...Option) FlowOption {
	return base.WithFlowOptions(opts...)
}

func EnforceFullscreen() ExamRule { return base.EnforceFullscreen() }
func Watermark() ExamRule         { return base.Watermark() }

func SnapshotEvery(d time.Duration) ExamRule {
	return base.SnapshotEvery(d)
}

func CaptureDevice(d Device) CaptureOption {
	return base.CaptureDevice(d)
}

func CapturePreview(s PreviewSink) CaptureOption {
	return base.CapturePreview(s)
}

func CaptureEncoder(e MediaEncoder) CaptureOption {
	return base.CaptureEncoder(e)
}

func CapturePage(p PageMonitor) CaptureOption {
	return base.CapturePage(p)
}

func DeliverBackend(b Backend) DeliverOption {
	return base.DeliverBackend(b)
}

func DeliverEvents(s EventSink) DeliverOption {
	return base.DeliverEvents(s)
}

func DeliverViolations(s EventSink) DeliverOption {
	return base.DeliverViolations(s)
}

func DeliverObservability(obs Observability) DeliverOption {
	return base.DeliverObservability(obs)
}

func DeliverCallback(name string, fn EventBatchSink) DeliverOption {
	return base.DeliverCallback(name, fn)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...Option) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithDevice(d Device) Option {
	return base.WithDevice(d)
}

func WithBackend(b Backend) Option {
	return base.WithBackend(b)
}

func WithPageMonitor(p PageMonitor) Option {
	return base.WithPageMonitor(p)
}

func WithNotifier(n Notifier) Option {
	return base.WithNotifier(n)
}

func WithEventSink(s EventSink) Option {
	return base.WithEventSink(s)
}

func WithObservability(obs Observability) Option {
	return base.WithObservability(obs)
}

// Sink adapters.
func NewCallbackSink(name string, fn EventBatchSink) EventSink {
	return base.NewCallbackSink(name, fn)
}

func NewViolationSink(next EventSink) EventSink {
	return base.NewViolationSink(next)
}

func IsViolation(kind string) bool { return base.IsViolation(kind) }

func NewChannelSink(name string, buffer int) (EventSink, <-chan []Event, func()) {
	return base.NewChannelSink(name, buffer)
}

// Journal publisher.
func NewPublisher(cfg *PublisherConfig, sink EventBatchSink) (*Publisher, error) {
	return base.NewPublisher(cfg, sink)
}

func InspectJournal(dir string) (JournalStats, error) {
	return base.InspectJournal(dir)
}
