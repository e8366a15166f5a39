package sink

import (
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

// LogSink forwards integrity events to the structured log when no audit
// database is configured.
type LogSink struct {
	obs ports.Observability
}

func NewLogSink(obs ports.Observability) *LogSink {
	return &LogSink{obs: obs}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) WriteBatch(events []*domain.IntegrityEvent) error {
	for _, e := range events {
		l.obs.LogInfo("integrity_event",
			ports.Field{Key: "kind", Value: string(e.Kind)},
			ports.Field{Key: "session_id", Value: e.SessionID},
			ports.Field{Key: "seq", Value: e.Seq},
			ports.Field{Key: "at", Value: e.At},
			ports.Field{Key: "detail", Value: e.Detail})
	}
	return nil
}

var _ ports.EventSink = (*LogSink)(nil)
