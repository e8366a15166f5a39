package pipeline

import (
	"context"
	"time"

	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

// RunForwarder drains the queue into the sink until ctx is cancelled, then
// makes one last pass so events recorded during teardown are not stranded.
func RunForwarder(ctx context.Context, j ports.Journal, q ports.EventQueue, sink ports.EventSink, pol ports.JournalPolicy, obs ports.Observability) {
	sleep := idleSleep(pol)
	for {
		select {
		case <-ctx.Done():
			for ForwardOnce(j, q, sink, pol, obs) > 0 {
			}
			return
		default:
		}

		if ForwardOnce(j, q, sink, pol, obs) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(sleep):
			}
		}
	}
}

// ForwardOnce moves one batch to the sink and commits it. It returns the
// number of events written. A failed write leaves the batch uncommitted so it
// is replayed on the next start.
func ForwardOnce(j ports.Journal, q ports.EventQueue, sink ports.EventSink, pol ports.JournalPolicy, obs ports.Observability) int {
	batch := q.DequeueBatch(pol.MaxBatchSize)
	if len(batch) == 0 {
		return 0
	}

	var (
		out   = make([]*domain.IntegrityEvent, 0, len(batch))
		maxID ports.JournalEntryID
	)
	for _, item := range batch {
		out = append(out, item.Event)
		if item.ID > maxID {
			maxID = item.ID
		}
	}

	if err := sink.WriteBatch(out); err != nil {
		obs.LogError("sink_write_failed", err,
			ports.Field{Key: "sink", Value: sink.Name()},
			ports.Field{Key: "events", Value: len(out)})
		return 0
	}
	obs.IncCounter("proctor_journal_forwarded_total", float64(len(out)))

	if err := j.Commit(maxID); err != nil {
		obs.LogError("journal_commit_failed", err)
	}
	stats := j.Stats()
	obs.SetGauge("proctor_journal_size_bytes", float64(stats.SizeBytes))
	obs.SetGauge("proctor_journal_queue_length", float64(q.Len()))
	return len(out)
}
