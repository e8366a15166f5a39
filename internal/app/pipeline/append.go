package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

var (
	ErrJournalFull = errors.New("journal full")
	ErrQueueFull   = errors.New("queue full")
)

// Record durably appends an integrity event and queues it for forwarding. It
// returns ErrJournalFull or ErrQueueFull when a policy dropped the event.
func Record(j ports.Journal, q ports.EventQueue, e *domain.IntegrityEvent, pol ports.JournalPolicy, obs ports.Observability) error {
	if !waitForJournalCapacity(j, pol, obs) {
		obs.RecordDropped(0, e, ErrJournalFull)
		return ErrJournalFull
	}

	id, err := j.Append(e)
	if err != nil {
		obs.LogCritical("journal_append_failed", err)
		return fmt.Errorf("journal append: %w", err)
	}

	if !enqueueWithPolicy(q, id, e, pol, obs) {
		// Still journaled; it will be replayed on the next start.
		obs.RecordDropped(id, e, ErrQueueFull)
		return ErrQueueFull
	}
	obs.SetGauge("proctor_journal_queue_length", float64(q.Len()))
	return nil
}

func idleSleep(pol ports.JournalPolicy) time.Duration {
	if pol.IdleSleep <= 0 {
		return 5 * time.Millisecond
	}
	return pol.IdleSleep
}

func waitForJournalCapacity(j ports.Journal, pol ports.JournalPolicy, obs ports.Observability) bool {
	if pol.MaxJournalSizeBytes <= 0 {
		return true
	}
	sleep := idleSleep(pol)

	for {
		stats := j.Stats()
		if stats.SizeBytes < pol.MaxJournalSizeBytes {
			return true
		}

		switch pol.OnJournalFull {
		case "block":
			time.Sleep(sleep)
		case "drop":
			obs.LogError("journal_full_drop", fmt.Errorf("size=%d limit=%d", stats.SizeBytes, pol.MaxJournalSizeBytes))
			return false
		default:
			obs.LogError("journal_policy_invalid", fmt.Errorf("policy=%s", pol.OnJournalFull))
			return false
		}
	}
}

func enqueueWithPolicy(q ports.EventQueue, id ports.JournalEntryID, e *domain.IntegrityEvent, pol ports.JournalPolicy, obs ports.Observability) bool {
	sleep := idleSleep(pol)

	for {
		if ok := q.Enqueue(id, e); ok {
			return true
		}

		switch pol.OnQueueFull {
		case "block":
			time.Sleep(sleep)
		case "drop", "reject":
			obs.LogError("queue_full_drop", fmt.Errorf("queue length exceeded capacity %d", pol.MaxQueueLen))
			return false
		default:
			obs.LogError("queue_policy_invalid", fmt.Errorf("policy=%s", pol.OnQueueFull))
			return false
		}
	}
}

// Replay re-queues every uncommitted journal entry, typically on startup.
func Replay(j ports.Journal, q ports.EventQueue, pol ports.JournalPolicy, obs ports.Observability) (int, error) {
	stats := j.Stats()
	if stats.LatestAppended == 0 {
		return 0, nil
	}
	start := stats.OldestUncommitted
	if start == 0 || start > stats.LatestAppended {
		return 0, nil
	}

	var replayed int
	err := j.Iterate(start, func(id ports.JournalEntryID, e *domain.IntegrityEvent) error {
		if !enqueueWithPolicy(q, id, e, pol, obs) {
			return fmt.Errorf("queue full during journal replay")
		}
		replayed++
		return nil
	})
	if err != nil {
		return replayed, err
	}
	if replayed > 0 {
		obs.LogInfo("journal_replay_complete",
			ports.Field{Key: "events", Value: replayed},
			ports.Field{Key: "from_id", Value: start})
	}
	return replayed, nil
}
