package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/AegisProctor/internal/adapters/journal"
	"github.com/ghalamif/AegisProctor/internal/adapters/observability"
	"github.com/ghalamif/AegisProctor/internal/adapters/queue"
	"github.com/ghalamif/AegisProctor/internal/app/pipeline"
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

var (
	// ErrQueueFull indicates the in-memory queue rejected the event according to policy.
	ErrQueueFull = pipeline.ErrQueueFull
	// ErrJournalFull indicates the journal is at capacity and OnJournalFull != "block".
	ErrJournalFull = pipeline.ErrJournalFull
	// ErrPublisherClosed is returned by Publish after Close.
	ErrPublisherClosed = errors.New("proctor: publisher closed")
)

// Event mirrors the internal integrity event but is safe for external callers.
type Event struct {
	Kind        string
	SessionID   string
	CandidateID string
	At          time.Time
	Seq         uint64
	Detail      string
}

// EventBatchSink is invoked with ordered batches dequeued from the journal.
type EventBatchSink func([]Event) error

// PublisherConfig configures the journal-backed publisher used by callers.
type PublisherConfig struct {
	Policy JournalPolicy
	Dir    string
}

// applyDefaults fills in thresholds so callers only override what they need.
func (c *PublisherConfig) applyDefaults() {
	if c.Policy.MaxJournalSizeBytes == 0 {
		c.Policy.MaxJournalSizeBytes = 64 << 20
	}
	if c.Policy.MaxQueueLen == 0 {
		c.Policy.MaxQueueLen = 10_000
	}
	if c.Policy.MaxBatchSize == 0 {
		c.Policy.MaxBatchSize = 100
	}
	if c.Policy.IdleSleep == 0 {
		c.Policy.IdleSleep = 50 * time.Millisecond
	}
	if c.Policy.OnQueueFull == "" {
		c.Policy.OnQueueFull = "block"
	}
	if c.Policy.OnJournalFull == "" {
		c.Policy.OnJournalFull = "drop"
	}
	if c.Dir == "" {
		c.Dir = "./data/proctor-journal"
	}
}

func (c *PublisherConfig) validate() error {
	if c.Dir == "" {
		return fmt.Errorf("journal dir is required")
	}
	if c.Policy.MaxQueueLen <= 0 {
		return fmt.Errorf("policy.max_queue_len must be > 0")
	}
	if c.Policy.MaxBatchSize <= 0 {
		return fmt.Errorf("policy.max_batch_size must be > 0")
	}
	return nil
}

// Publisher exposes the journal→queue→sink pipeline to event producers. Every
// published event is on disk before Publish returns and reaches the sink at
// least once, across restarts if necessary.
type Publisher struct {
	policy      JournalPolicy
	journal     ports.Journal
	queue       ports.EventQueue
	sink        ports.EventSink
	obs         ports.Observability
	ownsJournal bool

	publishMu sync.Mutex
	closed    atomic.Bool

	cancel    context.CancelFunc
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewPublisher opens a file journal in cfg.Dir, replays anything not yet
// delivered and starts forwarding batches to sink.
func NewPublisher(cfg *PublisherConfig, sink EventBatchSink) (*Publisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink callback is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	j, err := journal.Open(cfg.Dir)
	if err != nil {
		return nil, err
	}
	q := queue.NewMemQueue(cfg.Policy.MaxQueueLen)

	pub, err := startPublisher(cfg.Policy, j, q, NewCallbackSink("callback", sink), observability.Nop{}, true)
	if err != nil {
		_ = j.Close()
		return nil, err
	}
	return pub, nil
}

func startPublisher(pol JournalPolicy, j ports.Journal, q ports.EventQueue, snk ports.EventSink, obs ports.Observability, ownsJournal bool) (*Publisher, error) {
	if _, err := pipeline.Replay(j, q, pol, obs); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		policy:      pol,
		journal:     j,
		queue:       q,
		sink:        snk,
		obs:         obs,
		ownsJournal: ownsJournal,
		cancel:      cancel,
		doneCh:      make(chan struct{}),
	}
	go func() {
		defer close(p.doneCh)
		pipeline.RunForwarder(ctx, j, q, snk, pol, obs)
	}()
	return p, nil
}

// Publish appends the event to the journal and enqueues it according to
// policy. Seq is assigned by the journal; a zero At is set to now.
func (p *Publisher) Publish(ev Event) error {
	return p.publish(ev.toDomain())
}

func (p *Publisher) publish(e *domain.IntegrityEvent) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return pipeline.Record(p.journal, p.queue, e, p.policy, p.obs)
}

// Stats reports the journal position and size.
func (p *Publisher) Stats() JournalStats { return p.journal.Stats() }

// Pending is the number of events waiting in memory for the sink.
func (p *Publisher) Pending() int { return p.queue.Len() }

// Close stops accepting events, drains the queue into the sink and waits for
// the forwarder to exit, respecting the provided context.
func (p *Publisher) Close(ctx context.Context) error {
	p.closed.Store(true)
	p.closeOnce.Do(p.cancel)

	select {
	case <-p.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !p.ownsJournal {
		return nil
	}
	p.publishMu.Lock()
	defer p.publishMu.Unlock()
	return p.journal.Close()
}

func (e Event) toDomain() *domain.IntegrityEvent {
	return &domain.IntegrityEvent{
		Kind:        domain.EventKind(e.Kind),
		SessionID:   e.SessionID,
		CandidateID: e.CandidateID,
		At:          e.At,
		Seq:         e.Seq,
		Detail:      e.Detail,
	}
}

func eventFromDomain(e *domain.IntegrityEvent) Event {
	return Event{
		Kind:        string(e.Kind),
		SessionID:   e.SessionID,
		CandidateID: e.CandidateID,
		At:          e.At,
		Seq:         e.Seq,
		Detail:      e.Detail,
	}
}

// InspectJournal opens the journal in dir just long enough to read its stats.
func InspectJournal(dir string) (JournalStats, error) {
	j, err := journal.Open(dir)
	if err != nil {
		return JournalStats{}, err
	}
	stats := j.Stats()
	return stats, j.Close()
}
