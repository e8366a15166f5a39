// Package recorder streams a time-sliced recording of the camera to the
// backend and finalizes the upload once every chunk has settled.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/AegisProctor/internal/adapters/observability"
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

// Binding tags every chunk with the session it belongs to.
type Binding struct {
	SessionID      string
	TestID         string
	CandidateID    string
	CandidateToken string
}

type Options struct {
	Timeslice     time.Duration
	UploadTimeout time.Duration
}

type Pipeline struct {
	encoder  ports.MediaEncoder
	uploader ports.ChunkUploader
	opts     Options
	obs      ports.Observability
	now      func() time.Time

	mu        sync.Mutex
	state     domain.RecorderState
	binding   Binding
	session   ports.EncoderSession
	gen       uint64
	stopped   chan struct{}
	stopOnce  *sync.Once
	starting  chan struct{}
	seq       uint64
	recorded  int64
	uploadID  string
	finalized bool
	onError   []func(error)

	pending sync.WaitGroup
}

func NewPipeline(enc ports.MediaEncoder, up ports.ChunkUploader, opts Options, obs ports.Observability) *Pipeline {
	if obs == nil {
		obs = observability.Nop{}
	}
	if opts.Timeslice <= 0 {
		opts.Timeslice = 5 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = time.Minute
	}
	return &Pipeline{
		encoder:  enc,
		uploader: up,
		opts:     opts,
		obs:      obs,
		now:      time.Now,
		state:    domain.RecorderIdle,
	}
}

func (p *Pipeline) SetBinding(b Binding) {
	p.mu.Lock()
	p.binding = b
	p.mu.Unlock()
}

// OnError registers a callback for start, chunk and finalize failures.
func (p *Pipeline) OnError(fn func(error)) {
	p.mu.Lock()
	p.onError = append(p.onError, fn)
	p.mu.Unlock()
}

// Start begins recording stream. It returns false when a recording is already
// in progress or the stream is missing; the reason goes to the error callbacks.
func (p *Pipeline) Start(stream ports.Stream) bool {
	p.mu.Lock()
	if p.session != nil || p.state == domain.RecorderRecording || p.state == domain.RecorderStopping {
		p.mu.Unlock()
		p.report(ports.ErrAlreadyRecording)
		return false
	}
	if stream == nil {
		p.mu.Unlock()
		p.report(ports.ErrNoStream)
		return false
	}
	p.gen++
	gen := p.gen
	p.state = domain.RecorderRecording
	p.stopped = make(chan struct{})
	p.stopOnce = &sync.Once{}
	p.seq = 0
	p.recorded = 0
	p.uploadID = ""
	p.finalized = false
	p.starting = make(chan struct{})
	stopOnce, stopped, starting := p.stopOnce, p.stopped, p.starting
	p.mu.Unlock()

	sess, err := p.encoder.Start(stream, p.opts.Timeslice, ports.EncoderHandlers{
		OnData:  func(seg []byte) { p.onData(gen, seg) },
		OnStop:  func() { stopOnce.Do(func() { close(stopped) }) },
		OnError: func(err error) { p.onEncoderError(gen, err) },
	})

	p.mu.Lock()
	close(starting)
	p.starting = nil
	if err != nil {
		p.state = domain.RecorderIdle
		p.mu.Unlock()
		p.obs.LogError("recorder_start_failed", err)
		p.report(fmt.Errorf("start recorder: %w", err))
		return false
	}
	p.session = sess
	p.mu.Unlock()

	p.obs.LogInfo("recorder_started",
		ports.Field{Key: "stream_id", Value: stream.ID()},
		ports.Field{Key: "mime_type", Value: p.encoder.MimeType()},
	)
	return true
}

func (p *Pipeline) onData(gen uint64, seg []byte) {
	if len(seg) == 0 {
		return
	}
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.seq++
	p.recorded += int64(len(seg))
	b := p.binding
	c := domain.Chunk{
		ID:             uuid.NewString(),
		Seq:            p.seq,
		Data:           seg,
		MimeType:       p.encoder.MimeType(),
		CapturedAt:     p.now().UTC(),
		SessionID:      b.SessionID,
		TestID:         b.TestID,
		CandidateID:    b.CandidateID,
		CandidateToken: b.CandidateToken,
		UploadID:       p.uploadID,
	}
	recorded := p.recorded
	p.pending.Add(1)
	p.mu.Unlock()

	p.obs.SetGauge("proctor_recorded_bytes", float64(recorded))
	go p.upload(c)
}

func (p *Pipeline) upload(c domain.Chunk) {
	defer p.pending.Done()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.UploadTimeout)
	defer cancel()

	start := time.Now()
	id, err := p.uploader.UploadChunk(ctx, c)
	p.obs.ObserveLatency("proctor_chunk_upload_seconds", time.Since(start).Seconds())
	if err != nil {
		p.obs.IncCounter("proctor_chunks_failed_total", 1)
		p.obs.LogError("chunk_upload_failed", err,
			ports.Field{Key: "seq", Value: c.Seq},
			ports.Field{Key: "bytes", Value: len(c.Data)},
		)
		p.report(fmt.Errorf("upload chunk %d: %w", c.Seq, err))
		return
	}

	p.obs.IncCounter("proctor_chunks_uploaded_total", 1)
	p.mu.Lock()
	if p.uploadID == "" && id != "" {
		p.uploadID = id
	}
	p.mu.Unlock()
}

func (p *Pipeline) onEncoderError(gen uint64, err error) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	if p.state == domain.RecorderRecording {
		p.state = domain.RecorderError
	}
	p.mu.Unlock()

	p.obs.LogError("encoder_failed", err)
	p.report(fmt.Errorf("encoder: %w", err))
}

// Stop flushes the encoder, waits for it to stop (bounded by ctx), waits for
// every pending upload to settle and then finalizes the upload exactly once.
// The pipeline is idle again when Stop returns. A Start that is still
// binding the encoder is waited for first.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	for p.starting != nil {
		starting := p.starting
		p.mu.Unlock()
		select {
		case <-starting:
		case <-ctx.Done():
			return fmt.Errorf("wait for recorder start: %w", ctx.Err())
		}
		p.mu.Lock()
	}
	if p.session == nil || p.state == domain.RecorderStopping {
		p.mu.Unlock()
		return nil
	}
	p.state = domain.RecorderStopping
	sess, stopped := p.session, p.stopped
	p.mu.Unlock()

	sess.RequestData()
	sess.Stop()

	var errs []error
	select {
	case <-stopped:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for encoder stop: %w", ctx.Err()))
	}

	p.mu.Lock()
	// Late segments from an encoder that missed the deadline are discarded.
	p.gen++
	p.mu.Unlock()

	p.pending.Wait()

	if err := p.finalize(ctx); err != nil {
		errs = append(errs, err)
	}

	p.mu.Lock()
	p.session = nil
	p.state = domain.RecorderIdle
	p.uploadID = ""
	p.mu.Unlock()

	return errors.Join(errs...)
}

func (p *Pipeline) finalize(ctx context.Context) error {
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		return nil
	}
	p.finalized = true
	b, uploadID, seq := p.binding, p.uploadID, p.seq
	p.mu.Unlock()

	if uploadID == "" {
		p.obs.LogInfo("recording_not_finalized", ports.Field{Key: "chunks", Value: seq})
		p.report(ports.ErrNoUploadID)
		return ports.ErrNoUploadID
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.UploadTimeout)
	defer cancel()
	err := p.uploader.FinalizeUpload(fctx, domain.FinalizeRequest{
		UploadID:       uploadID,
		SessionID:      b.SessionID,
		TestID:         b.TestID,
		CandidateID:    b.CandidateID,
		CandidateToken: b.CandidateToken,
		UploadedAt:     p.now().UTC(),
	})
	if err != nil {
		p.obs.LogError("finalize_failed", err, ports.Field{Key: "upload_id", Value: uploadID})
		err = fmt.Errorf("finalize upload %s: %w", uploadID, err)
		p.report(err)
		return err
	}
	p.obs.LogInfo("recording_finalized",
		ports.Field{Key: "upload_id", Value: uploadID},
		ports.Field{Key: "chunks", Value: seq},
	)
	return nil
}

func (p *Pipeline) report(err error) {
	p.mu.Lock()
	fns := append(([]func(error))(nil), p.onError...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// IsActive reports whether a recording is bound to an encoder session,
// including one whose encoder failed and still needs Stop.
func (p *Pipeline) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil && p.state != domain.RecorderStopping
}

func (p *Pipeline) State() domain.RecorderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RecordedSize is the number of encoded bytes produced by the current recording.
func (p *Pipeline) RecordedSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recorded
}

func (p *Pipeline) UploadID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploadID
}
