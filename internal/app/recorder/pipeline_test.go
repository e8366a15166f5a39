package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghalamif/AegisProctor/internal/adapters/synthetic"
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

type stubEncoder struct {
	mu       sync.Mutex
	handlers ports.EncoderHandlers
	starts   int
	startErr error
	final    []byte
	noStop   bool
	gate     chan struct{}
}

func (e *stubEncoder) MimeType() string { return "video/test" }

func (e *stubEncoder) Start(_ ports.Stream, _ time.Duration, h ports.EncoderHandlers) (ports.EncoderSession, error) {
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.starts++
	e.handlers = h
	return &stubSession{enc: e}, nil
}

func (e *stubEncoder) emit(seg []byte) {
	e.mu.Lock()
	h := e.handlers
	e.mu.Unlock()
	h.OnData(seg)
}

type stubSession struct {
	enc     *stubEncoder
	flushes int
	stops   int
}

func (s *stubSession) RequestData() { s.flushes++ }

func (s *stubSession) Stop() {
	s.stops++
	if s.enc.noStop {
		return
	}
	if s.enc.final != nil {
		s.enc.emit(s.enc.final)
	}
	s.enc.handlers.OnStop()
}

type stubUploader struct {
	mu        sync.Mutex
	chunks    []domain.Chunk
	finalized []domain.FinalizeRequest
	fail      map[uint64]bool
	release   chan struct{}
	inFlight  atomic.Int32
}

func (u *stubUploader) UploadChunk(ctx context.Context, c domain.Chunk) (string, error) {
	u.inFlight.Add(1)
	defer u.inFlight.Add(-1)
	if u.release != nil {
		select {
		case <-u.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.chunks = append(u.chunks, c)
	if u.fail[c.Seq] {
		return "", fmt.Errorf("upload %d: 500", c.Seq)
	}
	return "up-1", nil
}

func (u *stubUploader) FinalizeUpload(_ context.Context, req domain.FinalizeRequest) error {
	if n := u.inFlight.Load(); n != 0 {
		return fmt.Errorf("finalize with %d uploads in flight", n)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.finalized = append(u.finalized, req)
	return nil
}

func newStream(t *testing.T) ports.Stream {
	t.Helper()
	s, err := synthetic.NewDevice(8, 8, 30).Open(context.Background(), ports.Constraints{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

type errSink struct {
	mu   sync.Mutex
	errs []error
}

func (e *errSink) add(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

func (e *errSink) list() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func TestStopFinalizesAfterAllUploadsSettle(t *testing.T) {
	enc := &stubEncoder{final: []byte("tail")}
	up := &stubUploader{release: make(chan struct{})}
	p := NewPipeline(enc, up, Options{Timeslice: time.Second, UploadTimeout: 5 * time.Second}, nil)
	p.SetBinding(Binding{SessionID: "s-1", TestID: "t-1", CandidateID: "c-1", CandidateToken: "tok"})

	if !p.Start(newStream(t)) {
		t.Fatalf("expected start")
	}
	enc.emit([]byte("aaaa"))
	enc.emit([]byte("bbbb"))

	done := make(chan error, 1)
	go func() { done <- p.Stop(context.Background()) }()

	select {
	case <-done:
		t.Fatalf("stop returned while uploads were pending")
	case <-time.After(50 * time.Millisecond):
	}
	if p.State() != domain.RecorderStopping {
		t.Fatalf("expected stopping, got %s", p.State())
	}

	close(up.release)
	if err := <-done; err != nil {
		t.Fatalf("stop: %v", err)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(up.chunks))
	}
	if len(up.finalized) != 1 {
		t.Fatalf("expected exactly one finalize, got %d", len(up.finalized))
	}
	f := up.finalized[0]
	if f.UploadID != "up-1" || f.SessionID != "s-1" || f.CandidateToken != "tok" {
		t.Fatalf("unexpected finalize request %+v", f)
	}
	if p.State() != domain.RecorderIdle || p.IsActive() || p.UploadID() != "" {
		t.Fatalf("expected reset to idle")
	}
	if p.RecordedSize() != 12 {
		t.Fatalf("expected 12 recorded bytes, got %d", p.RecordedSize())
	}
}

func TestFailedChunksDoNotStopRecording(t *testing.T) {
	enc := &stubEncoder{}
	up := &stubUploader{fail: map[uint64]bool{1: true}}
	errs := &errSink{}
	p := NewPipeline(enc, up, Options{}, nil)
	p.OnError(errs.add)
	p.SetBinding(Binding{SessionID: "s-1"})

	p.Start(newStream(t))
	enc.emit([]byte("one"))
	waitFor(t, func() bool { return len(errs.list()) == 1 })
	if !p.IsActive() || p.State() != domain.RecorderRecording {
		t.Fatalf("recording must continue after a failed chunk")
	}
	if p.UploadID() != "" {
		t.Fatalf("a failed chunk must not define the upload id")
	}

	enc.emit([]byte("two"))
	waitFor(t, func() bool { return p.UploadID() == "up-1" })
	enc.emit([]byte("three"))
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if up.chunks[2].UploadID != "up-1" {
		t.Fatalf("later chunks should carry the upload id")
	}
	if len(up.finalized) != 1 {
		t.Fatalf("expected one finalize, got %d", len(up.finalized))
	}
}

func TestStopWithoutAcknowledgedChunks(t *testing.T) {
	enc := &stubEncoder{}
	up := &stubUploader{fail: map[uint64]bool{1: true}}
	p := NewPipeline(enc, up, Options{}, nil)

	p.Start(newStream(t))
	enc.emit([]byte("one"))
	if err := p.Stop(context.Background()); !errors.Is(err, ports.ErrNoUploadID) {
		t.Fatalf("expected ErrNoUploadID, got %v", err)
	}
	if len(up.finalized) != 0 {
		t.Fatalf("finalize must not be called without an upload id")
	}
}

func TestStartRejectsWhileRecording(t *testing.T) {
	enc := &stubEncoder{}
	errs := &errSink{}
	p := NewPipeline(enc, &stubUploader{}, Options{}, nil)
	p.OnError(errs.add)

	if p.Start(nil) {
		t.Fatalf("expected nil stream to be rejected")
	}
	if !p.Start(newStream(t)) {
		t.Fatalf("expected first start to succeed")
	}
	if p.Start(newStream(t)) {
		t.Fatalf("expected second start to be rejected")
	}
	got := errs.list()
	if len(got) != 2 || !errors.Is(got[0], ports.ErrNoStream) || !errors.Is(got[1], ports.ErrAlreadyRecording) {
		t.Fatalf("unexpected errors %v", got)
	}
	if enc.starts != 1 {
		t.Fatalf("expected one encoder start, got %d", enc.starts)
	}
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	enc := &stubEncoder{}
	up := &stubUploader{}
	p := NewPipeline(enc, up, Options{}, nil)

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop while idle: %v", err)
	}
	p.Start(newStream(t))
	enc.emit([]byte("x"))
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if !p.Start(newStream(t)) {
		t.Fatalf("expected restart after stop")
	}
	enc.emit([]byte("y"))
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.finalized) != 2 {
		t.Fatalf("expected one finalize per recording, got %d", len(up.finalized))
	}
	if up.chunks[1].Seq != 1 {
		t.Fatalf("expected sequence to restart, got %d", up.chunks[1].Seq)
	}
}

func TestStopWaitsForPendingStart(t *testing.T) {
	enc := &stubEncoder{gate: make(chan struct{}), final: []byte("tail")}
	up := &stubUploader{}
	p := NewPipeline(enc, up, Options{}, nil)
	stream := newStream(t)

	started := make(chan bool, 1)
	go func() { started <- p.Start(stream) }()
	waitFor(t, func() bool { return p.State() == domain.RecorderRecording })

	done := make(chan error, 1)
	go func() { done <- p.Stop(context.Background()) }()
	select {
	case err := <-done:
		t.Fatalf("stop returned before the encoder was bound: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(enc.gate)
	if !<-started {
		t.Fatalf("expected start to succeed")
	}
	if err := <-done; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.IsActive() || p.State() != domain.RecorderIdle {
		t.Fatalf("recording must not outlive stop, state %s", p.State())
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.finalized) != 1 {
		t.Fatalf("expected the pending recording to be finalized, got %d", len(up.finalized))
	}
}

func TestStopGivesUpOnPendingStartWithContext(t *testing.T) {
	enc := &stubEncoder{gate: make(chan struct{})}
	p := NewPipeline(enc, &stubUploader{}, Options{}, nil)
	stream := newStream(t)

	go p.Start(stream)
	waitFor(t, func() bool { return p.State() == domain.RecorderRecording })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	close(enc.gate)
	waitFor(t, p.IsActive)
	if err := p.Stop(context.Background()); !errors.Is(err, ports.ErrNoUploadID) {
		t.Fatalf("expected ErrNoUploadID from the late stop, got %v", err)
	}
}

func TestStopBoundedByContextWhenEncoderHangs(t *testing.T) {
	enc := &stubEncoder{noStop: true}
	up := &stubUploader{}
	p := NewPipeline(enc, up, Options{}, nil)

	p.Start(newStream(t))
	enc.emit([]byte("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	up.mu.Lock()
	finalized := len(up.finalized)
	up.mu.Unlock()
	if finalized != 1 {
		t.Fatalf("expected finalize despite encoder timeout, got %d", finalized)
	}

	enc.emit([]byte("late"))
	if p.RecordedSize() != 1 {
		t.Fatalf("late segments must be discarded, recorded %d", p.RecordedSize())
	}
}

func TestEncoderErrorMovesToErrorState(t *testing.T) {
	enc := &stubEncoder{}
	p := NewPipeline(enc, &stubUploader{}, Options{}, nil)
	p.Start(newStream(t))

	enc.mu.Lock()
	h := enc.handlers
	enc.mu.Unlock()
	h.OnError(errors.New("track ended"))

	if p.State() != domain.RecorderError || !p.IsActive() {
		t.Fatalf("expected error state that still needs stop, got %s", p.State())
	}
	_ = p.Stop(context.Background())
	if p.State() != domain.RecorderIdle {
		t.Fatalf("expected idle after stop, got %s", p.State())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
