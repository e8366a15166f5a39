package guard

import (
	"bytes"
	"context"
	"image/jpeg"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

func (c *Coordinator) startSnapshots() {
	c.mu.Lock()
	if c.snapStop != nil {
		c.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	c.snapStop, c.snapDone = stop, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(c.opts.SnapshotInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := c.Snapshot(context.Background(), "interval"); err != nil {
					c.obs.LogError("snapshot_failed", err, ports.Field{Key: "reason", Value: "interval"})
				}
			}
		}
	}()
}

func (c *Coordinator) stopSnapshots() {
	c.mu.Lock()
	stop, done := c.snapStop, c.snapDone
	c.snapStop, c.snapDone = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// SnapshotAsync captures and uploads a snapshot without blocking the caller.
func (c *Coordinator) SnapshotAsync(reason string) {
	go func() {
		if err := c.Snapshot(context.Background(), reason); err != nil {
			c.obs.LogError("snapshot_failed", err, ports.Field{Key: "reason", Value: reason})
		}
	}()
}

// Snapshot encodes the latest preview frame as JPEG and sends it to the
// backend. It is a no-op before the session has started.
func (c *Coordinator) Snapshot(ctx context.Context, reason string) error {
	sess := c.Session()
	if !sess.Started() {
		return nil
	}
	sink := c.deps.Camera.Sink()
	if sink == nil {
		return ports.ErrFrameUnavailable
	}
	img, err := sink.LatestFrame()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	quality := c.opts.SnapshotQuality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return err
	}

	b := img.Bounds()
	snap := domain.ProctorSnapshot{
		ID:             uuid.NewString(),
		SessionID:      sess.SessionID,
		Image:          buf.Bytes(),
		Width:          b.Dx(),
		Height:         b.Dy(),
		TakenAt:        time.Now().UTC(),
		CandidateToken: sess.CandidateToken,
		Reason:         reason,
	}

	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if err := c.deps.Backend.Snapshot(rctx, snap); err != nil {
		return err
	}
	c.bump(func(n *counters) { n.Snapshots++ })
	c.obs.IncCounter("proctor_snapshots_total", 1)
	return nil
}
