package headless

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ghalamif/AegisProctor/internal/ports"
)

// Notifier writes notices and errors to a zerolog logger and keeps the most
// recent messages for inspection.
type Notifier struct {
	log zerolog.Logger

	mu      sync.Mutex
	notices []string
	errs    []string
}

func NewNotifier(log zerolog.Logger) *Notifier {
	return &Notifier{log: log.With().Str("component", "notifier").Logger()}
}

func (n *Notifier) Notice(msg string, ttl time.Duration) {
	n.mu.Lock()
	n.notices = append(n.notices, msg)
	n.mu.Unlock()
	n.log.Info().Dur("ttl", ttl).Msg(msg)
}

func (n *Notifier) Error(msg string) {
	n.mu.Lock()
	n.errs = append(n.errs, msg)
	n.mu.Unlock()
	n.log.Error().Msg(msg)
}

func (n *Notifier) Notices() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notices...)
}

func (n *Notifier) Errors() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.errs...)
}

// Clipboard counts scrubs. There is no system clipboard in a headless agent.
type Clipboard struct {
	mu     sync.Mutex
	clears int
}

func (c *Clipboard) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.clears++
	c.mu.Unlock()
	return nil
}

func (c *Clipboard) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// ErrFullscreenRefused is returned when the host refuses fullscreen.
var ErrFullscreenRefused = errors.New("fullscreen request refused")

type Fullscreen struct {
	mu       sync.Mutex
	active   bool
	refuse   bool
	requests int
}

// Refuse makes subsequent requests fail.
func (f *Fullscreen) Refuse(v bool) {
	f.mu.Lock()
	f.refuse = v
	f.mu.Unlock()
}

func (f *Fullscreen) Request(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.refuse {
		return ErrFullscreenRefused
	}
	f.active = true
	return nil
}

func (f *Fullscreen) Exit(ctx context.Context) error {
	f.mu.Lock()
	f.active = false
	f.mu.Unlock()
	return nil
}

func (f *Fullscreen) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *Fullscreen) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

var (
	_ ports.Notifier   = (*Notifier)(nil)
	_ ports.Clipboard  = (*Clipboard)(nil)
	_ ports.Fullscreen = (*Fullscreen)(nil)
)
