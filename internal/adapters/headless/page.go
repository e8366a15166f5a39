// Package headless implements the page-facing ports for an agent that runs
// without a browser. State changes are driven programmatically by the host
// (the CLI maps terminal input and OS signals onto them).
package headless

import (
	"sync"
	"time"

	"github.com/ghalamif/AegisProctor/internal/ports"
)

type Page struct {
	mu     sync.Mutex
	state  ports.PageState
	subs   map[uint64]func(ports.PageEvent)
	nextID uint64
	now    func() time.Time
}

// NewPage returns a visible, focused page at url.
func NewPage(url string) *Page {
	return &Page{
		state: ports.PageState{Visible: true, Focused: true, URL: url},
		subs:  map[uint64]func(ports.PageEvent){},
		now:   time.Now,
	}
}

func (p *Page) State() ports.PageState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Page) Subscribe(fn func(ports.PageEvent)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Subscribers returns the number of active subscriptions.
func (p *Page) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Page) SetVisible(v bool) {
	p.update(ports.PageVisibilityChange, "", func(s *ports.PageState) bool {
		changed := s.Visible != v
		s.Visible = v
		return changed
	})
}

func (p *Page) SetFocused(f bool) {
	kind := ports.PageBlur
	if f {
		kind = ports.PageFocus
	}
	p.update(kind, "", func(s *ports.PageState) bool {
		changed := s.Focused != f
		s.Focused = f
		return changed
	})
}

// PressKey reports a key press; only the screenshot key is forwarded.
func (p *Page) PressKey(key string) {
	if key != "PrintScreen" {
		return
	}
	p.update(ports.PageScreenshotKey, key, nil)
}

func (p *Page) ExitFullscreen() { p.update(ports.PageFullscreenExit, "", nil) }
func (p *Page) Hide()           { p.update(ports.PageHide, "", nil) }
func (p *Page) Unload()         { p.update(ports.PageUnload, "", nil) }

func (p *Page) update(kind ports.PageEventKind, key string, mutate func(*ports.PageState) bool) {
	p.mu.Lock()
	if mutate != nil && !mutate(&p.state) {
		p.mu.Unlock()
		return
	}
	ev := ports.PageEvent{Kind: kind, At: p.now(), State: p.state, Key: key}
	subs := make([]func(ports.PageEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

var _ ports.PageMonitor = (*Page)(nil)
