package headless

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ghalamif/AegisProctor/internal/ports"
)

func TestPageEmitsOnlyChanges(t *testing.T) {
	p := NewPage("https://exam.local/test/1")
	var got []ports.PageEventKind
	unsubscribe := p.Subscribe(func(ev ports.PageEvent) { got = append(got, ev.Kind) })

	p.SetVisible(true)
	p.SetVisible(false)
	p.SetFocused(false)
	p.SetFocused(true)
	p.PressKey("a")
	p.PressKey("PrintScreen")
	p.Hide()

	want := []ports.PageEventKind{ports.PageVisibilityChange, ports.PageBlur, ports.PageFocus, ports.PageScreenshotKey, ports.PageHide}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if p.State().Visible {
		t.Fatalf("expected page hidden")
	}

	unsubscribe()
	unsubscribe()
	if p.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
	p.Unload()
	if len(got) != len(want) {
		t.Fatalf("events after unsubscribe must not be delivered")
	}
}

func TestNotifierLogs(t *testing.T) {
	var buf bytes.Buffer
	n := NewNotifier(zerolog.New(&buf))
	n.Notice("Camera restarted", 4*time.Second)
	n.Error("Camera unavailable")

	if len(n.Notices()) != 1 || len(n.Errors()) != 1 {
		t.Fatalf("unexpected recorded messages %v %v", n.Notices(), n.Errors())
	}
	if !strings.Contains(buf.String(), "Camera restarted") || !strings.Contains(buf.String(), `"component":"notifier"`) {
		t.Fatalf("unexpected log output %s", buf.String())
	}
}

func TestFullscreenRefusal(t *testing.T) {
	f := &Fullscreen{}
	if err := f.Request(context.Background()); err != nil || !f.Active() {
		t.Fatalf("expected fullscreen active, err=%v", err)
	}
	_ = f.Exit(context.Background())
	f.Refuse(true)
	if err := f.Request(context.Background()); !errors.Is(err, ErrFullscreenRefused) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if f.Active() || f.Requests() != 2 {
		t.Fatalf("unexpected state active=%v requests=%d", f.Active(), f.Requests())
	}
}
