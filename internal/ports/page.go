package ports

import "time"

// PageState is the current foreground state of the exam page.
type PageState struct {
	Visible bool
	Focused bool
	URL     string
}

// Foreground reports whether the page is both visible and focused.
func (s PageState) Foreground() bool { return s.Visible && s.Focused }

type PageEventKind string

const (
	PageVisibilityChange PageEventKind = "visibility_change"
	PageFocus            PageEventKind = "focus"
	PageBlur             PageEventKind = "blur"
	PageScreenshotKey    PageEventKind = "screenshot_key"
	PageFullscreenExit   PageEventKind = "fullscreen_exit"
	PageHide             PageEventKind = "page_hide"
	PageUnload           PageEventKind = "unload"
)

type PageEvent struct {
	Kind  PageEventKind
	At    time.Time
	State PageState
	Key   string
}

// PageMonitor exposes page signals as typed subscriptions. The returned
// unsubscribe function must be safe to call more than once.
type PageMonitor interface {
	State() PageState
	Subscribe(fn func(PageEvent)) (unsubscribe func())
}
