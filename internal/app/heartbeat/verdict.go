package heartbeat

import (
	"time"

	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

// Signals are the inputs of a health verdict.
type Signals struct {
	LiveVideoTracks int
	FrameAge        time.Duration
	FrameAgeKnown   bool
	StaleAfter      time.Duration
	Page            ports.PageState
}

// Fresh reports whether the last frame is within the staleness bound. An
// unknown age counts as fresh.
func (s Signals) Fresh() bool {
	return !s.FrameAgeKnown || s.FrameAge <= s.StaleAfter
}

func Verdict(s Signals) domain.HealthStatus {
	if s.LiveVideoTracks == 0 {
		return domain.HealthIdle
	}
	if s.Fresh() && s.Page.Foreground() {
		return domain.HealthOK
	}
	return domain.HealthDegraded
}
