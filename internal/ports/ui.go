package ports

import (
	"context"
	"time"
)

// Notifier delivers display strings to the surrounding exam UI.
type Notifier interface {
	Notice(msg string, ttl time.Duration)
	Error(msg string)
}

type Clipboard interface {
	Clear(ctx context.Context) error
}

type Fullscreen interface {
	Request(ctx context.Context) error
	Exit(ctx context.Context) error
	Active() bool
}
