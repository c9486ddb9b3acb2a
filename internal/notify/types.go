// Package notify delivers best-effort operator notifications about tick and
// dispatch outcomes. Delivery is asynchronous (queue + workers + rate limit +
// retry + dedup) so a slow sink can never block the coordinator.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

type Notification struct {
	Title    string
	Body     string
	Severity Severity
}

// Sink delivers one rendered notification. Implementations should be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Config controls the async pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type HistoryItem struct {
	At   time.Time
	Text string
}
