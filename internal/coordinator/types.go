package coordinator

import (
	"time"
)

// Status is the coarse outcome of one Tick call.
type Status int

const (
	// StatusDispatched means one tenant was picked and a dispatch ran.
	StatusDispatched Status = iota
	// StatusNothingDue means no enabled tenant was due; persisted state untouched.
	StatusNothingDue
	// StatusAlreadyRunning means another tick holds the lock; this one exited
	// immediately without waiting.
	StatusAlreadyRunning
)

func (s Status) String() string {
	switch s {
	case StatusDispatched:
		return "dispatched"
	case StatusNothingDue:
		return "nothing_due"
	case StatusAlreadyRunning:
		return "already_running"
	default:
		return "unknown"
	}
}

// Outcome is the per-dispatch result for the chosen tenant.
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomePosted: the item went out and the store was asked to mark it.
	OutcomePosted
	// OutcomeNoEligibleWork: the selector found nothing; tenant skipped.
	OutcomeNoEligibleWork
	// OutcomeRateLimited: the remote refused; tenant held until reset.
	OutcomeRateLimited
	// OutcomeAuthFailed: credentials rejected; tenant held until config reload.
	OutcomeAuthFailed
	// OutcomeFailed: transient/unknown failure after the client's own retries.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePosted:
		return "posted"
	case OutcomeNoEligibleWork:
		return "no_eligible_work"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeAuthFailed:
		return "auth_failed"
	case OutcomeFailed:
		return "failed"
	default:
		return "none"
	}
}

// TickResult summarizes one tick.
//
// Err carries the per-dispatch failure for observability. It is deliberately
// NOT returned as the Tick error: a tenant failing is a degraded outcome, not
// a coordinator failure.
type TickResult struct {
	Status     Status
	TenantID   string
	Outcome    Outcome
	ExternalID string
	ResetAt    time.Time // set when Outcome is OutcomeRateLimited
	Err        error
}

// Config controls the coordinator.
type Config struct {
	// Interval is how long after a tenant's last (attempted) execution it
	// becomes due again.
	Interval time.Duration

	// MinIdle is the per-item re-post threshold passed to the selector.
	MinIdle time.Duration

	// DispatchTimeout bounds one worker run. 0 means no bound; a stuck
	// transport is then the operator's problem (outside supervision).
	DispatchTimeout time.Duration
}
