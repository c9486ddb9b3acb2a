package poster

import (
	"errors"
	"fmt"
	"time"
)

// The post transport reports failures through these typed errors so callers
// branch with errors.As instead of matching error text.

// RateLimitedError signals the remote side refused the post due to rate
// limiting. The client never retries it internally; the reset metadata is
// surfaced so the coordinator can hold the tenant until ResetAt.
type RateLimitedError struct {
	ResetAt   time.Time
	Remaining time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s (%s remaining)", e.ResetAt.Format(time.RFC3339), e.Remaining)
}

// AuthError signals an authentication or authorization failure. It requires
// operator/config intervention and is never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth failed: " + e.Reason }

// TransientError wraps a network/IO failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsRateLimited extracts rate-limit metadata from err, if present.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsAuth reports whether err is an authentication/authorization failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
