package retry

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAborted is the rejection reason of a campaign aborted without an
	// explicit reason. Aborts with a reason match it as well.
	ErrAborted = errors.New("retry: campaign aborted")

	// ErrAlreadyStarted is the panic value of a second Start call.
	ErrAlreadyStarted = errors.New("retry: campaign already started")

	// ErrNotSettled is returned by Outcome.Result while the campaign runs.
	ErrNotSettled = errors.New("retry: outcome not settled")
)

// RetriesExceededError is returned when retries are exhausted
type RetriesExceededError struct {
	LastError     error
	Attempts      int
	TotalDuration time.Duration
	Reason        string
}

func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("retry: %s after %s (%d attempts): %v",
		e.Reason, e.TotalDuration, e.Attempts, e.LastError)
}

func (e *RetriesExceededError) Unwrap() error {
	return e.LastError
}

// PanicError is the failure recorded for an attempt whose operation panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("retry: operation panicked: %v", e.Value)
}

// DelayHinter is implemented by errors that carry a wait suggested by the
// remote side, such as an HTTP Retry-After header.
type DelayHinter interface {
	RetryAfter() time.Duration
}

func delayHint(err error) time.Duration {
	var h DelayHinter
	if errors.As(err, &h) {
		return h.RetryAfter()
	}
	return 0
}

func abortError(reason error) error {
	switch {
	case reason == nil:
		return ErrAborted
	case errors.Is(reason, ErrAborted):
		return reason
	default:
		return fmt.Errorf("%w: %w", ErrAborted, reason)
	}
}
