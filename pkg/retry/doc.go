// Package retry drives idempotent operations through retry campaigns with
// exponential backoff.
//
// A campaign is owned by a Runner. It starts exactly once, runs attempts
// strictly one after another, waits initialDelay, 2*initialDelay,
// 4*initialDelay, ... between failures and settles its Outcome exactly once:
// with the first successful result, with a RetriesExceededError once
// maxAttempts is used up, or with the abort reason.
//
// Key Features:
//   - Write-once Outcome with Done channel and context-aware Wait
//   - Abort at any point; late results of an in-flight attempt are discarded
//   - Optional jitter strategies (None, Equal, Decorrelated) and delay cap
//   - Failure classification (WithRetryable) and server delay hints (RetryAfter)
//   - Observability hook (WithOnRetry); the package itself never logs
//   - Injectable clock (github.com/juju/clock) for deterministic tests
//
// Campaign Usage:
//
//	r := retry.NewRunner(func(ctx context.Context) (string, error) {
//	    return fetchDescription(ctx, url)
//	}, 500*time.Millisecond, 10)
//
//	out := r.Start()
//	// ...
//	r.Abort(errors.New("device went away")) // optional
//
//	desc, err := out.Wait(ctx)
//
// Blocking Usage:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    return someNetworkOperation(ctx)
//	})
//
// Misuse is a programmer error: constructing a Runner with a non-positive delay
// or attempt count, or calling Start twice, panics.
//
// For HTTP-specific retry logic, use internal/platform/httpclient which adds
// status code awareness and Retry-After support on top of this package.
package retry
