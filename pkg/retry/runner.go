package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Operation is a unit of work driven by a Runner. It must be idempotent: the
// runner invokes it again after every retryable failure.
type Operation[R any] func(ctx context.Context) (R, error)

// RetryableFunc is an operation without a result.
type RetryableFunc func(ctx context.Context) error

// IsRetryableFunc determines if an error should trigger a retry
type IsRetryableFunc func(err error) bool

// State is the lifecycle position of a campaign.
type State int

const (
	// NotStarted is the initial state; only Start (or Abort) is meaningful.
	NotStarted State = iota
	// Attempting means the operation is in flight.
	Attempting
	// Waiting means a backoff timer is pending.
	Waiting
	// Succeeded is terminal: the outcome resolved.
	Succeeded
	// Failed is terminal: attempts were exhausted or the failure was not retryable.
	Failed
	// Aborted is terminal: Abort was called.
	Aborted
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Attempting:
		return "attempting"
	case Waiting:
		return "waiting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the campaign has finished in this state.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Aborted
}

type settings struct {
	clock     clock.Clock
	maxDelay  time.Duration
	jitter    JitterStrategy
	retryable IsRetryableFunc
	onRetry   func(attempt int, err error, delay time.Duration)
}

// Option configures a Runner.
type Option func(*settings)

// WithClock sets the clock used for backoff timers.
func WithClock(c clock.Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMaxDelay caps every backoff wait at d. Zero disables the cap.
func WithMaxDelay(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.maxDelay = d
		}
	}
}

// WithJitter randomizes backoff waits.
func WithJitter(j JitterStrategy) Option {
	return func(s *settings) { s.jitter = j }
}

// WithRetryable sets the failure classifier. A failure it rejects ends the
// campaign with that error, regardless of the remaining attempts.
func WithRetryable(f IsRetryableFunc) Option {
	return func(s *settings) { s.retryable = f }
}

// WithOnRetry registers a hook called each time a retry is scheduled, with the
// number of the failed attempt, its error and the wait before the next one.
// The hook must not call back into the Runner.
func WithOnRetry(f func(attempt int, err error, delay time.Duration)) Option {
	return func(s *settings) { s.onRetry = f }
}

// Runner owns one retry campaign.
type Runner[R any] struct {
	op           Operation[R]
	initialDelay time.Duration
	maxAttempts  int
	cfg          settings
	outcome      *Outcome[R]

	mu        sync.Mutex
	started   bool
	state     State
	attempts  int
	delay     time.Duration
	timer     clock.Timer
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewRunner creates a campaign for op. It panics if op is nil or if
// initialDelay or maxAttempts is not positive.
func NewRunner[R any](op Operation[R], initialDelay time.Duration, maxAttempts int, opts ...Option) *Runner[R] {
	if op == nil {
		panic("retry: nil operation")
	}
	if initialDelay <= 0 {
		panic(fmt.Sprintf("retry: initial delay must be positive, got %v", initialDelay))
	}
	if maxAttempts <= 0 {
		panic(fmt.Sprintf("retry: max attempts must be positive, got %d", maxAttempts))
	}

	cfg := settings{clock: clock.WallClock}
	for _, o := range opts {
		o(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner[R]{
		op:           op,
		initialDelay: initialDelay,
		maxAttempts:  maxAttempts,
		cfg:          cfg,
		outcome:      newOutcome[R](),
		delay:        initialDelay,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the first attempt immediately and returns the campaign
// outcome. Calling Start twice panics with ErrAlreadyStarted.
func (r *Runner[R]) Start() *Outcome[R] {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		panic(ErrAlreadyStarted)
	}
	r.started = true
	r.startedAt = r.cfg.clock.Now()
	if r.state.Terminal() {
		r.mu.Unlock()
		return r.outcome
	}
	ctx, n := r.beginLocked()
	r.mu.Unlock()

	go r.invoke(ctx, n)
	return r.outcome
}

// Abort ends the campaign and rejects the outcome with reason, or with
// ErrAborted when reason is nil. A pending retry is cancelled; an attempt in
// flight is left to finish and its result is discarded. Abort after the
// campaign has finished does nothing.
func (r *Runner[R]) Abort(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return
	}
	r.finishLocked(Aborted)
	r.outcome.reject(abortError(reason))
}

// Outcome returns the campaign outcome. It is the same value Start returns.
func (r *Runner[R]) Outcome() *Outcome[R] {
	return r.outcome
}

// State returns the current campaign state.
func (r *Runner[R]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts returns the number of attempts started so far.
func (r *Runner[R]) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// beginLocked accounts for a new attempt. r.mu must be held.
func (r *Runner[R]) beginLocked() (context.Context, int) {
	r.attempts++
	r.state = Attempting
	return r.ctx, r.attempts
}

// finishLocked moves to a terminal state and releases the timer. r.mu must be held.
func (r *Runner[R]) finishLocked(s State) {
	r.state = s
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.cancel()
}

func (r *Runner[R]) invoke(ctx context.Context, attempt int) {
	val, err := r.call(ctx)
	r.complete(attempt, val, err)
}

func (r *Runner[R]) call(ctx context.Context) (val R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()
	return r.op(ctx)
}

func (r *Runner[R]) complete(attempt int, val R, err error) {
	retryable := err != nil && (r.cfg.retryable == nil || r.cfg.retryable(err))

	r.mu.Lock()
	if r.state.Terminal() {
		// Aborted while in flight.
		r.mu.Unlock()
		return
	}

	switch {
	case err == nil:
		r.finishLocked(Succeeded)
		r.outcome.resolve(val)
		r.mu.Unlock()
		return
	case !retryable:
		r.finishLocked(Failed)
		r.outcome.reject(err)
		r.mu.Unlock()
		return
	case attempt >= r.maxAttempts:
		r.finishLocked(Failed)
		r.outcome.reject(&RetriesExceededError{
			LastError:     err,
			Attempts:      attempt,
			TotalDuration: r.cfg.clock.Now().Sub(r.startedAt),
			Reason:        "max attempts exceeded",
		})
		r.mu.Unlock()
		return
	}

	wait := r.waitLocked(err)
	r.state = Waiting
	r.mu.Unlock()

	if r.cfg.onRetry != nil {
		r.cfg.onRetry(attempt, err, wait)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Waiting {
		return
	}
	r.timer = r.cfg.clock.AfterFunc(wait, r.fire)
}

// waitLocked returns the wait before the next attempt and advances the
// backoff schedule. r.mu must be held.
func (r *Runner[R]) waitLocked(err error) time.Duration {
	wait := r.delay
	if hint := delayHint(err); hint > 0 {
		wait = hint
	} else {
		wait = applyJitter(wait, r.cfg.jitter)
	}
	r.delay = nextDelay(r.delay, r.cfg.maxDelay)
	return clampDelay(wait, r.cfg.maxDelay)
}

// fire runs on the clock's goroutine and must not block it.
func (r *Runner[R]) fire() {
	go r.retry()
}

func (r *Runner[R]) retry() {
	r.mu.Lock()
	if r.state != Waiting {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	ctx, n := r.beginLocked()
	r.mu.Unlock()

	r.invoke(ctx, n)
}
