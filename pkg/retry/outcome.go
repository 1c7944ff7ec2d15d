package retry

import (
	"context"
	"sync"
)

// Outcome is the write-once result of a campaign. It resolves with the
// operation's successful result or rejects with the final error.
type Outcome[R any] struct {
	once sync.Once
	done chan struct{}
	val  R
	err  error
}

func newOutcome[R any]() *Outcome[R] {
	return &Outcome[R]{done: make(chan struct{})}
}

// settle records the result. Only the first call has an effect.
func (o *Outcome[R]) settle(val R, err error) bool {
	won := false
	o.once.Do(func() {
		o.val, o.err = val, err
		close(o.done)
		won = true
	})
	return won
}

func (o *Outcome[R]) resolve(val R) bool {
	return o.settle(val, nil)
}

func (o *Outcome[R]) reject(err error) bool {
	var zero R
	return o.settle(zero, err)
}

// Done returns a channel closed once the outcome is settled.
func (o *Outcome[R]) Done() <-chan struct{} {
	return o.done
}

// Settled reports whether the outcome has been resolved or rejected.
func (o *Outcome[R]) Settled() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Result returns the settled result without blocking. It returns
// ErrNotSettled while the campaign is still running.
func (o *Outcome[R]) Result() (R, error) {
	if !o.Settled() {
		var zero R
		return zero, ErrNotSettled
	}
	return o.val, o.err
}

// Wait blocks until the outcome settles or ctx is done. Giving up on ctx does
// not abort the campaign.
func (o *Outcome[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-o.done:
		return o.val, o.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
