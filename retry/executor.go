// Package retry runs operations under a bounded, jittered exponential backoff.
//
// An Executor pairs immutable Params with a Classifier deciding which errors
// are worth another attempt. Every call to Do ends in exactly one of four
// outcomes: success (nil), the operation's own non-retryable error returned
// unmodified, an *ExhaustedError wrapping the last retryable error, or an
// *InterruptedError when the context is cancelled.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/cenkalti/backoff/v4"
)

// Classifier reports whether err is transient and the operation may be retried.
type Classifier func(err error) bool

// Operation is a unit of work that must be safe to run more than once.
type Operation func(ctx context.Context) error

// NotifyFunc is called before every backoff wait.
type NotifyFunc func(err error, attempt int, wait time.Duration)

// Executor runs operations under a retry policy. It holds no per-call state
// and is safe for concurrent use.
type Executor struct {
	params   Params
	classify Classifier
	logger   log.Logger
	notify   NotifyFunc
}

// Option ...
type Option func(*Executor)

// WithLogger ...
func WithLogger(logger log.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithNotify registers fn to be called before every wait between attempts.
func WithNotify(fn NotifyFunc) Option {
	return func(e *Executor) { e.notify = fn }
}

// New creates an Executor. params must come from NewParams, DefaultParams or NoRetries.
func New(params Params, classify Classifier, opts ...Option) (*Executor, error) {
	if !params.valid {
		return nil, fmt.Errorf("%w: params must be built with NewParams", ErrInvalidParams)
	}
	if classify == nil {
		return nil, fmt.Errorf("retry classifier must not be nil")
	}

	e := &Executor{
		params:   params,
		classify: classify,
		logger:   log.NewLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Params returns the policy of the executor.
func (e *Executor) Params() Params {
	return e.params
}

// Do runs op until it succeeds, fails with a non-retryable error, runs out of
// budget or ctx is cancelled. The context is only checked between attempts:
// a cancellation during a wait aborts the wait immediately.
func (e *Executor) Do(ctx context.Context, op Operation) error {
	schedule := e.params.NewBackOff()
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return &InterruptedError{Attempts: attempt, Err: ctxErr}
		}

		if !e.classify(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &InterruptedError{Attempts: attempt, Err: ctxErr, Last: err}
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			return &ExhaustedError{Attempts: attempt, Elapsed: time.Since(start), Err: err}
		}

		e.logger.Warnf("Attempt %d failed: %s, retrying in %s", attempt, err, wait.Round(time.Millisecond))
		if e.notify != nil {
			e.notify(err, attempt, wait)
		}

		if werr := sleep(ctx, wait); werr != nil {
			return &InterruptedError{Attempts: attempt, Err: werr, Last: err}
		}
	}
}

// Call is Do for operations producing a value.
func Call[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
