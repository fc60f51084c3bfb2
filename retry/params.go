package retry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrInvalidParams is returned when retry parameters fail validation.
var ErrInvalidParams = errors.New("invalid retry params")

// Params describes how often and how long an operation may be retried.
// A Params value is immutable once built by NewParams and can be shared
// between any number of executors and goroutines.
type Params struct {
	maxRetries   int
	unlimited    bool
	maxElapsed   time.Duration
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64
	valid        bool
}

// ParamsOption ...
type ParamsOption func(*Params)

// WithMaxRetries limits the number of retries. An operation runs at most n+1 times,
// so zero allows a single attempt.
func WithMaxRetries(n int) ParamsOption {
	return func(p *Params) {
		p.maxRetries = n
		p.unlimited = false
	}
}

// WithUnlimitedRetries removes the attempt limit; the elapsed budget alone
// ends the retries, so it must be set.
func WithUnlimitedRetries() ParamsOption {
	return func(p *Params) {
		p.maxRetries = 0
		p.unlimited = true
	}
}

// WithMaxElapsed limits the total wall-clock time spent retrying, measured from the first attempt.
// Zero means no elapsed time limit.
func WithMaxElapsed(d time.Duration) ParamsOption {
	return func(p *Params) { p.maxElapsed = d }
}

// WithInitialDelay ...
func WithInitialDelay(d time.Duration) ParamsOption {
	return func(p *Params) { p.initialDelay = d }
}

// WithMaxDelay ...
func WithMaxDelay(d time.Duration) ParamsOption {
	return func(p *Params) { p.maxDelay = d }
}

// WithMultiplier ...
func WithMultiplier(m float64) ParamsOption {
	return func(p *Params) { p.multiplier = m }
}

// WithJitter sets the randomization factor applied to every delay, between 0 and 1.
// A delay d is drawn uniformly from [d*(1-j), d*(1+j)].
func WithJitter(j float64) ParamsOption {
	return func(p *Params) { p.jitter = j }
}

// DefaultParams returns the parameters used when a caller does not provide any:
// up to 6 retries within 50 seconds, starting at 1s and doubling up to 32s, with 10% jitter.
func DefaultParams() Params {
	return Params{
		maxRetries:   6,
		maxElapsed:   50 * time.Second,
		initialDelay: time.Second,
		maxDelay:     32 * time.Second,
		multiplier:   2,
		jitter:       0.1,
		valid:        true,
	}
}

// NoRetries returns parameters that allow exactly one attempt.
func NoRetries() Params {
	return MustParams(WithMaxRetries(0))
}

// NewParams applies opts on top of DefaultParams and validates the result.
func NewParams(opts ...ParamsOption) (Params, error) {
	p := DefaultParams()
	for _, opt := range opts {
		opt(&p)
	}
	if err := p.validate(); err != nil {
		return Params{}, err
	}
	p.valid = true
	return p, nil
}

// MustParams is like NewParams but panics on invalid input. Intended for package level variables.
func MustParams(opts ...ParamsOption) Params {
	p, err := NewParams(opts...)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Params) validate() error {
	switch {
	case p.maxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidParams, p.maxRetries)
	case p.maxElapsed < 0:
		return fmt.Errorf("%w: max elapsed must not be negative, got %s", ErrInvalidParams, p.maxElapsed)
	case p.unlimited && p.maxElapsed == 0:
		return fmt.Errorf("%w: unlimited retries need a max elapsed budget", ErrInvalidParams)
	case p.initialDelay < 0:
		return fmt.Errorf("%w: initial delay must not be negative, got %s", ErrInvalidParams, p.initialDelay)
	case p.maxDelay < p.initialDelay:
		return fmt.Errorf("%w: max delay (%s) must not be less than initial delay (%s)", ErrInvalidParams, p.maxDelay, p.initialDelay)
	case math.IsNaN(p.multiplier) || p.multiplier < 1:
		return fmt.Errorf("%w: multiplier must be at least 1, got %v", ErrInvalidParams, p.multiplier)
	case math.IsNaN(p.jitter) || p.jitter < 0 || p.jitter > 1:
		return fmt.Errorf("%w: jitter must be between 0 and 1, got %v", ErrInvalidParams, p.jitter)
	}
	return nil
}

// MaxRetries returns the retry budget. It is meaningless when UnlimitedRetries is true.
func (p Params) MaxRetries() int { return p.maxRetries }

// UnlimitedRetries reports whether only the elapsed budget limits retries.
func (p Params) UnlimitedRetries() bool { return p.unlimited }

// MaxElapsed ...
func (p Params) MaxElapsed() time.Duration { return p.maxElapsed }

// InitialDelay ...
func (p Params) InitialDelay() time.Duration { return p.initialDelay }

// MaxDelay ...
func (p Params) MaxDelay() time.Duration { return p.maxDelay }

// Multiplier ...
func (p Params) Multiplier() float64 { return p.multiplier }

// Jitter ...
func (p Params) Jitter() float64 { return p.jitter }

// Delay returns the un-randomized delay preceding retry number attempt (0 based):
// InitialDelay * Multiplier^attempt, capped at MaxDelay.
func (p Params) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt))
	if d > float64(p.maxDelay) || math.IsInf(d, 1) {
		return p.maxDelay
	}
	return time.Duration(d)
}

// NewBackOff returns a fresh retry schedule for a single execution. Every call
// to NextBackOff yields the next (jittered) delay, or backoff.Stop once either
// budget is spent.
func (p Params) NewBackOff() backoff.BackOff {
	if !p.unlimited && p.maxRetries == 0 {
		return &backoff.StopBackOff{}
	}

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.initialDelay,
		RandomizationFactor: p.jitter,
		Multiplier:          p.multiplier,
		MaxInterval:         p.maxDelay,
		MaxElapsedTime:      p.maxElapsed,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}

	var b backoff.BackOff = exp
	if !p.unlimited {
		b = backoff.WithMaxRetries(exp, uint64(p.maxRetries))
	}
	b.Reset()
	return b
}

func (p Params) String() string {
	retries := strconv.Itoa(p.maxRetries)
	if p.unlimited {
		retries = "unlimited"
	}
	return fmt.Sprintf("retry.Params{maxRetries=%s, maxElapsed=%s, initialDelay=%s, maxDelay=%s, multiplier=%v, jitter=%v}",
		retries, p.maxElapsed, p.initialDelay, p.maxDelay, p.multiplier, p.jitter)
}
