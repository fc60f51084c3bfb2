package retry

import (
	"errors"
	"fmt"
	"time"
)

// Outcome sentinels, match them with errors.Is.
var (
	ErrExhausted   = errors.New("retries exhausted")
	ErrInterrupted = errors.New("retry interrupted")
)

// ExhaustedError is returned when an operation kept failing with retryable
// errors until the retry budget ran out. It wraps the last error.
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts in %s: %s", ErrExhausted, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

// Unwrap ...
func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is ...
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// InterruptedError is returned when the context was cancelled while waiting
// between attempts. Err is the context error. Last is the failure that
// triggered the wait; it is kept for diagnostics and is not unwrapped.
type InterruptedError struct {
	Attempts int
	Err      error
	Last     error
}

func (e *InterruptedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s after %d attempts: %s", ErrInterrupted, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s after %d attempts: %s (last error: %s)", ErrInterrupted, e.Attempts, e.Err, e.Last)
}

// Unwrap ...
func (e *InterruptedError) Unwrap() error { return e.Err }

// Is ...
func (e *InterruptedError) Is(target error) bool { return target == ErrInterrupted }
