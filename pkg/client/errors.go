package client

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrRateLimited marks a failure as an explicit rate-limit signal.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnauthorized marks an authentication or authorization failure.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidParams marks a request the partner rejected as malformed.
	ErrInvalidParams = errors.New("invalid parameters")

	// ErrResponseTooLarge marks a partner response above the body limit.
	ErrResponseTooLarge = errors.New("response too large")
)

// RemoteError is a failed partner call with the details the partner returned.
type RemoteError struct {
	Operation  string
	StatusCode int

	// RetryAfter is the wait the partner asked for, 0 if none.
	RetryAfter time.Duration

	Message string
	Err     error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("partner %s failed (status %d): %s: %v",
			e.Operation, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("partner %s failed (status %d): %s",
		e.Operation, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// ClassifiedError is a remote failure surfaced to the caller after the
// retry executor gave up on it.
type ClassifiedError struct {
	Class    ErrorClass
	Attempts int
	Elapsed  time.Duration

	// RetryAfter is set for rate-limited failures.
	RetryAfter time.Duration

	// Outcome is why the executor stopped: permanent, exhausted or cancelled.
	Outcome string

	Err error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s %s error after %d attempts in %s: %v",
		e.Outcome, e.Class, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is reports ErrRetryExhausted and ErrContextCancelled matches from the
// outcome, so callers need not inspect the struct.
func (e *ClassifiedError) Is(target error) bool {
	switch target {
	case ErrRetryExhausted:
		return e.Outcome == outcomeExhausted
	case ErrContextCancelled:
		return e.Outcome == outcomeCancelled
	}
	return false
}

// StatusCode returns the partner status code of the underlying failure, or 0.
func (e *ClassifiedError) StatusCode() int {
	var re *RemoteError
	if errors.As(e.Err, &re) {
		return re.StatusCode
	}
	return 0
}
