package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrorClass represents how a failure should be handled.
type ErrorClass string

const (
	// ErrorClassPermanent failures are never retried.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassTransient failures are retried with exponential backoff.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassRateLimited failures are retried after the requested wait.
	ErrorClassRateLimited ErrorClass = "rate_limited"
)

// DefaultRateLimitWait is used when a rate-limit signal carries no wait.
const DefaultRateLimitWait = 60 * time.Second

// Classification is the result of classifying one failure.
// RetryAfter is only set for ErrorClassRateLimited.
type Classification struct {
	Class      ErrorClass
	RetryAfter time.Duration
}

var (
	rateLimitMessages = []string{"rate limit", "too many requests", "quota exceeded"}
	permanentMessages = []string{"unauthorized", "forbidden", "invalid param", "invalid argument"}
	transientMessages = []string{"timeout", "timed out", "connection refused", "connection reset", "broken pipe"}
)

// Classify maps a failure to its handling class. It is a pure function of
// err; rules are checked in order:
//
//  1. explicit rate-limit signal (ErrRateLimited, 429/520, a retry-after) → RateLimited
//  2. authentication, authorization or parameter errors → Permanent
//  3. timeouts, connection failures, 5xx → Transient
//  4. anything else → Transient
//
// Unknown errors are retried rather than failed.
func Classify(err error) Classification {
	var remote *RemoteError
	hasRemote := errors.As(err, &remote)
	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}

	// 1. Rate limit
	if hasRemote && (remote.RetryAfter > 0 ||
		remote.StatusCode == http.StatusTooManyRequests ||
		remote.StatusCode == 520) {
		return rateLimited(remote.RetryAfter)
	}
	if errors.Is(err, ErrRateLimited) || containsAny(msg, rateLimitMessages) {
		wait := time.Duration(0)
		if hasRemote {
			wait = remote.RetryAfter
		}
		return rateLimited(wait)
	}

	// 2. Permanent
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidParams) ||
		errors.Is(err, ErrResponseTooLarge) || errors.Is(err, context.Canceled) {
		return Classification{Class: ErrorClassPermanent}
	}
	if hasRemote && isPermanentStatus(remote.StatusCode) {
		return Classification{Class: ErrorClassPermanent}
	}
	if containsAny(msg, permanentMessages) {
		return Classification{Class: ErrorClassPermanent}
	}

	// 3. Transient
	if isTransient(err, remote, msg) {
		return Classification{Class: ErrorClassTransient}
	}

	// 4. Unknown: fail open
	return Classification{Class: ErrorClassTransient}
}

func isTransient(err error, remote *RemoteError, msg string) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if remote != nil && remote.StatusCode >= 500 {
		return true
	}
	return containsAny(msg, transientMessages)
}

func rateLimited(wait time.Duration) Classification {
	if wait <= 0 {
		wait = DefaultRateLimitWait
	}
	return Classification{Class: ErrorClassRateLimited, RetryAfter: wait}
}

// isPermanentStatus covers 4xx responses that repeat identically on retry.
func isPermanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
