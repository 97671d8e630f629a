package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// timeoutError satisfies net.Error.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o deadline" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantClass ErrorClass
		wantAfter time.Duration
	}{
		// Rate limit
		{
			name:      "429 with retry-after",
			err:       &RemoteError{StatusCode: 429, RetryAfter: 5 * time.Second},
			wantClass: ErrorClassRateLimited,
			wantAfter: 5 * time.Second,
		},
		{
			name:      "429 without retry-after defaults to 60s",
			err:       &RemoteError{StatusCode: 429},
			wantClass: ErrorClassRateLimited,
			wantAfter: 60 * time.Second,
		},
		{
			name:      "520 is a rate limit",
			err:       &RemoteError{StatusCode: 520},
			wantClass: ErrorClassRateLimited,
			wantAfter: 60 * time.Second,
		},
		{
			name:      "503 with retry-after",
			err:       &RemoteError{StatusCode: 503, RetryAfter: 2 * time.Second},
			wantClass: ErrorClassRateLimited,
			wantAfter: 2 * time.Second,
		},
		{
			name:      "rate limit marker",
			err:       fmt.Errorf("partner: %w", ErrRateLimited),
			wantClass: ErrorClassRateLimited,
			wantAfter: 60 * time.Second,
		},
		{
			name:      "rate limit message",
			err:       errors.New("Too Many Requests"),
			wantClass: ErrorClassRateLimited,
			wantAfter: 60 * time.Second,
		},
		// Permanent
		{name: "401", err: &RemoteError{StatusCode: 401}, wantClass: ErrorClassPermanent},
		{name: "403", err: &RemoteError{StatusCode: 403}, wantClass: ErrorClassPermanent},
		{name: "400", err: &RemoteError{StatusCode: 400}, wantClass: ErrorClassPermanent},
		{name: "404", err: &RemoteError{StatusCode: 404}, wantClass: ErrorClassPermanent},
		{name: "unauthorized marker", err: fmt.Errorf("login: %w", ErrUnauthorized), wantClass: ErrorClassPermanent},
		{name: "invalid params marker", err: ErrInvalidParams, wantClass: ErrorClassPermanent},
		{name: "forbidden message", err: errors.New("forbidden: missing scope"), wantClass: ErrorClassPermanent},
		{name: "context canceled", err: context.Canceled, wantClass: ErrorClassPermanent},
		{name: "response too large", err: fmt.Errorf("partner detail: %w", ErrResponseTooLarge), wantClass: ErrorClassPermanent},
		// Transient
		{name: "408 is transient", err: &RemoteError{StatusCode: 408}, wantClass: ErrorClassTransient},
		{name: "500", err: &RemoteError{StatusCode: 500}, wantClass: ErrorClassTransient},
		{name: "502", err: &RemoteError{StatusCode: 502}, wantClass: ErrorClassTransient},
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantClass: ErrorClassTransient},
		{name: "net error", err: timeoutError{}, wantClass: ErrorClassTransient},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), wantClass: ErrorClassTransient},
		{name: "unexpected eof", err: fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), wantClass: ErrorClassTransient},
		{name: "eof", err: fmt.Errorf("Get: %w", io.EOF), wantClass: ErrorClassTransient},
		// Unknown
		{name: "unknown error", err: errors.New("something odd"), wantClass: ErrorClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Class != tt.wantClass {
				t.Errorf("Classify().Class = %q, want %q", got.Class, tt.wantClass)
			}
			if got.RetryAfter != tt.wantAfter {
				t.Errorf("Classify().RetryAfter = %v, want %v", got.RetryAfter, tt.wantAfter)
			}
		})
	}
}

func TestIsTransient_EOF(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "io.EOF", err: fmt.Errorf("read: %w", io.EOF), want: true},
		{name: "io.ErrUnexpectedEOF", err: io.ErrUnexpectedEOF, want: true},
		{name: "word containing eof", err: errors.New("quota for the account thereof"), want: false},
		{name: "geofence", err: errors.New("outside geofence"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := strings.ToLower(tt.err.Error())
			if got := isTransient(tt.err, nil, msg); got != tt.want {
				t.Errorf("isTransient(%q) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	errs := []error{
		&RemoteError{StatusCode: 429, RetryAfter: 3 * time.Second},
		&RemoteError{StatusCode: 401},
		&RemoteError{StatusCode: 503},
		errors.New("unknown"),
	}

	for _, err := range errs {
		first := Classify(err)
		for i := 0; i < 100; i++ {
			if got := Classify(err); got != first {
				t.Fatalf("Classify(%v) = %+v on call %d, want %+v", err, got, i, first)
			}
		}
	}
}
