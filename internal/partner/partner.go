// Package partner implements the HTTP call to the partner API that the
// resilient client wraps.
package partner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/partner-proxy/internal/clock"
	"github.com/Sternrassler/partner-proxy/pkg/client"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "partner_http_request_duration_seconds",
	Help:    "Partner HTTP round-trip time by status code",
	Buckets: prometheus.DefBuckets,
}, []string{"code"})

// DefaultMaxBodyBytes caps the response body read from the partner.
const DefaultMaxBodyBytes = 10 << 20

// Config holds the partner HTTP client configuration.
type Config struct {
	// BaseURL is the API root; operations are appended as path segments.
	BaseURL string

	APIKey string

	// APIKeyHeader carries APIKey. Defaults to X-API-Key.
	APIKeyHeader string

	UserAgent string

	// Timeout bounds one HTTP round-trip. Ignored when HTTPClient is set.
	Timeout time.Duration

	HTTPClient   *http.Client
	MaxBodyBytes int64

	Clock  clock.Clock
	Logger *zerolog.Logger
}

// Client calls the partner API over HTTP.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a partner HTTP client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid partner base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid partner base url %q: scheme must be http or https", cfg.BaseURL)
	}

	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		base:   base,
		cfg:    cfg,
		http:   httpClient,
		clock:  cfg.Clock,
		logger: logging.OrDefault(cfg.Logger, "partner-http"),
	}, nil
}

// Call performs GET {base}/{operation}?{params} and returns the body of a
// 2xx response. Other statuses are returned as *client.RemoteError.
// Call has the signature of client.RemoteFunc.
func (c *Client) Call(ctx context.Context, operation string, params map[string]string) ([]byte, error) {
	op := strings.Trim(operation, "/")
	if op == "" || strings.Contains(op, "..") {
		return nil, &client.RemoteError{
			Operation:  operation,
			StatusCode: http.StatusBadRequest,
			Message:    "invalid operation",
			Err:        client.ErrInvalidParams,
		}
	}

	u := c.base.JoinPath(op)
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build partner request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}

	start := c.clock.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		requestDuration.WithLabelValues("error").Observe(c.clock.Now().Sub(start).Seconds())
		return nil, fmt.Errorf("partner %s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	requestDuration.WithLabelValues(strconv.Itoa(resp.StatusCode)).Observe(c.clock.Now().Sub(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("partner %s read body failed: %w", operation, err)
	}
	tooLarge := int64(len(body)) > c.cfg.MaxBodyBytes
	if tooLarge {
		body = body[:c.cfg.MaxBodyBytes]
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if tooLarge {
			c.logger.Warn().
				Str("operation", operation).
				Int64("max_body_bytes", c.cfg.MaxBodyBytes).
				Msg("Partner response exceeds body limit")
			return nil, fmt.Errorf("partner %s response exceeds %d bytes: %w",
				operation, c.cfg.MaxBodyBytes, client.ErrResponseTooLarge)
		}
		return body, nil
	}

	remoteErr := &client.RemoteError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now()),
		Message:    message(resp.StatusCode, body),
		Err:        sentinelFor(resp.StatusCode),
	}

	c.logger.Debug().
		Str("operation", operation).
		Int("status", resp.StatusCode).
		Dur("retry_after", remoteErr.RetryAfter).
		Msg("Partner returned error status")

	return nil, remoteErr
}

// ParseRetryAfter reads a Retry-After header in either delay-seconds or
// HTTP-date form. It returns 0 for an empty, malformed or past value.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sentinelFor(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return client.ErrUnauthorized
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return client.ErrInvalidParams
	case http.StatusTooManyRequests:
		return client.ErrRateLimited
	}
	return nil
}

// message prefers a short response body over the generic status text.
func message(status int, body []byte) string {
	const maxLen = 256
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return http.StatusText(status)
	}
	if len(msg) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}
