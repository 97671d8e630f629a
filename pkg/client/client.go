// Package client provides the resilient partner client: rate limiting,
// tiered caching, classified retries and cache write-back behind one Call.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/partner-proxy/internal/clock"
	"github.com/Sternrassler/partner-proxy/pkg/cache"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
	"github.com/Sternrassler/partner-proxy/pkg/metrics"
	"github.com/Sternrassler/partner-proxy/pkg/ratelimit"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partner_requests_total",
		Help: "Total client calls by operation and result source",
	}, []string{"operation", "source"})

	sharedCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partner_shared_calls_total",
		Help: "Total calls that joined an in-flight remote call for the same key",
	}, []string{"operation"})
)

var tracer = otel.Tracer("github.com/Sternrassler/partner-proxy/pkg/client")

// Result sources other than cache tier names.
const (
	SourceRemote      = "remote"
	SourceRateLimiter = "rate_limiter"
)

// AnonymousClient is the client ID used when the context carries none.
const AnonymousClient = "anonymous"

// RemoteFunc is the partner call the client protects. It may fail in any way;
// failures are classified by Classify.
type RemoteFunc func(ctx context.Context, operation string, params map[string]string) ([]byte, error)

// RateLimiter admits or denies a client's request.
type RateLimiter interface {
	Acquire(clientID string, cost float64) ratelimit.Decision
}

// Result is the outcome of a Call that did not fail.
type Result struct {
	// Value is the response payload. Nil when RateLimited.
	Value []byte

	// Source is the cache tier that served the value, SourceRemote or
	// SourceRateLimiter.
	Source string

	// RateLimited is true when the limiter denied the call. No cache or
	// remote access happened.
	RateLimited bool

	// RetryAfter is how long the caller should wait before retrying a
	// denied call.
	RetryAfter time.Duration
}

func newResult(value []byte, source string, rateLimited bool, retryAfter time.Duration) *Result {
	return &Result{
		Value:       value,
		Source:      source,
		RateLimited: rateLimited,
		RetryAfter:  retryAfter,
	}
}

// Config holds the client configuration.
type Config struct {
	// Remote is the partner call (required).
	Remote RemoteFunc

	// Limiter admits calls per client (required).
	Limiter RateLimiter

	// Cache is the tiered cache (required). The client owns it after New.
	Cache *cache.TieredCache

	// Executor runs remote calls. Defaults to one built from Clock, Metrics
	// and Logger.
	Executor *Executor

	// Policy is used by Call when the caller passes a zero RetryPolicy.
	Policy RetryPolicy

	// Categories maps category names to TTL policies for CategoryFor.
	Categories map[string]cache.Category

	// CallCost is the number of tokens one call consumes. Defaults to 1.
	CallCost float64

	Clock   clock.Clock
	Metrics *metrics.Aggregator
	Logger  *zerolog.Logger
}

// Client is the resilient call facade.
type Client struct {
	remote     RemoteFunc
	limiter    RateLimiter
	cache      *cache.TieredCache
	executor   *Executor
	policy     RetryPolicy
	categories map[string]cache.Category
	cost       float64
	clock      clock.Clock
	metrics    *metrics.Aggregator
	logger     zerolog.Logger
	group      singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context a shared remote call runs under. It is cancelled
// only when every caller waiting on it has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote func is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	if cfg.Categories == nil {
		cfg.Categories = cache.DefaultCategories()
	}
	if cfg.CallCost <= 0 {
		cfg.CallCost = 1
	}

	logger := logging.OrDefault(cfg.Logger, "partner-client")

	if cfg.Executor == nil {
		cfg.Executor = NewExecutor(ExecutorConfig{
			Clock:   cfg.Clock,
			Metrics: cfg.Metrics,
			Logger:  &logger,
		})
	}

	return &Client{
		remote:     cfg.Remote,
		limiter:    cfg.Limiter,
		cache:      cfg.Cache,
		executor:   cfg.Executor,
		policy:     cfg.Policy,
		categories: cfg.Categories,
		cost:       cfg.CallCost,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		logger:     logger,
		flights:    make(map[string]*flight),
	}, nil
}

// Call performs one partner read:
//
//  1. derive the cache key from operation and params
//  2. Acquire for the context's client (denied: rate-limited Result, nothing else happens)
//  3. Get from the cache (hit: return)
//  4. Execute the remote call under policy
//  5. SetCategory the response and return it
//
// Remote failures are returned as *ClassifiedError. A zero policy uses the
// client's default. Concurrent misses for the same key share one remote call;
// each caller stops waiting when its own ctx ends, and the shared call is
// cancelled once no caller is left.
func (c *Client) Call(ctx context.Context, operation string, params map[string]string, category cache.Category, policy RetryPolicy) (*Result, error) {
	key := cache.NewKey(operation, params).String()
	clientID := ClientIDFromContext(ctx)

	ctx, span := tracer.Start(ctx, "client.Call", trace.WithAttributes(
		attribute.String("partner.operation", operation),
		attribute.String("partner.client_id", clientID),
	))
	defer span.End()

	// Step 1: Check Rate Limit
	decision := c.limiter.Acquire(clientID, c.cost)
	if !decision.Allowed {
		c.logger.Warn().
			Str("operation", operation).
			Str("client_id", clientID).
			Dur("retry_after", decision.RetryAfter).
			Msg("Call denied by rate limiter")
		requestsTotal.WithLabelValues(operation, SourceRateLimiter).Inc()
		span.SetAttributes(attribute.Bool("partner.rate_limited", true))
		return newResult(nil, SourceRateLimiter, true, decision.RetryAfter), nil
	}

	// Step 2: Check Cache
	if value, tier, ok := c.cache.Lookup(ctx, key); ok {
		requestsTotal.WithLabelValues(operation, tier).Inc()
		span.SetAttributes(attribute.String("partner.source", tier))
		return newResult(value, tier, false, 0), nil
	}

	if policy.MaxAttempts == 0 {
		policy = c.policy
	}

	// Step 3: Remote call with retry, shared by concurrent misses
	start := c.clock.Now()
	ch := c.join(ctx, key, func(fctx context.Context) (interface{}, error) {
		return c.fetch(fctx, key, operation, params, category, policy)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
		c.leave(key)
	case <-ctx.Done():
		c.leave(key)
		err := c.abandoned(ctx, start)
		span.RecordError(err)
		span.SetStatus(codes.Error, "caller cancelled")
		requestsTotal.WithLabelValues(operation, "error").Inc()
		return nil, err
	}

	if res.Shared {
		sharedCallsTotal.WithLabelValues(operation).Inc()
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "remote call failed")
		requestsTotal.WithLabelValues(operation, "error").Inc()
		return nil, res.Err
	}

	requestsTotal.WithLabelValues(operation, SourceRemote).Inc()
	span.SetAttributes(attribute.String("partner.source", SourceRemote))
	return newResult(res.Val.([]byte), SourceRemote, false, 0), nil
}

// join registers the caller as a waiter on the key's flight and returns the
// channel of the shared call, starting it when none is running.
func (c *Client) join(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) <-chan singleflight.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++

	return c.group.DoChan(key, func() (interface{}, error) {
		return fn(f.ctx)
	})
}

// leave drops one waiter. The last waiter cancels the flight and makes the
// group forget it, so later callers start a fresh call.
func (c *Client) leave(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.flights[key]
	if !ok {
		return
	}
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	delete(c.flights, key)
	c.group.Forget(key)
}

// abandoned builds the error for a caller whose context ended while it
// waited on a shared call.
func (c *Client) abandoned(ctx context.Context, start time.Time) error {
	err := ctx.Err()
	c.metrics.Record(metrics.CallFailed(outcomeCancelled))
	c.logger.Debug().Err(err).Msg("Caller left shared call")
	return &ClassifiedError{
		Class:   Classify(err).Class,
		Elapsed: c.clock.Now().Sub(start),
		Outcome: outcomeCancelled,
		Err:     err,
	}
}

func (c *Client) fetch(ctx context.Context, key, operation string, params map[string]string, category cache.Category, policy RetryPolicy) ([]byte, error) {
	c.logger.Debug().
		Str("operation", operation).
		Str("key", key).
		Stringer("policy", policy).
		Msg("Executing partner call")

	var body []byte
	err := c.executor.Execute(ctx, policy, func(ctx context.Context) error {
		start := c.clock.Now()
		b, err := c.remote(ctx, operation, params)
		c.metrics.Record(metrics.CallCompleted(c.clock.Now().Sub(start), err == nil))
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Step 4: Write back. The response is complete; a caller cancelling now
	// must not leave the tiers without it.
	if err := c.cache.SetCategory(context.WithoutCancel(ctx), key, body, category); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
	} else {
		c.logger.Debug().
			Str("key", key).
			Str("category", category.Name).
			Msg("Cached response")
	}
	return body, nil
}

// CategoryFor returns the named category, or the default category when the
// name is unknown.
func (c *Client) CategoryFor(name string) cache.Category {
	if cat, ok := c.categories[name]; ok {
		return cat
	}
	if cat, ok := c.categories[cache.CategoryDefault.Name]; ok {
		return cat
	}
	return cache.CategoryDefault
}

// Invalidate removes the cached response for one operation and params.
func (c *Client) Invalidate(ctx context.Context, operation string, params map[string]string) {
	c.cache.Delete(ctx, cache.NewKey(operation, params).String())
}

// InvalidateOperation removes every cached response of an operation and
// returns the number of entries removed across tiers.
func (c *Client) InvalidateOperation(ctx context.Context, operation string) int {
	n := c.cache.Clear(ctx, cache.OperationPrefix(operation))
	c.logger.Info().Str("operation", operation).Int("removed", n).Msg("Invalidated operation")
	return n
}

// Stats returns the current metrics snapshot.
func (c *Client) Stats() metrics.Snapshot {
	return c.metrics.Snapshot()
}

// Cache returns the tiered cache.
func (c *Client) Cache() *cache.TieredCache {
	return c.cache
}

// Close releases the cache tiers and their connections.
func (c *Client) Close() error {
	if err := c.cache.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	return nil
}

type clientIDKey struct{}

// WithClientID returns a context whose calls are rate limited as clientID.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// ClientIDFromContext returns the client ID set by WithClientID, or
// AnonymousClient.
func ClientIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey{}).(string); ok && id != "" {
		return id
	}
	return AnonymousClient
}

// IsRateLimited reports whether err is a classified rate-limit failure and
// returns the wait it carries.
func IsRateLimited(err error) (time.Duration, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Class == ErrorClassRateLimited {
		return ce.RetryAfter, true
	}
	return 0, false
}
