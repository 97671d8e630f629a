//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/partner-proxy/internal/partner"
	"github.com/Sternrassler/partner-proxy/internal/testutil"
	"github.com/Sternrassler/partner-proxy/pkg/cache"
	"github.com/Sternrassler/partner-proxy/pkg/client"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
	"github.com/Sternrassler/partner-proxy/pkg/metrics"
	"github.com/Sternrassler/partner-proxy/pkg/ratelimit"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	addr := host + ":" + port.Port()
	redisClient := redis.NewClient(&redis.Options{Addr: addr})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// stack is one proxy instance: memory tier, shared Redis tier and facade.
type stack struct {
	client  *client.Client
	metrics *metrics.Aggregator
}

func newStack(t *testing.T, redisClient *redis.Client, mock *testutil.MockPartner, limits ratelimit.Config) *stack {
	t.Helper()
	ctx := context.Background()

	agg := metrics.NewAggregator(metrics.DefaultConfig())

	redisCfg := cache.DefaultRedisConfig()
	redisCfg.Logger = logging.Nop()
	redisTier, err := cache.NewRedisTier(redisClient, redisCfg)
	if err != nil {
		t.Fatalf("NewRedisTier() error = %v", err)
	}

	tiered := cache.New(ctx, cache.Config{
		Tiers: []cache.Tier{
			cache.NewMemoryTier(cache.MemoryConfig{Capacity: 1000, Metrics: agg, Logger: logging.Nop()}),
			redisTier,
		},
		TierTimeout: 500 * time.Millisecond,
		Metrics:     agg,
		Logger:      logging.Nop(),
	})

	remote, err := partner.New(partner.Config{BaseURL: mock.URL(), Logger: logging.Nop()})
	if err != nil {
		t.Fatalf("partner.New() error = %v", err)
	}

	limits.Metrics = agg
	limits.Logger = logging.Nop()

	c, err := client.New(client.Config{
		Remote:  remote.Call,
		Limiter: ratelimit.NewLimiter(limits),
		Cache:   tiered,
		Policy: client.RetryPolicy{
			MaxAttempts:       3,
			BaseDelay:         10 * time.Millisecond,
			MaxDelay:          50 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		Metrics: agg,
		Logger:  logging.Nop(),
	})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return &stack{client: c, metrics: agg}
}

func generousLimits() ratelimit.Config {
	return ratelimit.Config{RatePerSecond: 100, BurstSize: 100, RatePerMinute: 1000}
}

func call(t *testing.T, s *stack, operation string, params map[string]string, category cache.Category) *client.Result {
	t.Helper()
	res, err := s.client.Call(context.Background(), operation, params, category, client.RetryPolicy{})
	if err != nil {
		t.Fatalf("Call(%s) error = %v", operation, err)
	}
	return res
}

func TestFullRequestFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockPartner()
	defer mock.Close()
	mock.SetResponse("/products/search", testutil.NewHealthyResponse(`{"items":[1,2,3]}`))

	s := newStack(t, redisClient, mock, generousLimits())
	params := map[string]string{"q": "lamp"}

	first := call(t, s, "products/search", params, cache.CategorySearch)
	if first.Source != client.SourceRemote {
		t.Errorf("first Source = %q, want remote", first.Source)
	}

	second := call(t, s, "products/search", params, cache.CategorySearch)
	if second.Source != cache.TierMemory {
		t.Errorf("second Source = %q, want memory", second.Source)
	}
	if string(second.Value) != `{"items":[1,2,3]}` {
		t.Errorf("second Value = %s", second.Value)
	}

	// The response reached Redis with the search category's Redis TTL.
	key := cache.DefaultRedisConfig().KeyPrefix + cache.NewKey("products/search", params).String()
	ttl, err := redisClient.TTL(context.Background(), key).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	want := cache.CategorySearch.TTLFor(cache.TierRedis)
	if ttl <= want-5*time.Second || ttl > want {
		t.Errorf("redis TTL = %v, want about %v", ttl, want)
	}

	if n := mock.GetPathCount("/products/search"); n != 1 {
		t.Errorf("partner requests = %d, want 1", n)
	}
}

func TestSharedRedisBackfill(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockPartner()
	defer mock.Close()

	a := newStack(t, redisClient, mock, generousLimits())
	b := newStack(t, redisClient, mock, generousLimits())
	params := map[string]string{"id": "42"}

	call(t, a, "detail", params, cache.CategoryDetail)

	fromRedis := call(t, b, "detail", params, cache.CategoryDetail)
	if fromRedis.Source != cache.TierRedis {
		t.Errorf("instance b Source = %q, want redis", fromRedis.Source)
	}

	backfilled := call(t, b, "detail", params, cache.CategoryDetail)
	if backfilled.Source != cache.TierMemory {
		t.Errorf("instance b second Source = %q, want memory", backfilled.Source)
	}

	if n := mock.GetRequestCount(); n != 1 {
		t.Errorf("partner requests = %d, want 1", n)
	}
}

func TestRetry5xxErrors(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockPartner()
	defer mock.Close()
	mock.SetSequence("/detail",
		testutil.NewServerErrorResponse(),
		testutil.NewUnavailableResponse(),
		testutil.NewHealthyResponse(`{"ok":true}`),
	)

	s := newStack(t, redisClient, mock, generousLimits())
	res := call(t, s, "detail", map[string]string{"id": "1"}, cache.CategoryDetail)

	if string(res.Value) != `{"ok":true}` {
		t.Errorf("Value = %s", res.Value)
	}
	if n := mock.GetPathCount("/detail"); n != 3 {
		t.Errorf("partner requests = %d, want 3", n)
	}
	if got := s.metrics.Snapshot().RetryAttempts[string(client.ErrorClassTransient)]; got != 2 {
		t.Errorf("transient retries = %d, want 2", got)
	}
}

func TestNoRetry4xxErrors(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockPartner()
	defer mock.Close()
	mock.SetResponse("/detail", testutil.NewNotFoundResponse())

	s := newStack(t, redisClient, mock, generousLimits())
	_, err := s.client.Call(context.Background(), "detail", map[string]string{"id": "missing"}, cache.CategoryDetail, client.RetryPolicy{})

	if err == nil {
		t.Fatal("Call() error = nil, want 404 failure")
	}
	if _, ok := client.IsRateLimited(err); ok {
		t.Error("404 classified as rate limited")
	}
	if n := mock.GetPathCount("/detail"); n != 1 {
		t.Errorf("partner requests = %d, want 1 (no retry)", n)
	}
}

func TestRateLimitBlock(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockPartner()
	defer mock.Close()

	s := newStack(t, redisClient, mock, ratelimit.Config{RatePerSecond: 0.1, BurstSize: 2, RatePerMinute: 100})

	call(t, s, "detail", map[string]string{"id": "1"}, cache.CategoryDetail)
	call(t, s, "detail", map[string]string{"id": "2"}, cache.CategoryDetail)
	denied := call(t, s, "detail", map[string]string{"id": "3"}, cache.CategoryDetail)

	if !denied.RateLimited {
		t.Fatal("third call not rate limited")
	}
	if denied.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", denied.RetryAfter)
	}
	if n := mock.GetRequestCount(); n != 2 {
		t.Errorf("partner requests = %d, want 2", n)
	}
}

func TestRedisOutageFallsBackToRemote(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockPartner()
	defer mock.Close()

	s := newStack(t, redisClient, mock, generousLimits())
	call(t, s, "detail", map[string]string{"id": "1"}, cache.CategoryDetail)

	redisClient.Close()

	res := call(t, s, "detail", map[string]string{"id": "2"}, cache.CategoryDetail)
	if res.Source != client.SourceRemote {
		t.Errorf("Source = %q, want remote", res.Source)
	}
	if got := s.metrics.Snapshot().CacheErrors[cache.TierRedis]; got == 0 {
		t.Error("redis failures not reported")
	}

	// The memory tier keeps serving.
	if res := call(t, s, "detail", map[string]string{"id": "1"}, cache.CategoryDetail); res.Source != cache.TierMemory {
		t.Errorf("Source = %q, want memory", res.Source)
	}
}

func TestCacheExpiration(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockPartner()
	defer mock.Close()

	s := newStack(t, redisClient, mock, generousLimits())
	short := cache.Category{Name: "short", TTL: time.Second}

	call(t, s, "detail", map[string]string{"id": "1"}, short)
	time.Sleep(1100 * time.Millisecond)

	res := call(t, s, "detail", map[string]string{"id": "1"}, short)
	if res.Source != client.SourceRemote {
		t.Errorf("Source after expiry = %q, want remote", res.Source)
	}
	if n := mock.GetRequestCount(); n != 2 {
		t.Errorf("partner requests = %d, want 2", n)
	}
}

func TestInvalidateOperationAcrossTiers(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockPartner()
	defer mock.Close()

	s := newStack(t, redisClient, mock, generousLimits())
	for _, q := range []string{"a", "b", "c"} {
		call(t, s, "products/search", map[string]string{"q": q}, cache.CategorySearch)
	}

	// Three entries in memory plus three in Redis.
	if n := s.client.InvalidateOperation(context.Background(), "products/search"); n != 6 {
		t.Errorf("InvalidateOperation() = %d, want 6", n)
	}

	keys, err := redisClient.Keys(context.Background(), cache.DefaultRedisConfig().KeyPrefix+"*").Result()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("redis keys after invalidation = %v, want none", keys)
	}

	res := call(t, s, "products/search", map[string]string{"q": "a"}, cache.CategorySearch)
	if res.Source != client.SourceRemote {
		t.Errorf("Source = %q, want remote", res.Source)
	}
	if n := mock.GetPathCount("/products/search"); n != 4 {
		t.Errorf("partner requests = %d, want 4", n)
	}
}
