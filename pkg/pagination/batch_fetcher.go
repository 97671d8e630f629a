package pagination

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/partner-proxy/pkg/cache"
	"github.com/Sternrassler/partner-proxy/pkg/client"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel page calls.
	// Each page still passes the client's rate limiter.
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration

	Logger *zerolog.Logger
}

// DefaultConfig returns the default batch fetcher configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		Timeout:        15 * time.Second,
	}
}

// PageFetcher fetches single pages of a paginated operation.
type PageFetcher interface {
	// FetchPage fetches a single page and returns data + total page count
	FetchPage(ctx context.Context, operation string, params map[string]string, pageNum int) (data []byte, totalPages int, err error)
}

// BatchFetcher handles parallel fetching of multiple pages
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher PageFetcher, config Config) *BatchFetcher {
	def := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = def.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
		logger:  logging.OrDefault(config.Logger, "pagination"),
	}
}

// FetchAllPages fetches page 1, then pages 2..N in parallel.
// Returns map of pageNumber -> data. On the first page failure the remaining
// fetches are cancelled and the pages fetched so far are returned with the error.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context, operation string, params map[string]string) (map[int][]byte, error) {
	start := time.Now()

	// Fetch first page to get total page count
	firstPageData, totalPages, err := bf.fetcher.FetchPage(ctx, operation, params, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch first page: %w", err)
	}

	bf.logger.Debug().
		Str("operation", operation).
		Int("total_pages", totalPages).
		Msg("Starting parallel page fetch")

	results := map[int][]byte{1: firstPageData}
	if totalPages <= 1 {
		return results, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bf.config.MaxConcurrency)

	for page := 2; page <= totalPages; page++ {
		g.Go(func() error {
			pageCtx, cancel := context.WithTimeout(gctx, bf.config.Timeout)
			defer cancel()

			data, _, err := bf.fetcher.FetchPage(pageCtx, operation, params, page)
			if err != nil {
				bf.logger.Warn().
					Err(err).
					Str("operation", operation).
					Int("page", page).
					Msg("Page fetch failed")
				return fmt.Errorf("page %d: %w", page, err)
			}

			mu.Lock()
			results[page] = data
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("partial data (%d/%d pages): %w", len(results), totalPages, err)
	}

	bf.logger.Info().
		Str("operation", operation).
		Int("pages", totalPages).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return results, nil
}

// ClientFetcher fetches pages through the resilient client, so every page is
// rate limited, cached and retried on its own.
type ClientFetcher struct {
	Client *client.Client

	// PageParam is the query parameter carrying the page number. Defaults to "page".
	PageParam string

	// Category is the cache policy for pages. Zero uses the client's default.
	Category cache.Category

	// TotalPages reads the page count from a page body. Defaults to the
	// "total_pages" field of a JSON object; missing means one page.
	TotalPages func(body []byte) (int, error)
}

// FetchPage implements PageFetcher.
func (f *ClientFetcher) FetchPage(ctx context.Context, operation string, params map[string]string, pageNum int) ([]byte, int, error) {
	pageParam := f.PageParam
	if pageParam == "" {
		pageParam = "page"
	}
	category := f.Category
	if category.Name == "" {
		category = f.Client.CategoryFor(operation)
	}

	pageParams := make(map[string]string, len(params)+1)
	for k, v := range params {
		pageParams[k] = v
	}
	pageParams[pageParam] = strconv.Itoa(pageNum)

	res, err := f.Client.Call(ctx, operation, pageParams, category, client.RetryPolicy{})
	if err != nil {
		return nil, 0, err
	}
	if res.RateLimited {
		return nil, 0, fmt.Errorf("%w: retry after %s", client.ErrRateLimited, res.RetryAfter)
	}

	totalPages := f.TotalPages
	if totalPages == nil {
		totalPages = jsonTotalPages
	}
	n, err := totalPages(res.Value)
	if err != nil {
		return nil, 0, fmt.Errorf("read page count: %w", err)
	}
	return res.Value, n, nil
}

func jsonTotalPages(body []byte) (int, error) {
	var envelope struct {
		TotalPages int `json:"total_pages"`
	}
	if err := sonic.Unmarshal(body, &envelope); err != nil {
		return 0, err
	}
	if envelope.TotalPages < 1 {
		return 1, nil
	}
	return envelope.TotalPages, nil
}
