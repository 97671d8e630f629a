// Package pagination provides parallel batch fetching for paginated partner
// operations.
//
// The first page tells how many pages exist; the rest are fetched
// concurrently with a bounded errgroup. ClientFetcher routes every page
// through client.Client.Call, so each page is an independent cached,
// rate-limited and retried call.
//
// Example usage:
//
//	fetcher := pagination.NewBatchFetcher(&pagination.ClientFetcher{Client: c}, pagination.DefaultConfig())
//	pages, err := fetcher.FetchAllPages(ctx, "products/search", map[string]string{"q": "lamp"})
//
// A failed page cancels the pages still in flight. FetchAllPages then returns
// the pages it has together with the error.
package pagination
