package cache

import (
	"net/url"
	"sort"
	"strings"
)

// CacheKey identifies one logical partner read: an operation plus its
// parameters.
type CacheKey struct {
	// Operation is the partner operation name (e.g. "search", "categories")
	Operation string

	// Params are the operation parameters (e.g. {"q": "shoes", "page": "2"})
	Params map[string]string
}

// NewKey builds a key from an operation and parameters.
func NewKey(operation string, params map[string]string) CacheKey {
	return CacheKey{Operation: operation, Params: params}
}

// KeyFromQuery builds a key from URL query values. Only the first value of
// each parameter is used.
func KeyFromQuery(operation string, query url.Values) CacheKey {
	params := make(map[string]string, len(query))
	for k := range query {
		params[k] = query.Get(k)
	}
	return CacheKey{Operation: operation, Params: params}
}

// String generates a deterministic cache key string.
// Format: operation:key1=val1:key2=val2 with parameters sorted by key.
//
// Example:
//
//	search:page=2:q=shoes
func (k CacheKey) String() string {
	keys := make([]string, 0, len(k.Params))
	for key := range k.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+k.Params[key])
	}

	return k.Operation + ":" + strings.Join(parts, ":")
}

// OperationPrefix returns the prefix shared by every key of an operation,
// for use with TieredCache.Clear.
func OperationPrefix(operation string) string {
	return operation + ":"
}
