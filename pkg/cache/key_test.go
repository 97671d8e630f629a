package cache

import (
	"net/url"
	"strings"
	"testing"
)

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  CacheKey
		want string
	}{
		{
			name: "no params",
			key:  CacheKey{Operation: "categories"},
			want: "categories:",
		},
		{
			name: "single param",
			key: CacheKey{
				Operation: "product",
				Params:    map[string]string{"id": "42"},
			},
			want: "product:id=42",
		},
		{
			name: "multiple params (sorted)",
			key: CacheKey{
				Operation: "search",
				Params:    map[string]string{"q": "shoes", "page": "2", "limit": "20"},
			},
			want: "search:limit=20:page=2:q=shoes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCacheKey_Deterministic(t *testing.T) {
	a := map[string]string{}
	a["a"] = "1"
	a["b"] = "2"

	b := map[string]string{}
	b["b"] = "2"
	b["a"] = "1"

	k1 := NewKey("search", a).String()
	k2 := NewKey("search", b).String()

	if k1 != k2 {
		t.Errorf("keys differ: %q vs %q", k1, k2)
	}

	// Repeated generation must be stable despite random map iteration.
	for i := 0; i < 100; i++ {
		if got := NewKey("search", a).String(); got != k1 {
			t.Fatalf("iteration %d: got %q, want %q", i, got, k1)
		}
	}
}

func TestKeyFromQuery(t *testing.T) {
	q := url.Values{"page": []string{"1", "9"}, "q": []string{"hat"}}

	got := KeyFromQuery("search", q).String()
	want := "search:page=1:q=hat"
	if got != want {
		t.Errorf("KeyFromQuery() = %q, want %q", got, want)
	}
}

func TestOperationPrefix(t *testing.T) {
	key := NewKey("search", map[string]string{"q": "x"}).String()
	if !strings.HasPrefix(key, OperationPrefix("search")) {
		t.Errorf("key %q does not start with %q", key, OperationPrefix("search"))
	}
	if strings.HasPrefix(NewKey("searchable", nil).String(), OperationPrefix("search")) {
		t.Error("prefix of one operation must not match a longer operation name")
	}
}
