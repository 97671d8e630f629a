package cache

import "time"

// DefaultTTL is the TTL used when a category defines none.
const DefaultTTL = 5 * time.Minute

// Category is a named TTL policy for a class of partner data. TierTTL
// overrides TTL for individual tiers by tier name.
type Category struct {
	Name    string                   `yaml:"name" json:"name"`
	TTL     time.Duration            `yaml:"ttl" json:"ttl"`
	TierTTL map[string]time.Duration `yaml:"tier_ttl" json:"tier_ttl"`
}

// TTLFor returns the TTL this category applies in the named tier.
func (c Category) TTLFor(tier string) time.Duration {
	if ttl, ok := c.TierTTL[tier]; ok && ttl > 0 {
		return ttl
	}
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultTTL
}

// Built-in categories.
var (
	CategoryDefault = Category{
		Name: "default",
		TTL:  DefaultTTL,
	}

	// CategoryList covers slow-changing reference lists.
	CategoryList = Category{
		Name: "category_list",
		TTL:  24 * time.Hour,
		TierTTL: map[string]time.Duration{
			TierPersistent: 7 * 24 * time.Hour,
		},
	}

	CategorySearch = Category{
		Name: "search",
		TTL:  15 * time.Minute,
		TierTTL: map[string]time.Duration{
			TierRedis:      30 * time.Minute,
			TierPersistent: time.Hour,
		},
	}

	CategoryDetail = Category{
		Name: "detail",
		TTL:  time.Hour,
		TierTTL: map[string]time.Duration{
			TierPersistent: 24 * time.Hour,
		},
	}
)

// DefaultCategories returns the built-in categories keyed by name.
func DefaultCategories() map[string]Category {
	return map[string]Category{
		CategoryDefault.Name: CategoryDefault,
		CategoryList.Name:    CategoryList,
		CategorySearch.Name:  CategorySearch,
		CategoryDetail.Name:  CategoryDetail,
	}
}
