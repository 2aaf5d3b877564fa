package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SubscriptionInfo holds subscription metadata reported by a provider.
type SubscriptionInfo struct {
	Tier         string    `json:"tier"`
	UsageLimit   int64     `json:"usage_limit"`
	UsageCurrent int64     `json:"usage_current"`
	ResetAt      time.Time `json:"reset_at"`
	Features     []string  `json:"features,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// UsagePercentage returns current usage as a fraction of the limit, or 0 without a limit.
func (s *SubscriptionInfo) UsagePercentage() float64 {
	if s == nil || s.UsageLimit == 0 {
		return 0
	}
	return float64(s.UsageCurrent) / float64(s.UsageLimit)
}

// IsExceeded reports whether usage reached the limit.
func (s *SubscriptionInfo) IsExceeded() bool {
	if s == nil {
		return false
	}
	return s.UsageCurrent >= s.UsageLimit
}

// Clone returns a deep copy.
func (s *SubscriptionInfo) Clone() *SubscriptionInfo {
	if s == nil {
		return nil
	}
	c := *s
	if s.Features != nil {
		c.Features = append([]string(nil), s.Features...)
	}
	return &c
}

// SubscriptionFetcher queries subscription metadata for an access token.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, provider, accessToken string) (*SubscriptionInfo, error)
}

// tierRanks orders known subscription tiers. Unknown tiers rank as free.
var tierRanks = map[string]int{
	"free":       0,
	"plus":       1,
	"pro":        2,
	"team":       3,
	"max":        4,
	"enterprise": 5,
}

// TierRank returns the ordering rank of a subscription tier name.
// Composite names such as "claude_max_20x" rank by the highest tier they mention.
func TierRank(tier string) int {
	t := strings.ToLower(strings.TrimSpace(tier))
	if rank, ok := tierRanks[t]; ok {
		return rank
	}
	best := 0
	for _, part := range strings.FieldsFunc(t, func(r rune) bool { return r == '_' || r == '-' || r == ' ' }) {
		if rank, ok := tierRanks[part]; ok && rank > best {
			best = rank
		}
	}
	return best
}

// SubscriptionCache keeps subscription info per provider with TTL-based expiration.
// The cache is not persisted; entries are fetched on demand.
type SubscriptionCache struct {
	mu    sync.RWMutex
	items map[string]*SubscriptionInfo
	ttl   time.Duration
	now   func() time.Time
}

// NewSubscriptionCache creates a cache with the given TTL (default 1 hour).
func NewSubscriptionCache(ttl time.Duration) *SubscriptionCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SubscriptionCache{
		items: make(map[string]*SubscriptionInfo),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns a copy of the cached info, or nil when missing or expired.
func (c *SubscriptionCache) Get(provider string) *SubscriptionInfo {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.items[normalizeProvider(provider)]
	if !ok || c.isExpired(info) {
		return nil
	}
	return info.Clone()
}

// Set stores a copy of info.
func (c *SubscriptionCache) Set(provider string, info *SubscriptionInfo) {
	if c == nil || info == nil {
		return
	}
	key := normalizeProvider(provider)
	if key == "" {
		return
	}
	stored := info.Clone()
	if stored.FetchedAt.IsZero() {
		stored.FetchedAt = c.now()
	}
	c.mu.Lock()
	c.items[key] = stored
	c.mu.Unlock()
}

// Delete removes the cached entry.
func (c *SubscriptionCache) Delete(provider string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.items, normalizeProvider(provider))
	c.mu.Unlock()
}

// Len returns the number of cached entries, including expired ones.
func (c *SubscriptionCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *SubscriptionCache) isExpired(info *SubscriptionInfo) bool {
	return info == nil || c.now().Sub(info.FetchedAt) > c.ttl
}
