package http

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const listingKey = "listing"

// ListingCache holds raw listing bodies for a short TTL. The monitor's
// debounced refresh purges it, so a completed analysis shows up in the next
// listing instead of after the TTL.
type ListingCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewListingCache creates a cache of at most size entries. A ttl of zero
// disables expiry.
func NewListingCache(size int, ttl time.Duration) *ListingCache {
	if size < 1 {
		size = 1
	}
	return &ListingCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get returns the cached listing, if any.
func (c *ListingCache) Get(key string) ([]byte, bool) {
	return c.lru.Get(key)
}

// Add stores a listing body.
func (c *ListingCache) Add(key string, body []byte) {
	c.lru.Add(key, body)
}

// Invalidate drops every cached listing.
func (c *ListingCache) Invalidate() {
	c.lru.Purge()
}

// Len reports the number of cached listings.
func (c *ListingCache) Len() int {
	return c.lru.Len()
}

// Refresh implements monitor.Refresher.
func (c *ListingCache) Refresh(_ context.Context, _ []string) error {
	c.Invalidate()
	return nil
}
