package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aleksmv/tradehall/internal/listing"
)

// DefaultViewTTL caps how stale a cached listing view may get if an
// invalidation is missed.
const DefaultViewTTL = 30 * time.Second

// ListingCache is a read-through cache for listing views. Entries are
// keyed by the same strings the settlement engine invalidates.
type ListingCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewListingCache creates a new listing view cache.
func NewListingCache(client *redis.Client, ttl time.Duration) *ListingCache {
	if ttl <= 0 {
		ttl = DefaultViewTTL
	}
	return &ListingCache{
		client: client,
		ttl:    ttl,
	}
}

// Get returns the cached view for the key, or (nil, nil) on a miss.
func (c *ListingCache) Get(ctx context.Context, key string) (*listing.View, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached view: %w", err)
	}

	var view listing.View
	if unmarshalErr := json.Unmarshal(raw, &view); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to decode cached view: %w", unmarshalErr)
	}
	return &view, nil
}

// Set stores the view under the key with the cache TTL.
func (c *ListingCache) Set(ctx context.Context, key string, view *listing.View) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to encode view: %w", err)
	}
	if setErr := c.client.Set(ctx, key, raw, c.ttl).Err(); setErr != nil {
		return fmt.Errorf("failed to cache view: %w", setErr)
	}
	return nil
}

// GetList returns a cached page of views, or (nil, nil) on a miss.
func (c *ListingCache) GetList(ctx context.Context, key string) ([]*listing.View, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached page: %w", err)
	}

	var views []*listing.View
	if unmarshalErr := json.Unmarshal(raw, &views); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to decode cached page: %w", unmarshalErr)
	}
	return views, nil
}

// SetList stores a page of views under the key with the cache TTL.
func (c *ListingCache) SetList(ctx context.Context, key string, views []*listing.View) error {
	raw, err := json.Marshal(views)
	if err != nil {
		return fmt.Errorf("failed to encode page: %w", err)
	}
	if setErr := c.client.Set(ctx, key, raw, c.ttl).Err(); setErr != nil {
		return fmt.Errorf("failed to cache page: %w", setErr)
	}
	return nil
}
