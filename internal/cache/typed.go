package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/duskpine/vombat/internal/storage"
)

// Typed cache domains for upstream API responses.
const (
	DomainWeather       = "weather"
	DomainGeocode       = "geocode"
	DomainGeocodeRev    = "geocode-reverse"
	DomainGeocodeLookup = "geocode-lookup"
	DomainSearch        = "search"
)

// ErrStale marks a typed cache hit older than the caller's TTL.
var ErrStale = errors.New("typed cache entry stale")

// TypedGet reads a typed cache entry into v. A hit older than maxAge returns
// ErrStale so callers can refresh while keeping the old body on upstream
// failure.
func TypedGet(ctx context.Context, store storage.Store, domain, key string, maxAge time.Duration, v any) error {
	e, err := store.GetTypedCache(ctx, domain, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(e.JSON, v); err != nil {
		return fmt.Errorf("typed cache %s/%s: %w", domain, key, err)
	}
	if maxAge > 0 && time.Since(e.StoredAt) >= maxAge {
		return ErrStale
	}
	return nil
}

// TypedPut stores v as JSON in the typed cache.
func TypedPut(ctx context.Context, store storage.Store, domain, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("typed cache %s/%s: %w", domain, key, err)
	}
	return store.PutTypedCache(ctx, &storage.TypedCacheEntry{
		Domain:   domain,
		Key:      key,
		JSON:     body,
		StoredAt: time.Now(),
	})
}
