package protocol

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// CachedDeviceRegistry is a read-through LRU cache in front of another registry.
// Writes go to the backend first and then refresh the cache.
type CachedDeviceRegistry struct {
	backend DeviceRegistry
	cache   *lru.Cache
}

// NewCachedDeviceRegistry wraps backend with a cache of at most size records.
func NewCachedDeviceRegistry(backend DeviceRegistry, size int) (*CachedDeviceRegistry, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating device cache: %w", err)
	}
	return &CachedDeviceRegistry{backend: backend, cache: cache}, nil
}

func (r *CachedDeviceRegistry) Lookup(ctx context.Context, identity string) (*DeviceMeta, bool, error) {
	if v, ok := r.cache.Get(identity); ok {
		return v.(*DeviceMeta).Clone(), true, nil
	}

	meta, found, err := r.backend.Lookup(ctx, identity)
	if err != nil || !found {
		return meta, found, err
	}

	r.cache.Add(identity, meta.Clone())
	return meta, true, nil
}

func (r *CachedDeviceRegistry) Upsert(ctx context.Context, identity string, meta *DeviceMeta) error {
	if err := r.backend.Upsert(ctx, identity, meta); err != nil {
		r.cache.Remove(identity)
		return err
	}

	cached := meta.Clone()
	cached.Identity = identity
	r.cache.Add(identity, cached)
	return nil
}

func (r *CachedDeviceRegistry) Evict(ctx context.Context, identity string) error {
	r.cache.Remove(identity)
	return r.backend.Evict(ctx, identity)
}

// EvictIdleSince evicts idle devices from the backend and drops them from
// the cache. The backend must implement IdleEvicter.
func (r *CachedDeviceRegistry) EvictIdleSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	evicter, ok := r.backend.(IdleEvicter)
	if !ok {
		return nil, fmt.Errorf("registry backend %T cannot evict idle devices", r.backend)
	}

	evicted, err := evicter.EvictIdleSince(ctx, cutoff)
	for _, identity := range evicted {
		r.cache.Remove(identity)
	}
	if err != nil {
		// The backend state is unknown.
		r.cache.Purge()
	}
	return evicted, err
}

// Purge drops every cached record without touching the backend.
func (r *CachedDeviceRegistry) Purge() {
	r.cache.Purge()
}
