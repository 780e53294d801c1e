package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// NopCache is a Cache that never stores anything, for CACHE_MODE=none.
// Every Get is a miss; Set and Delete are no-ops.
type NopCache struct{}

func (NopCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (NopCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (NopCache) Delete(ctx context.Context, key string) error { return nil }
