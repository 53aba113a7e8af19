package cache

import (
	"context"
	"time"
)

// BytesCache is the read-through cache used for current shipment
// projections. Implementations are best-effort; callers must tolerate a
// nil/absent cache.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
