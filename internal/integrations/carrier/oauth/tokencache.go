// Package oauth holds the shared access-token cache used by carrier
// adapters that authenticate via a client-credentials grant.
package oauth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultSafetyMargin is subtracted from the token expiry: a token within
// the margin of expiring is treated as already expired, so a caller that
// receives a token can assume it stays valid at least that long.
const DefaultSafetyMargin = 60 * time.Second

type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Source performs the actual credential exchange against the carrier's auth
// endpoint. It must not retry internally.
type Source func(ctx context.Context) (Token, error)

// Cache hands out a cached token while it is fresh and coalesces concurrent
// refreshes: however many callers observe an expired token at once, only one
// exchange is in flight, the rest reuse its result.
type Cache struct {
	source Source
	margin time.Duration
	now    func() time.Time

	mu  sync.Mutex
	tok Token

	group singleflight.Group
}

func NewCache(source Source, margin time.Duration) *Cache {
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	return &Cache{
		source: source,
		margin: margin,
		now:    time.Now,
	}
}

// Token returns a token valid for at least the safety margin. With
// forceRefresh the cached value is discarded first (used after the carrier
// rejects a token the cache still believed fresh).
func (c *Cache) Token(ctx context.Context, forceRefresh bool) (Token, error) {
	if forceRefresh {
		c.Invalidate()
	} else if tok, ok := c.cached(); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		// Re-check under the flight: a concurrent caller may have already
		// refreshed while this one was queueing.
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		tok, err := c.source(ctx)
		if err != nil {
			return Token{}, err
		}
		c.mu.Lock()
		c.tok = tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Invalidate drops the cached token so the next caller refreshes.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.tok = Token{}
	c.mu.Unlock()
}

func (c *Cache) cached() (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok.Value == "" {
		return Token{}, false
	}
	if !c.tok.ExpiresAt.After(c.now().Add(c.margin)) {
		return Token{}, false
	}
	return c.tok, true
}
