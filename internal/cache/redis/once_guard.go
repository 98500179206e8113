package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// OnceGuard implements domain.OnceGuard with SET NX. The webhook replay
// guard claims a digest of each delivery here.
type OnceGuard struct {
	rdb    *redis.Client
	prefix string
}

// NewOnceGuard creates a guard whose keys live under prefix.
func NewOnceGuard(c *Client, prefix string) *OnceGuard {
	return &OnceGuard{rdb: c.Underlying(), prefix: prefix}
}

// Claim records key for ttl. It returns false if key is already recorded.
func (g *OnceGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, g.prefix+key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim %s: %w", key, err)
	}
	return ok, nil
}

var _ domain.OnceGuard = (*OnceGuard)(nil)
