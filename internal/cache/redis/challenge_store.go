package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// ChallengeStore implements domain.ChallengeStore. Nonces are consumed with
// GETDEL so each one authenticates at most one login.
type ChallengeStore struct {
	rdb *redis.Client
}

// NewChallengeStore creates a ChallengeStore backed by the given Client.
func NewChallengeStore(c *Client) *ChallengeStore {
	return &ChallengeStore{rdb: c.Underlying()}
}

func challengeKey(address string) string {
	return "auth:challenge:" + strings.ToLower(address)
}

func (s *ChallengeStore) Put(ctx context.Context, address, nonce string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, challengeKey(address), nonce, ttl).Err(); err != nil {
		return fmt.Errorf("redis: put challenge: %w", err)
	}
	return nil
}

func (s *ChallengeStore) Take(ctx context.Context, address string) (string, error) {
	nonce, err := s.rdb.GetDel(ctx, challengeKey(address)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("redis: take challenge: %w", err)
	}
	return nonce, nil
}

var _ domain.ChallengeStore = (*ChallengeStore)(nil)
