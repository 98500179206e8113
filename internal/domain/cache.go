package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// OnceGuard records keys for a limited time. Claim returns false when the key
// was already claimed inside its TTL.
type OnceGuard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// ChallengeStore keeps short-lived login nonces.
type ChallengeStore interface {
	Put(ctx context.Context, address, nonce string, ttl time.Duration) error
	// Take returns and deletes the nonce; ErrNotFound if absent or expired.
	Take(ctx context.Context, address string) (string, error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
	StreamAck(ctx context.Context, stream string, ids ...string) error
}
