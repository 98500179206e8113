// Package memory implements the cache-side domain interfaces in process
// memory for single-instance deployments and tests. Entries expire lazily.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// Cache holds every in-memory primitive behind one mutex-guarded keyspace.
type Cache struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string][]time.Time
	keys    map[string]entry
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
	seq     int64
}

type entry struct {
	value   string
	expires time.Time
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		now:     time.Now,
		windows: make(map[string][]time.Time),
		keys:    make(map[string]entry),
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][]domain.StreamMessage),
	}
}

// SetClock overrides the time source. Used by tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Allow implements domain.RateLimiter with a sliding window of timestamps.
func (c *Cache) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cutoff := now.Add(-window)
	hits := c.windows[key]
	kept := hits[:0]
	for _, ts := range hits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= limit {
		c.windows[key] = kept
		return false, nil
	}
	c.windows[key] = append(kept, now)
	return true, nil
}

// setNX stores value under key unless a live entry exists. Caller holds mu.
func (c *Cache) setNX(key, value string, ttl time.Duration) bool {
	now := c.now()
	if e, ok := c.keys[key]; ok && now.Before(e.expires) {
		return false
	}
	c.keys[key] = entry{value: value, expires: now.Add(ttl)}
	return true
}

// Acquire implements domain.LockManager.
func (c *Cache) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	token := fmt.Sprintf("%d", c.seq)
	if !c.setNX("lock:"+key, token, ttl) {
		return nil, domain.ErrLockHeld
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if e, ok := c.keys["lock:"+key]; ok && e.value == token {
				delete(c.keys, "lock:"+key)
			}
		})
	}, nil
}

// Claim implements domain.OnceGuard.
func (c *Cache) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setNX("once:"+key, "1", ttl), nil
}

// Put implements domain.ChallengeStore.
func (c *Cache) Put(_ context.Context, address, nonce string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys["challenge:"+strings.ToLower(address)] = entry{value: nonce, expires: c.now().Add(ttl)}
	return nil
}

// Take implements domain.ChallengeStore.
func (c *Cache) Take(_ context.Context, address string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := "challenge:" + strings.ToLower(address)
	e, ok := c.keys[key]
	delete(c.keys, key)
	if !ok || !c.now().Before(e.expires) {
		return "", domain.ErrNotFound
	}
	return e.value, nil
}

// Publish implements domain.SignalBus. Slow subscribers drop messages.
func (c *Cache) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe implements domain.SignalBus. Patterns are not supported.
func (c *Cache) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	c.mu.Lock()
	c.subs[channel] = append(c.subs[channel], ch)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[channel]
		for i, s := range subs {
			if s == ch {
				c.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// StreamAppend implements domain.SignalBus.
func (c *Cache) StreamAppend(_ context.Context, stream string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.streams[stream] = append(c.streams[stream], domain.StreamMessage{
		ID:      fmt.Sprintf("%d-0", c.seq),
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// StreamRead implements domain.SignalBus. IDs compare by sequence number.
func (c *Cache) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	after := streamSeq(lastID)
	var out []domain.StreamMessage
	for _, m := range c.streams[stream] {
		if streamSeq(m.ID) <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

// StreamAck implements domain.SignalBus.
func (c *Cache) StreamAck(_ context.Context, stream string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	msgs := c.streams[stream]
	kept := msgs[:0]
	for _, m := range msgs {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	c.streams[stream] = kept
	return nil
}

func streamSeq(id string) int64 {
	var n int64
	fmt.Sscanf(strings.SplitN(id, "-", 2)[0], "%d", &n)
	return n
}

var (
	_ domain.RateLimiter    = (*Cache)(nil)
	_ domain.LockManager    = (*Cache)(nil)
	_ domain.OnceGuard      = (*Cache)(nil)
	_ domain.ChallengeStore = (*Cache)(nil)
	_ domain.SignalBus      = (*Cache)(nil)
)
