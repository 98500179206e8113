package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

const lockPollInterval = 100 * time.Millisecond

// TradeLockKey is the lock that serializes one wallet's trade pipeline from
// the position-limit check until the position row is written.
func TradeLockKey(address string) string {
	return "trade:" + address
}

// userLocks hands out one in-process slot per wallet and, when a
// LockManager is configured, the matching shared lock so that several
// server processes serialize too.
type userLocks struct {
	shared domain.LockManager
	ttl    time.Duration
	wait   time.Duration

	mu    sync.Mutex
	slots map[string]*userSlot
}

type userSlot struct {
	ch   chan struct{}
	refs int
}

func newUserLocks(shared domain.LockManager, ttl, wait time.Duration) *userLocks {
	return &userLocks{
		shared: shared,
		ttl:    ttl,
		wait:   wait,
		slots:  make(map[string]*userSlot),
	}
}

// lock blocks until address is free, ctx ends or the wait budget runs out.
// A timeout is reported as domain.ErrLockHeld.
func (l *userLocks) lock(ctx context.Context, address string) (func(), error) {
	if l.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	slot := l.join(address)
	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.leave(address, slot)
		return nil, l.waitErr(ctx, address)
	}
	local := func() {
		<-slot.ch
		l.leave(address, slot)
	}

	if l.shared == nil {
		return sync.OnceFunc(local), nil
	}
	unlock, err := l.acquireShared(ctx, address)
	if err != nil {
		local()
		return nil, err
	}
	return sync.OnceFunc(func() {
		unlock()
		local()
	}), nil
}

func (l *userLocks) acquireShared(ctx context.Context, address string) (func(), error) {
	key := TradeLockKey(address)
	for {
		unlock, err := l.shared.Acquire(ctx, key, l.ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("trade lock %s: %w", address, err)
		}
		if sleepCtx(ctx, lockPollInterval) != nil {
			return nil, l.waitErr(ctx, address)
		}
	}
}

func (l *userLocks) waitErr(ctx context.Context, address string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("another trade for %s is still running: %w", address, domain.ErrLockHeld)
	}
	return ctx.Err()
}

func (l *userLocks) join(address string) *userSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[address]
	if !ok {
		s = &userSlot{ch: make(chan struct{}, 1)}
		l.slots[address] = s
	}
	s.refs++
	return s
}

func (l *userLocks) leave(address string, s *userSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, address)
	}
}
