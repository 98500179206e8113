package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()
	c := New()
	now := time.Unix(1700000000, 0)
	c.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if ok, _ := c.Allow(ctx, "k", 3, time.Minute); !ok {
			t.Fatalf("request %d rejected", i)
		}
	}
	if ok, _ := c.Allow(ctx, "k", 3, time.Minute); ok {
		t.Fatal("fourth request allowed")
	}
	if ok, _ := c.Allow(ctx, "other", 3, time.Minute); !ok {
		t.Fatal("separate key throttled")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := c.Allow(ctx, "k", 3, time.Minute); !ok {
		t.Fatal("request after window rejected")
	}
}

func TestLockAndClaim(t *testing.T) {
	ctx := context.Background()
	c := New()

	unlock, err := c.Acquire(ctx, "cycle", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := c.Acquire(ctx, "cycle", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second Acquire = %v, want ErrLockHeld", err)
	}
	unlock()
	unlock()
	if _, err := c.Acquire(ctx, "cycle", time.Minute); err != nil {
		t.Fatalf("Acquire after unlock: %v", err)
	}

	if ok, _ := c.Claim(ctx, "digest", time.Minute); !ok {
		t.Fatal("first claim failed")
	}
	if ok, _ := c.Claim(ctx, "digest", time.Minute); ok {
		t.Fatal("second claim succeeded")
	}
}

func TestChallengeTakenOnce(t *testing.T) {
	ctx := context.Background()
	c := New()
	_ = c.Put(ctx, "0xAB", "nonce", time.Minute)
	if n, err := c.Take(ctx, "0xab"); err != nil || n != "nonce" {
		t.Fatalf("Take = %q, %v", n, err)
	}
	if _, err := c.Take(ctx, "0xab"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second Take = %v, want ErrNotFound", err)
	}
}

func TestStreamReadAck(t *testing.T) {
	ctx := context.Background()
	c := New()
	_ = c.StreamAppend(ctx, "s", []byte("a"))
	_ = c.StreamAppend(ctx, "s", []byte("b"))

	msgs, _ := c.StreamRead(ctx, "s", "0", 10)
	if len(msgs) != 2 {
		t.Fatalf("read %d messages, want 2", len(msgs))
	}
	_ = c.StreamAck(ctx, "s", msgs[0].ID)
	msgs, _ = c.StreamRead(ctx, "s", "0", 10)
	if len(msgs) != 1 || string(msgs[0].Payload) != "b" {
		t.Fatalf("after ack: %+v", msgs)
	}
}

func TestPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New()
	ch, _ := c.Subscribe(ctx, "positions:a")
	_ = c.Publish(ctx, "positions:b", []byte("other"))
	_ = c.Publish(ctx, "positions:a", []byte("mine"))

	select {
	case msg := <-ch:
		if string(msg) != "mine" {
			t.Fatalf("got %q, want mine", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}
