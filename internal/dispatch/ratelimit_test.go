package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limits map[string]ProviderLimit) (*ProviderLimiter, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewProviderLimiter(client, limits), func() {
		client.Close()
		mr.Close()
	}
}

func TestProviderLimiterAllowsUpToLimit(t *testing.T) {
	l, cleanup := newTestLimiter(t, map[string]ProviderLimit{
		"email": {PerSecond: 3, PerMinute: 100},
	})
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := l.Allow(ctx, "email")
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !allowed {
			t.Fatalf("send %d denied below the limit", i+1)
		}
	}

	allowed, wait, err := l.Allow(ctx, "email")
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if allowed {
		t.Error("fourth send in the same second should be denied")
	}
	if wait != time.Second {
		t.Errorf("wait = %s, want 1s for a per-second denial", wait)
	}
}

func TestProviderLimiterMinuteWindow(t *testing.T) {
	l, cleanup := newTestLimiter(t, map[string]ProviderLimit{
		"sms": {PerSecond: 100, PerMinute: 2},
	})
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if allowed, _, _ := l.Allow(ctx, "sms"); !allowed {
			t.Fatalf("send %d denied below the minute limit", i+1)
		}
	}
	allowed, wait, err := l.Allow(ctx, "sms")
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if allowed {
		t.Error("third send should hit the minute limit")
	}
	if wait <= 0 || wait > time.Minute {
		t.Errorf("wait = %s, want remainder of the minute", wait)
	}
}

func TestProviderLimiterUnknownProviderUnlimited(t *testing.T) {
	l, cleanup := newTestLimiter(t, map[string]ProviderLimit{})
	defer cleanup()

	for i := 0; i < 50; i++ {
		allowed, _, err := l.Allow(context.Background(), "unlisted")
		if err != nil || !allowed {
			t.Fatalf("unlisted provider should never be limited (allowed=%v err=%v)", allowed, err)
		}
	}
}

func TestProviderLimiterWaitFailsOpenOnRedisError(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := NewProviderLimiter(client, map[string]ProviderLimit{"email": {PerSecond: 1, PerMinute: 1}})
	mr.Close()

	if err := l.Wait(context.Background(), "email"); err != nil {
		t.Errorf("Wait() must fail open when redis is unreachable, got %v", err)
	}
}
