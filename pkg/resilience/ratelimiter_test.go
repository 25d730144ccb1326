package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyedLimiterBurstPerKey(t *testing.T) {
	l := NewKeyedLimiter(LimiterOpts{Rate: 0.001, Burst: 2})
	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("expected burst of 2 for key a")
	}
	if l.Allow("a") {
		t.Fatal("expected key a to be limited")
	}
	if !l.Allow("b") {
		t.Fatal("key b has its own bucket")
	}
}

func TestKeyedLimiterCall(t *testing.T) {
	l := NewKeyedLimiter(LimiterOpts{Rate: 0.001, Burst: 1})
	ctx := context.Background()
	if err := l.Call(ctx, "k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	if err := l.Call(ctx, "k", func(context.Context) error { return nil }); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestKeyedLimiterWaitHonorsContext(t *testing.T) {
	l := NewKeyedLimiter(LimiterOpts{Rate: 0.001, Burst: 1})
	l.Allow("k")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "k"); err == nil {
		t.Fatal("expected wait to fail before a token arrives")
	}
}
