package ratelimit

import (
	"context"
	"testing"
)

func TestInMemoryLimiter_AllowsUpToLimit(t *testing.T) {
	l := NewInMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, remaining, _, err := l.Allow(ctx, "org-1", 5)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := 5 - (i + 1); remaining != want {
			t.Errorf("request %d remaining = %d, want %d", i+1, remaining, want)
		}
	}

	allowed, _, _, _ := l.Allow(ctx, "org-1", 5)
	if allowed {
		t.Error("request 6 should be denied")
	}
}

func TestInMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l := NewInMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Allow(ctx, "org-1", 3)
	}
	if allowed, _, _, _ := l.Allow(ctx, "org-1", 3); allowed {
		t.Error("org-1 should be exhausted")
	}

	if allowed, _, _, _ := l.Allow(ctx, "user-7", 3); !allowed {
		t.Error("user-7 should be unaffected by org-1's window")
	}
}

func TestInMemoryLimiter_ResetAtIsFuture(t *testing.T) {
	l := NewInMemoryLimiter()

	_, _, resetAt, _ := l.Allow(context.Background(), "org-1", 10)
	if resetAt.IsZero() {
		t.Error("resetAt should be set")
	}
}
