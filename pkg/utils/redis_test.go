package utils

import (
	"context"
	"testing"
	"time"
)

func TestReleaseScriptIsInitialized(t *testing.T) {
	if leaseReleaseScript == nil {
		t.Fatalf("expected release script to be initialized")
	}
}

func TestRedisLease_RejectsBadArgs(t *testing.T) {
	ctx := context.Background()
	if _, err := NewRedisLease(nil, "voicecast:").TryAcquire(ctx, "schedule:1", time.Minute); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestRedisLease_ReleaseUnheldIsNoop(t *testing.T) {
	l := NewRedisLease(nil, "voicecast:")
	if err := l.Release(context.Background(), "schedule:1"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
