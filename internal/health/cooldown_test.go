package health

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisCooldown(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cd := NewRedisCooldown(client, 15*time.Minute)

	allowed, err := cd.Allow(ctx, "queue_lag:report_jobs", "lagging")
	if err != nil || !allowed {
		t.Fatalf("first emission should be allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, _ = cd.Allow(ctx, "queue_lag:report_jobs", "lagging")
	if allowed {
		t.Fatal("duplicate inside the window should be suppressed")
	}

	// A different pair has its own window.
	allowed, _ = cd.Allow(ctx, "queue_lag:snapshot_jobs", "lagging")
	if !allowed {
		t.Fatal("distinct sources must not share a window")
	}

	// Expiry reopens the window.
	mr.FastForward(16 * time.Minute)
	allowed, _ = cd.Allow(ctx, "queue_lag:report_jobs", "lagging")
	if !allowed {
		t.Fatal("expired window should allow again")
	}

	// Clear reopens it immediately.
	if err := cd.Clear(ctx, "queue_lag:report_jobs", "lagging"); err != nil {
		t.Fatal(err)
	}
	allowed, _ = cd.Allow(ctx, "queue_lag:report_jobs", "lagging")
	if !allowed {
		t.Fatal("cleared window should allow again")
	}
}
