package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestDedupIndexFirstSeenOncePerWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	index := NewDedupIndex(newClient(mr), time.Minute)
	ctx := context.Background()

	first, err := index.FirstSeen(ctx, "s1", "a1")
	if err != nil {
		t.Fatalf("first seen: %v", err)
	}
	if !first {
		t.Fatalf("expected first claim to win")
	}

	again, err := index.FirstSeen(ctx, "s1", "a1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again {
		t.Fatalf("expected duplicate within window")
	}

	// Same attempt ID under another session is a distinct key.
	other, err := index.FirstSeen(ctx, "s2", "a1")
	if err != nil {
		t.Fatalf("other session: %v", err)
	}
	if !other {
		t.Fatalf("sessions must not share dedup keys")
	}
}

func TestDedupIndexWindowExpires(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	index := NewDedupIndex(newClient(mr), time.Minute)
	ctx := context.Background()

	if first, _ := index.FirstSeen(ctx, "s1", "a1"); !first {
		t.Fatalf("expected first claim to win")
	}

	mr.FastForward(2 * time.Minute)

	if first, _ := index.FirstSeen(ctx, "s1", "a1"); !first {
		t.Fatalf("expected claim to be forgotten after the window")
	}
}

func TestDedupIndexReleaseReopensID(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	index := NewDedupIndex(newClient(mr), time.Minute)
	ctx := context.Background()

	if first, _ := index.FirstSeen(ctx, "s1", "a1"); !first {
		t.Fatalf("expected first claim to win")
	}
	if err := index.Release(ctx, "s1", "a1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if first, _ := index.FirstSeen(ctx, "s1", "a1"); !first {
		t.Fatalf("expected released id to be claimable again")
	}
}

func TestDedupIndexReset(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	index := NewDedupIndex(newClient(mr), time.Minute)
	ctx := context.Background()

	_, _ = index.FirstSeen(ctx, "s1", "a1")
	_, _ = index.FirstSeen(ctx, "s1", "a2")

	index.Reset()

	if mr.Exists("dedup:s1:a1") || mr.Exists("dedup:s1:a2") {
		t.Fatalf("expected dedup keys cleared")
	}
	if first, _ := index.FirstSeen(ctx, "s1", "a1"); !first {
		t.Fatalf("expected fresh claim after reset")
	}
}
