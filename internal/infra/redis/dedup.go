// Package redis hosts the Redis-backed variants of the host's supporting
// stores, for deployments where several services on the classroom network
// share one Redis instance.
package redis

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupIndex remembers attempt IDs via SETNX with the dedup window as TTL,
// so expiry needs no sweeping of our own.
type DedupIndex struct {
	client *redis.Client
	window time.Duration
}

func NewDedupIndex(client *redis.Client, window time.Duration) *DedupIndex {
	return &DedupIndex{client: client, window: window}
}

// FirstSeen claims the attempt ID atomically. The first caller within the
// window gets true; everyone after gets false.
func (d *DedupIndex) FirstSeen(ctx context.Context, sessionID, attemptID string) (bool, error) {
	return d.client.SetNX(ctx, d.key(sessionID, attemptID), "1", d.window).Result()
}

// Release drops a claimed attempt ID, used when the submission it guarded
// was rejected before scoring.
func (d *DedupIndex) Release(ctx context.Context, sessionID, attemptID string) error {
	return d.client.Del(ctx, d.key(sessionID, attemptID)).Err()
}

// Prune is a no-op; Redis expires keys itself.
func (d *DedupIndex) Prune(_ context.Context) error {
	return nil
}

// Reset drops all dedup keys, used when a host shuts a session down.
func (d *DedupIndex) Reset() {
	ctx := context.Background()
	iter := d.client.Scan(ctx, 0, "dedup:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := d.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Printf("dedup reset: %v", err)
			return
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("dedup reset: %v", err)
	}
}

func (d *DedupIndex) key(sessionID, attemptID string) string {
	return "dedup:" + sessionID + ":" + attemptID
}
