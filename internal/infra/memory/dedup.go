package memory

import (
	"context"
	"sync"
	"time"
)

// DedupIndex remembers recently seen attempt IDs for the host's dedup window.
// Entries expire after the retention window; Prune drops expired entries and
// is expected to run on the host's timer.
type DedupIndex struct {
	window time.Duration
	clock  func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewDedupIndex(window time.Duration) *DedupIndex {
	return NewDedupIndexWithClock(window, time.Now)
}

// NewDedupIndexWithClock allows deterministic expiry in tests.
func NewDedupIndexWithClock(window time.Duration, now func() time.Time) *DedupIndex {
	return &DedupIndex{
		window: window,
		clock:  now,
		seen:   make(map[string]time.Time),
	}
}

// FirstSeen records the attempt ID and reports whether this is its first
// observation within the retention window.
func (d *DedupIndex) FirstSeen(_ context.Context, sessionID, attemptID string) (bool, error) {
	key := sessionID + "/" + attemptID
	now := d.clock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		return false, nil
	}
	d.seen[key] = now
	return true, nil
}

// Release forgets a claimed attempt ID, used when the submission it guarded
// was rejected before scoring.
func (d *DedupIndex) Release(_ context.Context, sessionID, attemptID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, sessionID+"/"+attemptID)
	return nil
}

// Prune removes entries older than the retention window.
func (d *DedupIndex) Prune(_ context.Context) error {
	now := d.clock()
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, key)
		}
	}
	return nil
}

// Reset clears all dedup memory.
func (d *DedupIndex) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]time.Time)
}

// Len reports the number of remembered IDs.
func (d *DedupIndex) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
