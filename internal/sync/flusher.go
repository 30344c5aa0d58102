// Package sync pushes locally accepted mutations to the remote backend and
// reconciles divergent copies after connectivity returns. Gameplay never
// waits on anything in this package.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"classroom-quiz-master/internal/domain"
)

// Journal is the durable outbox the flusher drains.
type Journal interface {
	Enqueue(ctx context.Context, op domain.PendingOperation) error
	Pending(ctx context.Context, limit int) ([]domain.PendingOperation, error)
	MarkSynced(ctx context.Context, opID string) error
	MarkFailed(ctx context.Context, opID string) error
	PendingCount(ctx context.Context) (int, error)
}

// Snapshot is the remote backend's copy of one session.
type Snapshot struct {
	Session      domain.Session
	Participants []domain.Participant
	Attempts     []domain.Attempt
}

// RemoteBackend is the central store sessions sync against when reachable.
type RemoteBackend interface {
	UpsertSession(ctx context.Context, sess domain.Session) error
	UpsertParticipant(ctx context.Context, sessionID string, p domain.Participant) error
	UpsertAttempt(ctx context.Context, sessionID string, a domain.Attempt) error
	FetchSnapshot(ctx context.Context, sessionID string) (Snapshot, error)
}

// FlusherConfig tunes the background drain loop.
type FlusherConfig struct {
	// Interval between periodic drain passes.
	Interval time.Duration
	// BatchSize caps how many operations one pass pushes; zero means all.
	BatchSize int
}

// Flusher drains the outbox oldest-first. A push failure stops the pass so
// later operations never overtake an earlier one that has not landed yet.
type Flusher struct {
	journal Journal
	remote  RemoteBackend
	cfg     FlusherConfig
	kick    chan struct{}
}

func NewFlusher(journal Journal, remote RemoteBackend, cfg FlusherConfig) *Flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Flusher{
		journal: journal,
		remote:  remote,
		cfg:     cfg,
		kick:    make(chan struct{}, 1),
	}
}

// Kick requests an immediate drain pass without waiting for the ticker.
func (f *Flusher) Kick() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Run drains on every tick and on every Kick until the context ends.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.kick:
		}
		if err := f.Flush(ctx); err != nil {
			log.Printf("outbox flush: %v", err)
		}
	}
}

// Flush pushes pending operations in queue order. The first failure marks the
// operation for retry and aborts the pass; everything already acknowledged
// stays acknowledged.
func (f *Flusher) Flush(ctx context.Context) error {
	pending, err := f.journal.Pending(ctx, f.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}

	for _, op := range pending {
		if err := f.push(ctx, op); err != nil {
			if markErr := f.journal.MarkFailed(ctx, op.ID); markErr != nil {
				log.Printf("mark %s failed: %v", op.ID, markErr)
			}
			return fmt.Errorf("push %s %s: %w", op.Type, op.ID, err)
		}
		if err := f.journal.MarkSynced(ctx, op.ID); err != nil {
			return fmt.Errorf("acknowledge %s: %w", op.ID, err)
		}
	}

	if count, err := f.journal.PendingCount(ctx); err == nil && count > 0 {
		log.Printf("outbox: %d operations still pending sync", count)
	}
	return nil
}

func (f *Flusher) push(ctx context.Context, op domain.PendingOperation) error {
	switch op.Type {
	case domain.OpSessionState:
		var payload domain.SessionStateOp
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return f.remote.UpsertSession(ctx, payload.Session)
	case domain.OpAttemptSubmit:
		var payload domain.AttemptOp
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return f.remote.UpsertAttempt(ctx, payload.SessionID, payload.Attempt)
	case domain.OpParticipantSnapshot:
		var payload domain.ParticipantOp
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return f.remote.UpsertParticipant(ctx, payload.SessionID, payload.Participant)
	}
	return fmt.Errorf("unknown operation type %q", op.Type)
}
