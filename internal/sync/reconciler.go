package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"classroom-quiz-master/internal/domain"
)

// LocalState is the coordinator surface the reconciler merges into.
type LocalState interface {
	Snapshot(sessionID string) (domain.Session, []domain.Participant, []domain.Attempt, error)
	ApplyRemoteSession(ctx context.Context, sess domain.Session) error
	ApplyRemoteParticipant(ctx context.Context, sessionID string, p domain.Participant) error
	ApplyRemoteAttempt(ctx context.Context, sessionID string, a domain.Attempt) error
	TouchSession(ctx context.Context, sessionID string, notBefore time.Time) (domain.Session, error)
}

// Reconciler merges the remote copy of a session with the local one after a
// connectivity gap. Per entity the copy with the strictly newer UpdatedAt
// wins; on a tie the local copy stays and nothing is pushed. Local winners
// travel through the outbox so the push inherits its ordering and retries.
type Reconciler struct {
	local   LocalState
	remote  RemoteBackend
	journal Journal
}

func NewReconciler(local LocalState, remote RemoteBackend, journal Journal) *Reconciler {
	return &Reconciler{local: local, remote: remote, journal: journal}
}

// SyncOnReconnect runs one full merge for the session. Entities only the
// remote knows are imported; entities only the local side knows are queued
// for push. Running the merge twice with no interleaved writes is a no-op.
func (r *Reconciler) SyncOnReconnect(ctx context.Context, sessionID string) error {
	localSess, localParticipants, localAttempts, err := r.local.Snapshot(sessionID)
	if err != nil {
		return fmt.Errorf("local snapshot: %w", err)
	}

	remote, err := r.remote.FetchSnapshot(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("remote snapshot: %w", err)
	}

	if err := r.mergeSession(ctx, localSess, remote.Session); err != nil {
		return err
	}
	if err := r.mergeParticipants(ctx, sessionID, localParticipants, remote.Participants); err != nil {
		return err
	}
	return r.mergeAttempts(ctx, sessionID, localAttempts, remote.Attempts)
}

func (r *Reconciler) mergeSession(ctx context.Context, local, remote domain.Session) error {
	switch {
	case remote.ID == "":
		// Remote has never seen this session.
		return r.enqueueSession(ctx, local)
	case remote.UpdatedAt.After(local.UpdatedAt):
		if err := r.local.ApplyRemoteSession(ctx, remote); err != nil {
			// A regressive remote copy loses even with a newer stamp. The
			// kept local copy is re-stamped past the remote's so the push
			// wins the remote's last-writer-wins comparison.
			if errors.Is(err, domain.ErrInvalidTransition) {
				log.Printf("reconcile session %s: %v", local.ID, err)
				bumped, terr := r.local.TouchSession(ctx, local.ID, remote.UpdatedAt.Add(time.Millisecond))
				if terr != nil {
					return terr
				}
				return r.enqueueSession(ctx, bumped)
			}
			return err
		}
		return nil
	case local.UpdatedAt.After(remote.UpdatedAt):
		return r.enqueueSession(ctx, local)
	}
	return nil
}

func (r *Reconciler) mergeParticipants(ctx context.Context, sessionID string, local, remote []domain.Participant) error {
	localByUID := make(map[string]domain.Participant, len(local))
	for _, p := range local {
		localByUID[p.UID] = p
	}

	seen := make(map[string]bool, len(remote))
	for _, rp := range remote {
		seen[rp.UID] = true
		lp, ok := localByUID[rp.UID]
		switch {
		case !ok, rp.UpdatedAt.After(lp.UpdatedAt):
			if err := r.local.ApplyRemoteParticipant(ctx, sessionID, rp); err != nil {
				return err
			}
		case lp.UpdatedAt.After(rp.UpdatedAt):
			if err := r.enqueueParticipant(ctx, sessionID, lp); err != nil {
				return err
			}
		}
	}

	for _, lp := range local {
		if !seen[lp.UID] {
			if err := r.enqueueParticipant(ctx, sessionID, lp); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeAttempts treats attempts as immutable once recorded: each side only
// fills in the entries it is missing.
func (r *Reconciler) mergeAttempts(ctx context.Context, sessionID string, local, remote []domain.Attempt) error {
	localByID := make(map[string]bool, len(local))
	for _, a := range local {
		localByID[a.ID] = true
	}
	remoteByID := make(map[string]bool, len(remote))
	for _, a := range remote {
		remoteByID[a.ID] = true
	}

	for _, ra := range remote {
		if !localByID[ra.ID] {
			if err := r.local.ApplyRemoteAttempt(ctx, sessionID, ra); err != nil {
				return err
			}
		}
	}
	for _, la := range local {
		if !remoteByID[la.ID] {
			op, err := domain.NewPendingOperation(domain.OpAttemptSubmit, domain.AttemptOp{SessionID: sessionID, Attempt: la}, la.UpdatedAt)
			if err != nil {
				return err
			}
			if err := r.journal.Enqueue(ctx, op); err != nil {
				return fmt.Errorf("queue attempt %s: %w", la.ID, err)
			}
		}
	}
	return nil
}

func (r *Reconciler) enqueueSession(ctx context.Context, sess domain.Session) error {
	op, err := domain.NewPendingOperation(domain.OpSessionState, domain.SessionStateOp{Session: sess}, sess.UpdatedAt)
	if err != nil {
		return err
	}
	if err := r.journal.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("queue session %s: %w", sess.ID, err)
	}
	return nil
}

func (r *Reconciler) enqueueParticipant(ctx context.Context, sessionID string, p domain.Participant) error {
	op, err := domain.NewPendingOperation(domain.OpParticipantSnapshot, domain.ParticipantOp{SessionID: sessionID, Participant: p}, p.UpdatedAt)
	if err != nil {
		return err
	}
	if err := r.journal.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("queue participant %s: %w", p.UID, err)
	}
	return nil
}
