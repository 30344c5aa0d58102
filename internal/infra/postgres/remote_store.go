package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"classroom-quiz-master/internal/domain"
	enginesync "classroom-quiz-master/internal/sync"
)

// RemoteStore is the central copy of hosted sessions. Rows hold the entity as
// JSONB plus its update stamp; upserts apply last-writer-wins in SQL so
// concurrent hosts cannot clobber a newer copy with an older one.
type RemoteStore struct {
	pool *pgxpool.Pool
}

func NewRemoteStore(pool *pgxpool.Pool) *RemoteStore {
	return &RemoteStore{pool: pool}
}

func (s *RemoteStore) UpsertSession(ctx context.Context, sess domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, data, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET data = excluded.data, updated_at = excluded.updated_at
		WHERE excluded.updated_at > sessions.updated_at`,
		sess.ID, data, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *RemoteStore) UpsertParticipant(ctx context.Context, sessionID string, p domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO session_participants (session_id, uid, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, uid) DO UPDATE
		SET data = excluded.data, updated_at = excluded.updated_at
		WHERE excluded.updated_at > session_participants.updated_at`,
		sessionID, p.UID, data, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert participant %s: %w", p.UID, err)
	}
	return nil
}

// UpsertAttempt inserts once and never overwrites; attempts are immutable.
func (s *RemoteStore) UpsertAttempt(ctx context.Context, sessionID string, a domain.Attempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO attempts (id, session_id, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, sessionID, data, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert attempt %s: %w", a.ID, err)
	}
	return nil
}

func (s *RemoteStore) FetchSnapshot(ctx context.Context, sessionID string) (enginesync.Snapshot, error) {
	var snap enginesync.Snapshot

	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM sessions WHERE id=$1`, sessionID).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Remote has never seen this session; the zero snapshot says so.
		return snap, nil
	case err != nil:
		return snap, fmt.Errorf("fetch session %s: %w", sessionID, err)
	}
	if err := json.Unmarshal(raw, &snap.Session); err != nil {
		return snap, fmt.Errorf("unmarshal session: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT data FROM session_participants WHERE session_id=$1 ORDER BY uid`, sessionID)
	if err != nil {
		return snap, fmt.Errorf("fetch participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return snap, err
		}
		var p domain.Participant
		if err := json.Unmarshal(data, &p); err != nil {
			return snap, fmt.Errorf("unmarshal participant: %w", err)
		}
		snap.Participants = append(snap.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	attemptRows, err := s.pool.Query(ctx, `SELECT data FROM attempts WHERE session_id=$1 ORDER BY id`, sessionID)
	if err != nil {
		return snap, fmt.Errorf("fetch attempts: %w", err)
	}
	defer attemptRows.Close()
	for attemptRows.Next() {
		var data []byte
		if err := attemptRows.Scan(&data); err != nil {
			return snap, err
		}
		var a domain.Attempt
		if err := json.Unmarshal(data, &a); err != nil {
			return snap, fmt.Errorf("unmarshal attempt: %w", err)
		}
		snap.Attempts = append(snap.Attempts, a)
	}
	return snap, attemptRows.Err()
}
