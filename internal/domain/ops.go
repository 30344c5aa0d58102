package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStateOp is the outbox payload for a session mutation.
type SessionStateOp struct {
	Session Session `json:"session"`
}

// AttemptOp is the outbox payload for an accepted attempt.
type AttemptOp struct {
	SessionID string  `json:"sessionId"`
	Attempt   Attempt `json:"attempt"`
}

// ParticipantOp is the outbox payload for a participant ledger snapshot.
type ParticipantOp struct {
	SessionID   string      `json:"sessionId"`
	Participant Participant `json:"participant"`
}

// NewPendingOperation wraps a typed payload into an outbox entry.
func NewPendingOperation(opType OpType, payload any, queuedAt time.Time) (PendingOperation, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return PendingOperation{}, fmt.Errorf("marshal %s payload: %w", opType, err)
	}
	return PendingOperation{
		ID:       uuid.NewString(),
		Type:     opType,
		Payload:  data,
		QueuedAt: queuedAt,
	}, nil
}
