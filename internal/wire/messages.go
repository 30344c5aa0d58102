// Package wire defines the closed message set exchanged between the session
// host and participants. Messages travel as a JSON envelope {type, payload};
// the variant set is sealed so every consumer can switch exhaustively.
package wire

import (
	"encoding/json"
	"fmt"

	"classroom-quiz-master/internal/domain"
)

// Type tags one wire message variant.
type Type string

const (
	TypeSessionState  Type = "session_state"
	TypeLeaderboard   Type = "leaderboard"
	TypeAttemptSubmit Type = "attempt_submit"
	TypeAck           Type = "ack"
	TypeSystemNotice  Type = "system_notice"
)

// Message is the sealed union of wire variants.
type Message interface {
	WireType() Type
}

// SessionState carries the full authoritative session snapshot (host → participant).
type SessionState struct {
	SessionID    string               `json:"sessionId"`
	Status       domain.SessionStatus `json:"status"`
	CurrentIndex int                  `json:"currentIndex"`
	Reveal       bool                 `json:"reveal"`
	Session      domain.Session       `json:"session"`
}

func (SessionState) WireType() Type { return TypeSessionState }

// Leaderboard carries a ranked participant snapshot (host → participant).
type Leaderboard struct {
	SessionID   string             `json:"sessionId,omitempty"`
	Leaderboard domain.Leaderboard `json:"leaderboard"`
}

func (Leaderboard) WireType() Type { return TypeLeaderboard }

// AttemptSubmit carries one answer submission (participant → host).
// AttemptID is the idempotency key.
type AttemptSubmit struct {
	AttemptID  string   `json:"attemptId"`
	UID        string   `json:"uid"`
	QuestionID string   `json:"questionId"`
	Selected   []string `json:"selected"`
	Nickname   string   `json:"nickname"`
	TimeMs     int64    `json:"timeMs"`
	Nonce      string   `json:"nonce,omitempty"`
}

func (AttemptSubmit) WireType() Type { return TypeAttemptSubmit }

// AckReason explains a rejected submission.
type AckReason string

const (
	ReasonDuplicate       AckReason = "duplicate"
	ReasonPayloadTooLarge AckReason = "payload_too_large"
)

// Ack acknowledges one submission (host → participant). Exactly one accepted
// ack is sent per unique attempt ID.
type Ack struct {
	AttemptID string    `json:"attemptId"`
	Accepted  bool      `json:"accepted"`
	Reason    AckReason `json:"reason,omitempty"`
}

func (Ack) WireType() Type { return TypeAck }

// SystemNotice is a host-initiated informational or kick message.
type SystemNotice struct {
	Message string `json:"message"`
}

func (SystemNotice) WireType() Type { return TypeSystemNotice }

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a message into its envelope form.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.WireType(), err)
	}
	return json.Marshal(envelope{Type: msg.WireType(), Payload: payload})
}

// Decode parses an envelope into its concrete variant. Unknown types are an
// error; the message set is closed.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case TypeSessionState:
		var m SessionState
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeLeaderboard:
		var m Leaderboard
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeAttemptSubmit:
		var m AttemptSubmit
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeAck:
		var m Ack
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeSystemNotice:
		var m SystemNotice
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown wire message type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return msg, nil
}
