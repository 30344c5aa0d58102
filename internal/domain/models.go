package domain

import (
	"sort"
	"strings"
	"time"
)

// SessionStatus is the lifecycle phase of a hosted session.
type SessionStatus string

const (
	StatusLobby  SessionStatus = "lobby"
	StatusActive SessionStatus = "active"
	StatusEnded  SessionStatus = "ended"
)

// Rank orders statuses for the forward-only transition check.
// Unknown statuses rank below lobby so they can never be applied.
func (s SessionStatus) Rank() int {
	switch s {
	case StatusLobby:
		return 1
	case StatusActive:
		return 2
	case StatusEnded:
		return 3
	}
	return 0
}

// Session identifies one timed quiz run hosted on the local network.
type Session struct {
	ID              string        `json:"id"`
	QuizID          string        `json:"quizId"`
	HostID          string        `json:"hostId"`
	JoinCode        string        `json:"joinCode"`
	Status          SessionStatus `json:"status"`
	CurrentIndex    int           `json:"currentIndex"`
	Reveal          bool          `json:"reveal"`
	LockAfterFirst  bool          `json:"lockAfterFirst"`
	HideLeaderboard bool          `json:"hideLeaderboard"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Participant is a connection-scoped identity joined to exactly one session.
// UID is stable per participant and survives reconnects.
type Participant struct {
	UID         string    `json:"uid"`
	Nickname    string    `json:"nickname"`
	TotalPoints int       `json:"totalPoints"`
	TotalTimeMs int64     `json:"totalTimeMs"`
	JoinedAt    time.Time `json:"joinedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Attempt is one participant's answer to one question. ID doubles as the
// idempotency key: a second attempt with the same ID is a duplicate.
type Attempt struct {
	ID         string    `json:"id"`
	UID        string    `json:"uid"`
	QuestionID string    `json:"questionId"`
	Selected   []string  `json:"selected"`
	TimeMs     int64     `json:"timeMs"`
	Correct    bool      `json:"correct"`
	Points     int       `json:"points"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ScoreResult summarizes the outcome of one accepted attempt.
type ScoreResult struct {
	AttemptID   string `json:"attemptId"`
	QuestionID  string `json:"questionId"`
	Correct     bool   `json:"correct"`
	Points      int    `json:"points"`
	TotalPoints int    `json:"totalPoints"`
}

// LeaderboardEntry is a snapshot-friendly view of a participant.
type LeaderboardEntry struct {
	UID         string `json:"uid"`
	Nickname    string `json:"nickname"`
	TotalPoints int    `json:"totalPoints"`
	TotalTimeMs int64  `json:"totalTimeMs"`
	Rank        int    `json:"rank"`
}

// Leaderboard captures the ordered scoreboard for a session.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models a question whose answer key may contain several options.
type Question struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Options     []Option `json:"options"`
	TimeLimitMs int64    `json:"timeLimitMs"` // defaults to 30s if zero
	Points      int      `json:"points"`      // defaults to 100 if zero
}

// AnswerKey returns the normalized set of correct option IDs, sorted.
func (q Question) AnswerKey() []string {
	key := make([]string, 0, len(q.Options))
	for _, opt := range q.Options {
		if opt.Correct {
			key = append(key, strings.ToLower(opt.ID))
		}
	}
	sort.Strings(key)
	return key
}

// Quiz is a collection of questions.
type Quiz struct {
	ID        string     `json:"id"`
	Questions []Question `json:"questions"`
}

// QuestionByID returns the question with the given ID, if present.
func (q Quiz) QuestionByID(id string) (Question, bool) {
	for i := range q.Questions {
		if q.Questions[i].ID == id {
			return q.Questions[i], true
		}
	}
	return Question{}, false
}

// OpType tags the kind of mutation held in the outbox.
type OpType string

const (
	OpAttemptSubmit       OpType = "attempt-submit"
	OpSessionState        OpType = "session-state"
	OpParticipantSnapshot OpType = "participant-snapshot"
)

// PendingOperation is a locally queued mutation awaiting remote acknowledgment.
// It is removed from the outbox only after the remote backend acknowledges it.
type PendingOperation struct {
	ID         string    `json:"id"`
	Type       OpType    `json:"type"`
	Payload    []byte    `json:"payload"`
	QueuedAt   time.Time `json:"queuedAt"`
	RetryCount int       `json:"retryCount"`
	Synced     bool      `json:"synced"`
}
