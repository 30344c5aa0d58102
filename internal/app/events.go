package app

import "classroom-quiz-master/internal/domain"

// Event is the sealed set of notifications the coordinator publishes to
// subscribers (the LAN host fan-out, primarily).
type Event interface {
	coordinatorEvent()
}

// StateChanged is emitted after every accepted session mutation.
type StateChanged struct {
	Session domain.Session
}

func (StateChanged) coordinatorEvent() {}

// LeaderboardChanged is emitted when the score ledger or roster changes.
// Suppressed while the session hides its leaderboard.
type LeaderboardChanged struct {
	Leaderboard domain.Leaderboard
}

func (LeaderboardChanged) coordinatorEvent() {}

// ParticipantKicked is emitted when the host removes a participant. The
// transport delivers Message to the kicked participant before closing.
type ParticipantKicked struct {
	SessionID string
	UID       string
	Message   string
}

func (ParticipantKicked) coordinatorEvent() {}
