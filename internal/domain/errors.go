package domain

import "errors"

var (
	// ErrSessionNotFound is returned when no live session matches the ID or join code.
	ErrSessionNotFound = errors.New("session not found")
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a submitted question ID is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrDuplicateAttempt marks a re-submission of an already-recorded attempt ID.
	// This is an expected outcome, not a failure.
	ErrDuplicateAttempt = errors.New("duplicate attempt")
	// ErrInvalidTransition rejects session updates that move status backward
	// or decrease the current question index.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrSessionLocked is returned when joining after the first question has
	// started in a lock-after-first session.
	ErrSessionLocked = errors.New("session locked to new participants")
	// ErrInvalidNickname rejects empty, oversized, malformed, or profane nicknames.
	ErrInvalidNickname = errors.New("invalid nickname")
)
