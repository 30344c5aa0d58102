package app

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"classroom-quiz-master/internal/domain"
)

// SessionRegistry abstracts how live sessions are indexed (in-memory today;
// the interface keeps infra swappable, mirroring the session store split).
type SessionRegistry interface {
	Put(session *LiveSession)
	Get(sessionID string) (*LiveSession, bool)
	ByJoinCode(code string) (*LiveSession, bool)
	Delete(sessionID string)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// OpJournal is the write side of the durable outbox. Enqueue must persist the
// operation before returning.
type OpJournal interface {
	Enqueue(ctx context.Context, op domain.PendingOperation) error
}

// Coordinator is the single authoritative owner of session and participant
// state. Every mutation passes through it, so observers always see a
// consistent, monotonic view.
type Coordinator struct {
	registry SessionRegistry
	quizzes  QuizRepository
	journal  OpJournal
	clock    func() time.Time

	codeMu sync.Mutex
	rnd    *rand.Rand
}

// SessionOptions carries host-chosen session policies.
type SessionOptions struct {
	LockAfterFirst  bool
	HideLeaderboard bool
}

func NewCoordinator(registry SessionRegistry, quizzes QuizRepository, journal OpJournal) *Coordinator {
	return NewCoordinatorWithClock(registry, quizzes, journal, time.Now)
}

// NewCoordinatorWithClock allows deterministic timestamps in tests.
func NewCoordinatorWithClock(registry SessionRegistry, quizzes QuizRepository, journal OpJournal, now func() time.Time) *Coordinator {
	return &Coordinator{
		registry: registry,
		quizzes:  quizzes,
		journal:  journal,
		clock:    now,
		rnd:      rand.New(rand.NewSource(now().UnixNano())),
	}
}

// joinCodeAlphabet skips ambiguous glyphs (0/O, 1/I) for read-aloud codes.
const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const joinCodeLength = 6

// CreateSession allocates a fresh lobby session for quizID, registers the
// host as a non-scored participant and assigns a collision-checked join code.
func (c *Coordinator) CreateSession(ctx context.Context, quizID, hostNickname string, opts SessionOptions) (domain.Session, error) {
	if _, err := c.quizzes.GetQuiz(ctx, quizID); err != nil {
		return domain.Session{}, err
	}
	nickname, err := domain.SanitizeNickname(hostNickname)
	if err != nil {
		return domain.Session{}, err
	}

	now := c.clock()
	sess := domain.Session{
		ID:              uuid.NewString(),
		QuizID:          quizID,
		HostID:          uuid.NewString(),
		JoinCode:        c.allocateJoinCode(),
		Status:          domain.StatusLobby,
		CurrentIndex:    0,
		LockAfterFirst:  opts.LockAfterFirst,
		HideLeaderboard: opts.HideLeaderboard,
		UpdatedAt:       now,
	}

	live := &LiveSession{
		sess:         sess,
		hostUID:      sess.HostID,
		participants: make(map[string]*domain.Participant),
		attempts:     make(map[string]domain.Attempt),
		subscribers:  make(map[chan Event]struct{}),
		now:          c.clock,
	}
	live.participants[sess.HostID] = &domain.Participant{
		UID:       sess.HostID,
		Nickname:  nickname,
		JoinedAt:  now,
		UpdatedAt: now,
	}
	c.registry.Put(live)

	c.journalSession(ctx, sess)
	return sess, nil
}

func (c *Coordinator) allocateJoinCode() string {
	c.codeMu.Lock()
	defer c.codeMu.Unlock()
	for {
		code := make([]byte, joinCodeLength)
		for i := range code {
			code[i] = joinCodeAlphabet[c.rnd.Intn(len(joinCodeAlphabet))]
		}
		if _, taken := c.registry.ByJoinCode(string(code)); !taken {
			return string(code)
		}
	}
}

// UpdateState validates and applies a session mutation. Status never moves
// backward, currentIndex never decreases, and reveal requires an active
// session; violations return ErrInvalidTransition and are never broadcast.
func (c *Coordinator) UpdateState(ctx context.Context, next domain.Session) (domain.Session, error) {
	live, ok := c.registry.Get(next.ID)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}

	live.mu.Lock()
	cur := live.sess
	if next.Status.Rank() == 0 || next.Status.Rank() < cur.Status.Rank() {
		live.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: status %s -> %s", domain.ErrInvalidTransition, cur.Status, next.Status)
	}
	if next.CurrentIndex < cur.CurrentIndex {
		live.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: currentIndex %d -> %d", domain.ErrInvalidTransition, cur.CurrentIndex, next.CurrentIndex)
	}
	if next.Reveal && next.Status != domain.StatusActive {
		live.mu.Unlock()
		return domain.Session{}, fmt.Errorf("%w: reveal outside active session", domain.ErrInvalidTransition)
	}

	now := c.clock()
	// Identity fields are owned by the coordinator, not the caller.
	next.QuizID = cur.QuizID
	next.HostID = cur.HostID
	next.JoinCode = cur.JoinCode
	next.StartedAt = cur.StartedAt
	next.EndedAt = cur.EndedAt
	if cur.Status != domain.StatusActive && next.Status == domain.StatusActive && next.StartedAt == nil {
		next.StartedAt = &now
	}
	if cur.Status != domain.StatusEnded && next.Status == domain.StatusEnded && next.EndedAt == nil {
		next.EndedAt = &now
	}
	next.UpdatedAt = now
	live.sess = next
	live.broadcastLocked(StateChanged{Session: next})
	live.mu.Unlock()

	c.journalSession(ctx, next)
	return next, nil
}

// Join registers or refreshes a participant. New joins are refused once a
// lock-after-first session has left the lobby; known UIDs may always rejoin.
func (c *Coordinator) Join(ctx context.Context, sessionID, uid, rawNickname string) (domain.Session, domain.Leaderboard, error) {
	live, ok := c.registry.Get(sessionID)
	if !ok {
		return domain.Session{}, domain.Leaderboard{}, domain.ErrSessionNotFound
	}
	nickname, err := domain.SanitizeNickname(rawNickname)
	if err != nil {
		return domain.Session{}, domain.Leaderboard{}, err
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	now := c.clock()
	participant, known := live.participants[uid]
	if !known {
		if live.sess.LockAfterFirst && live.sess.Status != domain.StatusLobby {
			return domain.Session{}, domain.Leaderboard{}, domain.ErrSessionLocked
		}
		participant = &domain.Participant{UID: uid, JoinedAt: now}
		live.participants[uid] = participant
	}
	participant.Nickname = nickname
	participant.UpdatedAt = now

	lb := live.leaderboardLocked()
	if !live.sess.HideLeaderboard {
		live.broadcastLocked(LeaderboardChanged{Leaderboard: lb})
	}
	return live.sess, lb, nil
}

// RecordAttempt scores and commits one submission. A repeated attempt ID is
// rejected with ErrDuplicateAttempt and has no side effects. Incorrect and
// late submissions are recorded with zero points for audit.
func (c *Coordinator) RecordAttempt(ctx context.Context, sessionID string, attempt domain.Attempt) (domain.ScoreResult, error) {
	if attempt.ID == "" {
		return domain.ScoreResult{}, fmt.Errorf("attempt id required")
	}
	live, ok := c.registry.Get(sessionID)
	if !ok {
		return domain.ScoreResult{}, domain.ErrSessionNotFound
	}
	quiz, err := c.quizzes.GetQuiz(ctx, live.QuizID())
	if err != nil {
		return domain.ScoreResult{}, err
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	if _, dup := live.attempts[attempt.ID]; dup {
		return domain.ScoreResult{}, domain.ErrDuplicateAttempt
	}
	participant, ok := live.participants[attempt.UID]
	if !ok {
		return domain.ScoreResult{}, domain.ErrParticipantNotFound
	}
	question, ok := quiz.QuestionByID(attempt.QuestionID)
	if !ok {
		return domain.ScoreResult{}, domain.ErrQuestionNotFound
	}

	now := c.clock()
	correct, points := scoreAttempt(question, attempt.Selected, attempt.TimeMs, live.sess.Reveal)
	attempt.Correct = correct
	attempt.Points = points
	attempt.CreatedAt = now
	attempt.UpdatedAt = now
	live.attempts[attempt.ID] = attempt

	participant.TotalPoints += points
	participant.TotalTimeMs += attempt.TimeMs
	participant.UpdatedAt = now

	result := domain.ScoreResult{
		AttemptID:   attempt.ID,
		QuestionID:  attempt.QuestionID,
		Correct:     correct,
		Points:      points,
		TotalPoints: participant.TotalPoints,
	}

	if !live.sess.HideLeaderboard {
		live.broadcastLocked(LeaderboardChanged{Leaderboard: live.leaderboardLocked()})
	}

	// Journal inside the serialized section so outbox order matches commit order.
	c.journalAttempt(ctx, sessionID, attempt)
	c.journalParticipant(ctx, sessionID, *participant)
	return result, nil
}

// Kick removes a participant and notifies subscribers; the transport closes
// the kicked participant's connection.
func (c *Coordinator) Kick(ctx context.Context, sessionID, uid string) error {
	live, ok := c.registry.Get(sessionID)
	if !ok {
		return domain.ErrSessionNotFound
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	if _, ok := live.participants[uid]; !ok {
		return domain.ErrParticipantNotFound
	}
	delete(live.participants, uid)
	live.broadcastLocked(ParticipantKicked{
		SessionID: sessionID,
		UID:       uid,
		Message:   "removed from session by host",
	})
	if !live.sess.HideLeaderboard {
		live.broadcastLocked(LeaderboardChanged{Leaderboard: live.leaderboardLocked()})
	}
	return nil
}

// Subscribe returns a channel receiving coordinator events for a session.
// The caller must invoke the returned cancel function to avoid leaks.
func (c *Coordinator) Subscribe(sessionID string) (<-chan Event, func(), error) {
	live, ok := c.registry.Get(sessionID)
	if !ok {
		return nil, nil, domain.ErrSessionNotFound
	}
	ch, cancel := live.subscribe()
	return ch, cancel, nil
}

// Session returns the current authoritative session snapshot.
func (c *Coordinator) Session(sessionID string) (domain.Session, error) {
	live, ok := c.registry.Get(sessionID)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	live.mu.RLock()
	defer live.mu.RUnlock()
	return live.sess, nil
}

// SessionByJoinCode resolves a join code to its session snapshot.
func (c *Coordinator) SessionByJoinCode(code string) (domain.Session, error) {
	live, ok := c.registry.ByJoinCode(code)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	live.mu.RLock()
	defer live.mu.RUnlock()
	return live.sess, nil
}

// Leaderboard returns the current ranked scoreboard.
func (c *Coordinator) Leaderboard(sessionID string) (domain.Leaderboard, error) {
	live, ok := c.registry.Get(sessionID)
	if !ok {
		return domain.Leaderboard{}, domain.ErrSessionNotFound
	}
	live.mu.RLock()
	defer live.mu.RUnlock()
	return live.leaderboardLocked(), nil
}

// Snapshot exposes all session entities for remote reconciliation.
func (c *Coordinator) Snapshot(sessionID string) (domain.Session, []domain.Participant, []domain.Attempt, error) {
	live, ok := c.registry.Get(sessionID)
	if !ok {
		return domain.Session{}, nil, nil, domain.ErrSessionNotFound
	}
	live.mu.RLock()
	defer live.mu.RUnlock()

	participants := make([]domain.Participant, 0, len(live.participants))
	for _, p := range live.participants {
		participants = append(participants, *p)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].UID < participants[j].UID })

	attempts := make([]domain.Attempt, 0, len(live.attempts))
	for _, a := range live.attempts {
		attempts = append(attempts, a)
	}
	sort.Slice(attempts, func(i, j int) bool {
		if !attempts[i].CreatedAt.Equal(attempts[j].CreatedAt) {
			return attempts[i].CreatedAt.Before(attempts[j].CreatedAt)
		}
		return attempts[i].ID < attempts[j].ID
	})
	return live.sess, participants, attempts, nil
}

// ApplyRemoteSession installs a remote session copy that won the merge.
// The monotonic guards still apply; a regressive remote copy is refused.
func (c *Coordinator) ApplyRemoteSession(_ context.Context, remote domain.Session) error {
	live, ok := c.registry.Get(remote.ID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	live.mu.Lock()
	defer live.mu.Unlock()

	cur := live.sess
	if remote.Status.Rank() < cur.Status.Rank() || remote.CurrentIndex < cur.CurrentIndex {
		return fmt.Errorf("%w: remote copy regresses session", domain.ErrInvalidTransition)
	}
	live.sess = remote
	live.broadcastLocked(StateChanged{Session: remote})
	return nil
}

// TouchSession advances the session's UpdatedAt to at least notBefore and
// returns the resulting snapshot. When the monotonic guard refuses a remote
// copy with a newer stamp, the kept local copy needs a stamp past the
// remote's or its push loses the remote's last-writer-wins comparison.
func (c *Coordinator) TouchSession(_ context.Context, sessionID string, notBefore time.Time) (domain.Session, error) {
	live, ok := c.registry.Get(sessionID)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	live.mu.Lock()
	defer live.mu.Unlock()
	if notBefore.After(live.sess.UpdatedAt) {
		live.sess.UpdatedAt = notBefore
	}
	return live.sess, nil
}

// ApplyRemoteParticipant overwrites one participant ledger entry with the
// remote copy that won the merge.
func (c *Coordinator) ApplyRemoteParticipant(_ context.Context, sessionID string, p domain.Participant) error {
	live, ok := c.registry.Get(sessionID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	live.mu.Lock()
	defer live.mu.Unlock()

	copied := p
	live.participants[p.UID] = &copied
	if !live.sess.HideLeaderboard {
		live.broadcastLocked(LeaderboardChanged{Leaderboard: live.leaderboardLocked()})
	}
	return nil
}

// ApplyRemoteAttempt imports a remote attempt into the audit log without
// rescoring; cumulative points travel via participant snapshots.
func (c *Coordinator) ApplyRemoteAttempt(_ context.Context, sessionID string, a domain.Attempt) error {
	live, ok := c.registry.Get(sessionID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	live.mu.Lock()
	defer live.mu.Unlock()
	live.attempts[a.ID] = a
	return nil
}

func (c *Coordinator) journalSession(ctx context.Context, sess domain.Session) {
	c.enqueue(ctx, domain.OpSessionState, domain.SessionStateOp{Session: sess})
}

func (c *Coordinator) journalAttempt(ctx context.Context, sessionID string, a domain.Attempt) {
	c.enqueue(ctx, domain.OpAttemptSubmit, domain.AttemptOp{SessionID: sessionID, Attempt: a})
}

func (c *Coordinator) journalParticipant(ctx context.Context, sessionID string, p domain.Participant) {
	c.enqueue(ctx, domain.OpParticipantSnapshot, domain.ParticipantOp{SessionID: sessionID, Participant: p})
}

// enqueue writes one mutation to the durable outbox. Journal failures are
// logged, not propagated: gameplay stays LAN-local even when local
// persistence misbehaves.
func (c *Coordinator) enqueue(ctx context.Context, opType domain.OpType, payload any) {
	if c.journal == nil {
		return
	}
	op, err := domain.NewPendingOperation(opType, payload, c.clock())
	if err != nil {
		log.Printf("journal %s: %v", opType, err)
		return
	}
	if err := c.journal.Enqueue(ctx, op); err != nil {
		log.Printf("journal %s: %v", opType, err)
	}
}

// LiveSession is the in-memory authoritative state of one hosted session.
// All mutations are serialized by its lock.
type LiveSession struct {
	mu           sync.RWMutex
	sess         domain.Session
	hostUID      string
	participants map[string]*domain.Participant
	attempts     map[string]domain.Attempt
	subscribers  map[chan Event]struct{}
	now          func() time.Time
}

// ID returns the session identifier.
func (l *LiveSession) ID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sess.ID
}

// QuizID returns the quiz backing the session.
func (l *LiveSession) QuizID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sess.QuizID
}

// JoinCode returns the session's join code.
func (l *LiveSession) JoinCode() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sess.JoinCode
}

func (l *LiveSession) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	// The initial snapshot is queued while holding the lock so a concurrent
	// broadcast cannot land ahead of it.
	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	ch <- StateChanged{Session: l.sess}
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subscribers[ch]; ok {
			delete(l.subscribers, ch)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

func (l *LiveSession) broadcastLocked(event Event) {
	for ch := range l.subscribers {
		select {
		case ch <- event:
		default:
			// Drop the oldest queued event so slow subscribers never block
			// the coordinator.
			select {
			case <-ch:
			default:
			}
			ch <- event
		}
	}
}

// leaderboardLocked ranks scored participants; the host is excluded.
func (l *LiveSession) leaderboardLocked() domain.Leaderboard {
	entries := make([]domain.LeaderboardEntry, 0, len(l.participants))
	for _, p := range l.participants {
		if p.UID == l.hostUID {
			continue
		}
		entries = append(entries, domain.LeaderboardEntry{
			UID:         p.UID,
			Nickname:    p.Nickname,
			TotalPoints: p.TotalPoints,
			TotalTimeMs: p.TotalTimeMs,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalPoints != entries[j].TotalPoints {
			return entries[i].TotalPoints > entries[j].TotalPoints
		}
		if entries[i].TotalTimeMs != entries[j].TotalTimeMs {
			return entries[i].TotalTimeMs < entries[j].TotalTimeMs
		}
		return entries[i].Nickname < entries[j].Nickname
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	return domain.Leaderboard{
		SessionID: l.sess.ID,
		Entries:   entries,
		UpdatedAt: l.now(),
	}
}
