package ws

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"classroom-quiz-master/internal/app"
	"classroom-quiz-master/internal/domain"
	"classroom-quiz-master/internal/infra/memory"
	"classroom-quiz-master/internal/wire"
)

func testQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3", Correct: false},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5", Correct: false},
					},
					TimeLimitMs: 20_000,
					Points:      100,
				},
			},
		},
	}
}

func newHostFixture(t *testing.T, cfg ServerConfig) (*app.Coordinator, domain.Session, *Server) {
	t.Helper()
	registry := memory.NewSessionRegistry()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(testQuizzes()), 5*time.Minute)
	coordinator := app.NewCoordinator(registry, quizzes, nil)

	sess, err := coordinator.CreateSession(context.Background(), "quiz-1", "Teacher", app.SessionOptions{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	server := NewServer(coordinator, memory.NewDedupIndex(5*time.Minute), sess.ID, cfg)
	return coordinator, sess, server
}

func dialParticipant(t *testing.T, port int, token, uid, name string) *websocket.Conn {
	t.Helper()
	query := url.Values{}
	query.Set("token", token)
	query.Set("uid", uid)
	if name != "" {
		query.Set("name", name)
	}
	target := fmt.Sprintf("ws://127.0.0.1:%d/ws?%s", port, query.Encode())
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", uid, err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := wire.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func waitForAck(t *testing.T, conn *websocket.Conn, attemptID string) wire.Ack {
	t.Helper()
	for i := 0; i < 10; i++ {
		if ack, ok := readMessage(t, conn).(wire.Ack); ok && ack.AttemptID == attemptID {
			return ack
		}
	}
	t.Fatalf("no ack for %s", attemptID)
	return wire.Ack{}
}

func TestStartIdempotentStopSafe(t *testing.T) {
	_, _, server := newHostFixture(t, ServerConfig{})

	// Stop before Start must be a no-op.
	server.Stop()

	port, err := server.Start("token-1", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if port == 0 {
		t.Fatalf("expected bound port")
	}

	again, err := server.Start("token-1", 0)
	if err != nil || again != port {
		t.Fatalf("expected same port %d without rebind, got %d err=%v", port, again, err)
	}

	server.Stop()
	if server.BoundPort() != 0 {
		t.Fatalf("expected port released")
	}
	server.Stop() // still safe
}

func TestHandshakeRejectsBadTokenAndMissingUID(t *testing.T) {
	_, _, server := newHostFixture(t, ServerConfig{})
	port, err := server.Start("secret", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	if _, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws://127.0.0.1:%d/ws?token=wrong&uid=u1", port), nil); err == nil {
		t.Fatalf("expected handshake rejection for bad token")
	}
	if _, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws://127.0.0.1:%d/ws?token=secret", port), nil); err == nil {
		t.Fatalf("expected handshake rejection for missing uid")
	}
}

func TestAttemptFlowDuplicateAckedOnce(t *testing.T) {
	_, _, server := newHostFixture(t, ServerConfig{})
	port, err := server.Start("secret", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	conn := dialParticipant(t, port, "secret", "u1", "Ava")
	defer conn.Close()

	// Fresh connections receive the authoritative snapshot first.
	if _, ok := readMessage(t, conn).(wire.SessionState); !ok {
		t.Fatalf("expected session state snapshot first")
	}

	submit := wire.AttemptSubmit{AttemptID: "a1", UID: "u1", QuestionID: "q1", Selected: []string{"o2"}, TimeMs: 2_000}
	frame, _ := wire.Encode(submit)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write duplicate: %v", err)
	}

	first := waitForAck(t, conn, "a1")
	if !first.Accepted {
		t.Fatalf("expected first ack accepted, got %+v", first)
	}
	second := waitForAck(t, conn, "a1")
	if second.Accepted || second.Reason != wire.ReasonDuplicate {
		t.Fatalf("expected duplicate ack, got %+v", second)
	}
}

func TestRejectedAttemptReleasesIDForRetry(t *testing.T) {
	_, _, server := newHostFixture(t, ServerConfig{})
	port, err := server.Start("secret", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	conn := dialParticipant(t, port, "secret", "u1", "Ava")
	defer conn.Close()
	readMessage(t, conn) // snapshot

	// A submission against an unknown question is rejected without scoring.
	bad := wire.AttemptSubmit{AttemptID: "a1", UID: "u1", QuestionID: "q-missing", Selected: []string{"o2"}, TimeMs: 2_000}
	frame, _ := wire.Encode(bad)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	noticeSeen := false
	for i := 0; i < 10 && !noticeSeen; i++ {
		_, noticeSeen = readMessage(t, conn).(wire.SystemNotice)
	}
	if !noticeSeen {
		t.Fatalf("expected rejection notice")
	}

	// The corrected retry reuses the attempt ID and must still score.
	good := wire.AttemptSubmit{AttemptID: "a1", UID: "u1", QuestionID: "q1", Selected: []string{"o2"}, TimeMs: 2_000}
	frame, _ = wire.Encode(good)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write retry: %v", err)
	}
	ack := waitForAck(t, conn, "a1")
	if !ack.Accepted {
		t.Fatalf("expected corrected retry accepted, got %+v", ack)
	}
}

func TestOversizedAttemptNeverReachesCoordinator(t *testing.T) {
	coordinator, sess, server := newHostFixture(t, ServerConfig{MaxAttemptBytes: 256})
	port, err := server.Start("secret", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	conn := dialParticipant(t, port, "secret", "u1", "Ava")
	defer conn.Close()
	readMessage(t, conn) // snapshot

	huge := wire.AttemptSubmit{
		AttemptID:  "a-big",
		UID:        "u1",
		QuestionID: "q1",
		Selected:   []string{strings.Repeat("x", 1024)},
	}
	frame, _ := wire.Encode(huge)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	ack := waitForAck(t, conn, "a-big")
	if ack.Accepted || ack.Reason != wire.ReasonPayloadTooLarge {
		t.Fatalf("expected payload_too_large, got %+v", ack)
	}

	_, _, attempts, err := coordinator.Snapshot(sess.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(attempts) != 0 {
		t.Fatalf("oversized attempt reached the coordinator: %+v", attempts)
	}
}

func TestBroadcastIsolatesBlockedParticipant(t *testing.T) {
	coordinator, sess, server := newHostFixture(t, ServerConfig{SendQueueSize: 1})
	port, err := server.Start("secret", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	blocked := dialParticipant(t, port, "secret", "u-blocked", "Blocked")
	defer blocked.Close()
	healthy := dialParticipant(t, port, "secret", "u-healthy", "Healthy")
	defer healthy.Close()
	readMessage(t, healthy) // snapshot

	// Saturate the blocked participant's queue so broadcast cannot enqueue.
	server.mu.Lock()
	p, ok := server.conns["u-blocked"]
	server.mu.Unlock()
	if !ok {
		t.Fatalf("blocked participant not registered")
	}
	p.send <- []byte("stall")
	for p.trySend([]byte("fill")) {
	}

	sess.Status = domain.StatusActive
	sess.CurrentIndex = 1
	if _, err := coordinator.UpdateState(context.Background(), sess); err != nil {
		t.Fatalf("update state: %v", err)
	}

	// The healthy participant still receives the broadcast promptly.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("healthy participant never saw the state change")
		}
		if state, ok := readMessage(t, healthy).(wire.SessionState); ok && state.CurrentIndex == 1 {
			break
		}
	}

	// And the blocked one has been evicted from the fan-out.
	server.mu.Lock()
	_, still := server.conns["u-blocked"]
	server.mu.Unlock()
	if still {
		t.Fatalf("blocked participant should have been evicted")
	}
}

func TestKickNotifiesAndDisconnects(t *testing.T) {
	_, _, server := newHostFixture(t, ServerConfig{})
	port, err := server.Start("secret", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	conn := dialParticipant(t, port, "secret", "u1", "Ava")
	defer conn.Close()
	readMessage(t, conn) // snapshot

	if err := server.Kick(context.Background(), "u1"); err != nil {
		t.Fatalf("kick: %v", err)
	}

	noticeSeen := false
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			break // force-closed by the host
		}
		if msg, derr := wire.Decode(frame); derr == nil {
			if _, ok := msg.(wire.SystemNotice); ok {
				noticeSeen = true
			}
		}
	}
	if !noticeSeen {
		t.Fatalf("expected kick notice before close")
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	coordinator, sess, server := newHostFixture(t, ServerConfig{})
	port, err := server.Start("secret", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	conn := dialParticipant(t, port, "secret", "u1", "Ava")
	defer conn.Close()
	readMessage(t, conn) // snapshot

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	_, _, attempts, _ := coordinator.Snapshot(sess.ID)
	if len(attempts) != 0 {
		t.Fatalf("protocol error must not mutate state")
	}
}
