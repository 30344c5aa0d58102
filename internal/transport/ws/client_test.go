package ws

import (
	"context"
	"testing"
	"time"

	"classroom-quiz-master/internal/discovery"
	"classroom-quiz-master/internal/domain"
	"classroom-quiz-master/internal/wire"
)

func fastBackoff() BackoffConfig {
	return BackoffConfig{Base: 20 * time.Millisecond, Multiplier: 1.5, Max: 200 * time.Millisecond}
}

func waitForSessionState(t *testing.T, events <-chan wire.Message) wire.SessionState {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before session state arrived")
			}
			if state, isState := msg.(wire.SessionState); isState {
				return state
			}
		case <-deadline:
			t.Fatalf("no session state received")
		}
	}
}

func TestClientConnectsAndReceivesSnapshot(t *testing.T) {
	_, _, server := newHostFixture(t, ServerConfig{})
	port, err := server.Start("secret", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	client := NewClient(ClientConfig{Nickname: "Ava", Backoff: fastBackoff()})
	descriptor := discovery.Descriptor{Host: "127.0.0.1", Port: port, Token: "secret"}
	if err := client.Connect(descriptor, "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()

	state := waitForSessionState(t, client.Events())
	if state.Status != domain.StatusLobby {
		t.Fatalf("expected lobby snapshot, got %q", state.Status)
	}
}

func TestClientReconnectsAfterServerRestart(t *testing.T) {
	coordinator, sess, server := newHostFixture(t, ServerConfig{})
	port, err := server.Start("secret", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	client := NewClient(ClientConfig{Nickname: "Ava", Backoff: fastBackoff()})
	descriptor := discovery.Descriptor{Host: "127.0.0.1", Port: port, Token: "secret"}
	if err := client.Connect(descriptor, "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()

	events := client.Events()
	waitForSessionState(t, events)

	// Drop the host, advance the session while the client is offline, then
	// bring the host back on the same port.
	server.Stop()

	sess.Status = domain.StatusActive
	sess.CurrentIndex = 2
	if _, err := coordinator.UpdateState(context.Background(), sess); err != nil {
		t.Fatalf("update state: %v", err)
	}

	restarted := NewServer(coordinator, server.dedup, sess.ID, ServerConfig{})
	if _, err := restarted.Start("secret", port); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer restarted.Stop()

	// The reconnected client receives the fresh authoritative snapshot.
	deadline := time.After(10 * time.Second)
	for {
		var state wire.SessionState
		select {
		case msg, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed during reconnect")
			}
			var isState bool
			if state, isState = msg.(wire.SessionState); !isState {
				continue
			}
		case <-deadline:
			t.Fatalf("client never reconnected")
		}
		if state.CurrentIndex == 2 {
			break
		}
	}
	if !client.Connected() {
		t.Fatalf("client should report connected after reconnect")
	}
}

func TestSendAttemptFailsWhenDisconnected(t *testing.T) {
	client := NewClient(ClientConfig{Backoff: fastBackoff()})
	if client.SendAttempt(wire.AttemptSubmit{AttemptID: "a1"}) {
		t.Fatalf("send must fail without a connection")
	}
}

func TestSendAttemptDeliversAndAcks(t *testing.T) {
	_, _, server := newHostFixture(t, ServerConfig{})
	port, err := server.Start("secret", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	client := NewClient(ClientConfig{Nickname: "Ava", Backoff: fastBackoff()})
	descriptor := discovery.Descriptor{Host: "127.0.0.1", Port: port, Token: "secret"}
	if err := client.Connect(descriptor, "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()

	events := client.Events()
	waitForSessionState(t, events)

	submit := wire.AttemptSubmit{AttemptID: "a1", UID: "u1", QuestionID: "q1", Selected: []string{"o2"}, TimeMs: 1_500}
	if !client.SendAttempt(submit) {
		t.Fatalf("expected delivery over the live connection")
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before ack")
			}
			if ack, isAck := msg.(wire.Ack); isAck {
				if !ack.Accepted || ack.AttemptID != "a1" {
					t.Fatalf("unexpected ack %+v", ack)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no ack received")
		}
	}
}

func TestDisconnectIsIdempotentAndPromptDuringBackoff(t *testing.T) {
	client := NewClient(ClientConfig{Backoff: BackoffConfig{Base: time.Minute, Multiplier: 2, Max: time.Hour}})

	// Nothing listens on this port, so the client sits in backoff.
	descriptor := discovery.Descriptor{Host: "127.0.0.1", Port: 1, Token: "secret"}
	if err := client.Connect(descriptor, "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	start := time.Now()
	client.Disconnect()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("disconnect waited out the backoff timer: %v", elapsed)
	}
	client.Disconnect() // second call is a no-op

	if client.Connected() {
		t.Fatalf("client must not report connected after disconnect")
	}
}

func TestConnectTwiceRejected(t *testing.T) {
	_, _, server := newHostFixture(t, ServerConfig{})
	port, err := server.Start("secret", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	client := NewClient(ClientConfig{Backoff: fastBackoff()})
	descriptor := discovery.Descriptor{Host: "127.0.0.1", Port: port, Token: "secret"}
	if err := client.Connect(descriptor, "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()

	if err := client.Connect(descriptor, "u1"); err == nil {
		t.Fatalf("expected second connect to be rejected")
	}
}
