// Package ws carries the session wire protocol over WebSocket: the host-side
// fan-out server and the participant-side reconnecting client.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classroom-quiz-master/internal/app"
	"classroom-quiz-master/internal/domain"
	"classroom-quiz-master/internal/wire"
)

// DedupIndex remembers attempt IDs inside the dedup window so re-submissions
// are acknowledged as duplicates without re-scoring. Release gives a claimed
// ID back when the submission was rejected before scoring, so a corrected
// retry is not mistaken for a duplicate.
type DedupIndex interface {
	FirstSeen(ctx context.Context, sessionID, attemptID string) (bool, error)
	Release(ctx context.Context, sessionID, attemptID string) error
	Prune(ctx context.Context) error
	Reset()
}

// ServerConfig tunes the host transport.
type ServerConfig struct {
	// MaxAttemptBytes caps one serialized submission; larger frames are
	// acknowledged with payload_too_large and never reach the coordinator.
	MaxAttemptBytes int
	// SendQueueSize is the per-participant outbound buffer. Overflow evicts
	// the participant so one stalled connection cannot slow the rest.
	SendQueueSize int
	// PruneInterval drives the dedup retention sweep.
	PruneInterval time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxAttemptBytes: 8 * 1024,
		SendQueueSize:   32,
		PruneInterval:   time.Minute,
	}
}

// Server terminates participant connections for one hosted session: it
// authenticates by shared token, decodes the wire protocol, deduplicates
// submissions, and fans out coordinator events to every admitted participant.
type Server struct {
	coordinator *app.Coordinator
	dedup       DedupIndex
	sessionID   string
	cfg         ServerConfig
	upgrader    websocket.Upgrader

	mu        sync.Mutex
	started   bool
	token     string
	boundPort int
	httpSrv   *http.Server
	conns     map[string]*participantConn
	cancel    context.CancelFunc
	runCtx    context.Context
	wg        sync.WaitGroup
}

func NewServer(coordinator *app.Coordinator, dedup DedupIndex, sessionID string, cfg ServerConfig) *Server {
	if cfg.MaxAttemptBytes <= 0 {
		cfg.MaxAttemptBytes = DefaultServerConfig().MaxAttemptBytes
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultServerConfig().SendQueueSize
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultServerConfig().PruneInterval
	}
	return &Server{
		coordinator: coordinator,
		dedup:       dedup,
		sessionID:   sessionID,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*participantConn),
	}
}

// Start binds the listening socket and begins serving. Calling Start again
// while running returns the existing bound port without rebinding. When the
// preferred port is taken the server falls back to an ephemeral one.
func (s *Server) Start(token string, preferredPort int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return s.boundPort, nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", preferredPort))
	if err != nil && preferredPort != 0 {
		listener, err = net.Listen("tcp", ":0")
	}
	if err != nil {
		return 0, fmt.Errorf("bind session host: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.token = token
	s.boundPort = listener.Addr().(*net.TCPAddr).Port
	s.httpSrv = &http.Server{Handler: mux}
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("session host serve: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.pumpEvents(s.runCtx)

	s.wg.Add(1)
	go s.pruneLoop(s.runCtx)

	log.Printf("session host listening on :%d", s.boundPort)
	return s.boundPort, nil
}

// Stop closes all connections, clears dedup memory and releases the port.
// Safe to call even if the server was never started.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	httpSrv := s.httpSrv
	conns := s.conns
	s.conns = make(map[string]*participantConn)
	s.boundPort = 0
	s.mu.Unlock()

	cancel()
	for _, p := range conns {
		p.close()
	}
	_ = httpSrv.Close()
	s.wg.Wait()
	s.dedup.Reset()
}

// BoundPort reports the active listen port, zero when stopped.
func (s *Server) BoundPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundPort
}

// Kick notifies and disconnects one participant via the coordinator.
func (s *Server) Kick(ctx context.Context, uid string) error {
	return s.coordinator.Kick(ctx, s.sessionID, uid)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	uid := r.URL.Query().Get("uid")
	nickname := r.URL.Query().Get("name")

	s.mu.Lock()
	expected := s.token
	s.mu.Unlock()

	// Failed handshakes are closed with no state created.
	if uid == "" || token != expected {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}

	if nickname != "" {
		if _, _, err := s.coordinator.Join(r.Context(), s.sessionID, uid, nickname); err != nil {
			s.writeDirect(conn, wire.SystemNotice{Message: err.Error()})
			_ = conn.Close()
			return
		}
	}

	p := newParticipantConn(uid, conn, s.cfg.SendQueueSize)

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	if old, ok := s.conns[uid]; ok {
		old.close()
	}
	s.conns[uid] = p
	// Add while holding the lock so Stop cannot start waiting in between.
	s.wg.Add(2)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		p.writePump()
	}()

	// A reconnecting participant always receives the current authoritative
	// snapshot first.
	if sess, err := s.coordinator.Session(s.sessionID); err == nil {
		s.sendTo(p, sessionStateMsg(sess))
	}
	if lb, err := s.coordinator.Leaderboard(s.sessionID); err == nil {
		s.sendTo(p, wire.Leaderboard{SessionID: s.sessionID, Leaderboard: lb})
	}

	go func() {
		defer s.wg.Done()
		p.readPump(func(frame []byte) {
			s.handleFrame(p, frame)
		})
		s.dropConn(p)
	}()
}

func (s *Server) dropConn(p *participantConn) {
	p.close()
	s.mu.Lock()
	if current, ok := s.conns[p.uid]; ok && current == p {
		delete(s.conns, p.uid)
	}
	s.mu.Unlock()
}

func (s *Server) handleFrame(p *participantConn, frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		// Protocol error: close without mutating any state.
		log.Printf("participant %s: %v", p.uid, err)
		p.close()
		return
	}

	switch m := msg.(type) {
	case wire.AttemptSubmit:
		s.handleAttempt(p, m, len(frame))
	case wire.SessionState, wire.Leaderboard, wire.Ack, wire.SystemNotice:
		// Host-originated variants are not accepted inbound.
		s.sendTo(p, wire.SystemNotice{Message: "unsupported message direction"})
	}
}

func (s *Server) handleAttempt(p *participantConn, m wire.AttemptSubmit, frameLen int) {
	if frameLen > s.cfg.MaxAttemptBytes {
		s.sendTo(p, wire.Ack{AttemptID: m.AttemptID, Accepted: false, Reason: wire.ReasonPayloadTooLarge})
		return
	}

	ctx := s.runCtx
	claimed := false
	first, err := s.dedup.FirstSeen(ctx, s.sessionID, m.AttemptID)
	if err != nil {
		// Index failure falls through; the coordinator still rejects
		// duplicates against its own ledger.
		log.Printf("dedup index: %v", err)
	} else if !first {
		s.sendTo(p, wire.Ack{AttemptID: m.AttemptID, Accepted: false, Reason: wire.ReasonDuplicate})
		return
	} else {
		claimed = true
	}

	_, err = s.coordinator.RecordAttempt(ctx, s.sessionID, domain.Attempt{
		ID:         m.AttemptID,
		UID:        p.uid,
		QuestionID: m.QuestionID,
		Selected:   m.Selected,
		TimeMs:     m.TimeMs,
	})
	switch {
	case errors.Is(err, domain.ErrDuplicateAttempt):
		s.sendTo(p, wire.Ack{AttemptID: m.AttemptID, Accepted: false, Reason: wire.ReasonDuplicate})
	case err != nil:
		// Nothing was scored; give the ID back so a corrected retry is not
		// acknowledged as a duplicate.
		if claimed {
			if rerr := s.dedup.Release(ctx, s.sessionID, m.AttemptID); rerr != nil {
				log.Printf("dedup release: %v", rerr)
			}
		}
		s.sendTo(p, wire.SystemNotice{Message: err.Error()})
	default:
		s.sendTo(p, wire.Ack{AttemptID: m.AttemptID, Accepted: true})
	}
}

// pumpEvents relays coordinator events into the broadcast fan-out.
func (s *Server) pumpEvents(ctx context.Context) {
	defer s.wg.Done()

	events, cancel, err := s.coordinator.Subscribe(s.sessionID)
	if err != nil {
		log.Printf("subscribe session %s: %v", s.sessionID, err)
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch e := event.(type) {
			case app.StateChanged:
				s.broadcast(sessionStateMsg(e.Session))
			case app.LeaderboardChanged:
				s.broadcast(wire.Leaderboard{SessionID: s.sessionID, Leaderboard: e.Leaderboard})
			case app.ParticipantKicked:
				s.disconnectParticipant(e.UID, e.Message)
			}
		}
	}
}

func (s *Server) pruneLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.dedup.Prune(ctx); err != nil {
				log.Printf("dedup prune: %v", err)
			}
		}
	}
}

// broadcast pushes one message to every connected participant. Each delivery
// is a non-blocking enqueue: a participant whose queue is full is evicted so
// the remaining K-1 deliveries complete immediately.
func (s *Server) broadcast(msg wire.Message) {
	frame, err := wire.Encode(msg)
	if err != nil {
		log.Printf("encode %s: %v", msg.WireType(), err)
		return
	}

	s.mu.Lock()
	conns := make([]*participantConn, 0, len(s.conns))
	for _, p := range s.conns {
		conns = append(conns, p)
	}
	s.mu.Unlock()

	for _, p := range conns {
		if !p.trySend(frame) {
			log.Printf("participant %s send queue overflow, evicting", p.uid)
			s.dropConn(p)
		}
	}
}

func (s *Server) sendTo(p *participantConn, msg wire.Message) {
	frame, err := wire.Encode(msg)
	if err != nil {
		log.Printf("encode %s: %v", msg.WireType(), err)
		return
	}
	if !p.trySend(frame) {
		s.dropConn(p)
	}
}

// disconnectParticipant sends the kick notice, then force-closes after a
// short grace so the notice can flush.
func (s *Server) disconnectParticipant(uid, message string) {
	s.mu.Lock()
	p, ok := s.conns[uid]
	if ok {
		delete(s.conns, uid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.sendToDetached(p, wire.SystemNotice{Message: message})
	time.AfterFunc(250*time.Millisecond, p.close)
}

// sendToDetached enqueues to a connection already removed from the fan-out.
func (s *Server) sendToDetached(p *participantConn, msg wire.Message) {
	frame, err := wire.Encode(msg)
	if err != nil {
		return
	}
	p.trySend(frame)
}

// writeDirect is used before a connection joins the fan-out (handshake
// refusals), where no writer goroutine exists yet.
func (s *Server) writeDirect(conn *websocket.Conn, msg wire.Message) {
	frame, err := wire.Encode(msg)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

func sessionStateMsg(sess domain.Session) wire.SessionState {
	return wire.SessionState{
		SessionID:    sess.ID,
		Status:       sess.Status,
		CurrentIndex: sess.CurrentIndex,
		Reveal:       sess.Reveal,
		Session:      sess,
	}
}
