package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// participantConn is one admitted participant connection. Outbound traffic
// goes through the buffered send queue; a full queue or a failed write evicts
// this connection without touching the others.
type participantConn struct {
	uid  string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newParticipantConn(uid string, conn *websocket.Conn, queueSize int) *participantConn {
	return &participantConn{
		uid:  uid,
		conn: conn,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// trySend enqueues one frame without blocking. Returns false when the queue
// is full, which the server treats as a dead or hopelessly slow participant.
func (p *participantConn) trySend(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// close tears the connection down; safe to call repeatedly.
func (p *participantConn) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// writePump drains the send queue and keeps the connection alive with pings.
// One writer per connection; gorilla allows a single concurrent writer.
func (p *participantConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case frame, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// readPump delivers inbound frames to handle until the connection dies. The
// read deadline doubles as the keep-alive: a silent connection is reaped.
func (p *participantConn) readPump(handle func(frame []byte)) {
	defer p.close()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("participant %s read: %v", p.uid, err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(frame)
	}
}
