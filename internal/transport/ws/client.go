package ws

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classroom-quiz-master/internal/discovery"
	"classroom-quiz-master/internal/wire"
)

// ClientConfig tunes the participant-side connection.
type ClientConfig struct {
	// Nickname is sent during the handshake; empty connects as an observer.
	Nickname string
	// Backoff drives the reconnect delay; zero value uses DefaultBackoff.
	Backoff BackoffConfig
	// HandshakeTimeout bounds one dial.
	HandshakeTimeout time.Duration
	// EventBuffer sizes the inbound event channel.
	EventBuffer int
}

// Client maintains a best-effort connection to a resolved host descriptor.
// Any failure or unexpected closure triggers reconnection with exponential
// backoff; the counter resets after each successful connection. Inbound
// messages are published in arrival order.
type Client struct {
	cfg ClientConfig
	rnd *rand.Rand

	mu      sync.Mutex
	running bool
	conn    *websocket.Conn
	cancel  context.CancelFunc
	events  chan wire.Message
	done    chan struct{}

	writeMu sync.Mutex
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return &Client{
		cfg: cfg,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Connect starts the connection loop toward the descriptor. It returns
// immediately; connection state is observable through Events and Connected.
func (c *Client) Connect(descriptor discovery.Descriptor, uid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("client already connected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.cancel = cancel
	c.events = make(chan wire.Message, c.cfg.EventBuffer)
	c.done = make(chan struct{})

	go c.run(ctx, descriptor, uid, c.events, c.done)
	return nil
}

// Events returns the inbound message stream for the current connection loop.
// The channel closes when the loop stops.
func (c *Client) Events() <-chan wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// Connected reports whether a live connection currently exists.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendAttempt performs a best-effort send and reports delivery so the caller
// can fall back to the outbox path instead of silently losing the submission.
func (c *Client) SendAttempt(m wire.AttemptSubmit) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	frame, err := wire.Encode(m)
	if err != nil {
		log.Printf("encode attempt: %v", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		// Wake the run loop so it reconnects.
		_ = conn.Close()
		return false
	}
	return true
}

// Disconnect cancels the reconnect loop and closes the active connection.
// Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	done := c.done
	c.mu.Unlock()

	<-done
}

func (c *Client) run(ctx context.Context, descriptor discovery.Descriptor, uid string, events chan wire.Message, done chan struct{}) {
	defer close(done)
	defer close(events)

	attempt := 0
	for {
		conn, err := c.dial(ctx, descriptor, uid)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := NextDelay(c.cfg.Backoff, attempt, c.rnd)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		attempt = 0
		c.setConn(conn)
		c.readLoop(ctx, conn, events)
		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context, descriptor discovery.Descriptor, uid string) (*websocket.Conn, error) {
	query := url.Values{}
	query.Set("token", descriptor.Token)
	query.Set("uid", uid)
	if c.cfg.Nickname != "" {
		query.Set("name", c.cfg.Nickname)
	}
	target := url.URL{
		Scheme:   "ws",
		Host:     descriptor.Addr(),
		Path:     "/ws",
		RawQuery: query.Encode(),
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target.String(), nil)
	return conn, err
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, events chan wire.Message) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(frame)
		if err != nil {
			log.Printf("client decode: %v", err)
			continue
		}
		select {
		case events <- msg:
		case <-ctx.Done():
			return
		}
	}
}
