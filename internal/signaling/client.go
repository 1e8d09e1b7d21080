package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stranger-cam/stranger/internal/dns"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	outgoingBuffer = 64
)

// ErrClientClosed is returned by Connect after Close.
var ErrClientClosed = errors.New("signaling client closed")

// Client manages the WebSocket connection to the rendezvous server and
// transparently redials it when the transport is lost.
type Client struct {
	serverURL string
	dialer    *websocket.Dialer
	minWait   time.Duration
	maxWait   time.Duration

	incoming chan *Message
	outgoing chan *Message
	done     chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
	log       *slog.Logger
}

// Option tweaks a Client.
type Option func(*Client)

// WithBackoff bounds the redial delay.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.minWait = min
		c.maxWait = max
	}
}

// WithDialer replaces the websocket dialer, mostly for tests.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// NewClient creates a new signaling client
func NewClient(serverURL string, opts ...Option) *Client {
	// Create a custom dialer that uses our robust DNS lookup
	dialer := *websocket.DefaultDialer
	dialer.NetDialContext = dns.DialContext

	c := &Client{
		serverURL: serverURL,
		dialer:    &dialer,
		minWait:   500 * time.Millisecond,
		maxWait:   15 * time.Second,
		incoming:  make(chan *Message, 16),
		outgoing:  make(chan *Message, outgoingBuffer),
		done:      make(chan struct{}),
		log:       slog.With("component", "signaling"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the first WebSocket connection and keeps it alive in
// the background until ctx is cancelled or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go c.maintain(ctx, conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

// maintain serves one connection at a time and redials after each loss.
func (c *Client) maintain(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.incoming)

	for {
		c.serve(ctx, conn)

		if c.stopped(ctx) {
			return
		}

		c.log.Warn("signaling connection lost, reconnecting")
		next, err := c.redial(ctx)
		if err != nil {
			return
		}
		conn = next

		select {
		case c.incoming <- &Message{Type: messageTypeReconnected}:
		case <-c.done:
			conn.Close()
			return
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (c *Client) redial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minWait
	b.MaxInterval = c.maxWait
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-c.done:
			timer.Stop()
			return nil, ErrClientClosed
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.log.Info("signaling reconnected", "attempts", attempt)
			return conn, nil
		}
		c.log.Debug("redial failed", "attempt", attempt, "wait", wait, "err", err)
	}
}

func (c *Client) stopped(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// serve runs the pumps for conn and returns once it is dead.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx, conn, stop)
	}()

	c.readPump(conn)
	close(stop)
	<-writerDone
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", "err", err)
			}
			return
		}

		select {
		case c.incoming <- &msg:
		case <-c.done:
			return
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(message); err != nil {
				c.log.Warn("dropped outbound message", "type", message.Type, "err", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-stop:
			return

		case <-ctx.Done():
			c.writeClose(conn)
			return

		case <-c.done:
			c.writeClose(conn)
			return
		}
	}
}

func (c *Client) writeClose(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// SendMessage queues a message for the server. Delivery is best effort: when
// the queue is full, or the client is closed, the message is dropped.
func (c *Client) SendMessage(msg *Message) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.outgoing <- msg:
	default:
		c.log.Warn("outbound queue full, dropping message", "type", msg.Type)
	}
}

// Incoming returns the channel for receiving messages. It is closed once the
// client stops for good.
func (c *Client) Incoming() <-chan *Message {
	return c.incoming
}

// Close closes the WebSocket connection and cleans up resources.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}
