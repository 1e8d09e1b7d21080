// Package signalingtest runs a minimal in-process rendezvous service for
// tests: first-come first-served pairing and per-room relay of setup
// messages.
package signalingtest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stranger-cam/stranger/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
)

// Server is the rendezvous stand-in. The zero value is not usable; call NewServer.
type Server struct {
	http *httptest.Server
	hub  *hub
}

// NewServer starts the service on a loopback port.
func NewServer() *Server {
	h := newHub()
	go h.run()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &client{hub: h, conn: conn, send: make(chan *signaling.Message, 64)}
		select {
		case h.register <- c:
		case <-h.quit:
			conn.Close()
			return
		}
		go c.writePump()
		go c.readPump()
	})

	return &Server{http: httptest.NewServer(mux), hub: h}
}

// URL returns the websocket endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// Joins reports how many join requests the service has received.
func (s *Server) Joins() int {
	reply := make(chan int)
	s.hub.query <- func(h *hub) { reply <- h.joins }
	return <-reply
}

// Relayed reports how many setup messages were relayed for roomID.
func (s *Server) Relayed(roomID string) int {
	reply := make(chan int)
	s.hub.query <- func(h *hub) { reply <- h.relayed[roomID] }
	return <-reply
}

// DropConnections abruptly closes every client transport, as a network
// failure would.
func (s *Server) DropConnections() {
	done := make(chan struct{})
	s.hub.query <- func(h *hub) {
		for c := range h.clients {
			c.conn.Close()
		}
		close(done)
	}
	<-done
}

// Close shuts the service down.
func (s *Server) Close() {
	s.http.CloseClientConnections()
	s.http.Close()
	close(s.hub.quit)
}

type room struct {
	id    string
	peers [2]*client
}

func (r *room) other(c *client) *client {
	if r.peers[0] == c {
		return r.peers[1]
	}
	return r.peers[0]
}

// hub owns all state and is only touched from run.
type hub struct {
	clients map[*client]bool
	waiting []*client
	rooms   map[string]*room
	joins   int
	relayed map[string]int

	register   chan *client
	unregister chan *client
	inbound    chan envelope
	query      chan func(*hub)
	quit       chan struct{}
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*client]bool),
		rooms:      make(map[string]*room),
		relayed:    make(map[string]int),
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan envelope),
		query:      make(chan func(*hub)),
		quit:       make(chan struct{}),
	}
}

type envelope struct {
	from *client
	msg  *signaling.Message
}

// run is the single goroutine that manages all state (rooms, clients).
func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true

		case c := <-h.unregister:
			if !h.clients[c] {
				continue
			}
			delete(h.clients, c)
			h.leave(c)
			h.dequeue(c)
			close(c.send)

		case env := <-h.inbound:
			h.handle(env.from, env.msg)

		case q := <-h.query:
			q(h)

		case <-h.quit:
			return
		}
	}
}

func (h *hub) handle(from *client, msg *signaling.Message) {
	if !h.clients[from] {
		return
	}

	switch msg.Type {
	case signaling.MessageTypeJoinRoom:
		h.joins++
		h.leave(from)
		h.dequeue(from)

		if len(h.waiting) == 0 {
			h.waiting = append(h.waiting, from)
			return
		}

		partner := h.waiting[0]
		h.waiting = h.waiting[1:]

		r := &room{id: uuid.NewString(), peers: [2]*client{partner, from}}
		h.rooms[r.id] = r
		partner.roomID = r.id
		from.roomID = r.id

		partner.send <- &signaling.Message{Type: signaling.MessageTypeMatchFound, RoomID: r.id, Initiator: true}
		from.send <- &signaling.Message{Type: signaling.MessageTypeMatchFound, RoomID: r.id}

	case signaling.MessageTypeSignal:
		r, ok := h.rooms[msg.RoomID]
		if !ok || from.roomID != msg.RoomID {
			payload, _ := json.Marshal(signaling.ErrorPayload{Error: "Room not found"})
			from.send <- &signaling.Message{Type: signaling.MessageTypeError, Payload: payload}
			return
		}
		if target := r.other(from); target != nil {
			h.relayed[r.id]++
			target.send <- msg
		}

	default:
		slog.Debug("signalingtest: unknown message type", "type", msg.Type)
	}
}

// leave removes c from its room and tells the other peer.
func (h *hub) leave(c *client) {
	if c.roomID == "" {
		return
	}
	r, ok := h.rooms[c.roomID]
	c.roomID = ""
	if !ok {
		return
	}
	delete(h.rooms, r.id)

	if other := r.other(c); other != nil {
		other.roomID = ""
		other.send <- &signaling.Message{Type: signaling.MessageTypePeerLeft, RoomID: r.id}
	}
}

func (h *hub) dequeue(c *client) {
	for i, w := range h.waiting {
		if w == c {
			h.waiting = append(h.waiting[:i], h.waiting[i+1:]...)
			return
		}
	}
}

// client is a wrapper for a single websocket connection (a peer)
type client struct {
	hub    *hub
	conn   *websocket.Conn
	send   chan *signaling.Message
	roomID string
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg signaling.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case c.hub.inbound <- envelope{from: c, msg: &msg}:
		case <-c.hub.quit:
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(message); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
