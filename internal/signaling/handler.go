package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/stranger-cam/stranger/internal/version"
)

// Handler turns the client's raw inbound messages into an ordered stream of
// typed events and offers the outbound half of the rendezvous contract.
//
// Events are delivered on a single channel so that a match is always observed
// before any setup message of the same room.
type Handler struct {
	client *Client
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	log       *slog.Logger
}

// NewHandler creates a new message handler.
func NewHandler(client *Client) *Handler {
	return &Handler{
		client: client,
		events: make(chan Event, 32),
		done:   make(chan struct{}),
		log:    slog.With("component", "signaling"),
	}
}

// Start begins listening to incoming messages and routing them. It returns
// when the client stops or the handler is closed.
func (h *Handler) Start() {
	defer close(h.events)

	for {
		var msg *Message
		var ok bool
		select {
		case msg, ok = <-h.client.Incoming():
			if !ok {
				return
			}
		case <-h.done:
			return
		}

		ev := h.route(msg)
		if ev == nil {
			continue
		}

		select {
		case h.events <- ev:
		case <-h.done:
			return
		}
	}
}

func (h *Handler) route(msg *Message) Event {
	switch msg.Type {

	case MessageTypeMatchFound:
		if msg.RoomID == "" {
			h.log.Warn("match without room id ignored")
			return nil
		}
		return Match{RoomID: msg.RoomID, Initiator: msg.Initiator}

	case MessageTypeSignal:
		if msg.RoomID == "" || len(msg.Payload) == 0 {
			h.log.Warn("signal without room or payload ignored", "room", msg.RoomID)
			return nil
		}
		return Signal{RoomID: msg.RoomID, Payload: msg.Payload}

	case MessageTypePeerLeft:
		return PeerLeft{RoomID: msg.RoomID}

	case messageTypeReconnected:
		return Reconnected{}

	case MessageTypeError:
		return ServerError{Message: parseError(msg.Payload)}

	default:
		h.log.Debug("unknown message type", "type", msg.Type)
		return nil
	}
}

// parseError extracts the error message from an error payload.
func parseError(raw json.RawMessage) string {
	var errPayload ErrorPayload
	if err := json.Unmarshal(raw, &errPayload); err != nil || errPayload.Error == "" {
		return "Unknown error from server"
	}
	return errPayload.Error
}

// Events returns the ordered inbound event stream. It is closed when the
// handler stops.
func (h *Handler) Events() <-chan Event {
	return h.events
}

// RequestMatch places this participant (back) into the matchmaking pool.
func (h *Handler) RequestMatch() {
	h.client.SendMessage(&Message{
		Type:       MessageTypeJoinRoom,
		ClientType: version.ClientType,
	})
}

// SendSignal relays one setup payload to the peer paired in roomID.
func (h *Handler) SendSignal(roomID string, payload json.RawMessage) {
	h.client.SendMessage(&Message{
		Type:    MessageTypeSignal,
		RoomID:  roomID,
		Payload: payload,
	})
}

// Close stops event delivery. It does not close the client.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}
