package signaling

import "encoding/json"

// Message represents all WebSocket messages between the client and the
// rendezvous service.
type Message struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RoomID     string          `json:"room_id,omitempty"`
	Initiator  bool            `json:"initiator,omitempty"`
	ClientType string          `json:"client_type,omitempty"`
}

// Message type constants.
const (
	MessageTypeJoinRoom = "join_room"
	MessageTypeSignal   = "signal"

	MessageTypeMatchFound = "match_found"
	MessageTypePeerLeft   = "peer_left"
	MessageTypeError      = "error"

	// messageTypeReconnected never crosses the wire; the client injects it
	// into the inbound stream after a successful redial.
	messageTypeReconnected = "_reconnected"
)

// ErrorPayload represents error messages from server.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Event is one inbound occurrence on the channel, delivered in arrival order.
type Event interface {
	event()
}

// Match is a pairing delivered by the rendezvous service. Exactly one side of
// a pair has Initiator set.
type Match struct {
	RoomID    string
	Initiator bool
}

// Signal is a setup payload relayed from the paired peer.
type Signal struct {
	RoomID  string
	Payload json.RawMessage
}

// PeerLeft reports that the other participant of a room disconnected.
type PeerLeft struct {
	RoomID string
}

// Reconnected reports that the transport was lost and re-established.
type Reconnected struct{}

// ServerError carries an error message sent by the service.
type ServerError struct {
	Message string
}

func (Match) event()       {}
func (Signal) event()      {}
func (PeerLeft) event()    {}
func (Reconnected) event() {}
func (ServerError) event() {}
