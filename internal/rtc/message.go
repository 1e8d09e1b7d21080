package rtc

import "github.com/vmihailenco/msgpack/v5"

// Control channel message types.
const (
	MessageTypeMediaState = "media_state"
	MessageTypeBye        = "bye"
)

// Message represents all control data channel messages
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// MediaStatePayload tells the peer whether our mic and camera are on
type MediaStatePayload struct {
	Audio bool `msgpack:"audio"`
	Video bool `msgpack:"video"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t}, nil
	}

	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Type:    t,
		Payload: b,
	}, nil
}

// EncodeMessage serializes a message for the wire.
func EncodeMessage(t string, payload any) ([]byte, error) {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(msg)
}

// ParseMessage decodes one control message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
