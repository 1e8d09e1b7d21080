// Package peer manages one peer connection attempt between two matched
// participants: role, setup message exchange, remote media and teardown.
package peer

import (
	"context"
	"encoding/json"

	"github.com/stranger-cam/stranger/internal/media"
)

// Role decides which side makes the offer.
type Role int

const (
	Responder Role = iota
	Initiator
)

// RoleFor maps the initiator flag of a match onto a Role.
func RoleFor(initiator bool) Role {
	if initiator {
		return Initiator
	}
	return Responder
}

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is the lifecycle of a Session.
type State int32

const (
	Connecting State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handlers are invoked by a Conn from its own goroutines.
type Handlers struct {
	// OnSignal receives every outbound setup payload.
	OnSignal func(payload json.RawMessage)
	// OnRemoteTrack fires once per remote track.
	OnRemoteTrack func(track media.RemoteTrack)
	// OnRemoteState reports the peer's mic and camera state.
	OnRemoteState func(audio, video bool)
	// OnClosed reports that the connection died on its own.
	OnClosed func(err error)
}

// Params describe the connection a Dialer must build.
type Params struct {
	RoomID   string
	Role     Role
	Media    *media.Handle
	Handlers Handlers
}

// Conn is a live peer connection object.
type Conn interface {
	// ApplySignal applies one inbound setup payload.
	ApplySignal(ctx context.Context, payload json.RawMessage) error
	// SendMediaState tells the peer whether our mic and camera are on.
	SendMediaState(audio, video bool) error
	Close() error
}

// Dialer constructs connection objects. The initiator's Conn starts
// negotiating before Dial returns.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Conn, error)
}
