// Package session coordinates local media, matchmaking and the live peer
// session, and exposes the resulting state to the presentation layer.
package session

import (
	"time"

	"github.com/stranger-cam/stranger/internal/media"
	"github.com/stranger-cam/stranger/internal/peer"
)

// Phase is the top-level coordinator state.
type Phase int

const (
	AcquiringMedia Phase = iota
	Waiting
	InSession
	Error
)

func (p Phase) String() string {
	switch p {
	case AcquiringMedia:
		return "acquiring media"
	case Waiting:
		return "waiting"
	case InSession:
		return "in session"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// State is a snapshot of everything the presentation layer renders.
type State struct {
	Phase Phase
	// Err is set in the Error phase and is always a *media.DeviceError.
	Err error

	RoomID    string
	Role      peer.Role
	Connected bool

	Local        *media.Handle
	AudioEnabled bool
	VideoEnabled bool

	Remote      *media.RemoteStream
	RemoteAudio bool
	RemoteVideo bool

	// Notice is the last message from the rendezvous service, if any.
	Notice string
}

// Record is one entry of the session history.
type Record struct {
	RoomID      string
	Role        peer.Role
	Started     time.Time
	ConnectedAt time.Time
	Ended       time.Time
	Reason      string
}

// Duration is how long the peers were actually connected.
func (r Record) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.Ended.IsZero() {
		return 0
	}
	return r.Ended.Sub(r.ConnectedAt)
}

// End reasons recorded in the history.
const (
	ReasonSkipped     = "skipped"
	ReasonReplaced    = "replaced by new match"
	ReasonPeerLeft    = "peer left"
	ReasonReconnected = "signaling reconnected"
	ReasonShutdown    = "shutdown"
)
