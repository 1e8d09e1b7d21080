package rtc

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/stranger-cam/stranger/internal/peer"
)

// Setup payload types. The JSON shape matches what browser peers built on
// simple-peer exchange, so either kind of client can be on the other end.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// Signal is one setup payload.
type Signal struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// ParseSignal decodes and validates a setup payload.
func ParseSignal(raw json.RawMessage) (*Signal, error) {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return nil, peer.NewError("parse signal", peer.ErrMalformedSignal)
	}

	// Older peers send bare {"candidate": {...}} without a type.
	if sig.Type == "" && sig.Candidate != nil {
		sig.Type = SignalCandidate
	}

	switch sig.Type {
	case SignalOffer, SignalAnswer:
		if sig.SDP == "" {
			return nil, peer.WrapError("parse signal", peer.ErrMalformedSignal, "empty sdp")
		}
	case SignalCandidate:
		if sig.Candidate == nil {
			return nil, peer.WrapError("parse signal", peer.ErrMalformedSignal, "missing candidate")
		}
	default:
		return nil, peer.WrapError("parse signal", peer.ErrUnexpectedSignal, sig.Type)
	}
	return &sig, nil
}

// Description returns the session description an offer or answer carries.
func (s *Signal) Description() webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if s.Type == SignalAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}
}

func descriptionSignal(desc *webrtc.SessionDescription) json.RawMessage {
	b, _ := json.Marshal(Signal{Type: desc.Type.String(), SDP: desc.SDP})
	return b
}

func candidateSignal(c webrtc.ICECandidateInit) json.RawMessage {
	b, _ := json.Marshal(Signal{Type: SignalCandidate, Candidate: &c})
	return b
}
