// Package rtc builds peer connections on pion/webrtc.
package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/stranger-cam/stranger/internal/config"
	"github.com/stranger-cam/stranger/internal/utils"
)

// NewConfiguration turns the relay candidate list of cfg into a pion
// configuration. Relay-only transport is used when forced, or when the host
// looks like it sits behind a VPN or CGNAT and TURN is available.
func NewConfiguration(cfg *config.Config) webrtc.Configuration {
	return newConfiguration(cfg, utils.ShouldForceRelay)
}

func newConfiguration(cfg *config.Config, behindRelayNAT func() bool) webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	if stun := cfg.GetSTUNServers(); len(stun) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if turnServers != nil && (cfg.ForceRelay || behindRelayNAT()) {
		policy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	}
}
