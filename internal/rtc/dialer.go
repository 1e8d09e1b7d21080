package rtc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/stranger-cam/stranger/internal/media"
	"github.com/stranger-cam/stranger/internal/peer"
)

const (
	controlLabel     = "control"
	controlChannelID = uint16(0)

	defaultGatherTimeout = 5 * time.Second
	byeFlushTimeout      = 250 * time.Millisecond

	iceDisconnectedTimeout = 5 * time.Second
	iceFailedTimeout       = 15 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

// Options configure a Dialer.
type Options struct {
	Configuration webrtc.Configuration

	// Trickle sends each ICE candidate as its own setup message. Otherwise the
	// offer and answer are held back until gathering completes.
	Trickle bool

	// GatherTimeout bounds the wait for gathering in non-trickle mode.
	GatherTimeout time.Duration

	// Net replaces the OS network, e.g. with a vnet in tests.
	Net transport.Net

	LoggerFactory logging.LoggerFactory
}

// Dialer builds pion peer connections. It implements peer.Dialer.
type Dialer struct {
	opts Options
}

// NewDialer creates a Dialer.
func NewDialer(opts Options) *Dialer {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = defaultGatherTimeout
	}
	return &Dialer{opts: opts}
}

// newAPI builds a per-connection API so the codecs always match the tracks of
// the handle being sent.
func (d *Dialer) newAPI(h *media.Handle) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if h != nil {
		if err := h.RegisterCodecs(mediaEngine); err != nil {
			return nil, peer.NewError("register codecs", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, peer.NewError("register codecs", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, peer.NewError("register interceptors", err)
	}

	// Muted video resumes mid-stream; periodic PLIs get the sender to emit a
	// keyframe the decoder can start from.
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, peer.NewError("create PLI interceptor", err)
	}
	interceptorRegistry.Add(pli)

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)
	if d.opts.LoggerFactory != nil {
		se.LoggerFactory = d.opts.LoggerFactory
	}
	if d.opts.Net != nil {
		se.SetNet(d.opts.Net)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Dial creates the peer connection, attaches the local tracks and the control
// channel, and for the initiator emits the offer.
func (d *Dialer) Dial(ctx context.Context, p peer.Params) (peer.Conn, error) {
	api, err := d.newAPI(p.Media)
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(d.opts.Configuration)
	if err != nil {
		return nil, peer.NewError("create peer connection", err)
	}

	c := &conn{
		pc:            pc,
		handlers:      p.Handlers,
		media:         p.Media,
		trickle:       d.opts.Trickle,
		gatherTimeout: d.opts.GatherTimeout,
		log:           slog.With("component", "rtc", "room", p.RoomID, "role", p.Role),
	}

	if err := c.setup(p.Role); err != nil {
		pc.Close()
		return nil, err
	}

	if p.Role == peer.Initiator {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			pc.Close()
			return nil, peer.NewError("create offer", err)
		}
		if err := c.setLocal(ctx, offer); err != nil {
			pc.Close()
			return nil, err
		}
	}
	return c, nil
}

// conn is a pion peer connection. ApplySignal is only ever called from the
// owning session's worker, so the early candidate buffer needs no lock.
type conn struct {
	pc            *webrtc.PeerConnection
	control       *webrtc.DataChannel
	handlers      peer.Handlers
	media         *media.Handle
	trickle       bool
	gatherTimeout time.Duration

	remoteSet bool
	early     []webrtc.ICECandidateInit

	closing    atomic.Bool
	reportOnce sync.Once
	closeOnce  sync.Once
	log        *slog.Logger
}

func (c *conn) setup(role peer.Role) error {
	if c.media != nil {
		for _, track := range c.media.Tracks() {
			sender, err := c.pc.AddTrack(track)
			if err != nil {
				return peer.NewError("add track", err)
			}
			// Read incoming RTCP packets so interceptors can process them.
			go func() {
				buf := make([]byte, 1500)
				for {
					if _, _, err := sender.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	}

	// The offer must describe both kinds so the peer can send them even when
	// we have no device for one of them.
	if role == peer.Initiator {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if c.media != nil && c.hasLocal(kind) {
				continue
			}
			if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return peer.NewError("add transceiver", err)
			}
		}
	}

	negotiated := true
	ordered := true
	id := controlChannelID
	dc, err := c.pc.CreateDataChannel(controlLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return peer.NewError("create data channel", err)
	}
	c.control = dc

	dc.OnOpen(func() {
		if c.media != nil {
			c.SendMediaState(c.media.AudioEnabled(), c.media.VideoEnabled())
		}
	})
	dc.OnMessage(c.handleControl)

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Debug("remote track", "kind", track.Kind(), "codec", track.Codec().MimeType)
		if c.handlers.OnRemoteTrack != nil {
			c.handlers.OnRemoteTrack(track)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || !c.trickle {
			return
		}
		c.emitSignal(candidateSignal(cand.ToJSON()))
	})

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug("connection state", "state", state)
		if state == webrtc.PeerConnectionStateFailed {
			c.report(peer.ErrConnectionFailed)
		}
	})
	return nil
}

func (c *conn) hasLocal(kind webrtc.RTPCodecType) bool {
	if kind == webrtc.RTPCodecTypeAudio {
		return c.media.HasAudio()
	}
	return c.media.HasVideo()
}

func (c *conn) handleControl(msg webrtc.DataChannelMessage) {
	m, err := ParseMessage(msg.Data)
	if err != nil {
		c.log.Debug("bad control message", "err", err)
		return
	}

	switch m.Type {
	case MessageTypeMediaState:
		var state MediaStatePayload
		if err := m.DecodePayload(&state); err != nil {
			c.log.Debug("bad media state", "err", err)
			return
		}
		if c.handlers.OnRemoteState != nil {
			c.handlers.OnRemoteState(state.Audio, state.Video)
		}
	case MessageTypeBye:
		c.report(peer.ErrRemoteClosed)
	default:
		c.log.Debug("unknown control message", "type", m.Type)
	}
}

func (c *conn) emitSignal(payload json.RawMessage) {
	if c.handlers.OnSignal != nil && !c.closing.Load() {
		c.handlers.OnSignal(payload)
	}
}

// report tells the session, once, that the connection died by itself.
func (c *conn) report(err error) {
	if c.closing.Load() {
		return
	}
	c.reportOnce.Do(func() {
		if c.handlers.OnClosed != nil {
			c.handlers.OnClosed(err)
		}
	})
}

// setLocal applies desc and emits it, after gathering unless trickling.
func (c *conn) setLocal(ctx context.Context, desc webrtc.SessionDescription) error {
	var gathered <-chan struct{}
	if !c.trickle {
		gathered = webrtc.GatheringCompletePromise(c.pc)
	}

	if err := c.pc.SetLocalDescription(desc); err != nil {
		return peer.NewError("set local description", err)
	}

	if gathered != nil {
		timer := time.NewTimer(c.gatherTimeout)
		defer timer.Stop()
		select {
		case <-gathered:
		case <-timer.C:
			c.log.Debug("ICE gathering incomplete, sending partial description")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.emitSignal(descriptionSignal(c.pc.LocalDescription()))
	return nil
}

// ApplySignal implements peer.Conn.
func (c *conn) ApplySignal(ctx context.Context, raw json.RawMessage) error {
	sig, err := ParseSignal(raw)
	if err != nil {
		return err
	}

	switch sig.Type {
	case SignalOffer:
		if err := c.setRemote(sig.Description()); err != nil {
			return err
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return peer.NewError("create answer", err)
		}
		return c.setLocal(ctx, answer)

	case SignalAnswer:
		return c.setRemote(sig.Description())

	default:
		if !c.remoteSet {
			c.early = append(c.early, *sig.Candidate)
			return nil
		}
		if err := c.pc.AddICECandidate(*sig.Candidate); err != nil {
			return peer.NewError("add ICE candidate", err)
		}
		return nil
	}
}

// setRemote applies desc and flushes candidates that arrived before it.
func (c *conn) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return peer.WrapError("set remote description", err, desc.Type.String())
	}
	c.remoteSet = true

	early := c.early
	c.early = nil
	for _, cand := range early {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.Debug("early candidate rejected", "err", err)
		}
	}
	return nil
}

// SendMediaState implements peer.Conn. Before the control channel opens the
// call is a no-op; the current state is sent when it does.
func (c *conn) SendMediaState(audio, video bool) error {
	if c.control == nil || c.control.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	data, err := EncodeMessage(MessageTypeMediaState, MediaStatePayload{Audio: audio, Video: video})
	if err != nil {
		return peer.NewError("encode media state", err)
	}
	return c.control.Send(data)
}

// flushControl waits briefly for queued control messages to be acknowledged.
func (c *conn) flushControl() {
	deadline := time.Now().Add(byeFlushTimeout)
	for c.control.BufferedAmount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// Close says goodbye to the peer and closes the connection.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		if c.control != nil && c.control.ReadyState() == webrtc.DataChannelStateOpen {
			if data, encErr := EncodeMessage(MessageTypeBye, nil); encErr == nil && c.control.Send(data) == nil {
				c.flushControl()
			}
		}
		err = c.pc.Close()
	})
	return err
}
