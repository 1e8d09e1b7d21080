package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/stranger-cam/stranger/internal/config"
	"github.com/stranger-cam/stranger/internal/media"
	"github.com/stranger-cam/stranger/internal/peer"
	"github.com/stranger-cam/stranger/internal/signaling"
)

const defaultCloseTimeout = 3 * time.Second

// MediaSource grants the local capture devices. *media.Source implements it.
type MediaSource interface {
	Acquire(ctx context.Context) (*media.Handle, error)
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	Release()
}

// SignalChannel is the rendezvous connection. *signaling.Channel implements it.
type SignalChannel interface {
	RequestMatch()
	SendSignal(roomID string, payload json.RawMessage)
	Events() <-chan signaling.Event
	Close()
}

// Options tune the coordinator.
type Options struct {
	// ConnectTimeout is handed to every peer session.
	ConnectTimeout time.Duration
	// ReconnectPolicy is config.ReconnectRequeue or config.ReconnectServer.
	ReconnectPolicy string
	// CloseTimeout bounds how long shutdown waits for connections to close.
	CloseTimeout time.Duration
}

type command int

const (
	cmdSkip command = iota
	cmdToggleMic
	cmdToggleCamera
	cmdRetry
	cmdShutdown
)

type acquireResult struct {
	seq    int
	handle *media.Handle
	err    error
}

// Coordinator is the top-level state machine. Everything it owns is touched
// only from the goroutine running Run; the exported methods post commands.
type Coordinator struct {
	source  MediaSource
	channel SignalChannel
	dialer  peer.Dialer
	opts    Options

	cmds       chan command
	peerEvents chan peer.Event
	acquired   chan acquireResult
	updates    chan State
	stopped    chan struct{}

	// Loop-owned.
	ctx         context.Context
	cancel      context.CancelFunc
	state       State
	session     *peer.Session
	record      *Record
	retired     []*peer.Session
	acquireSeq  int
	acquiring   sync.WaitGroup
	remoteKnown bool

	mu       sync.Mutex
	snapshot State
	history  []Record

	log *slog.Logger
}

// New creates a coordinator. It takes ownership of source and channel and
// releases both when Run returns.
func New(source MediaSource, channel SignalChannel, dialer peer.Dialer, opts Options) *Coordinator {
	if opts.ReconnectPolicy == "" {
		opts.ReconnectPolicy = config.ReconnectRequeue
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}

	return &Coordinator{
		source:     source,
		channel:    channel,
		dialer:     dialer,
		opts:       opts,
		cmds:       make(chan command, 16),
		peerEvents: make(chan peer.Event, 64),
		acquired:   make(chan acquireResult, 1),
		updates:    make(chan State, 1),
		stopped:    make(chan struct{}),
		log:        slog.With("component", "session"),
	}
}

// Run drives the state machine until ctx is cancelled or Shutdown is called,
// then tears everything down.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer close(c.stopped)
	defer c.cancel()

	c.startAcquire()
	c.publish()

	events := c.channel.Events()
	for {
		select {
		case r := <-c.acquired:
			c.handleAcquired(r)

		case ev, ok := <-events:
			if !ok {
				c.log.Warn("signaling stopped delivering events")
				events = nil
				continue
			}
			c.handleSignal(ev)

		case ev := <-c.peerEvents:
			c.handlePeer(ev)

		case cmd := <-c.cmds:
			if cmd == cmdShutdown {
				c.teardown()
				return nil
			}
			c.handleCommand(cmd)

		case <-c.ctx.Done():
			c.teardown()
			return nil
		}
		c.publish()
	}
}

func (c *Coordinator) startAcquire() {
	c.state = State{Phase: AcquiringMedia}
	c.acquireSeq++
	seq := c.acquireSeq

	c.acquiring.Add(1)
	go func() {
		defer c.acquiring.Done()
		h, err := c.source.Acquire(c.ctx)
		select {
		case c.acquired <- acquireResult{seq: seq, handle: h, err: err}:
		case <-c.ctx.Done():
			if h != nil {
				c.source.Release()
			}
		}
	}()
}

func (c *Coordinator) handleAcquired(r acquireResult) {
	if r.seq != c.acquireSeq || c.state.Phase != AcquiringMedia {
		return
	}
	if r.err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.log.Error("media acquisition failed", "err", r.err)
		c.state = State{Phase: Error, Err: r.err}
		return
	}

	c.state.Local = r.handle
	c.state.AudioEnabled = r.handle.AudioEnabled()
	c.state.VideoEnabled = r.handle.VideoEnabled()
	c.requeue()
}

// requeue puts us back in the matchmaking pool.
func (c *Coordinator) requeue() {
	c.state.Phase = Waiting
	c.state.Notice = ""
	c.channel.RequestMatch()
	c.log.Info("waiting for a match")
}

func (c *Coordinator) handleSignal(ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.Match:
		if c.state.Phase != Waiting && c.state.Phase != InSession {
			c.log.Warn("match ignored without local media", "room", e.RoomID)
			return
		}
		// A newer match always wins; the old room is gone before the new
		// session exists.
		c.endSession(ReasonReplaced)
		c.startSession(e)

	case signaling.Signal:
		if c.session == nil || e.RoomID != c.session.RoomID {
			c.log.Debug("setup message for stale room dropped", "room", e.RoomID)
			return
		}
		c.session.ApplySignal(e.Payload)

	case signaling.PeerLeft:
		if c.session == nil || e.RoomID != c.session.RoomID {
			return
		}
		c.endSession(ReasonPeerLeft)
		c.requeue()

	case signaling.Reconnected:
		c.onReconnected()

	case signaling.ServerError:
		c.log.Warn("rendezvous error", "message", e.Message)
		c.state.Notice = e.Message
	}
}

// onReconnected applies the reconnect policy after the transport came back.
func (c *Coordinator) onReconnected() {
	if c.opts.ReconnectPolicy != config.ReconnectRequeue {
		return
	}
	switch c.state.Phase {
	case Waiting:
		c.channel.RequestMatch()
	case InSession:
		// A direct connection survives signaling loss; one still being
		// negotiated has lost its relay.
		if !c.state.Connected {
			c.endSession(ReasonReconnected)
			c.requeue()
		}
	}
}

func (c *Coordinator) startSession(m signaling.Match) {
	role := peer.RoleFor(m.Initiator)
	s := peer.New(c.ctx, peer.Config{
		RoomID:         m.RoomID,
		Role:           role,
		Media:          c.state.Local,
		ConnectTimeout: c.opts.ConnectTimeout,
	}, c.dialer, c.peerEvents)

	c.session = s
	c.remoteKnown = false
	c.state.Phase = InSession
	c.state.RoomID = m.RoomID
	c.state.Role = role
	c.state.Connected = false
	c.state.Remote = nil
	c.state.RemoteAudio = false
	c.state.RemoteVideo = false
	c.state.Notice = ""
	c.record = &Record{RoomID: m.RoomID, Role: role, Started: time.Now()}

	c.log.Info("matched", "room", m.RoomID, "role", role)
	s.Start()
}

// endSession destroys the live session, if any. The state is left for the
// caller to move on from.
func (c *Coordinator) endSession(reason string) {
	if c.session == nil {
		return
	}
	s := c.session
	c.session = nil
	s.Close()

	c.pruneRetired()
	c.retired = append(c.retired, s)

	if c.record != nil {
		c.record.Ended = time.Now()
		c.record.Reason = reason
		c.record.ConnectedAt = s.ConnectedAt()
		c.mu.Lock()
		c.history = append(c.history, *c.record)
		c.mu.Unlock()
		c.record = nil
	}

	c.state.RoomID = ""
	c.state.Connected = false
	c.state.Remote = nil
	c.state.RemoteAudio = false
	c.state.RemoteVideo = false
	c.log.Info("session ended", "room", s.RoomID, "reason", reason)
}

func (c *Coordinator) pruneRetired() {
	live := c.retired[:0]
	for _, s := range c.retired {
		select {
		case <-s.Done():
		default:
			live = append(live, s)
		}
	}
	c.retired = live
}

func (c *Coordinator) handlePeer(ev peer.Event) {
	if ev.Session == nil || ev.Session != c.session {
		return
	}
	s := c.session

	switch ev.Kind {
	case peer.EventSignal:
		c.channel.SendSignal(s.RoomID, ev.Payload)

	case peer.EventRemoteMedia:
		remote := s.Remote()
		c.state.Connected = true
		c.state.Remote = remote
		if !c.remoteKnown {
			c.state.RemoteAudio = remote.HasAudio()
			c.state.RemoteVideo = remote.HasVideo()
		}

	case peer.EventRemoteState:
		c.remoteKnown = true
		c.state.RemoteAudio = ev.Audio
		c.state.RemoteVideo = ev.Video

	case peer.EventClosed:
		reason := "connection closed"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		c.endSession(reason)
		c.requeue()
	}
}

func (c *Coordinator) handleCommand(cmd command) {
	switch cmd {
	case cmdSkip:
		switch c.state.Phase {
		case InSession:
			c.endSession(ReasonSkipped)
			c.requeue()
		case Waiting:
			c.channel.RequestMatch()
		}

	case cmdToggleMic, cmdToggleCamera:
		if c.state.Phase != Waiting && c.state.Phase != InSession {
			return
		}
		if cmd == cmdToggleMic {
			c.state.AudioEnabled = !c.state.AudioEnabled
			c.source.SetAudioEnabled(c.state.AudioEnabled)
		} else {
			c.state.VideoEnabled = !c.state.VideoEnabled
			c.source.SetVideoEnabled(c.state.VideoEnabled)
		}
		if c.session != nil {
			c.session.SendMediaState(c.state.AudioEnabled, c.state.VideoEnabled)
		}

	case cmdRetry:
		if c.state.Phase == Error {
			c.startAcquire()
		}
	}
}

// teardown destroys the live session, waits (bounded) for every connection
// to close, releases the devices and closes the rendezvous channel.
func (c *Coordinator) teardown() {
	c.endSession(ReasonShutdown)
	c.cancel()

	wait, cancelWait := context.WithTimeout(context.Background(), c.opts.CloseTimeout)
	defer cancelWait()
	for _, s := range c.retired {
		select {
		case <-s.Done():
		case <-wait.Done():
			c.log.Warn("peer connection did not close in time", "room", s.RoomID)
		}
	}
	c.retired = nil

	acquired := make(chan struct{})
	go func() {
		c.acquiring.Wait()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-wait.Done():
		c.log.Warn("media acquisition still pending at shutdown")
	}

	c.source.Release()
	c.channel.Close()

	c.state.Local = nil
	c.publish()
	c.log.Info("session coordinator stopped")
}

func (c *Coordinator) publish() {
	snap := c.state

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- snap:
	default:
	}
}

func (c *Coordinator) post(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.stopped:
	}
}

// Skip abandons the current pairing and asks for a new one.
func (c *Coordinator) Skip() { c.post(cmdSkip) }

// ToggleMic flips the microphone. It never changes the phase.
func (c *Coordinator) ToggleMic() { c.post(cmdToggleMic) }

// ToggleCamera flips the camera. It never changes the phase.
func (c *Coordinator) ToggleCamera() { c.post(cmdToggleCamera) }

// Retry re-enters media acquisition after an error.
func (c *Coordinator) Retry() { c.post(cmdRetry) }

// Shutdown stops Run.
func (c *Coordinator) Shutdown() { c.post(cmdShutdown) }

// State returns the latest published snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Updates delivers the latest state whenever it changes. Slow readers only
// ever see the newest snapshot.
func (c *Coordinator) Updates() <-chan State {
	return c.updates
}

// Done is closed when Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

// History returns every finished session, oldest first.
func (c *Coordinator) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.history...)
}
