package peer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stranger-cam/stranger/internal/media"
)

// EventKind tells what an Event carries.
type EventKind int

const (
	// EventSignal carries an outbound setup payload in Payload.
	EventSignal EventKind = iota
	// EventRemoteMedia reports a new remote track; see Session.Remote.
	EventRemoteMedia
	// EventRemoteState carries the peer's mic and camera state.
	EventRemoteState
	// EventClosed reports that the session ended on its own, with Err.
	EventClosed
)

// Event is posted by a Session to its owner. Session identifies the sender so
// that events from a session that has since been replaced can be ignored.
type Event struct {
	Session *Session
	Kind    EventKind
	Payload json.RawMessage
	Audio   bool
	Video   bool
	Err     error
}

// Config describes a session to create.
type Config struct {
	RoomID string
	Role   Role
	Media  *media.Handle

	// ConnectTimeout closes a session that receives no remote media in time.
	// Zero disables it.
	ConnectTimeout time.Duration
}

// Session owns exactly one connection attempt. Construction and inbound
// setup messages run on a private worker goroutine in receipt order, so
// none of its methods block.
type Session struct {
	ID     string
	RoomID string
	Role   Role

	media          *media.Handle
	dialer         Dialer
	events         chan<- Event
	connectTimeout time.Duration
	remote         *media.RemoteStream

	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	mu          sync.Mutex
	state       State
	conn        Conn
	pending     []json.RawMessage
	connectedAt time.Time

	log *slog.Logger
}

// New creates a session. Nothing happens until Start.
func New(ctx context.Context, cfg Config, dialer Dialer, events chan<- Event) *Session {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()

	return &Session{
		ID:             id,
		RoomID:         cfg.RoomID,
		Role:           cfg.Role,
		media:          cfg.Media,
		dialer:         dialer,
		events:         events,
		connectTimeout: cfg.ConnectTimeout,
		remote:         media.NewRemoteStream(),
		ctx:            ctx,
		cancel:         cancel,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		log:            slog.With("component", "peer", "session", id[:8], "room", cfg.RoomID, "role", cfg.Role),
	}
}

// Start builds the connection object in the background.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

func (s *Session) run() {
	defer close(s.done)

	var timeout <-chan time.Time
	if s.connectTimeout > 0 {
		timer := time.NewTimer(s.connectTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	conn, err := s.dialer.Dial(s.ctx, Params{
		RoomID:   s.RoomID,
		Role:     s.Role,
		Media:    s.media,
		Handlers: s.handlers(),
	})
	if err != nil {
		if s.ctx.Err() == nil {
			s.fail(NewError("dial", err))
		}
		return
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	s.log.Debug("connection object ready")

	for {
		for _, payload := range s.takePending() {
			if err := conn.ApplySignal(s.ctx, payload); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.log.Debug("setup message dropped", "err", err)
			}
		}

		select {
		case <-s.wake:
		case <-timeout:
			timeout = nil
			if s.State() == Connecting {
				s.fail(ErrConnectTimeout)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handlers() Handlers {
	return Handlers{
		OnSignal: func(payload json.RawMessage) {
			if s.State() != Closed {
				s.emit(Event{Kind: EventSignal, Payload: payload})
			}
		},
		OnRemoteTrack: s.remoteTrack,
		OnRemoteState: func(audio, video bool) {
			if s.State() != Closed {
				s.emit(Event{Kind: EventRemoteState, Audio: audio, Video: video})
			}
		},
		OnClosed: s.fail,
	}
}

func (s *Session) takePending() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}

// ApplySignal queues an inbound setup payload. Payloads are applied in the
// order they were handed in, after the connection object exists. Malformed
// payloads and payloads arriving after close are dropped.
func (s *Session) ApplySignal(payload json.RawMessage) {
	if !json.Valid(payload) {
		s.log.Debug("malformed setup message dropped")
		return
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		s.log.Debug("setup message after close dropped")
		return
	}
	s.pending = append(s.pending, payload)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SendMediaState forwards our mic and camera state to the peer, best effort.
func (s *Session) SendMediaState(audio, video bool) {
	s.mu.Lock()
	conn := s.conn
	closed := s.state == Closed
	s.mu.Unlock()

	if conn == nil || closed {
		return
	}
	if err := conn.SendMediaState(audio, video); err != nil {
		s.log.Debug("media state not sent", "err", err)
	}
}

func (s *Session) remoteTrack(track media.RemoteTrack) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	if s.state == Connecting {
		s.state = Connected
		s.connectedAt = time.Now()
		s.log.Info("peer connected")
	}
	s.mu.Unlock()

	s.remote.Attach(track)
	s.emit(Event{Kind: EventRemoteMedia})
}

// fail closes the session and reports err upward once.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.pending = nil
	s.mu.Unlock()

	s.log.Info("peer session ended", "err", err)
	s.emit(Event{Kind: EventClosed, Err: err})
	s.Close()
}

func (s *Session) emit(ev Event) {
	ev.Session = s
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Close tears the session down and discards queued setup messages. It does
// not wait; see Done. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		dropped := len(s.pending)
		s.pending = nil
		s.state = Closed
		s.mu.Unlock()

		s.cancel()
		// A session closed before Start never runs its worker.
		s.startOnce.Do(func() { close(s.done) })

		if dropped > 0 {
			s.log.Debug("discarded queued setup messages", "count", dropped)
		}
	})
}

// Done is closed once the connection object has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of setup messages not yet applied.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ConnectedAt returns when the first remote media arrived, or the zero time.
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// Remote returns the remote media received so far.
func (s *Session) Remote() *media.RemoteStream {
	return s.remote
}
