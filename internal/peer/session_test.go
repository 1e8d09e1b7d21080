package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type fakeConn struct {
	mu      sync.Mutex
	applied []string
	states  [][2]bool
	closed  int
	reject  string
}

func (c *fakeConn) ApplySignal(_ context.Context, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject != "" && string(payload) == c.reject {
		return ErrUnexpectedSignal
	}
	c.applied = append(c.applied, string(payload))
	return nil
}

func (c *fakeConn) SendMediaState(audio, video bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, [2]bool{audio, video})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) Applied() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.applied...)
}

func (c *fakeConn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer holds Dial until release is closed.
type fakeDialer struct {
	release  chan struct{}
	conn     *fakeConn
	err      error
	handlers chan Handlers
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		release:  make(chan struct{}),
		conn:     &fakeConn{},
		handlers: make(chan Handlers, 1),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, p Params) (Conn, error) {
	d.handlers <- p.Handlers
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func (d *fakeDialer) Handlers(t *testing.T) Handlers {
	t.Helper()
	select {
	case h := <-d.handlers:
		return h
	case <-time.After(2 * time.Second):
		t.Fatalf("Dial never called")
	}
	return Handlers{}
}

func newTestSession(d Dialer, timeout time.Duration) (*Session, chan Event) {
	events := make(chan Event, 16)
	s := New(context.Background(), Config{RoomID: "r1", Role: Responder, ConnectTimeout: timeout}, d, events)
	return s, events
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session never finished")
	}
}

func TestSession_ReplaysPendingInReceiptOrder(t *testing.T) {
	for seed := uint64(0); seed < 200; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		n := 1 + rng.IntN(20)
		releaseAt := rng.IntN(n + 1)

		d := newFakeDialer()
		s, _ := newTestSession(d, 0)
		s.Start()
		d.Handlers(t)

		var want []string
		for i := 0; i < n; i++ {
			if i == releaseAt {
				close(d.release)
			}
			payload := fmt.Sprintf(`{"seq":%d}`, i)
			want = append(want, payload)
			s.ApplySignal(json.RawMessage(payload))
			if i < releaseAt && s.Pending() != i+1 {
				t.Fatalf("seed %d: %d queued before construction, want %d", seed, s.Pending(), i+1)
			}
			if rng.IntN(4) == 0 {
				time.Sleep(time.Duration(rng.IntN(200)) * time.Microsecond)
			}
		}
		if releaseAt == n {
			close(d.release)
		}

		waitUntil(t, "replay", func() bool { return len(d.conn.Applied()) == n })
		got := d.conn.Applied()
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("seed %d: applied %v, want %v", seed, got, want)
			}
		}
		if s.Pending() != 0 {
			t.Fatalf("seed %d: queue not empty after replay: %d", seed, s.Pending())
		}
		s.Close()
		waitDone(t, s)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	d := newFakeDialer()
	close(d.release)
	s, _ := newTestSession(d, 0)
	s.Start()
	d.Handlers(t)
	s.ApplySignal(json.RawMessage(`{"type":"offer"}`))
	waitUntil(t, "first signal", func() bool { return len(d.conn.Applied()) == 1 })

	s.Close()
	s.Close()
	waitDone(t, s)

	if s.State() != Closed {
		t.Fatalf("state = %v", s.State())
	}
	if d.conn.Closed() != 1 {
		t.Fatalf("connection closed %d times", d.conn.Closed())
	}
}

func TestSession_CloseBeforeStart(t *testing.T) {
	d := newFakeDialer()
	s, _ := newTestSession(d, 0)
	s.Close()
	s.Start()
	waitDone(t, s)

	select {
	case <-d.handlers:
		t.Fatalf("closed session must not dial")
	default:
	}
}

func TestSession_CloseDuringConstructionDiscardsQueue(t *testing.T) {
	d := newFakeDialer()
	s, _ := newTestSession(d, 0)
	s.Start()
	d.Handlers(t)

	s.ApplySignal(json.RawMessage(`{"type":"offer"}`))
	s.ApplySignal(json.RawMessage(`{"type":"candidate"}`))
	s.Close()

	if s.Pending() != 0 {
		t.Fatalf("queued signals survived close: %d", s.Pending())
	}
	waitDone(t, s)
	if len(d.conn.Applied()) != 0 {
		t.Fatalf("signals applied after close: %v", d.conn.Applied())
	}
}

func TestSession_DropsLateAndMalformedSignals(t *testing.T) {
	d := newFakeDialer()
	d.conn.reject = `{"type":"bogus"}`
	close(d.release)
	s, _ := newTestSession(d, 0)
	s.Start()
	d.Handlers(t)

	s.ApplySignal(json.RawMessage(`{not json`))
	s.ApplySignal(json.RawMessage(`{"type":"bogus"}`))
	s.ApplySignal(json.RawMessage(`{"type":"offer"}`))
	waitUntil(t, "valid signal", func() bool { return len(d.conn.Applied()) == 1 })

	s.Close()
	s.ApplySignal(json.RawMessage(`{"type":"answer"}`))
	waitDone(t, s)

	if got := d.conn.Applied(); len(got) != 1 || got[0] != `{"type":"offer"}` {
		t.Fatalf("applied = %v", got)
	}
	if s.Pending() != 0 {
		t.Fatalf("late signal queued")
	}
}

type fakeRemote struct{ kind webrtc.RTPCodecType }

func (f fakeRemote) Kind() webrtc.RTPCodecType { return f.kind }

func (f fakeRemote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

func TestSession_FirstRemoteTrackConnects(t *testing.T) {
	d := newFakeDialer()
	close(d.release)
	s, events := newTestSession(d, 0)
	s.Start()
	h := d.Handlers(t)

	if s.State() != Connecting {
		t.Fatalf("state = %v", s.State())
	}
	h.OnRemoteTrack(fakeRemote{kind: webrtc.RTPCodecTypeVideo})

	ev := nextEvent(t, events)
	if ev.Kind != EventRemoteMedia || ev.Session != s {
		t.Fatalf("unexpected event %+v", ev)
	}
	if s.State() != Connected || s.ConnectedAt().IsZero() {
		t.Fatalf("session not connected")
	}
	if !s.Remote().HasVideo() {
		t.Fatalf("remote track not attached")
	}

	h.OnRemoteTrack(fakeRemote{kind: webrtc.RTPCodecTypeAudio})
	if ev := nextEvent(t, events); ev.Kind != EventRemoteMedia {
		t.Fatalf("unexpected event %+v", ev)
	}
	s.Close()
}

func TestSession_OutboundSignalsAndRemoteState(t *testing.T) {
	d := newFakeDialer()
	close(d.release)
	s, events := newTestSession(d, 0)
	s.Start()
	h := d.Handlers(t)

	h.OnSignal(json.RawMessage(`{"type":"answer","sdp":"v=0"}`))
	ev := nextEvent(t, events)
	if ev.Kind != EventSignal || ev.Session != s || string(ev.Payload) != `{"type":"answer","sdp":"v=0"}` {
		t.Fatalf("unexpected event %+v", ev)
	}

	h.OnRemoteState(false, true)
	ev = nextEvent(t, events)
	if ev.Kind != EventRemoteState || ev.Audio || !ev.Video {
		t.Fatalf("unexpected event %+v", ev)
	}

	waitUntil(t, "connection object", func() bool {
		s.SendMediaState(true, false)
		d.conn.mu.Lock()
		defer d.conn.mu.Unlock()
		return len(d.conn.states) > 0
	})

	s.Close()
	h.OnSignal(json.RawMessage(`{}`))
	select {
	case ev := <-events:
		t.Fatalf("event after close: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSession_ConnectionFailureIsReported(t *testing.T) {
	d := newFakeDialer()
	close(d.release)
	s, events := newTestSession(d, 0)
	s.Start()
	h := d.Handlers(t)

	h.OnClosed(ErrConnectionFailed)
	h.OnClosed(ErrRemoteClosed)

	ev := nextEvent(t, events)
	if ev.Kind != EventClosed || !errors.Is(ev.Err, ErrConnectionFailed) {
		t.Fatalf("unexpected event %+v", ev)
	}
	waitDone(t, s)
	if s.State() != Closed {
		t.Fatalf("state = %v", s.State())
	}
	select {
	case ev := <-events:
		t.Fatalf("closure reported twice: %+v", ev)
	default:
	}
}

func TestSession_DialFailureIsReported(t *testing.T) {
	d := newFakeDialer()
	d.err = errors.New("no ICE servers")
	close(d.release)
	s, events := newTestSession(d, 0)
	s.Start()

	ev := nextEvent(t, events)
	var perr *Error
	if ev.Kind != EventClosed || !errors.As(ev.Err, &perr) || perr.Op != "dial" {
		t.Fatalf("unexpected event %+v", ev)
	}
	waitDone(t, s)
}

func TestSession_ConnectTimeout(t *testing.T) {
	d := newFakeDialer()
	close(d.release)
	s, events := newTestSession(d, 50*time.Millisecond)
	s.Start()

	ev := nextEvent(t, events)
	if ev.Kind != EventClosed || !errors.Is(ev.Err, ErrConnectTimeout) {
		t.Fatalf("unexpected event %+v", ev)
	}
	waitDone(t, s)
	if d.conn.Closed() != 1 {
		t.Fatalf("connection not torn down")
	}
}

func TestRoleFor(t *testing.T) {
	if RoleFor(true) != Initiator || RoleFor(false) != Responder {
		t.Fatalf("RoleFor mismatch")
	}
	if Initiator.String() != "initiator" || Connected.String() != "connected" {
		t.Fatalf("unexpected names")
	}
}
