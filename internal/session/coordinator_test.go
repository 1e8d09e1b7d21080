package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stranger-cam/stranger/internal/config"
	"github.com/stranger-cam/stranger/internal/media"
	"github.com/stranger-cam/stranger/internal/peer"
	"github.com/stranger-cam/stranger/internal/signaling"
)

type fakeTrack struct {
	webrtc.TrackLocal
	kind   webrtc.RTPCodecType
	closed atomic.Int32
}

func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTrack) ID() string                { return f.kind.String() }
func (f *fakeTrack) Close() error              { f.closed.Add(1); return nil }

type fakeRemote struct {
	kind webrtc.RTPCodecType
}

func (r fakeRemote) Kind() webrtc.RTPCodecType { return r.kind }

func (fakeRemote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

type sentSignal struct {
	room    string
	payload string
}

type fakeChannel struct {
	events chan signaling.Event

	mu        sync.Mutex
	requests  int
	sent      []sentSignal
	closed    int
	onRequest func()
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan signaling.Event, 16)}
}

func (f *fakeChannel) RequestMatch() {
	f.mu.Lock()
	f.requests++
	hook := f.onRequest
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (f *fakeChannel) SendSignal(roomID string, payload json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentSignal{roomID, string(payload)})
}

func (f *fakeChannel) Events() <-chan signaling.Event { return f.events }

func (f *fakeChannel) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeChannel) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeChannel) Sent() []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentSignal(nil), f.sent...)
}

func (f *fakeChannel) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeConn struct {
	mu      sync.Mutex
	applied []string
	states  [][2]bool
}

func (c *fakeConn) ApplySignal(_ context.Context, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, string(payload))
	return nil
}

func (c *fakeConn) SendMediaState(audio, video bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, [2]bool{audio, video})
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Applied() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.applied...)
}

func (c *fakeConn) States() [][2]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]bool(nil), c.states...)
}

type dialCall struct {
	ctx    context.Context
	params peer.Params
	conn   *fakeConn
}

// fakeDialer hands every Dial to the test. With block set, Dial only returns
// when its context is cancelled.
type fakeDialer struct {
	calls chan *dialCall
	block bool
}

func (d *fakeDialer) Dial(ctx context.Context, p peer.Params) (peer.Conn, error) {
	call := &dialCall{ctx: ctx, params: p, conn: &fakeConn{}}
	d.calls <- call
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return call.conn, nil
}

type harness struct {
	t       *testing.T
	coord   *Coordinator
	channel *fakeChannel
	dialer  *fakeDialer
	audio   *fakeTrack
	video   *fakeTrack
	denied  atomic.Bool
	gate    chan struct{}
	cancel  context.CancelFunc
	result  chan error
}

type harnessOption func(*harness, *Options)

func withBlockingDial() harnessOption {
	return func(h *harness, _ *Options) { h.dialer.block = true }
}

func withPolicy(p string) harnessOption {
	return func(_ *harness, o *Options) { o.ReconnectPolicy = p }
}

func withDeniedDevices() harnessOption {
	return func(h *harness, _ *Options) { h.denied.Store(true) }
}

// withHeldDevices keeps acquisition pending until the gate is closed.
func withHeldDevices() harnessOption {
	return func(h *harness, _ *Options) { h.gate = make(chan struct{}) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		channel: newFakeChannel(),
		dialer:  &fakeDialer{calls: make(chan *dialCall, 16)},
		audio:   &fakeTrack{kind: webrtc.RTPCodecTypeAudio},
		video:   &fakeTrack{kind: webrtc.RTPCodecTypeVideo},
		result:  make(chan error, 1),
	}
	o := Options{CloseTimeout: time.Second}
	for _, opt := range opts {
		opt(h, &o)
	}

	source := media.NewSourceWithOpener(func(ctx context.Context) (*media.Capture, error) {
		if h.gate != nil {
			select {
			case <-h.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if h.denied.Load() {
			return nil, fmt.Errorf("open /dev/video0: %w", fs.ErrPermission)
		}
		return &media.Capture{Tracks: []media.Track{h.audio, h.video}}, nil
	})

	h.coord = New(source, h.channel, h.dialer, o)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.result <- h.coord.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.coord.Done():
		case <-time.After(5 * time.Second):
			t.Errorf("coordinator did not stop")
		}
	})
	return h
}

func (h *harness) push(ev signaling.Event) {
	h.channel.events <- ev
}

// sync waits until every event pushed so far has been handled.
func (h *harness) sync() {
	h.t.Helper()
	marker := fmt.Sprintf("barrier-%d", time.Now().UnixNano())
	h.push(signaling.ServerError{Message: marker})
	h.waitFor("barrier", func(s State) bool { return s.Notice == marker })
}

func (h *harness) waitFor(what string, cond func(State) bool) State {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := h.coord.State()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s; state %+v", what, st)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitPhase(p Phase) State {
	h.t.Helper()
	return h.waitFor(p.String(), func(s State) bool { return s.Phase == p })
}

func (h *harness) nextDial() *dialCall {
	h.t.Helper()
	select {
	case call := <-h.dialer.calls:
		return call
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no peer session was dialed")
	}
	return nil
}

func (h *harness) match(room string, initiator bool) *dialCall {
	h.t.Helper()
	h.push(signaling.Match{RoomID: room, Initiator: initiator})
	return h.nextDial()
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

func TestCoordinator_PermissionDeniedThenRetry(t *testing.T) {
	h := newHarness(t, withDeniedDevices())

	st := h.waitPhase(Error)
	if !errors.Is(st.Err, media.ErrPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", st.Err)
	}
	var de *media.DeviceError
	if !errors.As(st.Err, &de) {
		t.Fatalf("err %T is not a DeviceError", st.Err)
	}
	if n := h.channel.Requests(); n != 0 {
		t.Fatalf("requested %d matches without media", n)
	}

	h.denied.Store(false)
	h.coord.Retry()
	st = h.waitPhase(Waiting)
	if st.Local == nil || st.Err != nil {
		t.Fatalf("unexpected state after retry: %+v", st)
	}
	if n := h.channel.Requests(); n != 1 {
		t.Fatalf("requests = %d, want 1", n)
	}
}

func TestCoordinator_MatchIgnoredWhileAcquiring(t *testing.T) {
	h := newHarness(t, withHeldDevices())

	h.push(signaling.Match{RoomID: "early", Initiator: true})
	h.sync()
	if st := h.coord.State(); st.Phase != AcquiringMedia {
		t.Fatalf("phase = %v", st.Phase)
	}
	select {
	case call := <-h.dialer.calls:
		t.Fatalf("dialed %q before media was ready", call.params.RoomID)
	default:
	}

	close(h.gate)
	h.waitPhase(Waiting)
}

func TestCoordinator_MatchStartsSession(t *testing.T) {
	h := newHarness(t)
	h.waitPhase(Waiting)

	call := h.match("r1", true)
	if call.params.RoomID != "r1" || call.params.Role != peer.Initiator {
		t.Fatalf("unexpected dial params %+v", call.params)
	}

	st := h.waitPhase(InSession)
	if st.RoomID != "r1" || st.Role != peer.Initiator || st.Connected {
		t.Fatalf("unexpected state %+v", st)
	}
	if call.params.Media == nil || call.params.Media != st.Local {
		t.Fatalf("session was not handed the local media")
	}
}

func TestCoordinator_NewMatchReplacesSession(t *testing.T) {
	h := newHarness(t)
	h.waitPhase(Waiting)

	first := h.match("r1", false)
	h.push(signaling.Signal{RoomID: "r1", Payload: json.RawMessage(`{"type":"offer","sdp":"one"}`)})
	waitUntil(t, "first offer applied", func() bool { return len(first.conn.Applied()) == 1 })

	second := h.match("r2", true)
	if first.ctx.Err() == nil {
		t.Fatalf("old session still alive when the new one was dialed")
	}

	h.push(signaling.Signal{RoomID: "r1", Payload: json.RawMessage(`{"stale":true}`)})
	h.push(signaling.Signal{RoomID: "r2", Payload: json.RawMessage(`{"type":"answer","sdp":"two"}`)})
	waitUntil(t, "second answer applied", func() bool { return len(second.conn.Applied()) == 1 })
	h.sync()

	if got := second.conn.Applied(); got[0] != `{"type":"answer","sdp":"two"}` {
		t.Fatalf("r2 applied %v", got)
	}
	if got := first.conn.Applied(); len(got) != 1 {
		t.Fatalf("stale message reached the old session: %v", got)
	}

	st := h.waitPhase(InSession)
	if st.RoomID != "r2" || st.Role != peer.Initiator {
		t.Fatalf("unexpected state %+v", st)
	}
	history := h.coord.History()
	if len(history) != 1 || history[0].RoomID != "r1" || history[0].Reason != ReasonReplaced {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestCoordinator_SkipClosesBeforeRequeue(t *testing.T) {
	h := newHarness(t)
	h.waitPhase(Waiting)
	call := h.match("r1", true)
	h.waitPhase(InSession)

	var closedFirst atomic.Bool
	h.channel.mu.Lock()
	h.channel.onRequest = func() { closedFirst.Store(call.ctx.Err() != nil) }
	h.channel.mu.Unlock()

	h.coord.Skip()
	st := h.waitPhase(Waiting)
	if st.RoomID != "" || st.Remote != nil {
		t.Fatalf("session leftovers after skip: %+v", st)
	}
	if n := h.channel.Requests(); n != 2 {
		t.Fatalf("requests = %d, want 2", n)
	}
	if !closedFirst.Load() {
		t.Fatalf("new match requested before the old session was closed")
	}

	h.push(signaling.Signal{RoomID: "r1", Payload: json.RawMessage(`{"type":"answer","sdp":"late"}`)})
	h.sync()
	if got := call.conn.Applied(); len(got) != 0 {
		t.Fatalf("late message applied after skip: %v", got)
	}

	history := h.coord.History()
	if len(history) != 1 || history[0].Reason != ReasonSkipped {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestCoordinator_NoticeClearedByNextMatch(t *testing.T) {
	h := newHarness(t)
	h.waitPhase(Waiting)
	call := h.match("r1", true)
	h.waitPhase(InSession)

	h.coord.Skip()
	h.waitPhase(Waiting)
	if call.ctx.Err() == nil {
		t.Fatalf("skipped session still alive")
	}
	h.push(signaling.ServerError{Message: "Room not found"})
	h.waitFor("server notice", func(s State) bool { return s.Notice == "Room not found" })

	h.match("r2", false)
	st := h.waitFor("second session", func(s State) bool { return s.RoomID == "r2" })
	if st.Notice != "" {
		t.Fatalf("notice from the old room carried into r2: %q", st.Notice)
	}

	h.push(signaling.ServerError{Message: "Room not found"})
	h.waitFor("server notice", func(s State) bool { return s.Notice == "Room not found" })
	h.coord.Skip()
	h.waitFor("requeued without notice", func(s State) bool { return s.Phase == Waiting && s.Notice == "" })
}

func TestCoordinator_SkipWhileWaitingRequeues(t *testing.T) {
	h := newHarness(t)
	h.waitPhase(Waiting)

	h.coord.Skip()
	waitUntil(t, "second request", func() bool { return h.channel.Requests() == 2 })
	if st := h.coord.State(); st.Phase != Waiting {
		t.Fatalf("phase = %v", st.Phase)
	}
}

func TestCoordinator_TogglesKeepPhase(t *testing.T) {
	h := newHarness(t)
	st := h.waitPhase(Waiting)
	local := st.Local

	h.coord.ToggleMic()
	st = h.waitFor("mic off", func(s State) bool { return !s.AudioEnabled })
	if st.Phase != Waiting || !st.VideoEnabled || local.AudioEnabled() {
		t.Fatalf("unexpected state after mic toggle: %+v", st)
	}

	call := h.match("r1", false)
	h.push(signaling.Signal{RoomID: "r1", Payload: json.RawMessage(`{"type":"offer","sdp":"x"}`)})
	waitUntil(t, "connection ready", func() bool { return len(call.conn.Applied()) == 1 })

	h.coord.ToggleCamera()
	st = h.waitFor("camera off", func(s State) bool { return !s.VideoEnabled })
	if st.Phase != InSession || st.RoomID != "r1" || local.VideoEnabled() {
		t.Fatalf("unexpected state after camera toggle: %+v", st)
	}
	waitUntil(t, "media state sent", func() bool {
		states := call.conn.States()
		return len(states) == 1 && states[0] == [2]bool{false, false}
	})

	h.coord.ToggleMic()
	st = h.waitFor("mic on", func(s State) bool { return s.AudioEnabled })
	if st.Phase != InSession || !local.AudioEnabled() {
		t.Fatalf("unexpected state after second mic toggle: %+v", st)
	}
}

func TestCoordinator_RemoteMedia(t *testing.T) {
	h := newHarness(t)
	h.waitPhase(Waiting)
	call := h.match("r1", true)
	h.waitPhase(InSession)

	call.params.Handlers.OnRemoteTrack(fakeRemote{kind: webrtc.RTPCodecTypeVideo})
	st := h.waitFor("connected", func(s State) bool { return s.Connected })
	if st.Phase != InSession || st.Remote == nil || !st.RemoteVideo || st.RemoteAudio {
		t.Fatalf("unexpected state %+v", st)
	}

	call.params.Handlers.OnRemoteState(true, false)
	h.waitFor("remote state", func(s State) bool { return s.RemoteAudio && !s.RemoteVideo })

	call.params.Handlers.OnRemoteTrack(fakeRemote{kind: webrtc.RTPCodecTypeAudio})
	h.sync()
	if st := h.coord.State(); !st.RemoteAudio || st.RemoteVideo {
		t.Fatalf("explicit remote state overridden by track arrival: %+v", st)
	}
}

func TestCoordinator_RelaysOutboundSignals(t *testing.T) {
	h := newHarness(t)
	h.waitPhase(Waiting)
	call := h.match("r1", true)

	call.params.Handlers.OnSignal(json.RawMessage(`{"type":"offer","sdp":"a"}`))
	call.params.Handlers.OnSignal(json.RawMessage(`{"type":"candidate","candidate":{"candidate":"c"}}`))

	waitUntil(t, "relayed", func() bool { return len(h.channel.Sent()) == 2 })
	sent := h.channel.Sent()
	if sent[0].room != "r1" || sent[0].payload != `{"type":"offer","sdp":"a"}` || sent[1].room != "r1" {
		t.Fatalf("unexpected relay %+v", sent)
	}
}

func TestCoordinator_PeerFailureRequeues(t *testing.T) {
	h := newHarness(t)
	h.waitPhase(Waiting)
	call := h.match("r1", true)
	h.waitPhase(InSession)

	call.params.Handlers.OnClosed(peer.ErrConnectionFailed)
	st := h.waitPhase(Waiting)
	if st.RoomID != "" {
		t.Fatalf("room kept after failure: %+v", st)
	}
	waitUntil(t, "requeue", func() bool { return h.channel.Requests() == 2 })

	history := h.coord.History()
	if len(history) != 1 || history[0].Reason != peer.ErrConnectionFailed.Error() {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestCoordinator_PeerLeft(t *testing.T) {
	h := newHarness(t)
	h.waitPhase(Waiting)
	h.match("r1", true)
	h.waitPhase(InSession)

	h.push(signaling.PeerLeft{RoomID: "other"})
	h.sync()
	if st := h.coord.State(); st.Phase != InSession || st.RoomID != "r1" {
		t.Fatalf("peer_left for another room ended the session: %+v", st)
	}

	h.push(signaling.PeerLeft{RoomID: "r1"})
	h.waitPhase(Waiting)
	waitUntil(t, "requeue", func() bool { return h.channel.Requests() == 2 })
	if history := h.coord.History(); len(history) != 1 || history[0].Reason != ReasonPeerLeft {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestCoordinator_ReconnectRequeue(t *testing.T) {
	h := newHarness(t)
	h.waitPhase(Waiting)

	h.push(signaling.Reconnected{})
	waitUntil(t, "re-request while waiting", func() bool { return h.channel.Requests() == 2 })

	call := h.match("r1", true)
	h.waitPhase(InSession)
	h.push(signaling.Reconnected{})
	h.waitPhase(Waiting)
	waitUntil(t, "re-request after losing a negotiating session", func() bool { return h.channel.Requests() == 3 })
	if call.ctx.Err() == nil {
		t.Fatalf("negotiating session survived reconnect")
	}

	connected := h.match("r2", false)
	h.waitPhase(InSession)
	connected.params.Handlers.OnRemoteTrack(fakeRemote{kind: webrtc.RTPCodecTypeVideo})
	h.waitFor("connected", func(s State) bool { return s.Connected })

	h.push(signaling.Reconnected{})
	h.sync()
	if st := h.coord.State(); st.Phase != InSession || st.RoomID != "r2" || connected.ctx.Err() != nil {
		t.Fatalf("connected session dropped on reconnect: %+v", st)
	}
	if n := h.channel.Requests(); n != 3 {
		t.Fatalf("requests = %d, want 3", n)
	}
}

func TestCoordinator_ReconnectServerPolicy(t *testing.T) {
	h := newHarness(t, withPolicy(config.ReconnectServer))
	h.waitPhase(Waiting)

	h.push(signaling.Reconnected{})
	h.sync()
	if n := h.channel.Requests(); n != 1 {
		t.Fatalf("requests = %d, want 1", n)
	}

	call := h.match("r1", true)
	h.waitPhase(InSession)
	h.push(signaling.Reconnected{})
	h.sync()
	if st := h.coord.State(); st.Phase != InSession || call.ctx.Err() != nil {
		t.Fatalf("session dropped under server policy: %+v", st)
	}
}

func TestCoordinator_ShutdownMidNegotiation(t *testing.T) {
	h := newHarness(t, withBlockingDial())
	h.waitPhase(Waiting)
	call := h.match("r1", true)

	h.coord.Shutdown()
	select {
	case err := <-h.result:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("shutdown hung")
	}

	if call.ctx.Err() == nil {
		t.Fatalf("pending dial not cancelled")
	}
	if h.channel.Closed() != 1 {
		t.Fatalf("channel closed %d times", h.channel.Closed())
	}
	if h.audio.closed.Load() != 1 || h.video.closed.Load() != 1 {
		t.Fatalf("tracks stopped %d/%d times", h.audio.closed.Load(), h.video.closed.Load())
	}
	if st := h.coord.State(); st.Local != nil {
		t.Fatalf("local media still referenced after shutdown")
	}
	if history := h.coord.History(); len(history) != 1 || history[0].Reason != ReasonShutdown {
		t.Fatalf("unexpected history %+v", history)
	}

	// Commands after shutdown must not block.
	h.coord.Skip()
	h.coord.ToggleMic()
}

func TestCoordinator_CancelStopsRun(t *testing.T) {
	h := newHarness(t, withHeldDevices())
	h.cancel()

	select {
	case <-h.coord.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop on cancel")
	}
	if h.channel.Closed() != 1 {
		t.Fatalf("channel not closed")
	}
	if n := h.channel.Requests(); n != 0 {
		t.Fatalf("requests = %d after cancel", n)
	}
}

func TestCoordinator_UpdatesCarryLatestState(t *testing.T) {
	h := newHarness(t)
	h.waitPhase(Waiting)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-h.coord.Updates():
			if st.Phase == Waiting {
				return
			}
		case <-deadline:
			t.Fatalf("no Waiting update delivered")
		}
	}
}

func TestRecordDuration(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := Record{Started: start, ConnectedAt: start.Add(time.Second), Ended: start.Add(time.Minute)}
	if d := r.Duration(); d != 59*time.Second {
		t.Fatalf("duration = %v", d)
	}
	if d := (Record{Started: start, Ended: start.Add(time.Minute)}).Duration(); d != 0 {
		t.Fatalf("never-connected duration = %v", d)
	}
}
