// Package media owns the local capture devices and the remote media that
// arrives over a peer connection.
package media

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Track is a local capture track. Close stops the underlying device.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Capture is what an Opener hands back: the live tracks and a way to register
// the codecs they were encoded for.
type Capture struct {
	Tracks         []Track
	RegisterCodecs func(*webrtc.MediaEngine) error
}

// Opener starts capturing from the platform devices.
type Opener func(ctx context.Context) (*Capture, error)

// Constraints bound the capture format.
type Constraints struct {
	Width        int
	Height       int
	VideoBitrate int
}

// DeviceInfo describes one capture device.
type DeviceInfo struct {
	ID    string
	Kind  string
	Label string
}

// ListDevices enumerates the capture devices visible to this build.
func ListDevices() []DeviceInfo {
	return listDevices()
}

// Source grants access to camera and microphone. It holds at most one live
// Handle, and it is the only thing allowed to change a track's enablement or
// stop it.
type Source struct {
	open Opener

	mu     sync.Mutex
	handle *Handle
	log    *slog.Logger
}

// NewSource creates a Source backed by the platform capture drivers.
func NewSource(c Constraints) *Source {
	return NewSourceWithOpener(func(ctx context.Context) (*Capture, error) {
		return openDevices(ctx, c)
	})
}

// NewSourceWithOpener creates a Source with a custom device opener.
func NewSourceWithOpener(open Opener) *Source {
	return &Source{
		open: open,
		log:  slog.With("component", "media"),
	}
}

// Acquire starts capture, or returns the live handle if there already is one.
// Device failures are reported as *DeviceError.
func (s *Source) Acquire(ctx context.Context) (*Handle, error) {
	if h := s.Handle(); h != nil {
		return h, nil
	}

	type result struct {
		capture *Capture
		err     error
	}
	done := make(chan result, 1)
	go func() {
		c, err := s.open(ctx)
		done <- result{c, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		// The opener may still succeed; whatever it grabbed must be stopped.
		go func() {
			if late := <-done; late.err == nil && late.capture != nil {
				stopTracks(s.log, late.capture.Tracks)
			}
		}()
		return nil, ctx.Err()
	}

	if r.err != nil {
		err := classify(r.err)
		s.log.Warn("media acquisition failed", "kind", err.Kind, "err", err.Err)
		return nil, err
	}
	if r.capture == nil || len(r.capture.Tracks) == 0 {
		return nil, &DeviceError{Kind: ErrDeviceUnavailable, Err: errNoTracks}
	}

	h := newHandle(r.capture, s.log)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		h.stop()
		return s.handle, nil
	}
	s.handle = h
	s.log.Info("media acquired", "audio", h.HasAudio(), "video", h.HasVideo())
	return h, nil
}

// Handle returns the live handle, or nil.
func (s *Source) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// SetAudioEnabled gates the microphone. No-op without a handle.
func (s *Source) SetAudioEnabled(on bool) {
	if h := s.Handle(); h != nil {
		h.audio.Store(on)
	}
}

// SetVideoEnabled gates the camera. No-op without a handle.
func (s *Source) SetVideoEnabled(on bool) {
	if h := s.Handle(); h != nil {
		h.video.Store(on)
	}
}

// Release stops every track of the live handle. Safe to call repeatedly.
func (s *Source) Release() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h != nil {
		h.stop()
		s.log.Info("media released")
	}
}

// Handle is a capture grant. Its tracks are read-only for everyone except the
// Source that produced it.
type Handle struct {
	tracks         []*gatedTrack
	registerCodecs func(*webrtc.MediaEngine) error

	audio atomic.Bool
	video atomic.Bool

	stopOnce sync.Once
	stopped  atomic.Bool
	log      *slog.Logger
}

func newHandle(c *Capture, log *slog.Logger) *Handle {
	h := &Handle{registerCodecs: c.RegisterCodecs, log: log}
	h.audio.Store(true)
	h.video.Store(true)

	for _, t := range c.Tracks {
		gate := &h.video
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			gate = &h.audio
		}
		h.tracks = append(h.tracks, newGatedTrack(t, gate))
	}
	return h
}

// AudioEnabled reports whether microphone packets are flowing.
func (h *Handle) AudioEnabled() bool { return h.audio.Load() }

// VideoEnabled reports whether camera packets are flowing.
func (h *Handle) VideoEnabled() bool { return h.video.Load() }

// HasAudio reports whether a microphone track was captured.
func (h *Handle) HasAudio() bool { return h.has(webrtc.RTPCodecTypeAudio) }

// HasVideo reports whether a camera track was captured.
func (h *Handle) HasVideo() bool { return h.has(webrtc.RTPCodecTypeVideo) }

func (h *Handle) has(kind webrtc.RTPCodecType) bool {
	for _, t := range h.tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

// Stopped reports whether the tracks have been stopped.
func (h *Handle) Stopped() bool { return h.stopped.Load() }

// Tracks returns the local tracks to attach to a peer connection.
func (h *Handle) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(h.tracks))
	for i, t := range h.tracks {
		out[i] = t
	}
	return out
}

// RegisterCodecs registers the codecs the tracks produce. Without a codec
// selector the pion defaults are used.
func (h *Handle) RegisterCodecs(m *webrtc.MediaEngine) error {
	if h.registerCodecs == nil {
		return m.RegisterDefaultCodecs()
	}
	return h.registerCodecs(m)
}

func (h *Handle) stop() {
	h.stopOnce.Do(func() {
		tracks := make([]Track, len(h.tracks))
		for i, t := range h.tracks {
			tracks[i] = t.Track
		}
		stopTracks(h.log, tracks)
		h.stopped.Store(true)
	})
}

func stopTracks(log *slog.Logger, tracks []Track) {
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			log.Debug("stop track", "kind", t.Kind(), "err", err)
		}
	}
}
