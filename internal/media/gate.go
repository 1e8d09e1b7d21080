package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// gatedTrack wraps a capture track so its RTP output can be switched off
// without stopping the device. Every peer connection the track is bound to
// sees the same gate.
type gatedTrack struct {
	Track
	enabled *atomic.Bool

	mu    sync.Mutex
	bound map[string]webrtc.TrackLocalContext
}

func newGatedTrack(t Track, enabled *atomic.Bool) *gatedTrack {
	return &gatedTrack{
		Track:   t,
		enabled: enabled,
		bound:   make(map[string]webrtc.TrackLocalContext),
	}
}

func (g *gatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	gated := &gatedContext{TrackLocalContext: ctx, enabled: g.enabled}

	g.mu.Lock()
	g.bound[ctx.ID()] = gated
	g.mu.Unlock()

	return g.Track.Bind(gated)
}

func (g *gatedTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	g.mu.Lock()
	gated, ok := g.bound[ctx.ID()]
	delete(g.bound, ctx.ID())
	g.mu.Unlock()

	if !ok {
		gated = ctx
	}
	return g.Track.Unbind(gated)
}

type gatedContext struct {
	webrtc.TrackLocalContext
	enabled *atomic.Bool
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{next: c.TrackLocalContext.WriteStream(), enabled: c.enabled}
}

// gatedWriter drops packets while the gate is closed and reports them as
// written so the encoder keeps running.
type gatedWriter struct {
	next    webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.enabled.Load() {
		return len(payload), nil
	}
	return w.next.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.enabled.Load() {
		return len(b), nil
	}
	return w.next.Write(b)
}
