package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stranger-cam/stranger/internal/utils"
)

// RemoteTrack is the receive side of a peer track. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Stats is a snapshot of the media received so far.
type Stats struct {
	AudioPackets   uint64
	VideoPackets   uint64
	Bytes          int64
	BytesPerSecond float64
}

// RemoteStream collects the tracks a peer sends us and keeps them drained so
// the receive buffers never back up.
type RemoteStream struct {
	mu    sync.Mutex
	kinds map[webrtc.RTPCodecType]bool

	audioPackets atomic.Uint64
	videoPackets atomic.Uint64
	meter        *utils.RateMeter

	wg sync.WaitGroup
}

// NewRemoteStream creates an empty stream.
func NewRemoteStream() *RemoteStream {
	return &RemoteStream{
		kinds: make(map[webrtc.RTPCodecType]bool),
		meter: utils.NewRateMeter(),
	}
}

// Attach starts draining t. It returns immediately.
func (s *RemoteStream) Attach(t RemoteTrack) {
	s.mu.Lock()
	s.kinds[t.Kind()] = true
	s.mu.Unlock()

	counter := &s.videoPackets
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		counter = &s.audioPackets
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			pkt, _, err := t.ReadRTP()
			if err != nil {
				return
			}
			counter.Add(1)
			s.meter.Record(pkt.MarshalSize())
		}
	}()
}

// HasAudio reports whether the peer sent an audio track.
func (s *RemoteStream) HasAudio() bool { return s.has(webrtc.RTPCodecTypeAudio) }

// HasVideo reports whether the peer sent a video track.
func (s *RemoteStream) HasVideo() bool { return s.has(webrtc.RTPCodecTypeVideo) }

func (s *RemoteStream) has(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kinds[kind]
}

// Stats returns the current counters.
func (s *RemoteStream) Stats() Stats {
	return Stats{
		AudioPackets:   s.audioPackets.Load(),
		VideoPackets:   s.videoPackets.Load(),
		Bytes:          s.meter.Total(),
		BytesPerSecond: s.meter.BytesPerSecond(),
	}
}

// Wait blocks until every attached track has ended.
func (s *RemoteStream) Wait() {
	s.wg.Wait()
}
