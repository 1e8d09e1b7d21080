//go:build linux && cgo

package media

import (
	"context"
	"errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// openDevices captures camera and microphone through V4L2 and malgo, encoding
// VP8 and Opus. GetUserMedia fails as a unit, so a missing microphone or
// camera is retried with the other device alone.
func openDevices(ctx context.Context, c Constraints) (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if c.VideoBitrate > 0 {
		vpxParams.BitRate = c.VideoBitrate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	video := func(mc *mediadevices.MediaTrackConstraints) {
		// Raw formats only; some cameras expose MJPEG nodes that emit
		// malformed frames and poison the VP8 encoder.
		mc.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		if c.Width > 0 {
			mc.Width = prop.IntRanged{Max: c.Width}
		}
		if c.Height > 0 {
			mc.Height = prop.IntRanged{Max: c.Height}
		}
	}
	audio := func(*mediadevices.MediaTrackConstraints) {}

	attempts := []mediadevices.MediaStreamConstraints{
		{Video: video, Audio: audio, Codec: selector},
		{Video: video, Codec: selector},
		{Audio: audio, Codec: selector},
	}

	var errs []error
	for _, constraints := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		var tracks []Track
		for _, t := range stream.GetTracks() {
			tracks = append(tracks, t)
		}
		return &Capture{
			Tracks: tracks,
			RegisterCodecs: func(m *webrtc.MediaEngine) error {
				selector.Populate(m)
				return nil
			},
		}, nil
	}

	return nil, errors.Join(errs...)
}

func listDevices() []DeviceInfo {
	var out []DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		kind := "other"
		switch d.Kind {
		case mediadevices.VideoInput:
			kind = "camera"
		case mediadevices.AudioInput:
			kind = "microphone"
		}
		out = append(out, DeviceInfo{ID: d.DeviceID, Kind: kind, Label: d.Label})
	}
	return out
}
