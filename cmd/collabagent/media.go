package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"collabtext/internal/session"
	"collabtext/internal/transport"
)

const opusFrame = 20 * time.Millisecond

// opusSilence is a single Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// trackSource hands out local sample tracks. Voice tracks carry silence
// until the agent stops; video and screen tracks are negotiated but carry
// no frames since the agent has no capture device.
type trackSource struct {
	ctx context.Context
	log zerolog.Logger
}

func newTrackSource(ctx context.Context, log zerolog.Logger) *trackSource {
	return &trackSource{ctx: ctx, log: log.With().Str("component", "media").Logger()}
}

func (s *trackSource) Acquire(_ context.Context, kind session.MediaKind) (*transport.MediaStream, error) {
	var codec webrtc.RTPCodecCapability
	var trackKind string
	switch kind {
	case session.Voice:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		trackKind = "audio"
	case session.Video, session.Screen:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		trackKind = "video"
	default:
		return nil, fmt.Errorf("unsupported media kind %q", kind)
	}

	streamID := string(kind) + "-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(codec, trackKind, streamID)
	if err != nil {
		return nil, fmt.Errorf("creating %s track: %w", kind, err)
	}
	if kind == session.Voice {
		go s.silence(track)
	}
	s.log.Info().Str("kind", string(kind)).Str("stream", streamID).Msg("track created")
	return &transport.MediaStream{ID: streamID, Tracks: []webrtc.TrackLocal{track}}, nil
}

func (s *trackSource) silence(track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
				s.log.Debug().Err(err).Msg("writing silence")
				return
			}
		}
	}
}
