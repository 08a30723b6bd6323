// Package media adapts pion/webrtc to the call service: local capture tracks
// (MediaGateway) and negotiated transport sessions (PeerConnectionFactory).
package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"stablecall-backend/internal/domain"
	"stablecall-backend/internal/service/call"
	apperrors "stablecall-backend/pkg/errors"
	"stablecall-backend/pkg/logger"
)

// Policy says which capture kinds the local user has granted
type Policy struct {
	AllowAudio bool
	AllowVideo bool
}

// Check returns ErrPermissionDenied when kind needs a capture that is not granted.
// A video call always carries audio too.
func (p Policy) Check(kind domain.MediaKind) error {
	if !p.AllowAudio || (kind == domain.MediaKindVideo && !p.AllowVideo) {
		return apperrors.ErrPermissionDenied
	}
	return nil
}

// Opus and VP8 are what every browser peer can decode
var (
	opusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// LocalTrack is a capture track the peer adapter can send
type LocalTrack struct {
	local webrtc.TrackLocal
	kind  call.TrackKind
	// set only for sample-fed tracks
	sample *webrtc.TrackLocalStaticSample
}

// ID returns the track id
func (t *LocalTrack) ID() string { return t.local.ID() }

// Kind returns audio or video
func (t *LocalTrack) Kind() call.TrackKind { return t.kind }

// TrackLocal exposes the pion track for AddTrack
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.local }

// WriteSample feeds one encoded media sample into a sample-fed track
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if t.sample == nil {
		return apperrors.InternalError("track is not sample-fed")
	}
	return t.sample.WriteSample(s)
}

// StaticGateway hands out sample-fed opus/vp8 tracks. The service process has no
// capture devices of its own; whatever produces media writes samples into the tracks.
type StaticGateway struct {
	policy Policy
	log    *zap.Logger
}

var _ call.MediaGateway = (*StaticGateway)(nil)

// NewStaticGateway creates a gateway enforcing policy
func NewStaticGateway(policy Policy) *StaticGateway {
	return &StaticGateway{
		policy: policy,
		log:    logger.Named("media"),
	}
}

// Acquire creates the tracks for a call of the given kind
func (g *StaticGateway) Acquire(ctx context.Context, kind domain.MediaKind) (*call.TrackSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.policy.Check(kind); err != nil {
		g.log.Info("Media capture not permitted", zap.String("media_kind", string(kind)))
		return nil, err
	}

	streamID := "stablecall-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(opusCapability, "audio-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, apperrors.ErrDeviceUnavailable.WithCause(err)
	}
	tracks := []call.Track{&LocalTrack{local: audio, kind: call.TrackKindAudio, sample: audio}}

	if kind == domain.MediaKindVideo {
		video, err := webrtc.NewTrackLocalStaticSample(vp8Capability, "video-"+uuid.NewString(), streamID)
		if err != nil {
			return nil, apperrors.ErrDeviceUnavailable.WithCause(err)
		}
		tracks = append(tracks, &LocalTrack{local: video, kind: call.TrackKindVideo, sample: video})
	}

	g.log.Debug("Acquired local tracks",
		zap.String("stream_id", streamID),
		zap.Int("tracks", len(tracks)))
	return &call.TrackSet{Kind: kind, Tracks: tracks}, nil
}

// Release marks the set released. Sample-fed tracks hold no device.
func (g *StaticGateway) Release(set *call.TrackSet) {
	if set == nil || !set.MarkReleased() {
		return
	}
	g.log.Debug("Released local tracks", zap.Int("tracks", len(set.Tracks)))
}
