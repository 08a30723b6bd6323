//go:build mediadevices

package media

import (
	"context"
	"errors"
	"io/fs"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"stablecall-backend/internal/domain"
	"stablecall-backend/internal/service/call"
	apperrors "stablecall-backend/pkg/errors"
	"stablecall-backend/pkg/logger"
)

// DeviceGateway captures the host's camera and microphone with pion/mediadevices
type DeviceGateway struct {
	policy   Policy
	selector *mediadevices.CodecSelector
	log      *zap.Logger

	mu       sync.Mutex
	captured map[*call.TrackSet][]mediadevices.Track
}

var _ call.MediaGateway = (*DeviceGateway)(nil)

// NewDeviceGateway sets up VP8 and Opus encoders for captured tracks
func NewDeviceGateway(policy Policy) (*DeviceGateway, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	g := &DeviceGateway{
		policy:   policy,
		selector: selector,
		log:      logger.Named("media"),
		captured: map[*call.TrackSet][]mediadevices.Track{},
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		g.log.Warn("No media devices found")
	}
	for _, d := range devices {
		g.log.Info("Media device", zap.Any("kind", d.Kind), zap.String("label", d.Label))
	}
	return g, nil
}

// RegisterCodecs makes the peer connections negotiate the encoders this gateway produces
func (g *DeviceGateway) RegisterCodecs(m *webrtc.MediaEngine) error {
	g.selector.Populate(m)
	return nil
}

// Acquire opens the devices a call of kind needs
func (g *DeviceGateway) Acquire(ctx context.Context, kind domain.MediaKind) (*call.TrackSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.policy.Check(kind); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: g.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if kind == domain.MediaKindVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose MJPEG nodes that emit broken frames
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		g.log.Warn("Media capture failed", zap.String("media_kind", string(kind)), zap.Error(err))
		if errors.Is(err, fs.ErrPermission) {
			return nil, apperrors.ErrPermissionDenied.WithCause(err)
		}
		return nil, apperrors.ErrDeviceUnavailable.WithCause(err)
	}

	captured := stream.GetTracks()
	set := &call.TrackSet{Kind: kind}
	for _, t := range captured {
		trackKind := call.TrackKindAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			trackKind = call.TrackKindVideo
		}
		t.OnEnded(func(err error) {
			if err != nil {
				g.log.Warn("Local track ended", zap.String("track_id", t.ID()), zap.Error(err))
			}
		})
		set.Tracks = append(set.Tracks, &LocalTrack{local: t, kind: trackKind})
	}

	g.mu.Lock()
	g.captured[set] = captured
	g.mu.Unlock()

	g.log.Info("Local media captured", zap.String("media_kind", string(kind)), zap.Int("tracks", len(captured)))
	return set, nil
}

// Release stops the devices behind set. Idempotent.
func (g *DeviceGateway) Release(set *call.TrackSet) {
	if set == nil || !set.MarkReleased() {
		return
	}

	g.mu.Lock()
	captured := g.captured[set]
	delete(g.captured, set)
	g.mu.Unlock()

	for _, t := range captured {
		if err := t.Close(); err != nil {
			g.log.Debug("Failed to close local track", zap.Error(err))
		}
	}
}
