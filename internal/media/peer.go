package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"stablecall-backend/internal/domain"
	"stablecall-backend/internal/service/call"
	apperrors "stablecall-backend/pkg/errors"
	"stablecall-backend/pkg/logger"
)

// PeerConfig configures the pion API shared by every peer connection
type PeerConfig struct {
	ICEServers []string

	// ICE timeouts; zero keeps pion's defaults
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback gathers loopback candidates, for peers on the same host
	IncludeLoopback bool

	// RegisterCodecs populates the media engine; nil registers pion's default codecs
	RegisterCodecs func(*webrtc.MediaEngine) error
}

// PionFactory creates pion-backed peer connections
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *zap.Logger
}

var _ call.PeerConnectionFactory = (*PionFactory)(nil)

// NewPionFactory builds the media engine, interceptors and setting engine once
func NewPionFactory(cfg PeerConfig) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	register := cfg.RegisterCodecs
	if register == nil {
		register = func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := register(mediaEngine); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	config := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &PionFactory{
		api:    api,
		config: config,
		log:    logger.Named("peer"),
	}, nil
}

// Create opens a new peer connection
func (f *PionFactory) Create() (call.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, apperrors.ErrConnectionFailed.WithCause(err)
	}
	return newPeer(pc, f.log), nil
}

// Peer adapts a pion PeerConnection to call.PeerConnection
type Peer struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger

	mu        sync.Mutex
	onCand    func(string)
	onTrack   func(call.RemoteTrack)
	onState   func(call.ConnectionState)
	closeOnce sync.Once
	closeErr  error
}

func newPeer(pc *webrtc.PeerConnection, log *zap.Logger) *Peer {
	p := &Peer{pc: pc, log: log}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		encoded, err := json.Marshal(c.ToJSON())
		if err != nil {
			p.log.Warn("Failed to encode local candidate", zap.Error(err))
			return
		}
		p.mu.Lock()
		fn := p.onCand
		p.mu.Unlock()
		if fn != nil {
			fn(string(encoded))
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(&RemoteTrack{track: remote})
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(connectionState(st))
		}
	})

	return p
}

// AttachLocalTracks adds the tracks to the connection. With no tracks the
// connection still negotiates receive-only audio.
func (p *Peer) AttachLocalTracks(set *call.TrackSet) error {
	if set == nil || len(set.Tracks) == 0 {
		_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		return err
	}

	for _, t := range set.Tracks {
		lt, ok := t.(interface{ TrackLocal() webrtc.TrackLocal })
		if !ok {
			return apperrors.InternalError(fmt.Sprintf("track %s cannot be sent", t.ID()))
		}
		sender, err := p.pc.AddTrack(lt.TrackLocal())
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
		}
		go p.readRTCP(sender, t.ID())
	}
	return nil
}

// readRTCP drains the sender so interceptors keep running
func (p *Peer) readRTCP(sender *webrtc.RTPSender, trackID string) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				p.log.Debug("Peer requested a key frame", zap.String("track_id", trackID))
			}
		}
	}
}

// CreateLocalDescription creates and applies an offer or answer. Candidates
// trickle through OnLocalCandidate afterwards.
func (p *Peer) CreateLocalDescription(ctx context.Context, intent domain.NegotiationPhase) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var (
		desc webrtc.SessionDescription
		err  error
	)
	switch intent {
	case domain.PhaseOffer:
		desc, err = p.pc.CreateOffer(nil)
	case domain.PhaseAnswer:
		desc, err = p.pc.CreateAnswer(nil)
	default:
		return "", apperrors.InternalError(fmt.Sprintf("unknown description intent %q", intent))
	}
	if err != nil {
		return "", apperrors.ErrNegotiationMismatch.WithCause(err)
	}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return "", apperrors.ErrNegotiationMismatch.WithCause(err)
	}
	return desc.SDP, nil
}

// ApplyRemoteDescription applies the peer's offer or answer, once
func (p *Peer) ApplyRemoteDescription(desc call.Description) error {
	if p.pc.RemoteDescription() != nil {
		return apperrors.ErrNegotiationMismatch
	}

	var sdpType webrtc.SDPType
	switch desc.Type {
	case domain.PhaseOffer:
		sdpType = webrtc.SDPTypeOffer
	case domain.PhaseAnswer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return apperrors.ErrNegotiationMismatch
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return apperrors.ErrNegotiationMismatch.WithCause(err)
	}
	return nil
}

// IngestRemoteCandidate adds a trickled candidate. Accepts the JSON form this
// adapter produces as well as a bare candidate line.
func (p *Peer) IngestRemoteCandidate(candidate string) error {
	if p.pc.RemoteDescription() == nil {
		return apperrors.ErrNoRemoteDescription
	}
	return p.pc.AddICECandidate(parseCandidate(candidate))
}

func parseCandidate(candidate string) webrtc.ICECandidateInit {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil || init.Candidate == "" {
		return webrtc.ICECandidateInit{Candidate: candidate}
	}
	return init
}

// OnLocalCandidate sets the local candidate handler
func (p *Peer) OnLocalCandidate(fn func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCand = fn
}

// OnRemoteTrack sets the remote track handler
func (p *Peer) OnRemoteTrack(fn func(call.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

// OnConnectionStateChange sets the connection state handler
func (p *Peer) OnConnectionStateChange(fn func(call.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// Close closes the connection. Idempotent.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

func connectionState(st webrtc.PeerConnectionState) call.ConnectionState {
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		return call.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return call.ConnectionStateClosed
	default:
		return call.ConnectionStateNew
	}
}

// RemoteTrack is an inbound pion track
type RemoteTrack struct {
	track *webrtc.TrackRemote
}

// ID returns the track id
func (t *RemoteTrack) ID() string { return t.track.ID() }

// StreamID returns the media stream id
func (t *RemoteTrack) StreamID() string { return t.track.StreamID() }

// Kind returns audio or video
func (t *RemoteTrack) Kind() call.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return call.TrackKindVideo
	}
	return call.TrackKindAudio
}

// ReadRTP reads the next packet for a renderer
func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
