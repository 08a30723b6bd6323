package call

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"stablecall-backend/internal/domain"
)

// SignalingChannel is the typed view of the shared record store peers rendezvous on.
// Implementations: repository/redis (multi-node) and repository/memory (single process).
type SignalingChannel interface {
	// Reserve atomically creates the channel's call record without an offer description.
	// Returns ErrAlreadyActive if any record exists for the channel.
	Reserve(ctx context.Context, offer *domain.Offer) error

	// PublishOffer writes the offer description. It fills the caller's own reservation
	// or creates the record; any other existing record yields ErrAlreadyActive.
	PublishOffer(ctx context.Context, offer *domain.Offer) error

	// PublishAnswer transitions the record from Offer to Answer.
	// Returns ErrNoSuchCall if the record is gone or belongs to another call,
	// ErrAlreadyAnswered if it is already in the answer phase.
	PublishAnswer(ctx context.Context, channelID string, callID uuid.UUID, answer string) error

	// AppendCandidate appends to the side's candidate list.
	// Returns ErrNoSuchCall if the record was deleted concurrently.
	AppendCandidate(ctx context.Context, channelID string, callID uuid.UUID, side domain.CandidateSide, candidate string) error

	// Subscribe delivers the current record (nil when absent) and then every change,
	// and every candidate of the current record exactly once, in append order per side.
	// Callbacks run on one goroutine per subscription. ctx bounds only the initial read;
	// the subscription lives until Close.
	Subscribe(ctx context.Context, channelID string, onRecord func(*domain.CallRecord), onCandidate func(domain.CandidateRecord)) (Subscription, error)

	// Teardown deletes the record and both candidate lists if the record still belongs
	// to callID. Best-effort: callers log failures and carry on.
	Teardown(ctx context.Context, channelID string, callID uuid.UUID) error
}

// Subscription is a handle on a live SignalingChannel subscription
type Subscription interface {
	Close()
}

// TrackKind is the media type of a single track
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is a local capture track
type Track interface {
	ID() string
	Kind() TrackKind
}

// RemoteTrack is an inbound media track from the peer
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() TrackKind
}

// TrackSet is the set of local tracks acquired for one call
type TrackSet struct {
	Kind   domain.MediaKind
	Tracks []Track

	released atomic.Bool
}

// MarkReleased flips the set to released and reports whether this call did it.
// Gateways use it to make Release idempotent.
func (t *TrackSet) MarkReleased() bool {
	return t.released.CompareAndSwap(false, true)
}

// Released reports whether the set has been released
func (t *TrackSet) Released() bool {
	return t.released.Load()
}

// MediaGateway acquires and releases local capture devices
type MediaGateway interface {
	// Acquire returns ErrPermissionDenied or ErrDeviceUnavailable on failure; no retries.
	Acquire(ctx context.Context, kind domain.MediaKind) (*TrackSet, error)
	// Release is idempotent.
	Release(set *TrackSet)
}

// Description is a negotiated-session descriptor with its direction
type Description struct {
	Type domain.NegotiationPhase
	SDP  string
}

// ConnectionState mirrors the transport's connection state
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// PeerConnectionFactory creates peer connection handles
type PeerConnectionFactory interface {
	Create() (PeerConnection, error)
}

// PeerConnection wraps one negotiated transport session
type PeerConnection interface {
	AttachLocalTracks(set *TrackSet) error
	CreateLocalDescription(ctx context.Context, intent domain.NegotiationPhase) (string, error)
	// ApplyRemoteDescription returns ErrNegotiationMismatch when a remote description
	// was already applied.
	ApplyRemoteDescription(desc Description) error
	// IngestRemoteCandidate returns ErrNoRemoteDescription before ApplyRemoteDescription;
	// callers buffer and retry.
	IngestRemoteCandidate(candidate string) error

	OnLocalCandidate(fn func(candidate string))
	OnRemoteTrack(fn func(track RemoteTrack))
	OnConnectionStateChange(fn func(state ConnectionState))

	// Close is idempotent and safe from any state.
	Close() error
}

// CallLogStore persists ended-call history
type CallLogStore interface {
	Save(ctx context.Context, entry *domain.CallLog) error
}
