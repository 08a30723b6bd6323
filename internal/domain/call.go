package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MediaKind is the capability set requested for a call, fixed for the call's lifetime
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind
func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// NegotiationPhase records which side most recently wrote a description
type NegotiationPhase string

const (
	PhaseOffer  NegotiationPhase = "offer"
	PhaseAnswer NegotiationPhase = "answer"
)

// CandidateSide identifies which peer appended a candidate
type CandidateSide string

const (
	SideOfferer  CandidateSide = "offer"
	SideAnswerer CandidateSide = "answer"
)

// Valid reports whether s is a known side
func (s CandidateSide) Valid() bool {
	return s == SideOfferer || s == SideAnswerer
}

// Opposite returns the other side
func (s CandidateSide) Opposite() CandidateSide {
	if s == SideOfferer {
		return SideAnswerer
	}
	return SideOfferer
}

// CallRecord is the single persisted descriptor of a channel's call.
// Its presence in the signaling store means a call is ringing or active.
// Stored in Redis as hash call:{channel_id}
type CallRecord struct {
	CallID               uuid.UUID        `json:"call_id"`
	ChannelID            string           `json:"channel_id"`
	InitiatorID          uuid.UUID        `json:"initiator_id"`
	InitiatorDisplayName string           `json:"initiator_display_name"`
	MediaKind            MediaKind        `json:"media_kind"`
	NegotiationPhase     NegotiationPhase `json:"negotiation_phase"`
	OfferDescription     string           `json:"offer_description,omitempty"`
	AnswerDescription    string           `json:"answer_description,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// HasOffer reports whether the initiator has written its offer. A record without an
// offer is a reservation and must not ring anyone.
func (r *CallRecord) HasOffer() bool {
	return r.OfferDescription != ""
}

// Answered reports whether the record has transitioned to the answer phase
func (r *CallRecord) Answered() bool {
	return r.NegotiationPhase == PhaseAnswer && r.AnswerDescription != ""
}

// Validate checks the strict record shape
func (r *CallRecord) Validate() error {
	if r.CallID == uuid.Nil {
		return fmt.Errorf("missing call_id")
	}
	if r.ChannelID == "" {
		return fmt.Errorf("missing channel_id")
	}
	if r.InitiatorID == uuid.Nil {
		return fmt.Errorf("missing initiator_id")
	}
	if !r.MediaKind.Valid() {
		return fmt.Errorf("invalid media_kind %q", r.MediaKind)
	}
	switch r.NegotiationPhase {
	case PhaseOffer:
	case PhaseAnswer:
		if r.OfferDescription == "" || r.AnswerDescription == "" {
			return fmt.Errorf("answer phase without both descriptions")
		}
	default:
		return fmt.Errorf("invalid negotiation_phase %q", r.NegotiationPhase)
	}
	return nil
}

// Offer is the input for reserving a channel and publishing an offer
type Offer struct {
	CallID               uuid.UUID
	ChannelID            string
	InitiatorID          uuid.UUID
	InitiatorDisplayName string
	MediaKind            MediaKind
	Description          string
}

// Record builds the CallRecord an offer creates
func (o *Offer) Record(now time.Time) *CallRecord {
	return &CallRecord{
		CallID:               o.CallID,
		ChannelID:            o.ChannelID,
		InitiatorID:          o.InitiatorID,
		InitiatorDisplayName: o.InitiatorDisplayName,
		MediaKind:            o.MediaKind,
		NegotiationPhase:     PhaseOffer,
		OfferDescription:     o.Description,
		CreatedAt:            now,
	}
}

// CandidateRecord is one network path descriptor appended by one side
// CallID is filled in by the subscription from the record the list belongs to.
type CandidateRecord struct {
	CallID    uuid.UUID     `json:"-"`
	Side      CandidateSide `json:"side"`
	Seq       int64         `json:"seq"`
	Candidate string        `json:"candidate"`
}

// Role is the local peer's part in a call
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Side returns the candidate side this role appends to
func (r Role) Side() CandidateSide {
	if r == RoleCaller {
		return SideOfferer
	}
	return SideAnswerer
}

// EndReason explains why a call session reached Ended
type EndReason string

const (
	EndReasonLocalHangup       EndReason = "local_hangup"
	EndReasonRemoteHangup      EndReason = "remote_hangup"
	EndReasonRejected          EndReason = "rejected"
	EndReasonNoAnswer          EndReason = "no_answer"
	EndReasonConcurrentCall    EndReason = "concurrent_call_in_progress"
	EndReasonPermissionDenied  EndReason = "permission_denied"
	EndReasonDeviceUnavailable EndReason = "device_unavailable"
	EndReasonConnectionFailed  EndReason = "connection_failed"
	EndReasonSignalingFailed   EndReason = "signaling_failed"
	EndReasonInternalError     EndReason = "internal_error"
)

// CallLog is the history entry written when a session ends
// Maps to CockroachDB call_logs table
type CallLog struct {
	CallID      uuid.UUID  `json:"call_id" db:"call_id"`
	ChannelID   string     `json:"channel_id" db:"channel_id"`
	UserID      uuid.UUID  `json:"user_id" db:"user_id"`
	InitiatorID uuid.UUID  `json:"initiator_id" db:"initiator_id"`
	Role        Role       `json:"role" db:"role"`
	MediaKind   MediaKind  `json:"media_kind" db:"media_kind"`
	EndReason   EndReason  `json:"end_reason" db:"end_reason"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     time.Time  `json:"ended_at" db:"ended_at"`
	Duration    int        `json:"duration" db:"duration"` // connected seconds
}
