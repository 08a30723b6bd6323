package call

import (
	"github.com/google/uuid"

	"stablecall-backend/internal/domain"
)

// State is a call session's position in its lifecycle
type State string

const (
	StateIdle           State = "idle"
	StateOffering       State = "offering"
	StateAwaitingAnswer State = "awaiting_answer"
	StateRinging        State = "ringing"
	StateNegotiating    State = "negotiating"
	StateActive         State = "active"
	StateEnded          State = "ended"
)

// StatusKind is what the presentation layer renders
type StatusKind string

const (
	StatusIdle            StatusKind = "idle"
	StatusIncomingCall    StatusKind = "incoming_call"
	StatusOutgoingRinging StatusKind = "outgoing_ringing"
	StatusNegotiating     StatusKind = "negotiating"
	StatusActive          StatusKind = "active"
	StatusEnded           StatusKind = "ended"
)

// TrackInfo describes one media track for clients
type TrackInfo struct {
	ID   string    `json:"id"`
	Kind TrackKind `json:"kind"`
}

// Status is one entry of the observable status stream
type Status struct {
	Kind      StatusKind       `json:"kind"`
	ChannelID string           `json:"channel_id,omitempty"`
	CallID    *uuid.UUID       `json:"call_id,omitempty"`
	Role      domain.Role      `json:"role,omitempty"`
	MediaKind domain.MediaKind `json:"media_kind,omitempty"`

	// IncomingCall
	InitiatorDisplayName string `json:"initiator_display_name,omitempty"`

	// Active
	LocalTracks  []TrackInfo `json:"local_tracks,omitempty"`
	RemoteTracks []TrackInfo `json:"remote_tracks,omitempty"`

	// Ended
	Reason domain.EndReason `json:"reason,omitempty"`

	// Sinks for in-process renderers
	Local  *TrackSet     `json:"-"`
	Remote []RemoteTrack `json:"-"`
}

// IdleStatus is the status of a channel with no call
func IdleStatus(channelID string) Status {
	return Status{Kind: StatusIdle, ChannelID: channelID}
}

func localTrackInfo(set *TrackSet) []TrackInfo {
	if set == nil {
		return nil
	}
	out := make([]TrackInfo, 0, len(set.Tracks))
	for _, t := range set.Tracks {
		out = append(out, TrackInfo{ID: t.ID(), Kind: t.Kind()})
	}
	return out
}

func remoteTrackInfo(tracks []RemoteTrack) []TrackInfo {
	out := make([]TrackInfo, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, TrackInfo{ID: t.ID(), Kind: t.Kind()})
	}
	return out
}
