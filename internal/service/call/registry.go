package call

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stablecall-backend/internal/domain"
	"stablecall-backend/pkg/constants"
	apperrors "stablecall-backend/pkg/errors"
	"stablecall-backend/pkg/logger"
	"stablecall-backend/pkg/metrics"
	"stablecall-backend/pkg/sanitize"
)

// Registry is one user's call agent. It watches the open conversation channel,
// owns at most one live Session, and publishes the status stream.
type Registry struct {
	deps  Deps
	cfg   Config
	local Participant
	log   *zap.Logger

	mu         sync.Mutex
	closed     bool
	channelID  string
	sub        Subscription
	session    *Session
	status     Status
	lastRecord *domain.CallRecord
	// calls already surfaced on this channel; an offer rings at most once
	surfaced    map[uuid.UUID]struct{}
	watchers    map[int]chan Status
	nextWatcher int
}

// NewRegistry creates a registry for the local user
func NewRegistry(deps Deps, cfg Config, local Participant) *Registry {
	return &Registry{
		deps:     deps,
		cfg:      cfg,
		local:    local,
		log:      logger.Named("call_registry").With(zap.String("user_id", local.UserID.String())),
		status:   IdleStatus(""),
		surfaced: map[uuid.UUID]struct{}{},
		watchers: map[int]chan Status{},
	}
}

// Open switches the open conversation. Leaving a channel hangs up its call.
func (r *Registry) Open(ctx context.Context, channelID string) error {
	if !sanitize.ValidateChannelID(channelID, constants.MaxChannelIDLength) {
		return apperrors.ValidationError("invalid channel_id")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return apperrors.ErrRegistryClosed
	}
	if r.channelID == channelID && r.sub != nil {
		r.mu.Unlock()
		return nil
	}
	oldSub, oldSession := r.sub, r.session
	r.channelID = channelID
	r.sub = nil
	r.session = nil
	r.lastRecord = nil
	r.surfaced = map[uuid.UUID]struct{}{}
	r.setStatusLocked(IdleStatus(channelID))
	r.mu.Unlock()

	if oldSub != nil {
		oldSub.Close()
	}
	if oldSession != nil {
		oldSession.Hangup()
	}

	sub, err := r.deps.Signaling.Subscribe(ctx, channelID,
		func(rec *domain.CallRecord) { r.handleRecord(channelID, rec) },
		func(c domain.CandidateRecord) { r.handleCandidate(channelID, c) },
	)
	if err != nil {
		r.mu.Lock()
		if r.channelID == channelID && r.sub == nil {
			r.channelID = ""
			r.setStatusLocked(IdleStatus(""))
		}
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.channelID != channelID {
		sub.Close()
		return nil
	}
	r.sub = sub
	r.log.Info("Opened channel", zap.String("channel_id", channelID))
	return nil
}

// ChannelID returns the open channel, or ""
func (r *Registry) ChannelID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelID
}

// StartCall places an outgoing call on the open channel
func (r *Registry) StartCall(kind domain.MediaKind) (*Session, error) {
	if !kind.Valid() {
		return nil, apperrors.ValidationError("media_kind must be audio or video")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, apperrors.ErrRegistryClosed
	}
	if r.channelID == "" {
		r.mu.Unlock()
		return nil, apperrors.ErrNoActiveChannel
	}
	// A live local session or a visible record on the channel: fail before touching devices
	if r.session != nil || r.lastRecord != nil {
		r.mu.Unlock()
		return nil, apperrors.ErrAlreadyActive
	}

	var sess *Session
	sess = NewCallerSession(r.deps, r.cfg, r.local, r.channelID, kind, func(st Status) {
		r.handleStatus(sess, st)
	})
	r.session = sess
	r.mu.Unlock()

	sess.Start()
	return sess, nil
}

// AcceptIncoming answers the ringing call
func (r *Registry) AcceptIncoming() error {
	sess, err := r.ringing()
	if err != nil {
		return err
	}
	sess.Accept()
	return nil
}

// RejectIncoming declines the ringing call
func (r *Registry) RejectIncoming() error {
	sess, err := r.ringing()
	if err != nil {
		return err
	}
	sess.Reject()
	return nil
}

func (r *Registry) ringing() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, apperrors.ErrRegistryClosed
	}
	if r.session == nil || r.session.Role() != domain.RoleCallee || r.status.Kind != StatusIncomingCall {
		return nil, apperrors.ErrNoIncomingCall
	}
	return r.session, nil
}

// Hangup ends the current call, if any. Idempotent.
func (r *Registry) Hangup() {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()

	if sess != nil {
		sess.Hangup()
	}
}

// Current returns the latest status
func (r *Registry) Current() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Session returns the live session, or nil
func (r *Registry) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Subscribe returns a status stream that starts with the current status.
// A slow reader loses intermediate updates, never the latest one.
func (r *Registry) Subscribe() (<-chan Status, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Status, constants.StatusStreamBuffer)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextWatcher
	r.nextWatcher++
	r.watchers[id] = ch
	ch <- r.status
	metrics.CallStatusSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if w, ok := r.watchers[id]; ok {
				delete(r.watchers, id)
				close(w)
				metrics.CallStatusSubscribers.Dec()
			}
		})
	}
}

// Close hangs up, unsubscribes and ends every status stream
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sub, sess := r.sub, r.session
	r.sub = nil
	for id, w := range r.watchers {
		close(w)
		delete(r.watchers, id)
		metrics.CallStatusSubscribers.Dec()
	}
	r.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if sess != nil {
		sess.Hangup()
	}
}

// handleRecord runs on the channel subscription goroutine
func (r *Registry) handleRecord(channelID string, rec *domain.CallRecord) {
	r.mu.Lock()
	if r.closed || r.channelID != channelID {
		r.mu.Unlock()
		return
	}
	r.lastRecord = rec

	// A callee session learns about the record through this subscription until its
	// own one takes over; the session ignores what it has already seen
	if sess := r.session; sess != nil {
		r.mu.Unlock()
		if sess.Role() == domain.RoleCallee {
			sess.deliverRecord(rec)
		}
		return
	}

	sess := r.maybeRingLocked(rec)
	r.mu.Unlock()

	if sess != nil {
		sess.Start()
	}
}

// handleCandidate buffers offerer candidates into the callee session
func (r *Registry) handleCandidate(channelID string, c domain.CandidateRecord) {
	r.mu.Lock()
	sess := r.session
	forward := !r.closed && r.channelID == channelID && sess != nil && sess.Role() == domain.RoleCallee
	r.mu.Unlock()

	if forward {
		sess.deliverCandidate(c)
	}
}

// maybeRingLocked creates a callee session for a fresh incoming offer. Caller holds r.mu.
func (r *Registry) maybeRingLocked(rec *domain.CallRecord) *Session {
	if rec == nil || !rec.HasOffer() || rec.Answered() || rec.InitiatorID == r.local.UserID {
		return nil
	}
	if _, seen := r.surfaced[rec.CallID]; seen {
		return nil
	}
	r.surfaced[rec.CallID] = struct{}{}

	var sess *Session
	sess = NewCalleeSession(r.deps, r.cfg, r.local, rec, func(st Status) {
		r.handleStatus(sess, st)
	})
	r.session = sess
	return sess
}

// handleStatus runs on a session's loop goroutine
func (r *Registry) handleStatus(sess *Session, st Status) {
	r.mu.Lock()
	if r.session != sess {
		r.mu.Unlock()
		return
	}
	r.setStatusLocked(st)

	var next *Session
	if st.Kind == StatusEnded {
		r.session = nil
		// The session just tore its record down; don't wait for the subscription to say so
		if sess.ownedRecord() && r.lastRecord != nil && r.lastRecord.CallID == sess.CallID() {
			r.lastRecord = nil
		}
		// A call that arrived while this one was live rings now
		if !r.closed {
			next = r.maybeRingLocked(r.lastRecord)
		}
	}
	r.mu.Unlock()

	if next != nil {
		next.Start()
	}
}

// setStatusLocked records and broadcasts st. Caller holds r.mu.
func (r *Registry) setStatusLocked(st Status) {
	r.status = st
	for _, w := range r.watchers {
		select {
		case w <- st:
		default:
			// Drop the oldest entry so the newest status always gets through
			select {
			case <-w:
				metrics.CallStatusDroppedTotal.Inc()
			default:
			}
			select {
			case w <- st:
			default:
			}
		}
	}
}
