package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stablecall-backend/internal/domain"
	"stablecall-backend/pkg/constants"
	apperrors "stablecall-backend/pkg/errors"
	"stablecall-backend/pkg/logger"
	"stablecall-backend/pkg/metrics"
)

// Config tunes session timing
type Config struct {
	RingTimeout     time.Duration
	TeardownTimeout time.Duration
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		RingTimeout:     constants.RingTimeout,
		TeardownTimeout: constants.TeardownTimeout,
	}
}

// Deps are the adapters a session drives
type Deps struct {
	Signaling SignalingChannel
	Media     MediaGateway
	Peers     PeerConnectionFactory
	Logs      CallLogStore // optional
}

// Participant identifies the local user
type Participant struct {
	UserID      uuid.UUID
	DisplayName string
}

// Session drives one call from start (or ring) to Ended.
//
// All adapter and signaling callbacks are posted to the session's event loop and
// handled one at a time, so handler code owns the fields below "loop-owned"
// without locking. Hangup cancels the session context first: any blocking step
// returns early and the loop performs the teardown.
type Session struct {
	deps     Deps
	cfg      Config
	role     domain.Role
	local    Participant
	callID   uuid.UUID
	channel  string
	kind     domain.MediaKind
	offerSDP string
	caller   Participant
	log      *zap.Logger
	onStatus func(Status)

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan func()
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	// stopReason is written before cancel and read after ctx.Done
	stopReason domain.EndReason

	statusMu sync.Mutex
	status   Status

	// loop-owned
	state         State
	tracks        *TrackSet
	pc            PeerConnection
	sub           Subscription
	ringTimer     *time.Timer
	remoteApplied bool
	pending       []string
	seenSeq       map[int64]struct{}
	remote        []RemoteTrack
	ownsRecord    bool
	startedAt     time.Time
	connectedAt   *time.Time
	endReason     domain.EndReason
}

func newSession(deps Deps, cfg Config, role domain.Role, local Participant, channelID string, callID uuid.UUID, kind domain.MediaKind, onStatus func(Status)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:     deps,
		cfg:      cfg,
		role:     role,
		local:    local,
		callID:   callID,
		channel:  channelID,
		kind:     kind,
		onStatus: onStatus,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan func(), constants.SessionEventBuffer),
		done:     make(chan struct{}),
		state:    StateIdle,
		seenSeq:  map[int64]struct{}{},
	}
	s.log = logger.Named("call").With(
		zap.String("channel_id", channelID),
		zap.String("call_id", callID.String()),
		zap.String("role", string(role)),
	)
	s.status = Status{Kind: StatusIdle, ChannelID: channelID}
	return s
}

// NewCallerSession prepares an outgoing call on channelID. Start runs it.
func NewCallerSession(deps Deps, cfg Config, local Participant, channelID string, kind domain.MediaKind, onStatus func(Status)) *Session {
	s := newSession(deps, cfg, domain.RoleCaller, local, channelID, uuid.New(), kind, onStatus)
	s.caller = local
	return s
}

// NewCalleeSession prepares a ringing session for an observed offer. Start runs it.
func NewCalleeSession(deps Deps, cfg Config, local Participant, rec *domain.CallRecord, onStatus func(Status)) *Session {
	s := newSession(deps, cfg, domain.RoleCallee, local, rec.ChannelID, rec.CallID, rec.MediaKind, onStatus)
	s.offerSDP = rec.OfferDescription
	s.caller = Participant{UserID: rec.InitiatorID, DisplayName: rec.InitiatorDisplayName}
	return s
}

// Start launches the event loop. Callers begin offering, callees begin ringing.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.run()
		if s.role == domain.RoleCaller {
			s.post(s.startCall)
		} else {
			s.post(s.ring)
		}
	})
}

// Accept answers a ringing call. Ignored in any other state.
func (s *Session) Accept() {
	s.post(s.accept)
}

// Reject declines a ringing call without touching the caller's record
func (s *Session) Reject() {
	s.stop(domain.EndReasonRejected)
}

// Hangup ends the session from any state. Idempotent.
func (s *Session) Hangup() {
	s.stop(domain.EndReasonLocalHangup)
}

// Done is closed once the session has reached Ended and released everything
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CallID returns the call identifier
func (s *Session) CallID() uuid.UUID { return s.callID }

// ChannelID returns the conversation channel
func (s *Session) ChannelID() string { return s.channel }

// Role returns the local peer's role
func (s *Session) Role() domain.Role { return s.role }

// Status returns the last emitted status
func (s *Session) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// EndReason returns why the session ended. Valid after Done is closed.
func (s *Session) EndReason() domain.EndReason {
	<-s.done
	return s.endReason
}

// ownedRecord reports whether the session removes the call record on exit.
// Only valid on the loop goroutine, which is where status callbacks run.
func (s *Session) ownedRecord() bool { return s.ownsRecord }

// deliverRecord feeds a record observation into the loop
func (s *Session) deliverRecord(rec *domain.CallRecord) {
	s.post(func() { s.handleRecord(rec) })
}

// deliverCandidate feeds a remote candidate into the loop
func (s *Session) deliverCandidate(c domain.CandidateRecord) {
	s.post(func() { s.handleCandidate(c) })
}

func (s *Session) stop(reason domain.EndReason) {
	s.stopOnce.Do(func() {
		s.stopReason = reason
		s.cancel()
	})
}

// post queues fn on the loop. It gives up once the session is stopping.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			s.end(s.stopReason)
			return
		case fn := <-s.events:
			// A stop wins over anything still queued
			if s.ctx.Err() != nil {
				s.end(s.stopReason)
				return
			}
			fn()
			if s.state == StateEnded {
				return
			}
		}
	}
}

// Caller path

func (s *Session) startCall() {
	if s.state != StateIdle {
		return
	}
	s.state = StateOffering
	s.startedAt = time.Now()
	metrics.CallStartedTotal.WithLabelValues(string(s.role), string(s.kind)).Inc()
	s.log.Info("Starting call", zap.String("media_kind", string(s.kind)))

	offer := &domain.Offer{
		CallID:               s.callID,
		ChannelID:            s.channel,
		InitiatorID:          s.local.UserID,
		InitiatorDisplayName: s.local.DisplayName,
		MediaKind:            s.kind,
	}
	// Claim the channel before touching devices so a losing caller never acquires media
	if err := s.deps.Signaling.Reserve(s.ctx, offer); err != nil {
		s.fail("reserve channel", err)
		return
	}
	s.ownsRecord = true

	if !s.acquireMedia() || !s.openPeer() {
		return
	}

	sdp, err := s.pc.CreateLocalDescription(s.ctx, domain.PhaseOffer)
	if err != nil {
		s.fail("create offer", err)
		return
	}
	offer.Description = sdp
	if err := s.deps.Signaling.PublishOffer(s.ctx, offer); err != nil {
		s.fail("publish offer", err)
		return
	}

	s.state = StateAwaitingAnswer
	s.emit(Status{Kind: StatusOutgoingRinging})
	s.armRingTimer()

	sub, err := s.deps.Signaling.Subscribe(s.ctx, s.channel, s.deliverRecord, s.deliverCandidate)
	if err != nil {
		s.fail("subscribe", err)
		return
	}
	s.sub = sub
}

func (s *Session) applyAnswer(rec *domain.CallRecord) {
	s.stopRingTimer()
	if err := s.pc.ApplyRemoteDescription(Description{Type: domain.PhaseAnswer, SDP: rec.AnswerDescription}); err != nil {
		s.fail("apply answer", err)
		return
	}
	s.remoteApplied = true
	s.state = StateNegotiating
	s.drainPending()
	s.emit(Status{Kind: StatusNegotiating})
}

// Callee path

func (s *Session) ring() {
	if s.state != StateIdle {
		return
	}
	s.state = StateRinging
	s.startedAt = time.Now()
	metrics.CallStartedTotal.WithLabelValues(string(s.role), string(s.kind)).Inc()
	s.log.Info("Incoming call", zap.String("initiator_id", s.caller.UserID.String()))

	s.emit(Status{Kind: StatusIncomingCall, InitiatorDisplayName: s.caller.DisplayName})
	s.armRingTimer()
}

func (s *Session) accept() {
	if s.state != StateRinging {
		return
	}
	s.stopRingTimer()
	// From here on this peer is a participant and removes the record on exit
	s.ownsRecord = true
	s.log.Info("Accepting call")

	if !s.acquireMedia() || !s.openPeer() {
		return
	}

	if err := s.pc.ApplyRemoteDescription(Description{Type: domain.PhaseOffer, SDP: s.offerSDP}); err != nil {
		s.fail("apply offer", err)
		return
	}
	s.remoteApplied = true
	s.drainPending()

	sdp, err := s.pc.CreateLocalDescription(s.ctx, domain.PhaseAnswer)
	if err != nil {
		s.fail("create answer", err)
		return
	}
	if err := s.deps.Signaling.PublishAnswer(s.ctx, s.channel, s.callID, sdp); err != nil {
		// The record is gone or answered by someone else; it is not ours to delete
		if errors.Is(err, apperrors.ErrNoSuchCall) || errors.Is(err, apperrors.ErrAlreadyAnswered) {
			s.ownsRecord = false
		}
		s.fail("publish answer", err)
		return
	}

	s.state = StateNegotiating
	s.emit(Status{Kind: StatusNegotiating})

	sub, err := s.deps.Signaling.Subscribe(s.ctx, s.channel, s.deliverRecord, s.deliverCandidate)
	if err != nil {
		s.fail("subscribe", err)
		return
	}
	s.sub = sub
}

// Shared steps

func (s *Session) acquireMedia() bool {
	tracks, err := s.deps.Media.Acquire(s.ctx, s.kind)
	if err != nil {
		s.fail("acquire media", err)
		return false
	}
	s.tracks = tracks
	return true
}

func (s *Session) openPeer() bool {
	pc, err := s.deps.Peers.Create()
	if err != nil {
		s.fail("create peer connection", err)
		return false
	}
	s.pc = pc

	pc.OnLocalCandidate(func(c string) {
		s.post(func() { s.handleLocalCandidate(c) })
	})
	pc.OnRemoteTrack(func(t RemoteTrack) {
		s.post(func() { s.handleRemoteTrack(t) })
	})
	pc.OnConnectionStateChange(func(st ConnectionState) {
		s.post(func() { s.handleConnectionState(st) })
	})

	if err := pc.AttachLocalTracks(s.tracks); err != nil {
		s.fail("attach local tracks", err)
		return false
	}
	return true
}

func (s *Session) armRingTimer() {
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.post(s.ringTimeout)
	})
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) ringTimeout() {
	if s.state == StateAwaitingAnswer || s.state == StateRinging {
		s.log.Info("Call not answered", zap.Duration("ring_timeout", s.cfg.RingTimeout))
		s.end(domain.EndReasonNoAnswer)
	}
}

// Event handlers

func (s *Session) handleRecord(rec *domain.CallRecord) {
	if s.state == StateEnded {
		return
	}
	if rec == nil || rec.CallID != s.callID {
		s.log.Info("Call record cleared by peer")
		s.end(domain.EndReasonRemoteHangup)
		return
	}
	if !rec.Answered() {
		return
	}

	switch {
	case s.role == domain.RoleCaller && s.state == StateAwaitingAnswer:
		s.applyAnswer(rec)
	case s.role == domain.RoleCallee && s.state == StateRinging:
		// Another device of this user picked up
		s.end(domain.EndReasonConcurrentCall)
	}
}

func (s *Session) handleCandidate(c domain.CandidateRecord) {
	if s.state == StateEnded || c.CallID != s.callID || c.Side != s.role.Side().Opposite() {
		return
	}
	// Overlapping subscriptions replay candidates; each seq is applied once, and a
	// replay fills any gap the other subscription missed
	if _, dup := s.seenSeq[c.Seq]; dup {
		return
	}
	s.seenSeq[c.Seq] = struct{}{}

	if !s.remoteApplied {
		s.pending = append(s.pending, c.Candidate)
		metrics.CallCandidatesBufferedTotal.Inc()
		return
	}
	s.ingest(c.Candidate)
}

func (s *Session) ingest(candidate string) {
	err := s.pc.IngestRemoteCandidate(candidate)
	switch {
	case err == nil:
		metrics.CallCandidatesIngestedTotal.WithLabelValues("success").Inc()
	case errors.Is(err, apperrors.ErrNoRemoteDescription):
		s.pending = append(s.pending, candidate)
		metrics.CallCandidatesBufferedTotal.Inc()
	default:
		metrics.CallCandidatesIngestedTotal.WithLabelValues("rejected").Inc()
		s.log.Warn("Remote candidate rejected", zap.Error(err))
	}
}

func (s *Session) drainPending() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.ingest(c)
	}
}

func (s *Session) handleLocalCandidate(candidate string) {
	if s.state == StateEnded {
		return
	}
	err := s.deps.Signaling.AppendCandidate(s.ctx, s.channel, s.callID, s.role.Side(), candidate)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrNoSuchCall):
		s.log.Debug("Dropping local candidate, call record gone")
	case s.ctx.Err() != nil:
	default:
		s.log.Warn("Failed to publish local candidate", zap.Error(err))
	}
}

func (s *Session) handleRemoteTrack(t RemoteTrack) {
	if s.state == StateEnded {
		return
	}
	s.remote = append(s.remote, t)
	s.log.Info("Remote track added",
		zap.String("track_id", t.ID()),
		zap.String("kind", string(t.Kind())))
	if s.state == StateActive {
		s.emitActive()
	}
}

func (s *Session) handleConnectionState(st ConnectionState) {
	if s.state == StateEnded {
		return
	}
	switch st {
	case ConnectionStateConnected:
		if s.state != StateNegotiating {
			return
		}
		now := time.Now()
		s.connectedAt = &now
		s.state = StateActive
		metrics.CallActive.Inc()
		metrics.CallSetupDuration.WithLabelValues(string(s.role)).Observe(now.Sub(s.startedAt).Seconds())
		s.log.Info("Call connected")
		s.emitActive()
	case ConnectionStateFailed, ConnectionStateDisconnected, ConnectionStateClosed:
		s.log.Warn("Peer connection lost", zap.String("connection_state", string(st)))
		s.end(domain.EndReasonConnectionFailed)
	}
}

// Termination

// fail ends the session for a failed step. A step that failed because the
// session is already stopping leaves the teardown to the loop.
func (s *Session) fail(step string, err error) {
	if s.ctx.Err() != nil {
		return
	}
	reason := endReasonFor(err)
	s.log.Warn("Call step failed",
		zap.String("step", step),
		zap.String("reason", string(reason)),
		zap.Error(err))
	s.end(reason)
}

func endReasonFor(err error) domain.EndReason {
	switch {
	case errors.Is(err, apperrors.ErrAlreadyActive), errors.Is(err, apperrors.ErrAlreadyAnswered):
		return domain.EndReasonConcurrentCall
	case errors.Is(err, apperrors.ErrPermissionDenied):
		return domain.EndReasonPermissionDenied
	case errors.Is(err, apperrors.ErrDeviceUnavailable):
		return domain.EndReasonDeviceUnavailable
	case errors.Is(err, apperrors.ErrNoSuchCall):
		return domain.EndReasonRemoteHangup
	case errors.Is(err, apperrors.ErrConnectionFailed):
		return domain.EndReasonConnectionFailed
	case apperrors.CodeOf(err) == apperrors.ErrCodeSignalingBackend:
		return domain.EndReasonSignalingFailed
	default:
		return domain.EndReasonInternalError
	}
}

// end releases everything the session acquired, in order, and reports Ended once
func (s *Session) end(reason domain.EndReason) {
	if s.state == StateEnded {
		return
	}
	s.stopOnce.Do(func() { s.stopReason = reason })
	s.cancel()
	wasActive := s.state == StateActive

	s.stopRingTimer()
	if s.sub != nil {
		s.sub.Close()
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Debug("Peer connection close failed", zap.Error(err))
		}
	}
	if s.tracks != nil {
		s.deps.Media.Release(s.tracks)
	}
	if s.ownsRecord {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
		if err := s.deps.Signaling.Teardown(ctx, s.channel, s.callID); err != nil {
			s.log.Warn("Call record teardown failed", zap.Error(err))
		}
		cancel()
	}

	s.state = StateEnded
	s.endReason = reason
	s.pending = nil

	endedAt := time.Now()
	metrics.CallEndedTotal.WithLabelValues(string(s.role), string(reason)).Inc()
	if wasActive {
		metrics.CallActive.Dec()
		metrics.CallDuration.Observe(endedAt.Sub(*s.connectedAt).Seconds())
	}
	s.log.Info("Call ended", zap.String("reason", string(reason)))

	s.emit(Status{Kind: StatusEnded, Reason: reason})
	s.saveLog(endedAt)
}

func (s *Session) saveLog(endedAt time.Time) {
	if s.deps.Logs == nil || s.startedAt.IsZero() {
		return
	}
	entry := &domain.CallLog{
		CallID:      s.callID,
		ChannelID:   s.channel,
		UserID:      s.local.UserID,
		InitiatorID: s.caller.UserID,
		Role:        s.role,
		MediaKind:   s.kind,
		EndReason:   s.endReason,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     endedAt,
	}
	if s.connectedAt != nil {
		entry.Duration = int(endedAt.Sub(*s.connectedAt).Seconds())
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
		defer cancel()
		if err := s.deps.Logs.Save(ctx, entry); err != nil {
			metrics.CallLogWriteTotal.WithLabelValues("error").Inc()
			s.log.Warn("Failed to save call log", zap.Error(err))
			return
		}
		metrics.CallLogWriteTotal.WithLabelValues("success").Inc()
	}()
}

// Status emission

func (s *Session) emitActive() {
	s.emit(Status{
		Kind:         StatusActive,
		LocalTracks:  localTrackInfo(s.tracks),
		RemoteTracks: remoteTrackInfo(s.remote),
		Local:        s.tracks,
		Remote:       append([]RemoteTrack(nil), s.remote...),
	})
}

func (s *Session) emit(st Status) {
	callID := s.callID
	st.ChannelID = s.channel
	st.CallID = &callID
	st.Role = s.role
	st.MediaKind = s.kind

	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()

	if s.onStatus != nil {
		s.onStatus(st)
	}
}
