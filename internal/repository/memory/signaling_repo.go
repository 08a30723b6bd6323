package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"stablecall-backend/internal/domain"
	"stablecall-backend/internal/service/call"
	apperrors "stablecall-backend/pkg/errors"
	"stablecall-backend/pkg/metrics"
)

// SignalingRepository is an in-process signaling channel for single-node deployments and tests.
// It honours the same conditional-write contract as the Redis repository.
type SignalingRepository struct {
	mu       sync.Mutex
	channels map[string]*channelState
	nextSub  int
	now      func() time.Time
}

var _ call.SignalingChannel = (*SignalingRepository)(nil)

type channelState struct {
	record     *domain.CallRecord
	candidates map[domain.CandidateSide][]string
	subs       map[int]*subscription
}

// NewSignalingRepository creates an empty in-memory signaling repository
func NewSignalingRepository() *SignalingRepository {
	return &SignalingRepository{
		channels: map[string]*channelState{},
		now:      time.Now,
	}
}

// channel returns the state for channelID, creating it. Caller holds r.mu.
func (r *SignalingRepository) channel(channelID string) *channelState {
	ch, ok := r.channels[channelID]
	if !ok {
		ch = &channelState{
			candidates: map[domain.CandidateSide][]string{},
			subs:       map[int]*subscription{},
		}
		r.channels[channelID] = ch
	}
	return ch
}

// notify wakes every subscriber of the channel. Caller holds r.mu.
func (ch *channelState) notify() {
	for _, s := range ch.subs {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (ch *channelState) reset(rec *domain.CallRecord) {
	ch.record = rec
	ch.candidates = map[domain.CandidateSide][]string{}
}

// Reserve creates the channel's record without an offer description
func (r *SignalingRepository) Reserve(ctx context.Context, offer *domain.Offer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := r.channel(offer.ChannelID)
	if ch.record != nil {
		metrics.CallSignalingOpsTotal.WithLabelValues("reserve", string(apperrors.ErrCodeAlreadyActive)).Inc()
		return apperrors.ErrAlreadyActive
	}
	rec := offer.Record(r.now().UTC())
	rec.OfferDescription = ""
	ch.reset(rec)
	ch.notify()
	metrics.CallSignalingOpsTotal.WithLabelValues("reserve", "success").Inc()
	return nil
}

// PublishOffer fills the caller's reservation or creates the record
func (r *SignalingRepository) PublishOffer(ctx context.Context, offer *domain.Offer) error {
	if offer.Description == "" {
		return apperrors.ValidationError("offer description is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch := r.channel(offer.ChannelID)
	switch {
	case ch.record == nil:
		ch.reset(offer.Record(r.now().UTC()))
	case ch.record.CallID == offer.CallID && ch.record.NegotiationPhase == domain.PhaseOffer:
		updated := *ch.record
		updated.OfferDescription = offer.Description
		ch.record = &updated
	default:
		metrics.CallSignalingOpsTotal.WithLabelValues("publish_offer", string(apperrors.ErrCodeAlreadyActive)).Inc()
		return apperrors.ErrAlreadyActive
	}
	ch.notify()
	metrics.CallSignalingOpsTotal.WithLabelValues("publish_offer", "success").Inc()
	return nil
}

// PublishAnswer moves the record to the answer phase
func (r *SignalingRepository) PublishAnswer(ctx context.Context, channelID string, callID uuid.UUID, answer string) error {
	if answer == "" {
		return apperrors.ValidationError("answer description is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok || ch.record == nil || ch.record.CallID != callID || !ch.record.HasOffer() {
		metrics.CallSignalingOpsTotal.WithLabelValues("publish_answer", string(apperrors.ErrCodeNoSuchCall)).Inc()
		return apperrors.ErrNoSuchCall
	}
	if ch.record.NegotiationPhase == domain.PhaseAnswer {
		metrics.CallSignalingOpsTotal.WithLabelValues("publish_answer", string(apperrors.ErrCodeAlreadyAnswered)).Inc()
		return apperrors.ErrAlreadyAnswered
	}

	updated := *ch.record
	updated.NegotiationPhase = domain.PhaseAnswer
	updated.AnswerDescription = answer
	ch.record = &updated
	ch.notify()
	metrics.CallSignalingOpsTotal.WithLabelValues("publish_answer", "success").Inc()
	return nil
}

// AppendCandidate appends a candidate to the side's list
func (r *SignalingRepository) AppendCandidate(ctx context.Context, channelID string, callID uuid.UUID, side domain.CandidateSide, candidate string) error {
	if !side.Valid() {
		return apperrors.ValidationError("invalid candidate side")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok || ch.record == nil || ch.record.CallID != callID {
		metrics.CallSignalingOpsTotal.WithLabelValues("append_candidate", string(apperrors.ErrCodeNoSuchCall)).Inc()
		return apperrors.ErrNoSuchCall
	}
	ch.candidates[side] = append(ch.candidates[side], candidate)
	ch.notify()
	metrics.CallSignalingOpsTotal.WithLabelValues("append_candidate", "success").Inc()
	return nil
}

// Teardown deletes the record and both candidate lists if they still belong to callID
func (r *SignalingRepository) Teardown(ctx context.Context, channelID string, callID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok || ch.record == nil || ch.record.CallID != callID {
		return nil
	}
	ch.reset(nil)
	ch.notify()
	r.dropIfIdle(channelID, ch)
	metrics.CallSignalingOpsTotal.WithLabelValues("teardown", "success").Inc()
	return nil
}

// dropIfIdle forgets a channel with no record and no subscribers. Caller holds r.mu.
func (r *SignalingRepository) dropIfIdle(channelID string, ch *channelState) {
	if ch.record == nil && len(ch.subs) == 0 {
		delete(r.channels, channelID)
	}
}

// Snapshot returns a copy of the channel's record, or nil
func (r *SignalingRepository) Snapshot(channelID string) *domain.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok || ch.record == nil {
		return nil
	}
	cp := *ch.record
	return &cp
}

// Subscribe watches the channel's record and candidate lists
func (r *SignalingRepository) Subscribe(ctx context.Context, channelID string, onRecord func(*domain.CallRecord), onCandidate func(domain.CandidateRecord)) (call.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	s := &subscription{
		repo:        r,
		id:          id,
		channelID:   channelID,
		onRecord:    onRecord,
		onCandidate: onCandidate,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		first:       true,
	}
	r.channel(channelID).subs[id] = s
	s.wake <- struct{}{}
	r.mu.Unlock()

	metrics.CallSignalingSubscriptionsActive.Inc()
	go s.run()
	return s, nil
}

type subscription struct {
	repo        *SignalingRepository
	id          int
	channelID   string
	onRecord    func(*domain.CallRecord)
	onCandidate func(domain.CandidateRecord)

	wake      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once

	// owned by run
	first bool
	last  *domain.CallRecord
	next  map[domain.CandidateSide]int
}

func (s *subscription) run() {
	defer metrics.CallSignalingSubscriptionsActive.Dec()

	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
			rec, changed, candidates := s.poll()
			if changed && !s.stopped() {
				s.onRecord(rec)
			}
			for _, c := range candidates {
				if s.stopped() {
					return
				}
				s.onCandidate(c)
			}
		}
	}
}

func (s *subscription) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// poll diffs the channel state against what this subscription already delivered
func (s *subscription) poll() (*domain.CallRecord, bool, []domain.CandidateRecord) {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()

	ch, ok := s.repo.channels[s.channelID]
	if !ok || ch.record == nil {
		changed := s.first || s.last != nil
		s.first = false
		s.last = nil
		s.next = nil
		return nil, changed, nil
	}

	rec := *ch.record
	if s.last == nil || s.last.CallID != rec.CallID {
		s.next = map[domain.CandidateSide]int{}
	}
	changed := s.first || s.last == nil || *s.last != rec
	s.first = false
	s.last = &rec

	var out []domain.CandidateRecord
	for _, side := range []domain.CandidateSide{domain.SideOfferer, domain.SideAnswerer} {
		list := ch.candidates[side]
		for i := s.next[side]; i < len(list); i++ {
			out = append(out, domain.CandidateRecord{
				CallID:    rec.CallID,
				Side:      side,
				Seq:       int64(i),
				Candidate: list[i],
			})
		}
		s.next[side] = len(list)
	}

	if !changed {
		return nil, false, out
	}
	delivered := rec
	return &delivered, true, out
}

// Close unsubscribes and drops any delivery still pending
func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)

		s.repo.mu.Lock()
		defer s.repo.mu.Unlock()
		if ch, ok := s.repo.channels[s.channelID]; ok {
			delete(ch.subs, s.id)
			s.repo.dropIfIdle(s.channelID, ch)
		}
	})
}
