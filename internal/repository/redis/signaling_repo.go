package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"stablecall-backend/internal/database"
	"stablecall-backend/internal/domain"
	"stablecall-backend/internal/service/call"
	"stablecall-backend/pkg/constants"
	apperrors "stablecall-backend/pkg/errors"
	"stablecall-backend/pkg/logger"
	"stablecall-backend/pkg/metrics"
	"stablecall-backend/pkg/resilience"
)

// Hash fields of call:{channel_id}
const (
	fieldCallID           = "call_id"
	fieldChannelID        = "channel_id"
	fieldInitiatorID      = "initiator_id"
	fieldInitiatorName    = "initiator_display_name"
	fieldMediaKind        = "media_kind"
	fieldNegotiationPhase = "negotiation_phase"
	fieldOffer            = "offer_description"
	fieldAnswer           = "answer_description"
	fieldCreatedAt        = "created_at"
)

// KEYS: record, offer candidates, answer candidates
// ARGV: call_id, channel_id, initiator_id, display name, media kind, created_at, ttl ms
var reserveScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("DEL", KEYS[2], KEYS[3])
redis.call("HSET", KEYS[1],
	"call_id", ARGV[1], "channel_id", ARGV[2], "initiator_id", ARGV[3],
	"initiator_display_name", ARGV[4], "media_kind", ARGV[5],
	"negotiation_phase", "offer", "created_at", ARGV[6])
redis.call("PEXPIRE", KEYS[1], ARGV[7])
return 1
`)

// KEYS: record, offer candidates, answer candidates
// ARGV: as reserve, then offer description
var publishOfferScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], "call_id")
if current and current ~= ARGV[1] then
	return 0
end
if current and redis.call("HGET", KEYS[1], "negotiation_phase") ~= "offer" then
	return 0
end
if not current then
	redis.call("DEL", KEYS[2], KEYS[3])
	redis.call("HSET", KEYS[1],
		"call_id", ARGV[1], "channel_id", ARGV[2], "initiator_id", ARGV[3],
		"initiator_display_name", ARGV[4], "media_kind", ARGV[5],
		"negotiation_phase", "offer", "created_at", ARGV[6])
end
redis.call("HSET", KEYS[1], "offer_description", ARGV[8])
redis.call("PEXPIRE", KEYS[1], ARGV[7])
return 1
`)

// KEYS: record
// ARGV: call_id, answer description
var publishAnswerScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], "call_id")
if not current or current ~= ARGV[1] then
	return 0
end
if redis.call("HGET", KEYS[1], "negotiation_phase") == "answer" then
	return -1
end
if not redis.call("HGET", KEYS[1], "offer_description") then
	return 0
end
redis.call("HSET", KEYS[1], "negotiation_phase", "answer", "answer_description", ARGV[2])
return 1
`)

// KEYS: record, candidate list
// ARGV: call_id, entry, ttl ms
var appendCandidateScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], "call_id")
if not current or current ~= ARGV[1] then
	return -1
end
local n = redis.call("RPUSH", KEYS[2], ARGV[2])
redis.call("PEXPIRE", KEYS[2], ARGV[3])
return n
`)

// KEYS: record, offer candidates, answer candidates
// ARGV: call_id
var teardownScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], "call_id")
if not current or current ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1], KEYS[2], KEYS[3])
return 1
`)

// candidateEntry is one element of a candidate list
type candidateEntry struct {
	CallID    string `json:"call_id"`
	Candidate string `json:"candidate"`
}

// SignalingOptions tunes a SignalingRepository
type SignalingOptions struct {
	RecordTTL      time.Duration
	ResyncInterval time.Duration
	Breaker        *resilience.Breaker
	Metrics        *metrics.Metrics // optional, per-command latency
}

// SignalingRepository is the Redis-backed signaling channel.
// A call record is the hash call:{channel}, candidates are the lists
// call:{channel}:candidates:{offer|answer}, and every mutation is announced
// on the Pub/Sub channel call:{channel}:events.
type SignalingRepository struct {
	client  *database.RedisClient
	breaker *resilience.Breaker
	opts    SignalingOptions
	now     func() time.Time
}

var _ call.SignalingChannel = (*SignalingRepository)(nil)

// NewSignalingRepository creates a new SignalingRepository
func NewSignalingRepository(client *database.RedisClient, opts SignalingOptions) *SignalingRepository {
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = constants.CallRecordTTL
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = constants.SignalingResyncInterval
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewBreaker(resilience.DefaultConfig("redis_signaling"))
	}
	return &SignalingRepository{
		client:  client,
		breaker: opts.Breaker,
		opts:    opts,
		now:     time.Now,
	}
}

func recordKey(channelID string) string {
	return fmt.Sprintf("call:%s", channelID)
}

func candidatesKey(channelID string, side domain.CandidateSide) string {
	return fmt.Sprintf("call:%s:candidates:%s", channelID, side)
}

func eventsChannel(channelID string) string {
	return fmt.Sprintf("call:%s:events", channelID)
}

func (r *SignalingRepository) allKeys(channelID string) []string {
	return []string{
		recordKey(channelID),
		candidatesKey(channelID, domain.SideOfferer),
		candidatesKey(channelID, domain.SideAnswerer),
	}
}

func (r *SignalingRepository) offerArgs(offer *domain.Offer) []interface{} {
	return []interface{}{
		offer.CallID.String(),
		offer.ChannelID,
		offer.InitiatorID.String(),
		offer.InitiatorDisplayName,
		string(offer.MediaKind),
		r.now().UTC().Format(time.RFC3339Nano),
		r.opts.RecordTTL.Milliseconds(),
	}
}

// Reserve creates the channel's record without an offer description
func (r *SignalingRepository) Reserve(ctx context.Context, offer *domain.Offer) error {
	return r.write(ctx, "reserve", offer.ChannelID, func(ctx context.Context) error {
		res, err := r.client.SafeRunScript(ctx, reserveScript, r.allKeys(offer.ChannelID), r.offerArgs(offer)...).Int()
		if err != nil {
			return fmt.Errorf("failed to reserve channel: %w", err)
		}
		if res == 0 {
			return apperrors.ErrAlreadyActive
		}
		return nil
	})
}

// PublishOffer writes the offer description into the caller's reservation, or creates the record
func (r *SignalingRepository) PublishOffer(ctx context.Context, offer *domain.Offer) error {
	if offer.Description == "" {
		return apperrors.ValidationError("offer description is required")
	}
	args := append(r.offerArgs(offer), offer.Description)
	return r.write(ctx, "publish_offer", offer.ChannelID, func(ctx context.Context) error {
		res, err := r.client.SafeRunScript(ctx, publishOfferScript, r.allKeys(offer.ChannelID), args...).Int()
		if err != nil {
			return fmt.Errorf("failed to publish offer: %w", err)
		}
		if res == 0 {
			return apperrors.ErrAlreadyActive
		}
		return nil
	})
}

// PublishAnswer moves the record to the answer phase
func (r *SignalingRepository) PublishAnswer(ctx context.Context, channelID string, callID uuid.UUID, answer string) error {
	if answer == "" {
		return apperrors.ValidationError("answer description is required")
	}
	return r.write(ctx, "publish_answer", channelID, func(ctx context.Context) error {
		res, err := r.client.SafeRunScript(ctx, publishAnswerScript,
			[]string{recordKey(channelID)}, callID.String(), answer).Int()
		if err != nil {
			return fmt.Errorf("failed to publish answer: %w", err)
		}
		switch res {
		case 0:
			return apperrors.ErrNoSuchCall
		case -1:
			return apperrors.ErrAlreadyAnswered
		}
		return nil
	})
}

// AppendCandidate appends a candidate to the side's list
func (r *SignalingRepository) AppendCandidate(ctx context.Context, channelID string, callID uuid.UUID, side domain.CandidateSide, candidate string) error {
	if !side.Valid() {
		return apperrors.ValidationError(fmt.Sprintf("invalid candidate side %q", side))
	}
	entry, err := json.Marshal(candidateEntry{CallID: callID.String(), Candidate: candidate})
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}
	return r.write(ctx, "append_candidate", channelID, func(ctx context.Context) error {
		res, err := r.client.SafeRunScript(ctx, appendCandidateScript,
			[]string{recordKey(channelID), candidatesKey(channelID, side)},
			callID.String(), string(entry), r.opts.RecordTTL.Milliseconds()).Int()
		if err != nil {
			return fmt.Errorf("failed to append candidate: %w", err)
		}
		if res < 0 {
			return apperrors.ErrNoSuchCall
		}
		return nil
	})
}

// Teardown deletes the record and both candidate lists if they still belong to callID
func (r *SignalingRepository) Teardown(ctx context.Context, channelID string, callID uuid.UUID) error {
	return r.write(ctx, "teardown", channelID, func(ctx context.Context) error {
		_, err := r.client.SafeRunScript(ctx, teardownScript, r.allKeys(channelID), callID.String()).Int()
		if err != nil {
			return fmt.Errorf("failed to tear down call: %w", err)
		}
		return nil
	})
}

// write runs a conditional write under the circuit breaker and announces it on success
func (r *SignalingRepository) write(ctx context.Context, op, channelID string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := r.breaker.Execute(ctx, op, fn)
	metrics.CallSignalingOpsTotal.WithLabelValues(op, opStatus(err)).Inc()
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordRedisCommand(op, time.Since(start), err)
	}
	if err != nil {
		return err
	}

	if err := r.client.SafePublish(ctx, eventsChannel(channelID), op).Err(); err != nil {
		// Subscribers pick the change up on their next resync
		logger.Warn("Failed to announce signaling change",
			zap.String("channel_id", channelID),
			zap.String("op", op),
			zap.Error(err))
	}
	return nil
}

func opStatus(err error) string {
	if err == nil {
		return "success"
	}
	if code := apperrors.CodeOf(err); code != apperrors.ErrCodeInternal {
		return string(code)
	}
	return "error"
}

// loadRecord reads the channel's record; absent and malformed records both yield nil
func (r *SignalingRepository) loadRecord(ctx context.Context, channelID string) (*domain.CallRecord, error) {
	fields, err := r.client.SafeHGetAll(ctx, recordKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load call record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec, err := parseRecord(fields)
	if err != nil {
		logger.Warn("Ignoring malformed call record",
			zap.String("channel_id", channelID),
			zap.Error(err))
		return nil, nil
	}
	return rec, nil
}

func parseRecord(fields map[string]string) (*domain.CallRecord, error) {
	callID, err := uuid.Parse(fields[fieldCallID])
	if err != nil {
		return nil, fmt.Errorf("invalid call_id: %w", err)
	}
	initiatorID, err := uuid.Parse(fields[fieldInitiatorID])
	if err != nil {
		return nil, fmt.Errorf("invalid initiator_id: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}

	rec := &domain.CallRecord{
		CallID:               callID,
		ChannelID:            fields[fieldChannelID],
		InitiatorID:          initiatorID,
		InitiatorDisplayName: fields[fieldInitiatorName],
		MediaKind:            domain.MediaKind(fields[fieldMediaKind]),
		NegotiationPhase:     domain.NegotiationPhase(fields[fieldNegotiationPhase]),
		OfferDescription:     fields[fieldOffer],
		AnswerDescription:    fields[fieldAnswer],
		CreatedAt:            createdAt,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Subscribe watches the channel's record and candidate lists
func (r *SignalingRepository) Subscribe(ctx context.Context, channelID string, onRecord func(*domain.CallRecord), onCandidate func(domain.CandidateRecord)) (call.Subscription, error) {
	// Subscribe before the first read so no change between the two is missed
	pubsub, err := r.client.SafeSubscribe(ctx, eventsChannel(channelID))
	if err != nil {
		return nil, apperrors.SignalingError(fmt.Errorf("failed to subscribe to %s: %w", channelID, err))
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		repo:        r,
		channelID:   channelID,
		pubsub:      pubsub,
		onRecord:    onRecord,
		onCandidate: onCandidate,
		ctx:         subCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		first:       true,
	}

	initial, err := s.poll(ctx)
	if err != nil {
		cancel()
		pubsub.Close()
		return nil, apperrors.SignalingError(err)
	}

	metrics.CallSignalingSubscriptionsActive.Inc()
	go s.run(initial)
	return s, nil
}

// delivery is the set of changes one poll found
type delivery struct {
	recordChanged bool
	record        *domain.CallRecord
	candidates    []domain.CandidateRecord
}

func (d delivery) empty() bool {
	return !d.recordChanged && len(d.candidates) == 0
}

// subscription tracks what it has already delivered. Cursor state is owned by
// the run goroutine after Subscribe returns.
type subscription struct {
	repo        *SignalingRepository
	channelID   string
	pubsub      *goredis.PubSub
	onRecord    func(*domain.CallRecord)
	onCandidate func(domain.CandidateRecord)

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	first bool
	last  *domain.CallRecord
	next  map[domain.CandidateSide]int64
}

func (s *subscription) run(initial delivery) {
	defer close(s.done)
	defer metrics.CallSignalingSubscriptionsActive.Dec()

	s.deliver(initial)

	events := s.pubsub.Channel()
	ticker := time.NewTicker(s.repo.opts.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			s.refresh(false)
		case <-ticker.C:
			s.refresh(true)
		}
	}
}

func (s *subscription) refresh(resync bool) {
	ctx, cancel := context.WithTimeout(s.ctx, constants.DefaultTimeout)
	defer cancel()

	d, err := s.poll(ctx)
	if err != nil {
		if s.ctx.Err() == nil && !errors.Is(err, database.ErrDegraded) {
			logger.Warn("Signaling refresh failed",
				zap.String("channel_id", s.channelID),
				zap.Error(err))
		}
		return
	}
	if resync && !d.empty() {
		metrics.CallSignalingResyncTotal.Inc()
	}
	s.deliver(d)
}

// poll reads the record and any candidates past the cursors
func (s *subscription) poll(ctx context.Context) (delivery, error) {
	var d delivery

	rec, err := s.repo.loadRecord(ctx, s.channelID)
	if err != nil {
		return d, err
	}

	if rec == nil {
		if s.first || s.last != nil {
			d.recordChanged = true
		}
		s.first = false
		s.last = nil
		s.next = nil
		return d, nil
	}

	if s.last == nil || s.last.CallID != rec.CallID {
		s.next = map[domain.CandidateSide]int64{}
	}
	if s.first || s.last == nil || !sameRecord(s.last, rec) {
		d.recordChanged = true
		d.record = rec
	}
	s.first = false
	s.last = rec

	for _, side := range []domain.CandidateSide{domain.SideOfferer, domain.SideAnswerer} {
		entries, err := s.repo.client.SafeLRange(ctx, candidatesKey(s.channelID, side), s.next[side], -1).Result()
		if err != nil {
			return d, fmt.Errorf("failed to read candidates: %w", err)
		}
		for _, raw := range entries {
			var entry candidateEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				logger.Warn("Skipping malformed candidate entry",
					zap.String("channel_id", s.channelID),
					zap.Error(err))
				s.next[side]++
				continue
			}
			// Entries from a newer call: stop and pick them up once its record is read
			if entry.CallID != rec.CallID.String() {
				break
			}
			d.candidates = append(d.candidates, domain.CandidateRecord{
				CallID:    rec.CallID,
				Side:      side,
				Seq:       s.next[side],
				Candidate: entry.Candidate,
			})
			s.next[side]++
		}
	}

	return d, nil
}

func (s *subscription) deliver(d delivery) {
	if d.recordChanged && s.ctx.Err() == nil {
		var rec *domain.CallRecord
		if d.record != nil {
			cp := *d.record
			rec = &cp
		}
		s.onRecord(rec)
	}
	for _, c := range d.candidates {
		if s.ctx.Err() != nil {
			return
		}
		s.onCandidate(c)
	}
}

// Close unsubscribes and drops any delivery still pending
func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.pubsub.Close(); err != nil {
			logger.Debug("Failed to close signaling pubsub",
				zap.String("channel_id", s.channelID),
				zap.Error(err))
		}
	})
}

func sameRecord(a, b *domain.CallRecord) bool {
	return a.CallID == b.CallID &&
		a.NegotiationPhase == b.NegotiationPhase &&
		a.OfferDescription == b.OfferDescription &&
		a.AnswerDescription == b.AnswerDescription
}
