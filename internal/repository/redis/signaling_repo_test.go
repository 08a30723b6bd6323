package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stablecall-backend/internal/database"
	"stablecall-backend/internal/domain"
	apperrors "stablecall-backend/pkg/errors"
	"stablecall-backend/pkg/resilience"
)

func newTestRepo(t *testing.T) (*SignalingRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := database.NewRedisFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	breakerCfg := resilience.DefaultConfig("test_signaling_" + t.Name())
	repo := NewSignalingRepository(client, SignalingOptions{
		RecordTTL:      time.Hour,
		ResyncInterval: 20 * time.Millisecond,
		Breaker:        resilience.NewBreaker(breakerCfg),
	})
	return repo, mr
}

func newOffer(channelID string) *domain.Offer {
	return &domain.Offer{
		CallID:               uuid.New(),
		ChannelID:            channelID,
		InitiatorID:          uuid.New(),
		InitiatorDisplayName: "Alice",
		MediaKind:            domain.MediaKindAudio,
	}
}

// recorder collects subscription deliveries
type recorder struct {
	mu         sync.Mutex
	records    []*domain.CallRecord
	candidates []domain.CandidateRecord
}

func (r *recorder) onRecord(rec *domain.CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) onCandidate(c domain.CandidateRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates = append(r.candidates, c)
}

func (r *recorder) lastRecord() (*domain.CallRecord, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return nil, 0
	}
	return r.records[len(r.records)-1], len(r.records)
}

func (r *recorder) candidateList() []domain.CandidateRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CandidateRecord(nil), r.candidates...)
}

func TestReserve_AtMostOneRecordPerChannel(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	first := newOffer("chan-1")
	second := newOffer("chan-1")

	require.NoError(t, repo.Reserve(ctx, first))
	err := repo.Reserve(ctx, second)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyActive))

	second.Description = "v=0 other"
	err = repo.PublishOffer(ctx, second)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyActive))

	first.Description = "v=0 offer"
	require.NoError(t, repo.PublishOffer(ctx, first))

	rec, err := repo.loadRecord(ctx, "chan-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, first.CallID, rec.CallID)
	assert.Equal(t, domain.PhaseOffer, rec.NegotiationPhase)
	assert.Equal(t, "v=0 offer", rec.OfferDescription)
	assert.Equal(t, "Alice", rec.InitiatorDisplayName)
}

func TestPublishOffer_WithoutReservation(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()

	offer := newOffer("chan-1")
	offer.Description = "v=0 offer"
	require.NoError(t, repo.PublishOffer(ctx, offer))

	assert.True(t, mr.Exists("call:chan-1"))
	assert.True(t, mr.TTL("call:chan-1") > 0)
}

func TestPublishAnswer(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	err := repo.PublishAnswer(ctx, "chan-1", uuid.New(), "v=0 answer")
	assert.True(t, errors.Is(err, apperrors.ErrNoSuchCall))

	offer := newOffer("chan-1")
	require.NoError(t, repo.Reserve(ctx, offer))

	// A reservation has nothing to answer yet
	err = repo.PublishAnswer(ctx, "chan-1", offer.CallID, "v=0 answer")
	assert.True(t, errors.Is(err, apperrors.ErrNoSuchCall))

	offer.Description = "v=0 offer"
	require.NoError(t, repo.PublishOffer(ctx, offer))

	err = repo.PublishAnswer(ctx, "chan-1", uuid.New(), "v=0 answer")
	assert.True(t, errors.Is(err, apperrors.ErrNoSuchCall))

	require.NoError(t, repo.PublishAnswer(ctx, "chan-1", offer.CallID, "v=0 answer"))

	err = repo.PublishAnswer(ctx, "chan-1", offer.CallID, "v=0 answer again")
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyAnswered))

	rec, err := repo.loadRecord(ctx, "chan-1")
	require.NoError(t, err)
	assert.True(t, rec.Answered())
	assert.Equal(t, "v=0 answer", rec.AnswerDescription)
}

func TestAppendCandidate_AfterTeardown(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()

	offer := newOffer("chan-1")
	require.NoError(t, repo.Reserve(ctx, offer))
	require.NoError(t, repo.AppendCandidate(ctx, "chan-1", offer.CallID, domain.SideOfferer, "c1"))
	assert.True(t, mr.Exists("call:chan-1:candidates:offer"))

	require.NoError(t, repo.Teardown(ctx, "chan-1", offer.CallID))
	assert.False(t, mr.Exists("call:chan-1"))
	assert.False(t, mr.Exists("call:chan-1:candidates:offer"))

	err := repo.AppendCandidate(ctx, "chan-1", offer.CallID, domain.SideOfferer, "c2")
	assert.True(t, errors.Is(err, apperrors.ErrNoSuchCall))

	err = repo.AppendCandidate(ctx, "chan-1", offer.CallID, domain.CandidateSide("middle"), "c3")
	assert.Error(t, err)
}

func TestTeardown_IgnoresOtherCalls(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()

	offer := newOffer("chan-1")
	require.NoError(t, repo.Reserve(ctx, offer))

	require.NoError(t, repo.Teardown(ctx, "chan-1", uuid.New()))
	assert.True(t, mr.Exists("call:chan-1"))

	// Repeated teardown is harmless
	require.NoError(t, repo.Teardown(ctx, "chan-1", offer.CallID))
	require.NoError(t, repo.Teardown(ctx, "chan-1", offer.CallID))
	assert.False(t, mr.Exists("call:chan-1"))
}

func TestLoadRecord_MalformedIsAbsent(t *testing.T) {
	repo, mr := newTestRepo(t)

	mr.HSet("call:chan-1", "call_id", "not-a-uuid", "negotiation_phase", "offer")
	rec, err := repo.loadRecord(context.Background(), "chan-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	mr.HSet("call:chan-1",
		"call_id", uuid.NewString(),
		"channel_id", "chan-1",
		"initiator_id", uuid.NewString(),
		"media_kind", "hologram",
		"negotiation_phase", "offer",
		"created_at", time.Now().UTC().Format(time.RFC3339Nano))
	rec, err = repo.loadRecord(context.Background(), "chan-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSubscribe_DeliversRecordAndCandidates(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	rec := &recorder{}

	sub, err := repo.Subscribe(ctx, "chan-1", rec.onRecord, rec.onCandidate)
	require.NoError(t, err)
	defer sub.Close()

	// Initial delivery reports the absent record
	assert.Eventually(t, func() bool {
		last, n := rec.lastRecord()
		return n == 1 && last == nil
	}, time.Second, 5*time.Millisecond)

	offer := newOffer("chan-1")
	offer.Description = "v=0 offer"
	require.NoError(t, repo.PublishOffer(ctx, offer))
	for _, c := range []string{"c0", "c1", "c2"} {
		require.NoError(t, repo.AppendCandidate(ctx, "chan-1", offer.CallID, domain.SideOfferer, c))
	}
	require.NoError(t, repo.AppendCandidate(ctx, "chan-1", offer.CallID, domain.SideAnswerer, "a0"))

	assert.Eventually(t, func() bool {
		last, _ := rec.lastRecord()
		return last != nil && last.CallID == offer.CallID && len(rec.candidateList()) == 4
	}, time.Second, 5*time.Millisecond)

	var offered []string
	for _, c := range rec.candidateList() {
		assert.Equal(t, offer.CallID, c.CallID)
		if c.Side == domain.SideOfferer {
			assert.Equal(t, int64(len(offered)), c.Seq)
			offered = append(offered, c.Candidate)
		}
	}
	assert.Equal(t, []string{"c0", "c1", "c2"}, offered)

	require.NoError(t, repo.Teardown(ctx, "chan-1", offer.CallID))
	assert.Eventually(t, func() bool {
		last, n := rec.lastRecord()
		return n >= 3 && last == nil
	}, time.Second, 5*time.Millisecond)

	// Resyncs never redeliver candidates
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, rec.candidateList(), 4)
}

func TestSubscribe_ResyncPicksUpUnannouncedChanges(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()
	rec := &recorder{}

	sub, err := repo.Subscribe(ctx, "chan-1", rec.onRecord, rec.onCandidate)
	require.NoError(t, err)
	defer sub.Close()

	callID := uuid.New()
	mr.HSet("call:chan-1",
		"call_id", callID.String(),
		"channel_id", "chan-1",
		"initiator_id", uuid.NewString(),
		"initiator_display_name", "Bob",
		"media_kind", "video",
		"negotiation_phase", "offer",
		"offer_description", "v=0 offer",
		"created_at", time.Now().UTC().Format(time.RFC3339Nano))

	assert.Eventually(t, func() bool {
		last, _ := rec.lastRecord()
		return last != nil && last.CallID == callID && last.MediaKind == domain.MediaKindVideo
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribe_ExistingCallDeliveredOnSubscribe(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	offer := newOffer("chan-1")
	offer.Description = "v=0 offer"
	require.NoError(t, repo.PublishOffer(ctx, offer))
	require.NoError(t, repo.AppendCandidate(ctx, "chan-1", offer.CallID, domain.SideOfferer, "c0"))

	rec := &recorder{}
	sub, err := repo.Subscribe(ctx, "chan-1", rec.onRecord, rec.onCandidate)
	require.NoError(t, err)
	defer sub.Close()

	assert.Eventually(t, func() bool {
		last, _ := rec.lastRecord()
		return last != nil && len(rec.candidateList()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribe_CloseStopsDelivery(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	rec := &recorder{}

	sub, err := repo.Subscribe(ctx, "chan-1", rec.onRecord, rec.onCandidate)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, n := rec.lastRecord()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	sub.Close()
	sub.Close()

	offer := newOffer("chan-1")
	require.NoError(t, repo.Reserve(ctx, offer))
	time.Sleep(60 * time.Millisecond)

	_, n := rec.lastRecord()
	assert.Equal(t, 1, n)
}

func TestSubscribe_DegradedRedis(t *testing.T) {
	repo, mr := newTestRepo(t)

	mr.SetError("LOADING")
	_ = repo.client.HealthCheck(context.Background())
	require.True(t, repo.client.IsDegraded())

	_, err := repo.Subscribe(context.Background(), "chan-1", func(*domain.CallRecord) {}, func(domain.CandidateRecord) {})
	assert.Equal(t, apperrors.ErrCodeSignalingBackend, apperrors.CodeOf(err))

	err = repo.Reserve(context.Background(), newOffer("chan-1"))
	assert.Equal(t, apperrors.ErrCodeSignalingBackend, apperrors.CodeOf(err))
}
