package call_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"stablecall-backend/internal/domain"
	"stablecall-backend/internal/repository/memory"
	"stablecall-backend/internal/service/call"
	apperrors "stablecall-backend/pkg/errors"
)

// fakeTrack is a local or remote media track
type fakeTrack struct {
	id   string
	kind call.TrackKind
}

func (t fakeTrack) ID() string           { return t.id }
func (t fakeTrack) StreamID() string     { return "stream-" + t.id }
func (t fakeTrack) Kind() call.TrackKind { return t.kind }

// fakeMedia hands out fake track sets and counts device use
type fakeMedia struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (m *fakeMedia) Acquire(ctx context.Context, kind domain.MediaKind) (*call.TrackSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.acquired++
	tracks := []call.Track{fakeTrack{id: fmt.Sprintf("mic-%d", m.acquired), kind: call.TrackKindAudio}}
	if kind == domain.MediaKindVideo {
		tracks = append(tracks, fakeTrack{id: fmt.Sprintf("cam-%d", m.acquired), kind: call.TrackKindVideo})
	}
	return &call.TrackSet{Kind: kind, Tracks: tracks}, nil
}

func (m *fakeMedia) Release(set *call.TrackSet) {
	if set == nil || !set.MarkReleased() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
}

func (m *fakeMedia) counts() (acquired, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.released
}

// fakePeer simulates a transport: it trickles candidates after its local
// description and connects once both descriptions are set
type fakePeer struct {
	name       string
	candidates int
	rng        *rand.Rand

	mu        sync.Mutex
	local     string
	remote    string
	remoteSet bool
	ingested  []string
	early     int
	emitted   []string
	closed    bool
	onCand    func(string)
	onTrack   func(call.RemoteTrack)
	onState   func(call.ConnectionState)
}

func (p *fakePeer) AttachLocalTracks(set *call.TrackSet) error {
	if set == nil {
		return fmt.Errorf("no tracks")
	}
	return nil
}

func (p *fakePeer) CreateLocalDescription(ctx context.Context, intent domain.NegotiationPhase) (string, error) {
	p.mu.Lock()
	p.local = fmt.Sprintf("%s-sdp-%s", intent, p.name)
	ready := p.remoteSet
	n := p.candidates
	p.mu.Unlock()

	go p.emitCandidates(n)
	if ready {
		go p.connect()
	}
	return p.local, nil
}

func (p *fakePeer) ApplyRemoteDescription(desc call.Description) error {
	p.mu.Lock()
	if p.remoteSet {
		p.mu.Unlock()
		return apperrors.ErrNegotiationMismatch
	}
	p.remoteSet = true
	p.remote = desc.SDP
	ready := p.local != ""
	p.mu.Unlock()

	if ready {
		go p.connect()
	}
	return nil
}

func (p *fakePeer) IngestRemoteCandidate(candidate string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		p.early++
		return apperrors.ErrNoRemoteDescription
	}
	p.ingested = append(p.ingested, candidate)
	return nil
}

func (p *fakePeer) OnLocalCandidate(fn func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCand = fn
}

func (p *fakePeer) OnRemoteTrack(fn func(call.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePeer) OnConnectionStateChange(fn func(call.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) emitCandidates(n int) {
	for i := 0; i < n; i++ {
		p.mu.Lock()
		delay := time.Duration(p.rng.Intn(3)) * time.Millisecond
		p.mu.Unlock()
		time.Sleep(delay)

		c := fmt.Sprintf("%s-cand-%d", p.name, i)
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.emitted = append(p.emitted, c)
		fn := p.onCand
		p.mu.Unlock()
		fn(c)
	}
}

func (p *fakePeer) connect() {
	p.mu.Lock()
	closed := p.closed
	onState, onTrack := p.onState, p.onTrack
	p.mu.Unlock()
	if closed {
		return
	}
	onState(call.ConnectionStateConnected)
	onTrack(fakeTrack{id: "remote-" + p.name, kind: call.TrackKindAudio})
}

// setState injects a transport state change
func (p *fakePeer) setState(st call.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePeer) snapshot() (ingested, emitted []string, early int, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ingested...), append([]string(nil), p.emitted...), p.early, p.closed
}

// fakePeers creates fakePeer handles
type fakePeers struct {
	name       string
	candidates int
	seed       int64

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) Create() (call.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{
		name:       f.name,
		candidates: f.candidates,
		rng:        rand.New(rand.NewSource(f.seed + int64(len(f.peers)))),
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// MockCallLogStore is a mock implementation of CallLogStore
type MockCallLogStore struct {
	mock.Mock
}

func (m *MockCallLogStore) Save(ctx context.Context, entry *domain.CallLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

// failingSignaling wraps a memory channel and fails selected operations
type failingSignaling struct {
	*memory.SignalingRepository
	reserveErr  error
	teardownErr error
}

func (f *failingSignaling) Reserve(ctx context.Context, offer *domain.Offer) error {
	if f.reserveErr != nil {
		return f.reserveErr
	}
	return f.SignalingRepository.Reserve(ctx, offer)
}

func (f *failingSignaling) Teardown(ctx context.Context, channelID string, callID uuid.UUID) error {
	if f.teardownErr != nil {
		return f.teardownErr
	}
	return f.SignalingRepository.Teardown(ctx, channelID, callID)
}

// agent is one simulated user with its own devices and registry
type agent struct {
	id    uuid.UUID
	name  string
	media *fakeMedia
	peers *fakePeers
	reg   *call.Registry
}

func newAgent(t *testing.T, sig call.SignalingChannel, name string, cfg call.Config, candidates int, seed int64) *agent {
	t.Helper()
	a := &agent{
		id:    uuid.New(),
		name:  name,
		media: &fakeMedia{},
		peers: &fakePeers{name: name, candidates: candidates, seed: seed},
	}
	a.reg = call.NewRegistry(call.Deps{
		Signaling: sig,
		Media:     a.media,
		Peers:     a.peers,
	}, cfg, call.Participant{UserID: a.id, DisplayName: name})
	t.Cleanup(a.reg.Close)
	return a
}

func testConfig(ring time.Duration) call.Config {
	return call.Config{RingTimeout: ring, TeardownTimeout: time.Second}
}

// statusCounter counts statuses emitted by a single session
type statusCounter struct {
	mu   sync.Mutex
	seen []call.Status
}

func (c *statusCounter) record(st call.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, st)
}

func (c *statusCounter) count(kind call.StatusKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.seen {
		if st.Kind == kind {
			n++
		}
	}
	return n
}
