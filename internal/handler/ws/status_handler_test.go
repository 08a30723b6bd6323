package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stablecall-backend/internal/domain"
	"stablecall-backend/internal/media"
	"stablecall-backend/internal/middleware"
	"stablecall-backend/internal/repository/memory"
	"stablecall-backend/internal/service/call"
)

const testOrigin = "https://app.example.com"

// quietPeer negotiates descriptions but never connects
type quietPeer struct{}

func (quietPeer) AttachLocalTracks(*call.TrackSet) error { return nil }
func (quietPeer) CreateLocalDescription(_ context.Context, intent domain.NegotiationPhase) (string, error) {
	return string(intent) + "-sdp", nil
}
func (quietPeer) ApplyRemoteDescription(call.Description) error      { return nil }
func (quietPeer) IngestRemoteCandidate(string) error                 { return nil }
func (quietPeer) OnLocalCandidate(func(string))                      {}
func (quietPeer) OnRemoteTrack(func(call.RemoteTrack))               {}
func (quietPeer) OnConnectionStateChange(func(call.ConnectionState)) {}
func (quietPeer) Close() error                                       { return nil }

type quietPeers struct{}

func (quietPeers) Create() (call.PeerConnection, error) { return quietPeer{}, nil }

func newStatusServer(t *testing.T, maxConns int) (*httptest.Server, *call.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mgr := call.NewManager(call.Deps{
		Signaling: memory.NewSignalingRepository(),
		Media:     media.NewStaticGateway(media.Policy{AllowAudio: true}),
		Peers:     quietPeers{},
	}, call.Config{RingTimeout: time.Minute, TeardownTimeout: time.Second})
	t.Cleanup(mgr.Close)

	hub := NewStatusHub(mgr, []string{testOrigin}, nil, maxConns)
	router := gin.New()
	router.GET("/ws/status", func(c *gin.Context) {
		id, err := uuid.Parse(c.Query("user"))
		if err == nil {
			c.Set(middleware.ContextUserID, id)
			c.Set(middleware.ContextDisplayName, c.Query("name"))
		}
		c.Next()
	}, hub.ServeWS)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func dial(t *testing.T, srv *httptest.Server, userID uuid.UUID, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status?user=" + userID.String() + "&name=Alice"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readUntil(t *testing.T, conn *websocket.Conn, kind call.StatusKind) StatusMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg StatusMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Status.Kind == kind {
			return msg
		}
	}
}

func TestStatusHub_StreamsStatus(t *testing.T) {
	srv, mgr := newStatusServer(t, 0)
	userID := uuid.New()

	conn, _, err := dial(t, srv, userID, testOrigin)
	require.NoError(t, err)

	first := readUntil(t, conn, call.StatusIdle)
	assert.Equal(t, "status", first.Type)
	assert.Empty(t, first.Status.ChannelID)

	reg, ok := mgr.Lookup(userID)
	require.True(t, ok)
	require.NoError(t, reg.Open(context.Background(), "chan-1"))

	msg := readUntil(t, conn, call.StatusIdle)
	assert.Equal(t, "chan-1", msg.Status.ChannelID)
}

func TestStatusHub_Commands(t *testing.T) {
	srv, mgr := newStatusServer(t, 0)
	alice, bob := uuid.New(), uuid.New()

	aliceReg, _ := mgr.Registry(alice, "Alice")
	require.NoError(t, aliceReg.Open(context.Background(), "chan-1"))

	conn, _, err := dial(t, srv, bob, testOrigin)
	require.NoError(t, err)
	bobReg, ok := mgr.Lookup(bob)
	require.True(t, ok)
	require.NoError(t, bobReg.Open(context.Background(), "chan-1"))

	_, err = aliceReg.StartCall(domain.MediaKindAudio)
	require.NoError(t, err)

	incoming := readUntil(t, conn, call.StatusIncomingCall)
	assert.Equal(t, "Alice", incoming.Status.InitiatorDisplayName)

	require.NoError(t, conn.WriteJSON(CommandMessage{Action: CommandAccept}))
	readUntil(t, conn, call.StatusNegotiating)

	require.NoError(t, conn.WriteJSON(CommandMessage{Action: CommandHangup}))
	ended := readUntil(t, conn, call.StatusEnded)
	assert.Equal(t, domain.EndReasonLocalHangup, ended.Status.Reason)
}

func TestStatusHub_RejectsForeignOrigin(t *testing.T) {
	srv, _ := newStatusServer(t, 0)

	_, resp, err := dial(t, srv, uuid.New(), "https://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = dial(t, srv, uuid.New(), "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusHub_Unauthenticated(t *testing.T) {
	srv, _ := newStatusServer(t, 0)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{testOrigin}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatusHub_ConnectionLimit(t *testing.T) {
	srv, _ := newStatusServer(t, 1)

	first, _, err := dial(t, srv, uuid.New(), testOrigin)
	require.NoError(t, err)
	readUntil(t, first, call.StatusIdle)

	_, resp, err := dial(t, srv, uuid.New(), testOrigin)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Closing the first connection frees its slot
	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool {
		conn, _, err := dial(t, srv, uuid.New(), testOrigin)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStatusHub_RegistryClosed(t *testing.T) {
	srv, mgr := newStatusServer(t, 0)
	userID := uuid.New()

	conn, _, err := dial(t, srv, userID, testOrigin)
	require.NoError(t, err)
	readUntil(t, conn, call.StatusIdle)

	mgr.Remove(userID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
