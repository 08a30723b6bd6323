package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"stablecall-backend/internal/middleware"
	"stablecall-backend/internal/service/call"
	"stablecall-backend/pkg/constants"
	"stablecall-backend/pkg/logger"
	"stablecall-backend/pkg/metrics"
)

// Client commands accepted on the status stream
const (
	CommandAccept = "accept"
	CommandReject = "reject"
	CommandHangup = "hangup"
)

// StatusMessage is one frame of the status stream
type StatusMessage struct {
	Type      string      `json:"type"`
	Status    call.Status `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// CommandMessage is a client frame
type CommandMessage struct {
	Action string `json:"action"`
}

// StatusHub streams each user's call status over WebSocket
type StatusHub struct {
	calls    *call.Manager
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	maxConnections int
	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
}

// StatusClient is one status stream connection
type StatusClient struct {
	hub    *StatusHub
	conn   *websocket.Conn
	reg    *call.Registry
	userID uuid.UUID

	statuses    <-chan call.Status
	unsubscribe func()
	closeOnce   sync.Once
}

// NewStatusHub creates a status hub. An empty origin is rejected; a nil
// metrics skips WebSocket metrics.
func NewStatusHub(calls *call.Manager, allowedOrigins []string, m *metrics.Metrics, maxConnections int) *StatusHub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	if maxConnections <= 0 {
		maxConnections = constants.MaxStatusConnections
	}

	return &StatusHub{
		calls:   calls,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return allowed[r.Header.Get("Origin")]
			},
		},
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}
}

// ServeWS upgrades the request and streams the caller's status
// GET /v1/calls/ws/status
func (h *StatusHub) ServeWS(c *gin.Context) {
	userIDVal, exists := c.Get(middleware.ContextUserID)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	reg, ok := h.calls.Registry(userID, c.GetString(middleware.ContextDisplayName))
	if !ok {
		<-h.semaphore
		c.JSON(http.StatusGone, gin.H{"error": "call service is shutting down"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		h.recordError("upgrade")
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	statuses, unsubscribe := reg.Subscribe()
	client := &StatusClient{
		hub:         h,
		conn:        conn,
		reg:         reg,
		userID:      userID,
		statuses:    statuses,
		unsubscribe: unsubscribe,
	}
	if h.metrics != nil {
		h.metrics.WebSocketConnected()
	}

	go client.writePump()
	go client.readPump()
}

func (h *StatusHub) recordError(kind string) {
	if h.metrics != nil {
		h.metrics.RecordWebSocketError(kind)
	}
}

func (h *StatusHub) recordMessage(msgType, direction string) {
	if h.metrics != nil {
		h.metrics.RecordWebSocketMessage(msgType, direction)
	}
}

// close releases the subscription and the connection slot, once
func (c *StatusClient) close() {
	c.closeOnce.Do(func() {
		c.unsubscribe()
		c.conn.Close()
		<-c.hub.semaphore
		if c.hub.metrics != nil {
			c.hub.metrics.WebSocketDisconnected()
		}
	})
}

// readPump handles client commands and notices the peer going away
func (c *StatusClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(constants.MaxStatusCommandSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var cmd CommandMessage
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.hub.recordError("invalid_message")
			logger.Warn("Invalid message format from WebSocket",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}
		c.hub.recordMessage(cmd.Action, "inbound")

		switch cmd.Action {
		case CommandAccept:
			err = c.reg.AcceptIncoming()
		case CommandReject:
			err = c.reg.RejectIncoming()
		case CommandHangup:
			c.reg.Hangup()
		default:
			logger.Debug("Unknown status stream command",
				zap.String("user_id", c.userID.String()),
				zap.String("action", cmd.Action))
		}
		if err != nil {
			// The next status frame reflects the real state; nothing to send back
			logger.Debug("Status stream command failed",
				zap.String("user_id", c.userID.String()),
				zap.String("action", cmd.Action),
				zap.Error(err))
		}
	}
}

// writePump forwards statuses and keeps the connection alive
func (c *StatusClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case st, ok := <-c.statuses:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				// Registry closed
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "call service closed"))
				return
			}

			if err := c.conn.WriteJSON(StatusMessage{Type: "status", Status: st, Timestamp: time.Now().UTC()}); err != nil {
				c.hub.recordError("write")
				return
			}
			c.hub.recordMessage(string(st.Kind), "outbound")

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
