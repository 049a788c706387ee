package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/talefront/aegis/internal/wsguard"
	"github.com/talefront/aegis/pkg/errors"
)

// handleWebSocket upgrades a guarded realtime connection. Every inbound
// frame passes through the guard; "ping" frames count as heartbeats.
func (s *Server) handleWebSocket(c *gin.Context) {
	userID := c.Query("user_id")
	deviceHash := c.Query("device_hash")
	if userID == "" || deviceHash == "" {
		respondError(c, errors.NewValidation("user_id", "user_id and device_hash are required"))
		return
	}

	ctx := c.Request.Context()
	connID := uuid.NewString()
	tier := s.tiers.GetTier(ctx, userID)

	verdict, err := s.guard.OnConnect(ctx, connID, userID, deviceHash, tier)
	if err != nil {
		respondError(c, err)
		return
	}
	if !verdict.Allowed {
		s.countViolation(verdict.Reason)
		c.JSON(http.StatusTooManyRequests, gin.H{"reason": verdict.Reason})
		return
	}

	upgrader := wsguard.Upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error; release the slot.
		_ = s.guard.OnDisconnect(ctx, connID, false)
		return
	}
	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
	}

	// Ping control frames never surface from ReadMessage; gorilla routes
	// them to the ping handler.
	conn.SetPingHandler(func(appData string) error {
		if _, err := s.guard.OnHeartbeat(connID); err != nil {
			s.logger.Warn("ws heartbeat failed", zap.String("conn_id", connID), zap.Error(err))
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	forced := false
	defer func() {
		if s.metrics != nil {
			s.metrics.WSConnections.Dec()
		}
		if err := s.guard.OnDisconnect(ctx, connID, forced); err != nil {
			s.logger.Warn("ws disconnect bookkeeping failed", zap.String("conn_id", connID), zap.Error(err))
		}
		_ = conn.Close()
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.TextMessage && string(payload) == "ping" {
			verdict, err = s.guard.OnHeartbeat(connID)
		} else {
			verdict, err = s.guard.OnMessage(ctx, connID, len(payload))
		}
		if err != nil {
			s.logger.Warn("ws guard error", zap.String("conn_id", connID), zap.Error(err))
			continue
		}
		if verdict.Disconnect {
			s.countViolation(verdict.Reason)
			forced = true
			_ = conn.WriteMessage(websocket.CloseMessage, wsguard.CloseFrame(verdict.Reason))
			return
		}
		if !verdict.Allowed {
			s.countViolation(verdict.Reason)
			_ = conn.WriteJSON(gin.H{"ok": false, "reason": verdict.Reason})
			continue
		}
		if err := conn.WriteJSON(gin.H{"ok": true}); err != nil {
			return
		}
	}
}

func (s *Server) countViolation(kind string) {
	if s.metrics == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	s.metrics.WSViolationsTotal.WithLabelValues(kind).Inc()
}
