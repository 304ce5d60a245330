package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/msu907/trackviz/internal/domain"
	"github.com/msu907/trackviz/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards are served from arbitrary origins; access control is a
		// collaborator's concern, not the engine's.
		return true
	},
}

// handleWebSocket admits a dashboard client: connection limits, handshake
// capability detection, upgrade, then the read pump until disconnect.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	allowed, reason := s.limits.Acquire(ip)
	if !allowed {
		metrics.WebSocketConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		slog.Warn("WebSocket connection rejected", "ip", ip, "reason", reason)
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "connection limit reached"})
	}
	defer s.limits.Release(ip)

	// Capabilities bind once at handshake time and are never renegotiated.
	caps := domain.ParseCapabilities(c.QueryParams())

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	clientID, err := s.manager.Connect(conn, caps)
	if err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		slog.Error("Failed to register connection", "ip", ip, "error", err)
		_ = conn.Close()
		return nil
	}

	// Blocks until the connection drops; teardown happens inside.
	s.manager.ReadPump(clientID, conn)

	return nil
}
