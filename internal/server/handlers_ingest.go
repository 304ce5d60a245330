package server

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/msu907/trackviz/internal/domain"
)

// maxUpdateBytes bounds ingested payload size.
const maxUpdateBytes = 1 << 20

// handlePushUpdate is the ingestion entry point for asset/reader services.
// Fire and forget: a well-formed request is always accepted with 202, and
// any downstream transform failure or backpressure drop is only visible in
// the health counters.
func (s *Server) handlePushUpdate(c echo.Context) error {
	widgetID := c.Param("widgetId")
	if widgetID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "widget id is required"})
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxUpdateBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read payload"})
	}
	if len(payload) > maxUpdateBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
	}

	priority := domain.ParsePriority(c.QueryParam("priority"))
	s.pusher.PushUpdate(widgetID, payload, priority)

	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleStreams reports live registry totals for operational tooling.
func (s *Server) handleStreams(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.Stats())
}
