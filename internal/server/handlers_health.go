package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/msu907/trackviz/internal/version"
)

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

// handleReadiness checks external collaborators. Without a relay the engine
// has none, so readiness reduces to process liveness.
func (s *Server) handleReadiness(c echo.Context) error {
	if s.relay != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		if err := s.relay.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":       "unhealthy",
				"failed_check": "relay",
				"error":        err.Error(),
			})
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// handleStatus serves the engine health snapshot for observability tooling.
func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.monitor.Snapshot())
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Get())
}

// handleInstances lists active engine instances when the relay is enabled.
func (s *Server) handleInstances(c echo.Context) error {
	if s.relay == nil {
		return c.JSON(http.StatusOK, map[string]any{"instances": []string{}, "relay": "disabled"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	details, err := s.relay.InstanceDetails(ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}

	instances := make([]string, 0, len(details))
	for _, info := range details {
		instances = append(instances, info.InstanceID)
	}

	return c.JSON(http.StatusOK, map[string]any{"instances": instances, "details": details})
}
