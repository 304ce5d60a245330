package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/health/status", s.handleStatus)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/version", s.handleVersion)

	// Update ingestion (asset/reader services)
	s.echo.POST("/api/updates/:widgetId", s.handlePushUpdate)

	// Ops introspection
	s.echo.GET("/api/streams", s.handleStreams)
	s.echo.GET("/api/instances", s.handleInstances)

	// Dashboard clients
	s.echo.GET("/ws/viz", s.handleWebSocket)
}
