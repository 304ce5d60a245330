package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/msu907/trackviz/internal/config"
	"github.com/msu907/trackviz/internal/connection"
	"github.com/msu907/trackviz/internal/domain"
	"github.com/msu907/trackviz/internal/health"
	"github.com/msu907/trackviz/internal/logging"
	"github.com/msu907/trackviz/internal/relay"
	"github.com/msu907/trackviz/internal/stream"
)

// RelayStatus is the slice of the broker relay the server exposes for
// readiness and ops listing. Nil when the relay is disabled.
type RelayStatus interface {
	Ping(ctx context.Context) error
	InstanceDetails(ctx context.Context) ([]relay.InstanceInfo, error)
}

// Server is the engine's HTTP surface: the websocket endpoint, the update
// ingestion entry point, and the operational endpoints.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	registry *stream.Registry
	manager  *connection.Manager
	monitor  *health.Monitor
	pusher   domain.UpdatePusher
	relay    RelayStatus
	limits   *ConnectionLimits

	startTime time.Time
}

// NewServer wires the HTTP surface. pusher receives ingested updates (the
// registry alone, or the registry plus the relay publisher); relay may be
// nil.
func NewServer(cfg *config.Config, registry *stream.Registry, manager *connection.Manager, monitor *health.Monitor, pusher domain.UpdatePusher, relay RelayStatus) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(correlationID())
	e.Use(requestLogger())

	srv := &Server{
		echo:     e,
		cfg:      cfg,
		registry: registry,
		manager:  manager,
		monitor:  monitor,
		pusher:   pusher,
		relay:    relay,
		limits: NewConnectionLimits(
			int64(cfg.MaxWebSocketConnections),
			cfg.MaxConnectionsPerIP,
			cfg.ConnectionRate,
			cfg.ConnectionBurst,
		),
		startTime: time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Server starting", "port", s.cfg.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.cfg.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// correlationID tags every request with a short correlation id, carried in
// the request context and echoed back in a response header.
func correlationID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get("X-Correlation-ID")
			if id == "" {
				id = logging.NewCorrelationID()
			}
			ctx := logging.WithCorrelationID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Response().Header().Set("X-Correlation-ID", id)
			return next(c)
		}
	}
}

// requestLogger logs each request through slog, skipping the high-frequency
// probe endpoints.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return path == "/health/live" || path == "/health/ready" || path == "/metrics"
		},
		LogStatus:  true,
		LogMethod:  true,
		LogURI:     true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.InfoContext(c.Request().Context(), "Request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	})
}
