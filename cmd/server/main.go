package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/msu907/trackviz/internal/config"
	"github.com/msu907/trackviz/internal/connection"
	"github.com/msu907/trackviz/internal/domain"
	"github.com/msu907/trackviz/internal/health"
	"github.com/msu907/trackviz/internal/logging"
	"github.com/msu907/trackviz/internal/relay"
	"github.com/msu907/trackviz/internal/server"
	"github.com/msu907/trackviz/internal/stream"
	"github.com/msu907/trackviz/internal/version"
)

// multiPusher fans one ingested update out to several pushers, letting the
// ingestion path feed the local registry and the relay with a single call.
type multiPusher []domain.UpdatePusher

func (m multiPusher) PushUpdate(widgetID string, payload []byte, priority domain.Priority) {
	for _, p := range m {
		p.PushUpdate(widgetID, payload, priority)
	}
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRelay(cfg *config.Config, registry *stream.Registry, clock clockwork.Clock) *relay.Relay {
	rel, err := relay.New(cfg.RedisURL, cfg.InstanceID, version.Get().Version, registry, clock)
	if err != nil {
		logging.WithError(err).Error("Failed to connect to Redis")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rel.Ping(ctx); err != nil {
		logging.WithError(err).Error("Redis ping failed")
		os.Exit(1)
	}

	return rel
}

func runGracefulShutdown(srv *server.Server, registry *stream.Registry, manager *connection.Manager, rel *relay.Relay, relayCancel context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Pipelines flush into the manager's frame pool, so the registry
		// must go quiet before the manager shuts the pool down.
		registry.Stop()
		manager.Stop()

		if rel != nil {
			relayCancel()
			if err := rel.Close(); err != nil {
				slog.Error("Failed to close relay", "error", err)
			}
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	version.PublishBuildInfo()
	slog.Info("Engine starting", "env", cfg.AppEnv, "port", cfg.Port, "instance_id", cfg.InstanceID)

	monitor := health.NewMonitor(clock)

	registry := stream.NewRegistry(stream.Config{
		MaxBufferSize:     cfg.MaxBufferSize,
		DefaultBufferSize: cfg.DefaultBufferSize,
		DebounceWindow:    cfg.DebounceWindow,
		ThrottleSpacing:   cfg.ThrottleSpacing,
		BatchWindow:       cfg.BatchWindow,
		BatchMaxSize:      cfg.BatchMaxSize,
		ReplayBufferSize:  cfg.ReplayBufferSize,
		IdleThreshold:     cfg.IdleSubscriptionThreshold,
		ReaperInterval:    cfg.ReaperInterval,
	}, monitor, clock)

	manager := connection.NewManager(connection.Config{
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		CompressionThreshold: cfg.CompressionThreshold,
		FrameWorkers:         cfg.FrameWorkers,
	}, registry, monitor, clock)

	registry.Start(manager)
	manager.Start()

	// The relay is optional: without REDIS_URL the engine runs single-instance
	// and ingestion feeds the registry alone.
	var (
		rel         *relay.Relay
		relayCancel context.CancelFunc  = func() {}
		pusher      domain.UpdatePusher = registry
	)
	if cfg.RedisURL != "" {
		rel = setupRelay(cfg, registry, clock)

		var relayCtx context.Context
		relayCtx, relayCancel = context.WithCancel(context.Background())
		go func() {
			if err := rel.Run(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Relay stopped", "error", err)
			}
		}()

		pusher = multiPusher{registry, rel.Publisher()}
		slog.Info("Relay enabled", "instance_id", cfg.InstanceID)
	}

	// Pass nil explicitly when the relay is disabled to avoid a typed-nil
	// interface.
	var srv *server.Server
	if rel != nil {
		srv = server.NewServer(cfg, registry, manager, monitor, pusher, rel)
	} else {
		srv = server.NewServer(cfg, registry, manager, monitor, pusher, nil)
	}

	done := runGracefulShutdown(srv, registry, manager, rel, relayCancel)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
