// Package main is the crewd server entry point. One binary runs the REST
// API, the WebSocket streaming gateway, and the execution kernel.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crew-dev/crewd/internal/common/config"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/execution"
	"github.com/crew-dev/crewd/internal/execution/bus"
	"github.com/crew-dev/crewd/internal/expertise"
	gatewayhttp "github.com/crew-dev/crewd/internal/gateway/http"
	gatewayws "github.com/crew-dev/crewd/internal/gateway/websocket"
	"github.com/crew-dev/crewd/internal/kernel"
	"github.com/crew-dev/crewd/internal/memory"
	"github.com/crew-dev/crewd/internal/orchestrator"
	"github.com/crew-dev/crewd/internal/session"
	"github.com/crew-dev/crewd/internal/supervisor"
	"github.com/crew-dev/crewd/internal/telemetry"
	"github.com/crew-dev/crewd/internal/usage"
	"github.com/crew-dev/crewd/pkg/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting crewd...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := telemetry.Init(ctx, cfg.Telemetry); err != nil {
		log.Warn("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetry.Shutdown(context.Background())

	// Session store
	store, err := session.NewStore(cfg.Store.Dir, log)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}

	// Session broadcast (in-memory, or NATS when configured)
	broadcaster, err := bus.NewBroadcaster(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize session broadcaster", zap.Error(err))
	}
	defer broadcaster.Close()

	// Usage recorder (optional)
	recorder, err := usage.NewRecorder(cfg.Usage.Path, log)
	if err != nil {
		log.Warn("Usage recording disabled", zap.Error(err))
		recorder = nil
	}
	defer recorder.Close()

	// Execution registry and its TTL sweeper
	registry := execution.NewRegistry(execution.RegistryConfig{
		MaxActive:     cfg.Limits.MaxActiveExecutions,
		TTL:           cfg.Limits.ExecutionTTL(),
		SweepInterval: cfg.Limits.SweepInterval(),
		RingSize:      cfg.Limits.EventRingSize,
		QueueDepth:    cfg.Limits.SubscriberQueueDepth,
	}, log)
	go registry.Run(ctx)

	// CLI process supervision
	sup := supervisor.New(supervisor.Config{
		IdleTimeout:        cfg.Limits.CLIIdleTimeout(),
		GracefulGrace:      cfg.Limits.GracefulGrace(),
		MaxToolOutputBytes: cfg.Limits.MaxToolOutputBytes,
	}, log)

	// Lead orchestration
	experts := expertise.NewLoader(cfg.Expertise.Dir, log)
	spawner := orchestrator.NewSpawner(sup, store, cfg.Providers,
		cfg.Limits.SubAgentSoftCap(), cfg.Limits.AgentSummaryMaxTokens, log)
	orch := orchestrator.New(spawner, experts, cfg.Limits.MaxConcurrentAgents, log)

	// Kernel. No external memory service ships with the server yet, so the
	// collaborator is the no-op.
	k := kernel.New(cfg, store, registry, sup, orch, broadcaster, recorder, memory.Noop{}, log)

	// Gateways
	dispatcher := ws.NewDispatcher()
	controller := gatewayws.NewController(k, registry, broadcaster, log)
	controller.RegisterHandlers(dispatcher)

	hub := gatewayws.NewHub(dispatcher, log)
	go hub.Run(ctx)
	wsHandler := gatewayws.NewHandler(hub, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "crewd",
			"clients": hub.ClientCount(),
		})
	})
	router.GET("/ws", wsHandler.HandleConnection)
	gatewayhttp.NewHandlers(store, registry, log).RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// Streaming responses rule out a server-wide write timeout.
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	log.Info("crewd stopped")
}
