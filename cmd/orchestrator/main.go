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

	"github.com/codeswarm/codeswarm/internal/agent/adapter"
	"github.com/codeswarm/codeswarm/internal/agent/credentials"
	"github.com/codeswarm/codeswarm/internal/api"
	"github.com/codeswarm/codeswarm/internal/common/config"
	"github.com/codeswarm/codeswarm/internal/common/logger"
	"github.com/codeswarm/codeswarm/internal/events/bus"
	"github.com/codeswarm/codeswarm/internal/gateway"
	"github.com/codeswarm/codeswarm/internal/job"
	"github.com/codeswarm/codeswarm/internal/scheduler"
	"github.com/codeswarm/codeswarm/internal/workspace"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
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

	log.Info("Starting orchestrator service...")

	// 3. Connect the event bus. An empty NATS URL selects in-memory dispatch.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Initialize workspace manager
	wsManager, err := workspace.NewManager(workspace.Config{
		Root:       cfg.Workspace.Root,
		QuotaBytes: cfg.Workspace.SizeLimitBytes(),
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize workspace manager", zap.Error(err))
	}
	log.Info("Workspace manager ready", zap.String("root", wsManager.Root()))

	// 5. Initialize adapters
	adapters, err := adapter.NewRegistry(cfg.Agent)
	if err != nil {
		log.Fatal("Failed to initialize agent adapters", zap.Error(err))
	}

	// 6. Initialize credentials: stored values first, environment fallback
	credStore, err := credentials.NewStore(credentials.DefaultStorePath())
	if err != nil {
		log.Fatal("Failed to open credential store", zap.Error(err))
	}
	creds := credentials.Chain{credStore, credentials.EnvProvider{}}

	// 7. Initialize scheduler and controller
	sched := scheduler.New(cfg.Scheduler, log)
	controller := job.NewController(cfg, wsManager, sched, adapters, creds, eventBus, log)

	// 8. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log), api.RequestLogger(log), api.ErrorHandler(log), api.CORS())

	handler := api.NewHandler(controller, credStore, log)
	wsHandler := gateway.NewHandler(controller, log)
	api.SetupRoutes(router, handler, wsHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 9. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator service...")

	// Graceful shutdown: cancel running jobs so workspaces are released,
	// then drain HTTP.
	for _, status := range controller.Registry().List() {
		if status.State != v1.JobStateTerminal {
			if err := controller.Cancel(status.ID); err != nil {
				log.Warn("Failed to cancel job during shutdown", zap.String("job_id", status.ID))
			}
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Orchestrator service stopped")
}
