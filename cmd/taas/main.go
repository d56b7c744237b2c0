package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/common/config"
	"github.com/denecity/TaaS/internal/common/constants"
	"github.com/denecity/TaaS/internal/common/httpmw"
	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/events"
	"github.com/denecity/TaaS/internal/events/bus"
	gateway "github.com/denecity/TaaS/internal/gateway/websocket"
	"github.com/denecity/TaaS/internal/orchestrator"
	"github.com/denecity/TaaS/internal/persistence"
	"github.com/denecity/TaaS/internal/routines"
	"github.com/denecity/TaaS/internal/turtle/handlers"
	"github.com/denecity/TaaS/internal/turtle/state"
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

	log.Info("Starting TaaS service...")

	// 3. Initialize event bus (NATS when configured, in-memory otherwise)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	eventBus := providedBus.Bus
	if providedBus.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// Mirror log records onto the event stream so dashboards see them live.
	// Publishing happens off the logging goroutine; the hook must not block.
	publishLog := func(data map[string]interface{}) {
		event := bus.NewEvent(events.WireType(events.TurtleLog), events.Source, data)
		go func() {
			_ = eventBus.Publish(context.Background(), events.TurtleLog, event)
		}()
	}
	log = log.WithEntryHook(events.NewLogHook(publishLog))
	logger.SetDefault(log)

	// 4. Open the turtle state database
	pool, dbCleanup, err := persistence.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}

	store, err := state.New(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize state store", zap.Error(err))
	}

	// 5. Initialize routine registry
	routineReg := routines.NewRegistry()
	log.Info("Loaded routine registry", zap.Int("routines", len(routineReg.List())))

	// 6. Initialize turtle registry and event hub
	turtleReg := gateway.NewRegistry()
	hub := gateway.NewHub(eventBus, log)

	// 7. Initialize scheduler and wire it to connection lifecycle
	scheduler := orchestrator.NewScheduler(turtleReg, routineReg, store, eventBus, log)
	turtleReg.OnConnect(scheduler.HandleConnect)
	turtleReg.OnDisconnect(scheduler.HandleDisconnect)

	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start event hub", zap.Error(err))
	}

	// 8. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log))

	// WebSocket endpoints: turtle firmware and dashboard event stream
	gatewayHandler := gateway.NewHandler(turtleReg, store, hub, log)
	router.GET("/ws", gatewayHandler.HandleTurtle)
	router.GET("/events", gatewayHandler.HandleEvents)

	// REST API
	handlers.RegisterRoutes(router,
		handlers.NewAPIHandlers(scheduler, routineReg, store, log),
		cfg.Gateway.StaticDir)

	// 9. Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 10. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down TaaS service...")

	// 12. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the dashboard stream, then let running routines unwind
	hub.Stop()
	scheduler.Wait()

	if err := busCleanup(); err != nil {
		log.Error("Event bus shutdown error", zap.Error(err))
	}
	if err := dbCleanup(); err != nil {
		log.Error("Database shutdown error", zap.Error(err))
	}

	log.Info("TaaS service stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
