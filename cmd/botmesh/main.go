// Package main is the entry point for the botmesh control plane.
// One binary runs the resource store, chat streaming engine, dispatcher,
// trigger scheduler and WebSocket gateway with shared infrastructure.
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

	"github.com/botmesh/botmesh/internal/auth"
	"github.com/botmesh/botmesh/internal/common/config"
	"github.com/botmesh/botmesh/internal/common/httpmw"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/db"
	"github.com/botmesh/botmesh/internal/dispatch"
	"github.com/botmesh/botmesh/internal/events"
	gateways "github.com/botmesh/botmesh/internal/gateway/websocket"
	"github.com/botmesh/botmesh/internal/kv"
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/shell"
	"github.com/botmesh/botmesh/internal/shutdown"
	"github.com/botmesh/botmesh/internal/streaming"
	"github.com/botmesh/botmesh/internal/subscription"
	"github.com/botmesh/botmesh/internal/task/repository"
	"github.com/botmesh/botmesh/internal/task/service"
	"github.com/botmesh/botmesh/internal/tracing"
	"github.com/botmesh/botmesh/internal/trigger"
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
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting botmesh control plane...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Tracing (no-op unless an OTLP endpoint is configured)
	traceShutdown, err := tracing.Init(ctx, cfg.Otel)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := traceShutdown(flushCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
	}()

	// 5. Event bus (in-memory for single-worker mode, NATS if configured)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := providedBus.Bus

	// 6. KV store and distributed locks (JetStream KV on NATS, memory otherwise)
	kvProvided, err := kv.Provide(providedBus, log)
	if err != nil {
		log.Fatal("Failed to initialize KV store", zap.Error(err))
	}

	// 7. Database
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Database ready",
		zap.String("type", cfg.Database.Type))

	resources := resource.NewStore(pool, log)
	repo := repository.NewRepository(pool, log)

	// Schema init is idempotent; the lock only keeps concurrent replicas
	// from racing the same DDL. Workers that lose the lock still proceed.
	lockTTL := time.Duration(cfg.Flow.LockTTL) * time.Second
	token, held, err := kvProvided.Locker.Acquire(ctx, kv.LockStartupInitialization, lockTTL)
	if err != nil {
		log.Warn("Startup lock unavailable, continuing", zap.Error(err))
	}
	if err := resources.InitSchema(ctx); err != nil {
		log.Fatal("Failed to initialize resource schema", zap.Error(err))
	}
	if err := repo.InitSchema(ctx); err != nil {
		log.Fatal("Failed to initialize execution schema", zap.Error(err))
	}
	if held {
		if err := kvProvided.Locker.Release(ctx, kv.LockStartupInitialization, token); err != nil {
			log.Warn("Failed to release startup lock", zap.Error(err))
		}
	}

	// 8. Secret cipher for model API keys
	cipher, err := resource.NewCipher(cfg.Auth.SecretKey)
	if err != nil {
		log.Fatal("Failed to initialize secret cipher", zap.Error(err))
	}

	// 9. Task service (resource store + execution repository + reducer)
	svc := service.NewService(resources, repo, eventBus, log)

	// 10. Chat shell backend
	var chatShell shell.Shell
	switch cfg.Chat.ShellMode {
	case "http":
		chatShell = shell.NewHTTPShell(cfg.Chat.ShellURL, cfg.Chat.ShellToken, log)
		log.Info("Chat shell: http", zap.String("url", cfg.Chat.ShellURL))
	default:
		// Bridge mode runs an in-process shell. Without a real model
		// binding this echoes the prompt, which is enough for local
		// development against the full streaming path.
		chatShell = shell.NewBridge(echoStream)
		log.Info("Chat shell: bridge (development echo)")
	}

	// 11. Streaming engine and skill broker
	coord := shutdown.NewCoordinator(log)
	engine := streaming.NewEngine(chatShell, svc, kvProvided.Store, eventBus,
		coord, cipher, cfg.Chat, log)
	skills := streaming.NewSkillBroker(eventBus, kvProvided.Store, log)

	// 12. Dispatcher (executor-backed shells); disabled without an executor
	tokens := auth.NewManager(cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenDuration)*time.Second)
	var dispatcher *dispatch.Dispatcher
	if cfg.Dispatch.ExecutorURL != "" {
		exec := dispatch.NewExecutorClient(cfg.Dispatch.ExecutorURL,
			time.Duration(cfg.Dispatch.RequestTimeout)*time.Second, log)
		dispatcher = dispatch.NewDispatcher(svc, exec, eventBus, cipher, tokens, cfg.Dispatch, log)
		go dispatcher.Run(ctx)
	} else {
		log.Info("Dispatcher disabled (no executor URL configured)")
	}

	// 13. Background subscriptions: runner + trigger scheduler
	runner := subscription.NewRunner(svc, engine, dispatcher, cfg.Flow, log)
	scheduler := trigger.NewScheduler(resources, repo, runner, kvProvided.Locker, cfg.Flow, log)
	go scheduler.Run(ctx)

	// 14. WebSocket gateway
	gateway := gateways.Provide(cfg, svc, engine, dispatcher, skills, eventBus, coord, log)
	if err := gateway.Start(ctx); err != nil {
		log.Fatal("Failed to start WebSocket gateway", zap.Error(err))
	}
	defer gateway.Stop()

	// 15. HTTP server (WebSocket upgrade + executor callback)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "botmesh"))
	router.Use(httpmw.OtelTracing("botmesh"))

	gateway.SetupRoutes(router)

	callback := dispatch.NewCallbackHandler(svc, tokens, log)
	callback.RegisterRoutes(router.Group("/api/v1"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "botmesh",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws/chat"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 16. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down botmesh...")

	// Drain active streams before tearing down transports so in-flight
	// responses settle with persisted partial content.
	coord.Shutdown(cfg.Shutdown.GracefulTimeoutDuration())
	gateway.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	cancel()

	log.Info("botmesh stopped")
}

// echoStream is the bridge-mode development shell: it streams the prompt
// back as content and completes.
func echoStream(ctx context.Context, req *shell.Request, emit shell.EmitFunc) error {
	if err := emit(&shell.Event{Type: shell.EventStart}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return shell.ErrCancelled
	default:
	}
	if err := emit(&shell.Event{Type: shell.EventContentDelta, Delta: req.Prompt}); err != nil {
		return err
	}
	return emit(&shell.Event{Type: shell.EventDone})
}
