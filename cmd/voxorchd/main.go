// Package main is the entry point for voxorchd, the voice-agent session
// orchestrator daemon.
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

	"github.com/simsbuddy/voxorch/internal/common/config"
	"github.com/simsbuddy/voxorch/internal/common/httpmw"
	"github.com/simsbuddy/voxorch/internal/common/logger"
	"github.com/simsbuddy/voxorch/internal/common/tracing"
	"github.com/simsbuddy/voxorch/internal/events"
	"github.com/simsbuddy/voxorch/internal/httpapi"
	"github.com/simsbuddy/voxorch/internal/lifecycle"
	"github.com/simsbuddy/voxorch/internal/model"
	"github.com/simsbuddy/voxorch/internal/pool"
	"github.com/simsbuddy/voxorch/internal/process"
	"github.com/simsbuddy/voxorch/internal/registry"
	"github.com/simsbuddy/voxorch/internal/spawn"
	"github.com/simsbuddy/voxorch/internal/store"
	"github.com/simsbuddy/voxorch/internal/sweep"
	"github.com/simsbuddy/voxorch/internal/token"
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

	log.Info("starting voxorch session orchestrator")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the shared state store.
	st, err := store.New(store.Config{
		Addr:       cfg.Store.Addr,
		Password:   cfg.Store.Password,
		DB:         cfg.Store.DB,
		SessionTTL: cfg.Store.SessionTTL(),
	}, log)
	if err != nil {
		log.Fatal("failed to connect to state store", zap.Error(err))
	}
	defer st.Close()

	// 5. Connect the internal lifecycle event bus — NATS if configured,
	// in-process otherwise.
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 6. Build the core components, leaves first.
	supervisor := process.NewSupervisor(log)

	reg := registry.New(st, providedBus.Bus, log, cfg.Agent.TerminateGrace())

	defaultCfg := model.Config{
		VoiceID:      cfg.Agent.DefaultVoiceID,
		OpeningLine:  cfg.Agent.DefaultOpeningLine,
		SystemPrompt: cfg.Agent.DefaultSystemPrompt,
	}

	worker := spawn.New(supervisor, reg, log, spawn.AgentLaunchConfig{
		Path:           cfg.Agent.LaunchPath,
		StoreURL:       cfg.Store.Addr,
		StartupTimeout: cfg.Agent.StartupTimeout(),
		TerminateGrace: cfg.Agent.TerminateGrace(),
	}, cfg.Agent.SpawnConcurrency, cfg.Agent.EffectiveMaxQueue())

	poolMgr := pool.New(st, reg, worker, log, cfg.Pool.TargetSize, defaultCfg)

	tokens := token.NewIssuer(cfg.Media.APIKey, cfg.Media.APISecret, cfg.Media.TokenTTL())

	controller := lifecycle.New(lifecycle.Deps{
		Store:            st,
		Registry:         reg,
		Pool:             poolMgr,
		Worker:           worker,
		Tokens:           tokens,
		Logger:           log,
		ServerURL:        cfg.Media.ServerURL,
		DefaultConfig:    defaultCfg,
		MaxBots:          cfg.Agent.MaxBots,
		RateLimitWindow:  cfg.Agent.RateLimitWindow(),
		RateLimitMax:     int64(cfg.Agent.RateLimitMax),
		TokenTTL:         cfg.Media.TokenTTL(),
		WebhookSecret:    cfg.Media.WebhookSecret,
		RequireSignature: cfg.Media.RequireSignature,
	})

	sweepers := sweep.New(st, reg, poolMgr, log, sweep.Config{
		PoolRefillInterval: time.Duration(cfg.Pool.RefillIntervalSeconds) * time.Second,
		LivenessInterval:   time.Duration(cfg.Pool.LivenessIntervalSeconds) * time.Second,
		IdleSweepInterval:  time.Duration(cfg.Pool.IdleSweepIntervalSeconds) * time.Second,
		SessionTimeout:     cfg.Agent.SessionTimeout(),
		LongFormTimeout:    cfg.Agent.LongFormSessionTimeout(),
	})

	// 7. Start the bounded spawn-worker pool and the periodic sweepers as
	// background goroutines.
	go func() {
		if err := worker.Run(ctx); err != nil {
			log.Error("spawn worker pool stopped", zap.Error(err))
		}
	}()
	sweepers.Start(ctx)

	if err := st.SetPoolTarget(ctx, cfg.Pool.TargetSize); err != nil {
		log.Warn("failed to persist pool target", zap.Error(err))
	}

	// 8. Set up the HTTP server with the teacher's middleware stack.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.OtelTracing("voxorchd"))
	router.Use(httpmw.RequestLogger(log, "voxorchd"))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())

	api := router.Group("/")
	httpapi.SetupRoutes(api, controller, log, "X-Media-Signature")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down voxorch session orchestrator")

	// 10. Graceful shutdown: stop accepting HTTP, stop sweepers and the
	// spawn worker pool, but leave in-flight agent processes running — the
	// process table is local to this host, and an orchestrator restart does
	// not migrate or kill live sessions. Hot-migration across orchestrator
	// instances is out of scope; see DESIGN.md.
	cancel()
	sweepers.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("voxorch session orchestrator stopped")
}
