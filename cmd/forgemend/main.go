package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"forgemend/internal/agent"
	"forgemend/internal/analyze"
	"forgemend/internal/api"
	"forgemend/internal/artifact"
	"forgemend/internal/config"
	"forgemend/internal/dispatch"
	"forgemend/internal/events"
	"forgemend/internal/graph"
	"forgemend/internal/healing"
	"forgemend/internal/health"
	"forgemend/internal/logging"
	"forgemend/internal/orchestrator"
	"forgemend/internal/solution"
	"forgemend/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Artifact persistence: redis when configured, in-memory otherwise.
	var artifacts artifact.Store
	if cfg.RedisURL != "" {
		rs, err := artifact.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis store init failed", zap.Error(err))
		}
		defer rs.Close()
		artifacts = rs
		log.Info("artifact store: redis")
	} else {
		artifacts = artifact.NewMemoryStore()
		log.Info("artifact store: memory")
	}

	archive, err := store.OpenArchive(cfg.ArchivePath)
	if err != nil {
		log.Fatal("session archive init failed", zap.Error(err))
	}

	hub := events.NewHub()
	go hub.Run()
	defer hub.Shutdown()

	registry := agent.NewRegistry()
	agent.RegisterScaffolds(registry)

	locker := artifact.NewLocker()
	monitor := health.NewMonitor(
		health.EmptyArtifactChecker{},
		health.SkippedChecker{SlotName: "test-runner", SlotCategory: health.CategoryTest},
		health.PlaceholderChecker{},
	)

	dispatcher := dispatch.New(registry, artifacts, locker, hub, dispatch.Config{
		MaxParallel:    cfg.MaxParallelTasks,
		MaxRetries:     cfg.TaskMaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		AgentTimeout:   cfg.AgentTimeout,
		RateLimit:      cfg.AgentRateLimit,
		RateBurst:      cfg.AgentRateBurst,
	})

	coordinator := healing.NewCoordinator(
		healing.Config{
			MaxAttempts:       cfg.MaxAttempts,
			MaxCandidateTries: cfg.MaxCandidateTries,
			HealthyThreshold:  cfg.HealthyThreshold,
		},
		healing.Deps{
			Monitor:  monitor,
			Analyzer: analyze.New(cfg.MinConfidence),
			Proposer: solution.NewHeuristicGenerator(),
			Store:    artifacts,
			Emitter:  hub,
		},
		locker,
		archive,
	)
	defer coordinator.Shutdown()

	core := orchestrator.New(orchestrator.Options{
		Builder:          graph.NewBuilder(registry),
		Dispatcher:       dispatcher,
		Coordinator:      coordinator,
		Monitor:          monitor,
		Store:            artifacts,
		Emitter:          hub,
		HealthyThreshold: cfg.HealthyThreshold,
		AutoHeal:         true,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.New(core, hub, archive).Router(),
	}

	go func() {
		log.Info("listening", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
	}
}
