package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/zone-engine/api/handlers"
	"github.com/feichai0017/zone-engine/api/routes"
	"github.com/feichai0017/zone-engine/config"
	"github.com/feichai0017/zone-engine/internal/engine"
	"github.com/feichai0017/zone-engine/internal/janitor"
	"github.com/feichai0017/zone-engine/internal/registry"
	"github.com/feichai0017/zone-engine/internal/status"
	"github.com/feichai0017/zone-engine/internal/tools"
	"github.com/feichai0017/zone-engine/pkg/dispatch"
	"github.com/feichai0017/zone-engine/pkg/logger"
	"github.com/feichai0017/zone-engine/pkg/store"
	redisstore "github.com/feichai0017/zone-engine/pkg/store/redis"
)

func main() {
	// init logger
	log, err := logger.NewLogger(
		logger.WithLevel("info"),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", "logs/app.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	engCfg := config.GetEngineConfig()

	// init artifact store
	artifacts, err := store.NewArtifactStore(store.BackendType(engCfg.StorageBackend), log)
	if err != nil {
		log.Fatal("Failed to init artifact store:", logger.Error(err))
	}

	// init zone state store
	states := redisstore.New(log)
	defer states.Close()

	// init tool registry
	reg := registry.NewRegistry(log)
	if engCfg.RegistryPath != "" {
		if err := reg.LoadFile(engCfg.RegistryPath); err != nil {
			log.Fatal("Failed to load tool registry:", logger.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// init status hub
	hub := status.NewHub(status.Config{}, log)
	hub.Start(ctx)

	// init tool router
	router := tools.NewRouter(tools.NewStoreFetcher(artifacts), log, tools.BuildAdapters(ctx, log)...)

	// init engine
	eng := engine.New(engine.Config{
		Workers:             engCfg.Workers,
		QueueCapacity:       engCfg.QueueCapacity,
		ToolTimeout:         engCfg.ToolTimeout,
		ConfidenceThreshold: engCfg.ConfidenceThreshold,
		MaxRetries:          engCfg.MaxRetries,
	}, reg, hub, router, states, log)
	eng.Start(ctx)

	// async intake hands batches to worker processes instead of the
	// in-process engine
	var dispatcher *dispatch.Dispatcher
	if engCfg.AsyncIntake {
		dispatcher = dispatch.NewDispatcher(log)
		defer dispatcher.Close()
	}

	// init janitor
	janCfg := config.GetJanitorConfig()
	jan := janitor.New(janitor.Config{
		Schedule:          janCfg.Schedule,
		StateRetention:    janCfg.StateRetention,
		ArtifactRetention: janCfg.ArtifactRetention,
	}, hub, artifacts, log)
	if err := jan.Start(); err != nil {
		log.Fatal("Failed to start janitor:", logger.Error(err))
	}

	// init handlers
	h := handlers.NewHandlers(eng, hub, dispatcher, states, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h)

	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	// start server
	go func() {
		log.Info("Server starting on port 8080")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error:", logger.Error(err))
		}
	}()

	// wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown:", logger.Error(err))
	}

	jan.Stop()
	eng.Stop()
	hub.Stop()
	if err := router.Close(); err != nil {
		log.Error("Tool router close:", logger.Error(err))
	}
}
